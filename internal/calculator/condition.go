package calculator

import (
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/transam/sogr/internal/model"
)

const daysPerMonth = 30.436875

// straightLine decays the rating linearly from new (5.0) to the policy
// threshold over the minimum service life. When useReported is set, the line
// is anchored on the latest reported condition instead of the service start.
type straightLine struct {
	useReported bool
}

func (s straightLine) Estimate(in Input) (Estimate, error) {
	if err := checkServiceLife(in.Rule); err != nil {
		return Estimate{}, err
	}
	threshold := in.Policy.Threshold()
	if threshold >= model.MaxRating {
		return Estimate{}, eris.Errorf("calculator: condition threshold %.2f leaves no service life", threshold)
	}
	start, err := serviceStart(in.Asset)
	if err != nil {
		return Estimate{}, err
	}

	anchorRating, anchorDate := model.MaxRating, start
	a := in.Asset
	if s.useReported && a.ReportedConditionRating != nil && a.ReportedConditionDate != nil {
		anchorRating, anchorDate = *a.ReportedConditionRating, *a.ReportedConditionDate
	}

	perDay := (model.MaxRating - threshold) / (float64(in.Rule.MinServiceLifeMonths) * daysPerMonth)

	elapsed := in.AsOf.Sub(anchorDate).Hours() / 24
	if elapsed < 0 {
		elapsed = 0
	}
	rating := anchorRating - perDay*elapsed
	rating = math.Max(model.MinRating, math.Min(model.MaxRating, rating))

	remaining := (anchorRating - threshold) / perDay
	if remaining < 0 {
		remaining = 0
	}
	end := anchorDate.Add(time.Duration(remaining * float64(24*time.Hour)))

	return Estimate{
		Rating:              math.Round(rating*100) / 100,
		LastServiceableYear: in.Calendar.Year(end),
	}, nil
}
