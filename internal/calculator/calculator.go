// Package calculator implements the policy-driven lifecycle calculators and
// the closed registry that dispatches to them by kind.
package calculator

import (
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/transam/sogr/internal/fiscal"
	"github.com/transam/sogr/internal/model"
)

// Capability names one of the four calculator families.
type Capability string

const (
	CapServiceLife    Capability = "service_life"
	CapCondition      Capability = "condition_estimation"
	CapCost           Capability = "cost"
	CapRehabilitation Capability = "rehabilitation_year"
)

// maxServiceLifeMonths bounds rule inputs to keep date arithmetic sane.
const maxServiceLifeMonths = 1200

// ErrNoServiceStart is returned when an asset has neither an in-service date,
// a purchase date, nor a manufacture year.
var ErrNoServiceStart = errors.New("calculator: asset has no service start date")

// ResolutionError reports a calculator kind that the registry cannot map to
// an implementation of the requested capability.
type ResolutionError struct {
	Capability Capability
	Kind       model.CalculatorKind
	Reason     string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("calculator: cannot resolve %s calculator %q: %s", e.Capability, e.Kind, e.Reason)
}

// Input is everything a calculator may read.
type Input struct {
	Asset    *model.Asset
	Policy   *model.Policy
	Rule     model.PolicyRule
	Calendar fiscal.Calendar
	// AsOf is the evaluation date. Cost calculators price the asset on the
	// fiscal year containing AsOf.
	AsOf time.Time
	// Rehabilitations are the asset's rehabilitation events, most recent first.
	Rehabilitations []model.AssetEvent
}

// Estimate is the output of a condition estimator.
type Estimate struct {
	Rating              float64
	LastServiceableYear int
}

// ServiceLifeCalculator projects the policy replacement year.
type ServiceLifeCalculator interface {
	Calculate(in Input) (int, error)
}

// ConditionEstimator estimates the current rating and the last fiscal year
// the asset remains serviceable.
type ConditionEstimator interface {
	Estimate(in Input) (Estimate, error)
}

// CostCalculator prices the replacement of an asset.
type CostCalculator interface {
	Calculate(in Input) (int64, error)
}

// RehabilitationYearCalculator projects the policy rehabilitation year. A nil
// year means no rehabilitation is due.
type RehabilitationYearCalculator interface {
	Calculate(in Input) (*int, error)
}

// serviceStart is the date an asset's service life is measured from.
func serviceStart(a *model.Asset) (time.Time, error) {
	switch {
	case a.InServiceDate != nil:
		return *a.InServiceDate, nil
	case a.PurchaseDate != nil:
		return *a.PurchaseDate, nil
	case a.ManufactureYear > 0:
		return model.Date(a.ManufactureYear, time.January, 1), nil
	}
	return time.Time{}, eris.Wrapf(ErrNoServiceStart, "asset %s", a.ObjectKey)
}

func checkServiceLife(rule model.PolicyRule) error {
	if rule.MinServiceLifeMonths <= 0 || rule.MinServiceLifeMonths > maxServiceLifeMonths {
		return eris.Errorf("calculator: min service life %d months out of range for subtype %d",
			rule.MinServiceLifeMonths, rule.AssetSubtypeID)
	}
	return nil
}

// extendedMonths sums the service life added by rehabilitation events. An
// event without its own extension uses the rule's default.
func extendedMonths(in Input) int {
	total := 0
	for _, e := range in.Rehabilitations {
		if e.Payload.ExtendedLifeMonths != nil {
			total += *e.Payload.ExtendedLifeMonths
		} else {
			total += in.Rule.ExtendedServiceLifeMonths
		}
	}
	return total
}
