package calculator

// rehabilitationYear schedules a rehabilitation a fixed number of months into
// service, unless one has already happened on or after that date.
type rehabilitationYear struct{}

func (rehabilitationYear) Calculate(in Input) (*int, error) {
	months := in.Rule.RehabilitationServiceMonth
	if months <= 0 {
		return nil, nil
	}
	start, err := serviceStart(in.Asset)
	if err != nil {
		return nil, err
	}
	due := start.AddDate(0, months, 0)
	if last := in.Asset.LastRehabilitationDate; last != nil && !last.Before(due) {
		return nil, nil
	}
	year := in.Calendar.Year(due)
	return &year, nil
}
