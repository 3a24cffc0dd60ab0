package calculator

// ageOnly adds the minimum service life, plus any rehabilitation extension,
// to the fiscal year the asset entered service. Partial years round up.
type ageOnly struct{}

func (ageOnly) Calculate(in Input) (int, error) {
	if err := checkServiceLife(in.Rule); err != nil {
		return 0, err
	}
	start, err := serviceStart(in.Asset)
	if err != nil {
		return 0, err
	}
	months := in.Rule.MinServiceLifeMonths + extendedMonths(in)
	return in.Calendar.Year(start) + (months+11)/12, nil
}

// conditionOnly replaces the asset the year after its estimated condition
// falls below the policy threshold.
type conditionOnly struct {
	reg *Registry
}

func (c conditionOnly) Calculate(in Input) (int, error) {
	est, err := c.reg.Condition(in.Rule.ConditionEstimation)
	if err != nil {
		return 0, err
	}
	e, err := est.Estimate(in)
	if err != nil {
		return 0, err
	}
	return e.LastServiceableYear + 1, nil
}

// combined evaluates both the age and condition projections and keeps the
// later (and) or earlier (or) of the two.
type combined struct {
	reg   *Registry
	later bool
}

func (c combined) Calculate(in Input) (int, error) {
	byAge, err := ageOnly{}.Calculate(in)
	if err != nil {
		return 0, err
	}
	byCondition, err := conditionOnly{reg: c.reg}.Calculate(in)
	if err != nil {
		return 0, err
	}
	if c.later == (byCondition > byAge) {
		return byCondition, nil
	}
	return byAge, nil
}
