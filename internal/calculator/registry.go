package calculator

import (
	"sort"

	"github.com/transam/sogr/internal/model"
)

// Registry maps calculator kinds to implementations. The set of kinds is
// closed; an unknown kind is a ResolutionError.
type Registry struct {
	serviceLife map[model.CalculatorKind]ServiceLifeCalculator
	condition   map[model.CalculatorKind]ConditionEstimator
	cost        map[model.CalculatorKind]CostCalculator
	rehab       map[model.CalculatorKind]RehabilitationYearCalculator
}

// NewRegistry returns a registry holding every built-in calculator.
func NewRegistry() *Registry {
	r := &Registry{
		condition: map[model.CalculatorKind]ConditionEstimator{
			model.ConditionStraightLine: straightLine{useReported: true},
			model.ConditionAgeBased:     straightLine{useReported: false},
		},
		cost: map[model.CalculatorKind]CostCalculator{
			model.CostPurchasePrice:         purchasePrice{},
			model.CostReplacement:           replacementCost{},
			model.CostPurchasePriceInflated: purchasePriceInflated{},
		},
		rehab: map[model.CalculatorKind]RehabilitationYearCalculator{
			model.RehabilitationYear: rehabilitationYear{},
		},
	}
	r.serviceLife = map[model.CalculatorKind]ServiceLifeCalculator{
		model.ServiceLifeAgeOnly:         ageOnly{},
		model.ServiceLifeConditionOnly:   conditionOnly{reg: r},
		model.ServiceLifeAgeAndCondition: combined{reg: r, later: true},
		model.ServiceLifeAgeOrCondition:  combined{reg: r, later: false},
	}
	return r
}

func (r *Registry) ServiceLife(kind model.CalculatorKind) (ServiceLifeCalculator, error) {
	if c, ok := r.serviceLife[kind]; ok {
		return c, nil
	}
	return nil, r.unresolved(CapServiceLife, kind)
}

func (r *Registry) Condition(kind model.CalculatorKind) (ConditionEstimator, error) {
	if c, ok := r.condition[kind]; ok {
		return c, nil
	}
	return nil, r.unresolved(CapCondition, kind)
}

func (r *Registry) Cost(kind model.CalculatorKind) (CostCalculator, error) {
	if c, ok := r.cost[kind]; ok {
		return c, nil
	}
	return nil, r.unresolved(CapCost, kind)
}

// Rehabilitation resolves the rehabilitation-year calculator. Rules that do
// not name one get the standard rehabilitation_year calculator.
func (r *Registry) Rehabilitation(kind model.CalculatorKind) (RehabilitationYearCalculator, error) {
	if kind == "" {
		kind = model.RehabilitationYear
	}
	if c, ok := r.rehab[kind]; ok {
		return c, nil
	}
	return nil, r.unresolved(CapRehabilitation, kind)
}

func (r *Registry) unresolved(capability Capability, kind model.CalculatorKind) error {
	reason := "unknown kind"
	if kind == "" {
		reason = "rule names no calculator"
	} else if owner, ok := r.capabilityOf(kind); ok {
		reason = "kind is a " + string(owner) + " calculator"
	}
	return &ResolutionError{Capability: capability, Kind: kind, Reason: reason}
}

func (r *Registry) capabilityOf(kind model.CalculatorKind) (Capability, bool) {
	if _, ok := r.serviceLife[kind]; ok {
		return CapServiceLife, true
	}
	if _, ok := r.condition[kind]; ok {
		return CapCondition, true
	}
	if _, ok := r.cost[kind]; ok {
		return CapCost, true
	}
	if _, ok := r.rehab[kind]; ok {
		return CapRehabilitation, true
	}
	return "", false
}

// ValidateRule checks that every calculator a rule names resolves.
func (r *Registry) ValidateRule(rule model.PolicyRule) error {
	if _, err := r.ServiceLife(rule.ServiceLifeCalculation); err != nil {
		return err
	}
	if _, err := r.Condition(rule.ConditionEstimation); err != nil {
		return err
	}
	if _, err := r.Cost(rule.CostCalculation); err != nil {
		return err
	}
	_, err := r.Rehabilitation(rule.RehabilitationCalculation)
	return err
}

// Kinds lists the registered kinds of a capability, sorted.
func (r *Registry) Kinds(capability Capability) []model.CalculatorKind {
	var out []model.CalculatorKind
	switch capability {
	case CapServiceLife:
		for k := range r.serviceLife {
			out = append(out, k)
		}
	case CapCondition:
		for k := range r.condition {
			out = append(out, k)
		}
	case CapCost:
		for k := range r.cost {
			out = append(out, k)
		}
	case CapRehabilitation:
		for k := range r.rehab {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
