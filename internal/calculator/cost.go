package calculator

import (
	"github.com/shopspring/decimal"
)

// purchasePrice returns the original purchase cost.
type purchasePrice struct{}

func (purchasePrice) Calculate(in Input) (int64, error) {
	return in.Asset.PurchaseCost, nil
}

// replacementCost inflates the rule's replacement cost from the rule's cost
// fiscal year to the target year.
type replacementCost struct{}

func (replacementCost) Calculate(in Input) (int64, error) {
	if in.Rule.CostFiscalYear == 0 {
		return in.Rule.ReplacementCost, nil
	}
	years := in.Calendar.Year(in.AsOf) - in.Rule.CostFiscalYear
	return Inflate(in.Rule.ReplacementCost, in.Policy.InflationRate, years), nil
}

// purchasePriceInflated inflates the purchase cost from the fiscal year of
// purchase to the target year.
type purchasePriceInflated struct{}

func (purchasePriceInflated) Calculate(in Input) (int64, error) {
	a := in.Asset
	var baseYear int
	switch {
	case a.PurchaseDate != nil:
		baseYear = in.Calendar.Year(*a.PurchaseDate)
	case a.ManufactureYear > 0:
		baseYear = a.ManufactureYear
	default:
		return a.PurchaseCost, nil
	}
	return Inflate(a.PurchaseCost, in.Policy.InflationRate, in.Calendar.Year(in.AsOf)-baseYear), nil
}

// Inflate compounds base at rate for the given number of years, rounded to
// whole dollars. Non-positive year counts return base unchanged.
func Inflate(base int64, rate decimal.Decimal, years int) int64 {
	if years <= 0 || rate.IsZero() {
		return base
	}
	factor := decimal.NewFromInt(1).Add(rate).Pow(decimal.NewFromInt(int64(years)))
	return decimal.NewFromInt(base).Mul(factor).Round(0).IntPart()
}
