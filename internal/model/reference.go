package model

// ConditionType is the qualitative condition bucket derived from a rating.
type ConditionType string

const (
	ConditionUnknown   ConditionType = "Unknown"
	ConditionExcellent ConditionType = "Excellent"
	ConditionGood      ConditionType = "Good"
	ConditionAdequate  ConditionType = "Adequate"
	ConditionMarginal  ConditionType = "Marginal"
	ConditionPoor      ConditionType = "Poor"
)

// Rating bounds on the 0-5 condition scale.
const (
	MinRating = 0.0
	MaxRating = 5.0
)

// conditionFloors maps condition types to the lowest rating they cover,
// ordered best first.
var conditionFloors = []struct {
	floor float64
	kind  ConditionType
}{
	{4.8, ConditionExcellent},
	{4.0, ConditionGood},
	{3.0, ConditionAdequate},
	{2.0, ConditionMarginal},
	{1.0, ConditionPoor},
}

// ConditionTypeFromRating maps a rating to its condition type. A nil rating
// maps to ConditionUnknown.
func ConditionTypeFromRating(rating *float64) ConditionType {
	if rating == nil {
		return ConditionUnknown
	}
	for _, f := range conditionFloors {
		if *rating >= f.floor {
			return f.kind
		}
	}
	return ConditionUnknown
}

// ServiceStatus is the single-letter service status code.
type ServiceStatus string

const (
	ServiceInService    ServiceStatus = "I"
	ServiceOutOfService ServiceStatus = "O"
	ServiceSpare        ServiceStatus = "S"
	ServiceDisposed     ServiceStatus = "D"
	ServiceUnknown      ServiceStatus = "U"
)

var serviceStatusNames = map[ServiceStatus]string{
	ServiceInService:    "In Service",
	ServiceOutOfService: "Out of Service",
	ServiceSpare:        "Spare",
	ServiceDisposed:     "Disposed",
	ServiceUnknown:      "Unknown",
}

// Valid reports whether s is a known code.
func (s ServiceStatus) Valid() bool {
	_, ok := serviceStatusNames[s]
	return ok
}

// Name returns the display name of the status.
func (s ServiceStatus) Name() string {
	if n, ok := serviceStatusNames[s]; ok {
		return n
	}
	return "Unknown"
}

// DispositionType is the code describing how an asset left the inventory.
type DispositionType string

const (
	DispositionPublicSale  DispositionType = "P"
	DispositionTransferred DispositionType = "T"
	DispositionTradeIn     DispositionType = "I"
	DispositionScrapped    DispositionType = "S"
	DispositionLost        DispositionType = "L"
)

var dispositionNames = map[DispositionType]string{
	DispositionPublicSale:  "Public Sale",
	DispositionTransferred: "Transferred",
	DispositionTradeIn:     "Trade-In",
	DispositionScrapped:    "Scrapped",
	DispositionLost:        "Lost/Stolen",
}

// Valid reports whether d is a known code.
func (d DispositionType) Valid() bool {
	_, ok := dispositionNames[d]
	return ok
}

// Name returns the display name of the disposition type.
func (d DispositionType) Name() string {
	return dispositionNames[d]
}
