package model

import "fmt"

// AssetClass is the discriminant selecting subtype-specific behavior.
type AssetClass string

const (
	ClassVehicle   AssetClass = "vehicle"
	ClassEquipment AssetClass = "equipment"
	ClassFacility  AssetClass = "facility"
	ClassTrack     AssetClass = "track"
)

// ClassBehavior is the behavior that varies by asset class.
type ClassBehavior interface {
	Class() AssetClass
	EventKinds() []EventKind
	AllowsEvent(kind EventKind) bool
}

type classBehavior struct {
	class AssetClass
	kinds []EventKind
}

func (b classBehavior) Class() AssetClass { return b.class }

func (b classBehavior) EventKinds() []EventKind {
	out := make([]EventKind, len(b.kinds))
	copy(out, b.kinds)
	return out
}

func (b classBehavior) AllowsEvent(kind EventKind) bool {
	for _, k := range b.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// fixedKinds are the event kinds accepted by assets that cannot move.
var fixedKinds = []EventKind{
	EventDisposition,
	EventServiceStatus,
	EventCondition,
	EventRehabilitation,
	EventScheduleReplacement,
	EventScheduleRehabilitation,
	EventScheduleDisposition,
}

var behaviors = map[AssetClass]ClassBehavior{
	ClassVehicle:   classBehavior{class: ClassVehicle, kinds: AllEventKinds},
	ClassEquipment: classBehavior{class: ClassEquipment, kinds: AllEventKinds},
	ClassFacility:  classBehavior{class: ClassFacility, kinds: fixedKinds},
	ClassTrack:     classBehavior{class: ClassTrack, kinds: fixedKinds},
}

// BehaviorFor returns the behavior of an asset class.
func BehaviorFor(class AssetClass) (ClassBehavior, error) {
	b, ok := behaviors[class]
	if !ok {
		return nil, fmt.Errorf("model: unknown asset class %q", class)
	}
	return b, nil
}

// ParseAssetClass converts a string into an AssetClass.
func ParseAssetClass(s string) (AssetClass, error) {
	c := AssetClass(s)
	if _, ok := behaviors[c]; !ok {
		return "", fmt.Errorf("model: unknown asset class %q", s)
	}
	return c, nil
}
