// Package units converts speeds between the units reported by receivers and
// the metres per second used throughout geotrack.
package units

import "fmt"

const (
	MPS   = "mps"
	MPH   = "mph"
	KMPH  = "kmph"
	KPH   = "kph"
	Knots = "knots"
)

var ValidUnits = []string{MPS, MPH, KMPH, KPH, Knots}

// factor is the number of target units in one metre per second.
func factor(unit string) (float64, bool) {
	switch unit {
	case MPS:
		return 1, true
	case MPH:
		return 2.23694, true
	case KMPH, KPH:
		return 3.6, true
	case Knots:
		return 1.943844, true
	}
	return 0, false
}

// IsValid reports whether unit is known.
func IsValid(unit string) bool {
	_, ok := factor(unit)
	return ok
}

// ConvertSpeed converts a speed in m/s to unit. Unknown units and negative
// (unknown) speeds are returned unchanged.
func ConvertSpeed(speedMPS float64, unit string) float64 {
	f, ok := factor(unit)
	if !ok || speedMPS < 0 {
		return speedMPS
	}
	return speedMPS * f
}

// ToMPS converts a speed in unit to m/s.
func ToMPS(speed float64, unit string) (float64, error) {
	f, ok := factor(unit)
	if !ok {
		return 0, fmt.Errorf("unknown speed unit %q, want one of %v", unit, ValidUnits)
	}
	return speed / f, nil
}
