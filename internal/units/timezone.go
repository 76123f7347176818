package units

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// LoadTimezone resolves a tz database name. An empty name or "Local" is the
// host's zone.
func LoadTimezone(name string) (*time.Location, error) {
	switch name {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", name, err)
	}
	return loc, nil
}

// IsTimezoneValid reports whether name resolves to a zone.
func IsTimezoneValid(name string) bool {
	_, err := LoadTimezone(name)
	return err == nil
}
