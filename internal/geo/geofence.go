package geo

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidGeofence is wrapped by Geofence.Validate failures.
var ErrInvalidGeofence = errors.New("invalid geofence")

// GeofenceAction is the kind of boundary transition.
type GeofenceAction string

const (
	ActionEnter GeofenceAction = "ENTER"
	ActionExit  GeofenceAction = "EXIT"
	ActionDwell GeofenceAction = "DWELL"
)

// Geofence is a circular region keyed by Identifier.
type Geofence struct {
	Identifier     string         `json:"identifier"`
	Latitude       float64        `json:"latitude"`
	Longitude      float64        `json:"longitude"`
	Radius         float64        `json:"radius"`
	NotifyOnEntry  bool           `json:"notifyOnEntry"`
	NotifyOnExit   bool           `json:"notifyOnExit"`
	NotifyOnDwell  bool           `json:"notifyOnDwell"`
	LoiteringDelay int64          `json:"loiteringDelay"` // milliseconds
	Extras         map[string]any `json:"extras,omitempty"`
}

// Validate checks the geofence definition. A geofence that subscribes to no
// transition is given entry and exit notifications.
func (g *Geofence) Validate() error {
	if g.Identifier == "" {
		return fmt.Errorf("%w: identifier is required", ErrInvalidGeofence)
	}
	if g.Radius <= 0 {
		return fmt.Errorf("%w: %s: radius must be positive, got %v", ErrInvalidGeofence, g.Identifier, g.Radius)
	}
	if g.Latitude < -90 || g.Latitude > 90 {
		return fmt.Errorf("%w: %s: latitude out of range: %v", ErrInvalidGeofence, g.Identifier, g.Latitude)
	}
	if g.Longitude < -180 || g.Longitude > 180 {
		return fmt.Errorf("%w: %s: longitude out of range: %v", ErrInvalidGeofence, g.Identifier, g.Longitude)
	}
	if g.LoiteringDelay < 0 {
		return fmt.Errorf("%w: %s: negative loiteringDelay", ErrInvalidGeofence, g.Identifier)
	}
	if !g.NotifyOnEntry && !g.NotifyOnExit && !g.NotifyOnDwell {
		g.NotifyOnEntry = true
		g.NotifyOnExit = true
	}
	return nil
}

// LoiteringDuration returns LoiteringDelay as a duration.
func (g Geofence) LoiteringDuration() time.Duration {
	return time.Duration(g.LoiteringDelay) * time.Millisecond
}

// Contains reports whether the point lies inside the geofence circle.
func (g Geofence) Contains(lat, lon float64) bool {
	return Distance(g.Latitude, g.Longitude, lat, lon) <= g.Radius
}

// Notifies reports whether the geofence subscribes to action.
func (g Geofence) Notifies(action GeofenceAction) bool {
	switch action {
	case ActionEnter:
		return g.NotifyOnEntry
	case ActionExit:
		return g.NotifyOnExit
	case ActionDwell:
		return g.NotifyOnDwell
	}
	return false
}

// GeofenceTransition is the payload embedded in geofence location records.
type GeofenceTransition struct {
	Identifier string         `json:"identifier"`
	Action     GeofenceAction `json:"action"`
	Extras     map[string]any `json:"extras,omitempty"`
}

// GeofenceEvent reports a transition together with the record captured for it.
type GeofenceEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	Identifier string         `json:"identifier"`
	Action     GeofenceAction `json:"action"`
	Location   *Location      `json:"location"`
	Extras     map[string]any `json:"extras,omitempty"`
	Geofence   Geofence       `json:"-"`
}

// GeofencesChange lists geofences that started (On) and stopped (Off) being
// actively monitored.
type GeofencesChange struct {
	On  []Geofence `json:"on"`
	Off []string   `json:"off"`
}

// Empty reports whether the change carries no delta.
func (c GeofencesChange) Empty() bool {
	return len(c.On) == 0 && len(c.Off) == 0
}
