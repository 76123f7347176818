// Package geo defines the location record, geofence and fix types shared by
// every stage of the tracking engine.
package geo

import (
	"time"

	"github.com/google/uuid"
)

// Event tags a location record with the reason it was captured.
type Event string

const (
	// EventTracking marks an ordinary tracking fix. Tracking records carry no
	// event key when serialised.
	EventTracking        Event = ""
	EventMotionChange    Event = "motionchange"
	EventCurrentPosition Event = "current-position"
	EventSample          Event = "sample"
	EventWatchPosition   Event = "watch-position"
	EventGeofence        Event = "geofence"
	EventHeartbeat       Event = "heartbeat"
	EventProviderChange  Event = "providerchange"
)

// Coords is the positional part of a fix. Distances are metres, speed is
// metres per second and heading is degrees from true north. Negative accuracy,
// speed or heading means the value is unknown.
type Coords struct {
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	Accuracy         float64 `json:"accuracy"`
	Speed            float64 `json:"speed"`
	Heading          float64 `json:"heading"`
	Altitude         float64 `json:"altitude"`
	AltitudeAccuracy float64 `json:"altitude_accuracy"`
}

// Battery is the device power state at capture time.
type Battery struct {
	Level      float64 `json:"level"`
	IsCharging bool    `json:"is_charging"`
}

// Activity is the motion activity reported alongside a record.
type Activity struct {
	Type       string `json:"activity"`
	Confidence int    `json:"confidence"`
}

// Fix is a raw position sample delivered by the positioning provider.
type Fix struct {
	Coords    Coords
	Timestamp time.Time
	Mock      bool
}

// Location is an immutable location record. Records are created when a fix is
// accepted and are never modified after they have been persisted.
type Location struct {
	UUID      string              `json:"uuid"`
	Timestamp time.Time           `json:"timestamp"`
	Event     Event               `json:"event,omitempty"`
	IsMoving  bool                `json:"is_moving"`
	Odometer  float64             `json:"odometer"`
	Coords    Coords              `json:"coords"`
	Battery   Battery             `json:"battery"`
	Activity  Activity            `json:"activity"`
	Extras    map[string]any      `json:"extras,omitempty"`
	Geofence  *GeofenceTransition `json:"geofence,omitempty"`
	Mock      bool                `json:"mock,omitempty"`
	Sample    bool                `json:"sample,omitempty"`
}

// NewLocation builds a record from fix with a freshly generated id.
func NewLocation(fix Fix, event Event) *Location {
	return &Location{
		UUID:      uuid.New().String(),
		Timestamp: fix.Timestamp,
		Event:     event,
		Coords:    fix.Coords,
		Mock:      fix.Mock,
		Sample:    event == EventSample,
	}
}

// Fix returns the positional sample the record was built from.
func (l *Location) Fix() Fix {
	return Fix{Coords: l.Coords, Timestamp: l.Timestamp, Mock: l.Mock}
}

// Clone returns a copy that shares no maps with l.
func (l *Location) Clone() *Location {
	c := *l
	if l.Extras != nil {
		c.Extras = make(map[string]any, len(l.Extras))
		for k, v := range l.Extras {
			c.Extras[k] = v
		}
	}
	if l.Geofence != nil {
		g := *l.Geofence
		c.Geofence = &g
	}
	return &c
}

// EventName returns the event tag with tracking records reported as
// "tracking".
func (l *Location) EventName() string {
	if l.Event == EventTracking {
		return "tracking"
	}
	return string(l.Event)
}
