package tracker

import (
	"fmt"

	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/db"
	"github.com/banshee-data/geotrack/internal/events"
	"github.com/banshee-data/geotrack/internal/monitoring"
	"github.com/banshee-data/geotrack/internal/timeutil"
)

// Services owns the process-wide resources the tracker is built on: the
// database and its stores, the configuration store and the event bus.
type Services struct {
	DB        *db.DB
	Locations *db.LocationStore
	Geofences *db.GeofenceStore
	Config    *config.Store
	Bus       *events.Bus
	Clock     timeutil.Clock
}

// Open opens the database at path, unlocks rows left locked by an
// interrupted sync pass and loads the persisted configuration.
func Open(path string, clock timeutil.Clock) (*Services, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	d, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	locations := db.NewLocationStore(d, clock)
	if _, err := locations.RecoverLocks(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to recover locked records: %w", err)
	}
	cfg, err := config.NewStore(d)
	if err != nil {
		d.Close()
		return nil, err
	}
	monitoring.SetLevel(monitoring.Level(cfg.Get().LogLevel))

	return &Services{
		DB:        d,
		Locations: locations,
		Geofences: db.NewGeofenceStore(d, clock),
		Config:    cfg,
		Bus:       events.NewBus(),
		Clock:     clock,
	}, nil
}

// Close delivers queued events and closes the database.
func (s *Services) Close() error {
	s.Bus.Close()
	return s.DB.Close()
}
