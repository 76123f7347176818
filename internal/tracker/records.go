package tracker

import (
	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/db"
	"github.com/banshee-data/geotrack/internal/events"
	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/geofence"
	"github.com/banshee-data/geotrack/internal/monitoring"
)

func retention(cfg *config.Config) db.Retention {
	return db.Retention{MaxRecords: cfg.MaxRecordsToPersist, MaxAge: cfg.MaxAge()}
}

// record builds a location record for fix stamped with the current motion,
// activity, battery and odometer. Request extras override configured
// extras.
func (t *Tracker) record(fix geo.Fix, event geo.Event, extras map[string]any) *geo.Location {
	cfg := t.config.Get()
	rec := geo.NewLocation(fix, event)
	rec.IsMoving = t.Lifecycle() == Moving
	rec.Odometer = cfg.Odometer

	level, charging := t.platform.Battery.Level()
	rec.Battery = geo.Battery{Level: level, IsCharging: charging}
	activity, confidence := t.classifier.Activity()
	rec.Activity = geo.Activity{Type: string(activity), Confidence: confidence}

	if len(cfg.Extras)+len(extras) > 0 {
		rec.Extras = make(map[string]any, len(cfg.Extras)+len(extras))
		for k, v := range cfg.Extras {
			rec.Extras[k] = v
		}
		for k, v := range extras {
			rec.Extras[k] = v
		}
	}
	return rec
}

// store persists rec when the persist mode covers its kind.
func (t *Tracker) store(rec *geo.Location) bool {
	cfg := t.config.Get()
	keep := cfg.PersistMode.PersistsLocations()
	if rec.Event == geo.EventGeofence {
		keep = cfg.PersistMode.PersistsGeofences()
	}
	if !keep {
		return false
	}
	if _, err := t.locations.Persist(rec, retention(cfg)); err != nil {
		monitoring.Errorf("[tracker] failed to persist %s record: %v", rec.EventName(), err)
		return false
	}
	return true
}

func (t *Tracker) onGeofenceTransition(tr geofence.Transition) {
	rec := t.record(tr.Fix, geo.EventGeofence, tr.Geofence.Extras)
	rec.Geofence = &geo.GeofenceTransition{
		Identifier: tr.Geofence.Identifier,
		Action:     tr.Action,
		Extras:     tr.Geofence.Extras,
	}
	t.store(rec)
	monitoring.Infof("[tracker] geofence %s %s", tr.Action, tr.Geofence.Identifier)
	events.Publish(t.bus, events.OnGeofence, geo.GeofenceEvent{
		Timestamp:  tr.Fix.Timestamp,
		Identifier: tr.Geofence.Identifier,
		Action:     tr.Action,
		Location:   rec,
		Extras:     tr.Geofence.Extras,
		Geofence:   tr.Geofence,
	})
	t.autoSync()
}
