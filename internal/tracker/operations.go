package tracker

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/db"
	"github.com/banshee-data/geotrack/internal/events"
	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/geofence"
	"github.com/banshee-data/geotrack/internal/location"
	"github.com/banshee-data/geotrack/internal/monitoring"
	"github.com/banshee-data/geotrack/internal/motion"
)

// update applies changes to the configuration store. A partial failure is
// returned alongside the new snapshot.
func (t *Tracker) update(write func() (*config.Config, error)) (*config.Config, error) {
	old := t.config.Get()
	cfg, err := write()
	var partial *config.UpdateError
	if err != nil && !errors.As(err, &partial) {
		return old, err
	}
	t.applyConfig(old, cfg)
	return cfg, err
}

// applyConfig pushes the configuration to every component.
func (t *Tracker) applyConfig(old, cfg *config.Config) {
	t.manager.SetParams(location.ParamsFrom(cfg))
	t.classifier.SetThresholds(motion.ThresholdsFrom(cfg))
	t.engine.SetParams(geofence.ParamsFrom(cfg))
	monitoring.SetLevel(monitoring.Level(cfg.LogLevel))

	if t.scheduler.Running() && !slices.Equal(old.Schedule, cfg.Schedule) {
		if err := t.scheduler.SetSchedule(cfg.Schedule); err != nil {
			monitoring.Warnf("[tracker] keeping previous schedule: %v", err)
		} else {
			t.scheduler.Evaluate()
		}
	}
	if t.Lifecycle() == Stationary && !t.geofencesOnly() && old.HeartbeatInterval != cfg.HeartbeatInterval {
		t.startHeartbeat(cfg)
	}
	t.autoSync()
}

// Ready applies changes, loads the stored geofences and resumes tracking or
// the scheduler if either was enabled when the process last ran.
func (t *Tracker) Ready(ctx context.Context, changes map[string]any) (*config.Config, error) {
	return call(ctx, t, func() (*config.Config, error) {
		cfg, updateErr := t.update(func() (*config.Config, error) {
			if len(changes) == 0 {
				return t.config.Get(), nil
			}
			return t.config.Update(changes)
		})
		var partial *config.UpdateError
		if updateErr != nil && !errors.As(updateErr, &partial) {
			return cfg, updateErr
		}
		if err := t.engine.Load(); err != nil {
			return cfg, err
		}

		switch {
		case cfg.SchedulerEnabled:
			if err := t.startSchedule(); err != nil {
				monitoring.Errorf("[tracker] failed to resume schedule: %v", err)
			}
		case cfg.Enabled:
			t.start(cfg.TrackingMode)
		}
		return t.config.Get(), updateErr
	})
}

// SetConfig applies changes to the running configuration.
func (t *Tracker) SetConfig(ctx context.Context, changes map[string]any) (*config.Config, error) {
	return call(ctx, t, func() (*config.Config, error) {
		return t.update(func() (*config.Config, error) { return t.config.Update(changes) })
	})
}

// Reset restores the defaults with overrides applied.
func (t *Tracker) Reset(ctx context.Context, overrides map[string]any) (*config.Config, error) {
	return call(ctx, t, func() (*config.Config, error) {
		return t.update(func() (*config.Config, error) { return t.config.Reset(overrides) })
	})
}

// GetState returns the current configuration and tracking state.
func (t *Tracker) GetState() *config.Config {
	return t.config.Get()
}

func (t *Tracker) authorize(ctx context.Context) error {
	status, err := t.platform.Permissions.Request(ctx)
	if err != nil {
		return fmt.Errorf("permission request failed: %w", err)
	}
	if !status.Granted() {
		return geo.ErrPermissionDenied
	}
	return nil
}

// RequestPermission asks the platform for location authorization.
func (t *Tracker) RequestPermission(ctx context.Context) (PermissionStatus, error) {
	return t.platform.Permissions.Request(ctx)
}

// Start enables location tracking.
func (t *Tracker) Start(ctx context.Context) (*config.Config, error) {
	return t.startMode(ctx, config.TrackingModeLocation)
}

// StartGeofences enables geofences-only tracking: geofence transitions are
// recorded but ordinary locations are not.
func (t *Tracker) StartGeofences(ctx context.Context) (*config.Config, error) {
	return t.startMode(ctx, config.TrackingModeGeofence)
}

func (t *Tracker) startMode(ctx context.Context, mode config.TrackingMode) (*config.Config, error) {
	if err := t.authorize(ctx); err != nil {
		return nil, err
	}
	return call(ctx, t, func() (*config.Config, error) {
		t.start(mode)
		return t.config.Get(), nil
	})
}

// Stop disables tracking. Pending acquisitions are cancelled; a sync pass
// already in flight completes.
func (t *Tracker) Stop(ctx context.Context) (*config.Config, error) {
	return call(ctx, t, func() (*config.Config, error) {
		t.stop()
		return t.config.Get(), nil
	})
}

// StartSchedule starts the scheduler, which then starts and stops tracking.
func (t *Tracker) StartSchedule(ctx context.Context) (*config.Config, error) {
	return call(ctx, t, func() (*config.Config, error) {
		return t.config.Get(), t.startSchedule()
	})
}

// StopSchedule stops the scheduler and tracking.
func (t *Tracker) StopSchedule(ctx context.Context) (*config.Config, error) {
	return call(ctx, t, func() (*config.Config, error) {
		t.stopSchedule()
		return t.config.Get(), nil
	})
}

// ChangePace forces the moving or stationary state.
func (t *Tracker) ChangePace(ctx context.Context, isMoving bool) error {
	return t.exec(ctx, func() error {
		switch {
		case t.Lifecycle() == Disabled:
			return ErrDisabled
		case t.geofencesOnly():
			return ErrGeofencesOnly
		}
		t.classifier.Reset(isMoving)
		if isMoving == (t.Lifecycle() == Moving) {
			return nil
		}
		if isMoving {
			t.enterMoving(nil)
		} else {
			t.enterStationary(nil)
		}
		return nil
	})
}

// PositionRequest is a one-shot acquisition whose result is recorded.
type PositionRequest struct {
	location.Request
	Persist bool
	Extras  map[string]any
}

// GetCurrentPosition acquires a fix and returns it as a current-position
// record.
func (t *Tracker) GetCurrentPosition(ctx context.Context, req PositionRequest) (*geo.Location, error) {
	res, err := t.manager.GetCurrentPosition(ctx, req.Request)
	if err != nil {
		return nil, err
	}
	return call(ctx, t, func() (*geo.Location, error) {
		rec := t.record(res.Fix, geo.EventCurrentPosition, req.Extras)
		if req.Persist && t.store(rec) {
			t.autoSync()
		}
		events.Publish(t.bus, events.OnLocation, rec)
		t.engine.Update(res.Fix)
		return rec, nil
	})
}

// WatchRequest is a periodic acquisition whose results are recorded.
type WatchRequest struct {
	location.WatchRequest
	Persist bool
	Extras  map[string]any
}

// WatchPosition records a watch-position record every interval and passes it
// to fn. fn runs on the tracker loop and must not call blocking Tracker
// methods.
func (t *Tracker) WatchPosition(req WatchRequest, fn func(*geo.Location, error)) int {
	return t.manager.WatchPosition(req.WatchRequest, func(res location.Result, err error) {
		if err != nil {
			t.post(func() { fn(nil, err) })
			return
		}
		t.post(func() {
			rec := t.record(res.Fix, geo.EventWatchPosition, req.Extras)
			if req.Persist && t.store(rec) {
				t.autoSync()
			}
			events.Publish(t.bus, events.OnLocation, rec)
			fn(rec, nil)
		})
	})
}

// StopWatchPosition stops the watch with id.
func (t *Tracker) StopWatchPosition(id int) bool {
	return t.manager.StopWatchPosition(id)
}

// Sync uploads every queued record now.
func (t *Tracker) Sync(ctx context.Context) ([]*geo.Location, error) {
	return t.syncer.Sync(ctx)
}

// GetLocations returns the queued records in the configured order.
func (t *Tracker) GetLocations(ctx context.Context) ([]*geo.Location, error) {
	rows, err := t.locations.All(db.Order(t.config.Get().LocationsOrderDirection))
	if err != nil {
		return nil, err
	}
	out := make([]*geo.Location, len(rows))
	for i, r := range rows {
		out[i] = r.Location
	}
	return out, nil
}

// GetCount returns the number of queued records.
func (t *Tracker) GetCount(ctx context.Context) (int, error) {
	return t.locations.Count()
}

// InsertLocation queues a caller-supplied record and returns its uuid.
func (t *Tracker) InsertLocation(ctx context.Context, rec *geo.Location) (string, error) {
	rec = rec.Clone()
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.clock.Now()
	}
	if _, err := t.locations.Persist(rec, retention(t.config.Get())); err != nil {
		return "", err
	}
	t.autoSync()
	return rec.UUID, nil
}

// DestroyLocations empties the queue.
func (t *Tracker) DestroyLocations(ctx context.Context) error {
	return t.locations.DestroyAll()
}

// DestroyLocation deletes the queued record with uuid.
func (t *Tracker) DestroyLocation(ctx context.Context, id string) error {
	return t.locations.DestroyByUUID(id)
}

// AddGeofence adds or replaces one geofence.
func (t *Tracker) AddGeofence(ctx context.Context, g geo.Geofence) error {
	return t.AddGeofences(ctx, g)
}

// AddGeofences adds or replaces geofences. Nothing is added if any is
// invalid.
func (t *Tracker) AddGeofences(ctx context.Context, fences ...geo.Geofence) error {
	return t.exec(ctx, func() error { return t.engine.Add(fences...) })
}

// RemoveGeofence removes one geofence.
func (t *Tracker) RemoveGeofence(ctx context.Context, id string) error {
	return t.exec(ctx, func() error {
		removed, err := t.engine.Remove(id)
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			return fmt.Errorf("%w: %s", db.ErrGeofenceNotFound, id)
		}
		return nil
	})
}

// RemoveGeofences removes the listed geofences, or all of them when none
// are listed.
func (t *Tracker) RemoveGeofences(ctx context.Context, ids ...string) error {
	return t.exec(ctx, func() error {
		if len(ids) == 0 {
			return t.engine.RemoveAll()
		}
		_, err := t.engine.Remove(ids...)
		return err
	})
}

// GetGeofences returns every geofence sorted by identifier.
func (t *Tracker) GetGeofences() []geo.Geofence {
	return t.engine.Geofences()
}

// GetGeofence returns the geofence with id.
func (t *Tracker) GetGeofence(id string) (geo.Geofence, error) {
	g, ok := t.engine.Get(id)
	if !ok {
		return geo.Geofence{}, fmt.Errorf("%w: %s", db.ErrGeofenceNotFound, id)
	}
	return g, nil
}

// GeofenceExists reports whether a geofence with id is stored.
func (t *Tracker) GeofenceExists(id string) bool {
	return t.engine.Exists(id)
}

// GetOdometer returns the accumulated distance in metres.
func (t *Tracker) GetOdometer() float64 {
	return t.config.Get().Odometer
}

// SetOdometer overwrites the accumulated distance.
func (t *Tracker) SetOdometer(ctx context.Context, metres float64) error {
	if metres < 0 {
		return fmt.Errorf("odometer must be non-negative, got %v", metres)
	}
	return t.exec(ctx, func() error {
		t.lastOdometerFix = nil
		_, err := t.config.UpdateState(func(s *config.State) { s.Odometer = metres })
		return err
	})
}

// OnSuspend is called when the host is about to be suspended.
func (t *Tracker) OnSuspend(ctx context.Context) error {
	return t.exec(ctx, func() error {
		monitoring.Debugf("[tracker] suspend while %s", t.Lifecycle())
		if t.Lifecycle() == Stationary && t.config.Get().PreventSuspend {
			t.beginLease()
		}
		return nil
	})
}

// OnResume is called when the host resumes.
func (t *Tracker) OnResume(ctx context.Context) error {
	return t.exec(ctx, func() error {
		t.evaluateSchedule()
		t.autoSync()
		return nil
	})
}

// OnTerminate is called when the host is shutting down. It honours
// stopOnTerminate and clearLocationsOnTerminate and waits for an in-flight
// sync pass.
func (t *Tracker) OnTerminate(ctx context.Context) error {
	err := t.exec(ctx, func() error {
		cfg := t.config.Get()
		if cfg.StopOnTerminate {
			t.stop()
		}
		if cfg.ClearLocationsOnTerminate {
			return t.locations.DestroyAll()
		}
		return nil
	})
	t.syncer.Wait()
	return err
}

// HandleFix feeds a provider fix.
func (t *Tracker) HandleFix(fix geo.Fix) {
	t.manager.HandleFix(fix)
	t.post(func() {
		if t.Lifecycle() == Stationary && !t.geofencesOnly() {
			t.engine.Update(fix)
		}
	})
}

// HandleLocationError feeds a provider failure.
func (t *Tracker) HandleLocationError(err error) {
	t.manager.HandleError(err)
}

// HandleAcceleration feeds a user-acceleration magnitude in g.
func (t *Tracker) HandleAcceleration(magnitude float64) {
	t.classifier.AddAcceleration(magnitude)
}

// HandleActivity feeds a hardware activity-recognition report.
func (t *Tracker) HandleActivity(activity string, confidence int) {
	t.classifier.HandleActivity(motion.Type(activity), confidence)
}

// HandleRegionEvent feeds a transition reported by the platform region
// monitor.
func (t *Tracker) HandleRegionEvent(id string, action geo.GeofenceAction, fix geo.Fix) {
	t.engine.HandleRegionEvent(id, action, fix)
}

// HandleProviderChange reports a change of positioning provider state.
func (t *Tracker) HandleProviderChange(c events.ProviderChange) {
	t.post(func() {
		monitoring.Infof("[tracker] provider enabled=%t gps=%t network=%t", c.Enabled, c.GPS, c.Network)
		events.Publish(t.bus, events.OnProviderChange, c)
	})
}

// HandleConnectivity reports network reachability. Restored connectivity
// triggers an automatic sync.
func (t *Tracker) HandleConnectivity(connected, cellular bool) {
	t.post(func() {
		restored := t.syncer.SetConnectivity(connected, cellular)
		events.Publish(t.bus, events.OnConnectivityChange, events.ConnectivityChange{Connected: connected})
		if restored {
			monitoring.Infof("[tracker] connectivity restored")
			t.autoSync()
		}
	})
}

// HandlePowerSave reports the platform power-save mode.
func (t *Tracker) HandlePowerSave(enabled bool) {
	t.post(func() { events.Publish(t.bus, events.OnPowerSaveChange, enabled) })
}
