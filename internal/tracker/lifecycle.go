package tracker

import (
	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/events"
	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/location"
	"github.com/banshee-data/geotrack/internal/monitoring"
	"github.com/banshee-data/geotrack/internal/schedule"
)

// writeState updates the persisted tracking state. The loop is its only
// caller.
func (t *Tracker) writeState(f func(*config.State)) *config.Config {
	cfg, err := t.config.UpdateState(f)
	if err != nil {
		monitoring.Errorf("[tracker] failed to persist state: %v", err)
	}
	return cfg
}

func (t *Tracker) geofencesOnly() bool {
	return t.config.Get().TrackingMode == config.TrackingModeGeofence
}

func (t *Tracker) start(mode config.TrackingMode) {
	if t.Lifecycle() != Disabled {
		if t.config.Get().TrackingMode == mode {
			return
		}
		t.halt()
	}
	cfg := t.writeState(func(s *config.State) {
		s.Enabled = true
		s.TrackingMode = mode
	})
	monitoring.Infof("[tracker] started in %s mode", mode)
	events.Publish(t.bus, events.OnEnabledChange, true)

	t.engine.Start()
	if d := cfg.StopAfterElapsedDuration(); d > 0 {
		t.elapsed.arm(d, func() {
			monitoring.Infof("[tracker] stopping after %s", d)
			t.stop()
		})
	}

	if mode == config.TrackingModeGeofence {
		t.setLifecycle(Stationary)
		if err := t.manager.StartTracking(); err != nil {
			monitoring.Errorf("[tracker] failed to start provider: %v", err)
		}
		return
	}
	t.classifier.Reset(cfg.IsMoving)
	if cfg.IsMoving {
		t.enterMoving(nil)
	} else {
		t.enterStationary(nil)
	}
}

// halt tears down every running component without touching the persisted
// enabled flag.
func (t *Tracker) halt() {
	t.gen++
	t.awaitMotionFix = false
	t.lastOdometerFix = nil
	t.stopTimeout.stop()
	t.heartbeat.stop()
	t.elapsed.stop()
	t.endLease()
	t.classifier.Stop()
	t.manager.StopTracking()
	t.manager.CancelAll()
	t.engine.Stop()
	t.setLifecycle(Disabled)
}

func (t *Tracker) stop() {
	if t.Lifecycle() == Disabled {
		return
	}
	t.halt()
	t.writeState(func(s *config.State) { s.Enabled = false })
	monitoring.Infof("[tracker] stopped")
	events.Publish(t.bus, events.OnEnabledChange, false)
}

// enterMoving starts continuous tracking. Without a fix the next accepted
// tracking fix becomes the motion-change record.
func (t *Tracker) enterMoving(fix *geo.Fix) {
	t.gen++
	t.stopTimeout.stop()
	t.heartbeat.stop()
	t.endLease()
	t.engine.ClearStationaryRegion()
	t.setLifecycle(Moving)
	t.writeState(func(s *config.State) { s.IsMoving = true })

	if err := t.manager.StartTracking(); err != nil {
		monitoring.Errorf("[tracker] failed to start tracking: %v", err)
	}
	if fix != nil {
		t.awaitMotionFix = false
		t.motionChange(true, *fix)
		return
	}
	t.awaitMotionFix = true
}

// enterStationary stops continuous tracking and settles at fix, the last
// known position, or a freshly acquired one.
func (t *Tracker) enterStationary(fix *geo.Fix) {
	t.gen++
	t.stopTimeout.stop()
	t.awaitMotionFix = false
	t.setLifecycle(Stationary)
	t.writeState(func(s *config.State) { s.IsMoving = false })
	t.manager.StopTracking()

	cfg := t.config.Get()
	t.startHeartbeat(cfg)
	if cfg.PreventSuspend {
		t.beginLease()
	}

	if fix == nil {
		if last, ok := t.manager.LastKnown(); ok {
			fix = &last
		}
	}
	if fix != nil {
		t.settle(*fix)
		return
	}
	gen := t.gen
	t.locate(func(f geo.Fix) {
		if t.gen == gen && t.Lifecycle() == Stationary {
			t.settle(f)
		}
	})
}

// settle records the stationary motion change and installs the stationary
// region around fix.
func (t *Tracker) settle(fix geo.Fix) {
	cfg := t.config.Get()
	t.motionChange(false, fix)
	if err := t.engine.SetStationaryRegion(fix, cfg.StationaryRadius); err != nil {
		monitoring.Warnf("[tracker] %v; retrying on the next fix", err)
	}
	if cfg.StopOnStationary {
		monitoring.Infof("[tracker] stopOnStationary")
		t.stop()
	}
}

// locate acquires a position off the loop and hands it back to fn on the
// loop.
func (t *Tracker) locate(fn func(geo.Fix)) {
	req := location.Request{
		Samples:         location.DefaultSamples,
		DesiredAccuracy: t.config.Get().AcceptableAccuracy,
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		res, err := t.manager.GetCurrentPosition(t.ctx, req)
		if err != nil {
			monitoring.Warnf("[tracker] failed to acquire position: %v", err)
			return
		}
		t.post(func() { fn(res.Fix) })
	}()
}

func (t *Tracker) motionChange(isMoving bool, fix geo.Fix) {
	rec := t.record(fix, geo.EventMotionChange, nil)
	rec.IsMoving = isMoving
	t.store(rec)
	monitoring.Infof("[tracker] motionchange isMoving=%t", isMoving)
	events.Publish(t.bus, events.OnMotionChange, events.MotionChange{IsMoving: isMoving, Location: rec})
	events.Publish(t.bus, events.OnLocation, rec)
	t.autoSync()
}

func (t *Tracker) startHeartbeat(cfg *config.Config) {
	d := cfg.HeartbeatIntervalDuration()
	if d <= 0 {
		t.heartbeat.stop()
		return
	}
	t.heartbeat.arm(d, t.onHeartbeat)
}

func (t *Tracker) onHeartbeat() {
	if t.Lifecycle() != Stationary {
		return
	}
	var rec *geo.Location
	if fix, ok := t.manager.LastKnown(); ok {
		rec = t.record(fix, geo.EventHeartbeat, nil)
	}
	events.Publish(t.bus, events.OnHeartbeat, events.Heartbeat{Location: rec})
	t.evaluateSchedule()
	t.autoSync()
	t.startHeartbeat(t.config.Get())
}

func (t *Tracker) beginLease() {
	if t.lease != nil || t.platform.Background == nil {
		return
	}
	lease, err := t.platform.Background.Begin()
	if err != nil {
		monitoring.Warnf("[tracker] failed to acquire suspend lease: %v", err)
		return
	}
	t.lease = lease
}

func (t *Tracker) endLease() {
	if t.lease != nil {
		t.lease.End()
		t.lease = nil
	}
}

func (t *Tracker) onTrackingFix(fix geo.Fix) {
	if t.Lifecycle() == Disabled {
		return
	}
	cfg := t.config.Get()
	t.advanceOdometer(cfg, fix)
	t.engine.Update(fix)
	if cfg.TrackingMode == config.TrackingModeGeofence {
		return
	}
	t.classifier.UpdateSpeed(fix.Coords.Speed)

	if t.awaitMotionFix {
		t.awaitMotionFix = false
		t.motionChange(true, fix)
		return
	}
	if t.Lifecycle() != Moving {
		return
	}
	rec := t.record(fix, geo.EventTracking, nil)
	t.store(rec)
	events.Publish(t.bus, events.OnLocation, rec)
	t.evaluateSchedule()
	t.autoSync()
}

func (t *Tracker) advanceOdometer(cfg *config.Config, fix geo.Fix) {
	if fix.Coords.Accuracy < 0 || fix.Coords.Accuracy > cfg.DesiredOdometerAccuracy {
		return
	}
	if prev := t.lastOdometerFix; prev != nil {
		d := geo.DistanceBetween(prev.Coords, fix.Coords)
		t.writeState(func(s *config.State) { s.Odometer += d })
	}
	f := fix
	t.lastOdometerFix = &f
}

func (t *Tracker) onMovingChanged(isMoving bool) {
	if t.Lifecycle() == Disabled || t.geofencesOnly() {
		return
	}
	if isMoving {
		t.stopTimeout.stop()
		if t.Lifecycle() == Stationary {
			monitoring.Infof("[tracker] motion detected while stationary")
			t.enterMoving(nil)
		}
		return
	}

	cfg := t.config.Get()
	if cfg.DisableStopDetection || t.Lifecycle() != Moving || t.stopTimeout.armed() {
		return
	}
	d := cfg.StopTimeoutDuration()
	if d <= 0 {
		t.enterStationary(nil)
		return
	}
	monitoring.Debugf("[tracker] stop timeout %s", d)
	t.stopTimeout.arm(d, func() {
		if t.Lifecycle() == Moving {
			t.enterStationary(nil)
		}
	})
}

func (t *Tracker) onStationaryExit(fix geo.Fix) {
	if t.Lifecycle() != Stationary || t.geofencesOnly() {
		return
	}
	monitoring.Infof("[tracker] exited stationary region")
	t.classifier.Reset(true)
	t.enterMoving(&fix)
}

func (t *Tracker) onSchedule(a schedule.Action) {
	switch a.Kind {
	case schedule.ActionStart:
		mode := config.TrackingModeLocation
		if a.Mode == schedule.ModeGeofence {
			mode = config.TrackingModeGeofence
		}
		t.start(mode)
	case schedule.ActionStop:
		t.stop()
	}
	events.Publish(t.bus, events.OnSchedule, t.config.Get().State)
}

func (t *Tracker) startSchedule() error {
	cfg := t.config.Get()
	if err := t.scheduler.SetSchedule(cfg.Schedule); err != nil {
		return err
	}
	if t.scheduler.Len() == 0 {
		monitoring.Warnf("[tracker] scheduler started with an empty schedule")
	}
	t.writeState(func(s *config.State) { s.SchedulerEnabled = true })
	t.scheduler.Start()
	return nil
}

func (t *Tracker) stopSchedule() {
	t.scheduler.Stop()
	t.writeState(func(s *config.State) { s.SchedulerEnabled = false })
	t.stop()
}

func (t *Tracker) evaluateSchedule() {
	if t.scheduler.Running() {
		t.scheduler.Evaluate()
	}
}

func (t *Tracker) autoSync() {
	t.syncer.AutoSync(t.ctx)
}
