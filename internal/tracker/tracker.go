// Package tracker is the tracking orchestrator. It owns the
// moving/stationary state machine and drives the location manager, motion
// classifier, geofence engine, scheduler and sync engine.
//
// Every state transition runs on a single loop goroutine. Public operations,
// sensor callbacks and timers post closures to the loop's queue; position
// acquisition and HTTP run on their own goroutines and report back the same
// way.
package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/geotrack/internal/auth"
	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/db"
	"github.com/banshee-data/geotrack/internal/events"
	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/geofence"
	"github.com/banshee-data/geotrack/internal/httpsync"
	"github.com/banshee-data/geotrack/internal/location"
	"github.com/banshee-data/geotrack/internal/monitoring"
	"github.com/banshee-data/geotrack/internal/motion"
	"github.com/banshee-data/geotrack/internal/schedule"
	"github.com/banshee-data/geotrack/internal/timeutil"
	"github.com/banshee-data/geotrack/internal/version"
)

// Lifecycle is the tracking state.
type Lifecycle int32

const (
	Disabled Lifecycle = iota
	Moving
	Stationary
)

func (l Lifecycle) String() string {
	switch l {
	case Moving:
		return "moving"
	case Stationary:
		return "stationary"
	}
	return "disabled"
}

var (
	ErrClosed        = errors.New("tracker closed")
	ErrDisabled      = errors.New("tracking is disabled")
	ErrGeofencesOnly = errors.New("not available in geofences-only mode")
)

// Tracker is the orchestrator facade.
type Tracker struct {
	clock     timeutil.Clock
	bus       *events.Bus
	config    *config.Store
	locations *db.LocationStore
	platform  Platform

	manager    *location.Manager
	classifier *motion.Classifier
	engine     *geofence.Engine
	scheduler  *schedule.Scheduler
	syncer     *httpsync.Syncer

	queue  *events.Queue[func()]
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lifecycle atomic.Int32

	// Owned by the loop goroutine.
	gen             uint64
	awaitMotionFix  bool
	lastOdometerFix *geo.Fix
	stopTimeout     loopTimer
	heartbeat       loopTimer
	elapsed         loopTimer
	lease           Lease
}

// New builds a tracker over svc and starts its loop. Call Ready to resume
// persisted state.
func New(svc *Services, p Platform) *Tracker {
	p = p.withDefaults()
	cfg := svc.Config.Get()
	ctx, cancel := context.WithCancel(context.Background())

	t := &Tracker{
		clock:     svc.Clock,
		bus:       svc.Bus,
		config:    svc.Config,
		locations: svc.Locations,
		platform:  p,
		queue:     events.NewQueue[func()](),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	t.stopTimeout.t, t.heartbeat.t, t.elapsed.t = t, t, t

	t.manager = location.NewManager(svc.Clock, p.Provider, location.ParamsFrom(cfg), locationListener{t})
	t.classifier = motion.New(svc.Clock, motion.ThresholdsFrom(cfg), motionListener{t})
	t.engine = geofence.NewEngine(svc.Clock, p.Monitor, svc.Geofences, geofence.ParamsFrom(cfg), geofenceListener{t})
	t.scheduler = schedule.New(svc.Clock, p.TimeZone, func(a schedule.Action) {
		t.post(func() { t.onSchedule(a) })
	})

	userAgent := p.UserAgent
	if userAgent == "" {
		userAgent = "geotrack/" + version.Version
	}
	authorizer := auth.New(svc.Clock, p.Client, svc.Config, func(e events.Authorization) {
		events.Publish(t.bus, events.OnAuthorization, e)
	})
	t.syncer = httpsync.New(httpsync.Options{
		Clock:     svc.Clock,
		Client:    p.Client,
		Queue:     svc.Locations,
		Config:    svc.Config.Get,
		Auth:      authorizer,
		Bus:       svc.Bus,
		UserAgent: userAgent,
	})

	go t.run()
	return t
}

// Close halts tracking without changing the persisted state, stops the loop
// and waits for in-flight sync passes.
func (t *Tracker) Close() {
	_ = t.exec(context.Background(), func() error {
		t.halt()
		return nil
	})
	t.queue.Close()
	<-t.done
	t.scheduler.Stop()
	t.manager.CancelAll()
	t.cancel()
	t.wg.Wait()
	t.syncer.Wait()
}

func (t *Tracker) run() {
	defer close(t.done)
	for {
		for {
			fn, ok := t.queue.TryDequeue()
			if !ok {
				break
			}
			t.invoke(fn)
		}
		if t.queue.Closed() && t.queue.Len() == 0 {
			return
		}
		<-t.queue.Wait()
	}
}

func (t *Tracker) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Errorf("[tracker] recovered from panic: %v", r)
		}
	}()
	fn()
}

func (t *Tracker) post(fn func()) bool {
	return t.queue.Enqueue(fn)
}

type result[T any] struct {
	v   T
	err error
}

// call runs fn on the loop and waits for its result.
func call[T any](ctx context.Context, t *Tracker, fn func() (T, error)) (T, error) {
	var zero T
	ch := make(chan result[T], 1)
	if !t.post(func() {
		v, err := fn()
		ch <- result[T]{v, err}
	}) {
		return zero, ErrClosed
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (t *Tracker) exec(ctx context.Context, fn func() error) error {
	_, err := call(ctx, t, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// Lifecycle returns the current tracking state.
func (t *Tracker) Lifecycle() Lifecycle {
	return Lifecycle(t.lifecycle.Load())
}

func (t *Tracker) setLifecycle(l Lifecycle) {
	if prev := Lifecycle(t.lifecycle.Swap(int32(l))); prev != l {
		monitoring.Debugf("[tracker] %s -> %s", prev, l)
	}
}

// loopTimer is a timer owned by the loop. A callback that was already queued
// when the timer was stopped or re-armed is dropped.
type loopTimer struct {
	t     *Tracker
	timer timeutil.Timer
	gen   uint64
}

func (lt *loopTimer) arm(d time.Duration, fn func()) {
	lt.stop()
	gen := lt.gen
	lt.timer = lt.t.clock.AfterFunc(d, func() {
		lt.t.post(func() {
			if lt.gen != gen || lt.timer == nil {
				return
			}
			lt.timer = nil
			fn()
		})
	})
}

func (lt *loopTimer) stop() {
	if lt.timer != nil {
		lt.timer.Stop()
		lt.timer = nil
	}
	lt.gen++
}

func (lt *loopTimer) armed() bool { return lt.timer != nil }

type locationListener struct{ t *Tracker }

func (l locationListener) TrackingFix(fix geo.Fix) {
	l.t.post(func() { l.t.onTrackingFix(fix) })
}

func (l locationListener) TrackingError(err error) {
	monitoring.Warnf("[tracker] tracking error: %v", err)
}

type motionListener struct{ t *Tracker }

func (l motionListener) MovingChanged(isMoving bool) {
	l.t.post(func() { l.t.onMovingChanged(isMoving) })
}

func (l motionListener) ActivityChanged(a motion.Type, confidence int) {
	events.Publish(l.t.bus, events.OnActivityChange, events.ActivityChange{Activity: string(a), Confidence: confidence})
}

type geofenceListener struct{ t *Tracker }

func (l geofenceListener) GeofenceTransition(tr geofence.Transition) {
	l.t.post(func() { l.t.onGeofenceTransition(tr) })
}

func (l geofenceListener) GeofencesChanged(c geo.GeofencesChange) {
	events.Publish(l.t.bus, events.OnGeofencesChange, c)
}

func (l geofenceListener) StationaryExit(fix geo.Fix) {
	l.t.post(func() { l.t.onStationaryExit(fix) })
}
