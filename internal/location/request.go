package location

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/timeutil"
)

// DefaultSamples is the number of fixes a one-shot request collects.
const DefaultSamples = 3

// Request parameterises a one-shot acquisition.
type Request struct {
	// Samples to collect before resolving with the most accurate one.
	Samples int
	// DesiredAccuracy resolves early when a sample is at least this
	// accurate, in metres. Zero disables early resolution.
	DesiredAccuracy float64
	// Timeout bounds the acquisition. Zero uses the manager's location timeout.
	Timeout time.Duration
	// MaximumAge returns the last known fix instead when it is this recent.
	MaximumAge time.Duration
}

// Result is a resolved one-shot acquisition.
type Result struct {
	Fix     geo.Fix
	Samples []geo.Fix
	Cached  bool
}

type request struct {
	req     Request
	samples []geo.Fix
	timer   timeutil.Timer

	once sync.Once
	done chan outcome
	out  outcome
}

type outcome struct {
	result Result
	err    error
}

// offer records a sample and reports whether the request is now complete.
// Called with the manager lock held.
func (r *request) offer(fix geo.Fix) bool {
	r.samples = append(r.samples, fix)
	if len(r.samples) >= r.req.Samples {
		return true
	}
	return r.req.DesiredAccuracy > 0 && accuracyOf(fix) <= r.req.DesiredAccuracy
}

func (r *request) sessionAccuracy() int {
	if r.req.DesiredAccuracy > 0 {
		return int(math.Ceil(r.req.DesiredAccuracy))
	}
	return config.AccuracyHigh
}

func (r *request) resolve(o outcome) {
	r.once.Do(func() {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.done <- o
	})
}

// finish resolves with the best sample collected so far.
func (r *request) finish() {
	samples := append([]geo.Fix(nil), r.samples...)
	r.resolve(outcome{result: Result{Fix: bestOf(samples), Samples: samples}})
}

func (r *request) fail(err error) {
	r.resolve(outcome{err: err})
}

// GetCurrentPosition acquires a single fix. It always returns exactly one
// result: a fix, geo.ErrTimeout when nothing arrived in time, or
// geo.ErrCancelled when ctx ends or CancelAll runs first.
func (m *Manager) GetCurrentPosition(ctx context.Context, req Request) (Result, error) {
	if req.Samples <= 0 {
		req.Samples = DefaultSamples
	}

	m.mu.Lock()
	if req.Timeout <= 0 {
		req.Timeout = m.params.Timeout
	}
	if req.MaximumAge > 0 && m.lastKnown != nil && m.clock.Since(m.lastKnown.Timestamp) <= req.MaximumAge {
		fix := *m.lastKnown
		m.mu.Unlock()
		return Result{Fix: fix, Samples: []geo.Fix{fix}, Cached: true}, nil
	}
	r := &request{req: req, done: make(chan outcome, 1)}
	m.requests[r] = struct{}{}
	if req.Timeout > 0 {
		r.timer = m.clock.AfterFunc(req.Timeout, func() { m.expire(r) })
	}
	m.mu.Unlock()

	if err := m.reconfigure(); err != nil {
		m.drop(r)
		r.fail(err)
	}

	select {
	case o := <-r.done:
		return o.result, o.err
	case <-ctx.Done():
		m.drop(r)
		r.fail(geo.ErrCancelled)
		o := <-r.done
		return o.result, o.err
	}
}

// CancelAll resolves every pending one-shot request with geo.ErrCancelled
// and stops all watches.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	pending := make([]*request, 0, len(m.requests))
	for r := range m.requests {
		pending = append(pending, r)
		delete(m.requests, r)
	}
	watches := make([]*watch, 0, len(m.watches))
	for id, w := range m.watches {
		watches = append(watches, w)
		delete(m.watches, id)
	}
	m.mu.Unlock()

	for _, w := range watches {
		w.stop()
	}
	for _, r := range pending {
		r.fail(geo.ErrCancelled)
	}
	m.reconfigure()
}

// Pending returns the number of unresolved one-shot requests.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *Manager) drop(r *request) bool {
	m.mu.Lock()
	_, ok := m.requests[r]
	delete(m.requests, r)
	m.mu.Unlock()
	if ok {
		m.reconfigure()
	}
	return ok
}

func (m *Manager) expire(r *request) {
	m.mu.Lock()
	_, ok := m.requests[r]
	delete(m.requests, r)
	var samples []geo.Fix
	if ok {
		samples = append(samples, r.samples...)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.reconfigure()

	if len(samples) > 0 {
		r.resolve(outcome{result: Result{Fix: bestOf(samples), Samples: samples}})
		return
	}
	r.fail(geo.ErrTimeout)
}
