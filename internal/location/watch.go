package location

import (
	"context"
	"math"
	"time"

	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/timeutil"
)

// DefaultWatchInterval applies when WatchRequest.Interval is unset.
const DefaultWatchInterval = time.Second

// WatchRequest parameterises a periodic acquisition.
type WatchRequest struct {
	Interval        time.Duration
	Timeout         time.Duration
	DesiredAccuracy float64
}

type watch struct {
	id     int
	req    WatchRequest
	ticker timeutil.Ticker
	cancel context.CancelFunc
}

func (w *watch) sessionAccuracy() int {
	if w.req.DesiredAccuracy > 0 {
		return int(math.Ceil(w.req.DesiredAccuracy))
	}
	return config.AccuracyHigh
}

func (w *watch) stop() {
	w.cancel()
}

// WatchPosition acquires a fix immediately and then every Interval until
// StopWatchPosition, delivering each result to fn. Watches run independently
// of continuous tracking. fn runs on the watch goroutine.
func (m *Manager) WatchPosition(req WatchRequest, fn func(Result, error)) int {
	if req.Interval <= 0 {
		req.Interval = DefaultWatchInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{
		req:    req,
		ticker: m.clock.NewTicker(req.Interval),
		cancel: cancel,
	}

	m.mu.Lock()
	m.nextWatch++
	w.id = m.nextWatch
	m.watches[w.id] = w
	m.mu.Unlock()
	m.reconfigure()

	go m.runWatch(ctx, w, fn)
	return w.id
}

// StopWatchPosition stops the watch with id. It reports whether the watch
// existed.
func (m *Manager) StopWatchPosition(id int) bool {
	m.mu.Lock()
	w, ok := m.watches[id]
	delete(m.watches, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	w.stop()
	m.reconfigure()
	return true
}

// Watches returns the number of active watches.
func (m *Manager) Watches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

func (m *Manager) runWatch(ctx context.Context, w *watch, fn func(Result, error)) {
	defer w.ticker.Stop()
	for {
		res, err := m.GetCurrentPosition(ctx, Request{
			Samples:         1,
			DesiredAccuracy: w.req.DesiredAccuracy,
			Timeout:         w.req.Timeout,
		})
		if ctx.Err() != nil {
			return
		}
		fn(res, err)

		select {
		case <-ctx.Done():
			return
		case <-w.ticker.C():
		}
	}
}
