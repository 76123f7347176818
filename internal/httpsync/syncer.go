// Package httpsync uploads queued location records to the configured HTTP
// endpoint.
//
// A sync pass checks rows out of the store in batches and posts each batch.
// A 2xx response commits the batch (the rows are deleted); anything else
// releases it (the rows are unlocked for a later pass) and ends the pass.
// Only one pass runs at a time. A request that arrives while a pass is in
// flight is answered with ErrSyncInProgress and folded into one follow-up
// pass.
package httpsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/geotrack/internal/auth"
	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/db"
	"github.com/banshee-data/geotrack/internal/events"
	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/httputil"
	"github.com/banshee-data/geotrack/internal/monitoring"
	"github.com/banshee-data/geotrack/internal/timeutil"
)

var (
	ErrInvalidURL     = errors.New("sync url not configured")
	ErrNoNetwork      = errors.New("no network connection")
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrRedirect       = errors.New("sync endpoint redirected")
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("sync endpoint returned %d", e.Status)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

const (
	initialBackoff = 5 * time.Second
	maxBackoff     = 5 * time.Minute
	maxBodyRead    = 1 << 20
)

// Queue is the record store a pass drains.
type Queue interface {
	Checkout(limit int, order db.Order) (*db.Lease, error)
	CountUnlocked() (int, error)
}

// Options configure a Syncer.
type Options struct {
	Clock     timeutil.Clock
	Client    httputil.HTTPClient
	Queue     Queue
	Config    func() *config.Config
	Auth      *auth.Authorizer // optional
	Bus       *events.Bus      // optional
	UserAgent string
}

// Syncer runs sync passes.
type Syncer struct {
	clock     timeutil.Clock
	client    httputil.HTTPClient
	queue     Queue
	config    func() *config.Config
	auth      *auth.Authorizer
	bus       *events.Bus
	userAgent string

	busy  atomic.Bool
	again atomic.Bool
	wg    sync.WaitGroup

	mu        sync.Mutex
	connected bool
	cellular  bool
	failures  int
	nextAuto  time.Time
}

// New returns a Syncer that assumes the network is reachable.
func New(o Options) *Syncer {
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.UserAgent == "" {
		o.UserAgent = "geotrack"
	}
	return &Syncer{
		clock:     o.Clock,
		client:    o.Client,
		queue:     o.Queue,
		config:    o.Config,
		auth:      o.Auth,
		bus:       o.Bus,
		userAgent: o.UserAgent,
		connected: true,
	}
}

// Busy reports whether a pass is in flight.
func (s *Syncer) Busy() bool { return s.busy.Load() }

// Wait blocks until passes started by AutoSync have finished.
func (s *Syncer) Wait() { s.wg.Wait() }

// SetConnectivity records network reachability. It reports whether the
// network has just been restored.
func (s *Syncer) SetConnectivity(connected, cellular bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	restored := connected && !s.connected
	s.connected, s.cellular = connected, cellular
	if restored {
		s.failures = 0
		s.nextAuto = time.Time{}
	}
	return restored
}

// Connected reports the last known reachability.
func (s *Syncer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Backoff returns the delay before the next automatic pass is allowed.
func (s *Syncer) Backoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.nextAuto.Sub(s.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Sync runs a pass now, ignoring backoff, and returns the records
// delivered.
func (s *Syncer) Sync(ctx context.Context) ([]*geo.Location, error) {
	return s.run(ctx, false)
}

// ShouldAutoSync reports whether the automatic trigger conditions hold:
// autoSync on, a URL, the network reachable (and not cellular when that is
// disabled), backoff elapsed and at least autoSyncThreshold unsynced records.
func (s *Syncer) ShouldAutoSync() bool {
	cfg := s.config()
	if !cfg.AutoSync || cfg.URL == "" {
		return false
	}
	s.mu.Lock()
	blocked := !s.connected ||
		(s.cellular && cfg.DisableAutoSyncOnCellular) ||
		s.clock.Now().Before(s.nextAuto)
	s.mu.Unlock()
	if blocked {
		return false
	}
	n, err := s.queue.CountUnlocked()
	if err != nil {
		monitoring.Errorf("[sync] failed to count pending records: %v", err)
		return false
	}
	return n > 0 && n >= cfg.AutoSyncThreshold
}

// AutoSync starts a background pass when ShouldAutoSync holds. If a pass is
// already running a follow-up is requested instead.
func (s *Syncer) AutoSync(ctx context.Context) bool {
	if !s.ShouldAutoSync() {
		return false
	}
	if s.busy.Load() {
		s.again.Store(true)
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.run(ctx, true); err != nil && !errors.Is(err, ErrSyncInProgress) {
			monitoring.Warnf("[sync] automatic sync failed: %v", err)
		}
	}()
	return true
}

func (s *Syncer) run(ctx context.Context, auto bool) ([]*geo.Location, error) {
	var synced []*geo.Location
	for first := true; ; first = false {
		if !s.busy.CompareAndSwap(false, true) {
			s.again.Store(true)
			if first {
				return nil, ErrSyncInProgress
			}
			return synced, nil
		}
		s.again.Store(false)
		recs, err := s.pass(ctx)
		s.busy.Store(false)

		synced = append(synced, recs...)
		s.recordOutcome(auto, err)
		if err != nil {
			return synced, err
		}
		if !s.again.Load() {
			return synced, nil
		}
		monitoring.Debugf("[sync] running coalesced follow-up pass")
	}
}

func (s *Syncer) recordOutcome(auto bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.failures = 0
		s.nextAuto = time.Time{}
		return
	}
	if !auto || errors.Is(err, ErrInvalidURL) {
		return
	}
	s.failures++
	backoff := initialBackoff
	for i := 1; i < s.failures && backoff < maxBackoff; i++ {
		backoff *= 2
	}
	backoff = min(backoff, maxBackoff)
	s.nextAuto = s.clock.Now().Add(backoff)
	monitoring.Infof("[sync] backing off %s after %d failures", backoff, s.failures)
}

func batchLimit(cfg *config.Config) int {
	if !cfg.BatchSync {
		return 1
	}
	if cfg.MaxBatchSize <= 0 {
		return -1
	}
	return cfg.MaxBatchSize
}

// pass drains the queue batch by batch until it is empty or a batch fails.
func (s *Syncer) pass(ctx context.Context) ([]*geo.Location, error) {
	cfg := s.config()
	if cfg.URL == "" {
		return nil, ErrInvalidURL
	}
	if !s.Connected() {
		return nil, ErrNoNetwork
	}

	var synced []*geo.Location
	for {
		lease, err := s.queue.Checkout(batchLimit(cfg), db.Order(cfg.LocationsOrderDirection))
		if err != nil {
			return synced, fmt.Errorf("failed to check out records: %w", err)
		}
		if lease == nil {
			return synced, nil
		}
		recs := lease.Locations()

		status, text, err := s.send(ctx, cfg, recs)
		s.publishHTTP(status, text, err)
		if err != nil {
			if rerr := lease.Release(); rerr != nil {
				monitoring.Errorf("[sync] failed to release %d records: %v", lease.Len(), rerr)
			}
			return synced, err
		}
		if err := lease.Commit(); err != nil {
			return synced, fmt.Errorf("failed to commit %d records: %w", lease.Len(), err)
		}
		monitoring.Infof("[sync] delivered %d records", len(recs))
		synced = append(synced, recs...)
		if s.bus != nil {
			events.Publish(s.bus, events.OnSync, events.SyncComplete{Records: recs})
		}
		cfg = s.config()
	}
}

func (s *Syncer) publishHTTP(status int, text string, err error) {
	if s.bus == nil {
		return
	}
	e := events.HTTP{Success: err == nil, Status: status, ResponseText: text}
	if err != nil {
		e.Error = err.Error()
	}
	events.Publish(s.bus, events.OnHTTP, e)
}

// send posts recs, refreshing the token and retrying once on 401.
func (s *Syncer) send(ctx context.Context, cfg *config.Config, recs []*geo.Location) (int, string, error) {
	body, err := RenderBody(cfg, recs, cfg.BatchSync)
	if err != nil {
		return 0, "", err
	}

	status, text, token, err := s.do(ctx, cfg, body)
	if status == http.StatusUnauthorized && s.auth != nil && s.auth.CanRefresh() {
		monitoring.Infof("[sync] 401 received, refreshing token")
		if _, rerr := s.auth.Refresh(ctx, token); rerr != nil {
			return status, text, err
		}
		status, text, _, err = s.do(ctx, cfg, body)
	}
	return status, text, err
}

func (s *Syncer) do(ctx context.Context, cfg *config.Config, body []byte) (int, string, string, error) {
	if d := cfg.HTTPTimeoutDuration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)

	var token string
	if s.auth != nil {
		if err := s.auth.Apply(req); err != nil {
			monitoring.Warnf("[sync] authorization unavailable: %v", err)
		}
		if t, ok := s.auth.Current(); ok {
			token = t.AccessToken
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", token, fmt.Errorf("sync request failed: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyRead))
	text := string(data)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, text, token, nil
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return resp.StatusCode, text, token, fmt.Errorf("%w: %w", ErrRedirect, &HTTPError{Status: resp.StatusCode, Body: text})
	default:
		return resp.StatusCode, text, token, &HTTPError{Status: resp.StatusCode, Body: text}
	}
}
