// Package location drives the positioning provider. It multiplexes continuous
// tracking, one-shot position requests and periodic watches over a single
// provider session and filters the raw fix stream for tracking.
package location

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/monitoring"
	"github.com/banshee-data/geotrack/internal/timeutil"
)

// Session is the provider configuration demanded by all active requesters.
type Session struct {
	Enabled         bool
	DesiredAccuracy int
	DistanceFilter  float64
}

// Provider is the platform positioning service. Fixes and errors flow back
// through Manager.HandleFix and Manager.HandleError.
type Provider interface {
	Configure(s Session) error
}

// Listener receives the filtered tracking stream.
type Listener interface {
	TrackingFix(fix geo.Fix)
	TrackingError(err error)
}

// Params are the tracking filter settings.
type Params struct {
	DesiredAccuracy      int
	DistanceFilter       float64
	DisableElasticity    bool
	ElasticityMultiplier float64
	AcceptableAccuracy   float64
	MaxAttempts          int
	SpeedJumpFilter      float64
	AllowIdentical       bool
	Timeout              time.Duration
}

// ParamsFrom extracts the tracking filter settings from cfg.
func ParamsFrom(cfg *config.Config) Params {
	return Params{
		DesiredAccuracy:      cfg.DesiredAccuracy,
		DistanceFilter:       cfg.DistanceFilter,
		DisableElasticity:    cfg.DisableElasticity,
		ElasticityMultiplier: cfg.ElasticityMultiplier,
		AcceptableAccuracy:   cfg.AcceptableAccuracy,
		MaxAttempts:          cfg.MaxLocationAttempts,
		SpeedJumpFilter:      cfg.SpeedJumpFilter,
		AllowIdentical:       cfg.AllowIdenticalLocations,
		Timeout:              cfg.LocationTimeoutDuration(),
	}
}

// elasticSpeedStep is the speed band that scales the distance filter.
const elasticSpeedStep = 5.0 // m/s

// EffectiveDistanceFilter scales the distance filter with speed so fast
// movement produces fewer records. The result is never below DistanceFilter.
func (p Params) EffectiveDistanceFilter(speed float64) float64 {
	if p.DisableElasticity || speed <= 0 {
		return p.DistanceFilter
	}
	scaled := p.DistanceFilter * math.Round(speed/elasticSpeedStep) * p.ElasticityMultiplier
	return math.Max(scaled, p.DistanceFilter)
}

// Manager owns the provider session.
type Manager struct {
	mu       sync.Mutex
	clock    timeutil.Clock
	provider Provider
	listener Listener
	params   Params

	tracking     bool
	trackFilter  float64
	lastAccepted *geo.Fix
	poor         []geo.Fix
	lastKnown    *geo.Fix

	requests  map[*request]struct{}
	watches   map[int]*watch
	nextWatch int

	// configMu serialises provider reconfiguration.
	configMu sync.Mutex
	applied  Session
}

// NewManager returns an idle manager.
func NewManager(clock timeutil.Clock, p Provider, params Params, l Listener) *Manager {
	return &Manager{
		clock:       clock,
		provider:    p,
		listener:    l,
		params:      params,
		trackFilter: params.DistanceFilter,
		requests:    make(map[*request]struct{}),
		watches:     make(map[int]*watch),
	}
}

// SetParams replaces the tracking filter settings and reconfigures the
// provider if the session changed.
func (m *Manager) SetParams(p Params) {
	m.mu.Lock()
	m.params = p
	m.trackFilter = p.DistanceFilter
	m.mu.Unlock()
	m.reconfigure()
}

// StartTracking begins forwarding filtered fixes to the listener.
func (m *Manager) StartTracking() error {
	m.mu.Lock()
	m.tracking = true
	m.poor = m.poor[:0]
	m.lastAccepted = nil
	m.trackFilter = m.params.DistanceFilter
	m.mu.Unlock()
	return m.reconfigure()
}

// StopTracking stops continuous tracking. One-shot requests and watches are
// unaffected.
func (m *Manager) StopTracking() {
	m.mu.Lock()
	m.tracking = false
	m.poor = m.poor[:0]
	m.mu.Unlock()
	m.reconfigure()
}

// Tracking reports whether continuous tracking is on.
func (m *Manager) Tracking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracking
}

// LastKnown returns the most recent fix of any origin.
func (m *Manager) LastKnown() (geo.Fix, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastKnown == nil {
		return geo.Fix{}, false
	}
	return *m.lastKnown, true
}

// Session returns the session most recently applied to the provider.
func (m *Manager) Session() Session {
	m.configMu.Lock()
	defer m.configMu.Unlock()
	return m.applied
}

// HandleFix feeds a provider fix to every active requester.
func (m *Manager) HandleFix(fix geo.Fix) {
	m.mu.Lock()
	f := fix
	m.lastKnown = &f

	var resolved []*request
	for r := range m.requests {
		if r.offer(fix) {
			resolved = append(resolved, r)
		}
	}
	for _, r := range resolved {
		delete(m.requests, r)
	}

	var (
		accepted  *geo.Fix
		trackErr  error
		refilter  bool
		listening = m.tracking
	)
	if m.tracking {
		accepted, trackErr = m.filterLocked(fix)
		if accepted != nil && !m.params.DisableElasticity {
			next := m.params.EffectiveDistanceFilter(accepted.Coords.Speed)
			if next != m.trackFilter {
				m.trackFilter = next
				refilter = true
			}
		}
	}
	m.mu.Unlock()

	for _, r := range resolved {
		r.finish()
	}
	if len(resolved) > 0 || refilter {
		m.reconfigure()
	}
	if !listening {
		return
	}
	if trackErr != nil {
		m.listener.TrackingError(trackErr)
	}
	if accepted != nil {
		m.listener.TrackingFix(*accepted)
	}
}

// HandleError delivers a provider failure to every requester.
func (m *Manager) HandleError(err error) {
	m.mu.Lock()
	pending := make([]*request, 0, len(m.requests))
	for r := range m.requests {
		pending = append(pending, r)
		delete(m.requests, r)
	}
	tracking := m.tracking
	m.mu.Unlock()

	for _, r := range pending {
		r.fail(err)
	}
	if len(pending) > 0 {
		m.reconfigure()
	}
	if tracking {
		m.listener.TrackingError(err)
	}
}

func accuracyOf(f geo.Fix) float64 {
	if f.Coords.Accuracy < 0 {
		return math.Inf(1)
	}
	return f.Coords.Accuracy
}

func bestOf(fixes []geo.Fix) geo.Fix {
	best := fixes[0]
	for _, f := range fixes[1:] {
		if accuracyOf(f) < accuracyOf(best) {
			best = f
		}
	}
	return best
}

// filterLocked applies the tracking filters in order: identical fixes,
// acceptable accuracy, speed jumps, then the (elastic) distance filter.
func (m *Manager) filterLocked(fix geo.Fix) (*geo.Fix, error) {
	p := m.params
	last := m.lastAccepted

	if !p.AllowIdentical && last != nil &&
		last.Coords.Latitude == fix.Coords.Latitude &&
		last.Coords.Longitude == fix.Coords.Longitude &&
		last.Timestamp.Equal(fix.Timestamp) {
		monitoring.Verbosef("[location] dropped identical fix")
		return nil, nil
	}

	candidate := fix
	if p.AcceptableAccuracy > 0 && accuracyOf(fix) > p.AcceptableAccuracy {
		m.poor = append(m.poor, fix)
		if len(m.poor) < max(p.MaxAttempts, 1) {
			monitoring.Debugf("[location] poor fix %.0fm (%d/%d)", fix.Coords.Accuracy, len(m.poor), p.MaxAttempts)
			return nil, nil
		}
		candidate = bestOf(m.poor)
		m.poor = m.poor[:0]
		if accuracyOf(candidate) > 2*p.AcceptableAccuracy {
			monitoring.Warnf("[location] no fix within %.0fm after %d attempts", p.AcceptableAccuracy, p.MaxAttempts)
			return nil, geo.ErrAcceptableAccuracy
		}
	} else {
		m.poor = m.poor[:0]
	}

	if last != nil {
		d := geo.DistanceBetween(last.Coords, candidate.Coords)
		if p.SpeedJumpFilter > 0 {
			dt := candidate.Timestamp.Sub(last.Timestamp).Seconds()
			if dt > 0 && d/dt > p.SpeedJumpFilter {
				monitoring.Warnf("[location] dropped speed jump %.0fm in %.1fs", d, dt)
				return nil, nil
			}
		}
		if d < m.trackFilter {
			return nil, nil
		}
	}

	m.lastAccepted = &candidate
	return &candidate, nil
}

// sessionLocked computes the most demanding session over all requesters.
func (m *Manager) sessionLocked() Session {
	var s Session
	consider := func(accuracy int, filter float64) {
		if !s.Enabled {
			s = Session{Enabled: true, DesiredAccuracy: accuracy, DistanceFilter: filter}
			return
		}
		s.DesiredAccuracy = min(s.DesiredAccuracy, accuracy)
		s.DistanceFilter = math.Min(s.DistanceFilter, filter)
	}
	if m.tracking {
		consider(m.params.DesiredAccuracy, m.trackFilter)
	}
	for r := range m.requests {
		consider(r.sessionAccuracy(), 0)
	}
	for _, w := range m.watches {
		consider(w.sessionAccuracy(), 0)
	}
	return s
}

func (m *Manager) reconfigure() error {
	m.configMu.Lock()
	defer m.configMu.Unlock()

	m.mu.Lock()
	s := m.sessionLocked()
	m.mu.Unlock()

	if s == m.applied {
		return nil
	}
	if err := m.provider.Configure(s); err != nil {
		monitoring.Errorf("[location] provider configure failed: %v", err)
		return err
	}
	monitoring.Debugf("[location] session enabled=%t accuracy=%d filter=%.0f", s.Enabled, s.DesiredAccuracy, s.DistanceFilter)
	m.applied = s
	return nil
}
