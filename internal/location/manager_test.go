package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/timeutil"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const originLat, originLon = 37.7749, -122.4194

type fakeProvider struct {
	mu       sync.Mutex
	sessions []Session
	err      error
}

func (p *fakeProvider) Configure(s Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sessions = append(p.sessions, s)
	return nil
}

func (p *fakeProvider) last() Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return Session{}
	}
	return p.sessions[len(p.sessions)-1]
}

type trackRecorder struct {
	mu     sync.Mutex
	fixes  []geo.Fix
	errors []error
}

func (r *trackRecorder) TrackingFix(f geo.Fix) {
	r.mu.Lock()
	r.fixes = append(r.fixes, f)
	r.mu.Unlock()
}

func (r *trackRecorder) TrackingError(err error) {
	r.mu.Lock()
	r.errors = append(r.errors, err)
	r.mu.Unlock()
}

func newManager(t *testing.T, mutate func(*Params)) (*Manager, *fakeProvider, *trackRecorder, *timeutil.MockClock) {
	t.Helper()
	params := ParamsFrom(config.Default())
	if mutate != nil {
		mutate(&params)
	}
	clock := timeutil.NewMockClock(t0)
	p := &fakeProvider{}
	r := &trackRecorder{}
	return NewManager(clock, p, params, r), p, r, clock
}

// fixAt returns a fix north metres north of the origin, sec seconds after t0.
func fixAt(north, accuracy float64, sec int) geo.Fix {
	lat, lon := geo.Offset(originLat, originLon, north, 0)
	return geo.Fix{
		Coords:    geo.Coords{Latitude: lat, Longitude: lon, Accuracy: accuracy, Speed: -1},
		Timestamp: t0.Add(time.Duration(sec) * time.Second),
	}
}

func TestEffectiveDistanceFilter(t *testing.T) {
	p := Params{DistanceFilter: 10, ElasticityMultiplier: 1}
	tests := []struct {
		speed float64
		want  float64
	}{
		{-1, 10},
		{0, 10},
		{2, 10},
		{10, 20},
		{25, 50},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.EffectiveDistanceFilter(tt.speed), "speed %v", tt.speed)
	}

	p.ElasticityMultiplier = 2
	assert.Equal(t, 40.0, p.EffectiveDistanceFilter(10))

	p.DisableElasticity = true
	assert.Equal(t, 10.0, p.EffectiveDistanceFilter(30))
}

func TestTracking_DistanceFilter(t *testing.T) {
	m, p, r, _ := newManager(t, nil)
	require.NoError(t, m.StartTracking())
	assert.Equal(t, Session{Enabled: true, DesiredAccuracy: config.AccuracyHigh, DistanceFilter: 10}, p.last())

	m.HandleFix(fixAt(0, 5, 0))
	m.HandleFix(fixAt(5, 5, 10))
	m.HandleFix(fixAt(20, 5, 20))

	require.Len(t, r.fixes, 2)
	assert.Equal(t, t0.Add(20*time.Second), r.fixes[1].Timestamp)
}

func TestTracking_IgnoredWhenStopped(t *testing.T) {
	m, p, r, _ := newManager(t, nil)
	m.HandleFix(fixAt(0, 5, 0))
	assert.Empty(t, r.fixes)

	require.NoError(t, m.StartTracking())
	m.StopTracking()
	m.HandleFix(fixAt(100, 5, 10))
	assert.Empty(t, r.fixes)
	assert.False(t, p.last().Enabled)

	last, ok := m.LastKnown()
	require.True(t, ok)
	assert.Equal(t, t0.Add(10*time.Second), last.Timestamp)
}

func TestTracking_PoorAccuracyForwardsBestWithinTwiceThreshold(t *testing.T) {
	m, _, r, _ := newManager(t, nil)
	require.NoError(t, m.StartTracking())

	m.HandleFix(fixAt(0, 180, 0))
	m.HandleFix(fixAt(0, 150, 1))
	assert.Empty(t, r.fixes)
	m.HandleFix(fixAt(0, 190, 2))

	require.Len(t, r.fixes, 1)
	assert.Equal(t, 150.0, r.fixes[0].Coords.Accuracy)
	assert.Empty(t, r.errors)
}

func TestTracking_PoorAccuracyReportsError(t *testing.T) {
	m, _, r, _ := newManager(t, nil)
	require.NoError(t, m.StartTracking())

	for i := 0; i < 3; i++ {
		m.HandleFix(fixAt(0, 500, i))
	}
	assert.Empty(t, r.fixes)
	require.Len(t, r.errors, 1)
	assert.ErrorIs(t, r.errors[0], geo.ErrAcceptableAccuracy)
	assert.Equal(t, 100, geo.ErrorCode(r.errors[0]))

	// The attempt window resets: a good fix is accepted straight away.
	m.HandleFix(fixAt(0, 10, 3))
	assert.Len(t, r.fixes, 1)
}

func TestTracking_SpeedJumpFilter(t *testing.T) {
	m, _, r, _ := newManager(t, nil)
	require.NoError(t, m.StartTracking())

	m.HandleFix(fixAt(0, 5, 0))
	m.HandleFix(fixAt(10000, 5, 1)) // 10 km in a second
	m.HandleFix(fixAt(100, 5, 60))

	require.Len(t, r.fixes, 2)
	assert.Equal(t, t0.Add(time.Minute), r.fixes[1].Timestamp)
}

func TestTracking_IdenticalLocations(t *testing.T) {
	m, _, r, _ := newManager(t, func(p *Params) { p.DistanceFilter = 0 })
	require.NoError(t, m.StartTracking())
	m.HandleFix(fixAt(0, 5, 0))
	m.HandleFix(fixAt(0, 5, 0))
	assert.Len(t, r.fixes, 1)

	m, _, r, _ = newManager(t, func(p *Params) {
		p.DistanceFilter = 0
		p.AllowIdentical = true
	})
	require.NoError(t, m.StartTracking())
	m.HandleFix(fixAt(0, 5, 0))
	m.HandleFix(fixAt(0, 5, 0))
	assert.Len(t, r.fixes, 2)
}

func TestTracking_ElasticityReconfiguresSession(t *testing.T) {
	m, p, r, _ := newManager(t, nil)
	require.NoError(t, m.StartTracking())

	fast := fixAt(0, 5, 0)
	fast.Coords.Speed = 15
	m.HandleFix(fast)

	require.Len(t, r.fixes, 1)
	assert.Equal(t, 30.0, p.last().DistanceFilter)

	// 20 m is now inside the widened filter.
	next := fixAt(20, 5, 2)
	next.Coords.Speed = 15
	m.HandleFix(next)
	assert.Len(t, r.fixes, 1)
}

func TestHandleError_ForwardsToTracking(t *testing.T) {
	m, _, r, _ := newManager(t, nil)
	require.NoError(t, m.StartTracking())
	m.HandleError(geo.ErrPermissionDenied)
	require.Len(t, r.errors, 1)
	assert.ErrorIs(t, r.errors[0], geo.ErrPermissionDenied)
}

func TestStartTracking_ProviderError(t *testing.T) {
	m, p, _, _ := newManager(t, nil)
	p.err = errors.New("no hardware")
	assert.Error(t, m.StartTracking())
}

// acquire runs GetCurrentPosition in the background and waits until the
// request is registered.
func acquire(t *testing.T, m *Manager, ctx context.Context, req Request) <-chan outcome {
	t.Helper()
	before := m.Pending()
	ch := make(chan outcome, 1)
	go func() {
		res, err := m.GetCurrentPosition(ctx, req)
		ch <- outcome{result: res, err: err}
	}()
	require.Eventually(t, func() bool { return m.Pending() == before+1 }, time.Second, time.Millisecond)
	return ch
}

func waitSession(t *testing.T, p *fakeProvider, want Session) {
	t.Helper()
	require.Eventually(t, func() bool { return p.last() == want }, time.Second, time.Millisecond)
}

func wait(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve")
		return outcome{}
	}
}

func TestGetCurrentPosition_BestOfSamples(t *testing.T) {
	m, p, _, _ := newManager(t, nil)
	ch := acquire(t, m, context.Background(), Request{})
	waitSession(t, p, Session{Enabled: true, DesiredAccuracy: config.AccuracyHigh, DistanceFilter: 0})

	m.HandleFix(fixAt(0, 40, 0))
	m.HandleFix(fixAt(0, 12, 1))
	m.HandleFix(fixAt(0, 30, 2))

	o := wait(t, ch)
	require.NoError(t, o.err)
	assert.Equal(t, 12.0, o.result.Fix.Coords.Accuracy)
	assert.Len(t, o.result.Samples, 3)
	assert.Zero(t, m.Pending())
	assert.False(t, p.last().Enabled)
}

func TestGetCurrentPosition_DesiredAccuracyResolvesEarly(t *testing.T) {
	m, _, _, _ := newManager(t, nil)
	ch := acquire(t, m, context.Background(), Request{Samples: 5, DesiredAccuracy: 20})

	m.HandleFix(fixAt(0, 50, 0))
	m.HandleFix(fixAt(0, 15, 1))

	o := wait(t, ch)
	require.NoError(t, o.err)
	assert.Equal(t, 15.0, o.result.Fix.Coords.Accuracy)
	assert.Len(t, o.result.Samples, 2)
}

func TestGetCurrentPosition_Timeout(t *testing.T) {
	m, _, _, clock := newManager(t, nil)
	ch := acquire(t, m, context.Background(), Request{Timeout: 10 * time.Second})
	clock.Advance(10 * time.Second)

	o := wait(t, ch)
	assert.ErrorIs(t, o.err, geo.ErrTimeout)
	assert.Equal(t, 408, geo.ErrorCode(o.err))
}

func TestGetCurrentPosition_TimeoutWithSampleSucceeds(t *testing.T) {
	m, _, _, clock := newManager(t, nil)
	ch := acquire(t, m, context.Background(), Request{Timeout: 10 * time.Second})
	m.HandleFix(fixAt(0, 70, 0))
	clock.Advance(10 * time.Second)

	o := wait(t, ch)
	require.NoError(t, o.err)
	assert.Equal(t, 70.0, o.result.Fix.Coords.Accuracy)
}

func TestGetCurrentPosition_ContextCancel(t *testing.T) {
	m, _, _, clock := newManager(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := acquire(t, m, ctx, Request{})
	cancel()

	o := wait(t, ch)
	assert.ErrorIs(t, o.err, geo.ErrCancelled)
	assert.Zero(t, m.Pending())

	// The watchdog was stopped with the request.
	clock.Advance(time.Hour)
	assert.Zero(t, clock.PendingTimers())
}

func TestCancelAll(t *testing.T) {
	m, _, _, _ := newManager(t, nil)
	a := acquire(t, m, context.Background(), Request{})
	b := acquire(t, m, context.Background(), Request{})
	m.CancelAll()

	assert.ErrorIs(t, wait(t, a).err, geo.ErrCancelled)
	assert.ErrorIs(t, wait(t, b).err, geo.ErrCancelled)
}

func TestGetCurrentPosition_MaximumAge(t *testing.T) {
	m, _, _, clock := newManager(t, nil)
	m.HandleFix(fixAt(0, 8, 0))
	clock.Advance(30 * time.Second)

	res, err := m.GetCurrentPosition(context.Background(), Request{MaximumAge: time.Minute})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, 8.0, res.Fix.Coords.Accuracy)
	assert.Zero(t, m.Pending())
}

func TestGetCurrentPosition_ProviderErrorFailsRequest(t *testing.T) {
	m, _, _, _ := newManager(t, nil)
	ch := acquire(t, m, context.Background(), Request{})
	m.HandleError(geo.ErrPermissionDenied)
	assert.ErrorIs(t, wait(t, ch).err, geo.ErrPermissionDenied)
}

func TestSession_MostDemandingRequester(t *testing.T) {
	m, p, _, _ := newManager(t, func(p *Params) {
		p.DesiredAccuracy = config.AccuracyLow
		p.DistanceFilter = 50
	})
	require.NoError(t, m.StartTracking())
	assert.Equal(t, Session{Enabled: true, DesiredAccuracy: 100, DistanceFilter: 50}, p.last())

	ch := acquire(t, m, context.Background(), Request{Samples: 1, DesiredAccuracy: 10})
	waitSession(t, p, Session{Enabled: true, DesiredAccuracy: 10, DistanceFilter: 0})

	m.HandleFix(fixAt(0, 5, 0))
	require.NoError(t, wait(t, ch).err)
	assert.Equal(t, Session{Enabled: true, DesiredAccuracy: 100, DistanceFilter: 50}, p.last())
}

func TestWatchPosition(t *testing.T) {
	m, p, _, clock := newManager(t, nil)

	results := make(chan Result, 4)
	id := m.WatchPosition(WatchRequest{Interval: 5 * time.Second}, func(r Result, err error) {
		if err == nil {
			results <- r
		}
	})
	assert.Equal(t, 1, m.Watches())
	require.Eventually(t, func() bool { return m.Pending() == 1 }, time.Second, time.Millisecond)

	m.HandleFix(fixAt(0, 5, 0))
	select {
	case r := <-results:
		assert.Equal(t, t0, r.Fix.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("no first watch result")
	}

	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return m.Pending() == 1 }, time.Second, time.Millisecond)
	m.HandleFix(fixAt(0, 5, 5))
	select {
	case r := <-results:
		assert.Equal(t, t0.Add(5*time.Second), r.Fix.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("no second watch result")
	}

	assert.True(t, m.StopWatchPosition(id))
	assert.False(t, m.StopWatchPosition(id))
	assert.Zero(t, m.Watches())
	assert.False(t, p.last().Enabled)
}
