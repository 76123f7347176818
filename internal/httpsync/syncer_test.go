package httpsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/geotrack/internal/auth"
	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/db"
	"github.com/banshee-data/geotrack/internal/events"
	"github.com/banshee-data/geotrack/internal/httputil"
	"github.com/banshee-data/geotrack/internal/testutil"
	"github.com/banshee-data/geotrack/internal/timeutil"
)

const syncURL = "https://example.com/locations"

type fixture struct {
	syncer *Syncer
	store  *db.LocationStore
	client *httputil.MockHTTPClient
	config *config.Store
	clock  *timeutil.MockClock
}

func newFixture(t *testing.T, changes map[string]any) *fixture {
	t.Helper()
	clock := timeutil.NewMockClock(testutil.Epoch)
	cfg, err := config.NewStore(nil)
	require.NoError(t, err)
	settings := map[string]any{"url": syncURL}
	for k, v := range changes {
		settings[k] = v
	}
	_, err = cfg.Update(settings)
	require.NoError(t, err)

	f := &fixture{
		store:  testutil.NewLocationStore(t, clock),
		client: httputil.NewMockHTTPClient(),
		config: cfg,
		clock:  clock,
	}
	f.syncer = New(Options{
		Clock:     clock,
		Client:    f.client,
		Queue:     f.store,
		Config:    cfg.Get,
		UserAgent: "geotrack/test",
	})
	return f
}

func (f *fixture) body(t *testing.T, n int) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal(f.client.GetBody(n), &v))
	return v
}

func TestSync_BatchCommits(t *testing.T) {
	f := newFixture(t, map[string]any{"batchSync": true, "headers": map[string]string{"X-Device": "d-1"}})
	testutil.PersistN(t, f.store, 3)

	synced, err := f.syncer.Sync(context.Background())
	require.NoError(t, err)
	assert.Len(t, synced, 3)
	assert.Equal(t, 1, f.client.RequestCount())
	testutil.AssertCount(t, f.store, 0)

	req := f.client.GetRequest(0)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, syncURL, req.URL.String())
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "geotrack/test", req.Header.Get("User-Agent"))
	assert.Equal(t, "d-1", req.Header.Get("X-Device"))
	assert.Len(t, f.body(t, 0)["location"], 3)
}

func TestSync_FailureReleases(t *testing.T) {
	f := newFixture(t, map[string]any{"batchSync": true})
	testutil.PersistN(t, f.store, 3)
	f.client.AddResponse(http.StatusInternalServerError, "boom")

	synced, err := f.syncer.Sync(context.Background())
	require.Error(t, err)
	assert.Empty(t, synced)
	assert.Equal(t, http.StatusInternalServerError, StatusOf(err))

	testutil.AssertCount(t, f.store, 3)
	locked, err := f.store.CountLocked()
	require.NoError(t, err)
	assert.Zero(t, locked)
}

func TestSync_OneRequestPerRecordWithoutBatch(t *testing.T) {
	f := newFixture(t, nil)
	locs := testutil.PersistN(t, f.store, 3)

	synced, err := f.syncer.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, synced, 3)
	require.Equal(t, 3, f.client.RequestCount())
	for i, loc := range locs {
		rec, ok := f.body(t, i)["location"].(map[string]any)
		require.True(t, ok, "request %d should carry a single object", i)
		assert.Equal(t, loc.UUID, rec["uuid"])
	}
}

func TestSync_MaxBatchSize(t *testing.T) {
	f := newFixture(t, map[string]any{"batchSync": true, "maxBatchSize": 2})
	testutil.PersistN(t, f.store, 5)

	synced, err := f.syncer.Sync(context.Background())
	require.NoError(t, err)
	assert.Len(t, synced, 5)
	assert.Equal(t, 3, f.client.RequestCount())
	assert.Len(t, f.body(t, 2)["location"], 1)
}

func TestSync_StopsAtFirstFailedBatch(t *testing.T) {
	f := newFixture(t, map[string]any{"batchSync": true, "maxBatchSize": 2})
	locs := testutil.PersistN(t, f.store, 5)
	f.client.AddResponse(http.StatusOK, "").AddResponse(http.StatusServiceUnavailable, "")

	synced, err := f.syncer.Sync(context.Background())
	require.Error(t, err)
	require.Len(t, synced, 2)
	assert.Equal(t, locs[0].UUID, synced[0].UUID)
	assert.Equal(t, 2, f.client.RequestCount())
	testutil.AssertCount(t, f.store, 3)
}

func TestSync_DescendingOrder(t *testing.T) {
	f := newFixture(t, map[string]any{"locationsOrderDirection": "DESC"})
	locs := testutil.PersistN(t, f.store, 2)

	synced, err := f.syncer.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, synced, 2)
	assert.Equal(t, locs[1].UUID, synced[0].UUID)
}

func TestSync_TransportError(t *testing.T) {
	f := newFixture(t, nil)
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	f.syncer.bus = bus
	var responses []events.HTTP
	events.Subscribe(bus, events.OnHTTP, func(e events.HTTP) { responses = append(responses, e) })

	testutil.PersistN(t, f.store, 1)
	f.client.AddErrorResponse(errors.New("connection reset"))

	_, err := f.syncer.Sync(context.Background())
	require.Error(t, err)
	assert.Zero(t, StatusOf(err))
	testutil.AssertCount(t, f.store, 1)

	require.NoError(t, bus.Drain(context.Background()))
	require.Len(t, responses, 1)
	assert.False(t, responses[0].Success)
	assert.Zero(t, responses[0].Status)
	assert.Contains(t, responses[0].Error, "connection reset")
}

func TestSync_RedirectIsFailure(t *testing.T) {
	f := newFixture(t, nil)
	testutil.PersistN(t, f.store, 1)
	f.client.AddResponse(http.StatusFound, "")

	_, err := f.syncer.Sync(context.Background())
	assert.ErrorIs(t, err, ErrRedirect)
	assert.Equal(t, http.StatusFound, StatusOf(err))
	testutil.AssertCount(t, f.store, 1)
}

func TestSync_Preconditions(t *testing.T) {
	f := newFixture(t, map[string]any{"url": ""})
	testutil.PersistN(t, f.store, 1)
	_, err := f.syncer.Sync(context.Background())
	assert.ErrorIs(t, err, ErrInvalidURL)

	f = newFixture(t, nil)
	testutil.PersistN(t, f.store, 1)
	f.syncer.SetConnectivity(false, false)
	_, err = f.syncer.Sync(context.Background())
	assert.ErrorIs(t, err, ErrNoNetwork)
	assert.Zero(t, f.client.RequestCount())
}

func TestSync_TemplateErrorKeepsRecords(t *testing.T) {
	f := newFixture(t, map[string]any{"locationTemplate": `{"x":<%= nope %>}`})
	testutil.PersistN(t, f.store, 1)

	_, err := f.syncer.Sync(context.Background())
	var te *TemplateError
	assert.True(t, errors.As(err, &te), "got %v", err)
	assert.Zero(t, f.client.RequestCount())
	testutil.AssertCount(t, f.store, 1)
}

func TestSync_RefreshesTokenOn401(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.config.ReplaceAuthorization(&config.Authorization{
		Strategy:       "JWT",
		AccessToken:    "old.token",
		RefreshToken:   "r-1",
		RefreshURL:     "https://auth.example.com/refresh",
		RefreshPayload: map[string]string{"refresh_token": auth.RefreshTokenTemplate},
	})
	require.NoError(t, err)

	var results []events.Authorization
	f.syncer.auth = auth.New(f.clock, f.client, f.config, func(e events.Authorization) { results = append(results, e) })
	testutil.PersistN(t, f.store, 1)

	f.client.
		AddResponse(http.StatusUnauthorized, "").
		AddResponse(http.StatusOK, `{"access_token":"new.token","refresh_token":"r-2"}`).
		AddResponse(http.StatusOK, "")

	synced, err := f.syncer.Sync(context.Background())
	require.NoError(t, err)
	assert.Len(t, synced, 1)
	require.Equal(t, 3, f.client.RequestCount())

	assert.Equal(t, "Bearer old.token", f.client.GetRequest(0).Header.Get("Authorization"))
	assert.Equal(t, "https://auth.example.com/refresh", f.client.GetRequest(1).URL.String())
	assert.Equal(t, "Bearer new.token", f.client.GetRequest(2).Header.Get("Authorization"))
	assert.Equal(t, "r-2", f.config.Get().Authorization.RefreshToken)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
}

func TestSync_ConcurrentRequestIsCoalesced(t *testing.T) {
	f := newFixture(t, map[string]any{"batchSync": true})
	testutil.PersistN(t, f.store, 2)

	release := make(chan struct{})
	f.client.DoFunc = func(*http.Request) (*http.Response, error) {
		<-release
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{}}, nil
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		synced, err := f.syncer.Sync(context.Background())
		done <- result{len(synced), err}
	}()
	require.Eventually(t, func() bool { return f.client.RequestCount() == 1 }, time.Second, time.Millisecond)
	assert.True(t, f.syncer.Busy())

	testutil.Persist(t, f.store, testutil.Location(1, 2, testutil.Epoch))
	_, err := f.syncer.Sync(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(release)
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, 3, r.n)
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not finish")
	}
	assert.False(t, f.syncer.Busy())
	testutil.AssertCount(t, f.store, 0)
}

func TestSync_PublishesEvents(t *testing.T) {
	f := newFixture(t, map[string]any{"batchSync": true})
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	f.syncer.bus = bus

	var (
		responses []events.HTTP
		synced    []events.SyncComplete
	)
	events.Subscribe(bus, events.OnHTTP, func(e events.HTTP) { responses = append(responses, e) })
	events.Subscribe(bus, events.OnSync, func(e events.SyncComplete) { synced = append(synced, e) })

	testutil.PersistN(t, f.store, 2)
	f.client.AddResponse(http.StatusCreated, `{"ok":true}`)
	_, err := f.syncer.Sync(context.Background())
	require.NoError(t, err)

	testutil.PersistN(t, f.store, 1)
	f.client.AddResponse(http.StatusBadRequest, "nope")
	_, err = f.syncer.Sync(context.Background())
	require.Error(t, err)

	require.NoError(t, bus.Drain(context.Background()))
	require.Len(t, responses, 2)
	assert.Equal(t, events.HTTP{Success: true, Status: http.StatusCreated, ResponseText: `{"ok":true}`}, responses[0])
	assert.Equal(t, events.HTTP{Success: false, Status: http.StatusBadRequest, ResponseText: "nope", Error: "sync endpoint returned 400"}, responses[1])
	require.Len(t, synced, 1)
	assert.Len(t, synced[0].Records, 2)
}

func TestAutoSync_Threshold(t *testing.T) {
	f := newFixture(t, map[string]any{"autoSyncThreshold": 3})
	testutil.PersistN(t, f.store, 2)
	assert.False(t, f.syncer.ShouldAutoSync())
	assert.False(t, f.syncer.AutoSync(context.Background()))

	testutil.PersistN(t, f.store, 1)
	assert.True(t, f.syncer.ShouldAutoSync())
	assert.True(t, f.syncer.AutoSync(context.Background()))
	f.syncer.Wait()
	testutil.AssertCount(t, f.store, 0)
	assert.False(t, f.syncer.ShouldAutoSync(), "empty queue never triggers")

	_, err := f.config.Update(map[string]any{"autoSync": false})
	require.NoError(t, err)
	testutil.PersistN(t, f.store, 3)
	assert.False(t, f.syncer.ShouldAutoSync())
}

func TestAutoSync_Backoff(t *testing.T) {
	f := newFixture(t, nil)
	testutil.PersistN(t, f.store, 1)
	f.client.AddResponse(http.StatusInternalServerError, "").AddResponse(http.StatusInternalServerError, "")

	require.True(t, f.syncer.AutoSync(context.Background()))
	f.syncer.Wait()
	assert.Equal(t, 5*time.Second, f.syncer.Backoff())
	assert.False(t, f.syncer.ShouldAutoSync())

	f.clock.Advance(5 * time.Second)
	require.True(t, f.syncer.AutoSync(context.Background()))
	f.syncer.Wait()
	assert.Equal(t, 10*time.Second, f.syncer.Backoff())

	// An explicit sync ignores backoff, and success clears it.
	synced, err := f.syncer.Sync(context.Background())
	require.NoError(t, err)
	assert.Len(t, synced, 1)
	assert.Zero(t, f.syncer.Backoff())
}

func TestAutoSync_Connectivity(t *testing.T) {
	f := newFixture(t, map[string]any{"disableAutoSyncOnCellular": true})
	testutil.PersistN(t, f.store, 1)

	assert.False(t, f.syncer.SetConnectivity(true, true))
	assert.False(t, f.syncer.ShouldAutoSync(), "blocked on cellular")
	assert.False(t, f.syncer.SetConnectivity(true, false))
	assert.True(t, f.syncer.ShouldAutoSync())

	f.client.AddResponse(http.StatusInternalServerError, "")
	require.True(t, f.syncer.AutoSync(context.Background()))
	f.syncer.Wait()
	require.Positive(t, f.syncer.Backoff())

	assert.False(t, f.syncer.SetConnectivity(false, false))
	assert.False(t, f.syncer.Connected())
	assert.False(t, f.syncer.ShouldAutoSync())
	assert.True(t, f.syncer.SetConnectivity(true, false), "restored")
	assert.Zero(t, f.syncer.Backoff(), "restore clears backoff")
	assert.True(t, f.syncer.ShouldAutoSync())
	assert.False(t, f.syncer.SetConnectivity(true, false))
}
