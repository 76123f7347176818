package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPersister struct {
	data    []byte
	saves   int
	saveErr error
}

func (m *memPersister) LoadConfig() ([]byte, error) { return m.data, nil }
func (m *memPersister) SaveConfig(data []byte) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.data = append([]byte(nil), data...)
	return nil
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, AccuracyHigh, cfg.DesiredAccuracy)
	assert.Equal(t, 10.0, cfg.DistanceFilter)
	assert.Equal(t, 5*time.Minute, cfg.StopTimeoutDuration())
	assert.Equal(t, time.Duration(0), cfg.StopDetectionDelayDuration())
	assert.Equal(t, time.Minute, cfg.HeartbeatIntervalDuration())
	assert.Equal(t, 60*time.Second, cfg.HTTPTimeoutDuration())
	assert.Equal(t, 24*time.Hour, cfg.MaxAge())
	assert.Equal(t, "location", cfg.HTTPRootProperty)
	assert.Equal(t, PersistAll, cfg.PersistMode)
	assert.True(t, cfg.AutoSync)
	assert.Equal(t, -1, cfg.MaxBatchSize)
	assert.False(t, cfg.AuthorizationEnabled())
}

func TestApply_PartialFailure(t *testing.T) {
	cfg := Default()
	err := cfg.Apply(map[string]any{
		"distanceFilter":    50,
		"stopTimeout":       "ten", // wrong type
		"maxBatchSize":      0,     // invalid value
		"somethingUnknown":  true,  // ignored
		"autoSyncThreshold": 5,
		"headers":           map[string]any{"X-Device": "abc"},
	})

	var ue *UpdateError
	require.True(t, errors.As(err, &ue), "expected *UpdateError, got %v", err)
	assert.Len(t, ue.Keys, 2)
	assert.Contains(t, ue.Keys, "stopTimeout")
	assert.Contains(t, ue.Keys, "maxBatchSize")

	assert.Equal(t, 50.0, cfg.DistanceFilter)
	assert.Equal(t, 5, cfg.StopTimeout, "failed key keeps its previous value")
	assert.Equal(t, -1, cfg.MaxBatchSize)
	assert.Equal(t, 5, cfg.AutoSyncThreshold)
	assert.Equal(t, "abc", cfg.Headers["X-Device"])
}

func TestApply_RejectsMalformedSchedule(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Apply(map[string]any{"schedule": []string{"1-7 09:00-17:00"}}))

	err := cfg.Apply(map[string]any{"schedule": []string{"2-6 09:00-17:00", "nonsense"}})
	var ue *UpdateError
	require.True(t, errors.As(err, &ue), "expected *UpdateError, got %v", err)
	assert.Contains(t, ue.Keys, "schedule")
	assert.Equal(t, []string{"1-7 09:00-17:00"}, cfg.Schedule, "rejected schedule keeps the previous lines")
}

func TestApply_StateKeysAreReadOnly(t *testing.T) {
	cfg := Default()
	err := cfg.Apply(map[string]any{"enabled": true, "odometer": 12.5, "isMoving": true})

	var ue *UpdateError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, ue.Keys, "enabled")
	assert.Contains(t, ue.Keys, "odometer")
	assert.False(t, cfg.Enabled)
	assert.Zero(t, cfg.Odometer)
	assert.True(t, cfg.IsMoving, "isMoving is accepted as an initial hint")
}

func TestApply_NormalisesCase(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Apply(map[string]any{"method": "put", "locationsOrderDirection": "desc"}))
	assert.Equal(t, "PUT", cfg.Method)
	assert.Equal(t, "DESC", cfg.LocationsOrderDirection)
}

func TestApply_Authorization(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Apply(map[string]any{
		"authorization": map[string]any{
			"strategy":       "JWT",
			"accessToken":    "a.b.c",
			"refreshToken":   "r",
			"refreshUrl":     "https://auth.example.com/token",
			"refreshPayload": map[string]any{"refresh_token": "{refreshToken}"},
			"expires":        1700000000,
		},
	}))
	require.NotNil(t, cfg.Authorization)
	assert.True(t, cfg.AuthorizationEnabled())
	assert.Equal(t, "{refreshToken}", cfg.Authorization.RefreshPayload["refresh_token"])

	err := cfg.Apply(map[string]any{"authorization": map[string]any{"strategy": "SAML"}})
	assert.Error(t, err)
	assert.Equal(t, "JWT", cfg.Authorization.Strategy)
}

func TestClone_IsDeep(t *testing.T) {
	cfg := Default()
	cfg.Headers = map[string]string{"a": "1"}
	cfg.Schedule = []string{"1-7 09:00-17:00"}
	cfg.Authorization = &Authorization{AccessToken: "x", RefreshPayload: map[string]string{"k": "v"}}

	c := cfg.Clone()
	c.Headers["a"] = "2"
	c.Schedule[0] = "changed"
	c.Authorization.RefreshPayload["k"] = "w"

	assert.Equal(t, "1", cfg.Headers["a"])
	assert.Equal(t, "1-7 09:00-17:00", cfg.Schedule[0])
	assert.Equal(t, "v", cfg.Authorization.RefreshPayload["k"])
}

func TestChangedKeys(t *testing.T) {
	a := Default()
	b := a.Clone()
	b.DistanceFilter = 99
	b.Odometer = 3
	assert.Equal(t, []string{"distanceFilter", "odometer"}, ChangedKeys(a, b))
}

func TestStore_UpdatePersists(t *testing.T) {
	p := &memPersister{}
	s, err := NewStore(p)
	require.NoError(t, err)

	var seen []string
	s.OnChange(func(old, new *Config) { seen = append(seen, ChangedKeys(old, new)...) })

	before := s.Get()
	cfg, err := s.Update(map[string]any{"distanceFilter": 25, "stopTimeout": -1})
	require.Error(t, err)
	assert.Equal(t, 25.0, cfg.DistanceFilter)
	assert.Equal(t, 10.0, before.DistanceFilter, "snapshots are never mutated")
	assert.Equal(t, []string{"distanceFilter"}, seen)
	assert.Equal(t, 1, p.saves)

	// A second store reads the persisted blob back.
	s2, err := NewStore(p)
	require.NoError(t, err)
	assert.Equal(t, 25.0, s2.Get().DistanceFilter)
}

func TestStore_ResetKeepsState(t *testing.T) {
	s, err := NewStore(nil)
	require.NoError(t, err)

	_, err = s.UpdateState(func(st *State) {
		st.Enabled = true
		st.Odometer = 1234
	})
	require.NoError(t, err)
	_, err = s.Update(map[string]any{"distanceFilter": 80})
	require.NoError(t, err)

	cfg, err := s.Reset(map[string]any{"stationaryRadius": 150})
	require.NoError(t, err)
	assert.Equal(t, 10.0, cfg.DistanceFilter)
	assert.Equal(t, 150.0, cfg.StationaryRadius)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 1234.0, cfg.Odometer)
}

func TestStore_PersistFailureKeepsOldSnapshot(t *testing.T) {
	p := &memPersister{saveErr: errors.New("disk full")}
	s, err := NewStore(p)
	require.NoError(t, err)

	_, err = s.Update(map[string]any{"distanceFilter": 25})
	require.Error(t, err)
	assert.Equal(t, 10.0, s.Get().DistanceFilter)
}

func TestNewStore_RejectsCorruptBlob(t *testing.T) {
	_, err := NewStore(&memPersister{data: []byte("{not json")})
	assert.Error(t, err)

	blob, _ := json.Marshal(map[string]any{"maxBatchSize": -7})
	_, err = NewStore(&memPersister{data: blob})
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "tracker.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
distanceFilter: 30
url: https://example.com/locations
headers:
  X-Api-Key: secret
schedule:
  - "2-6 09:00-17:00"
`), 0o644))
	changes, err := LoadFile(yamlPath)
	require.NoError(t, err)

	cfg := Default()
	require.NoError(t, cfg.Apply(changes))
	assert.Equal(t, 30.0, cfg.DistanceFilter)
	assert.Equal(t, "secret", cfg.Headers["X-Api-Key"])
	assert.Equal(t, []string{"2-6 09:00-17:00"}, cfg.Schedule)

	jsonPath := filepath.Join(dir, "tracker.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"autoSyncThreshold": 5}`), 0o644))
	changes, err = LoadFile(jsonPath)
	require.NoError(t, err)
	assert.EqualValues(t, 5, changes["autoSyncThreshold"])
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "tracker.txt"))
	assert.ErrorContains(t, err, "extension")

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "stat")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"httpTimeout": 0}`), 0o644))
	_, err = LoadFile(bad)
	assert.ErrorContains(t, err, "invalid configuration")

	big := filepath.Join(dir, "big.json")
	require.NoError(t, os.WriteFile(big, make([]byte, maxFileSize+1), 0o644))
	_, err = LoadFile(big)
	assert.ErrorContains(t, err, "too large")
}
