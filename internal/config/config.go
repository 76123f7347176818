// Package config holds the tracking configuration: every tunable the engine
// reads, its documented defaults, validation and the persisted tracking state.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/banshee-data/geotrack/internal/schedule"
)

// Accuracy levels accepted by DesiredAccuracy. Lower values are more precise;
// the positive values are metres.
const (
	AccuracyNavigation = -2
	AccuracyHigh       = -1
	AccuracyMedium     = 10
	AccuracyLow        = 100
	AccuracyVeryLow    = 1000
	AccuracyLowest     = 3000
)

// PersistMode selects which records are written to the store.
type PersistMode int

const (
	PersistGeofence PersistMode = -1
	PersistNone     PersistMode = 0
	PersistLocation PersistMode = 1
	PersistAll      PersistMode = 2
)

// PersistsLocations reports whether ordinary location records are stored.
func (m PersistMode) PersistsLocations() bool { return m == PersistAll || m == PersistLocation }

// PersistsGeofences reports whether geofence records are stored.
func (m PersistMode) PersistsGeofences() bool { return m == PersistAll || m == PersistGeofence }

// TrackingMode distinguishes full location tracking from geofences-only.
type TrackingMode int

const (
	TrackingModeGeofence TrackingMode = 0
	TrackingModeLocation TrackingMode = 1
)

func (m TrackingMode) String() string {
	if m == TrackingModeGeofence {
		return "geofence"
	}
	return "location"
}

// Authorization configures bearer-token authentication for sync requests.
type Authorization struct {
	Strategy       string            `json:"strategy"`
	AccessToken    string            `json:"accessToken"`
	RefreshToken   string            `json:"refreshToken,omitempty"`
	RefreshURL     string            `json:"refreshUrl,omitempty"`
	RefreshPayload map[string]string `json:"refreshPayload,omitempty"`
	RefreshHeaders map[string]string `json:"refreshHeaders,omitempty"`
	// Expires is the token expiry as unix seconds; zero or negative is unknown.
	Expires int64 `json:"expires,omitempty"`
}

// State is the tracking state persisted alongside the configuration. Only the
// orchestrator writes it, through Store.UpdateState.
type State struct {
	Enabled          bool         `json:"enabled"`
	IsMoving         bool         `json:"isMoving"`
	SchedulerEnabled bool         `json:"schedulerEnabled"`
	TrackingMode     TrackingMode `json:"trackingMode"`
	Odometer         float64      `json:"odometer"`
}

// Config is the complete tracking configuration. A *Config obtained from a
// Store is a shared snapshot and must not be modified.
type Config struct {
	// Geolocation
	DesiredAccuracy             int     `json:"desiredAccuracy"`
	DistanceFilter              float64 `json:"distanceFilter"`
	StationaryRadius            float64 `json:"stationaryRadius"`
	LocationTimeout             int     `json:"locationTimeout"` // seconds
	DisableElasticity           bool    `json:"disableElasticity"`
	ElasticityMultiplier        float64 `json:"elasticityMultiplier"`
	StopAfterElapsedMinutes     int     `json:"stopAfterElapsedMinutes"`
	GeofenceProximityRadius     float64 `json:"geofenceProximityRadius"`
	GeofenceInitialTriggerEntry bool    `json:"geofenceInitialTriggerEntry"`
	MaxMonitoredGeofences       int     `json:"maxMonitoredGeofences"`
	DesiredOdometerAccuracy     float64 `json:"desiredOdometerAccuracy"`
	AcceptableAccuracy          float64 `json:"acceptableAccuracy"`
	MaxLocationAttempts         int     `json:"maxLocationAttempts"`
	SpeedJumpFilter             float64 `json:"speedJumpFilter"`
	AllowIdenticalLocations     bool    `json:"allowIdenticalLocations"`

	// Activity recognition
	StopTimeout                          int     `json:"stopTimeout"`        // minutes
	StopDetectionDelay                   int     `json:"stopDetectionDelay"` // minutes
	DisableStopDetection                 bool    `json:"disableStopDetection"`
	StopOnStationary                     bool    `json:"stopOnStationary"`
	MinimumActivityRecognitionConfidence int     `json:"minimumActivityRecognitionConfidence"`
	DisableMotionActivityUpdates         bool    `json:"disableMotionActivityUpdates"`
	MotionMinimumSpeed                   float64 `json:"motionMinimumSpeed"`
	MotionMaximumWalkingSpeed            float64 `json:"motionMaximumWalkingSpeed"`
	MotionMaximumRunningSpeed            float64 `json:"motionMaximumRunningSpeed"`
	MotionMinimumShakeAcceleration       float64 `json:"motionMinimumShakeAcceleration"`   // g
	MotionMinimumRunningAcceleration     float64 `json:"motionMinimumRunningAcceleration"` // g

	// HTTP & persistence
	URL                       string            `json:"url"`
	Method                    string            `json:"method"`
	HTTPRootProperty          string            `json:"httpRootProperty"`
	Params                    map[string]any    `json:"params,omitempty"`
	Headers                   map[string]string `json:"headers,omitempty"`
	Extras                    map[string]any    `json:"extras,omitempty"`
	AutoSync                  bool              `json:"autoSync"`
	AutoSyncThreshold         int               `json:"autoSyncThreshold"`
	BatchSync                 bool              `json:"batchSync"`
	MaxBatchSize              int               `json:"maxBatchSize"`
	LocationTemplate          string            `json:"locationTemplate,omitempty"`
	GeofenceTemplate          string            `json:"geofenceTemplate,omitempty"`
	MaxDaysToPersist          int               `json:"maxDaysToPersist"`
	MaxRecordsToPersist       int               `json:"maxRecordsToPersist"`
	PersistMode               PersistMode       `json:"persistMode"`
	LocationsOrderDirection   string            `json:"locationsOrderDirection"`
	HTTPTimeout               int               `json:"httpTimeout"` // milliseconds
	DisableAutoSyncOnCellular bool              `json:"disableAutoSyncOnCellular"`
	Authorization             *Authorization    `json:"authorization,omitempty"`

	// Application
	StopOnTerminate           bool     `json:"stopOnTerminate"`
	StartOnBoot               bool     `json:"startOnBoot"`
	ClearLocationsOnTerminate bool     `json:"clearLocationsOnTerminate"`
	HeartbeatInterval         int      `json:"heartbeatInterval"` // seconds
	Schedule                  []string `json:"schedule,omitempty"`
	PreventSuspend            bool     `json:"preventSuspend"`
	LogLevel                  int      `json:"logLevel"`

	State
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		DesiredAccuracy:             AccuracyHigh,
		DistanceFilter:              10,
		StationaryRadius:            25,
		LocationTimeout:             60,
		ElasticityMultiplier:        1,
		GeofenceProximityRadius:     1000,
		GeofenceInitialTriggerEntry: true,
		MaxMonitoredGeofences:       20,
		DesiredOdometerAccuracy:     100,
		AcceptableAccuracy:          100,
		MaxLocationAttempts:         3,
		SpeedJumpFilter:             300,

		StopTimeout:                          5,
		MinimumActivityRecognitionConfidence: 75,
		MotionMinimumSpeed:                   0.3,
		MotionMaximumWalkingSpeed:            1.9,
		MotionMaximumRunningSpeed:            7.5,
		MotionMinimumShakeAcceleration:       0.1,
		MotionMinimumRunningAcceleration:     0.35,

		Method:                  "POST",
		HTTPRootProperty:        "location",
		AutoSync:                true,
		MaxBatchSize:            -1,
		MaxDaysToPersist:        1,
		MaxRecordsToPersist:     -1,
		PersistMode:             PersistAll,
		LocationsOrderDirection: "ASC",
		HTTPTimeout:             60000,

		StopOnTerminate:   true,
		HeartbeatInterval: 60,
		LogLevel:          3,

		State: State{TrackingMode: TrackingModeLocation},
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	n := *c
	n.Params = cloneAnyMap(c.Params)
	n.Extras = cloneAnyMap(c.Extras)
	if c.Headers != nil {
		n.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			n.Headers[k] = v
		}
	}
	if c.Schedule != nil {
		n.Schedule = append([]string(nil), c.Schedule...)
	}
	if c.Authorization != nil {
		a := *c.Authorization
		a.RefreshPayload = cloneStringMap(c.Authorization.RefreshPayload)
		a.RefreshHeaders = cloneStringMap(c.Authorization.RefreshHeaders)
		n.Authorization = &a
	}
	return &n
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	n := make(map[string]any, len(m))
	for k, v := range m {
		n[k] = v
	}
	return n
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	n := make(map[string]string, len(m))
	for k, v := range m {
		n[k] = v
	}
	return n
}

var validators = map[string]func(*Config) error{
	"desiredAccuracy": func(c *Config) error {
		switch c.DesiredAccuracy {
		case AccuracyNavigation, AccuracyHigh, 0, AccuracyMedium, AccuracyLow, AccuracyVeryLow, AccuracyLowest:
			return nil
		}
		return fmt.Errorf("unsupported desiredAccuracy %d", c.DesiredAccuracy)
	},
	"distanceFilter":       nonNegative(func(c *Config) float64 { return c.DistanceFilter }),
	"stationaryRadius":     nonNegative(func(c *Config) float64 { return c.StationaryRadius }),
	"locationTimeout":      positive(func(c *Config) float64 { return float64(c.LocationTimeout) }),
	"elasticityMultiplier": positive(func(c *Config) float64 { return c.ElasticityMultiplier }),
	"stopAfterElapsedMinutes": nonNegative(func(c *Config) float64 {
		return float64(c.StopAfterElapsedMinutes)
	}),
	"geofenceProximityRadius": func(c *Config) error {
		if c.GeofenceProximityRadius < 1000 {
			return fmt.Errorf("geofenceProximityRadius must be at least 1000, got %v", c.GeofenceProximityRadius)
		}
		return nil
	},
	"maxMonitoredGeofences": func(c *Config) error {
		if c.MaxMonitoredGeofences < 2 {
			return fmt.Errorf("maxMonitoredGeofences must be at least 2, got %d", c.MaxMonitoredGeofences)
		}
		return nil
	},
	"desiredOdometerAccuracy": nonNegative(func(c *Config) float64 { return c.DesiredOdometerAccuracy }),
	"acceptableAccuracy":      positive(func(c *Config) float64 { return c.AcceptableAccuracy }),
	"maxLocationAttempts":     positive(func(c *Config) float64 { return float64(c.MaxLocationAttempts) }),
	"speedJumpFilter":         positive(func(c *Config) float64 { return c.SpeedJumpFilter }),
	"stopTimeout":             nonNegative(func(c *Config) float64 { return float64(c.StopTimeout) }),
	"stopDetectionDelay":      nonNegative(func(c *Config) float64 { return float64(c.StopDetectionDelay) }),
	"minimumActivityRecognitionConfidence": func(c *Config) error {
		if c.MinimumActivityRecognitionConfidence < 0 || c.MinimumActivityRecognitionConfidence > 100 {
			return fmt.Errorf("minimumActivityRecognitionConfidence must be 0-100, got %d", c.MinimumActivityRecognitionConfidence)
		}
		return nil
	},
	"url": func(c *Config) error {
		if c.URL == "" {
			return nil
		}
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid url %q", c.URL)
		}
		return nil
	},
	"method": func(c *Config) error {
		switch strings.ToUpper(c.Method) {
		case "POST", "PUT", "OPTIONS":
			c.Method = strings.ToUpper(c.Method)
			return nil
		}
		return fmt.Errorf("unsupported method %q", c.Method)
	},
	"httpRootProperty": func(c *Config) error {
		if c.HTTPRootProperty == "" {
			return errors.New("httpRootProperty must not be empty")
		}
		return nil
	},
	"autoSyncThreshold": nonNegative(func(c *Config) float64 { return float64(c.AutoSyncThreshold) }),
	"maxBatchSize": func(c *Config) error {
		if c.MaxBatchSize == 0 || c.MaxBatchSize < -1 {
			return fmt.Errorf("maxBatchSize must be -1 or positive, got %d", c.MaxBatchSize)
		}
		return nil
	},
	"maxDaysToPersist": func(c *Config) error {
		if c.MaxDaysToPersist < 1 {
			return fmt.Errorf("maxDaysToPersist must be at least 1, got %d", c.MaxDaysToPersist)
		}
		return nil
	},
	"maxRecordsToPersist": func(c *Config) error {
		if c.MaxRecordsToPersist == 0 || c.MaxRecordsToPersist < -1 {
			return fmt.Errorf("maxRecordsToPersist must be -1 or positive, got %d", c.MaxRecordsToPersist)
		}
		return nil
	},
	"persistMode": func(c *Config) error {
		switch c.PersistMode {
		case PersistGeofence, PersistNone, PersistLocation, PersistAll:
			return nil
		}
		return fmt.Errorf("unsupported persistMode %d", c.PersistMode)
	},
	"locationsOrderDirection": func(c *Config) error {
		switch strings.ToUpper(c.LocationsOrderDirection) {
		case "ASC", "DESC":
			c.LocationsOrderDirection = strings.ToUpper(c.LocationsOrderDirection)
			return nil
		}
		return fmt.Errorf("locationsOrderDirection must be ASC or DESC, got %q", c.LocationsOrderDirection)
	},
	"httpTimeout":       positive(func(c *Config) float64 { return float64(c.HTTPTimeout) }),
	"heartbeatInterval": nonNegative(func(c *Config) float64 { return float64(c.HeartbeatInterval) }),
	"schedule": func(c *Config) error {
		for _, line := range c.Schedule {
			// Syntax only; dates are resolved in the scheduler's zone.
			if _, err := schedule.Parse(line, time.UTC); err != nil {
				return err
			}
		}
		return nil
	},
	"logLevel": func(c *Config) error {
		if c.LogLevel < 0 || c.LogLevel > 5 {
			return fmt.Errorf("logLevel must be 0-5, got %d", c.LogLevel)
		}
		return nil
	},
	"authorization": func(c *Config) error {
		a := c.Authorization
		if a == nil {
			return nil
		}
		if a.Strategy != "" && !strings.EqualFold(a.Strategy, "JWT") {
			return fmt.Errorf("unsupported authorization strategy %q", a.Strategy)
		}
		if a.RefreshURL != "" {
			if _, err := url.ParseRequestURI(a.RefreshURL); err != nil {
				return fmt.Errorf("invalid refreshUrl: %w", err)
			}
		}
		return nil
	},
}

func nonNegative(get func(*Config) float64) func(*Config) error {
	return func(c *Config) error {
		if v := get(c); v < 0 {
			return fmt.Errorf("must be non-negative, got %v", v)
		}
		return nil
	}
}

func positive(get func(*Config) float64) func(*Config) error {
	return func(c *Config) error {
		if v := get(c); v <= 0 {
			return fmt.Errorf("must be positive, got %v", v)
		}
		return nil
	}
}

// Validate checks every field and returns the first failure.
func (c *Config) Validate() error {
	for _, key := range sortedValidatorKeys() {
		if err := validators[key](c); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// LocationTimeoutDuration returns LocationTimeout as a duration.
func (c *Config) LocationTimeoutDuration() time.Duration {
	return time.Duration(c.LocationTimeout) * time.Second
}

// StopTimeoutDuration returns StopTimeout as a duration.
func (c *Config) StopTimeoutDuration() time.Duration {
	return time.Duration(c.StopTimeout) * time.Minute
}

// StopDetectionDelayDuration returns StopDetectionDelay as a duration.
func (c *Config) StopDetectionDelayDuration() time.Duration {
	return time.Duration(c.StopDetectionDelay) * time.Minute
}

// StopAfterElapsedDuration returns StopAfterElapsedMinutes as a duration. Zero
// disables the limit.
func (c *Config) StopAfterElapsedDuration() time.Duration {
	return time.Duration(c.StopAfterElapsedMinutes) * time.Minute
}

// HeartbeatIntervalDuration returns HeartbeatInterval as a duration.
func (c *Config) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// HTTPTimeoutDuration returns HTTPTimeout as a duration.
func (c *Config) HTTPTimeoutDuration() time.Duration {
	return time.Duration(c.HTTPTimeout) * time.Millisecond
}

// MaxAge returns the retention window derived from MaxDaysToPersist.
func (c *Config) MaxAge() time.Duration {
	return time.Duration(c.MaxDaysToPersist) * 24 * time.Hour
}

// AuthorizationEnabled reports whether sync requests carry a bearer token.
func (c *Config) AuthorizationEnabled() bool {
	return c.Authorization != nil && c.Authorization.AccessToken != ""
}
