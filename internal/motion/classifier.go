// Package motion classifies device motion from activity-recognition reports,
// accelerometer magnitudes and speed, and debounces the moving/stationary
// signal the tracker acts on.
package motion

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/monitoring"
	"github.com/banshee-data/geotrack/internal/timeutil"
)

// Type is a discrete motion activity.
type Type string

const (
	Stationary Type = "stationary"
	Walking    Type = "walking"
	Running    Type = "running"
	Automotive Type = "automotive"
	Cycling    Type = "cycling"
	Unknown    Type = "unknown"
	Moving     Type = "moving"
)

// IsMoving reports whether t implies the device is moving. Unknown is
// neither moving nor stationary.
func (t Type) IsMoving() bool {
	switch t {
	case Walking, Running, Automotive, Cycling, Moving:
		return true
	}
	return false
}

const windowSize = 20

// Thresholds parameterises classification.
type Thresholds struct {
	MinSpeed          float64 // m/s
	MaxWalkingSpeed   float64
	MaxRunningSpeed   float64
	ShakeAcceleration float64 // g, gravity removed
	RunAcceleration   float64
	MinConfidence     int
	StopDelay         time.Duration
	IgnoreActivity    bool
}

// ThresholdsFrom extracts classification parameters from cfg.
func ThresholdsFrom(cfg *config.Config) Thresholds {
	return Thresholds{
		MinSpeed:          cfg.MotionMinimumSpeed,
		MaxWalkingSpeed:   cfg.MotionMaximumWalkingSpeed,
		MaxRunningSpeed:   cfg.MotionMaximumRunningSpeed,
		ShakeAcceleration: cfg.MotionMinimumShakeAcceleration,
		RunAcceleration:   cfg.MotionMinimumRunningAcceleration,
		MinConfidence:     cfg.MinimumActivityRecognitionConfidence,
		StopDelay:         cfg.StopDetectionDelayDuration(),
		IgnoreActivity:    cfg.DisableMotionActivityUpdates,
	}
}

// Listener receives classifier output. Callbacks run on the goroutine that
// fed the classifier, or on a timer goroutine for debounced stops.
// MovingChanged calls are serialised and alternate; the last one always
// matches IsMoving.
type Listener interface {
	MovingChanged(isMoving bool)
	ActivityChanged(t Type, confidence int)
}

// Classifier turns sensor input into an activity and an edge-triggered
// moving signal. Moving is reported immediately; stationary only after the
// stationary classification has persisted for StopDelay.
type Classifier struct {
	// notifyMu serialises MovingChanged delivery. It is never acquired
	// while mu is held.
	notifyMu sync.Mutex
	mu       sync.Mutex
	clock    timeutil.Clock
	th       Thresholds
	listener Listener

	window []float64
	speed  float64

	hardware     Type
	hardwareConf int

	current    Type
	confidence int
	isMoving   bool
	reported   bool // last value passed to MovingChanged
	stopTimer  timeutil.Timer
	stopGen    uint64
}

// New returns a classifier that starts out stationary.
func New(clock timeutil.Clock, th Thresholds, l Listener) *Classifier {
	return &Classifier{
		clock:    clock,
		th:       th,
		listener: l,
		speed:    -1,
		current:  Unknown,
	}
}

// SetThresholds replaces the classification parameters.
func (c *Classifier) SetThresholds(th Thresholds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.th = th
}

// Reset forces the moving state without emitting a change and clears any
// pending stop.
func (c *Classifier) Reset(isMoving bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelStopLocked()
	c.isMoving = isMoving
	c.reported = isMoving
	c.window = c.window[:0]
	c.speed = -1
}

// IsMoving returns the debounced moving state.
func (c *Classifier) IsMoving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isMoving
}

// Activity returns the latest classification.
func (c *Classifier) Activity() (Type, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.confidence
}

// StopPending reports whether a debounced stop is waiting to fire.
func (c *Classifier) StopPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopTimer != nil
}

// AddAcceleration adds a user-acceleration magnitude sample in g.
func (c *Classifier) AddAcceleration(magnitude float64) {
	c.mu.Lock()
	if len(c.window) == windowSize {
		copy(c.window, c.window[1:])
		c.window = c.window[:windowSize-1]
	}
	c.window = append(c.window, magnitude)
	c.mu.Unlock()
	c.evaluate()
}

// UpdateSpeed records the speed of the latest fix. Negative means unknown.
func (c *Classifier) UpdateSpeed(speed float64) {
	c.mu.Lock()
	c.speed = speed
	c.mu.Unlock()
	c.evaluate()
}

// HandleActivity records a hardware activity-recognition report.
func (c *Classifier) HandleActivity(t Type, confidence int) {
	c.mu.Lock()
	c.hardware = t
	c.hardwareConf = confidence
	c.mu.Unlock()
	c.evaluate()
}

// Stop cancels any pending debounced stop.
func (c *Classifier) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelStopLocked()
}

func (c *Classifier) classifyLocked() (Type, int) {
	if !c.th.IgnoreActivity && c.hardware != "" && c.hardwareConf >= c.th.MinConfidence {
		return c.hardware, c.hardwareConf
	}

	// A gait shows up as variance even when the mean is low. StdDev is NaN
	// for a single sample, which never compares true.
	mean, std := 0.0, math.NaN()
	if len(c.window) > 0 {
		mean, std = stat.MeanStdDev(c.window, nil)
	}
	shaking := len(c.window) > 0 && (mean >= c.th.ShakeAcceleration || std >= c.th.ShakeAcceleration)
	hard := len(c.window) > 0 && mean >= c.th.RunAcceleration

	if c.speed >= 0 {
		switch {
		case c.speed < c.th.MinSpeed:
			if shaking {
				return Walking, 60
			}
			return Stationary, 80
		case c.speed <= c.th.MaxWalkingSpeed:
			if hard {
				return Running, 70
			}
			return Walking, 80
		case c.speed <= c.th.MaxRunningSpeed:
			if hard {
				return Running, 80
			}
			return Cycling, 60
		default:
			return Automotive, 80
		}
	}

	switch {
	case len(c.window) == 0:
		return Unknown, 0
	case hard:
		return Running, 50
	case shaking:
		return Moving, 50
	default:
		return Stationary, 60
	}
}

func (c *Classifier) evaluate() {
	c.mu.Lock()
	t, conf := c.classifyLocked()

	activityChanged := t != c.current
	c.current, c.confidence = t, conf

	switch {
	case t.IsMoving():
		c.cancelStopLocked()
		c.isMoving = true
	case t == Stationary && c.isMoving && c.stopTimer == nil:
		if c.th.StopDelay <= 0 {
			c.isMoving = false
		} else {
			c.stopGen++
			gen := c.stopGen
			c.stopTimer = c.clock.AfterFunc(c.th.StopDelay, func() { c.fireStop(gen) })
			monitoring.Debugf("[motion] stationary signal, stop in %s", c.th.StopDelay)
		}
	}
	c.mu.Unlock()

	if activityChanged {
		monitoring.Debugf("[motion] activity %s (%d%%)", t, conf)
		c.listener.ActivityChanged(t, conf)
	}
	c.notifyMoving()
}

// notifyMoving reports the current moving state if it differs from the last
// one reported.
func (c *Classifier) notifyMoving() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	isMoving := c.isMoving
	changed := isMoving != c.reported
	c.reported = isMoving
	c.mu.Unlock()

	if changed {
		c.listener.MovingChanged(isMoving)
	}
}

func (c *Classifier) fireStop(gen uint64) {
	c.mu.Lock()
	if c.stopTimer == nil || gen != c.stopGen || !c.isMoving {
		c.mu.Unlock()
		return
	}
	c.stopTimer = nil
	c.isMoving = false
	c.mu.Unlock()

	c.notifyMoving()
}

func (c *Classifier) cancelStopLocked() {
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
		c.stopGen++
	}
}
