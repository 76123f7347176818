package schedule

import (
	"sync"
	"time"

	"github.com/banshee-data/geotrack/internal/monitoring"
	"github.com/banshee-data/geotrack/internal/timeutil"
)

// ActionKind is what the tracker should do.
type ActionKind int

const (
	ActionStart ActionKind = iota
	ActionStop
)

func (k ActionKind) String() string {
	if k == ActionStart {
		return "start"
	}
	return "stop"
}

// Action is produced when the clock crosses a window boundary.
type Action struct {
	Kind  ActionKind
	Mode  Mode
	Entry string
}

// Scheduler evaluates the schedule once a minute while started.
type Scheduler struct {
	mu      sync.Mutex
	clock   timeutil.Clock
	loc     *time.Location
	entries []*Entry
	handler func(Action)

	ticker timeutil.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// New returns a stopped scheduler. handler receives actions on the
// goroutine that evaluated them.
func New(clock timeutil.Clock, loc *time.Location, handler func(Action)) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{clock: clock, loc: loc, handler: handler}
}

// SetSchedule replaces the schedule. Triggered state carries over for
// lines that are unchanged.
func (s *Scheduler) SetSchedule(lines []string) error {
	entries, err := ParseAll(lines, s.loc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := make(map[string]bool, len(s.entries))
	for _, e := range s.entries {
		old[e.Raw] = e.triggered
	}
	for _, e := range entries {
		e.triggered = old[e.Raw]
	}
	s.entries = entries
	return nil
}

// Len returns the number of schedule entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Running reports whether the minute ticker is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticker != nil
}

// Start evaluates immediately and then once a minute until Stop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}
	ticker := s.clock.NewTicker(time.Minute)
	done := make(chan struct{})
	s.ticker, s.done = ticker, done
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-done:
				return
			case <-ticker.C():
				s.Evaluate()
			}
		}
	}()
	s.Evaluate()
}

// Stop halts the ticker and forgets which windows were triggered.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.done)
	s.ticker, s.done = nil, nil
	for _, e := range s.entries {
		e.triggered = false
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Evaluate checks the schedule at the clock's current time and delivers any
// resulting actions to the handler.
func (s *Scheduler) Evaluate() []Action {
	actions := s.EvaluateAt(s.clock.Now())
	for _, a := range actions {
		monitoring.Infof("[schedule] %s %s (%s)", a.Kind, a.Mode, a.Entry)
		s.handler(a)
	}
	return actions
}

// EvaluateAt computes the actions due at now without delivering them. Exits
// are listed before entries so a stop never cancels an adjacent start.
func (s *Scheduler) EvaluateAt(now time.Time) []Action {
	now = now.In(s.loc)
	s.mu.Lock()
	defer s.mu.Unlock()

	var actions []Action
	for _, e := range s.entries {
		if e.triggered && !e.Contains(now) {
			e.triggered = false
			actions = append(actions, Action{Kind: ActionStop, Mode: e.Mode, Entry: e.Raw})
		}
	}
	for _, e := range s.entries {
		if !e.triggered && e.Contains(now) {
			e.triggered = true
			actions = append(actions, Action{Kind: ActionStart, Mode: e.Mode, Entry: e.Raw})
		}
	}
	return actions
}
