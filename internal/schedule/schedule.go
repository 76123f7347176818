// Package schedule turns schedule strings into tracking windows and fires
// start and stop actions as the clock enters and leaves them.
//
// Three forms are accepted:
//
//	"1-7 09:00-17:00"                        weekly; days 1 (Sunday) to 7
//	"2,4,6 08:00-18:00 geofence"              weekly with a tracking mode
//	"2025-06-01 09:00-17:00"                  a single date
//	"2025-06-01-09:00 2025-06-03-17:00"       an explicit date-time range
//
// A weekly window whose end is before its start spans midnight; its day
// mask applies to the day the window opens.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSchedule is wrapped by every parse failure.
var ErrInvalidSchedule = errors.New("invalid schedule")

const minutesPerDay = 24 * 60

// Mode is the kind of tracking an entry starts.
type Mode int

const (
	ModeLocation Mode = iota
	ModeGeofence
)

func (m Mode) String() string {
	if m == ModeGeofence {
		return "geofence"
	}
	return "location"
}

// Entry is one parsed schedule line.
type Entry struct {
	Raw  string
	Mode Mode

	// weekly windows
	days  [8]bool // index 1 (Sunday) to 7 (Saturday)
	start int     // minutes after midnight
	end   int

	// dated windows
	from, until time.Time
	dated       bool

	triggered bool
}

// Triggered reports whether the entry has started and not yet stopped.
func (e *Entry) Triggered() bool { return e.triggered }

// Contains reports whether t falls inside the window.
func (e *Entry) Contains(t time.Time) bool {
	if e.dated {
		return !t.Before(e.from) && t.Before(e.until)
	}
	day := int(t.Weekday()) + 1
	minute := t.Hour()*60 + t.Minute()
	if e.start < e.end {
		return e.days[day] && minute >= e.start && minute < e.end
	}
	// Spans midnight.
	prev := (day+5)%7 + 1
	return (e.days[day] && minute >= e.start) || (e.days[prev] && minute < e.end)
}

func invalid(raw, format string, args ...any) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidSchedule, raw, fmt.Sprintf(format, args...))
}

// Parse parses one schedule line. Dates are interpreted in loc.
func Parse(raw string, loc *time.Location) (*Entry, error) {
	fields := strings.Fields(raw)
	if len(fields) < 2 || len(fields) > 3 {
		return nil, invalid(raw, "expected 2 or 3 fields, got %d", len(fields))
	}
	e := &Entry{Raw: raw, Mode: ModeLocation}

	if len(fields) == 3 {
		switch strings.ToLower(fields[2]) {
		case "location":
		case "geofence":
			e.Mode = ModeGeofence
		default:
			return nil, invalid(raw, "unknown tracking mode %q", fields[2])
		}
	}

	switch {
	case len(fields[0]) == len("2006-01-02-15:04") && strings.Count(fields[0], "-") == 3:
		from, err := time.ParseInLocation("2006-01-02-15:04", fields[0], loc)
		if err != nil {
			return nil, invalid(raw, "bad start: %v", err)
		}
		until, err := time.ParseInLocation("2006-01-02-15:04", fields[1], loc)
		if err != nil {
			return nil, invalid(raw, "bad end: %v", err)
		}
		e.from, e.until, e.dated = from, until, true

	case len(fields[0]) == len("2006-01-02") && strings.Count(fields[0], "-") == 2:
		date, err := time.ParseInLocation("2006-01-02", fields[0], loc)
		if err != nil {
			return nil, invalid(raw, "bad date: %v", err)
		}
		start, end, err := parseSpan(fields[1])
		if err != nil {
			return nil, invalid(raw, "%v", err)
		}
		e.from = date.Add(time.Duration(start) * time.Minute)
		e.until = date.Add(time.Duration(end) * time.Minute)
		if end < start {
			e.until = e.until.AddDate(0, 0, 1)
		}
		e.dated = true

	default:
		days, err := parseDays(fields[0])
		if err != nil {
			return nil, invalid(raw, "%v", err)
		}
		start, end, err := parseSpan(fields[1])
		if err != nil {
			return nil, invalid(raw, "%v", err)
		}
		e.days, e.start, e.end = days, start, end
	}

	if e.dated && !e.until.After(e.from) {
		return nil, invalid(raw, "window ends before it starts")
	}
	return e, nil
}

// ParseAll parses every line, failing on the first invalid one.
func ParseAll(lines []string, loc *time.Location) ([]*Entry, error) {
	entries := make([]*Entry, 0, len(lines))
	for _, l := range lines {
		e, err := Parse(l, loc)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseDays(s string) ([8]bool, error) {
	var days [8]bool
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := parseDay(lo)
		if err != nil {
			return days, err
		}
		b := a
		if isRange {
			if b, err = parseDay(hi); err != nil {
				return days, err
			}
		}
		if b < a {
			return days, fmt.Errorf("day range %q is reversed", part)
		}
		for d := a; d <= b; d++ {
			days[d] = true
		}
	}
	return days, nil
}

func parseDay(s string) (int, error) {
	d, err := strconv.Atoi(s)
	if err != nil || d < 1 || d > 7 {
		return 0, fmt.Errorf("day %q must be 1 (Sunday) to 7 (Saturday)", s)
	}
	return d, nil
}

func parseSpan(s string) (int, int, error) {
	a, b, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("time span %q must be HH:mm-HH:mm", s)
	}
	start, err := parseClock(a)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(b)
	if err != nil {
		return 0, 0, err
	}
	if start == end {
		return 0, 0, fmt.Errorf("time span %q is empty", s)
	}
	return start, end, nil
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("time %q must be HH:mm", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return 0, fmt.Errorf("time %q: bad hour", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("time %q: bad minute", s)
	}
	total := hour*60 + minute
	if hour < 0 || total > minutesPerDay {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return total, nil
}
