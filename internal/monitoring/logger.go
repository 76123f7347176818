// Package monitoring holds the package-level diagnostic logger shared by the
// tracking engine. Output goes through Logf, which defaults to log.Printf.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Level is a verbosity threshold. It matches the logLevel configuration key.
type Level int32

const (
	LevelOff Level = iota
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
	LevelVerbose
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var level atomic.Int32

func init() {
	level.Store(int32(LevelInfo))
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetLevel sets the verbosity threshold. Values outside the known range are
// clamped.
func SetLevel(l Level) {
	if l < LevelOff {
		l = LevelOff
	}
	if l > LevelVerbose {
		l = LevelVerbose
	}
	level.Store(int32(l))
}

// CurrentLevel reports the active verbosity threshold.
func CurrentLevel() Level {
	return Level(level.Load())
}

// Enabled reports whether messages at l are written.
func Enabled(l Level) bool {
	return l != LevelOff && l <= CurrentLevel()
}

func logAt(l Level, format string, v ...interface{}) {
	if Enabled(l) {
		Logf(format, v...)
	}
}

func Errorf(format string, v ...interface{}) { logAt(LevelError, format, v...) }
func Warnf(format string, v ...interface{})  { logAt(LevelWarning, format, v...) }
func Infof(format string, v ...interface{})  { logAt(LevelInfo, format, v...) }
func Debugf(format string, v ...interface{}) { logAt(LevelDebug, format, v...) }

// Verbosef is for per-sample tracing (every fix, every acceleration window).
func Verbosef(format string, v ...interface{}) { logAt(LevelVerbose, format, v...) }
