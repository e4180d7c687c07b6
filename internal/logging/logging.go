// Package logging provides the leveled logger used across gfx-replay.
//
// It is a thin front over the standard library logger so that every
// component, including the BadgerDB-backed disk cache, writes through the
// same sink with a uniform "LEVEL message" line format.
package logging

import (
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Level is a log severity threshold.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

// ParseLevel maps a level name to a Level. Unknown names map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarning
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a leveled logger.
type Logger struct {
	out   *log.Logger
	level atomic.Int32
}

// New creates a logger writing to the given standard logger.
func New(out *log.Logger, level Level) *Logger {
	if out == nil {
		out = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	}
	l := &Logger{out: out}
	l.level.Store(int32(level))
	return l
}

// Default returns a logger writing to stderr at info level.
func Default() *Logger {
	return New(nil, LevelInfo)
}

// SetLevel changes the logging threshold.
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

func (l *Logger) logf(level Level, tag, format string, args ...interface{}) {
	if Level(l.level.Load()) > level {
		return
	}
	l.out.Printf(tag+format, args...)
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logf(LevelDebug, "DEBUG ", format, args...)
}

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logf(LevelInfo, "INFO  ", format, args...)
}

// Warningf logs at warning level.
func (l *Logger) Warningf(format string, args ...interface{}) {
	l.logf(LevelWarning, "WARN  ", format, args...)
}

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logf(LevelError, "ERROR ", format, args...)
}

// Badger adapts the logger to badger.Logger. Badger's own output is noisy,
// so its INFO/DEBUG lines are demoted to this logger's debug level.
func (l *Logger) Badger() *BadgerAdapter {
	return &BadgerAdapter{l: l}
}

// BadgerAdapter satisfies github.com/dgraph-io/badger/v4 Logger.
type BadgerAdapter struct {
	l *Logger
}

func (a *BadgerAdapter) Errorf(format string, args ...interface{}) {
	a.l.Errorf("badger: "+strings.TrimSuffix(format, "\n"), args...)
}

func (a *BadgerAdapter) Warningf(format string, args ...interface{}) {
	a.l.Warningf("badger: "+strings.TrimSuffix(format, "\n"), args...)
}

func (a *BadgerAdapter) Infof(format string, args ...interface{}) {
	a.l.Debugf("badger: "+strings.TrimSuffix(format, "\n"), args...)
}

func (a *BadgerAdapter) Debugf(format string, args ...interface{}) {
	a.l.Debugf("badger: "+strings.TrimSuffix(format, "\n"), args...)
}
