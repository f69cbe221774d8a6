// Package logging provides the Logger facade shared by every package in
// this daemon (queue, channel, group adapter, watchdog, daemon), kept
// separate from package colo so that colo, qmp, and group can all
// depend on it without an import cycle.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging facade used across every package in this daemon.
// The shape mirrors the interface logrus exposes to its
// callers, so every subsystem (queue, channel, group adapter, watchdog)
// logs through the same small surface regardless of backing
// implementation.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})

	// ToggleDebug enables (true) or disables (false) debug-level logging
	// and returns the new state.
	ToggleDebug(value bool) bool
}

// LogrusLogger is the default Logger, backed by logrus with an optional
// rotating file sink and an optional syslog hook.
type LogrusLogger struct {
	entry *logrus.Entry
	base  *logrus.Logger
}

// NewLogger builds the default logger. logPath is the destination for
// colod.log (rotated via lumberjack); an empty path logs to stderr only.
func NewLogger(logPath string, syslogHook logrus.Hook) *LogrusLogger {
	base := logrus.New()
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.InfoLevel)

	var out io.Writer = os.Stderr
	if logPath != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		})
	}
	base.SetOutput(out)

	if syslogHook != nil {
		base.AddHook(syslogHook)
	}

	return &LogrusLogger{entry: logrus.NewEntry(base), base: base}
}

// NewTraceLogger builds a second, independent debug-level logger writing
// only to its own file, standing in for the original daemon's trace.log.
func NewTraceLogger(tracePath string) *LogrusLogger {
	base := logrus.New()
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.DebugLevel)
	base.SetOutput(&lumberjack.Logger{
		Filename:   tracePath,
		MaxSize:    10,
		MaxBackups: 1,
	})
	return &LogrusLogger{entry: logrus.NewEntry(base), base: base}
}

func (l *LogrusLogger) Info(v ...interface{})  { l.entry.Info(v...) }
func (l *LogrusLogger) Warn(v ...interface{})  { l.entry.Warn(v...) }
func (l *LogrusLogger) Error(v ...interface{}) { l.entry.Error(v...) }
func (l *LogrusLogger) Debug(v ...interface{}) { l.entry.Debug(v...) }
func (l *LogrusLogger) Fatal(v ...interface{}) { l.entry.Fatal(v...) }

func (l *LogrusLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *LogrusLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *LogrusLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }
func (l *LogrusLogger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *LogrusLogger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }

func (l *LogrusLogger) ToggleDebug(value bool) bool {
	if value {
		l.base.SetLevel(logrus.DebugLevel)
	} else {
		l.base.SetLevel(logrus.InfoLevel)
	}
	return value
}

// WithField returns a child entry-scoped logger, e.g. per-connection or
// per-peer, keeping the structured field attached to every line.
func (l *LogrusLogger) WithField(key string, value interface{}) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithField(key, value), base: l.base}
}

// NullLogger discards everything; used in tests that don't assert on log
// output and don't want goroutine-leak-sensitive io noise.
type NullLogger struct{ debug bool }

func NewNullLogger() *NullLogger { return &NullLogger{} }

func (n *NullLogger) Info(v ...interface{})                  {}
func (n *NullLogger) Infof(format string, v ...interface{})  {}
func (n *NullLogger) Warn(v ...interface{})                  {}
func (n *NullLogger) Warnf(format string, v ...interface{})  {}
func (n *NullLogger) Error(v ...interface{})                 {}
func (n *NullLogger) Errorf(format string, v ...interface{}) {}
func (n *NullLogger) Debug(v ...interface{})                 {}
func (n *NullLogger) Debugf(format string, v ...interface{}) {}
func (n *NullLogger) Fatal(v ...interface{})                 { panic(fmt.Sprint(v...)) }
func (n *NullLogger) Fatalf(format string, v ...interface{}) { panic(fmt.Sprintf(format, v...)) }
func (n *NullLogger) ToggleDebug(value bool) bool            { n.debug = value; return value }
