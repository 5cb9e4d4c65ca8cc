// Package log provides the leveled logging surface used throughout the
// emulator. It is a thin wrapper over logrus so call sites read the way
// gvisor's pkg/log call sites do (Infof/Warningf/Debugf) while the
// formatting and output plumbing is a real, widely used library rather
// than a hand-rolled one.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

var std = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})
	return l
}

// SetLevel sets the minimum level of messages that will be emitted.
func SetLevel(debug bool) {
	if debug {
		std.SetLevel(logrus.DebugLevel)
		return
	}
	std.SetLevel(logrus.InfoLevel)
}

// Debugf logs at debug level. Used for per-instruction and per-syscall
// tracing toggles.
func Debugf(format string, args ...interface{}) {
	std.Debugf(format, args...)
}

// Infof logs at info level.
func Infof(format string, args ...interface{}) {
	std.Infof(format, args...)
}

// Warningf logs at warning level.
func Warningf(format string, args ...interface{}) {
	std.Warnf(format, args...)
}

// Warning logs a single warning-level string.
func Warning(msg string) {
	std.Warn(msg)
}
