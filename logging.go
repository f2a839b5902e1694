package fatfs

import "github.com/sirupsen/logrus"

// Logger is the process-wide concern the core consumes through an injected
// interface.
// It mirrors the subset of logrus.FieldLogger the engine needs, so a
// *logrus.Logger or *logrus.Entry can be passed directly as an Options.Log.
type Logger interface {
	WithFields(fields logrus.Fields) *logrus.Entry
	Warnf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// noopLogger discards everything. It is the default when Options.Log is nil,
// so the engine never has a hidden singleton logger.
type noopLogger struct{}

func (noopLogger) WithFields(logrus.Fields) *logrus.Entry {
	return logrus.NewEntry(&logrus.Logger{Out: nopWriter{}, Level: logrus.PanicLevel, Hooks: make(logrus.LevelHooks)})
}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Debugf(string, ...interface{}) {}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
