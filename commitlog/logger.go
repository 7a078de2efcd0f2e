package commitlog

import "github.com/sirupsen/logrus"

// Logger is the logging facade the commitlog engine calls into, kept small
// enough that any structured logger can implement it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// logrusLogger adapts *logrus.Logger (or any FieldLogger) to the Logger
// interface.
type logrusLogger struct {
	entry logrus.FieldLogger
}

// NewLogger returns a Logger backed by logrus at the given level.
func NewLogger(level logrus.Level) Logger {
	l := logrus.New()
	l.SetLevel(level)
	return &logrusLogger{entry: l}
}

// NewSilentLogger returns a Logger that discards everything, used as the
// default when Options.Logger is unset.
func NewSilentLogger() Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return &logrusLogger{entry: l}
}

// WithFields returns a Logger that decorates every message with the given
// structured fields, e.g. segment name or topic-queue key.
func WithFields(base Logger, fields logrus.Fields) Logger {
	ll, ok := base.(*logrusLogger)
	if !ok {
		return base
	}
	return &logrusLogger{entry: ll.entry.WithFields(fields)}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
