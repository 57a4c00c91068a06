package definition

import (
	"github.com/sirupsen/logrus"
)

// LogrusLogger adapts a *logrus.Logger to types.Logger, for hosts that
// want structured fields on scan-cycle and gossip-round summaries
// instead of the plain-text DefaultLogger.
type LogrusLogger struct {
	entry *logrus.Logger
}

// NewLogrusLogger wraps l. A nil l gets a logrus.New() with default
// settings.
func NewLogrusLogger(l *logrus.Logger) *LogrusLogger {
	if l == nil {
		l = logrus.New()
	}
	return &LogrusLogger{entry: l}
}

func (l *LogrusLogger) Info(v ...interface{})                  { l.entry.Info(v...) }
func (l *LogrusLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *LogrusLogger) Warn(v ...interface{})                  { l.entry.Warn(v...) }
func (l *LogrusLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *LogrusLogger) Error(v ...interface{})                 { l.entry.Error(v...) }
func (l *LogrusLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }
func (l *LogrusLogger) Debug(v ...interface{})                 { l.entry.Debug(v...) }
func (l *LogrusLogger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *LogrusLogger) Fatal(v ...interface{})                 { l.entry.Fatal(v...) }
func (l *LogrusLogger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }

// WithFields returns a logrus.Entry for call sites that want to attach
// structured context (scan counts, cache sizes) before logging, in the
// style used throughout mrd0ll4r-ipfs-crawler's crawlmanager.go.
func (l *LogrusLogger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.entry.WithFields(fields)
}
