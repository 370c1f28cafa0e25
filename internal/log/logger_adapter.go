package log

import (
	"github.com/sirupsen/logrus"
)

// entryLogger is a Logger over a logrus entry. The leveled methods are
// promoted from the entry; the field methods rewrap so chains stay Logger.
type entryLogger struct {
	*logrus.Entry
}

// FromLogrus wraps a logrus logger. Tests use it with hooks/test.
func FromLogrus(l *logrus.Logger) Logger {
	return entryLogger{logrus.NewEntry(l)}
}

func (l entryLogger) WithField(field string, value interface{}) Logger {
	return entryLogger{l.Entry.WithField(field, value)}
}

func (l entryLogger) WithFields(fields map[string]interface{}) Logger {
	return entryLogger{l.Entry.WithFields(fields)}
}

func (l entryLogger) WithError(err error) Logger {
	return entryLogger{l.Entry.WithError(err)}
}

func (l entryLogger) IsTraceEnabled() bool { return l.Logger.IsLevelEnabled(logrus.TraceLevel) }
func (l entryLogger) IsDebugEnabled() bool { return l.Logger.IsLevelEnabled(logrus.DebugLevel) }
func (l entryLogger) IsInfoEnabled() bool  { return l.Logger.IsLevelEnabled(logrus.InfoLevel) }
