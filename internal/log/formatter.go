// Package log provides logrus formatter configuration for fieldsync.
package log

import (
	"github.com/sirupsen/logrus"
)

// NewFormatter returns the log formatter used by all fieldsync binaries.
// When json is true, entries are emitted as JSON for log shippers;
// otherwise a timestamped text format is used.
func NewFormatter(json bool) logrus.Formatter {
	if json {
		return &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		PadLevelText:    true,
	}
}
