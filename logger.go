package sinkhole

import "github.com/sirupsen/logrus"

// Log is the package-wide logger. The CLI entrypoint sets its level from
// the -l/--log-level flag; library consumers can replace it outright.
var Log = logrus.New()

// logger returns a log entry pre-populated with the fields that are common
// to every request-scoped log line.
func logger(component string, ci ClientInfo) *logrus.Entry {
	return Log.WithFields(logrus.Fields{
		"component": component,
		"client":    ci.SourceIP,
		"listener":  ci.Listener,
	})
}
