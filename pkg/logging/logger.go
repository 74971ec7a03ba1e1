// Package logging holds the process-wide logger. Debug runs use a
// human-readable text format; normal runs emit JSON so seed logs can be
// shipped as-is.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the shared logger. InitLogger must run before first use.
var Log *logrus.Logger

func InitLogger(debug bool) {
	Log = logrus.New()
	Log.Out = os.Stdout

	if debug {
		Log.SetLevel(logrus.DebugLevel)
		Log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		Log.SetLevel(logrus.InfoLevel)
		Log.SetFormatter(&logrus.JSONFormatter{})
	}
}
