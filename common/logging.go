// Package common provides shared logging infrastructure for the engine.
//
// The global Logger routes error-level lines to stderr and everything else
// to stdout so containerized deployments can treat the two streams
// differently. All packages derive component-scoped entries from it via
// ComponentLogger.
package common

import (
	"bytes"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level marker. It operates on the final formatted output, so it works
// with both the text and JSON formatters.
type OutputSplitter struct{}

// Write implements io.Writer. Lines containing an error-level marker go to
// stderr; everything else goes to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte(`level=error`)) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the engine. Services should use
// this instance (or entries derived from it) for consistent formatting and
// output routing.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogging applies level and format settings from configuration.
// Unknown levels fall back to info; format is "json" or "text".
func ConfigureLogging(level, format string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// ComponentLogger returns an entry scoped to a named engine component.
func ComponentLogger(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}
