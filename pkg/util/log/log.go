package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the process-wide logger, a nop until InitLogger runs.
// Components receive their own logger through constructors; only early
// startup paths and tests reach for this one.
var Logger = kitlog.NewNopLogger()

// InitLogger builds the global logger from the configured format and level.
func InitLogger(logFormat string, logLevel dslog.Level) kitlog.Logger {
	writer := kitlog.NewSyncWriter(os.Stderr)
	logger := dslog.NewGoKitWithWriter(logFormat, writer)

	// Caller(5) lands on the call site of the level helpers
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// the filter must wrap last so rejected records never reach the
	// decorators above
	logger = level.NewFilter(logger, logLevel.Option)

	Logger = logger
	return logger
}
