package cmd

import (
	"os"

	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// newLogger builds the console logger shared by all modes. Internal
// errors surfacing through it are counted by the metric hook
func newLogger(logLevel string) zerolog.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).
		Hook(metrics.InternalErrorLoggerHook{})
}
