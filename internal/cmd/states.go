package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/alptrack/alptrack/internal/config"
	"github.com/alptrack/alptrack/internal/state"
	"github.com/alptrack/alptrack/internal/telemetry/metrics"
)

// States lists persisted iteration states, optionally narrowed to one
// status
type States struct {
	ConfigFile string
	LogLevel   string
	Status     string
}

func (s *States) Run() {
	logger := newLogger(s.LogLevel)

	closeMeterFunc, err := metrics.InitiateMetricProvider(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}
	defer closeMeterFunc()

	conf, err := config.NewConfig(s.ConfigFile)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Cannot read config from %s", s.ConfigFile)
	}

	manager, err := state.NewManager(state.ManagerOptions{
		Dir:    conf.GlobalConfig.StateDir,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}

	var states []*state.State
	if s.Status != "" {
		status, parseErr := state.ParseStatus(s.Status)
		if parseErr != nil {
			logger.Fatal().Err(parseErr).Msg("")
		}
		states, err = manager.StatesByStatus(status)
	} else {
		states, err = manager.States()
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}

	for _, st := range states {
		fmt.Fprintln(os.Stdout, formatState(st))
	}
	logger.Info().Msgf("Listed %d iteration states from %s", len(states), conf.GlobalConfig.StateDir)
}

func formatState(st *state.State) string {
	line := fmt.Sprintf("%-40s %-12s", st.IterationID, st.Status)
	if st.StartTime != nil {
		line += "  started=" + st.StartTime.Format(time.RFC3339)
	}
	if st.EndTime != nil {
		line += "  ended=" + st.EndTime.Format(time.RFC3339)
	}
	if st.ErrorDetails != "" {
		line += "  error=" + st.ErrorDetails
	}
	return line
}
