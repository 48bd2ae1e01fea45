package cmd

import (
	"path/filepath"
	"strings"

	"github.com/alptrack/alptrack/internal/config"
	"github.com/alptrack/alptrack/internal/ingest"
	"github.com/alptrack/alptrack/internal/runlog"
	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/samber/lo"
)

// Import converts a foreign log file into a native run log
type Import struct {
	ConfigFile string
	LogLevel   string
	Input      string
	Format     string
	Pattern    string
	TimeLayout string
	RunID      string
}

func (i *Import) Run() {
	logger := newLogger(i.LogLevel)

	closeMeterFunc, err := metrics.InitiateMetricProvider(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}
	defer closeMeterFunc()

	conf, err := config.NewConfig(i.ConfigFile)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Cannot read config from %s", i.ConfigFile)
	}

	converter, err := ingest.NewConverter(ingest.ConverterOptions{
		Format:     i.Format,
		Pattern:    i.Pattern,
		TimeLayout: i.TimeLayout,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}
	defer converter.Close()

	entries, err := converter.ConvertFile(i.Input)
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}

	// The input's base name stands in for a run ID when none is given
	runID, _ := lo.Coalesce(i.RunID, strings.TrimSuffix(filepath.Base(i.Input), filepath.Ext(i.Input)))

	runLogger, err := runlog.NewLogger(runlog.LoggerOptions{
		Dir:    conf.GlobalConfig.LogDir,
		RunID:  runID,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}

	for _, entry := range entries {
		if err = runLogger.Append(entry); err != nil {
			logger.Fatal().Err(err).Msg("")
		}
	}

	logger.Info().Msgf("Imported %d entries into %s", len(entries), runLogger.Path())
}
