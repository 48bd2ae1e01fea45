package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/alptrack/alptrack/internal/analysis"
	"github.com/alptrack/alptrack/internal/config"
	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/samber/lo"
)

// Analyze produces a one-shot performance report over recorded run logs
type Analyze struct {
	ConfigFile string
	LogLevel   string
	LogDir     string
	ScorePath  string
	Output     string
}

func (a *Analyze) Run() {
	logger := newLogger(a.LogLevel)

	closeMeterFunc, err := metrics.InitiateMetricProvider(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}
	defer closeMeterFunc()

	conf, err := config.NewConfig(a.ConfigFile)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Cannot read config from %s", a.ConfigFile)
	}

	// Flags take precedence over the configured analysis section
	logDir, _ := lo.Coalesce(a.LogDir, conf.GlobalConfig.LogDir)
	scorePath, _ := lo.Coalesce(a.ScorePath, conf.Analysis.ScorePath)
	output, _ := lo.Coalesce(a.Output, conf.Analysis.ReportFile)

	parser, err := analysis.NewParser(analysis.ParserOptions{
		Dir:       logDir,
		ScorePath: scorePath,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}

	report, err := parser.GenerateReport()
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}

	content, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}
	fmt.Fprintln(os.Stdout, string(content))

	if output != "" {
		if err = analysis.WriteReport(report, output); err != nil {
			logger.Fatal().Err(err).Msg("")
		}
		logger.Info().Msgf("Saved analysis report to %s", output)
	}
}
