package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alptrack/alptrack/internal/analysis"
	"github.com/alptrack/alptrack/internal/config"
	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/alptrack/alptrack/internal/watcher"
	"github.com/samber/lo"
)

// Watch re-analyzes recorded run logs whenever they change on disk or
// a configured schedule fires, refreshing the report file each time
type Watch struct {
	ConfigFile string
	LogLevel   string
	LogDir     string
	Schedule   string
	Output     string
}

func (w *Watch) Run() {
	logger := newLogger(w.LogLevel)

	terminationSigs := make(chan os.Signal, 1)
	defer func() {
		signal.Stop(terminationSigs)
		close(terminationSigs)
	}()
	signal.Notify(terminationSigs, os.Interrupt, syscall.SIGTERM)

	closeMeterFunc, err := metrics.InitiateMetricProvider(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}
	defer closeMeterFunc()

	conf, err := config.NewConfig(w.ConfigFile)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Cannot read config from %s", w.ConfigFile)
	}

	logDir, _ := lo.Coalesce(w.LogDir, conf.GlobalConfig.LogDir)
	schedule, _ := lo.Coalesce(w.Schedule, conf.Analysis.Schedule)
	output, _ := lo.Coalesce(w.Output, conf.Analysis.ReportFile, "alptrack_report.json")

	// The parser creates the log directory if needed, so it has to come
	// up before the filesystem watch is registered on it
	parser, err := analysis.NewParser(analysis.ParserOptions{
		Dir:       logDir,
		ScorePath: conf.Analysis.ScorePath,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}

	logWatcher, err := watcher.NewWatcher(watcher.WatcherOptions{
		Logger:      logger,
		Dir:         logDir,
		Schedule:    schedule,
		IgnorePaths: []string{output},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}
	logWatcher.Run()

out:
	for {
		select {
		case <-terminationSigs:
			logWatcher.Close()
			break out

		case trigger := <-logWatcher.TriggerChan:
			report, err := parser.GenerateReport()
			if err != nil {
				logger.Error().Err(err).Msg("")
				continue
			}
			if err = analysis.WriteReport(report, output); err != nil {
				logger.Error().Err(err).Msg("")
				continue
			}
			logger.Info().
				Str("source", trigger.Source).
				Int("analyzed_files", report.TotalLogFiles).
				Msgf("Refreshed analysis report at %s", output)
		}
	}
}
