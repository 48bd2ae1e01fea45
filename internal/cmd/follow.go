package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alptrack/alptrack/internal/config"
	"github.com/alptrack/alptrack/internal/follow"
	"github.com/alptrack/alptrack/internal/registry"
	"github.com/alptrack/alptrack/internal/runlog"
	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/samber/lo"
)

// Follow tails a run's stream file and prints one progress line per
// recorded entry, resuming from the offset saved on the last follow
type Follow struct {
	ConfigFile string
	LogLevel   string
	Stream     string
	FromStart  bool
}

func (f *Follow) Run() {
	var wg sync.WaitGroup
	logger := newLogger(f.LogLevel)

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

	conf, err := config.NewConfig(f.ConfigFile)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Cannot read config from %s", f.ConfigFile)
	}

	stream, _ := lo.Coalesce(f.Stream, conf.Run.StreamFile)
	if stream == "" {
		logger.Fatal().Msg("No stream file given. Set --stream or run.stream_file")
	}

	registrar, err := registry.GetRegistry(conf.GlobalConfig.RegistryDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}

	var offset int64
	if !f.FromStart {
		offset = registrar.Offsets[stream]
	}

	follower, err := follow.NewFollower(follow.FollowerOptions{
		File:   stream,
		Logger: logger,
		Offset: offset,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}

	entryChan := make(chan runlog.Entry, 1024)
	wg.Add(1)
	go func() {
		defer wg.Done()
		follower.Run([]chan runlog.Entry{entryChan})
	}()

out:
	for {
		select {
		case <-terminationSigs:
			follower.Close()
			break out

		case entry := <-entryChan:
			printEntry(entry)
		}
	}

	wg.Wait()

	// Entries still parked in the channel get printed before exit
drained:
	for {
		select {
		case entry := <-entryChan:
			printEntry(entry)
		default:
			break drained
		}
	}

	if err = registry.SaveLastPosition(conf.GlobalConfig.RegistryDir, map[string]int64{stream: follower.Offset}); err != nil {
		logger.Error().Err(err).Msg("")
		return
	}
	logger.Info().Msgf("Saved stream offset to %s", registrar.GetRegistryPath())
}

func printEntry(entry runlog.Entry) {
	fmt.Fprintf(os.Stdout, "%s  iteration=%-4d status=%-8s score=%.4f\n",
		entry.Timestamp.Format(time.RFC3339), entry.Iteration, entry.Status, entry.Score)
}
