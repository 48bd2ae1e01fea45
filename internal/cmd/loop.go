package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/alptrack/alptrack/internal/config"
	"github.com/alptrack/alptrack/internal/runner"
	"github.com/alptrack/alptrack/internal/telemetry/metrics"
)

// Loop drives the adaptive learning loop until the run terminates on
// its own or a stop signal arrives. SIGHUP winds the current runner
// down and rebuilds it from a freshly read config
type Loop struct {
	ConfigFile string
	LogLevel   string
}

func (l *Loop) Run() {
	var (
		mainRunner         *runner.Runner
		wg                 sync.WaitGroup
		logger             = newLogger(l.LogLevel)
		doneChan           chan struct{}
		terminationSigs    = make(chan os.Signal, 1)
		doneCleanupChan    = make(chan struct{}, 1)
		reloadedConfigChan = make(chan *config.Config, 1) // Only allow 1 reload attempt at the same time
	)

	// Intercept termination signals like Ctrl-C
	// Graceful shutdown and cleanup resources (goroutines and channels)
	defer func() {
		signal.Stop(terminationSigs)
		close(terminationSigs)
	}()
	signal.Notify(terminationSigs, os.Interrupt, syscall.SIGTERM)

	// Instantiate OpenTelemetry's global metric provider
	// It will shut down once the loop breaks out as well
	// Persisting throughout reloads
	closeMeterFunc, err := metrics.InitiateMetricProvider(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}
	defer closeMeterFunc()

	// Seeding the reload channel makes the first runner come up through
	// the same path a SIGHUP rebuild takes
	reloadSigs := make(chan os.Signal, 1)
	reloadSigs <- syscall.SIGHUP
	defer func() {
		signal.Stop(reloadSigs)
		close(reloadSigs)
	}()
	signal.Notify(reloadSigs, syscall.SIGHUP)

	// Blocks the main goroutine to handle graceful reload and
	// termination, or until the run finishes on its own
out:
	for {
		select {

		case <-terminationSigs:
			if mainRunner != nil {
				select {
				case <-doneCleanupChan:
					// The run already finished on its own
				default:
					doneChan <- struct{}{}
					<-doneCleanupChan
				}
			}
			break out

		case <-reloadSigs:
			if mainRunner != nil {
				select {
				case <-doneCleanupChan:
				default:
					doneChan <- struct{}{}
					<-doneCleanupChan
				}
			}

			// Submit metrics on received restart signals
			metrics.Meters.ReceivedRestartCount.Add(context.Background(), 1)

			// Read newly reloaded config from changed file
			conf, err := config.NewConfig(l.ConfigFile)
			if err != nil {
				logger.Fatal().Err(err).Msgf("Cannot read config from %s", l.ConfigFile)
			}
			logger.Info().Msgf("Finish reading config %s", l.ConfigFile)

			// Sent new conf to channel
			reloadedConfigChan <- conf

		// Recreate runner after receiving reload signal
		case conf := <-reloadedConfigChan:
			// A fresh stop channel per runner generation, so a stale
			// stop can't cancel the next run
			doneChan = make(chan struct{}, 1)
			mainRunner = runner.NewRunner(runner.RunnerOptions{
				DoneChan: doneChan,
				Logger:   logger,
				Config:   conf,
			})
			// A non-block op, will allow goroutine to listen for upcoming reload signal
			wg.Add(1)
			go func(r *runner.Runner) {
				defer wg.Done()
				doneCleanupChan <- r.Run()
			}(mainRunner)

		// The run completed, aborted or hit a termination condition
		case <-doneCleanupChan:
			break out
		}
	}

	// Wait until the main runner's goroutine has been closed
	wg.Wait()
}
