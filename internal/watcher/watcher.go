package watcher

import (
	"context"
	"path/filepath"
	"time"

	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const defaultDebounce = 500 * time.Millisecond

// TriggerEvent asks the consumer to run a fresh analysis pass.
type TriggerEvent struct {
	Source string // "startup", "filesystem" or "schedule"
	Path   string // file that changed, when filesystem-sourced
}

type Watcher struct {
	ctx         context.Context
	cancelFunc  context.CancelFunc
	watcher     *fsnotify.Watcher
	scheduler   *cron.Cron
	logger      zerolog.Logger
	debounce    time.Duration
	ignorePaths []string
	TriggerChan chan TriggerEvent // Channel to relay analysis triggers
}

type WatcherOptions struct {
	Logger      zerolog.Logger
	Dir         string        // Log directory to monitor for completed run log files
	Schedule    string        // Optional cron expression for periodic triggers
	Debounce    time.Duration // Quiet period to coalesce bursts of file events
	IgnorePaths []string      // Files whose events never trigger, e.g. the analysis report itself
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = fsWatcher.Add(opts.Dir); err != nil {
		return nil, err
	}

	debounce := opts.Debounce
	if debounce == 0 {
		debounce = defaultDebounce
	}

	ctx, cancelFunc := context.WithCancel(context.Background())

	w := &Watcher{
		ctx:         ctx,
		cancelFunc:  cancelFunc,
		watcher:     fsWatcher,
		logger:      opts.Logger,
		debounce:    debounce,
		ignorePaths: opts.IgnorePaths,
		TriggerChan: make(chan TriggerEvent),
	}

	// Only create scheduler when a cron expression is configured
	if opts.Schedule != "" {
		scheduler := cron.New()
		if _, err := scheduler.AddFunc(opts.Schedule, func() {
			select {
			case w.TriggerChan <- TriggerEvent{Source: "schedule"}:
			case <-w.ctx.Done():
			}
		}); err != nil {
			return nil, err
		}
		w.scheduler = scheduler
	}

	// Submit metrics on newly initialized watcher
	metrics.Meters.InitializedComponents["watcher"].Add(ctx, 1)

	return w, nil
}

func (w *Watcher) Close() {
	// Submit metrics on closed watcher
	metrics.Meters.InitializedComponents["watcher"].Add(w.ctx, -1)

	w.cancelFunc()
}

func (w *Watcher) Cleanup() error {
	if w.scheduler != nil {
		w.scheduler.Stop()
	}

	return w.watcher.Close()
}

func (w *Watcher) Run() {
	if w.scheduler != nil {
		w.scheduler.Start()
	}

	go func() {
		debounce := time.NewTimer(w.debounce)
		if !debounce.Stop() {
			<-debounce.C
		}
		var pendingPath string

		// Initial trigger so pre-existing log files get analyzed once at startup
		select {
		case w.TriggerChan <- TriggerEvent{Source: "startup"}:
		case <-w.ctx.Done():
		}

		for {
			select {
			case <-w.ctx.Done():
				if err := w.Cleanup(); err != nil {
					w.logger.Error().Err(err).Msg("")
				}
				return

			case event, ok := <-w.watcher.Events:
				if !ok {
					continue
				}
				// Only completed run log files are interesting
				if filepath.Ext(event.Name) != ".json" || lo.Contains(w.ignorePaths, event.Name) {
					continue
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
					pendingPath = event.Name
					// Coalesce bursts of writes into a single trigger
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(w.debounce)
				}

			case <-debounce.C:
				select {
				case w.TriggerChan <- TriggerEvent{Source: "filesystem", Path: pendingPath}:
				case <-w.ctx.Done():
				}

			case err, ok := <-w.watcher.Errors:
				if !ok {
					continue
				}
				w.logger.Error().Err(err).Msg("")
			}
		}
	}()
}

func (w *Watcher) GetWatcher() *fsnotify.Watcher {
	return w.watcher
}
