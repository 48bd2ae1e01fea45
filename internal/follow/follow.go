package follow

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"

	"github.com/alptrack/alptrack/internal/runlog"
	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/nxadm/tail"
	"github.com/rs/zerolog"
)

// Follower tails a run's NDJSON stream file and emits parsed entries
// downstream. Offsets survive restarts through the registry.
type Follower struct {
	mu         sync.Mutex
	Tail       *tail.Tail
	Offset     int64
	ctx        context.Context
	cancelFunc context.CancelFunc
	logger     zerolog.Logger
}

type FollowerOptions struct {
	File   string
	Logger zerolog.Logger
	Offset int64
}

func NewFollower(followerOptions FollowerOptions) (*Follower, error) {
	// Logger for the underlying tail's output
	followLogger := log.New(
		followerOptions.Logger.With().Str("source", "follower").Logger(),
		"",
		log.Default().Flags(),
	)

	// Set offset to continue, if halted before
	var location *tail.SeekInfo
	if followerOptions.Offset != 0 {
		location = &tail.SeekInfo{
			Offset: followerOptions.Offset,
			Whence: io.SeekStart,
		}
	}

	// Create tailer on the stream file
	tailer, err := tail.TailFile(
		followerOptions.File,
		tail.Config{
			Follow:   true,
			ReOpen:   true,
			Logger:   followLogger,
			Location: location,
		},
	)
	if err != nil {
		return nil, err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())

	// Submit metrics on newly initialized follower
	metrics.Meters.InitializedComponents["follower"].Add(ctx, 1)

	return &Follower{
		ctx:        ctx,
		cancelFunc: cancelFunc,
		Tail:       tailer,
		logger:     followerOptions.Logger,
	}, nil
}

func (f *Follower) Run(transformChans []chan runlog.Entry) {
	for {
		select {

		// Close down all activities once receiving termination signals
		case <-f.ctx.Done():
			if err := f.Cleanup(); err != nil {
				f.logger.Error().Err(err).Msg("")
			}
			return

		case line := <-f.Tail.Lines:
			// Discard unrecognized tailed message
			if line == nil || line.Text == "" {
				continue
			}

			// Stream files hold one JSON-marshalled entry per line
			var entry runlog.Entry
			if err := json.Unmarshal([]byte(line.Text), &entry); err != nil {
				f.logger.Warn().Err(err).Msg("Skipped malformed stream line")
				continue
			}

			// Submit metrics
			metrics.Meters.FollowedEntryCount.Add(f.ctx, 1)

			// Relay parsed entry to next components in the pipeline
			for _, transformChan := range transformChans {
				transformChan <- entry
			}
		}
	}
}

func (f *Follower) Cleanup() error {
	return f.Tail.Stop()
}

// GetLastReadPosition queries the current read offset in the followed
// stream file and memoizes it for registry persistence
func (f *Follower) GetLastReadPosition() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	offset, err := f.Tail.Tell()
	if err == nil {
		f.Offset = offset
	}
	return offset, err
}

func (f *Follower) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Submit metrics on closed follower
	metrics.Meters.InitializedComponents["follower"].Add(f.ctx, -1)

	// Register last read position before cancellation stops the tail
	offset, err := f.Tail.Tell()
	if err != nil {
		f.logger.Error().Err(err).Msg("")
	}
	f.Offset = offset

	f.cancelFunc()
}
