package tracker

import (
	"fmt"
	"sync"

	"github.com/alptrack/alptrack/internal/state"
	"github.com/rs/zerolog"
)

// Tracker drives the progression of an adaptive learning run, guarding
// iteration counts and lifecycle transitions
type Tracker struct {
	mu       sync.Mutex
	current  int
	limit    int
	status   state.Status
	metadata map[string]any
	logger   zerolog.Logger
}

type TrackerOptions struct {
	// Zero means unlimited iterations
	MaxIterations int
	Logger        zerolog.Logger
}

func NewTracker(opts TrackerOptions) *Tracker {
	return &Tracker{
		limit:    opts.MaxIterations,
		status:   state.StatusInitialized,
		metadata: map[string]any{},
		logger:   opts.Logger,
	}
}

// Start begins the iteration process. Starting twice is an error
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != state.StatusInitialized {
		return fmt.Errorf("iteration process has already been started")
	}

	t.status = state.StatusInProgress
	t.logger.Info().Msg("Iteration process started")

	return nil
}

// Advance moves to the next iteration. It reports false once the
// iteration limit is exhausted, completing the run as a side effect
func (t *Tracker) Advance() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != state.StatusInProgress {
		return false, fmt.Errorf("iteration process is not in progress")
	}

	t.current++

	if t.limit > 0 && t.current > t.limit {
		t.current = t.limit
		t.complete()
		return false, nil
	}

	t.logger.Info().Int("iteration", t.current).Msg("Starting iteration")

	return true, nil
}

// Complete marks the iteration process as finished
func (t *Tracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.complete()
}

func (t *Tracker) complete() {
	t.status = state.StatusCompleted
	t.logger.Info().Msg("Iteration process completed successfully")
}

// Terminate stops the iteration process prematurely, recording the
// reason in the tracker's metadata
func (t *Tracker) Terminate(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = state.StatusTerminated
	if reason != "" {
		t.metadata["termination_reason"] = reason
	}
	t.logger.Warn().Str("reason", reason).Msg("Iteration process terminated")
}

// Error marks the iteration process as errored
func (t *Tracker) Error(errorDetails string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = state.StatusError
	t.logger.Error().Str("error_details", errorDetails).Msg("Iteration process encountered an error")
}

// Current returns the current iteration number
func (t *Tracker) Current() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Status returns the tracker's lifecycle status
func (t *Tracker) Status() state.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetMetadata attaches an arbitrary key-value pair to the run
func (t *Tracker) SetMetadata(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metadata[key] = value
}

// Metadata retrieves a metadata value, falling back to the given
// default when the key is absent
func (t *Tracker) Metadata(key string, defaultValue any) any {
	t.mu.Lock()
	defer t.mu.Unlock()

	if value, ok := t.metadata[key]; ok {
		return value
	}
	return defaultValue
}

// Allowed reports whether another iteration may run
func (t *Tracker) Allowed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.status == state.StatusInProgress &&
		(t.limit == 0 || t.current < t.limit)
}
