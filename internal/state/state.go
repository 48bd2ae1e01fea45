package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alptrack/alptrack/internal/runlog"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Status of a tracked iteration's lifecycle
type Status string

const (
	// Initial and pending
	StatusInitialized Status = "INITIALIZED"
	StatusPending     Status = "PENDING"
	// Active
	StatusInProgress Status = "IN_PROGRESS"
	StatusRunning    Status = "RUNNING"
	// Terminal
	StatusCompleted   Status = "COMPLETED"
	StatusTerminated  Status = "TERMINATED"
	StatusInterrupted Status = "INTERRUPTED"
	// Errored
	StatusError  Status = "ERROR"
	StatusFailed Status = "FAILED"
)

var validStatuses = map[Status]struct{}{
	StatusInitialized: {},
	StatusPending:     {},
	StatusInProgress:  {},
	StatusRunning:     {},
	StatusCompleted:   {},
	StatusTerminated:  {},
	StatusInterrupted: {},
	StatusError:       {},
	StatusFailed:      {},
}

func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if _, ok := validStatuses[status]; !ok {
		return "", fmt.Errorf("unknown iteration status %q", raw)
	}
	return status, nil
}

// State captures one iteration's lifecycle, configuration and outcome
type State struct {
	IterationID   string         `json:"iteration_id"`
	Status        Status         `json:"status"`
	StartTime     *time.Time     `json:"start_time"`
	EndTime       *time.Time     `json:"end_time"`
	Configuration map[string]any `json:"configuration"`
	Metrics       map[string]any `json:"metrics"`
	ErrorDetails  string         `json:"error_details"`
	Context       map[string]any `json:"context"`
}

// New returns a pending state for the given iteration ID
func New(iterationID string) *State {
	return &State{
		IterationID:   iterationID,
		Status:        StatusPending,
		Configuration: map[string]any{},
		Metrics:       map[string]any{},
		Context:       map[string]any{},
	}
}

// MarkStarted transitions the iteration to RUNNING and records the
// start time
func (s *State) MarkStarted() {
	now := time.Now()
	s.Status = StatusRunning
	s.StartTime = &now
}

// MarkCompleted transitions the iteration to COMPLETED and records the
// end time
func (s *State) MarkCompleted() {
	now := time.Now()
	s.Status = StatusCompleted
	s.EndTime = &now
}

// MarkFailed transitions the iteration to FAILED, keeping the failure's
// description
func (s *State) MarkFailed(errorMessage string) {
	now := time.Now()
	s.Status = StatusFailed
	s.EndTime = &now
	s.ErrorDetails = errorMessage
}

// MarkInterrupted transitions the iteration to INTERRUPTED
func (s *State) MarkInterrupted() {
	now := time.Now()
	s.Status = StatusInterrupted
	s.EndTime = &now
}

// UnmarshalJSON validates the status and accepts zone-less timestamps
// from older state files
func (s *State) UnmarshalJSON(data []byte) error {
	var raw struct {
		IterationID   string         `json:"iteration_id"`
		Status        string         `json:"status"`
		StartTime     *string        `json:"start_time"`
		EndTime       *string        `json:"end_time"`
		Configuration map[string]any `json:"configuration"`
		Metrics       map[string]any `json:"metrics"`
		ErrorDetails  string         `json:"error_details"`
		Context       map[string]any `json:"context"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	status, err := ParseStatus(raw.Status)
	if err != nil {
		return err
	}

	s.IterationID = raw.IterationID
	s.Status = status
	s.ErrorDetails = raw.ErrorDetails

	for _, ts := range []struct {
		raw  *string
		dest **time.Time
	}{
		{raw.StartTime, &s.StartTime},
		{raw.EndTime, &s.EndTime},
	} {
		if ts.raw == nil || *ts.raw == "" {
			continue
		}
		parsed, err := runlog.ParseTimestamp(*ts.raw)
		if err != nil {
			return err
		}
		*ts.dest = &parsed
	}

	// Maps stay non-nil so callers can assign without guarding
	s.Configuration = lo.Ternary(raw.Configuration != nil, raw.Configuration, map[string]any{})
	s.Metrics = lo.Ternary(raw.Metrics != nil, raw.Metrics, map[string]any{})
	s.Context = lo.Ternary(raw.Context != nil, raw.Context, map[string]any{})

	return nil
}

// Manager persists iteration states as one JSON file per iteration
type Manager struct {
	dir    string
	logger zerolog.Logger
}

type ManagerOptions struct {
	// Directory holding per-iteration state files
	Dir    string
	Logger zerolog.Logger
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Dir == "" {
		opts.Dir = "iteration_states"
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create state directory %s: %w", opts.Dir, err)
	}
	return &Manager{
		dir:    opts.Dir,
		logger: opts.Logger,
	}, nil
}

func (m *Manager) statePath(iterationID string) string {
	return filepath.Join(m.dir, iterationID+".json")
}

// Save writes a state file atomically
func (m *Manager) Save(state *State) error {
	if state.IterationID == "" {
		return fmt.Errorf("state has no iteration ID")
	}

	content, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(m.dir, state.IterationID+"-*.tmp")
	if err != nil {
		return err
	}
	if _, err = tmpFile.Write(content); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return err
	}
	if err = tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return err
	}
	if err = os.Rename(tmpFile.Name(), m.statePath(state.IterationID)); err != nil {
		return err
	}

	m.logger.Debug().
		Str("iteration_id", state.IterationID).
		Str("status", string(state.Status)).
		Msg("Persisted iteration state")

	return nil
}

// Load reads one iteration's state. A missing state file yields nil
// without an error
func (m *Manager) Load(iterationID string) (*State, error) {
	content, err := os.ReadFile(m.statePath(iterationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var state State
	if err = json.Unmarshal(content, &state); err != nil {
		return nil, fmt.Errorf("malformed state file for iteration %s: %w", iterationID, err)
	}
	return &state, nil
}

// States returns every persisted iteration state, ordered by filename
func (m *Manager) States() ([]*State, error) {
	stateFiles, err := filepath.Glob(filepath.Join(m.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(stateFiles)

	states := make([]*State, 0, len(stateFiles))
	for _, stateFile := range stateFiles {
		content, err := os.ReadFile(stateFile)
		if err != nil {
			return nil, err
		}
		var state State
		if err = json.Unmarshal(content, &state); err != nil {
			return nil, fmt.Errorf("malformed state file %s: %w", stateFile, err)
		}
		states = append(states, &state)
	}

	return states, nil
}

// StatesByStatus returns persisted states currently in the given status
func (m *Manager) StatesByStatus(status Status) ([]*State, error) {
	states, err := m.States()
	if err != nil {
		return nil, err
	}
	return lo.Filter(states, func(state *State, _ int) bool {
		return state.Status == status
	}), nil
}
