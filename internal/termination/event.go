package termination

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event captures the full context of a run's termination
type Event struct {
	EventID            string         `json:"event_id"`
	Reason             Reason         `json:"reason"`
	IterationCount     int            `json:"iteration_count"`
	Timestamp          time.Time      `json:"timestamp"`
	PerformanceMetrics map[string]any `json:"performance_metrics"`
	AdditionalContext  map[string]any `json:"additional_context"`
}

// NewEvent assembles a termination event, generating an event ID and
// stamping the current time
func NewEvent(reason Reason, iterationCount int, performanceMetrics map[string]any, additionalContext map[string]any) Event {
	if additionalContext == nil {
		additionalContext = map[string]any{}
	}
	return Event{
		EventID:            uuid.New().String(),
		Reason:             reason,
		IterationCount:     iterationCount,
		Timestamp:          time.Now(),
		PerformanceMetrics: performanceMetrics,
		AdditionalContext:  additionalContext,
	}
}

// EventLogger records termination events as standalone JSON documents,
// one file per event
type EventLogger struct {
	dir    string
	logger zerolog.Logger
}

type EventLoggerOptions struct {
	// Directory receiving termination_<event_id>.json files
	Dir    string
	Logger zerolog.Logger
}

func NewEventLogger(opts EventLoggerOptions) (*EventLogger, error) {
	if opts.Dir == "" {
		opts.Dir = "logs"
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create termination log directory %s: %w", opts.Dir, err)
	}
	return &EventLogger{
		dir:    opts.Dir,
		logger: opts.Logger,
	}, nil
}

// LogTermination writes a termination event to its own JSON file and
// emits one structured log line. It returns the written file's path
func (l *EventLogger) LogTermination(reason Reason, iterationCount int, performanceMetrics map[string]any, additionalContext map[string]any) (string, error) {
	event := NewEvent(reason, iterationCount, performanceMetrics, additionalContext)

	content, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return "", err
	}

	eventPath := filepath.Join(l.dir, fmt.Sprintf("termination_%s.json", event.EventID))
	if err = os.WriteFile(eventPath, content, 0644); err != nil {
		return "", fmt.Errorf("cannot write termination event %s: %w", eventPath, err)
	}

	l.logger.Info().
		Str("reason", string(event.Reason)).
		Int("iterations", event.IterationCount).
		Interface("metrics", event.PerformanceMetrics).
		Msg("ALP loop terminated")

	return eventPath, nil
}
