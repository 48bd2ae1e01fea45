package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/valyala/fastjson"
)

// Status of a recorded iteration
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusError   Status = "error"
)

// Entry is a single recorded iteration of an adaptive learning run
type Entry struct {
	Timestamp time.Time          `json:"timestamp"`
	Iteration int                `json:"iteration"`
	Status    Status             `json:"status"`
	Score     float64            `json:"performance_score"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Context   map[string]string  `json:"context,omitempty"`
}

// Timestamps in run logs produced by older tooling carry no zone offset
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func ParseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// UnmarshalJSON accepts "iteration_number" as an alias for "iteration"
// and zone-less timestamps
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp       string             `json:"timestamp"`
		Iteration       *int               `json:"iteration"`
		IterationNumber *int               `json:"iteration_number"`
		Status          Status             `json:"status"`
		Score           float64            `json:"performance_score"`
		Metrics         map[string]float64 `json:"metrics"`
		Context         map[string]string  `json:"context"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.Timestamp != "" {
		ts, err := ParseTimestamp(raw.Timestamp)
		if err != nil {
			return err
		}
		e.Timestamp = ts
	}

	switch {
	case raw.Iteration != nil:
		e.Iteration = *raw.Iteration
	case raw.IterationNumber != nil:
		e.Iteration = *raw.IterationNumber
	}

	e.Status = raw.Status
	e.Score = raw.Score
	e.Metrics = raw.Metrics
	e.Context = raw.Context

	return nil
}

// EntryFromJSONValue builds an Entry from an already-parsed JSON object,
// accepting the "iteration_number" alias and folding stray numeric fields
// from foreign writers into the entry's metrics
func EntryFromJSONValue(value *fastjson.Value) (Entry, error) {
	var entry Entry

	o, err := value.Object()
	if err != nil {
		return entry, err
	}

	var visitErr error
	o.Visit(func(k []byte, v *fastjson.Value) {
		if visitErr != nil {
			return
		}
		switch string(k) {
		case "timestamp":
			raw, err := v.StringBytes()
			if err != nil {
				visitErr = err
				return
			}
			ts, err := ParseTimestamp(string(raw))
			if err != nil {
				visitErr = err
				return
			}
			entry.Timestamp = ts
		case "iteration", "iteration_number":
			iteration, err := v.Int()
			if err != nil {
				visitErr = err
				return
			}
			entry.Iteration = iteration
		case "status":
			raw, err := v.StringBytes()
			if err != nil {
				visitErr = err
				return
			}
			entry.Status = Status(raw)
		case "performance_score":
			score, err := v.Float64()
			if err != nil {
				visitErr = err
				return
			}
			entry.Score = score
		case "metrics":
			mo, err := v.Object()
			if err != nil {
				visitErr = err
				return
			}
			entry.Metrics = make(map[string]float64, mo.Len())
			mo.Visit(func(mk []byte, mv *fastjson.Value) {
				if f, err := mv.Float64(); err == nil {
					entry.Metrics[string(mk)] = f
				}
			})
		case "context":
			co, err := v.Object()
			if err != nil {
				visitErr = err
				return
			}
			entry.Context = make(map[string]string, co.Len())
			co.Visit(func(ck []byte, cv *fastjson.Value) {
				if s, err := cv.StringBytes(); err == nil {
					entry.Context[string(ck)] = string(s)
				}
			})
		default:
			if f, err := v.Float64(); err == nil {
				if entry.Metrics == nil {
					entry.Metrics = make(map[string]float64)
				}
				entry.Metrics[string(k)] = f
			}
		}
	})
	if visitErr != nil {
		return entry, visitErr
	}

	return entry, nil
}

type LoggerOptions struct {
	// Directory holding per-run log files
	Dir string
	// Identifier of the tracked run, also the log's filename stem
	RunID string
	// Optional newline-delimited stream file for live followers
	StreamPath string
	Logger     zerolog.Logger
}

// Logger records iteration entries for one run, keeping them in memory
// and mirrored to a JSON array file after every append
type Logger struct {
	mu         sync.Mutex
	dir        string
	runID      string
	streamPath string
	logger     zerolog.Logger
	entries    []Entry
}

func NewLogger(options LoggerOptions) (*Logger, error) {
	if options.RunID == "" {
		return nil, fmt.Errorf("run ID is required")
	}
	if options.Dir == "" {
		options.Dir = "logs"
	}
	if err := os.MkdirAll(options.Dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create log directory %s: %w", options.Dir, err)
	}

	l := &Logger{
		dir:        options.Dir,
		runID:      options.RunID,
		streamPath: options.StreamPath,
		logger:     options.Logger,
	}

	// Resume in-memory entries from a prior run file if one exists
	if _, err := os.Stat(l.Path()); err == nil {
		content, err := os.ReadFile(l.Path())
		if err != nil {
			return nil, err
		}
		if err = json.Unmarshal(content, &l.entries); err != nil {
			return nil, fmt.Errorf("malformed run log %s: %w", l.Path(), err)
		}
	}

	return l, nil
}

// Path returns the run's log file location
func (l *Logger) Path() string {
	return filepath.Join(l.dir, l.runID+".json")
}

// Append records an iteration entry, stamping the current time when the
// entry carries none, and rewrites the run file atomically
func (l *Logger) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	l.entries = append(l.entries, entry)

	if err := l.persist(); err != nil {
		return fmt.Errorf("cannot persist run log %s: %w", l.Path(), err)
	}

	if l.streamPath != "" {
		if err := l.appendStream(entry); err != nil {
			return fmt.Errorf("cannot append to stream file %s: %w", l.streamPath, err)
		}
	}

	metrics.Meters.RecordedIterationCount.Add(context.Background(), 1)

	l.logger.Info().
		Int("iteration", entry.Iteration).
		Str("status", string(entry.Status)).
		Float64("performance_score", entry.Score).
		Msg("Recorded iteration")

	return nil
}

// Rewrite the whole array via a temp file so readers never observe a
// truncated log
func (l *Logger) persist() error {
	content, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(l.dir, l.runID+"-*.tmp")
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

	return os.Rename(tmpFile.Name(), l.Path())
}

func (l *Logger) appendStream(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	streamFile, err := os.OpenFile(l.streamPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer streamFile.Close()

	_, err = streamFile.Write(append(line, '\n'))
	return err
}

// Entries returns a copy of all recorded entries
func (l *Logger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]Entry, len(l.entries))
	copy(entries, l.entries)
	return entries
}

type FilterOptions struct {
	// Only entries with this status, when non-empty
	Status Status
	// Only entries with an iteration number at or above this, when positive
	MinIteration int
}

// Filter returns recorded entries matching every given criterion
func (l *Logger) Filter(options FilterOptions) []Entry {
	filtered := l.Entries()

	if options.Status != "" {
		filtered = lo.Filter(filtered, func(entry Entry, _ int) bool {
			return entry.Status == options.Status
		})
	}
	if options.MinIteration > 0 {
		filtered = lo.Filter(filtered, func(entry Entry, _ int) bool {
			return entry.Iteration >= options.MinIteration
		})
	}

	return filtered
}
