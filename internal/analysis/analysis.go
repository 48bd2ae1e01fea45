package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alptrack/alptrack/internal/runlog"
	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"github.com/valyala/fastjson"
)

const defaultScorePath = "performance_score"

// Parser reads recorded run logs from a directory and distills
// performance summaries out of them
type Parser struct {
	dir        string
	scorePath  string
	logger     zerolog.Logger
	jsonParser fastjson.Parser
}

type ParserOptions struct {
	// Directory containing *.json run logs
	Dir string
	// Dot-delimited path to the score inside each entry, e.g.
	// "performance_score" or "metrics.loss"
	ScorePath string
	Logger    zerolog.Logger
}

func NewParser(opts ParserOptions) (*Parser, error) {
	if opts.Dir == "" {
		opts.Dir = "logs"
	}
	if opts.ScorePath == "" {
		opts.ScorePath = defaultScorePath
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create log directory %s: %w", opts.Dir, err)
	}

	return &Parser{
		dir:       opts.Dir,
		scorePath: opts.ScorePath,
		logger:    opts.Logger,
	}, nil
}

// LogFiles returns paths of all run logs in the parser's directory,
// sorted by name. Termination events and config snapshots living in
// the same directory are not run logs and get skipped
func (p *Parser) LogFiles() ([]string, error) {
	logFiles, err := filepath.Glob(filepath.Join(p.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	logFiles = lo.Reject(logFiles, func(path string, _ int) bool {
		base := filepath.Base(path)
		return strings.HasPrefix(base, "termination_") || strings.HasSuffix(base, "_config.json")
	})
	sort.Strings(logFiles)
	return logFiles, nil
}

// ParseFile reads one run log containing a JSON array of iteration
// entries. A missing file and a malformed one surface as distinct errors
func (p *Parser) ParseFile(path string) ([]runlog.Entry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("log file not found: %s", path)
		}
		return nil, err
	}

	parsed, err := p.jsonParser.ParseBytes(content)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON in log file %s: %w", path, err)
	}
	values, err := parsed.Array()
	if err != nil {
		return nil, fmt.Errorf("log file %s does not hold an entry array: %w", path, err)
	}

	entries := make([]runlog.Entry, 0, len(values))
	for _, value := range values {
		entry, err := p.entryFromValue(value)
		if err != nil {
			return nil, fmt.Errorf("invalid entry in log file %s: %w", path, err)
		}
		entries = append(entries, entry)
	}

	metrics.Meters.AnalyzedFileCount.Add(context.Background(), 1)

	return entries, nil
}

func (p *Parser) entryFromValue(value *fastjson.Value) (runlog.Entry, error) {
	entry, err := runlog.EntryFromJSONValue(value)
	if err != nil {
		return entry, err
	}

	// Resolve the score through its configured path, which may point
	// outside the dedicated field
	if p.scorePath != defaultScorePath {
		if score := gjson.GetBytes(value.MarshalTo(nil), p.scorePath); score.Exists() {
			entry.Score = score.Float()
		}
	}

	return entry, nil
}

// Summary aggregates performance over one run log
type Summary struct {
	TotalIterations int       `json:"total_iterations"`
	StartTime       string    `json:"start_time"`
	EndTime         string    `json:"end_time"`
	ErrorRate       float64   `json:"error_rate"`
	Scores          []float64 `json:"performance_scores"`
	AvgScore        float64   `json:"avg_performance"`
	MaxScore        float64   `json:"max_performance"`
	MinScore        float64   `json:"min_performance"`
}

// Summarize computes aggregate performance over parsed entries.
// No entries means a zero-valued summary
func (p *Parser) Summarize(entries []runlog.Entry) Summary {
	if len(entries) == 0 {
		return Summary{}
	}

	scores := lo.Map(entries, func(entry runlog.Entry, _ int) float64 {
		return entry.Score
	})
	erroredCount := lo.CountBy(entries, func(entry runlog.Entry) bool {
		return entry.Status == runlog.StatusError
	})

	return Summary{
		TotalIterations: len(entries),
		StartTime:       entries[0].Timestamp.Format(time.RFC3339Nano),
		EndTime:         entries[len(entries)-1].Timestamp.Format(time.RFC3339Nano),
		ErrorRate:       float64(erroredCount) / float64(len(entries)),
		Scores:          scores,
		AvgScore:        lo.Sum(scores) / float64(len(scores)),
		MaxScore:        lo.Max(scores),
		MinScore:        lo.Min(scores),
	}
}

type FileAnalysis struct {
	FileName    string   `json:"file_name"`
	Performance *Summary `json:"performance,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type Report struct {
	TotalLogFiles int            `json:"total_log_files"`
	FileAnalyses  []FileAnalysis `json:"file_analyses"`
}

// GenerateReport analyzes every run log in the directory. A file that
// cannot be parsed is reported alongside the healthy ones instead of
// failing the whole report
func (p *Parser) GenerateReport() (Report, error) {
	logFiles, err := p.LogFiles()
	if err != nil {
		return Report{}, err
	}

	report := Report{
		TotalLogFiles: len(logFiles),
		FileAnalyses:  make([]FileAnalysis, 0, len(logFiles)),
	}

	for _, logFile := range logFiles {
		analysis := FileAnalysis{FileName: filepath.Base(logFile)}
		entries, err := p.ParseFile(logFile)
		if err != nil {
			p.logger.Error().Err(err).Msg("Cannot analyze log file")
			analysis.Error = err.Error()
		} else {
			summary := p.Summarize(entries)
			analysis.Performance = &summary
		}
		report.FileAnalyses = append(report.FileAnalyses, analysis)
	}

	metrics.Meters.GeneratedReportCount.Add(context.Background(), 1)

	return report, nil
}

// WriteReport saves a generated report as indented JSON. The report is
// staged in a temp file and renamed so pollers never read a partial one
func WriteReport(report Report, path string) error {
	content, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+"-*.tmp")
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

	return os.Rename(tmpFile.Name(), path)
}
