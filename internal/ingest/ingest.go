package ingest

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/alptrack/alptrack/internal/runlog"
	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/jeromer/syslogparser"
	"github.com/jeromer/syslogparser/rfc3164"
	"github.com/jeromer/syslogparser/rfc5424"
	"github.com/rs/zerolog"
	"github.com/satyrius/gonx"
	"github.com/valyala/fastjson"
)

const (
	jsonFormat    = "json"
	patternFormat = "pattern"
	syslogRFC5424 = "syslog-rfc5424"
	syslogRFC3164 = "syslog-rfc3164"
)

// Converter turns foreign trainer logs into native run log entries
type Converter struct {
	ctx        context.Context
	cancelFunc context.CancelFunc

	format        string
	timeLayout    string
	logger        zerolog.Logger
	patternParser *gonx.Parser
	jsonParser    fastjson.Parser
}

type ConverterOptions struct {
	// Input format, one of "json", "pattern", "syslog-rfc5424" or "syslog-rfc3164"
	Format string
	// Field-placeholder pattern for "pattern" format, e.g.
	// `$time [$iteration] $status score=$performance_score`
	Pattern string
	// Layout for captured timestamps; run log layouts when empty
	TimeLayout string
	Logger     zerolog.Logger
}

func NewConverter(opts ConverterOptions) (*Converter, error) {
	converter := &Converter{
		format:     opts.Format,
		timeLayout: opts.TimeLayout,
		logger:     opts.Logger,
	}

	switch opts.Format {
	case jsonFormat:
		converter.jsonParser = fastjson.Parser{}
	case patternFormat:
		if opts.Pattern == "" {
			return nil, fmt.Errorf("format %q requires a pattern", patternFormat)
		}
		converter.patternParser = gonx.NewParser(opts.Pattern)
	case syslogRFC5424, syslogRFC3164:
		break
	default:
		return nil, fmt.Errorf("invalid import format %q", opts.Format)
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	converter.ctx = ctx
	converter.cancelFunc = cancelFunc

	// Submit metrics on newly initialized converter
	metrics.Meters.InitializedComponents["converter"].Add(ctx, 1)

	return converter, nil
}

func (c *Converter) Close() {
	// Submit metrics on closed converter
	metrics.Meters.InitializedComponents["converter"].Add(c.ctx, -1)

	c.cancelFunc()
}

// ConvertFile reads a foreign log file line by line and converts each
// line into an entry. Unconvertible lines are logged and skipped.
// Entries missing an iteration get sequential numbers in input order and
// entries missing a status count as successes.
func (c *Converter) ConvertFile(path string) ([]runlog.Entry, error) {
	inputFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer inputFile.Close()

	fileScanner := bufio.NewScanner(inputFile)
	fileScanner.Split(bufio.ScanLines)

	var entries []runlog.Entry
	for fileScanner.Scan() {
		line := fileScanner.Text()
		if line == "" {
			continue
		}
		entry, err := c.ConvertLine(line)
		if err != nil {
			c.logger.Warn().Err(err).Str("line", line).Msg("Skipped unconvertible line")
			continue
		}
		if entry.Iteration == 0 {
			entry.Iteration = len(entries) + 1
		}
		if entry.Status == "" {
			entry.Status = runlog.StatusSuccess
		}
		entries = append(entries, entry)
	}
	if err := fileScanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

func (c *Converter) ConvertLine(line string) (runlog.Entry, error) {
	var entry runlog.Entry

	switch c.format {
	case jsonFormat:
		parsed, err := c.jsonParser.Parse(line)
		if err != nil {
			return entry, fmt.Errorf("cannot parse line as JSON: %w", err)
		}
		return runlog.EntryFromJSONValue(parsed)

	case patternFormat:
		parsed, err := c.patternParser.ParseString(line)
		if err != nil {
			return entry, fmt.Errorf("line does not match pattern: %w", err)
		}
		for k, v := range parsed.Fields() {
			switch k {
			case "time", "timestamp":
				ts, err := c.parseCapturedTime(v)
				if err != nil {
					return entry, err
				}
				entry.Timestamp = ts
			case "iteration", "iteration_number":
				iteration, err := strconv.Atoi(v)
				if err != nil {
					return entry, err
				}
				entry.Iteration = iteration
			case "status":
				entry.Status = runlog.Status(v)
			case "performance_score", "score":
				score, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return entry, err
				}
				entry.Score = score
			default:
				// Unnamed numeric captures count as metrics, the rest as context
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					if entry.Metrics == nil {
						entry.Metrics = make(map[string]float64)
					}
					entry.Metrics[k] = f
					continue
				}
				if entry.Context == nil {
					entry.Context = make(map[string]string)
				}
				entry.Context[k] = v
			}
		}
		return entry, nil

	case syslogRFC5424, syslogRFC3164:
		var slParser syslogparser.LogParser
		if c.format == syslogRFC5424 {
			slParser = rfc5424.NewParser([]byte(line))
		}
		if c.format == syslogRFC3164 {
			slParser = rfc3164.NewParser([]byte(line))
		}
		if err := slParser.Parse(); err != nil {
			return entry, fmt.Errorf("cannot parse line as %s: %w", c.format, err)
		}
		return c.entryFromSyslogParts(slParser.Dump())
	}

	return entry, fmt.Errorf("invalid import format %q", c.format)
}

// entryFromSyslogParts unwraps a parsed syslog frame. Trainers supervised
// by syslog-speaking collectors put their per-iteration JSON in the
// message part, so that is tried first. Plain messages survive as context.
func (c *Converter) entryFromSyslogParts(parts syslogparser.LogParts) (runlog.Entry, error) {
	var entry runlog.Entry

	message, ok := parts["message"].(string)
	if !ok {
		message, ok = parts["content"].(string)
	}
	if !ok {
		return entry, fmt.Errorf("syslog frame carries no message")
	}

	var unwrapped bool
	if parsed, err := c.jsonParser.Parse(message); err == nil {
		if jsonEntry, err := runlog.EntryFromJSONValue(parsed); err == nil {
			entry = jsonEntry
			unwrapped = true
		}
	}

	if !unwrapped {
		entry.Context = map[string]string{"message": message}
		if hostname, ok := parts["hostname"].(string); ok && hostname != "" {
			entry.Context["hostname"] = hostname
		}
	}

	// Frame timestamp backfills entries whose payload carries none
	if entry.Timestamp.IsZero() {
		if ts, ok := parts["timestamp"].(time.Time); ok {
			entry.Timestamp = ts
		}
	}

	return entry, nil
}

func (c *Converter) parseCapturedTime(raw string) (time.Time, error) {
	if c.timeLayout != "" {
		return time.Parse(c.timeLayout, raw)
	}
	return runlog.ParseTimestamp(raw)
}
