package errreport

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Severity grades how damaging a reported error is
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Report is the structured record of one reported error
type Report struct {
	Timestamp    time.Time      `json:"timestamp"`
	ErrorType    string         `json:"error_type"`
	ErrorMessage string         `json:"error_message"`
	Severity     Severity       `json:"severity"`
	StackTrace   string         `json:"stack_trace"`
	Context      map[string]any `json:"context"`
}

// Reporter centralizes error reporting for the loop, grading severity,
// notifying an optional callback and flagging critical failures
type Reporter struct {
	logger      zerolog.Logger
	notifier    func(Report) error
	criticalOut io.Writer
}

type ReporterOptions struct {
	Logger zerolog.Logger
	// Called with every report. A failing notifier is logged, never
	// propagated
	Notifier func(Report) error
	// Destination of the critical error banner. Defaults to stderr
	CriticalOut io.Writer
}

func NewReporter(opts ReporterOptions) *Reporter {
	if opts.CriticalOut == nil {
		opts.CriticalOut = os.Stderr
	}
	return &Reporter{
		logger:      opts.Logger,
		notifier:    opts.Notifier,
		criticalOut: opts.CriticalOut,
	}
}

// ReportError logs an error with its context and severity and returns
// the built report
func (r *Reporter) ReportError(err error, context map[string]any, severity Severity) Report {
	if severity == "" {
		severity = SeverityMedium
	}
	if context == nil {
		context = map[string]any{}
	}

	report := Report{
		Timestamp:    time.Now(),
		ErrorType:    fmt.Sprintf("%T", err),
		ErrorMessage: err.Error(),
		Severity:     severity,
		StackTrace:   string(debug.Stack()),
		Context:      context,
	}

	logEvent := r.logger.Error()
	if severity == SeverityLow {
		logEvent = r.logger.Warn()
	}
	logEvent.
		Str("error_type", report.ErrorType).
		Str("severity", string(report.Severity)).
		Interface("context", report.Context).
		Msg(report.ErrorMessage)

	if r.notifier != nil {
		if notifyErr := r.notifier(report); notifyErr != nil {
			r.logger.Error().Err(notifyErr).Msg("Error in notification callback")
		}
	}

	return report
}

// HandleCriticalError reports at CRITICAL severity and prints an
// unmissable banner for operators
func (r *Reporter) HandleCriticalError(err error, context map[string]any) Report {
	report := r.ReportError(err, context, SeverityCritical)

	content, marshalErr := json.Marshal(report)
	if marshalErr != nil {
		content = []byte(report.ErrorMessage)
	}
	fmt.Fprintf(r.criticalOut, "CRITICAL ERROR DETECTED: %s\n", content)

	return report
}

// AttemptRecovery runs a recovery strategy for the given error. A
// strategy that itself fails is reported at HIGH severity
func (r *Reporter) AttemptRecovery(originalErr error, strategy func() (bool, error)) bool {
	recovered, err := strategy()
	if err != nil {
		r.ReportError(err, map[string]any{"original_error": originalErr.Error()}, SeverityHigh)
		return false
	}
	return recovered
}
