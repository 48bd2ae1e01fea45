package errreport

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestReportError(t *testing.T) {
	var notified []Report
	var logOutput bytes.Buffer

	reporter := NewReporter(ReporterOptions{
		Logger: zerolog.New(&logOutput),
		Notifier: func(report Report) error {
			notified = append(notified, report)
			return nil
		},
	})

	report := reporter.ReportError(fmt.Errorf("test error"), map[string]any{"test_key": "test_value"}, "")

	assert.False(t, report.Timestamp.IsZero())
	assert.Equal(t, "*errors.errorString", report.ErrorType)
	assert.Equal(t, "test error", report.ErrorMessage)
	assert.Equal(t, SeverityMedium, report.Severity)
	assert.NotEmpty(t, report.StackTrace)
	assert.Equal(t, "test_value", report.Context["test_key"])

	require.Len(t, notified, 1)
	assert.Equal(t, "test error", notified[0].ErrorMessage)

	assert.Equal(t, "error", gjson.GetBytes(logOutput.Bytes(), "level").String())
}

func TestReportErrorSeverityLevels(t *testing.T) {
	t.Run("LOW logs as warning", func(t *testing.T) {
		var logOutput bytes.Buffer
		reporter := NewReporter(ReporterOptions{Logger: zerolog.New(&logOutput)})

		reporter.ReportError(fmt.Errorf("minor hiccup"), nil, SeverityLow)
		assert.Equal(t, "warn", gjson.GetBytes(logOutput.Bytes(), "level").String())
	})

	t.Run("HIGH logs as error", func(t *testing.T) {
		var logOutput bytes.Buffer
		reporter := NewReporter(ReporterOptions{Logger: zerolog.New(&logOutput)})

		reporter.ReportError(fmt.Errorf("serious problem"), nil, SeverityHigh)
		assert.Equal(t, "error", gjson.GetBytes(logOutput.Bytes(), "level").String())
	})
}

func TestReportErrorFailingNotifier(t *testing.T) {
	var logOutput bytes.Buffer
	reporter := NewReporter(ReporterOptions{
		Logger: zerolog.New(&logOutput),
		Notifier: func(Report) error {
			return fmt.Errorf("notification channel down")
		},
	})

	// A failing notifier must never propagate
	report := reporter.ReportError(fmt.Errorf("test error"), nil, SeverityMedium)
	assert.Equal(t, "test error", report.ErrorMessage)
	assert.Contains(t, logOutput.String(), "notification channel down")
}

func TestHandleCriticalError(t *testing.T) {
	var criticalOut bytes.Buffer
	reporter := NewReporter(ReporterOptions{
		Logger:      zerolog.Nop(),
		CriticalOut: &criticalOut,
	})

	report := reporter.HandleCriticalError(fmt.Errorf("critical system failure"), map[string]any{"system": "ALP loop"})

	assert.Equal(t, SeverityCritical, report.Severity)
	assert.Contains(t, criticalOut.String(), "CRITICAL ERROR DETECTED")
	assert.Contains(t, criticalOut.String(), "critical system failure")
}

func TestAttemptRecovery(t *testing.T) {
	t.Run("successful recovery", func(t *testing.T) {
		reporter := NewReporter(ReporterOptions{Logger: zerolog.Nop()})

		recovered := reporter.AttemptRecovery(fmt.Errorf("recoverable error"), func() (bool, error) {
			return true, nil
		})
		assert.True(t, recovered)
	})

	t.Run("declined recovery", func(t *testing.T) {
		reporter := NewReporter(ReporterOptions{Logger: zerolog.Nop()})

		recovered := reporter.AttemptRecovery(fmt.Errorf("stubborn error"), func() (bool, error) {
			return false, nil
		})
		assert.False(t, recovered)
	})

	t.Run("failing recovery strategy", func(t *testing.T) {
		var notified []Report
		reporter := NewReporter(ReporterOptions{
			Logger: zerolog.Nop(),
			Notifier: func(report Report) error {
				notified = append(notified, report)
				return nil
			},
		})

		recovered := reporter.AttemptRecovery(fmt.Errorf("original error"), func() (bool, error) {
			return false, fmt.Errorf("recovery failed")
		})

		assert.False(t, recovered)
		require.Len(t, notified, 1)
		assert.Equal(t, SeverityHigh, notified[0].Severity)
		assert.Equal(t, "recovery failed", notified[0].ErrorMessage)
		assert.Equal(t, "original error", notified[0].Context["original_error"])
	})
}
