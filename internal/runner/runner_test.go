package runner

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alptrack/alptrack/internal/config"
	"github.com/alptrack/alptrack/internal/forwarder"
	"github.com/alptrack/alptrack/internal/runlog"
	"github.com/alptrack/alptrack/internal/state"
	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/alptrack/alptrack/internal/termination"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	metrics.InitializeNopMetricProvider()
	os.Exit(m.Run())
}

func loadTestConfig(t *testing.T, tmpDir, body string) *config.Config {
	t.Helper()
	configPath := filepath.Join(tmpDir, "alptrack.yaml")
	require.Nil(t, os.WriteFile(configPath, []byte(body), 0644))
	cfg, err := config.NewConfig(configPath)
	require.Nil(t, err)
	return cfg
}

func readRunEntries(t *testing.T, cfg *config.Config, runID string) []runlog.Entry {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(cfg.GlobalConfig.LogDir, runID+".json"))
	require.Nil(t, err)
	var entries []runlog.Entry
	require.Nil(t, json.Unmarshal(content, &entries))
	return entries
}

func readTerminationEvents(t *testing.T, cfg *config.Config) []termination.Event {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(cfg.GlobalConfig.LogDir, "termination_*.json"))
	require.Nil(t, err)
	events := make([]termination.Event, 0, len(matches))
	for _, match := range matches {
		content, err := os.ReadFile(match)
		require.Nil(t, err)
		var event termination.Event
		require.Nil(t, json.Unmarshal(content, &event))
		events = append(events, event)
	}
	return events
}

func loadTestState(t *testing.T, cfg *config.Config, id string) *state.State {
	t.Helper()
	manager, err := state.NewManager(state.ManagerOptions{Dir: cfg.GlobalConfig.StateDir, Logger: zerolog.Nop()})
	require.Nil(t, err)
	loaded, err := manager.Load(id)
	require.Nil(t, err)
	require.NotNil(t, loaded)
	return loaded
}

func TestNewRunner(t *testing.T) {
	t.Run("configured run id", func(t *testing.T) {
		tmpDir, _ := os.MkdirTemp("", "")
		defer os.RemoveAll(tmpDir)

		cfg := loadTestConfig(t, tmpDir, fmt.Sprintf(`
global:
  log_directory: %[1]s/logs
  state_directory: %[1]s/states
  registry_directory: %[1]s
run:
  id: new-runner-test
  step:
    command: ["echo", "{\"performance_score\": 0.5}"]
`, tmpDir))

		r := NewRunner(RunnerOptions{
			DoneChan: make(chan struct{}, 1),
			Logger:   zerolog.Nop(),
			Config:   cfg,
		})
		assert.NotNil(t, r)
		assert.Equal(t, "new-runner-test", r.GetRunID())
		assert.Empty(t, r.pipelines)
		assert.DirExists(t, filepath.Join(tmpDir, "logs"))
		assert.DirExists(t, filepath.Join(tmpDir, "states"))
	})

	t.Run("generated run id", func(t *testing.T) {
		tmpDir, _ := os.MkdirTemp("", "")
		defer os.RemoveAll(tmpDir)

		cfg := loadTestConfig(t, tmpDir, fmt.Sprintf(`
global:
  log_directory: %[1]s/logs
  state_directory: %[1]s/states
  registry_directory: %[1]s
run:
  step:
    command: ["echo", "{\"performance_score\": 0.5}"]
`, tmpDir))

		r := NewRunner(RunnerOptions{
			DoneChan: make(chan struct{}, 1),
			Logger:   zerolog.Nop(),
			Config:   cfg,
		})
		assert.Len(t, r.GetRunID(), 36)
	})
}

func TestRunnerRun(t *testing.T) {
	t.Run("terminates once the performance threshold is reached", func(t *testing.T) {
		tmpDir, _ := os.MkdirTemp("", "")
		defer os.RemoveAll(tmpDir)

		cfg := loadTestConfig(t, tmpDir, fmt.Sprintf(`
global:
  log_directory: %[1]s/logs
  state_directory: %[1]s/states
  registry_directory: %[1]s
run:
  id: threshold-run
  performance_threshold: 0.9
  step:
    command: ["echo", "{\"performance_score\": 0.95, \"metrics\": {\"loss\": 0.1}}"]
  retry:
    initial_delay: 10ms
learning:
  iteration:
    max_iterations: 5
`, tmpDir))

		r := NewRunner(RunnerOptions{DoneChan: make(chan struct{}, 1), Logger: zerolog.Nop(), Config: cfg})
		r.Run()

		entries := readRunEntries(t, cfg, "threshold-run")
		require.Len(t, entries, 1)
		assert.Equal(t, 1, entries[0].Iteration)
		assert.Equal(t, runlog.StatusSuccess, entries[0].Status)
		assert.Equal(t, 0.95, entries[0].Score)
		assert.Equal(t, map[string]float64{"loss": 0.1}, entries[0].Metrics)

		runState := loadTestState(t, cfg, "threshold-run")
		assert.Equal(t, state.StatusCompleted, runState.Status)
		assert.Equal(t, 0.95, runState.Metrics["best_score"])

		iterState := loadTestState(t, cfg, "threshold-run_iteration_0001")
		assert.Equal(t, state.StatusCompleted, iterState.Status)
		assert.Equal(t, 0.95, iterState.Metrics["performance_score"])
		assert.Equal(t, 0.1, iterState.Metrics["loss"])

		events := readTerminationEvents(t, cfg)
		require.Len(t, events, 1)
		assert.Equal(t, termination.ReasonPerformanceThreshold, events[0].Reason)
		assert.Equal(t, 1, events[0].IterationCount)
		assert.Equal(t, "threshold-run", events[0].AdditionalContext["run_id"])

		assert.FileExists(t, filepath.Join(tmpDir, "logs", "threshold-run_config.json"))
	})

	t.Run("completes after exhausting the iteration budget", func(t *testing.T) {
		tmpDir, _ := os.MkdirTemp("", "")
		defer os.RemoveAll(tmpDir)

		cfg := loadTestConfig(t, tmpDir, fmt.Sprintf(`
global:
  log_directory: %[1]s/logs
  state_directory: %[1]s/states
  registry_directory: %[1]s
run:
  id: budget-run
  performance_threshold: 0.99
  step:
    command: ["echo", "{\"performance_score\": 0.5}"]
  retry:
    initial_delay: 10ms
learning:
  iteration:
    max_iterations: 3
`, tmpDir))

		r := NewRunner(RunnerOptions{DoneChan: make(chan struct{}, 1), Logger: zerolog.Nop(), Config: cfg})
		r.Run()

		entries := readRunEntries(t, cfg, "budget-run")
		require.Len(t, entries, 3)
		assert.Empty(t, entries[0].Context)
		// Identical scores sit within the early stopping tolerance
		assert.Equal(t, map[string]string{"plateau": "true"}, entries[1].Context)
		assert.Equal(t, map[string]string{"plateau": "true"}, entries[2].Context)

		runState := loadTestState(t, cfg, "budget-run")
		assert.Equal(t, state.StatusCompleted, runState.Status)
		assert.Equal(t, 0.5, runState.Metrics["average_score"])

		events := readTerminationEvents(t, cfg)
		require.Len(t, events, 1)
		assert.Equal(t, termination.ReasonMaxIterations, events[0].Reason)
		assert.Equal(t, 3, events[0].IterationCount)
	})

	t.Run("aborts when the step fails and abort_on_error is set", func(t *testing.T) {
		tmpDir, _ := os.MkdirTemp("", "")
		defer os.RemoveAll(tmpDir)

		cfg := loadTestConfig(t, tmpDir, fmt.Sprintf(`
global:
  log_directory: %[1]s/logs
  state_directory: %[1]s/states
  registry_directory: %[1]s
run:
  id: failing-run
  abort_on_error: true
  step:
    command: ["sh", "-c", "exit 3"]
  retry:
    max_retries: 1
    initial_delay: 10ms
learning:
  iteration:
    max_iterations: 5
`, tmpDir))

		r := NewRunner(RunnerOptions{DoneChan: make(chan struct{}, 1), Logger: zerolog.Nop(), Config: cfg})
		r.Run()

		entries := readRunEntries(t, cfg, "failing-run")
		require.Len(t, entries, 1)
		assert.Equal(t, runlog.StatusError, entries[0].Status)
		assert.Contains(t, entries[0].Context["error"], "step command failed")

		runState := loadTestState(t, cfg, "failing-run")
		assert.Equal(t, state.StatusFailed, runState.Status)
		assert.NotEmpty(t, runState.ErrorDetails)

		iterState := loadTestState(t, cfg, "failing-run_iteration_0001")
		assert.Equal(t, state.StatusFailed, iterState.Status)

		events := readTerminationEvents(t, cfg)
		require.Len(t, events, 1)
		assert.Equal(t, termination.ReasonError, events[0].Reason)
	})

	t.Run("records failures without aborting by default", func(t *testing.T) {
		tmpDir, _ := os.MkdirTemp("", "")
		defer os.RemoveAll(tmpDir)

		cfg := loadTestConfig(t, tmpDir, fmt.Sprintf(`
global:
  log_directory: %[1]s/logs
  state_directory: %[1]s/states
  registry_directory: %[1]s
run:
  id: tolerant-run
  step:
    command: ["sh", "-c", "exit 1"]
  retry:
    max_retries: 1
    initial_delay: 10ms
learning:
  iteration:
    max_iterations: 2
`, tmpDir))

		r := NewRunner(RunnerOptions{DoneChan: make(chan struct{}, 1), Logger: zerolog.Nop(), Config: cfg})
		r.Run()

		entries := readRunEntries(t, cfg, "tolerant-run")
		require.Len(t, entries, 2)
		assert.Equal(t, runlog.StatusError, entries[0].Status)
		assert.Equal(t, runlog.StatusError, entries[1].Status)

		// The budget ran out without a termination decision
		runState := loadTestState(t, cfg, "tolerant-run")
		assert.Equal(t, state.StatusCompleted, runState.Status)

		events := readTerminationEvents(t, cfg)
		require.Len(t, events, 1)
		assert.Equal(t, termination.ReasonMaxIterations, events[0].Reason)
	})

	t.Run("winds down on a stop signal", func(t *testing.T) {
		tmpDir, _ := os.MkdirTemp("", "")
		defer os.RemoveAll(tmpDir)

		cfg := loadTestConfig(t, tmpDir, fmt.Sprintf(`
global:
  log_directory: %[1]s/logs
  state_directory: %[1]s/states
  registry_directory: %[1]s
run:
  id: stopped-run
  step:
    command: ["sleep", "5"]
  retry:
    max_retries: 1
    initial_delay: 10ms
learning:
  iteration:
    max_iterations: 5
`, tmpDir))

		doneChan := make(chan struct{}, 1)
		r := NewRunner(RunnerOptions{DoneChan: doneChan, Logger: zerolog.Nop(), Config: cfg})
		go func() {
			time.Sleep(300 * time.Millisecond)
			doneChan <- struct{}{}
		}()
		r.Run()

		runState := loadTestState(t, cfg, "stopped-run")
		assert.Equal(t, state.StatusInterrupted, runState.Status)

		iterState := loadTestState(t, cfg, "stopped-run_iteration_0001")
		assert.Equal(t, state.StatusInterrupted, iterState.Status)

		events := readTerminationEvents(t, cfg)
		require.Len(t, events, 1)
		assert.Equal(t, termination.ReasonManualStop, events[0].Reason)

		assert.NoFileExists(t, filepath.Join(tmpDir, "logs", "stopped-run.json"))
	})

	t.Run("forwards recorded entries to configured sinks", func(t *testing.T) {
		var (
			mu       sync.Mutex
			payloads []forwarder.Payload
		)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			payload := forwarder.Payload{}
			json.NewDecoder(r.Body).Decode(&payload)
			mu.Lock()
			payloads = append(payloads, payload)
			mu.Unlock()
		}))
		defer server.Close()

		tmpDir, _ := os.MkdirTemp("", "")
		defer os.RemoveAll(tmpDir)

		cfg := loadTestConfig(t, tmpDir, fmt.Sprintf(`
global:
  log_directory: %[1]s/logs
  state_directory: %[1]s/states
  registry_directory: %[1]s
run:
  id: sink-run
  performance_threshold: 0.99
  step:
    command: ["echo", "{\"performance_score\": 0.5}"]
  retry:
    initial_delay: 10ms
  sinks:
    - type: loki
      url: %[2]s
      add_tags:
        cluster: test
      add_fields:
        source: alptrack
learning:
  iteration:
    max_iterations: 2
`, tmpDir, server.URL))

		r := NewRunner(RunnerOptions{DoneChan: make(chan struct{}, 1), Logger: zerolog.Nop(), Config: cfg})
		require.Len(t, r.pipelines, 1)
		assert.NotNil(t, r.pipelines[0].transformer)
		r.Run()

		mu.Lock()
		defer mu.Unlock()
		var forwarded int
		for _, payload := range payloads {
			for _, stream := range payload.Streams {
				forwarded += len(stream.Values)
				assert.Equal(t, "sink-run", stream.Stream["run_id"])
				assert.Equal(t, "test", stream.Stream["cluster"])
				assert.Equal(t, "alptrack", stream.Stream["source"])
			}
		}
		assert.Equal(t, 2, forwarded)
	})
}

func TestParseStepResult(t *testing.T) {
	t.Run("reads the verdict from the last non-empty line", func(t *testing.T) {
		result, err := parseStepResult("epoch 1 done\n{\"performance_score\": 0.82}\n\n")
		assert.Nil(t, err)
		assert.Equal(t, 0.82, result.score)
		assert.Equal(t, runlog.StatusSuccess, result.status)
	})

	t.Run("accepts the short score key and a reported status", func(t *testing.T) {
		result, err := parseStepResult(`{"score": 0.4, "status": "failure"}`)
		assert.Nil(t, err)
		assert.Equal(t, 0.4, result.score)
		assert.Equal(t, runlog.StatusFailure, result.status)
	})

	t.Run("collects reported metrics", func(t *testing.T) {
		result, err := parseStepResult(`{"performance_score": 0.9, "metrics": {"loss": 0.2, "accuracy": 0.91}}`)
		assert.Nil(t, err)
		assert.Equal(t, map[string]float64{"loss": 0.2, "accuracy": 0.91}, result.metrics)
	})

	t.Run("rejects output without a score", func(t *testing.T) {
		_, err := parseStepResult(`{"status": "success"}`)
		assert.ErrorContains(t, err, "no performance score")
	})

	t.Run("rejects non-JSON output", func(t *testing.T) {
		_, err := parseStepResult("training complete")
		assert.ErrorContains(t, err, "not valid JSON")
	})

	t.Run("rejects empty output", func(t *testing.T) {
		_, err := parseStepResult("\n\n")
		assert.ErrorContains(t, err, "no result output")
	})
}
