package runner

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/alptrack/alptrack/internal/buffer"
	"github.com/alptrack/alptrack/internal/config"
	"github.com/alptrack/alptrack/internal/errreport"
	"github.com/alptrack/alptrack/internal/forwarder"
	"github.com/alptrack/alptrack/internal/registry"
	"github.com/alptrack/alptrack/internal/retry"
	"github.com/alptrack/alptrack/internal/runlog"
	"github.com/alptrack/alptrack/internal/state"
	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/alptrack/alptrack/internal/termination"
	"github.com/alptrack/alptrack/internal/tracker"
	"github.com/alptrack/alptrack/internal/transform"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

// Runner drives one adaptive learning run: it executes the configured
// step program per iteration, records entries and states, evaluates
// termination conditions and fans entries out to the configured sinks
type Runner struct {
	transformerWg sync.WaitGroup
	bufferWg      sync.WaitGroup
	forwarderWg   sync.WaitGroup

	ctx        context.Context
	cancelFunc context.CancelFunc

	config    *config.Config
	logger    zerolog.Logger
	registrar *registry.Registry
	doneChan  chan struct{}

	runID        string
	stateManager *state.Manager
	runLogger    *runlog.Logger
	eventLogger  *termination.EventLogger
	tracker      *tracker.Tracker
	conditions   *termination.Conditions
	retrier      *retry.Retrier
	reporter     *errreport.Reporter

	pipelines []sinkPipeline

	// Score bookkeeping for plateau detection and termination metrics
	scores      []float64
	finalReason termination.Reason
	lastErr     error
}

// sinkPipeline is one sink's delivery chain. The transformer is nil for
// sinks declaring no field transforms
type sinkPipeline struct {
	transformer *transform.Transformer
	buffer      *buffer.Buffer
	forwarder   *forwarder.Forwarder
}

type RunnerOptions struct {
	DoneChan chan struct{}
	Logger   zerolog.Logger
	Config   *config.Config
}

type stepResult struct {
	score   float64
	status  runlog.Status
	metrics map[string]float64
}

func NewRunner(options RunnerOptions) *Runner {
	cfg := options.Config

	if len(cfg.Run.Step.Command) == 0 {
		options.Logger.Fatal().Msg("run.step.command is required to drive a run")
	}

	runID, _ := lo.Coalesce(cfg.Run.ID, uuid.NewString())
	logger := options.Logger.With().Str("run_id", runID).Logger()

	// Contact opted-in sinks before producing anything for them
	if err := cfg.ProbeSinkReadiness(); err != nil {
		logger.Fatal().Err(err).Msg("")
	}

	// Read in registry file, if exists already
	// If not, create an empty registrar
	registrar, err := registry.GetRegistry(cfg.GlobalConfig.RegistryDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}
	logger.Info().Msgf("Finish loading registry file at %v", registrar.GetRegistryPath())

	stateManager, err := state.NewManager(state.ManagerOptions{
		Dir:    cfg.GlobalConfig.StateDir,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}

	runLogger, err := runlog.NewLogger(runlog.LoggerOptions{
		Dir:        cfg.GlobalConfig.LogDir,
		RunID:      runID,
		StreamPath: cfg.Run.StreamFile,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}

	eventLogger, err := termination.NewEventLogger(termination.EventLoggerOptions{
		Dir:    cfg.GlobalConfig.LogDir,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}

	retryStrategy, err := retry.ParseStrategy(cfg.Run.Retry.Strategy)
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}

	ctx, cancelFunc := context.WithCancel(context.Background())

	// Submit metrics on newly initialized runner
	metrics.Meters.InitializedComponents["runner"].Add(ctx, 1)

	r := &Runner{
		ctx:          ctx,
		cancelFunc:   cancelFunc,
		config:       cfg,
		logger:       logger,
		registrar:    registrar,
		doneChan:     options.DoneChan,
		runID:        runID,
		stateManager: stateManager,
		runLogger:    runLogger,
		eventLogger:  eventLogger,
		tracker: tracker.NewTracker(tracker.TrackerOptions{
			MaxIterations: cfg.Learning.Iteration.MaxIterations,
			Logger:        logger,
		}),
		conditions: termination.NewConditions(termination.ConditionsOptions{
			MaxIterations:        cfg.Learning.Iteration.MaxIterations,
			PerformanceThreshold: cfg.Run.PerformanceThreshold,
		}),
		retrier: retry.NewRetrier(retry.RetrierOptions{
			MaxRetries:   cfg.Run.Retry.MaxRetries,
			InitialDelay: cfg.Run.Retry.InitialDelay,
			Strategy:     retryStrategy,
			Logger:       logger,
		}),
		reporter: errreport.NewReporter(errreport.ReporterOptions{Logger: logger}),
	}

	// Build one transformer+buffer+forwarder chain per configured sink
	for _, sink := range cfg.Run.Sinks {
		sink := sink
		fwd, err := forwarder.NewForwarder(forwarder.ForwarderSettings{
			Sink:      sink,
			Signature: sink.CreateSinkSignature(runID),
			RunID:     runID,
			Logger:    &logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("")
		}

		fwdBuffer := buffer.NewBuffer(buffer.BufferOption{
			Signature:         fwd.GetSignature(),
			Logger:            logger,
			DiskBufferSetting: cfg.GlobalConfig.DiskBuffer,
		})
		if fwdBuffer == nil {
			logger.Fatal().Msg("failed initializing buffer for sink")
		}

		// If enabled, read disk-persisted entries from prior saved file, if exists
		if cfg.GlobalConfig.DiskBuffer.Enabled {
			if bufferedPath, exists := registrar.BufferedPaths[fwdBuffer.GetSignature()]; exists {
				if err := fwdBuffer.LoadPersistedEntries(bufferedPath); err != nil {
					logger.Error().Err(err).Msg("")
				}
			}
		}

		var transformer *transform.Transformer
		if len(sink.AddFields)+len(sink.DropFields)+len(sink.ReplaceFields) > 0 {
			transformer = transform.NewTransformer(transform.TransformerOptions{
				AddFields:     sink.AddFields,
				DropFields:    sink.DropFields,
				ReplaceFields: sink.ReplaceFields,
				Logger:        logger,
			})
		}

		r.pipelines = append(r.pipelines, sinkPipeline{
			transformer: transformer,
			buffer:      fwdBuffer,
			forwarder:   fwd,
		})
	}

	return r
}

// Run executes the loop until a termination condition, an aborting
// error or a stop signal ends it, then closes the sink pipelines and
// persists undelivered entries
func (r *Runner) Run() struct{} {
	runCtx, cancelRun := context.WithCancel(r.ctx)
	defer cancelRun()
	go func() {
		select {
		case <-r.doneChan:
			r.logger.Info().Msg("Stop signal received. Winding down the run...")
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	r.startPipelines()

	// Snapshot the effective configuration next to the run's log
	snapshotPath := filepath.Join(r.config.GlobalConfig.LogDir, fmt.Sprintf("%s_config.json", r.runID))
	if err := r.config.SaveConfig(snapshotPath); err != nil {
		r.logger.Error().Err(err).Msg("")
	} else {
		r.logger.Info().Msgf("Saved effective configuration to %v", snapshotPath)
	}

	if err := r.tracker.Start(); err != nil {
		r.logger.Error().Err(err).Msg("")
		return struct{}{}
	}

	runState := state.New(r.runID)
	runState.Configuration = r.stateConfiguration()
	runState.MarkStarted()
	r.saveState(runState)

	for r.tracker.Allowed() && runCtx.Err() == nil {
		proceed, err := r.tracker.Advance()
		if err != nil || !proceed {
			break
		}
		r.executeIteration(runCtx, r.tracker.Current())
	}

	// A run ending without a decision either ran out of budget or was
	// stopped between iterations
	if r.finalReason == "" {
		if runCtx.Err() != nil {
			r.tracker.Terminate("signal")
			r.logTermination(termination.ReasonManualStop, nil)
		} else {
			r.tracker.Complete()
			r.logTermination(termination.ReasonMaxIterations, nil)
		}
	}

	switch r.finalReason {
	case termination.ReasonManualStop:
		runState.MarkInterrupted()
	case termination.ReasonError:
		runState.MarkFailed(fmt.Sprintf("%v", r.lastErr))
	default:
		runState.MarkCompleted()
	}
	runState.Metrics = r.terminationMetrics()
	r.saveState(runState)

	r.Close()
	r.logger.Info().Msg("Done closing all sink pipelines")

	r.Cleanup()

	return struct{}{}
}

// executeIteration runs one step of the loop: state bookkeeping, step
// execution with retries, entry recording and the termination decision
func (r *Runner) executeIteration(runCtx context.Context, iteration int) {
	iterState := state.New(fmt.Sprintf("%s_iteration_%04d", r.runID, iteration))
	iterState.Configuration = r.stateConfiguration()
	iterState.MarkStarted()
	r.saveState(iterState)

	result, stepErr := r.executeStep(runCtx, iteration)
	if stepErr != nil {
		// A step killed by the stop signal is an interruption, not a failure
		if runCtx.Err() != nil {
			iterState.MarkInterrupted()
			r.saveState(iterState)
			r.tracker.Terminate("signal")
			r.logTermination(termination.ReasonManualStop, map[string]any{"iteration": iteration})
			return
		}

		r.recordEntry(runlog.Entry{
			Iteration: iteration,
			Status:    runlog.StatusError,
			Context:   map[string]string{"error": stepErr.Error()},
		})
		iterState.MarkFailed(stepErr.Error())
		r.saveState(iterState)
		r.lastErr = stepErr
		r.reporter.ReportError(stepErr, map[string]any{"iteration": iteration}, errreport.SeverityHigh)

		if r.config.Run.AbortOnError {
			r.tracker.Error(stepErr.Error())
			r.logTermination(termination.ReasonError, map[string]any{
				"iteration": iteration,
				"error":     stepErr.Error(),
			})
		}
		return
	}

	entry := runlog.Entry{
		Iteration: iteration,
		Status:    result.status,
		Score:     result.score,
		Metrics:   result.metrics,
	}
	if r.plateaued(result.score) {
		entry.Context = map[string]string{"plateau": "true"}
	}
	r.scores = append(r.scores, result.score)
	r.recordEntry(entry)

	iterState.Metrics = map[string]any{"performance_score": result.score}
	for name, value := range result.metrics {
		iterState.Metrics[name] = value
	}
	iterState.MarkCompleted()
	r.saveState(iterState)

	if decision := r.conditions.Evaluate(result.score); decision.Terminate {
		if decision.Reason == termination.ReasonMaxIterations {
			r.tracker.Complete()
		} else {
			r.tracker.Terminate(string(decision.Reason))
		}
		r.logTermination(decision.Reason, nil)
	}
}

// executeStep invokes the configured step program once per retry
// attempt and parses the result from its last output line
func (r *Runner) executeStep(runCtx context.Context, iteration int) (stepResult, error) {
	var result stepResult

	command := r.config.Run.Step.Command
	err := r.retrier.Do(runCtx, func() error {
		stepCtx := runCtx
		if timeout := r.config.Run.Step.Timeout; timeout > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(runCtx, timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(stepCtx, command[0], command[1:]...)
		cmd.Dir = r.config.Run.Step.WorkDir
		cmd.Env = append(os.Environ(), r.config.StepEnvironment()...)
		cmd.Env = append(cmd.Env,
			fmt.Sprintf("ALP_RUN_ID=%s", r.runID),
			fmt.Sprintf("ALP_ITERATION=%d", iteration),
		)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if stderrOutput := strings.TrimSpace(stderr.String()); stderrOutput != "" {
				r.logger.Debug().Str("stderr", stderrOutput).Msg("Step command failed")
			}
			return fmt.Errorf("step command failed: %w", err)
		}

		parsed, err := parseStepResult(stdout.String())
		if err != nil {
			return err
		}
		result = parsed
		return nil
	})

	return result, err
}

// parseStepResult reads the step's verdict from the last non-empty
// stdout line, expected to be a JSON object carrying the score
func parseStepResult(stdout string) (stepResult, error) {
	var result stepResult

	lines := lo.Filter(strings.Split(stdout, "\n"), func(line string, _ int) bool {
		return strings.TrimSpace(line) != ""
	})
	if len(lines) == 0 {
		return result, fmt.Errorf("step produced no result output")
	}
	resultLine := strings.TrimSpace(lines[len(lines)-1])

	if !gjson.Valid(resultLine) {
		return result, fmt.Errorf("step result line is not valid JSON: %q", resultLine)
	}
	parsed := gjson.Parse(resultLine)

	score := parsed.Get("performance_score")
	if !score.Exists() {
		score = parsed.Get("score")
	}
	if !score.Exists() {
		return result, fmt.Errorf("step result carries no performance score: %q", resultLine)
	}
	result.score = score.Float()

	result.status = runlog.StatusSuccess
	if status := parsed.Get("status"); status.Exists() {
		result.status = runlog.Status(status.String())
	}

	if metricsField := parsed.Get("metrics"); metricsField.IsObject() {
		result.metrics = make(map[string]float64)
		metricsField.ForEach(func(key, value gjson.Result) bool {
			result.metrics[key.String()] = value.Float()
			return true
		})
	}

	return result, nil
}

// recordEntry appends the entry to the run log and hands it to every
// sink pipeline
func (r *Runner) recordEntry(entry runlog.Entry) {
	if err := r.runLogger.Append(entry); err != nil {
		r.reporter.ReportError(err, map[string]any{"iteration": entry.Iteration}, errreport.SeverityMedium)
	}

	for _, p := range r.pipelines {
		if p.transformer != nil {
			p.transformer.TransformChan <- entry
			continue
		}
		p.buffer.BufferChan <- entry
	}
}

// plateaued reports whether the score moved less than the early
// stopping tolerance since the previous iteration
func (r *Runner) plateaued(score float64) bool {
	if len(r.scores) == 0 {
		return false
	}
	return math.Abs(score-r.scores[len(r.scores)-1]) < r.config.Learning.Iteration.EarlyStoppingTolerance
}

func (r *Runner) logTermination(reason termination.Reason, additionalContext map[string]any) {
	r.finalReason = reason

	if additionalContext == nil {
		additionalContext = map[string]any{}
	}
	additionalContext["run_id"] = r.runID

	if _, err := r.eventLogger.LogTermination(reason, r.tracker.Current(), r.terminationMetrics(), additionalContext); err != nil {
		r.logger.Error().Err(err).Msg("")
	}
}

// terminationMetrics aggregates the run's scores for termination events
// and the final run state
func (r *Runner) terminationMetrics() map[string]any {
	if len(r.scores) == 0 {
		return map[string]any{}
	}
	return map[string]any{
		"best_score":    r.conditions.BestPerformance(),
		"average_score": lo.Sum(r.scores) / float64(len(r.scores)),
		"last_score":    r.scores[len(r.scores)-1],
	}
}

func (r *Runner) stateConfiguration() map[string]any {
	return map[string]any{
		"algorithm":      string(r.config.Learning.Algorithm),
		"max_iterations": r.config.Learning.Iteration.MaxIterations,
		"learning_rate":  r.config.Learning.Hyperparameters.LearningRate,
		"batch_size":     r.config.Learning.Hyperparameters.BatchSize,
	}
}

func (r *Runner) saveState(s *state.State) {
	if err := r.stateManager.Save(s); err != nil {
		r.logger.Error().Err(err).Msg("")
	}
}

func (r *Runner) startPipelines() {
	for _, p := range r.pipelines {
		p := p

		r.forwarderWg.Add(1)
		go func() {
			defer r.forwarderWg.Done()
			p.forwarder.Run(p.buffer.BufferChan)
		}()

		r.bufferWg.Add(1)
		go func() {
			defer r.bufferWg.Done()
			p.buffer.Run(p.forwarder.EventChan)
		}()

		if r.config.GlobalConfig.DiskBuffer.Enabled {
			r.bufferWg.Add(3)
			go func() {
				defer r.bufferWg.Done()
				p.buffer.BufferSegmentToDiskLoop()
			}()
			go func() {
				defer r.bufferWg.Done()
				p.buffer.LoadSegmentToForwarderLoop(p.forwarder.EventChan)
			}()
			go func() {
				defer r.bufferWg.Done()
				p.buffer.DeleteUsedSegmentFileLoop()
			}()
		}

		if p.transformer != nil {
			r.transformerWg.Add(1)
			go func() {
				defer r.transformerWg.Done()
				p.transformer.Run([]chan runlog.Entry{p.buffer.BufferChan})
			}()
		}
	}
}

// Close shuts the sink pipelines down in order, producers before
// consumers, so recorded entries drain all the way to the sinks
func (r *Runner) Close() {
	for _, p := range r.pipelines {
		if p.transformer != nil {
			p.transformer.Close()
		}
	}
	r.logger.Info().Msg("Sent close signal to created transformers")
	r.transformerWg.Wait()

	for _, p := range r.pipelines {
		p.buffer.Close()
	}
	r.logger.Info().Msg("Sent close signal to created buffers")
	r.bufferWg.Wait()

	for _, p := range r.pipelines {
		p.forwarder.Close()
	}
	r.logger.Info().Msg("Sent close signal to created forwarders")
	r.forwarderWg.Wait()

	// Submit metrics on closed runner
	metrics.Meters.InitializedComponents["runner"].Add(r.ctx, -1)

	r.cancelFunc()
}

// Cleanup persists undelivered entries once everything has been shut
// down, mapping each sink's signature to its buffered file in the
// registry for redelivery on the next run
func (r *Runner) Cleanup() {
	if !r.config.GlobalConfig.DiskBuffer.Enabled {
		return
	}

	diskBufferedFilepaths := make(map[string]string, len(r.pipelines))
	for _, p := range r.pipelines {
		diskBufferedFilepath, err := p.buffer.PersistToDisk()
		if err != nil {
			r.logger.Error().Err(err).Msg("")
			continue
		}
		diskBufferedFilepaths[p.buffer.GetSignature()] = diskBufferedFilepath
	}
	if err := registry.SaveDiskBufferedFilePaths(r.registrar.GetRegistryDirPath(), diskBufferedFilepaths); err != nil {
		r.logger.Error().Err(err).Msg("")
	}
	r.logger.Info().Msg("Finish persisting buffered entries to disk")
}

// GetRunID returns the run's identifier
func (r *Runner) GetRunID() string {
	return r.runID
}
