package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Strategy determines how the delay between attempts grows
type Strategy string

const (
	StrategyConstant    Strategy = "constant"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// ParseStrategy validates a configured strategy name. An empty name
// selects the exponential default
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(raw) {
	case StrategyConstant, StrategyLinear, StrategyExponential:
		return Strategy(raw), nil
	case "":
		return StrategyExponential, nil
	}
	return "", fmt.Errorf("unknown retry strategy %q", raw)
}

// Retrier reruns transiently failing operations with a configurable
// backoff between attempts
type Retrier struct {
	maxRetries   int
	initialDelay time.Duration
	strategy     Strategy
	onRetry      func(attempt int, err error)
	logger       zerolog.Logger
}

type RetrierOptions struct {
	// Total attempt budget, first try included. Defaults to 3
	MaxRetries int
	// Delay before the second attempt. Defaults to 1s
	InitialDelay time.Duration
	// Defaults to the exponential strategy
	Strategy Strategy
	// Called after every failed attempt, the final one included
	OnRetry func(attempt int, err error)
	Logger  zerolog.Logger
}

func NewRetrier(opts RetrierOptions) *Retrier {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = time.Second
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyExponential
	}

	return &Retrier{
		maxRetries:   opts.MaxRetries,
		initialDelay: opts.InitialDelay,
		strategy:     opts.Strategy,
		onRetry:      opts.OnRetry,
		logger:       opts.Logger,
	}
}

// Do runs the operation until it succeeds or the attempt budget is
// spent, returning the last error in the latter case
func (r *Retrier) Do(ctx context.Context, operation func() error) error {
	attempt := 0
	attempted := func() error {
		attempt++
		err := operation()
		if err != nil {
			r.logger.Warn().Err(err).Msgf("Retry attempt %d/%d", attempt, r.maxRetries)
			if r.onRetry != nil {
				r.onRetry(attempt, err)
			}
			metrics.Meters.RetriedAttemptCount.Add(ctx, 1)
		}
		return err
	}

	err := backoff.Retry(attempted, backoff.WithContext(
		backoff.WithMaxRetries(r.newBackOff(), uint64(r.maxRetries-1)),
		ctx,
	))
	if err != nil {
		r.logger.Error().Msg("All retry attempts failed")
	}

	return err
}

func (r *Retrier) newBackOff() backoff.BackOff {
	switch r.strategy {
	case StrategyConstant:
		return backoff.NewConstantBackOff(r.initialDelay)
	case StrategyLinear:
		return &linearBackOff{initial: r.initialDelay}
	default:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.initialDelay
		b.RandomizationFactor = 0
		b.Multiplier = 2
		// Attempts are bounded by the retry budget, not elapsed time
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// linearBackOff grows the delay by the initial amount on every retry
type linearBackOff struct {
	initial time.Duration
	retries int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.retries++
	return l.initial * time.Duration(l.retries)
}

func (l *linearBackOff) Reset() {
	l.retries = 0
}
