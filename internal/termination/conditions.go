package termination

import (
	"math"
	"sync"
)

// Reason a run stopped, serialized into termination events
type Reason string

const (
	ReasonMaxIterations        Reason = "MAX_ITERATIONS"
	ReasonPerformanceThreshold Reason = "PERFORMANCE_THRESHOLD"
	ReasonManualStop           Reason = "MANUAL_STOP"
	ReasonError                Reason = "ERROR"
	ReasonUnknown              Reason = "UNKNOWN"
)

// Decision is the outcome of evaluating termination conditions after
// one iteration
type Decision struct {
	Terminate bool
	Reason    Reason
}

// Conditions evaluates when a learning run should stop, either by
// iteration budget or by reaching a performance threshold
type Conditions struct {
	mu               sync.Mutex
	maxIterations    int
	threshold        float64
	currentIteration int
	bestPerformance  float64
}

type ConditionsOptions struct {
	// Defaults to 100 when zero
	MaxIterations int
	// Defaults to 0.95 when zero
	PerformanceThreshold float64
}

func NewConditions(opts ConditionsOptions) *Conditions {
	if opts.MaxIterations == 0 {
		opts.MaxIterations = 100
	}
	if opts.PerformanceThreshold == 0 {
		opts.PerformanceThreshold = 0.95
	}

	return &Conditions{
		maxIterations: opts.MaxIterations,
		threshold:     opts.PerformanceThreshold,
	}
}

// Evaluate accounts one finished iteration and decides whether the run
// should stop. The iteration budget is checked before the performance
// threshold
func (c *Conditions) Evaluate(currentPerformance float64) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.currentIteration++
	c.bestPerformance = math.Max(c.bestPerformance, currentPerformance)

	if c.currentIteration >= c.maxIterations {
		return Decision{Terminate: true, Reason: ReasonMaxIterations}
	}
	if currentPerformance >= c.threshold {
		return Decision{Terminate: true, Reason: ReasonPerformanceThreshold}
	}

	return Decision{}
}

// Reset clears the evaluated iteration count and best performance
func (c *Conditions) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.currentIteration = 0
	c.bestPerformance = 0.0
}

// Iterations returns how many iterations have been evaluated
func (c *Conditions) Iterations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentIteration
}

// BestPerformance returns the highest score seen so far
func (c *Conditions) BestPerformance() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bestPerformance
}
