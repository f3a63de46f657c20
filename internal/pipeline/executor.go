package pipeline

import "context"

// Strategy selects how stage work is performed. It is chosen once at job
// start and is immutable for the lifetime of a run.
type Strategy string

const (
	StrategySimulated Strategy = "simulated"
	StrategyLive      Strategy = "live"
)

// ParseStrategy maps a caller-supplied name onto a Strategy, defaulting to
// simulated for the empty string.
func ParseStrategy(name string) (Strategy, bool) {
	switch Strategy(name) {
	case "", StrategySimulated:
		return StrategySimulated, true
	case StrategyLive:
		return StrategyLive, true
	}
	return "", false
}

// Executor performs one pipeline stage's work. Implementations block until
// they can resolve to exactly one outcome: a payload on success, or a
// *StageError on failure. The runner never distinguishes between the
// simulated and live variants.
type Executor interface {
	Execute(ctx context.Context, stage Stage, job *Job, prior Outputs) (Payload, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, stage Stage, job *Job, prior Outputs) (Payload, error)

func (f ExecutorFunc) Execute(ctx context.Context, stage Stage, job *Job, prior Outputs) (Payload, error) {
	return f(ctx, stage, job, prior)
}
