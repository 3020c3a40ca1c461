package agent

import (
	"time"

	"github.com/haasonsaas/browseragent/internal/observability"
)

// RuntimeOptions configures tool execution and loop behavior for a single
// agent loop run (either a single-tab session or a research sub-task).
type RuntimeOptions struct {
	// MaxIterations is the step budget: the maximum number of reason/act
	// cycles before the loop aborts with StepBudgetExhausted. Single-tab
	// sessions default to 30, sub-task agents to 20.
	MaxIterations int

	// ToolParallelism caps concurrent tool execution (tool calls within a
	// single assistant turn execute concurrently up to this bound).
	ToolParallelism int

	// ToolTimeout applies a default timeout to each tool call.
	ToolTimeout time.Duration

	// ToolMaxAttempts controls retry attempts for tool execution.
	ToolMaxAttempts int

	// ToolRetryBackoff waits between retry attempts.
	ToolRetryBackoff time.Duration

	// DisableToolEvents disables ToolEvent emission while processing.
	DisableToolEvents bool

	// MaxToolCalls limits total tool calls per request (0 = unlimited).
	MaxToolCalls int

	// ToolResultGuard redacts tool results before they enter the transcript.
	ToolResultGuard ToolResultGuard

	// Logger receives runtime diagnostics.
	Logger *observability.Logger
}

// DefaultRuntimeOptions returns the baseline runtime options for a
// single-tab agent session.
func DefaultRuntimeOptions() RuntimeOptions {
	return RuntimeOptions{
		MaxIterations:     30,
		ToolParallelism:   4,
		ToolTimeout:       30 * time.Second,
		ToolMaxAttempts:   1,
		ToolRetryBackoff:  0,
		DisableToolEvents: false,
		MaxToolCalls:      0,
		Logger:            observability.DefaultLogger(),
	}
}

// SubTaskRuntimeOptions returns runtime options tuned for a research
// sub-task agent: a tighter step budget and a 90 second wall-clock timeout
// enforced by the caller via context.
func SubTaskRuntimeOptions() RuntimeOptions {
	opts := DefaultRuntimeOptions()
	opts.MaxIterations = 20
	return opts
}

func mergeRuntimeOptions(base RuntimeOptions, override RuntimeOptions) RuntimeOptions {
	merged := base
	if override.MaxIterations > 0 {
		merged.MaxIterations = override.MaxIterations
	}
	if override.ToolParallelism > 0 {
		merged.ToolParallelism = override.ToolParallelism
	}
	if override.ToolTimeout > 0 {
		merged.ToolTimeout = override.ToolTimeout
	}
	if override.ToolMaxAttempts > 0 {
		merged.ToolMaxAttempts = override.ToolMaxAttempts
	}
	if override.ToolRetryBackoff > 0 {
		merged.ToolRetryBackoff = override.ToolRetryBackoff
	}
	if override.DisableToolEvents {
		merged.DisableToolEvents = true
	}
	if override.MaxToolCalls > 0 {
		merged.MaxToolCalls = override.MaxToolCalls
	}
	if override.ToolResultGuard.active() {
		merged.ToolResultGuard = override.ToolResultGuard
	}
	if override.Logger != nil {
		merged.Logger = override.Logger
	}
	return merged
}
