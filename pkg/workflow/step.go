package workflow

import (
	"context"
	"time"
)

const (
	// default step timeout is 1m
	DefaultStepTimeout = 60 * time.Second

	// default sleep between retry attempts when no backoff is configured
	DefaultRetryBackoff = 100 * time.Millisecond
)

// Action is the executable unit behind a step. The engine never
// interprets what an action does; it only sequences, checkpoints and
// retries it. Implementations must run to completion once started and
// honor ctx for cancellation and timeouts.
type Action interface {
	Execute(ctx context.Context, wc *Context) (any, error)
}

// ActionFunc adapts a plain function to the Action interface.
type ActionFunc func(ctx context.Context, wc *Context) (any, error)

func (f ActionFunc) Execute(ctx context.Context, wc *Context) (any, error) {
	return f(ctx, wc)
}

// Condition is a predicate evaluated against the run's context to
// decide whether a step executes or a switch branch is taken.
type Condition func(wc *Context) (bool, error)

// RetryPolicy configures per-step retries. MaxAttempts counts the first
// execution, so a zero value means "execute once, never retry".
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Attempts normalizes MaxAttempts to at least one execution.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Branch is one named case of a switch step.
type Branch struct {
	Name      string
	Condition Condition
	Steps     []Step
}

// Step is a named unit of work within a workflow. A step either holds
// an Action or, for switch steps, a list of Branches (never both).
type Step struct {
	Name       string
	ActionName string // Registry key; defaults to Name for code-built workflows
	Action     Action
	Condition  Condition // nil means "always execute"
	Retry      RetryPolicy
	Timeout    *time.Duration
	Branches   []Branch
}

// IsSwitch reports whether the step selects between named branches
// instead of executing an action.
func (s Step) IsSwitch() bool {
	return len(s.Branches) > 0
}
