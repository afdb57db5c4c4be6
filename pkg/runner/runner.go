package runner

import (
	"context"

	"github.com/pkg/errors"
	"github.com/stepflow-io/stepflow/pkg/workflow"
)

// Runner executes workflows in-process with no persistence. Steps of
// one run execute strictly in order; many runs may execute
// concurrently on the shared pool.
type Runner struct {
	pool   *Pool
	logger Logger
}

// NewRunner starts a runner whose pool lives until Stop (or until
// ctx is cancelled). workers <= 0 defaults to the CPU count.
func NewRunner(ctx context.Context, logger Logger, workers int) *Runner {
	pool := NewPool(ctx, logger)
	pool.Start(workers)
	return &Runner{pool: pool, logger: logger}
}

// Stop drains the pool, letting in-flight steps finish.
func (r *Runner) Stop() {
	r.pool.Stop()
}

// Run executes wf against a fresh context seeded with initial and
// returns the final context. The error, if any, identifies the failing
// step.
func (r *Runner) Run(ctx context.Context, wf *workflow.Workflow, initial map[string]any) (*workflow.Context, error) {
	wc := workflow.NewContext(initial)
	return wc, r.Execute(ctx, wf, wc)
}

// Execute drives wf over the given context: before_all, each step in
// declared order (or along the taken branch), then after_all. A step
// failure invokes on_error exactly once with the failing step's name
// and stops the run; later steps never execute.
func (r *Runner) Execute(ctx context.Context, wf *workflow.Workflow, wc *workflow.Context) error {
	if wf.BeforeAll != nil {
		if err := wf.BeforeAll(wc); err != nil {
			return errors.Wrapf(err, "before_all hook for workflow '%s'", wf.Name)
		}
	}

	completed := make(map[string]bool)
	for {
		// NextStep marks skipped steps in the completed set, so a
		// condition-false step stays skipped for the rest of the run.
		step, _, err := wf.NextStep(completed, wc)
		if err != nil {
			return r.fail(wf, wc, err)
		}
		if step == nil {
			break
		}

		if step.IsSwitch() {
			branch, err := step.SelectBranch(wc)
			if err != nil {
				return r.fail(wf, wc, err)
			}
			wc.Set(step.Name, branch.Name)
			completed[step.Name] = true
			continue
		}

		output, err := r.pool.Execute(ctx, *step, wc)
		if err != nil {
			return r.fail(wf, wc, workflow.NewStepExecutionError(step.Name, err))
		}
		wc.Set(step.Name, output)
		completed[step.Name] = true
	}

	if wf.AfterAll != nil {
		if err := wf.AfterAll(wc); err != nil {
			return errors.Wrapf(err, "after_all hook for workflow '%s'", wf.Name)
		}
	}
	return nil
}

// fail invokes the workflow's on_error hook once and returns err.
func (r *Runner) fail(wf *workflow.Workflow, wc *workflow.Context, err error) error {
	var stepErr *workflow.StepExecutionError
	if errors.As(err, &stepErr) && wf.OnError != nil {
		wf.OnError(wc, stepErr.StepName, stepErr.Err)
	}
	r.logger.Errorf("Workflow '%s' failed: %v", wf.Name, err)
	return err
}
