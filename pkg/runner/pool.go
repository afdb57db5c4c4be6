package runner

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/pkg/workflow"
)

// Logger defines the logging interface runner components require.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type execRequest struct {
	ctx   context.Context
	step  workflow.Step
	wc    *workflow.Context
	reply chan execResult
}

type execResult struct {
	output any
	err    error
}

// Pool is the bounded worker pool step actions are offloaded to, so a
// slow or blocking step never stalls the scheduling loop driving other
// runs in the same process.
type Pool struct {
	jobs   chan execRequest
	wg     sync.WaitGroup
	ctx    context.Context
	logger Logger
}

func NewPool(ctx context.Context, logger Logger) *Pool {
	return &Pool{ctx: ctx, logger: logger}
}

// Start begins the pool with the specified number of workers.
func (p *Pool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p.jobs = make(chan execRequest, workers)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop gracefully stops the pool, letting in-flight steps run to
// completion.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for req := range p.jobs {
		if p.ctx.Err() != nil {
			req.reply <- execResult{err: p.ctx.Err()}
			continue
		}
		output, err := p.runStep(req.ctx, req.step, req.wc)
		req.reply <- execResult{output: output, err: err}
	}
}

// Execute schedules one step on the pool and waits for its outcome,
// applying the step's retry policy and per-attempt timeout.
func (p *Pool) Execute(ctx context.Context, step workflow.Step, wc *workflow.Context) (any, error) {
	reply := make(chan execResult, 1)
	select {
	case p.jobs <- execRequest{ctx: ctx, step: step, wc: wc, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r := <-reply
	return r.output, r.err
}

// runStep executes one step with retries. Each attempt gets its own
// timeout context; the action runs in a goroutine so a wedged action
// cannot hold the attempt past its deadline.
func (p *Pool) runStep(ctx context.Context, step workflow.Step, wc *workflow.Context) (any, error) {
	// Definitions loaded for sequencing only carry action names, not
	// implementations; they cannot execute in-process.
	if step.Action == nil {
		return nil, fmt.Errorf("no action bound for '%s'", step.ActionName)
	}
	timeout := workflow.DefaultStepTimeout
	if step.Timeout != nil {
		timeout = *step.Timeout
	}
	backoff := step.Retry.Backoff
	if backoff <= 0 {
		backoff = workflow.DefaultRetryBackoff
	}
	attempts := step.Retry.Attempts()

	var output any
	var stepErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		p.logger.Infof("Starting step %s attempt %d", step.Name, attempt)

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		resultCh := make(chan execResult, 1)
		go func() {
			out, err := step.Action.Execute(attemptCtx, wc)
			resultCh <- execResult{output: out, err: err}
		}()

		select {
		case r := <-resultCh:
			output, stepErr = r.output, r.err
		case <-attemptCtx.Done():
			output, stepErr = nil, attemptCtx.Err()
		}
		cancel()

		if stepErr == nil {
			return output, nil
		}
		if attempt < attempts {
			p.logger.Infof("Retrying step %s (attempt %d/%d): %v", step.Name, attempt, attempts, stepErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	p.logger.Infof("Step %s failed after %d attempts: %v", step.Name, attempts, stepErr)
	return nil, stepErr
}
