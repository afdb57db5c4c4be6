package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stepflow-io/stepflow/pkg/models"
	"github.com/stepflow-io/stepflow/pkg/workflow"
)

// Logger defines the logging interface the worker requires.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMaxBackoff   = 10 * time.Second
)

// Worker repeatedly claims a task from the job server, executes the
// corresponding action against the task's context snapshot and reports
// the outcome. It holds no run state across polls, so any number of
// workers may be started, stopped or scaled out with no coordination
// beyond the server's claim protocol.
type Worker struct {
	id           string
	client       *resty.Client
	registry     *workflow.Registry
	logger       Logger
	pollInterval time.Duration
	maxBackoff   time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

// WithPollInterval sets the initial delay between empty claim polls.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithMaxBackoff caps the backoff between consecutive empty polls.
func WithMaxBackoff(d time.Duration) Option {
	return func(w *Worker) { w.maxBackoff = d }
}

// New creates a worker talking to the job server at serverURL,
// resolving step actions from reg.
func New(serverURL, id string, reg *workflow.Registry, logger Logger, opts ...Option) *Worker {
	w := &Worker{
		id:           id,
		client:       resty.New().SetBaseURL(serverURL),
		registry:     reg,
		logger:       logger,
		pollInterval: DefaultPollInterval,
		maxBackoff:   DefaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls for tasks until ctx is cancelled. An empty claim is not an
// error; the worker backs off exponentially up to its cap and resets
// after real work.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Infof("Worker %s started", w.id)
	backoff := w.pollInterval
	for {
		task, err := w.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Errorf("Worker %s claim failed: %v", w.id, err)
		} else if task != nil {
			w.execute(ctx, task)
			backoff = w.pollInterval
			continue
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			w.logger.Infof("Worker %s stopping: %v", w.id, ctx.Err())
			return ctx.Err()
		}
		backoff *= 2
		if backoff > w.maxBackoff {
			backoff = w.maxBackoff
		}
	}
}

func (w *Worker) claim(ctx context.Context) (*models.Task, error) {
	var task models.Task
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"worker_id": w.id}).
		SetResult(&task).
		Post("/tasks/claim")
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return &task, nil
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, fmt.Errorf("claim returned %d: %s", resp.StatusCode(), resp.String())
	}
}

// execute runs the claimed task's action once. Retries are the
// server's concern: a failure report either re-exposes the task or
// fails the run according to the step's retry policy.
func (w *Worker) execute(ctx context.Context, task *models.Task) {
	w.logger.Infof("Worker %s executing run %s step %s (attempt %d)", w.id, task.RunID, task.StepName, task.Attempts)

	action, ok := w.registry.Resolve(task.ActionName)
	if !ok {
		w.report(ctx, task, nil, fmt.Sprintf("action '%s' is not registered on worker %s", task.ActionName, w.id))
		return
	}

	timeout := workflow.DefaultStepTimeout
	if task.Timeout != nil {
		timeout = *task.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wc := workflow.NewContext(task.Context)
	type result struct {
		output any
		err    error
	}
	resultCh := make(chan result, 1)
	go func() {
		out, err := action.Execute(attemptCtx, wc)
		resultCh <- result{output: out, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			w.report(ctx, task, nil, r.err.Error())
			return
		}
		w.report(ctx, task, r.output, "")
	case <-attemptCtx.Done():
		w.report(ctx, task, nil, attemptCtx.Err().Error())
	}
}

func (w *Worker) report(ctx context.Context, task *models.Task, output any, errMsg string) {
	body := map[string]any{
		"task_id":   task.ID,
		"worker_id": w.id,
	}
	if errMsg != "" {
		body["error"] = errMsg
	} else {
		body["output"] = output
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("/tasks/report")
	if err != nil {
		// The claim will expire and the task will be re-claimed.
		w.logger.Errorf("Worker %s failed to report task %s: %v", w.id, task.ID, err)
		return
	}
	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusConflict:
		w.logger.Infof("Worker %s report for task %s rejected: claim expired", w.id, task.ID)
	default:
		w.logger.Errorf("Worker %s report for task %s returned %d: %s", w.id, task.ID, resp.StatusCode(), resp.String())
	}
}
