package runner

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stepflow-io/stepflow/pkg/models"
	"github.com/stepflow-io/stepflow/pkg/storage"
	"github.com/stepflow-io/stepflow/pkg/workflow"
)

// StepResult is one resolved step in a status report.
type StepResult struct {
	Name      string    `json:"name"`
	Output    any       `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RunReport is the externally visible state of a run, always derived
// from the checkpoint store, never from in-memory state alone.
type RunReport struct {
	RunID          string           `json:"run_id"`
	WorkflowName   string           `json:"workflow_name"`
	Status         models.RunStatus `json:"status"`
	CompletedSteps []StepResult     `json:"completed_steps"`
	Frontier       *string          `json:"current_frontier"`
}

// DistributedRunner coordinates runs whose steps execute on remote
// workers. It owns the claimable task board and the canonical context
// of every live run; all durable progress goes through the checkpoint
// store, so any number of crashes survive as long as the store does.
type DistributedRunner struct {
	store     storage.Store
	logger    Logger
	board     *taskBoard
	workflows map[string]*workflow.Workflow
	wfMu      sync.RWMutex
	advanceMu sync.Mutex // serializes frontier advancement
	claimTTL  time.Duration
	sweepStop chan struct{}
	sweepOnce sync.Once
}

// Option configures a DistributedRunner.
type Option func(*DistributedRunner)

// WithClaimTTL sets how long a worker holds a claim before the task
// becomes re-claimable.
func WithClaimTTL(ttl time.Duration) Option {
	return func(d *DistributedRunner) { d.claimTTL = ttl }
}

func NewDistributedRunner(store storage.Store, logger Logger, opts ...Option) *DistributedRunner {
	d := &DistributedRunner{
		store:     store,
		logger:    logger,
		workflows: make(map[string]*workflow.Workflow),
		claimTTL:  DefaultClaimTTL,
		sweepStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.board = newTaskBoard(d.claimTTL)
	return d
}

// RegisterWorkflow makes a workflow definition submittable. Many runs
// may share one definition.
func (d *DistributedRunner) RegisterWorkflow(wf *workflow.Workflow) error {
	d.wfMu.Lock()
	defer d.wfMu.Unlock()
	if _, exists := d.workflows[wf.Name]; exists {
		return fmt.Errorf("workflow '%s' already registered", wf.Name)
	}
	d.workflows[wf.Name] = wf
	d.logger.Infof("Registered workflow '%s'", wf.Name)
	return nil
}

func (d *DistributedRunner) workflow(name string) (*workflow.Workflow, bool) {
	d.wfMu.RLock()
	defer d.wfMu.RUnlock()
	wf, ok := d.workflows[name]
	return wf, ok
}

// StartSweeper runs a janitor flipping expired claims back to
// unclaimed every interval, until Stop. Expiry is also applied lazily
// at claim time; the sweeper only shortens detection.
func (d *DistributedRunner) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = d.claimTTL / 2
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := d.board.Sweep(time.Now()); n > 0 {
					d.logger.Infof("Expired %d stale claims", n)
				}
			case <-d.sweepStop:
				return
			}
		}
	}()
}

// Stop halts the sweeper. Pending runs stay resumable via Recover.
func (d *DistributedRunner) Stop() {
	d.sweepOnce.Do(func() { close(d.sweepStop) })
}

// Submit registers a new run of the named workflow, persists it with
// status PENDING and returns its ID immediately; it never blocks for
// completion.
func (d *DistributedRunner) Submit(workflowName string, initial map[string]any) (string, error) {
	wf, ok := d.workflow(workflowName)
	if !ok {
		return "", fmt.Errorf("workflow '%s' is not registered", workflowName)
	}

	wc := workflow.NewContext(initial)
	if wf.BeforeAll != nil {
		if err := wf.BeforeAll(wc); err != nil {
			return "", errors.Wrapf(err, "before_all hook for workflow '%s'", workflowName)
		}
	}

	ctxJSON, err := json.Marshal(wc.Snapshot())
	if err != nil {
		return "", errors.Wrap(err, "serialize initial context")
	}

	run := models.Run{
		ID:           uuid.NewString(),
		WorkflowName: workflowName,
		Status:       models.PendingRunStatus,
		Context:      ctxJSON,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := d.store.SaveRun(run); err != nil {
		return "", err
	}
	d.logger.Infof("Submitted run %s of workflow '%s'", run.ID, workflowName)

	if err := d.advance(run.ID); err != nil {
		d.logger.Errorf("Failed to seed first task for run %s: %v", run.ID, err)
	}
	return run.ID, nil
}

// Status reports the run's durably recorded state: its status, the
// latest record per resolved step and the current frontier.
func (d *DistributedRunner) Status(runID string) (RunReport, error) {
	run, err := d.store.GetRun(runID)
	if err != nil {
		return RunReport{}, err
	}
	checkpoints, err := d.store.ListCheckpoints(runID)
	if err != nil {
		return RunReport{}, err
	}

	report := RunReport{RunID: runID, WorkflowName: run.WorkflowName, Status: run.Status}
	latest := make(map[string]int)
	for _, cp := range checkpoints {
		result := StepResult{Name: cp.StepName, Error: cp.ErrorMsg, Timestamp: cp.CreatedAt}
		if len(cp.Payload) > 0 {
			if err := json.Unmarshal(cp.Payload, &result.Output); err != nil {
				return RunReport{}, errors.Wrapf(err, "decode payload for step %s", cp.StepName)
			}
		}
		if i, seen := latest[cp.StepName]; seen {
			report.CompletedSteps[i] = result
		} else {
			latest[cp.StepName] = len(report.CompletedSteps)
			report.CompletedSteps = append(report.CompletedSteps, result)
		}
	}

	if run.Status.Terminal() {
		return report, nil
	}
	if wf, ok := d.workflow(run.WorkflowName); ok {
		if state, err := storage.LoadRunState(d.store, runID); err == nil {
			wc := workflow.NewContext(state.Context)
			if next, _, err := wf.NextStep(completedSet(state), wc); err == nil && next != nil {
				report.Frontier = &next.Name
			}
		}
	}
	return report, nil
}

// List returns every run the store knows about.
func (d *DistributedRunner) List() ([]models.Run, error) {
	return d.store.ListRuns()
}

// Cancel marks a run cancelled. Its unclaimed task is discarded; an
// already claimed task finishes but its report is ignored.
func (d *DistributedRunner) Cancel(runID string) error {
	run, err := d.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s is already %s", runID, run.Status)
	}
	if err := d.store.UpdateRunStatus(runID, models.CancelledRunStatus); err != nil {
		return err
	}
	d.board.DropRun(runID)
	d.logger.Infof("Cancelled run %s", runID)
	return nil
}

// Recover re-seeds tasks for every non-terminal run in the store,
// continuing each from its frontier. Completed steps are never
// re-executed. Call it once after process start.
func (d *DistributedRunner) Recover() error {
	ids, err := d.store.ListPendingRuns()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := d.advance(id); err != nil {
			d.logger.Errorf("Failed to recover run %s: %v", id, err)
		}
	}
	d.logger.Infof("Recovered %d pending runs", len(ids))
	return nil
}

// Claim hands one eligible task to workerID, or nil when none exists;
// an empty claim is backpressure, not an error. Tasks whose run has
// reached a terminal status are dropped instead of handed out; a
// cancelled run's claimed task can outlive the cancellation on the
// board until its claim expires, and must not be re-issued.
func (d *DistributedRunner) Claim(workerID string) (*models.Task, error) {
	for {
		task := d.board.Claim(workerID, time.Now())
		if task == nil {
			return nil, nil
		}
		run, err := d.store.GetRun(task.RunID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			d.board.Resolve(task.ID)
			d.logger.Infof("Dropping task %s: run %s is %s", task.ID, task.RunID, run.Status)
			continue
		}
		if run.Status == models.PendingRunStatus {
			if err := d.store.UpdateRunStatus(task.RunID, models.RunningRunStatus); err != nil {
				d.logger.Errorf("Failed to set run %s to RUNNING: %v", task.RunID, err)
			}
		}
		d.logger.Infof("Worker %s claimed task %s (run %s, step %s, attempt %d)",
			workerID, task.ID, task.RunID, task.StepName, task.Attempts)
		return task, nil
	}
}

// Report applies a worker's outcome for a claimed task. A report from
// a worker whose claim expired (or was re-claimed) is rejected with
// ErrClaimExpired and never touches the checkpoint store. Reports for
// cancelled runs are discarded.
func (d *DistributedRunner) Report(taskID, workerID string, output any, reportErr string) error {
	task, err := d.board.Verify(taskID, workerID, time.Now())
	if err != nil {
		return err
	}

	run, err := d.store.GetRun(task.RunID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		d.board.Resolve(taskID)
		d.logger.Infof("Discarding report for task %s: run %s is %s", taskID, task.RunID, run.Status)
		return nil
	}

	if reportErr == "" {
		return d.reportSuccess(task, output)
	}
	return d.reportFailure(task, run.WorkflowName, reportErr)
}

func (d *DistributedRunner) reportSuccess(task *models.Task, output any) error {
	payload, err := json.Marshal(output)
	if err != nil {
		return errors.Wrapf(err, "serialize output of step %s", task.StepName)
	}
	cp := models.Checkpoint{
		RunID:    task.RunID,
		StepName: task.StepName,
		Status:   models.CompletedCheckpointStatus,
		Payload:  payload,
		Attempts: task.Attempts,
	}
	// The claim stays held on a write failure so the worker can
	// re-report; the run remains in its prior state.
	if err := d.store.SaveCheckpoint(cp); err != nil {
		return err
	}
	d.board.Resolve(task.ID)
	d.logger.Infof("Step %s of run %s completed", task.StepName, task.RunID)
	return d.advance(task.RunID)
}

func (d *DistributedRunner) reportFailure(task *models.Task, workflowName, reportErr string) error {
	cp := models.Checkpoint{
		RunID:    task.RunID,
		StepName: task.StepName,
		Status:   models.FailedCheckpointStatus,
		ErrorMsg: reportErr,
		Attempts: task.Attempts,
	}
	if err := d.store.SaveCheckpoint(cp); err != nil {
		return err
	}

	wf, ok := d.workflow(workflowName)

	maxAttempts := 1
	backoff := workflow.DefaultRetryBackoff
	if ok {
		if step, found := wf.StepByName(task.StepName); found {
			maxAttempts = step.Retry.Attempts()
			if step.Retry.Backoff > 0 {
				backoff = step.Retry.Backoff
			}
		}
	}

	if task.Attempts < maxAttempts {
		d.board.Release(task.ID, time.Now().Add(backoff))
		d.logger.Infof("Step %s of run %s failed (attempt %d/%d), re-exposing: %s",
			task.StepName, task.RunID, task.Attempts, maxAttempts, reportErr)
		return nil
	}

	d.board.Resolve(task.ID)
	if err := d.store.UpdateRunStatus(task.RunID, models.FailedRunStatus); err != nil {
		return err
	}
	d.logger.Errorf("Run %s failed at step %s: %s", task.RunID, task.StepName, reportErr)

	if ok && wf.OnError != nil {
		if state, err := storage.LoadRunState(d.store, task.RunID); err == nil {
			wf.OnError(workflow.NewContext(state.Context), task.StepName, errors.New(reportErr))
		}
	}
	return nil
}

// advance re-derives the run's frontier from the store and posts its
// task. Switch steps are resolved inline (the server holds the branch
// predicates); their branch choice is checkpointed like a step output
// so the decision survives restarts.
func (d *DistributedRunner) advance(runID string) error {
	d.advanceMu.Lock()
	defer d.advanceMu.Unlock()

	run, err := d.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	wf, ok := d.workflow(run.WorkflowName)
	if !ok {
		return fmt.Errorf("workflow '%s' for run %s is not registered", run.WorkflowName, runID)
	}

	for {
		state, err := storage.LoadRunState(d.store, runID)
		if err != nil {
			return err
		}
		wc := workflow.NewContext(state.Context)

		next, skipped, err := wf.NextStep(completedSet(state), wc)
		if err != nil {
			return d.failRun(wf, runID, wc, err)
		}
		// Skip decisions are checkpointed like outputs so a resumed
		// run never revisits a passed-over step, even if a later
		// step's output would flip its condition.
		for _, stepName := range skipped {
			cp := models.Checkpoint{
				RunID:    runID,
				StepName: stepName,
				Status:   models.SkippedCheckpointStatus,
			}
			if err := d.store.SaveCheckpoint(cp); err != nil {
				return err
			}
			d.logger.Infof("Skipped step %s of run %s (condition false)", stepName, runID)
		}
		if next == nil {
			if err := d.store.UpdateRunStatus(runID, models.CompletedRunStatus); err != nil {
				return err
			}
			d.logger.Infof("Run %s completed", runID)
			if wf.AfterAll != nil {
				if err := wf.AfterAll(wc); err != nil {
					d.logger.Errorf("after_all hook for run %s: %v", runID, err)
				}
			}
			return nil
		}

		if next.IsSwitch() {
			branch, err := next.SelectBranch(wc)
			if err != nil {
				return d.failRun(wf, runID, wc, err)
			}
			payload, err := json.Marshal(branch.Name)
			if err != nil {
				return err
			}
			cp := models.Checkpoint{
				RunID:    runID,
				StepName: next.Name,
				Status:   models.CompletedCheckpointStatus,
				Payload:  payload,
			}
			if err := d.store.SaveCheckpoint(cp); err != nil {
				return err
			}
			continue
		}

		if d.board.Has(runID) {
			return nil
		}
		d.board.Add(models.Task{
			ID:         uuid.NewString(),
			RunID:      runID,
			StepName:   next.Name,
			ActionName: next.ActionName,
			Context:    wc.Snapshot(),
			Attempts:   state.Attempts[next.Name],
			Timeout:    next.Timeout,
		})
		d.logger.Infof("Posted task for run %s step %s", runID, next.Name)
		return nil
	}
}

func (d *DistributedRunner) failRun(wf *workflow.Workflow, runID string, wc *workflow.Context, err error) error {
	var stepErr *workflow.StepExecutionError
	if errors.As(err, &stepErr) {
		cp := models.Checkpoint{
			RunID:    runID,
			StepName: stepErr.StepName,
			Status:   models.FailedCheckpointStatus,
			ErrorMsg: stepErr.Err.Error(),
		}
		if saveErr := d.store.SaveCheckpoint(cp); saveErr != nil {
			return saveErr
		}
	}
	if updateErr := d.store.UpdateRunStatus(runID, models.FailedRunStatus); updateErr != nil {
		return updateErr
	}
	if stepErr != nil && wf.OnError != nil {
		wf.OnError(wc, stepErr.StepName, stepErr.Err)
	}
	d.logger.Errorf("Run %s failed: %v", runID, err)
	return err
}

func completedSet(state storage.RunState) map[string]bool {
	completed := make(map[string]bool, len(state.Completed))
	for name := range state.Completed {
		completed[name] = true
	}
	return completed
}
