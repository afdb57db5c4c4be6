package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/stepflow-io/stepflow/pkg/models"
)

// checkpointTime defaults a record's timestamp to now when the caller
// left it unset.
func checkpointTime(cp models.Checkpoint) time.Time {
	if cp.CreatedAt.IsZero() {
		return time.Now()
	}
	return cp.CreatedAt
}

// ErrNotFound is returned when a run or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// CheckpointWriteError wraps a failed durable write. The run stays in
// its prior state until a write succeeds; callers must retry, never
// swallow.
type CheckpointWriteError struct {
	RunID    string
	StepName string
	Err      error
}

func (e *CheckpointWriteError) Error() string {
	return fmt.Sprintf("checkpoint write for run '%s' step '%s' failed: %v", e.RunID, e.StepName, e.Err)
}

func (e *CheckpointWriteError) Unwrap() error {
	return e.Err
}

// Store is the durable mirror of run progress. All components that
// mutate shared state do so through SaveCheckpoint; writers for
// different runs never block each other, writers for the same run are
// serialized.
type Store interface {
	// Run operations
	SaveRun(r models.Run) error
	GetRun(id string) (models.Run, error)
	UpdateRunStatus(id string, status models.RunStatus) error
	ListRuns() ([]models.Run, error)
	// ListPendingRuns returns the IDs of runs with a non-terminal
	// status, used to discover resumable work at startup.
	ListPendingRuns() ([]string, error)

	// Checkpoint operations. SaveCheckpoint appends a record and is
	// durable before it returns.
	SaveCheckpoint(cp models.Checkpoint) error
	// ListCheckpoints returns all records for a run ordered by
	// creation time.
	ListCheckpoints(runID string) ([]models.Checkpoint, error)

	Close() error
}

// RunState is the resumable state of a run reconstructed from its
// latest checkpoint per step.
type RunState struct {
	Status    models.RunStatus
	Context   map[string]any               // initial context + completed step outputs
	Completed map[string]models.Checkpoint // first COMPLETED or SKIPPED record per step
	Attempts  map[string]int               // attempts consumed per step
}

// LoadRunState reconstructs a run's resumable state from the store.
// A step counts as resolved once any COMPLETED or SKIPPED checkpoint
// exists for it; resolved records are never superseded, so skip
// decisions hold across resumes just like outputs do.
func LoadRunState(s Store, runID string) (RunState, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return RunState{}, err
	}

	state := RunState{
		Status:    run.Status,
		Context:   make(map[string]any),
		Completed: make(map[string]models.Checkpoint),
		Attempts:  make(map[string]int),
	}
	if len(run.Context) > 0 {
		if err := json.Unmarshal(run.Context, &state.Context); err != nil {
			return RunState{}, errors.Wrapf(err, "decode initial context for run %s", runID)
		}
	}

	checkpoints, err := s.ListCheckpoints(runID)
	if err != nil {
		return RunState{}, err
	}
	for _, cp := range checkpoints {
		if cp.Attempts > state.Attempts[cp.StepName] {
			state.Attempts[cp.StepName] = cp.Attempts
		}
		if cp.Status != models.CompletedCheckpointStatus && cp.Status != models.SkippedCheckpointStatus {
			continue
		}
		if _, done := state.Completed[cp.StepName]; done {
			continue
		}
		state.Completed[cp.StepName] = cp
		if len(cp.Payload) > 0 {
			var output any
			if err := json.Unmarshal(cp.Payload, &output); err != nil {
				return RunState{}, errors.Wrapf(err, "decode payload for run %s step %s", runID, cp.StepName)
			}
			state.Context[cp.StepName] = output
		}
	}
	return state, nil
}
