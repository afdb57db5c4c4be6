package runner

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/stepflow-io/stepflow/pkg/models"
)

// ErrClaimExpired signals a report for a task the worker no longer
// holds; the report is rejected and never applied to the store.
var ErrClaimExpired = errors.New("claim expired")

// ErrTaskNotFound signals a report for an unknown or already resolved
// task.
var ErrTaskNotFound = errors.New("task not found")

const (
	// how long a worker holds a claim before it becomes re-claimable
	DefaultClaimTTL = 2 * time.Minute
)

// taskBoard holds the claimable tasks derived from pending steps. The
// board mutex is the single synchronization point of the claim
// protocol: claim-then-read under it cannot hand the same unclaimed
// task to two workers.
type taskBoard struct {
	mu       sync.Mutex
	tasks    map[string]*models.Task // by task ID
	byRun    map[string]string       // run ID -> its current task ID
	claimTTL time.Duration
}

func newTaskBoard(claimTTL time.Duration) *taskBoard {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &taskBoard{
		tasks:    make(map[string]*models.Task),
		byRun:    make(map[string]string),
		claimTTL: claimTTL,
	}
}

// Add posts a task for claiming. A run has at most one live task at a
// time under the linear-plus-branch eligibility model; posting a
// second is a no-op.
func (b *taskBoard) Add(t models.Task) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.byRun[t.RunID]; exists {
		return false
	}
	t.State = models.UnclaimedTaskState
	b.tasks[t.ID] = &t
	b.byRun[t.RunID] = t.ID
	return true
}

// Has reports whether the run already has a live task.
func (b *taskBoard) Has(runID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.byRun[runID]
	return ok
}

// Claim hands one eligible task to workerID, marking it claimed with
// an expiry. A claimed task whose expiry has passed is treated as
// unclaimed again; its previous holder is assumed dead. Returns nil
// when no task is eligible.
func (b *taskBoard) Claim(workerID string, now time.Time) *models.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tasks {
		if !b.claimable(t, now) {
			continue
		}
		t.State = models.ClaimedTaskState
		t.WorkerID = workerID
		t.ExpiresAt = now.Add(b.claimTTL)
		t.Attempts++
		copied := *t
		return &copied
	}
	return nil
}

func (b *taskBoard) claimable(t *models.Task, now time.Time) bool {
	if now.Before(t.NotBefore) {
		return false
	}
	switch t.State {
	case models.UnclaimedTaskState:
		return true
	case models.ClaimedTaskState:
		return now.After(t.ExpiresAt)
	default:
		return false
	}
}

// Verify checks that workerID still holds a live claim on taskID and
// returns a copy of the task.
func (b *taskBoard) Verify(taskID, workerID string, now time.Time) (*models.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.State != models.ClaimedTaskState || t.WorkerID != workerID || now.After(t.ExpiresAt) {
		return nil, ErrClaimExpired
	}
	copied := *t
	return &copied, nil
}

// Resolve removes the task from the board, whether it succeeded or
// terminally failed.
func (b *taskBoard) Resolve(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[taskID]; ok {
		delete(b.byRun, t.RunID)
		delete(b.tasks, taskID)
	}
}

// Release re-exposes a failed task for another attempt no earlier than
// notBefore.
func (b *taskBoard) Release(taskID string, notBefore time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[taskID]; ok {
		t.State = models.UnclaimedTaskState
		t.WorkerID = ""
		t.ExpiresAt = time.Time{}
		t.NotBefore = notBefore
	}
}

// DropRun discards the run's unclaimed task. An already claimed task
// is left to finish; its report is discarded at report time.
func (b *taskBoard) DropRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	taskID, ok := b.byRun[runID]
	if !ok {
		return
	}
	if t := b.tasks[taskID]; t != nil && t.State == models.UnclaimedTaskState {
		delete(b.tasks, taskID)
		delete(b.byRun, runID)
	}
}

// Sweep flips expired claims back to unclaimed. Expiry is also applied
// lazily at claim time; the sweep only shortens detection.
func (b *taskBoard) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	expired := 0
	for _, t := range b.tasks {
		if t.State == models.ClaimedTaskState && now.After(t.ExpiresAt) {
			t.State = models.UnclaimedTaskState
			t.WorkerID = ""
			t.ExpiresAt = time.Time{}
			expired++
		}
	}
	return expired
}
