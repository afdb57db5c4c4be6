package models

import "time"

type TaskState string

const (
	UnclaimedTaskState TaskState = "UNCLAIMED"
	ClaimedTaskState   TaskState = "CLAIMED"
	DoneTaskState      TaskState = "DONE"
	FailedTaskState    TaskState = "FAILED"
)

// Task is the claimable, distributed-mode representation of a pending
// step. It carries everything a worker needs to execute the step
// without reading the checkpoint store.
type Task struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	StepName   string         `json:"step_name"`
	ActionName string         `json:"action_name"` // Registry key for the step's action
	State      TaskState      `json:"state"`
	WorkerID   string         `json:"worker_id,omitempty"` // Holder of the current claim
	Context    map[string]any `json:"context"`             // Context snapshot at eligibility time
	Attempts   int            `json:"attempts"`            // Attempts already consumed
	Timeout    *time.Duration `json:"timeout,omitempty"`   // Step execution timeout
	ExpiresAt  time.Time      `json:"expires_at"`          // Claim expiry; zero while unclaimed
	NotBefore  time.Time      `json:"not_before"`          // Earliest re-claim time after a retryable failure
}
