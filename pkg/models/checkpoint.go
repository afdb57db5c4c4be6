package models

import "time"

type CheckpointStatus string

const (
	PendingCheckpointStatus   CheckpointStatus = "PENDING"
	RunningCheckpointStatus   CheckpointStatus = "RUNNING"
	CompletedCheckpointStatus CheckpointStatus = "COMPLETED"
	FailedCheckpointStatus    CheckpointStatus = "FAILED"
	// A condition-false step passed over by the frontier. The skip
	// holds for the life of the run; the step is never revisited.
	SkippedCheckpointStatus CheckpointStatus = "SKIPPED"
)

// Checkpoint is one durable record of a step's outcome within a run.
// Records are append-only per (run, step); the latest record per step
// name is the step's resumable state.
type Checkpoint struct {
	ID        int64            `json:"id" db:"id"` // Auto-incremented record ID
	RunID     string           `json:"run_id" db:"run_id"`
	StepName  string           `json:"step_name" db:"step_name"`
	Status    CheckpointStatus `json:"status" db:"status"`
	Payload   []byte           `json:"payload,omitempty" db:"payload"` // Step output, JSON-serialized
	ErrorMsg  string           `json:"error,omitempty" db:"error_msg"` // Last error message (optional)
	Attempts  int              `json:"attempts" db:"attempts"`         // Attempt count at write time
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}
