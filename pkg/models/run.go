package models

import "time"

type RunStatus string

const (
	PendingRunStatus   RunStatus = "PENDING"
	RunningRunStatus   RunStatus = "RUNNING"
	CompletedRunStatus RunStatus = "COMPLETED"
	FailedRunStatus    RunStatus = "FAILED"
	CancelledRunStatus RunStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == CompletedRunStatus || s == FailedRunStatus || s == CancelledRunStatus
}

// Run represents one execution instance of a workflow.
type Run struct {
	ID           string    `json:"id" db:"id"`                       // Opaque UUID
	WorkflowName string    `json:"workflow_name" db:"workflow_name"` // Definition the run executes
	Status       RunStatus `json:"status" db:"status"`
	Context      []byte    `json:"context,omitempty" db:"context"` // Initial context, JSON-serialized
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
