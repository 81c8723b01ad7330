package models

import "time"

// TaskOutcome represents the final state of a recipient task
type TaskOutcome string

const (
	TaskPending TaskOutcome = "pending"
	TaskSent    TaskOutcome = "sent"
	TaskFailed  TaskOutcome = "failed"
	TaskSkipped TaskOutcome = "skipped" // job stopped before the task executed
)

// RecipientTask is one recipient's delivery unit within a job.
// It carries a back-reference to its job by ID only; the job owns the
// aggregate view and tasks are addressable independently for persistence.
type RecipientTask struct {
	ID         string            `json:"id"`
	JobID      string            `json:"job_id"`
	Seq        int               `json:"seq"` // position within the job's ordered recipient list
	Recipient  string            `json:"recipient"`
	Variables  map[string]string `json:"variables,omitempty"`
	Outcome    TaskOutcome       `json:"outcome"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"last_error,omitempty"`
	ProviderID string            `json:"provider_id,omitempty"` // provider that handled the final attempt
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	SentAt     *time.Time        `json:"sent_at,omitempty"`
}
