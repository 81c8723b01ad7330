package models

import "time"

// JobKind distinguishes single sends from batch sends
type JobKind string

const (
	KindSingle JobKind = "single"
	KindBatch  JobKind = "batch"
)

// JobStatus represents the lifecycle state of a send job
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobPaused     JobStatus = "paused"
	JobCompleted  JobStatus = "completed"
	JobStopped    JobStatus = "stopped"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status allows no further transitions
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobStopped, JobFailed:
		return true
	}
	return false
}

// Job represents one send or batch send request
type Job struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	APIKeyID   string    `json:"api_key_id"`
	Kind       JobKind   `json:"kind"`
	TemplateID string    `json:"template_id,omitempty"`
	Subject    string    `json:"subject,omitempty"` // inline content, used when TemplateID is empty
	HTMLBody   string    `json:"html_body,omitempty"`
	TextBody   string    `json:"text_body,omitempty"`
	ProviderID string    `json:"provider_id,omitempty"` // requested provider, empty = owner default
	CampaignID string    `json:"campaign_id,omitempty"`
	Status     JobStatus `json:"status"`
	Progress   Progress  `json:"progress"`
	Error      string    `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Progress holds the aggregate of task outcomes for a job.
/// Invariant: Sent + Failed + Skipped + Pending == Total. Percentage counts
// all settled tasks, so a stopped job still reads as fully settled.
type Progress struct {
	Total      int     `json:"total"`
	Sent       int     `json:"sent"`
	Failed     int     `json:"failed"`
	Pending    int     `json:"pending"`
	Skipped    int     `json:"skipped,omitempty"`
	Percentage float64 `json:"percentage"`
}
