package engine

import "github.com/Esekyi/mailSage/internal/models"

// Action is a job control request
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionStop   Action = "stop"
)

// transitions is the explicit job state machine. Transitions are monotonic
// except the reversible processing/paused pair; anything not listed is an
// invalid transition and is rejected, never a silent no-op.
var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobQueued:     {models.JobProcessing, models.JobFailed},
	models.JobProcessing: {models.JobPaused, models.JobStopped, models.JobCompleted, models.JobFailed},
	models.JobPaused:     {models.JobProcessing, models.JobStopped},
}

// canTransition reports whether from -> to is allowed
func canTransition(from, to models.JobStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Target maps a control action onto its destination status
func (a Action) Target() models.JobStatus {
	switch a {
	case ActionPause:
		return models.JobPaused
	case ActionResume:
		return models.JobProcessing
	case ActionStop:
		return models.JobStopped
	}
	return ""
}
