package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/Esekyi/mailSage/internal/models"
)

// ErrJobNotFound is returned for status or control requests against an
// unknown job ID
var ErrJobNotFound = errors.New("job not found")

// AdmissionError rejects a submission synchronously; no job record is
// created when it is returned
type AdmissionError struct {
	Reason     string
	Scope      string        // quota scope when the rejection came from the ledger
	RetryAfter time.Duration // non-zero for quota rejections
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("submission rejected: %s", e.Reason)
}

// InvalidTransitionError rejects a control request that the job's current
// state does not allow; no state change happens
type InvalidTransitionError struct {
	From   models.JobStatus
	Action Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a %s job", e.Action, e.From)
}

// StorageError marks a persistence failure that survived the bounded retry
// policy; it is job-fatal and never silently swallowed
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
