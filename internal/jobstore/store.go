package jobstore

import (
	"context"
	"errors"

	"github.com/Esekyi/mailSage/internal/models"
)

// ErrNotFound is returned when a job or task does not exist
var ErrNotFound = errors.New("not found")

// Store is the persistence contract the coordinator records job and
// per-recipient state through. Writes are idempotent full puts keyed by ID,
// so retrying a write after an ambiguous failure never double counts.
type Store interface {
	SaveJob(ctx context.Context, job *models.Job) error
	UpdateJob(ctx context.Context, job *models.Job) error
	LoadJob(ctx context.Context, id string) (*models.Job, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)

	SaveTask(ctx context.Context, task *models.RecipientTask) error
	UpdateTask(ctx context.Context, task *models.RecipientTask) error
	ListTasks(ctx context.Context, jobID string) ([]*models.RecipientTask, error)

	Close() error
}
