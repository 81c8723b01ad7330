package jobstore

import (
	"context"
	"sort"
	"sync"

	"github.com/Esekyi/mailSage/internal/models"
)

// MemoryStore is an in-memory store for tests and ephemeral runs
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*models.Job
	tasks map[string]map[string]*models.RecipientTask // jobID -> taskID -> task
	order map[string][]string                         // jobID -> task IDs in insertion order
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*models.Job),
		tasks: make(map[string]map[string]*models.RecipientTask),
		order: make(map[string][]string),
	}
}

// SaveJob stores a job, replacing any previous copy with the same ID
func (s *MemoryStore) SaveJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// UpdateJob replaces an existing job
func (s *MemoryStore) UpdateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// LoadJob returns a job by ID
func (s *MemoryStore) LoadJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// ListJobsByStatus returns all jobs in a given status
func (s *MemoryStore) ListJobsByStatus(_ context.Context, status models.JobStatus) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Job
	for _, job := range s.jobs {
		if job.Status == status {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveTask stores a recipient task
func (s *MemoryStore) SaveTask(_ context.Context, task *models.RecipientTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.tasks[task.JobID]
	if !ok {
		byID = make(map[string]*models.RecipientTask)
		s.tasks[task.JobID] = byID
	}
	if _, seen := byID[task.ID]; !seen {
		s.order[task.JobID] = append(s.order[task.JobID], task.ID)
	}
	byID[task.ID] = copyTask(task)
	return nil
}

// UpdateTask replaces an existing task
func (s *MemoryStore) UpdateTask(_ context.Context, task *models.RecipientTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.tasks[task.JobID]
	if !ok {
		return ErrNotFound
	}
	if _, seen := byID[task.ID]; !seen {
		return ErrNotFound
	}
	byID[task.ID] = copyTask(task)
	return nil
}

// ListTasks returns a job's tasks in insertion order
func (s *MemoryStore) ListTasks(_ context.Context, jobID string) ([]*models.RecipientTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[jobID]
	out := make([]*models.RecipientTask, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyTask(s.tasks[jobID][id]))
	}
	return out, nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error { return nil }

func copyTask(t *models.RecipientTask) *models.RecipientTask {
	cp := *t
	if t.Variables != nil {
		cp.Variables = make(map[string]string, len(t.Variables))
		for k, v := range t.Variables {
			cp.Variables[k] = v
		}
	}
	return &cp
}
