package jobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Esekyi/mailSage/internal/models"
)

var (
	bucketJobs  = []byte("jobs")
	bucketTasks = []byte("tasks")
)

// BoltStore persists jobs and tasks in bbolt. Tasks are stored under a
// composite jobID/taskID key so a job's tasks are one prefix scan.
type BoltStore struct {
	db    *bolt.DB
	owned bool // whether Close should close the db
}

// NewBoltStore opens (or creates) a store at the given path
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &BoltStore{db: db, owned: true}
	if err := s.createBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewBoltStoreWithDB wraps an already-open bbolt database, sharing it with
// other components such as the quota ledger
func NewBoltStoreWithDB(db *bolt.DB) (*BoltStore, error) {
	s := &BoltStore{db: db}
	if err := s.createBuckets(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying database for components sharing the file
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

func (s *BoltStore) createBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketTasks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// SaveJob stores a job; the put is idempotent by job ID
func (s *BoltStore) SaveJob(_ context.Context, job *models.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketJobs), []byte(job.ID), job)
	})
}

// UpdateJob replaces an existing job
func (s *BoltStore) UpdateJob(_ context.Context, job *models.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(job.ID)) == nil {
			return ErrNotFound
		}
		return putJSON(b, []byte(job.ID), job)
	})
}

// LoadJob returns a job by ID
func (s *BoltStore) LoadJob(_ context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobsByStatus scans all jobs and returns those in a given status
func (s *BoltStore) ListJobsByStatus(_ context.Context, status models.JobStatus) ([]*models.Job, error) {
	var out []*models.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job models.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("corrupt job record: %w", err)
			}
			if job.Status == status {
				out = append(out, &job)
			}
			return nil
		})
	})
	return out, err
}

// SaveTask stores a recipient task under its job's prefix
func (s *BoltStore) SaveTask(_ context.Context, task *models.RecipientTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketTasks), taskKey(task.JobID, task.Seq), task)
	})
}

// UpdateTask replaces an existing task
func (s *BoltStore) UpdateTask(_ context.Context, task *models.RecipientTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		key := taskKey(task.JobID, task.Seq)
		if b.Get(key) == nil {
			return ErrNotFound
		}
		return putJSON(b, key, task)
	})
}

// ListTasks returns a job's tasks in recipient-list order
func (s *BoltStore) ListTasks(_ context.Context, jobID string) ([]*models.RecipientTask, error) {
	var out []*models.RecipientTask
	prefix := []byte(jobID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var task models.RecipientTask
			if err := json.Unmarshal(v, &task); err != nil {
				return fmt.Errorf("corrupt task record: %w", err)
			}
			out = append(out, &task)
		}
		return nil
	})
	return out, err
}

// Close closes the database when this store owns it
func (s *BoltStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

// taskKey builds a composite key ordered by the task's position in the job
func taskKey(jobID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s/%08d", jobID, seq))
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return b.Put(key, data)
}
