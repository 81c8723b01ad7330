package template

import (
	"context"
	"errors"
	"sync"

	"github.com/Esekyi/mailSage/internal/models"
)

// ErrNotFound is returned when a template does not exist
var ErrNotFound = errors.New("template not found")

// Store provides read-only template lookups by ID
type Store interface {
	Get(ctx context.Context, id string) (*models.Template, error)
}

// StaticStore is an in-memory template store loaded from configuration.
// Put bumps the version counter whenever content changes.
type StaticStore struct {
	mu   sync.RWMutex
	byID map[string]*models.Template
}

// NewStaticStore builds a store from a template list
func NewStaticStore(templates []models.Template) *StaticStore {
	s := &StaticStore{byID: make(map[string]*models.Template)}
	for i := range templates {
		s.Put(&templates[i])
	}
	return s
}

// Get returns a template by ID
func (s *StaticStore) Get(_ context.Context, id string) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// Put adds or replaces a template, incrementing the version on content change
func (s *StaticStore) Put(t *models.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	if prev, ok := s.byID[t.ID]; ok {
		cp.Version = prev.Version
		if contentChanged(prev, t) {
			cp.Version = prev.Version + 1
		}
	} else if cp.Version == 0 {
		cp.Version = 1
	}
	s.byID[t.ID] = &cp
}

func contentChanged(a, b *models.Template) bool {
	return a.Subject != b.Subject || a.HTMLBody != b.HTMLBody || a.TextBody != b.TextBody
}
