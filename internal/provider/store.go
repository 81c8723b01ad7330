package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Esekyi/mailSage/internal/models"
)

// StaticStore is an in-memory provider store loaded from configuration.
// It enforces the single-default-per-owner invariant on every write.
type StaticStore struct {
	mu        sync.RWMutex
	byID      map[string]*models.Provider
	byOwner   map[string][]string
	defaultOf map[string]string // ownerID -> provider ID
}

// NewStaticStore builds a store from a provider list. It fails when two
// active providers of the same owner both claim the default flag.
func NewStaticStore(providers []models.Provider) (*StaticStore, error) {
	s := &StaticStore{
		byID:      make(map[string]*models.Provider),
		byOwner:   make(map[string][]string),
		defaultOf: make(map[string]string),
	}
	for i := range providers {
		if err := s.Put(&providers[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put adds or replaces a provider
func (s *StaticStore) Put(p *models.Provider) error {
	if p.ID == "" || p.OwnerID == "" {
		return fmt.Errorf("provider needs id and owner_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.IsDefault && p.IsActive {
		if existing, ok := s.defaultOf[p.OwnerID]; ok && existing != p.ID {
			return fmt.Errorf("owner %s already has default provider %s", p.OwnerID, existing)
		}
		s.defaultOf[p.OwnerID] = p.ID
	}

	if _, seen := s.byID[p.ID]; !seen {
		s.byOwner[p.OwnerID] = append(s.byOwner[p.OwnerID], p.ID)
	}
	cp := *p
	s.byID[p.ID] = &cp
	return nil
}

// Get returns a provider by ID
func (s *StaticStore) Get(_ context.Context, id string) (*models.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// Default returns the owner's default active provider, or the first active
// one when no default is flagged
func (s *StaticStore) Default(_ context.Context, ownerID string) (*models.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.defaultOf[ownerID]; ok {
		cp := *s.byID[id]
		return &cp, nil
	}
	for _, id := range s.byOwner[ownerID] {
		if p := s.byID[id]; p.IsActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// RecordUse updates a provider's usage bookkeeping after a delivery
// attempt: last-used timestamp always, failure count incremented on failure
// and reset on success
func (s *StaticStore) RecordUse(id string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, found := s.byID[id]
	if !found {
		return
	}
	now := time.Now().UTC()
	p.LastUsedAt = &now
	if ok {
		p.FailureCount = 0
	} else {
		p.FailureCount++
	}
}

// ListByOwner returns all providers configured for an owner
func (s *StaticStore) ListByOwner(_ context.Context, ownerID string) ([]*models.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Provider, 0, len(s.byOwner[ownerID]))
	for _, id := range s.byOwner[ownerID] {
		cp := *s.byID[id]
		out = append(out, &cp)
	}
	return out, nil
}
