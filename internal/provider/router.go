package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Esekyi/mailSage/internal/models"
)

var (
	// ErrNoProvider is returned when every eligible provider for an owner
	// has been tried or disabled. The executor treats it as a hard task
	// failure.
	ErrNoProvider = errors.New("no provider available")

	// ErrNotFound is returned when a requested provider does not exist or
	// belongs to another owner
	ErrNotFound = errors.New("provider not found")
)

// Store provides read-only lookups of SMTP provider configuration
type Store interface {
	Get(ctx context.Context, id string) (*models.Provider, error)
	Default(ctx context.Context, ownerID string) (*models.Provider, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Provider, error)
}

// Router selects an SMTP provider for a send attempt and supplies failover
// candidates after transient failures
type Router struct {
	store  Store
	health *HealthTracker
	logger *slog.Logger
}

// NewRouter creates a provider router
func NewRouter(store Store, health *HealthTracker, logger *slog.Logger) *Router {
	return &Router{store: store, health: health, logger: logger}
}

// Health exposes the router's health tracker so the executor can feed
// delivery outcomes back into it
func (r *Router) Health() *HealthTracker {
	return r.health
}

// RecordUse feeds one delivery outcome into the health tracker and, when
// the store keeps usage bookkeeping, into the store as well
func (r *Router) RecordUse(providerID string, ok bool) {
	r.health.Record(providerID, ok)
	if b, canRecord := r.store.(interface{ RecordUse(string, bool) }); canRecord {
		b.RecordUse(providerID, ok)
	}
}

// Select picks a provider for an attempt. A requested provider is used
// unless disabled; otherwise candidates are ordered default-first with
// degraded providers deprioritized (tried last, never excluded). Providers
// in exclude were already tried in this attempt cycle.
func (r *Router) Select(ctx context.Context, ownerID, requestedID string, exclude map[string]bool) (*models.Provider, error) {
	if requestedID != "" && !exclude[requestedID] {
		p, err := r.store.Get(ctx, requestedID)
		if err != nil {
			return nil, err
		}
		if p.OwnerID != ownerID {
			return nil, ErrNotFound
		}
		if p.IsActive {
			return p, nil
		}
		// requested but disabled; fall through to the owner's other providers
		r.logger.Warn("requested provider is disabled, falling back", "provider_id", requestedID, "owner_id", ownerID)
	}

	candidates, err := r.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers for owner %s: %w", ownerID, err)
	}

	eligible := candidates[:0]
	for _, p := range candidates {
		if p.IsActive && !exclude[p.ID] {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoProvider
	}

	// Default first, degraded last; healthy non-defaults keep their
	// configured order in between.
	sort.SliceStable(eligible, func(i, j int) bool {
		return rank(r.health, eligible[i]) < rank(r.health, eligible[j])
	})

	return eligible[0], nil
}

func rank(h *HealthTracker, p *models.Provider) int {
	if h != nil && h.State(p) == models.HealthDegraded {
		return 2
	}
	if p.IsDefault {
		return 0
	}
	return 1
}
