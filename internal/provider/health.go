package provider

import (
	"sync"
	"time"

	"github.com/Esekyi/mailSage/internal/models"
)

// HealthTracker derives provider health from a trailing window of delivery
// outcomes. It is an eventually-consistent view: stale reads of a few
// seconds are acceptable and never block delivery.
type HealthTracker struct {
	mu         sync.Mutex
	window     time.Duration
	threshold  float64 // failure rate above which a provider is degraded
	minSamples int
	outcomes   map[string][]outcome
	now        func() time.Time
}

type outcome struct {
	at time.Time
	ok bool
}

// NewHealthTracker creates a tracker over the given trailing window.
// A provider whose failure rate over the window exceeds threshold is
// reported degraded, provided at least minSamples outcomes were observed.
func NewHealthTracker(window time.Duration, threshold float64, minSamples int) *HealthTracker {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if threshold <= 0 {
		threshold = 0.5
	}
	if minSamples <= 0 {
		minSamples = 5
	}
	return &HealthTracker{
		window:     window,
		threshold:  threshold,
		minSamples: minSamples,
		outcomes:   make(map[string][]outcome),
		now:        time.Now,
	}
}

// Record registers one delivery outcome for a provider
func (h *HealthTracker) Record(providerID string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	recent := prune(h.outcomes[providerID], now.Add(-h.window))
	h.outcomes[providerID] = append(recent, outcome{at: now, ok: ok})
}

// FailureRate returns the fraction of failed outcomes in the trailing window
func (h *HealthTracker) FailureRate(providerID string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	recent := prune(h.outcomes[providerID], h.now().Add(-h.window))
	h.outcomes[providerID] = recent
	if len(recent) == 0 {
		return 0
	}

	failed := 0
	for _, o := range recent {
		if !o.ok {
			failed++
		}
	}
	return float64(failed) / float64(len(recent))
}

// State derives the health state for a provider. Disabled comes from
// configuration; degraded is recomputed from the failure window, never
// stored.
func (h *HealthTracker) State(p *models.Provider) models.HealthState {
	if !p.IsActive {
		return models.HealthDisabled
	}

	h.mu.Lock()
	recent := prune(h.outcomes[p.ID], h.now().Add(-h.window))
	h.outcomes[p.ID] = recent
	h.mu.Unlock()

	if len(recent) < h.minSamples {
		return models.HealthHealthy
	}

	failed := 0
	for _, o := range recent {
		if !o.ok {
			failed++
		}
	}
	if float64(failed)/float64(len(recent)) > h.threshold {
		return models.HealthDegraded
	}
	return models.HealthHealthy
}

// prune drops outcomes older than cutoff; outcomes are append-ordered
func prune(list []outcome, cutoff time.Time) []outcome {
	for i, o := range list {
		if o.at.After(cutoff) {
			return list[i:]
		}
	}
	return nil
}
