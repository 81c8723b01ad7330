package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/Esekyi/mailSage/internal/models"
	"github.com/Esekyi/mailSage/internal/provider"
)

// Config holds executor tuning parameters
type Config struct {
	MaxAttempts int           // attempt ceiling per provider
	BaseDelay   time.Duration // first backoff delay
	MaxDelay    time.Duration // backoff cap
	PerProvider rate.Limit    // send pacing per provider, 0 = unpaced
}

// DefaultConfig returns the executor defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		PerProvider: 0,
	}
}

// Result is the final outcome of one recipient's delivery attempt cycle
type Result struct {
	Sent       bool
	Attempts   int
	ProviderID string
	Err        *Error // terminal classification when not sent
}

// Executor performs one recipient's delivery with retry, backoff and
// provider failover. It is the sole writer of the task's attempt count and
// last error during the cycle; the final outcome is reported in Result.
type Executor struct {
	transport Transport
	router    *provider.Router
	cfg       Config
	logger    *slog.Logger

	pacerMu sync.Mutex
	pacers  map[string]*rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates a delivery executor
func NewExecutor(transport Transport, router *provider.Router, cfg Config, logger *slog.Logger) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &Executor{
		transport: transport,
		router:    router,
		cfg:       cfg,
		logger:    logger,
		pacers:    make(map[string]*rate.Limiter),
		sleep:     sleepCtx,
	}
}

/// Deliver runs the full attempt cycle for a task: retries with exponential
// backoff on the current provider, then fails over via the router excluding
// providers already tried. stopRequested is checked cooperatively before
// every new attempt; an in-flight attempt always finishes and its outcome
// counts.
func (e *Executor) Deliver(ctx context.Context, ownerID string, task *models.RecipientTask, msg *Outgoing, p *models.Provider, stopRequested func() bool) Result {
	if stopRequested == nil {
		stopRequested = func() bool { return false }
	}

	tried := make(map[string]bool)
	var lastErr *Error

	for p != nil {
		var attempted bool
		lastErr, attempted = e.attemptProvider(ctx, task, msg, p, stopRequested)
		if lastErr == nil {
			if !attempted {
				// stop or cancellation observed before any attempt on
				// this provider; the caller records a skip, not a send
				break
			}
			return Result{Sent: true, Attempts: task.Attempts, ProviderID: p.ID}
		}
		if lastErr.Kind == KindPermanent || stopRequested() || ctx.Err() != nil {
			break
		}

		// transient exhaustion on this provider; ask the router for the
		// next candidate before counting any further attempts
		tried[p.ID] = true
		next, err := e.router.Select(ctx, ownerID, "", tried)
		if err != nil {
			e.logger.Warn("provider failover exhausted",
				"task_id", task.ID,
				"recipient", task.Recipient,
				"tried", len(tried),
				"error", err,
			)
			break
		}
		e.logger.Info("failing over to alternate provider",
			"task_id", task.ID,
			"from_provider", p.ID,
			"to_provider", next.ID,
		)
		p = next
	}

	return Result{Attempts: task.Attempts, ProviderID: task.ProviderID, Err: lastErr}
}

// attemptProvider runs the retry loop against a single provider. The
// second return value reports whether at least one send was attempted;
// a (nil, false) return means the cycle stopped before reaching the
// transport at all.
func (e *Executor) attemptProvider(ctx context.Context, task *models.RecipientTask, msg *Outgoing, p *models.Provider, stopRequested func() bool) (*Error, bool) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BaseDelay
	bo.MaxInterval = e.cfg.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	var lastErr *Error
	attempted := false
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if stopRequested() || ctx.Err() != nil {
			return lastErr, attempted
		}
		if attempt > 0 {
			if err := e.sleep(ctx, bo.NextBackOff()); err != nil {
				return lastErr, attempted
			}
		}

		if limiter := e.pacer(p.ID); limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return lastErr, attempted
			}
		}

		attempted = true
		task.Attempts++
		task.ProviderID = p.ID
		err := e.transport.Send(ctx, p, msg)
		if err == nil {
			e.router.RecordUse(p.ID, true)
			task.LastError = ""
			return nil, true
		}

		lastErr = Classify(err, p.ID)
		task.LastError = lastErr.Message
		e.router.RecordUse(p.ID, false)

		e.logger.Warn("delivery attempt failed",
			"task_id", task.ID,
			"provider_id", p.ID,
			"attempt", task.Attempts,
			"kind", string(lastErr.Kind),
			"error", lastErr.Message,
		)

		if lastErr.Kind == KindPermanent {
			return lastErr, true
		}
	}
	return lastErr, true
}

// pacer returns the per-provider rate limiter, creating it lazily
func (e *Executor) pacer(providerID string) *rate.Limiter {
	if e.cfg.PerProvider <= 0 {
		return nil
	}
	e.pacerMu.Lock()
	defer e.pacerMu.Unlock()

	l, ok := e.pacers[providerID]
	if !ok {
		l = rate.NewLimiter(e.cfg.PerProvider, 1)
		e.pacers[providerID] = l
	}
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
