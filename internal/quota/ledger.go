package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCounters = []byte("quota_counters")

// Scope identifies what a counter accounts for
type Scope string

const (
	ScopeAPIKey   Scope = "api_key"
	ScopeProvider Scope = "provider"
)

// Window is the interval a counter accumulates over before resetting.
// Windows are fixed UTC intervals; the boundary policy is deliberately a
// named configuration point rather than a hidden assumption.
type Window string

const (
	WindowMinute Window = "minute"
	WindowDay    Window = "day"
)

// Check is a single admission check against one scope/window key
type Check struct {
	Scope   Scope
	ScopeID string
	Window  Window
	Limit   int // 0 = unlimited
	Cost    int
}

// Decision is the result of an admission request. On rejection, Scope and
// ScopeID identify the exhausted counter and RetryAfter the time until the
// window boundary.
type Decision struct {
	Admitted   bool
	Scope      Scope
	ScopeID    string
	Reason     string
	RetryAfter time.Duration
}

// counter holds consumed cost for one scope/window key. Counters are
// created lazily on first use and superseded, not swept, when the window
// boundary is crossed.
type counter struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// Ledger tracks quota counters per API key and per provider. Admission is
// atomic per key: concurrent requests serialize so the sum of admitted
// costs never exceeds the limit. Counters optionally persist to bbolt and
// survive restarts.
type Ledger struct {
	db       *bolt.DB // nil = in-memory only
	logger   *slog.Logger
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time

	flushInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// Option configures a Ledger
type Option func(*Ledger)

// WithPersistence persists counters to the given bbolt database
func WithPersistence(db *bolt.DB) Option {
	return func(l *Ledger) { l.db = db }
}

// WithFlushInterval overrides how often counters are flushed to disk
func WithFlushInterval(d time.Duration) Option {
	return func(l *Ledger) { l.flushInterval = d }
}

// WithLogger sets the logger used by the background flush loop
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates a quota ledger
func NewLedger(opts ...Option) (*Ledger, error) {
	l := &Ledger{
		counters:      make(map[string]*counter),
		now:           time.Now,
		flushInterval: 10 * time.Second,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}

	if l.db != nil {
		err := l.db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketCounters)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create quota bucket: %w", err)
		}
		if err := l.loadCounters(); err != nil {
			return nil, fmt.Errorf("failed to load quota counters: %w", err)
		}
		go l.flushLoop()
	}

	return l, nil
}

// TryAdmit performs a single admission check with atomic check-and-increment
func (l *Ledger) TryAdmit(ctx context.Context, check Check) Decision {
	return l.TryAdmitAll(ctx, check)
}

// TryAdmitAll admits only if every check passes; a rejection consumes
// nothing from any counter. All checks and increments happen under one
// lock, so two racing submissions cannot both be admitted past a limit.
func (l *Ledger) TryAdmitAll(_ context.Context, checks ...Check) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()

	for _, c := range checks {
		if c.Limit <= 0 {
			continue
		}
		ctr := l.getOrCreate(c, now)
		if ctr.Count+max(c.Cost, 1) > c.Limit {
			return Decision{
				Scope:      c.Scope,
				ScopeID:    c.ScopeID,
				Reason:     fmt.Sprintf("%s quota of %d per %s exceeded", c.Scope, c.Limit, c.Window),
				RetryAfter: windowEnd(c.Window, ctr.WindowStart).Sub(now),
			}
		}
	}

	// All checks passed; consume from every counter
	for _, c := range checks {
		if c.Limit <= 0 {
			continue
		}
		l.getOrCreate(c, now).Count += max(c.Cost, 1)
	}

	return Decision{Admitted: true}
}

// Usage reports the consumed cost for a key in the current window
func (l *Ledger) Usage(scope Scope, scopeID string, window Window) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctr, ok := l.counters[makeKey(scope, scopeID, window)]
	if !ok {
		return 0
	}
	if !windowStart(window, l.now().UTC()).Equal(ctr.WindowStart) {
		return 0
	}
	return ctr.Count
}

// Stop stops the flush loop and persists counters a final time
func (l *Ledger) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	if l.db == nil {
		return nil
	}
	return l.flushCounters()
}

// getOrCreate returns the live counter for a check, resetting it lazily if
// the window boundary has been crossed. Caller holds l.mu.
func (l *Ledger) getOrCreate(c Check, now time.Time) *counter {
	key := makeKey(c.Scope, c.ScopeID, c.Window)
	start := windowStart(c.Window, now)

	ctr, ok := l.counters[key]
	if !ok {
		ctr = &counter{WindowStart: start}
		l.counters[key] = ctr
		return ctr
	}
	if !ctr.WindowStart.Equal(start) {
		ctr.Count = 0
		ctr.WindowStart = start
	}
	return ctr
}

func makeKey(scope Scope, scopeID string, window Window) string {
	return fmt.Sprintf("%s:%s:%s", scope, scopeID, window)
}

// windowStart truncates now to the fixed UTC window boundary
func windowStart(w Window, now time.Time) time.Time {
	switch w {
	case WindowDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return now.Truncate(time.Minute)
	}
}

func windowEnd(w Window, start time.Time) time.Time {
	switch w {
	case WindowDay:
		return start.Add(24 * time.Hour)
	default:
		return start.Add(time.Minute)
	}
}

func (l *Ledger) flushLoop() {
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			if err := l.flushCounters(); err != nil {
				l.logger.Error("quota counter flush failed", "error", err)
			}
		}
	}
}

// flushCounters persists all counters to bbolt
func (l *Ledger) flushCounters() error {
	l.mu.Lock()
	snapshot := make(map[string]counter, len(l.counters))
	for k, v := range l.counters {
		snapshot[k] = *v
	}
	l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		for k, v := range snapshot {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// loadCounters restores persisted counters on startup
func (l *Ledger) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		return b.ForEach(func(k, v []byte) error {
			var ctr counter
			if err := json.Unmarshal(v, &ctr); err != nil {
				return fmt.Errorf("corrupt quota counter %s: %w", k, err)
			}
			l.counters[string(k)] = &ctr
			return nil
		})
	})
}
