package quota

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "quota.db"), 0600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTryAdmitExactLimit(t *testing.T) {
	l, err := NewLedger()
	require.NoError(t, err)
	defer l.Stop()

	ctx := context.Background()
	check := Check{Scope: ScopeAPIKey, ScopeID: "key-1", Window: WindowMinute, Limit: 5, Cost: 1}

	for i := 0; i < 5; i++ {
		d := l.TryAdmit(ctx, check)
		require.True(t, d.Admitted, "request %d should be admitted", i+1)
	}

	d := l.TryAdmit(ctx, check)
	assert.False(t, d.Admitted)
	assert.Equal(t, ScopeAPIKey, d.Scope)
	assert.Equal(t, "key-1", d.ScopeID)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
}

func TestTryAdmitExactLimitConcurrent(t *testing.T) {
	l, err := NewLedger()
	require.NoError(t, err)
	defer l.Stop()

	const limit = 50
	const attempts = 200
	check := Check{Scope: ScopeAPIKey, ScopeID: "key-1", Window: WindowMinute, Limit: limit, Cost: 1}

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAdmit(context.Background(), check).Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), admitted.Load())
}

func TestTryAdmitAllRejectionConsumesNothing(t *testing.T) {
	l, err := NewLedger()
	require.NoError(t, err)
	defer l.Stop()

	keyCheck := Check{Scope: ScopeAPIKey, ScopeID: "key-1", Window: WindowMinute, Limit: 10, Cost: 1}
	providerCheck := Check{Scope: ScopeProvider, ScopeID: "smtp-1", Window: WindowDay, Limit: 1, Cost: 1}

	// Exhaust the provider's daily limit
	d := l.TryAdmitAll(context.Background(), keyCheck, providerCheck)
	require.True(t, d.Admitted)

	// The second request fails on the provider; the key counter must not move
	d = l.TryAdmitAll(context.Background(), keyCheck, providerCheck)
	require.False(t, d.Admitted)
	assert.Equal(t, ScopeProvider, d.Scope)

	assert.Equal(t, 1, l.Usage(ScopeAPIKey, "key-1", WindowMinute))
	assert.Equal(t, 1, l.Usage(ScopeProvider, "smtp-1", WindowDay))
}

func TestWindowResetIsLazy(t *testing.T) {
	l, err := NewLedger()
	require.NoError(t, err)
	defer l.Stop()

	base := time.Date(2025, 3, 10, 12, 30, 59, 0, time.UTC)
	l.now = func() time.Time { return base }

	check := Check{Scope: ScopeAPIKey, ScopeID: "key-1", Window: WindowMinute, Limit: 1, Cost: 1}

	require.True(t, l.TryAdmit(context.Background(), check).Admitted)
	d := l.TryAdmit(context.Background(), check)
	require.False(t, d.Admitted)
	assert.Equal(t, time.Second, d.RetryAfter)

	// Cross the minute boundary; the stale counter resets on next admission
	l.now = func() time.Time { return base.Add(2 * time.Second) }
	assert.True(t, l.TryAdmit(context.Background(), check).Admitted)
}

func TestDayWindowBoundary(t *testing.T) {
	l, err := NewLedger()
	require.NoError(t, err)
	defer l.Stop()

	l.now = func() time.Time { return time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC) }
	check := Check{Scope: ScopeProvider, ScopeID: "smtp-1", Window: WindowDay, Limit: 1, Cost: 1}

	require.True(t, l.TryAdmit(context.Background(), check).Admitted)

	d := l.TryAdmit(context.Background(), check)
	require.False(t, d.Admitted)
	// Daily windows reset at midnight UTC
	assert.Equal(t, time.Hour, d.RetryAfter)

	l.now = func() time.Time { return time.Date(2025, 3, 11, 0, 0, 1, 0, time.UTC) }
	assert.True(t, l.TryAdmit(context.Background(), check).Admitted)
}

func TestCostGreaterThanOne(t *testing.T) {
	l, err := NewLedger()
	require.NoError(t, err)
	defer l.Stop()

	check := Check{Scope: ScopeAPIKey, ScopeID: "key-1", Window: WindowMinute, Limit: 10, Cost: 4}

	require.True(t, l.TryAdmit(context.Background(), check).Admitted)
	require.True(t, l.TryAdmit(context.Background(), check).Admitted)
	assert.False(t, l.TryAdmit(context.Background(), check).Admitted, "8 consumed, cost 4 exceeds limit 10")
	assert.Equal(t, 8, l.Usage(ScopeAPIKey, "key-1", WindowMinute))
}

func TestUnlimitedScopeAlwaysAdmits(t *testing.T) {
	l, err := NewLedger()
	require.NoError(t, err)
	defer l.Stop()

	check := Check{Scope: ScopeAPIKey, ScopeID: "key-1", Window: WindowMinute, Limit: 0, Cost: 1}
	for i := 0; i < 1000; i++ {
		require.True(t, l.TryAdmit(context.Background(), check).Admitted)
	}
}

// lockedBuffer is a goroutine-safe log sink
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFlushLoopLogsWriteFailures(t *testing.T) {
	db := openTestDB(t)

	var out lockedBuffer
	logger := slog.New(slog.NewTextHandler(&out, nil))

	l, err := NewLedger(WithPersistence(db), WithFlushInterval(5*time.Millisecond), WithLogger(logger))
	require.NoError(t, err)
	defer l.Stop()

	check := Check{Scope: ScopeAPIKey, ScopeID: "key-1", Window: WindowMinute, Limit: 10, Cost: 1}
	require.True(t, l.TryAdmit(context.Background(), check).Admitted)

	// Pull the database out from under the flush loop
	require.NoError(t, db.Close())

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "quota counter flush failed")
	}, 2*time.Second, 5*time.Millisecond, "flush failures must be reported, not discarded")
}

func TestCountersPersistAcrossRestart(t *testing.T) {
	db := openTestDB(t)

	l, err := NewLedger(WithPersistence(db), WithFlushInterval(time.Hour))
	require.NoError(t, err)

	check := Check{Scope: ScopeProvider, ScopeID: "smtp-1", Window: WindowDay, Limit: 100, Cost: 1}
	for i := 0; i < 7; i++ {
		require.True(t, l.TryAdmit(context.Background(), check).Admitted)
	}
	require.NoError(t, l.Stop())

	restored, err := NewLedger(WithPersistence(db), WithFlushInterval(time.Hour))
	require.NoError(t, err)
	defer restored.Stop()

	assert.Equal(t, 7, restored.Usage(ScopeProvider, "smtp-1", WindowDay))
}
