package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Esekyi/mailSage/internal/delivery"
	"github.com/Esekyi/mailSage/internal/events"
	"github.com/Esekyi/mailSage/internal/jobstore"
	"github.com/Esekyi/mailSage/internal/metrics"
	"github.com/Esekyi/mailSage/internal/models"
	"github.com/Esekyi/mailSage/internal/provider"
	"github.com/Esekyi/mailSage/internal/quota"
	"github.com/Esekyi/mailSage/internal/template"
)

// okTransport accepts every send and records recipients in call order
type okTransport struct {
	mu    sync.Mutex
	calls []string
}

func (f *okTransport) Send(_ context.Context, _ *models.Provider, msg *delivery.Outgoing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg.To)
	return nil
}

func (f *okTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// gatedTransport blocks each send until released, so tests can interleave
// control requests with in-flight deliveries deterministically
type gatedTransport struct {
	started chan string
	release chan struct{}

	mu    sync.Mutex
	calls []string
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (g *gatedTransport) Send(ctx context.Context, _ *models.Provider, msg *delivery.Outgoing) error {
	g.started <- msg.To
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.mu.Lock()
	g.calls = append(g.calls, msg.To)
	g.mu.Unlock()
	return nil
}

func (g *gatedTransport) sent() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	coord *Coordinator
	store *jobstore.MemoryStore
	bus   *events.Bus
}

func newTestEnv(t *testing.T, transport delivery.Transport, providers []models.Provider, cfg Config) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, transport, providers, cfg, nil)
}

// newTestEnvWithStore lets a test interpose on the job store, for example
// to inject write failures. wrap may be nil.
func newTestEnvWithStore(t *testing.T, transport delivery.Transport, providers []models.Provider, cfg Config, wrap func(jobstore.Store) jobstore.Store) *testEnv {
	t.Helper()

	logger := testLogger()

	if providers == nil {
		providers = []models.Provider{
			{ID: "prov-a", OwnerID: "owner-1", Name: "a", Host: "a.example.com", Port: 587, FromEmail: "a@example.com", IsDefault: true, IsActive: true},
		}
	}
	provStore, err := provider.NewStaticStore(providers)
	require.NoError(t, err)
	router := provider.NewRouter(provStore, provider.NewHealthTracker(time.Minute, 0.9, 100), logger)

	templates := template.NewStaticStore([]models.Template{
		{
			ID:       "tmpl-1",
			OwnerID:  "owner-1",
			Name:     "welcome",
			Subject:  "Hi {{name}}",
			HTMLBody: "<p>Hello {{name}}</p>",
			Variables: []models.TemplateVariable{
				{Name: "name", Required: true},
			},
			Version: 1,
		},
	})

	ledger, err := quota.NewLedger()
	require.NoError(t, err)

	store := jobstore.NewMemoryStore()
	var coordStore jobstore.Store = store
	if wrap != nil {
		coordStore = wrap(store)
	}
	bus := events.NewBus(64, logger)
	exec := delivery.NewExecutor(transport, router, delivery.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, logger)

	coord := NewCoordinator(cfg, Deps{
		Store:     coordStore,
		Templates: templates,
		Router:    router,
		Executor:  exec,
		Ledger:    ledger,
		Bus:       bus,
		Metrics:   metrics.New(),
		Logger:    logger,
	})
	t.Cleanup(bus.Close)
	t.Cleanup(coord.Stop)

	return &testEnv{coord: coord, store: store, bus: bus}
}

func testAccount() Account {
	return Account{APIKeyID: "key-1", OwnerID: "owner-1", RatePerMinute: 0}
}

func waitStatus(t *testing.T, env *testEnv, jobID string, want models.JobStatus) *models.Job {
	t.Helper()

	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := env.coord.Status(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job never reached status %s", want)
	return job
}

func assertProgressInvariant(t *testing.T, p models.Progress) {
	t.Helper()
	assert.Equal(t, p.Total, p.Sent+p.Failed+p.Pending+p.Skipped,
		"outcome counts must sum to total")
}

func TestSubmitSingleJobCompletes(t *testing.T) {
	transport := &okTransport{}
	env := newTestEnv(t, transport, nil, DefaultConfig())

	jobID, err := env.coord.Submit(context.Background(), SubmitRequest{
		Account:    testAccount(),
		TemplateID: "tmpl-1",
		Recipients: []Recipient{{Email: "user@example.com", Variables: map[string]string{"name": "Ada"}}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job := waitStatus(t, env, jobID, models.JobCompleted)
	assert.Equal(t, models.KindSingle, job.Kind)
	assert.Equal(t, 1, job.Progress.Total)
	assert.Equal(t, 1, job.Progress.Sent)
	assert.Equal(t, 0, job.Progress.Pending)
	assert.Equal(t, float64(100), job.Progress.Percentage)
	assertProgressInvariant(t, job.Progress)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, []string{"user@example.com"}, transport.sent())

	// The finished job survives in the store, not just the runtime.
	stored, err := env.store.LoadJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, stored.Status)
}

func TestBatchMissingVariableFailsOnlyThatRecipient(t *testing.T) {
	transport := &okTransport{}
	env := newTestEnv(t, transport, nil, DefaultConfig())

	jobID, err := env.coord.Submit(context.Background(), SubmitRequest{
		Account:    testAccount(),
		TemplateID: "tmpl-1",
		Recipients: []Recipient{
			{Email: "a@example.com", Variables: map[string]string{"name": "Ada"}},
			{Email: "b@example.com"}, // required variable absent
			{Email: "c@example.com", Variables: map[string]string{"name": "Cleo"}},
		},
	})
	require.NoError(t, err)

	job := waitStatus(t, env, jobID, models.JobCompleted)
	assert.Equal(t, models.KindBatch, job.Kind)
	assert.Equal(t, 2, job.Progress.Sent)
	assert.Equal(t, 1, job.Progress.Failed)
	assert.Equal(t, 0, job.Progress.Pending)
	assertProgressInvariant(t, job.Progress)

	tasks, err := env.store.ListTasks(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, models.TaskSent, tasks[0].Outcome)
	assert.Equal(t, models.TaskFailed, tasks[1].Outcome)
	assert.Contains(t, tasks[1].LastError, "name", "failure must surface the missing variable")
	assert.Equal(t, models.TaskSent, tasks[2].Outcome)
}

func TestSubmitRejectedByKeyRateLimit(t *testing.T) {
	transport := &okTransport{}
	env := newTestEnv(t, transport, nil, DefaultConfig())

	account := testAccount()
	account.RatePerMinute = 1

	req := SubmitRequest{
		Account:    account,
		Subject:    "plain",
		TextBody:   "hello",
		Recipients: []Recipient{{Email: "user@example.com"}},
	}

	first, err := env.coord.Submit(context.Background(), req)
	require.NoError(t, err)
	waitStatus(t, env, first, models.JobCompleted)

	_, err = env.coord.Submit(context.Background(), req)
	var admErr *AdmissionError
	require.ErrorAs(t, err, &admErr)
	assert.Equal(t, string(quota.ScopeAPIKey), admErr.Scope)
	assert.Greater(t, admErr.RetryAfter, time.Duration(0))

	// The rejection must leave no job record behind.
	total := 0
	for _, status := range []models.JobStatus{
		models.JobQueued, models.JobProcessing, models.JobPaused,
		models.JobCompleted, models.JobStopped, models.JobFailed,
	} {
		jobs, err := env.store.ListJobsByStatus(context.Background(), status)
		require.NoError(t, err)
		total += len(jobs)
	}
	assert.Equal(t, 1, total)
}

func TestSubmitRejectedByProviderDailyLimit(t *testing.T) {
	providers := []models.Provider{
		{ID: "prov-a", OwnerID: "owner-1", Name: "a", Host: "a.example.com", Port: 587, FromEmail: "a@example.com", IsDefault: true, IsActive: true, DailyLimit: 2},
	}
	env := newTestEnv(t, &okTransport{}, providers, DefaultConfig())

	_, err := env.coord.Submit(context.Background(), SubmitRequest{
		Account:  testAccount(),
		Subject:  "plain",
		TextBody: "hello",
		Recipients: []Recipient{
			{Email: "a@example.com"}, {Email: "b@example.com"}, {Email: "c@example.com"},
		},
	})
	var admErr *AdmissionError
	require.ErrorAs(t, err, &admErr)
	assert.Equal(t, string(quota.ScopeProvider), admErr.Scope)
	assert.Greater(t, admErr.RetryAfter, time.Duration(0))
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, &okTransport{}, nil, DefaultConfig())

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"no recipients", SubmitRequest{Account: testAccount(), TextBody: "x"}},
		{"empty recipient address", SubmitRequest{Account: testAccount(), TextBody: "x", Recipients: []Recipient{{Email: ""}}}},
		{"no content", SubmitRequest{Account: testAccount(), Recipients: []Recipient{{Email: "a@example.com"}}}},
		{"missing account", SubmitRequest{TextBody: "x", Recipients: []Recipient{{Email: "a@example.com"}}}},
		{"unknown template", SubmitRequest{Account: testAccount(), TemplateID: "nope", Recipients: []Recipient{{Email: "a@example.com"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.coord.Submit(context.Background(), tc.req)
			var admErr *AdmissionError
			assert.ErrorAs(t, err, &admErr)
		})
	}
}

func TestStopSkipsRemainingTasks(t *testing.T) {
	transport := newGatedTransport()
	cfg := DefaultConfig()
	cfg.Workers = 1
	env := newTestEnv(t, transport, nil, cfg)

	recipients := make([]Recipient, 5)
	for i := range recipients {
		recipients[i] = Recipient{Email: string(rune('a'+i)) + "@example.com"}
	}

	jobID, err := env.coord.Submit(context.Background(), SubmitRequest{
		Account:    testAccount(),
		Subject:    "plain",
		TextBody:   "hello",
		Recipients: recipients,
	})
	require.NoError(t, err)

	// First delivery is in flight; stop the job underneath it.
	<-transport.started
	require.NoError(t, env.coord.Control(context.Background(), jobID, ActionStop))
	transport.release <- struct{}{}

	job := waitStatus(t, env, jobID, models.JobStopped)
	assert.Equal(t, 1, job.Progress.Sent, "in-flight delivery finishes and counts")
	assert.Equal(t, 4, job.Progress.Skipped)
	assert.Equal(t, 0, job.Progress.Pending)
	assertProgressInvariant(t, job.Progress)

	tasks, err := env.store.ListTasks(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskSent, tasks[0].Outcome)
	for _, task := range tasks[1:] {
		assert.Equal(t, models.TaskSkipped, task.Outcome)
	}
}

func TestPauseHoldsDispatchAndResumeSendsExactlyOnce(t *testing.T) {
	transport := newGatedTransport()
	cfg := DefaultConfig()
	cfg.Workers = 1
	env := newTestEnv(t, transport, nil, cfg)

	jobID, err := env.coord.Submit(context.Background(), SubmitRequest{
		Account:  testAccount(),
		Subject:  "plain",
		TextBody: "hello",
		Recipients: []Recipient{
			{Email: "a@example.com"}, {Email: "b@example.com"}, {Email: "c@example.com"},
		},
	})
	require.NoError(t, err)

	<-transport.started
	require.NoError(t, env.coord.Control(context.Background(), jobID, ActionPause))
	transport.release <- struct{}{}

	// The in-flight delivery completed; nothing new may start while paused.
	select {
	case r := <-transport.started:
		t.Fatalf("dispatch of %s while paused", r)
	case <-time.After(100 * time.Millisecond):
	}

	paused, err := env.coord.Status(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPaused, paused.Status)
	assert.Equal(t, 1, paused.Progress.Sent)
	assert.Equal(t, 2, paused.Progress.Pending)
	assertProgressInvariant(t, paused.Progress)

	require.NoError(t, env.coord.Control(context.Background(), jobID, ActionResume))
	for i := 0; i < 2; i++ {
		<-transport.started
		transport.release <- struct{}{}
	}

	job := waitStatus(t, env, jobID, models.JobCompleted)
	assert.Equal(t, 3, job.Progress.Sent)
	assertProgressInvariant(t, job.Progress)
	assert.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com"}, transport.sent(),
		"each recipient is dispatched exactly once, in order")
}

func TestControlRejectsInvalidTransitions(t *testing.T) {
	transport := &okTransport{}
	env := newTestEnv(t, transport, nil, DefaultConfig())

	jobID, err := env.coord.Submit(context.Background(), SubmitRequest{
		Account:    testAccount(),
		Subject:    "plain",
		TextBody:   "hello",
		Recipients: []Recipient{{Email: "user@example.com"}},
	})
	require.NoError(t, err)
	waitStatus(t, env, jobID, models.JobCompleted)

	err = env.coord.Control(context.Background(), jobID, ActionPause)
	var trErr *InvalidTransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, models.JobCompleted, trErr.From)

	err = env.coord.Control(context.Background(), "missing", ActionStop)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStatusUnknownJob(t *testing.T) {
	env := newTestEnv(t, &okTransport{}, nil, DefaultConfig())

	_, err := env.coord.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSubmitNoProviderAvailable(t *testing.T) {
	providers := []models.Provider{
		{ID: "prov-a", OwnerID: "owner-1", Name: "a", Host: "a.example.com", Port: 587, IsDefault: true, IsActive: false},
	}
	env := newTestEnv(t, &okTransport{}, providers, DefaultConfig())

	_, err := env.coord.Submit(context.Background(), SubmitRequest{
		Account:    testAccount(),
		Subject:    "plain",
		TextBody:   "hello",
		Recipients: []Recipient{{Email: "user@example.com"}},
	})
	var admErr *AdmissionError
	require.ErrorAs(t, err, &admErr)
	assert.Contains(t, admErr.Reason, "provider")
}

// taskWriteFailingStore rejects every task write while letting job
// writes through, simulating storage giving out mid-submission
type taskWriteFailingStore struct {
	jobstore.Store
}

func (s *taskWriteFailingStore) SaveTask(context.Context, *models.RecipientTask) error {
	return errors.New("disk full")
}

func TestSubmitTaskWriteFailureSettlesJobRecord(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageRetries = 0
	cfg.StorageRetryDelay = time.Millisecond
	env := newTestEnvWithStore(t, &okTransport{}, nil, cfg, func(s jobstore.Store) jobstore.Store {
		return &taskWriteFailingStore{Store: s}
	})

	_, err := env.coord.Submit(context.Background(), SubmitRequest{
		Account:    testAccount(),
		TemplateID: "tmpl-1",
		Recipients: []Recipient{{Email: "user@example.com", Variables: map[string]string{"name": "Ada"}}},
	})
	var stErr *StorageError
	require.ErrorAs(t, err, &stErr)

	// the job record was already written; it must not be left queued
	// with no runtime to ever drive it
	jobs, listErr := env.store.ListJobsByStatus(context.Background(), models.JobFailed)
	require.NoError(t, listErr)
	require.Len(t, jobs, 1)
	assert.Equal(t, "internal storage error", jobs[0].Error)
	assert.NotNil(t, jobs[0].CompletedAt)

	queued, listErr := env.store.ListJobsByStatus(context.Background(), models.JobQueued)
	require.NoError(t, listErr)
	assert.Empty(t, queued)
}

// jobWriteRecordingStore captures the settled count carried by each job
// write, in the order the writes reach storage
type jobWriteRecordingStore struct {
	jobstore.Store
	mu      sync.Mutex
	settled []int
}

func (s *jobWriteRecordingStore) UpdateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	s.settled = append(s.settled, job.Progress.Sent+job.Progress.Failed+job.Progress.Skipped)
	s.mu.Unlock()
	return s.Store.UpdateJob(ctx, job)
}

func TestConcurrentCompletionsPersistMonotonicProgress(t *testing.T) {
	recording := &jobWriteRecordingStore{}
	env := newTestEnvWithStore(t, &okTransport{}, nil, DefaultConfig(), func(s jobstore.Store) jobstore.Store {
		recording.Store = s
		return recording
	})

	recipients := make([]Recipient, 20)
	for i := range recipients {
		recipients[i] = Recipient{
			Email:     fmt.Sprintf("user%d@example.com", i),
			Variables: map[string]string{"name": "Ada"},
		}
	}

	jobID, err := env.coord.Submit(context.Background(), SubmitRequest{
		Account:    testAccount(),
		TemplateID: "tmpl-1",
		Recipients: recipients,
	})
	require.NoError(t, err)
	waitStatus(t, env, jobID, models.JobCompleted)

	recording.mu.Lock()
	defer recording.mu.Unlock()
	require.NotEmpty(t, recording.settled)
	for i := 1; i < len(recording.settled); i++ {
		require.GreaterOrEqual(t, recording.settled[i], recording.settled[i-1],
			"a stale aggregate must never land after a newer one")
	}
	require.Equal(t, 20, recording.settled[len(recording.settled)-1])
}

func TestSweepReclaimsStaleJob(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval = 0 // sweep driven manually
	cfg.StaleAfter = time.Hour
	env := newTestEnv(t, &okTransport{}, nil, cfg)

	ctx := context.Background()
	stale := time.Now().UTC().Add(-2 * time.Hour)
	job := &models.Job{
		ID:        "job-stale",
		OwnerID:   "owner-1",
		Kind:      models.KindBatch,
		Status:    models.JobProcessing,
		Progress:  models.Progress{Total: 2, Sent: 1, Pending: 1, Percentage: 50},
		CreatedAt: stale,
		UpdatedAt: stale,
	}
	require.NoError(t, env.store.SaveJob(ctx, job))
	require.NoError(t, env.store.SaveTask(ctx, &models.RecipientTask{
		ID: "t-0", JobID: job.ID, Seq: 0, Recipient: "a@example.com", Outcome: models.TaskSent,
	}))
	require.NoError(t, env.store.SaveTask(ctx, &models.RecipientTask{
		ID: "t-1", JobID: job.ID, Seq: 1, Recipient: "b@example.com", Outcome: models.TaskPending,
	}))

	env.coord.sweepOnce(ctx)

	got, err := env.store.LoadJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStopped, got.Status)
	assert.Equal(t, 0, got.Progress.Pending)
	assert.Equal(t, 1, got.Progress.Skipped)
	assertProgressInvariant(t, got.Progress)

	tasks, err := env.store.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskSkipped, tasks[1].Outcome)
}

func TestSweepLeavesFreshAndLiveJobsAlone(t *testing.T) {
	transport := newGatedTransport()
	cfg := DefaultConfig()
	cfg.SweepInterval = 0
	cfg.StaleAfter = time.Nanosecond // everything qualifies by age
	env := newTestEnv(t, transport, nil, cfg)

	jobID, err := env.coord.Submit(context.Background(), SubmitRequest{
		Account:    testAccount(),
		Subject:    "plain",
		TextBody:   "hello",
		Recipients: []Recipient{{Email: "user@example.com"}},
	})
	require.NoError(t, err)

	<-transport.started
	time.Sleep(5 * time.Millisecond)
	env.coord.sweepOnce(context.Background())

	// The job has a live runtime, so the sweep must not touch it.
	job, err := env.coord.Status(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, job.Status)

	transport.release <- struct{}{}
	waitStatus(t, env, jobID, models.JobCompleted)
}

func TestTaskOutcomeEventsPublished(t *testing.T) {
	transport := &okTransport{}
	env := newTestEnv(t, transport, nil, DefaultConfig())
	sub := env.bus.Subscribe()

	jobID, err := env.coord.Submit(context.Background(), SubmitRequest{
		Account:    testAccount(),
		TemplateID: "tmpl-1",
		Recipients: []Recipient{{Email: "user@example.com", Variables: map[string]string{"name": "Ada"}}},
	})
	require.NoError(t, err)
	waitStatus(t, env, jobID, models.JobCompleted)

	var sawOutcome, sawCompleted bool
	deadline := time.After(2 * time.Second)
	for !(sawOutcome && sawCompleted) {
		select {
		case e := <-sub:
			if e.Type == events.TypeTaskOutcome && e.Outcome == models.TaskSent {
				sawOutcome = true
				assert.Equal(t, "user@example.com", e.Recipient)
			}
			if e.Type == events.TypeJobStatus && e.Status == models.JobCompleted {
				sawCompleted = true
			}
		case <-deadline:
			t.Fatalf("missing events: outcome=%v completed=%v", sawOutcome, sawCompleted)
		}
	}
}
