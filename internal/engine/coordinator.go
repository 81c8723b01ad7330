package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/Esekyi/mailSage/internal/delivery"
	"github.com/Esekyi/mailSage/internal/events"
	"github.com/Esekyi/mailSage/internal/jobstore"
	"github.com/Esekyi/mailSage/internal/metrics"
	"github.com/Esekyi/mailSage/internal/models"
	"github.com/Esekyi/mailSage/internal/provider"
	"github.com/Esekyi/mailSage/internal/quota"
	"github.com/Esekyi/mailSage/internal/template"
)

// Account identifies the caller of a submission, supplied by the
// account/auth collaborator
type Account struct {
	APIKeyID      string
	OwnerID       string
	RatePerMinute int // plan limit on submissions per minute, 0 = unlimited
}

// Recipient is one addressee of a submission with its variable mapping
type Recipient struct {
	Email     string
	Variables map[string]string
}

// SubmitRequest describes a single or batch send
type SubmitRequest struct {
	Account    Account
	TemplateID string
	Subject    string
	HTMLBody   string
	TextBody   string
	ProviderID string // requested provider, empty = owner default
	CampaignID string
	Recipients []Recipient
}

// Config holds coordinator tuning parameters
type Config struct {
	Workers           int           // bound on concurrently executing tasks
	StorageRetries    uint64        // retries for failed persistence writes
	StorageRetryDelay time.Duration
	StaleAfter        time.Duration // processing jobs older than this are swept
	SweepInterval     time.Duration
}

// DefaultConfig returns the coordinator defaults
func DefaultConfig() Config {
	return Config{
		Workers:           8,
		StorageRetries:    3,
		StorageRetryDelay: 200 * time.Millisecond,
		StaleAfter:        time.Hour,
		SweepInterval:     5 * time.Minute,
	}
}

// Deps wires the coordinator's collaborators
type Deps struct {
	Store     jobstore.Store
	Templates template.Store
	Router    *provider.Router
	Executor  *delivery.Executor
	Ledger    *quota.Ledger
	Bus       *events.Bus
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Coordinator owns job lifecycle: it admits submissions, fans recipient
// tasks out across a bounded worker pool, aggregates progress and honors
// pause/resume/stop. It is the single writer of job-level aggregate state;
// workers are the sole writers of their own task's outcome.
type Coordinator struct {
	cfg       Config
	store     jobstore.Store
	templates template.Store
	renderer  *template.Renderer
	router    *provider.Router
	executor  *delivery.Executor
	ledger    *quota.Ledger
	bus       *events.Bus
	metrics   *metrics.Metrics
	logger    *slog.Logger

	sem chan struct{} // bounds concurrently executing tasks across jobs

	mu     sync.Mutex
	active map[string]*jobRuntime

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// jobRuntime is the in-memory state of a live job. Its mutex is the
// per-job update lock: progress recomputation and control flags serialize
// through it so concurrent task completions never lose an update.
type jobRuntime struct {
	mu      sync.Mutex
	cond    *sync.Cond
	job     *models.Job
	tasks   []*models.RecipientTask
	account Account
	paused  bool
	stopped bool

	// persistMu serializes job record writes so snapshots commit in the
	// order they were taken. Never acquired while holding mu.
	persistMu sync.Mutex
}

func newRuntime(job *models.Job, tasks []*models.RecipientTask, account Account) *jobRuntime {
	rt := &jobRuntime{job: job, tasks: tasks, account: account}
	rt.cond = sync.NewCond(&rt.mu)
	return rt
}

// stopRequested is the cooperative cancellation check workers consult
// before dispatching a new attempt
func (rt *jobRuntime) stopRequested() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.stopped
}

// NewCoordinator creates and starts a coordinator
func NewCoordinator(cfg Config, d Deps) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.StorageRetryDelay <= 0 {
		cfg.StorageRetryDelay = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		store:     d.Store,
		templates: d.Templates,
		renderer:  template.NewRenderer(),
		router:    d.Router,
		executor:  d.Executor,
		ledger:    d.Ledger,
		bus:       d.Bus,
		metrics:   d.Metrics,
		logger:    d.Logger.With("component", "coordinator"),
		sem:       make(chan struct{}, cfg.Workers),
		active:    make(map[string]*jobRuntime),
		ctx:       ctx,
		cancel:    cancel,
	}

	if cfg.SweepInterval > 0 && cfg.StaleAfter > 0 {
		c.wg.Add(1)
		go c.sweepLoop()
	}

	return c
}

// Submit admits a send request and, on success, creates and dispatches a
// job. Rejections are synchronous and create no job record.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}

	src, err := c.resolveSource(ctx, req)
	if err != nil {
		return "", err
	}

	// Resolve the target provider now so its daily limit can be checked
	// atomically with the key's rate limit.
	prov, err := c.router.Select(ctx, req.Account.OwnerID, req.ProviderID, nil)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return "", &AdmissionError{Reason: "provider not found"}
		}
		return "", &AdmissionError{Reason: "no provider available"}
	}

	decision := c.ledger.TryAdmitAll(ctx,
		quota.Check{Scope: quota.ScopeAPIKey, ScopeID: req.Account.APIKeyID, Window: quota.WindowMinute, Limit: req.Account.RatePerMinute, Cost: 1},
		quota.Check{Scope: quota.ScopeProvider, ScopeID: prov.ID, Window: quota.WindowDay, Limit: prov.DailyLimit, Cost: len(req.Recipients)},
	)
	if !decision.Admitted {
		c.metrics.QuotaRejectionsTotal.WithLabelValues(string(decision.Scope)).Inc()
		return "", &AdmissionError{Reason: decision.Reason, Scope: string(decision.Scope), RetryAfter: decision.RetryAfter}
	}

	now := time.Now().UTC()
	kind := models.KindSingle
	if len(req.Recipients) > 1 {
		kind = models.KindBatch
	}

	job := &models.Job{
		ID:         uuid.New().String(),
		OwnerID:    req.Account.OwnerID,
		APIKeyID:   req.Account.APIKeyID,
		Kind:       kind,
		TemplateID: req.TemplateID,
		Subject:    req.Subject,
		HTMLBody:   req.HTMLBody,
		TextBody:   req.TextBody,
		ProviderID: req.ProviderID,
		CampaignID: req.CampaignID,
		Status:     models.JobQueued,
		Progress:   models.Progress{Total: len(req.Recipients), Pending: len(req.Recipients)},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tasks := make([]*models.RecipientTask, len(req.Recipients))
	for i, r := range req.Recipients {
		tasks[i] = &models.RecipientTask{
			ID:        uuid.New().String(),
			JobID:     job.ID,
			Seq:       i,
			Recipient: r.Email,
			Variables: r.Variables,
			Outcome:   models.TaskPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if err := c.persist(ctx, "save job", func() error { return c.store.SaveJob(ctx, job) }); err != nil {
		return "", err
	}
	for _, task := range tasks {
		task := task
		if err := c.persist(ctx, "save task", func() error { return c.store.SaveTask(ctx, task) }); err != nil {
			// The job record already exists; without this it would sit
			// queued forever with no runtime to drive it.
			c.markJobFailed(ctx, job, "internal storage error")
			return "", err
		}
	}

	rt := newRuntime(job, tasks, req.Account)
	c.mu.Lock()
	c.active[job.ID] = rt
	c.mu.Unlock()

	c.metrics.JobsSubmittedTotal.WithLabelValues(string(kind)).Inc()
	c.metrics.JobsActive.Inc()
	c.logger.Info("job admitted",
		"job_id", job.ID,
		"owner_id", job.OwnerID,
		"kind", string(kind),
		"recipients", len(tasks),
	)

	c.wg.Add(1)
	go c.runJob(rt, src)

	return job.ID, nil
}

// Status returns the current job snapshot; live jobs are read from the
// runtime, finished ones from the store
func (c *Coordinator) Status(ctx context.Context, jobID string) (*models.Job, error) {
	c.mu.Lock()
	rt := c.active[jobID]
	c.mu.Unlock()

	if rt != nil {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		cp := *rt.job
		return &cp, nil
	}

	job, err := c.store.LoadJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return job, nil
}

// Control applies a pause, resume or stop request. Invalid transitions are
// rejected without any state change.
func (c *Coordinator) Control(ctx context.Context, jobID string, action Action) error {
	to := action.Target()
	if to == "" {
		return fmt.Errorf("unknown control action %q", action)
	}

	c.mu.Lock()
	rt := c.active[jobID]
	c.mu.Unlock()

	if rt == nil {
		job, err := c.store.LoadJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, jobstore.ErrNotFound) {
				return ErrJobNotFound
			}
			return fmt.Errorf("failed to load job %s: %w", jobID, err)
		}
		c.metrics.ControlRequestsTotal.WithLabelValues(string(action), "rejected").Inc()
		return &InvalidTransitionError{From: job.Status, Action: action}
	}

	rt.mu.Lock()
	from := rt.job.Status
	if !canTransition(from, to) {
		rt.mu.Unlock()
		c.metrics.ControlRequestsTotal.WithLabelValues(string(action), "rejected").Inc()
		return &InvalidTransitionError{From: from, Action: action}
	}

	now := time.Now().UTC()
	switch action {
	case ActionPause:
		rt.paused = true
	case ActionResume:
		rt.paused = false
	case ActionStop:
		rt.stopped = true
		rt.paused = false
		rt.job.CompletedAt = &now
	}
	rt.job.Status = to
	rt.job.UpdatedAt = now
	rt.cond.Broadcast()
	rt.mu.Unlock()

	snapshot, err := c.persistJobSnapshot(ctx, rt)
	if err != nil {
		return err
	}

	c.metrics.ControlRequestsTotal.WithLabelValues(string(action), "ok").Inc()
	c.publishJobStatus(snapshot)
	c.logger.Info("job control applied", "job_id", jobID, "action", string(action), "from", string(from), "to", string(to))
	return nil
}

// Stop shuts the coordinator down, waking paused jobs and waiting for
// in-flight attempts to finish
func (c *Coordinator) Stop() {
	c.cancel()

	c.mu.Lock()
	for _, rt := range c.active {
		rt.mu.Lock()
		rt.cond.Broadcast()
		rt.mu.Unlock()
	}
	c.mu.Unlock()

	c.wg.Wait()
}

func validateRequest(req SubmitRequest) error {
	if req.Account.OwnerID == "" || req.Account.APIKeyID == "" {
		return &AdmissionError{Reason: "missing account identity"}
	}
	if len(req.Recipients) == 0 {
		return &AdmissionError{Reason: "at least one recipient is required"}
	}
	for _, r := range req.Recipients {
		if r.Email == "" {
			return &AdmissionError{Reason: "recipient with empty address"}
		}
	}
	if req.TemplateID == "" && req.HTMLBody == "" && req.TextBody == "" {
		return &AdmissionError{Reason: "either template_id or body must be provided"}
	}
	return nil
}

// resolveSource builds the render source from a stored template or the
// request's inline content
func (c *Coordinator) resolveSource(ctx context.Context, req SubmitRequest) (template.Source, error) {
	if req.TemplateID == "" {
		src := template.FromInline(req.Subject, req.HTMLBody, req.TextBody)
		if err := c.renderer.Validate(src); err != nil {
			return template.Source{}, &AdmissionError{Reason: err.Error()}
		}
		return src, nil
	}

	tmpl, err := c.templates.Get(ctx, req.TemplateID)
	if err != nil {
		if errors.Is(err, template.ErrNotFound) {
			return template.Source{}, &AdmissionError{Reason: "template not found"}
		}
		return template.Source{}, fmt.Errorf("failed to load template %s: %w", req.TemplateID, err)
	}
	if tmpl.OwnerID != "" && tmpl.OwnerID != req.Account.OwnerID {
		return template.Source{}, &AdmissionError{Reason: "template not found"}
	}

	src := template.FromTemplate(tmpl)
	if req.Subject != "" {
		src.Subject = req.Subject
	}
	if err := c.renderer.Validate(src); err != nil {
		return template.Source{}, &AdmissionError{Reason: err.Error()}
	}
	return src, nil
}

// persist runs a storage write with the bounded retry policy. A write that
// still fails is surfaced as a StorageError, never swallowed.
func (c *Coordinator) persist(ctx context.Context, op string, fn func() error) error {
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.StorageRetryDelay), c.cfg.StorageRetries)
	if err := backoff.Retry(fn, backoff.WithContext(bo, ctx)); err != nil {
		c.logger.Error("storage operation failed after retries", "op", op, "error", err)
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

// markJobFailed settles an already saved job whose setup could not finish.
// The write is best effort; the submission error has already been decided.
func (c *Coordinator) markJobFailed(ctx context.Context, job *models.Job, reason string) {
	now := time.Now().UTC()
	job.Status = models.JobFailed
	job.Error = reason
	job.UpdatedAt = now
	job.CompletedAt = &now

	c.logger.Error("job failed during setup", "job_id", job.ID, "reason", reason)
	if err := c.store.UpdateJob(ctx, job); err != nil {
		c.logger.Error("could not settle job record", "job_id", job.ID, "error", err)
		return
	}
	c.publishJobStatus(job)
}

func (c *Coordinator) publishJobStatus(job *models.Job) {
	c.bus.Publish(events.Event{
		Type:    events.TypeJobStatus,
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		Status:  job.Status,
		Error:   job.Error,
		At:      time.Now().UTC(),
	})
}

func (c *Coordinator) publishTaskOutcome(job *models.Job, task *models.RecipientTask) {
	c.bus.Publish(events.Event{
		Type:      events.TypeTaskOutcome,
		JobID:     job.ID,
		TaskID:    task.ID,
		OwnerID:   job.OwnerID,
		Recipient: task.Recipient,
		Outcome:   task.Outcome,
		Error:     task.LastError,
		At:        time.Now().UTC(),
	})
}
