package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/Esekyi/mailSage/internal/delivery"
	"github.com/Esekyi/mailSage/internal/models"
	"github.com/Esekyi/mailSage/internal/template"
)

// runJob is the per-job runner goroutine. It walks the recipient tasks in
// submission order, blocking while the job is paused and dispatching each
// task to the shared worker pool.
func (c *Coordinator) runJob(rt *jobRuntime, src template.Source) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.active, rt.job.ID)
		c.mu.Unlock()
		c.metrics.JobsActive.Dec()
	}()

	ctx := c.ctx

	// A job with no reachable provider fails at dispatch, before any task
	// is attempted.
	if _, err := c.router.Select(ctx, rt.account.OwnerID, rt.job.ProviderID, nil); err != nil {
		c.failJob(ctx, rt, "no provider available")
		return
	}

	if !c.transition(ctx, rt, models.JobProcessing) {
		return
	}

	var tasksWG sync.WaitGroup
	for i := 0; i < len(rt.tasks); {
		task := rt.tasks[i]

		rt.mu.Lock()
		for rt.paused && !rt.stopped && ctx.Err() == nil {
			rt.cond.Wait()
		}
		stopped := rt.stopped
		rt.mu.Unlock()
		if stopped || ctx.Err() != nil {
			break
		}

		c.sem <- struct{}{}
		// Control may have landed while blocked on the pool; re-check
		// before the slot is spent on a dispatch.
		rt.mu.Lock()
		stopped, paused := rt.stopped, rt.paused
		rt.mu.Unlock()
		if stopped {
			<-c.sem
			break
		}
		if paused {
			<-c.sem
			continue
		}

		tasksWG.Add(1)
		go func(task *models.RecipientTask) {
			defer func() {
				<-c.sem
				tasksWG.Done()
			}()
			c.runTask(ctx, rt, src, task)
		}(task)
		i++
	}
	tasksWG.Wait()

	c.finalize(ctx, rt)
}

// runTask executes one recipient's delivery end to end: render, provider
// selection, attempt cycle, outcome recording
func (c *Coordinator) runTask(ctx context.Context, rt *jobRuntime, src template.Source, task *models.RecipientTask) {
	c.metrics.WorkersBusy.Inc()
	c.metrics.TasksInFlight.Inc()
	defer func() {
		c.metrics.TasksInFlight.Dec()
		c.metrics.WorkersBusy.Dec()
	}()

	rendered, err := c.renderer.Render(src, task.Variables)
	if err != nil {
		// A render failure is local to this recipient; siblings proceed.
		c.metrics.TasksFailedTotal.WithLabelValues("none", "render").Inc()
		c.completeTask(ctx, rt, task, models.TaskFailed, err.Error(), "")
		return
	}

	p, err := c.router.Select(ctx, rt.account.OwnerID, rt.job.ProviderID, nil)
	if err != nil {
		c.metrics.TasksFailedTotal.WithLabelValues("none", "routing").Inc()
		c.completeTask(ctx, rt, task, models.TaskFailed, "no provider available", "")
		return
	}

	msg := &delivery.Outgoing{
		From:    p.FromEmail,
		To:      task.Recipient,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	}

	res := c.executor.Deliver(ctx, rt.account.OwnerID, task, msg, p, rt.stopRequested)
	if res.ProviderID != "" {
		c.metrics.AttemptsTotal.WithLabelValues(res.ProviderID).Add(float64(res.Attempts))
		if res.ProviderID != p.ID {
			c.metrics.FailoversTotal.WithLabelValues(p.ID).Inc()
		}
	}

	switch {
	case res.Sent:
		now := time.Now().UTC()
		task.SentAt = &now
		c.completeTask(ctx, rt, task, models.TaskSent, "", res.ProviderID)
	case res.Err == nil:
		// Stop or shutdown observed before the first attempt.
		c.completeTask(ctx, rt, task, models.TaskSkipped, "job stopped before dispatch", "")
	default:
		c.metrics.TasksFailedTotal.WithLabelValues(res.ProviderID, string(res.Err.Kind)).Inc()
		c.completeTask(ctx, rt, task, models.TaskFailed, res.Err.Message, res.ProviderID)
	}
}

// completeTask records a task's final outcome, recomputes the job aggregate
// under the per-job lock and persists both records
func (c *Coordinator) completeTask(ctx context.Context, rt *jobRuntime, task *models.RecipientTask, outcome models.TaskOutcome, lastError, providerID string) {
	now := time.Now().UTC()

	rt.mu.Lock()
	task.Outcome = outcome
	if lastError != "" {
		task.LastError = lastError
	}
	if providerID != "" {
		task.ProviderID = providerID
	}
	task.UpdatedAt = now
	taskCopy := *task

	recomputeProgress(rt.job, rt.tasks)
	rt.job.UpdatedAt = now
	rt.mu.Unlock()

	switch outcome {
	case models.TaskSent:
		c.metrics.TasksSentTotal.WithLabelValues(taskCopy.ProviderID).Inc()
	case models.TaskSkipped:
		c.metrics.TasksSkippedTotal.Inc()
	}

	if err := c.persist(ctx, "update task", func() error { return c.store.UpdateTask(ctx, &taskCopy) }); err != nil {
		c.failJob(ctx, rt, "internal storage error")
		return
	}
	jobSnap, err := c.persistJobSnapshot(ctx, rt)
	if err != nil {
		c.failJob(ctx, rt, "internal storage error")
		return
	}

	c.publishTaskOutcome(jobSnap, &taskCopy)
}

// persistJobSnapshot writes the job record from a snapshot taken under the
// runtime lock. The per-runtime persist mutex keeps concurrent workers from
// committing an older aggregate over a newer one.
func (c *Coordinator) persistJobSnapshot(ctx context.Context, rt *jobRuntime) (*models.Job, error) {
	rt.persistMu.Lock()
	defer rt.persistMu.Unlock()

	rt.mu.Lock()
	jobCopy := *rt.job
	rt.mu.Unlock()

	if err := c.persist(ctx, "update job", func() error { return c.store.UpdateJob(ctx, &jobCopy) }); err != nil {
		return nil, err
	}
	return &jobCopy, nil
}

// finalize closes out a job after its runner loop drains: remaining pending
// tasks of a stopped job become skipped, a fully drained job completes
func (c *Coordinator) finalize(ctx context.Context, rt *jobRuntime) {
	now := time.Now().UTC()

	rt.mu.Lock()
	// A job paused after its last dispatch stays open until it is resumed
	// or stopped; completion from the paused state is not a transition.
	for rt.paused && !rt.stopped && ctx.Err() == nil {
		rt.cond.Wait()
	}
	stopped := rt.stopped
	var skipped []*models.RecipientTask
	if stopped {
		for _, task := range rt.tasks {
			if task.Outcome == models.TaskPending {
				task.Outcome = models.TaskSkipped
				task.LastError = "job stopped before dispatch"
				task.UpdatedAt = now
				cp := *task
				skipped = append(skipped, &cp)
			}
		}
		recomputeProgress(rt.job, rt.tasks)
		rt.job.UpdatedAt = now
		if rt.job.CompletedAt == nil {
			rt.job.CompletedAt = &now
		}
	}
	status := rt.job.Status
	rt.mu.Unlock()

	for _, task := range skipped {
		c.metrics.TasksSkippedTotal.Inc()
		if err := c.persist(ctx, "update task", func() error { return c.store.UpdateTask(ctx, task) }); err != nil {
			break
		}
		rt.mu.Lock()
		jobCopy := *rt.job
		rt.mu.Unlock()
		c.publishTaskOutcome(&jobCopy, task)
	}

	if !stopped && !status.Terminal() && ctx.Err() == nil {
		// transition persists and announces the completed state
		if !c.transition(ctx, rt, models.JobCompleted) {
			return
		}
	} else if stopped {
		jobSnap, err := c.persistJobSnapshot(ctx, rt)
		if err != nil {
			return
		}
		c.publishJobStatus(jobSnap)
	} else {
		return
	}

	rt.mu.Lock()
	jobCopy := *rt.job
	rt.mu.Unlock()
	c.logger.Info("job finished",
		"job_id", jobCopy.ID,
		"status", string(jobCopy.Status),
		"sent", jobCopy.Progress.Sent,
		"failed", jobCopy.Progress.Failed,
		"skipped", jobCopy.Progress.Skipped,
	)
}

// transition moves the job to the given status if the lifecycle allows it,
// persisting the change. Returns false when the move was not taken.
func (c *Coordinator) transition(ctx context.Context, rt *jobRuntime, to models.JobStatus) bool {
	now := time.Now().UTC()

	rt.mu.Lock()
	if !canTransition(rt.job.Status, to) {
		rt.mu.Unlock()
		return false
	}
	rt.job.Status = to
	rt.job.UpdatedAt = now
	if to == models.JobProcessing && rt.job.StartedAt == nil {
		rt.job.StartedAt = &now
	}
	if to == models.JobCompleted && rt.job.CompletedAt == nil {
		rt.job.CompletedAt = &now
	}
	rt.mu.Unlock()

	jobSnap, err := c.persistJobSnapshot(ctx, rt)
	if err != nil {
		return false
	}
	c.publishJobStatus(jobSnap)
	return true
}

// failJob marks a live job failed with the given reason. Tasks keep their
// current outcome; nothing further is dispatched for the job.
func (c *Coordinator) failJob(ctx context.Context, rt *jobRuntime, reason string) {
	now := time.Now().UTC()

	rt.mu.Lock()
	if rt.job.Status.Terminal() {
		rt.mu.Unlock()
		return
	}
	rt.job.Status = models.JobFailed
	rt.job.Error = reason
	rt.job.UpdatedAt = now
	rt.job.CompletedAt = &now
	rt.stopped = true
	jobCopy := *rt.job
	rt.cond.Broadcast()
	rt.mu.Unlock()

	c.logger.Error("job failed", "job_id", jobCopy.ID, "reason", reason)

	// Persistence here is best effort; the failure is already decided.
	_, _ = c.persistJobSnapshot(ctx, rt)
	c.publishJobStatus(&jobCopy)
}

// recomputeProgress rebuilds the job aggregate from task outcomes. Caller
// holds the runtime lock.
func recomputeProgress(job *models.Job, tasks []*models.RecipientTask) {
	var p models.Progress
	p.Total = len(tasks)
	for _, t := range tasks {
		switch t.Outcome {
		case models.TaskSent:
			p.Sent++
		case models.TaskFailed:
			p.Failed++
		case models.TaskSkipped:
			p.Skipped++
		default:
			p.Pending++
		}
	}
	if p.Total > 0 {
		done := float64(p.Sent + p.Failed + p.Skipped)
		p.Percentage = math.Round(done/float64(p.Total)*10000) / 100
	}
	job.Progress = p
}

// sweepLoop periodically reclaims processing jobs abandoned by a crashed
// run: anything past the staleness horizon with no live runtime is stopped
// and its pending tasks are skipped
func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(c.ctx)
		}
	}
}

func (c *Coordinator) sweepOnce(ctx context.Context) {
	horizon := time.Now().UTC().Add(-c.cfg.StaleAfter)

	for _, status := range []models.JobStatus{models.JobProcessing, models.JobPaused} {
		jobs, err := c.store.ListJobsByStatus(ctx, status)
		if err != nil {
			c.logger.Error("stale job sweep failed", "status", string(status), "error", err)
			continue
		}
		for _, job := range jobs {
			if job.UpdatedAt.After(horizon) {
				continue
			}
			c.mu.Lock()
			_, live := c.active[job.ID]
			c.mu.Unlock()
			if live {
				continue
			}
			c.reclaimJob(ctx, job)
		}
	}
}

// reclaimJob closes out one abandoned job directly against the store
func (c *Coordinator) reclaimJob(ctx context.Context, job *models.Job) {
	now := time.Now().UTC()
	staleSince := job.UpdatedAt

	tasks, err := c.store.ListTasks(ctx, job.ID)
	if err != nil {
		c.logger.Error("failed to load tasks for stale job", "job_id", job.ID, "error", err)
		return
	}

	for _, task := range tasks {
		if task.Outcome != models.TaskPending {
			continue
		}
		task.Outcome = models.TaskSkipped
		task.LastError = "job reclaimed after staleness"
		task.UpdatedAt = now
		if err := c.store.UpdateTask(ctx, task); err != nil {
			c.logger.Error("failed to update task for stale job", "job_id", job.ID, "task_id", task.ID, "error", err)
			return
		}
		c.metrics.TasksSkippedTotal.Inc()
	}

	recomputeProgress(job, tasks)
	job.Status = models.JobStopped
	job.Error = "reclaimed after staleness"
	job.UpdatedAt = now
	job.CompletedAt = &now
	if err := c.store.UpdateJob(ctx, job); err != nil {
		c.logger.Error("failed to update stale job", "job_id", job.ID, "error", err)
		return
	}

	c.publishJobStatus(job)
	c.logger.Warn("reclaimed stale job", "job_id", job.ID, "stale_since", staleSince)
}
