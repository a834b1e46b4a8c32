package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/models"
	"github.com/BTreeMap/AgentPipe/internal/util"
)

// JobStore persists the durable job set. A missing or corrupt job file
// loads as empty; persistence failures are best-effort.
type JobStore interface {
	LoadJobs() ([]models.ScheduledJob, error)
	SaveJobs(jobs []models.ScheduledJob) error
}

// DispatchFunc synthesizes an inbound automation run for a fired job and
// returns the run's textual result. Dispatch errors are recorded on the
// job and never prevent rescheduling.
type DispatchFunc func(ctx context.Context, job models.ScheduledJob) (string, error)

// Engine owns all scheduled jobs: it validates schedules at creation time,
// arms one cancellable timer per enabled job, and re-arms after every
// firing. Heartbeat scheduling lives in Heartbeat and shares the timer.
type Engine struct {
	mu       sync.RWMutex
	jobs     map[string]*models.ScheduledJob
	handles  map[string]string // job ID -> timer handle
	timer    models.Timer
	store    JobStore
	dispatch DispatchFunc
	started  bool
}

// NewEngine creates a trigger engine. The dispatch function is invoked for
// every firing, including RunNow.
func NewEngine(timer models.Timer, store JobStore, dispatch DispatchFunc) *Engine {
	return &Engine{
		jobs:     make(map[string]*models.ScheduledJob),
		handles:  make(map[string]string),
		timer:    timer,
		store:    store,
		dispatch: dispatch,
	}
}

// Start loads the persisted job set and arms timers for every enabled job.
// Expired one-shots are dropped with a warning; jobs whose schedules no
// longer produce a future firing stay loaded but unarmed.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("trigger engine already started")
	}
	e.started = true

	jobs, err := e.store.LoadJobs()
	if err != nil {
		slog.Warn("Engine.Start: job load failed, starting empty", "error", err)
		jobs = nil
	}

	now := time.Now()
	for i := range jobs {
		job := jobs[i]
		if job.ScheduleKind() == models.ScheduleAt && job.At != nil && !job.At.After(now) {
			slog.Warn("Engine.Start: dropping expired one-shot job", "id", job.ID, "name", job.Name, "at", job.At)
			continue
		}
		e.jobs[job.ID] = &job
		if job.Enabled {
			e.armLocked(&job, now)
		}
	}
	e.persistLocked()

	slog.Info("Engine.Start: trigger engine started", "jobs", len(e.jobs))
	return nil
}

// Stop cancels all armed timers. Jobs remain persisted.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, handle := range e.handles {
		_ = e.timer.Cancel(handle)
		delete(e.handles, id)
	}
	e.started = false
	slog.Info("Engine.Stop: trigger engine stopped")
}

// AddJob validates a job definition, computes its first fire time, persists
// it, and arms its timer. Malformed schedules are rejected here and never
// reach the timer loop.
func (e *Engine) AddJob(job models.ScheduledJob) (models.ScheduledJob, error) {
	if err := job.Validate(); err != nil {
		return models.ScheduledJob{}, err
	}

	now := time.Now()
	if job.ID == "" {
		job.ID = util.GenerateRandomID("job_", 16)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	next, ok, err := NextRunTime(&job, now)
	if err != nil {
		return models.ScheduledJob{}, fmt.Errorf("invalid schedule for job %q: %w", job.Name, err)
	}
	if ok {
		job.NextRunAt = &next
	} else {
		job.NextRunAt = nil
		slog.Warn("Engine.AddJob: schedule has no future firing", "id", job.ID, "name", job.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs[job.ID] = &job
	if job.Enabled {
		e.armLocked(&job, now)
	}
	e.persistLocked()

	slog.Info("Engine.AddJob: job added", "id", job.ID, "name", job.Name, "kind", job.ScheduleKind(), "nextRunAt", job.NextRunAt)
	return job, nil
}

// RemoveJob cancels the job's pending timer and deletes it.
func (e *Engine) RemoveJob(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.jobs[id]; !exists {
		return models.ErrJobNotFound
	}
	e.disarmLocked(id)
	delete(e.jobs, id)
	e.persistLocked()

	slog.Info("Engine.RemoveJob: job removed", "id", id)
	return nil
}

// SetEnabled toggles a job. Disabling cancels its pending timer; enabling
// recomputes the next fire time from now and re-arms.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, exists := e.jobs[id]
	if !exists {
		return models.ErrJobNotFound
	}
	job.Enabled = enabled
	e.disarmLocked(id)

	if enabled {
		now := time.Now()
		next, ok, err := NextRunTime(job, now)
		if err != nil {
			return fmt.Errorf("cannot re-enable job %s: %w", id, err)
		}
		if ok {
			job.NextRunAt = &next
			e.armLocked(job, now)
		} else {
			job.NextRunAt = nil
		}
	} else {
		job.NextRunAt = nil
	}
	e.persistLocked()

	slog.Info("Engine.SetEnabled: job toggled", "id", id, "enabled", enabled)
	return nil
}

// RunNow fires a job immediately, outside its schedule. The firing updates
// lastRunAt and reschedules exactly like a timer firing.
func (e *Engine) RunNow(ctx context.Context, id string) error {
	e.mu.RLock()
	_, exists := e.jobs[id]
	e.mu.RUnlock()
	if !exists {
		return models.ErrJobNotFound
	}
	e.fire(ctx, id)
	return nil
}

// Jobs returns a snapshot of all jobs sorted by name.
func (e *Engine) Jobs() []models.ScheduledJob {
	e.mu.RLock()
	defer e.mu.RUnlock()

	jobs := make([]models.ScheduledJob, 0, len(e.jobs))
	for _, job := range e.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// Job returns a copy of one job by ID.
func (e *Engine) Job(id string) (models.ScheduledJob, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	job, exists := e.jobs[id]
	if !exists {
		return models.ScheduledJob{}, models.ErrJobNotFound
	}
	return *job, nil
}

// armLocked arms the timer for a job's NextRunAt. Caller holds e.mu.
func (e *Engine) armLocked(job *models.ScheduledJob, now time.Time) {
	if job.NextRunAt == nil {
		next, ok, err := NextRunTime(job, now)
		if err != nil || !ok {
			return
		}
		job.NextRunAt = &next
	}

	id := job.ID
	handle, err := e.timer.ScheduleAt(*job.NextRunAt, func() {
		e.fire(context.Background(), id)
	})
	if err != nil {
		slog.Error("Engine.armLocked: timer scheduling failed", "id", id, "error", err)
		return
	}
	e.handles[id] = handle
}

// disarmLocked cancels a job's pending timer, if any. Caller holds e.mu.
func (e *Engine) disarmLocked(id string) {
	if handle, exists := e.handles[id]; exists {
		_ = e.timer.Cancel(handle)
		delete(e.handles, id)
	}
}

// fire executes one job firing: dispatch, bookkeeping, reschedule (or
// deletion for delete-after-run jobs), persist.
func (e *Engine) fire(ctx context.Context, id string) {
	e.mu.Lock()
	job, exists := e.jobs[id]
	if !exists {
		e.mu.Unlock()
		return
	}
	e.disarmLocked(id)
	jobCopy := *job
	e.mu.Unlock()

	slog.Info("Engine.fire: firing job", "id", id, "name", jobCopy.Name)
	_, err := e.dispatch(ctx, jobCopy)

	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	job, exists = e.jobs[id]
	if !exists {
		// Removed while running.
		return
	}

	job.LastRunAt = &now
	if err != nil {
		job.LastError = err.Error()
		slog.Error("Engine.fire: job dispatch failed", "id", id, "name", job.Name, "error", err)
	} else {
		job.LastError = ""
	}

	if job.DeleteAfterRun {
		e.disarmLocked(id)
		delete(e.jobs, id)
		e.persistLocked()
		slog.Info("Engine.fire: delete-after-run job removed", "id", id)
		return
	}

	job.NextRunAt = nil
	if job.Enabled {
		next, ok, nextErr := NextRunTime(job, now)
		if nextErr != nil {
			slog.Error("Engine.fire: reschedule failed", "id", id, "error", nextErr)
		} else if ok {
			job.NextRunAt = &next
			e.armLocked(job, now)
		}
	}
	e.persistLocked()
}

// persistLocked snapshots the job set to the store. Caller holds e.mu.
// Failures are logged; in-memory state stays authoritative.
func (e *Engine) persistLocked() {
	jobs := make([]models.ScheduledJob, 0, len(e.jobs))
	for _, job := range e.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	if err := e.store.SaveJobs(jobs); err != nil {
		slog.Error("Engine.persistLocked: job persistence failed", "error", err)
	}
}
