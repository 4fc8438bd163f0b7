// Package scheduler runs named, timestamped jobs for the position lifecycle.
//
// Each job carries the tracker generation it was scheduled for. Jobs are
// armed with timers that only enqueue onto the shared Queue; the generation
// is compared again when a worker picks the job up, and a mismatch turns the
// job into a logged no-op. Scheduling and cancelling are serialised per job
// type so a cancel can never interleave with a schedule of the same type.
//
// A handler's context carries the id of the job it runs for. Once that job
// is cancelled, schedules made under its context for its own generation are
// refused with domain.ErrJobCancelled. Jobs for a newer generation, such as
// the exit jobs of a position the run has just opened, are still accepted.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

// Handler executes a fired job.
type Handler func(ctx context.Context, job domain.ScheduledJob) error

// GenerationSource reports the current tracker generation.
type GenerationSource interface {
	Generation() uint64
}

type originKey struct{}

// JobIDFromContext returns the id of the job whose handler owns ctx.
func JobIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(originKey{}).(string)
	return id, ok
}

type entry struct {
	job   domain.ScheduledJob
	timer *time.Timer
}

// Scheduler owns the set of pending jobs.
type Scheduler struct {
	mu       sync.Mutex
	jobs     map[string]*entry
	handlers map[domain.JobType]Handler
	typeMu   map[domain.JobType]*sync.Mutex

	queue  *Queue
	gens   GenerationSource
	store  domain.JobStore
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithStore persists jobs so they survive a restart.
func WithStore(store domain.JobStore) Option {
	return func(s *Scheduler) { s.store = store }
}

// WithClock overrides the time source used for misfire checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. Jobs fired later than grace past their run time
// are dropped.
func New(queue *Queue, gens GenerationSource, grace time.Duration, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:     make(map[string]*entry),
		handlers: make(map[domain.JobType]Handler),
		typeMu:   make(map[domain.JobType]*sync.Mutex),
		queue:    queue,
		gens:     gens,
		grace:    grace,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "scheduler")),
	}
	for _, t := range domain.JobTypes {
		s.typeMu[t] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers the handler for a job type.
func (s *Scheduler) Handle(t domain.JobType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
}

// Schedule arms a job of type t at runAt. It refuses jobs whose generation
// is already stale, which is how a superseded run's reschedules are dropped.
func (s *Scheduler) Schedule(ctx context.Context, t domain.JobType, runAt time.Time, gen uint64, meta map[string]string) (string, error) {
	mu, err := s.lockType(t)
	if err != nil {
		return "", err
	}
	mu.Lock()
	defer mu.Unlock()
	return s.scheduleLocked(ctx, t, runAt, gen, meta)
}

// Replace cancels every pending job of type t and schedules a new one in a
// single step, leaving exactly one live job of that type.
func (s *Scheduler) Replace(ctx context.Context, t domain.JobType, runAt time.Time, gen uint64, meta map[string]string) (string, error) {
	mu, err := s.lockType(t)
	if err != nil {
		return "", err
	}
	mu.Lock()
	defer mu.Unlock()
	if err := s.admit(ctx, t, gen); err != nil {
		return "", err
	}
	s.cancelTypeLocked(ctx, t, false)
	return s.scheduleLocked(ctx, t, runAt, gen, meta)
}

// CancelByType cancels every job of type t and returns how many were
// cancelled. A running job is marked cancelled but not interrupted.
func (s *Scheduler) CancelByType(ctx context.Context, t domain.JobType) int {
	mu, err := s.lockType(t)
	if err != nil {
		return 0
	}
	mu.Lock()
	defer mu.Unlock()
	return s.cancelTypeLocked(ctx, t, true)
}

// CancelAll cancels every job of every type.
func (s *Scheduler) CancelAll(ctx context.Context) int {
	var n int
	for _, t := range domain.JobTypes {
		n += s.CancelByType(ctx, t)
	}
	return n
}

// ListPending returns scheduled and running jobs ordered by run time.
func (s *Scheduler) ListPending() []domain.ScheduledJob {
	s.mu.Lock()
	out := make([]domain.ScheduledJob, 0, len(s.jobs))
	for _, e := range s.jobs {
		if e.job.Status == domain.JobScheduled || e.job.Status == domain.JobRunning {
			out = append(out, copyJob(e.job))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RunAt.Equal(out[j].RunAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RunAt.Before(out[j].RunAt)
	})
	return out
}

// Next returns the earliest scheduled job, if any.
func (s *Scheduler) Next() (domain.ScheduledJob, bool) {
	for _, j := range s.ListPending() {
		if j.Status == domain.JobScheduled {
			return j, true
		}
	}
	return domain.ScheduledJob{}, false
}

// Restore re-arms persisted jobs. Jobs already past their grace window are
// dropped when their timer fires.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	jobs, err := s.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: restore: %w", err)
	}
	var n int
	for _, job := range jobs {
		if !job.Type.Valid() || job.Status.Terminal() {
			_ = s.store.Delete(ctx, job.ID)
			continue
		}
		job.Status = domain.JobScheduled
		s.arm(job)
		n++
	}
	s.logger.InfoContext(ctx, "scheduler restored jobs", slog.Int("count", n))
	return n, nil
}

func (s *Scheduler) lockType(t domain.JobType) (*sync.Mutex, error) {
	mu, ok := s.typeMu[t]
	if !ok {
		return nil, fmt.Errorf("scheduler: unknown job type %q", t)
	}
	return mu, nil
}

func (s *Scheduler) scheduleLocked(ctx context.Context, t domain.JobType, runAt time.Time, gen uint64, meta map[string]string) (string, error) {
	if err := s.admit(ctx, t, gen); err != nil {
		return "", err
	}
	job := domain.ScheduledJob{
		ID:         uuid.NewString(),
		Type:       t,
		RunAt:      runAt.UTC(),
		Status:     domain.JobScheduled,
		Generation: gen,
		Metadata:   copyMeta(meta),
		CreatedAt:  s.now().UTC(),
	}
	s.persist(ctx, job)
	s.arm(job)

	s.logger.InfoContext(ctx, "job scheduled",
		slog.String("job_id", job.ID),
		slog.String("type", string(t)),
		slog.Time("run_at", job.RunAt),
		slog.Uint64("generation", gen),
	)
	return job.ID, nil
}

// admit refuses a schedule for a stale generation or from a cancelled run.
func (s *Scheduler) admit(ctx context.Context, t domain.JobType, gen uint64) error {
	if cur := s.gens.Generation(); cur != gen {
		return &domain.StaleJobError{Type: t, JobGeneration: gen, CurrentGeneration: cur}
	}
	if origin, ok := JobIDFromContext(ctx); ok && s.cancelledOrigin(origin, gen) {
		s.logger.InfoContext(ctx, "schedule from cancelled job refused",
			slog.String("origin_job_id", origin),
			slog.String("type", string(t)),
		)
		return fmt.Errorf("scheduler: %s from job %s: %w", t, origin, domain.ErrJobCancelled)
	}
	return nil
}

// cancelledOrigin reports whether the running job id was cancelled while it
// ran for generation gen.
func (s *Scheduler) cancelledOrigin(id string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	return ok && e.job.Status == domain.JobCancelled && e.job.Generation == gen
}

func (s *Scheduler) arm(job domain.ScheduledJob) {
	id := job.ID
	delay := job.RunAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	e := &entry{job: job}
	s.jobs[id] = e
	e.timer = time.AfterFunc(delay, func() { s.fire(id) })
	metrics.PendingJobs.Set(float64(len(s.jobs)))
	s.mu.Unlock()
}

// cancelTypeLocked cancels scheduled jobs of type t. Running jobs are only
// marked cancelled when includeRunning is set.
func (s *Scheduler) cancelTypeLocked(ctx context.Context, t domain.JobType, includeRunning bool) int {
	var removed []string
	var n int

	s.mu.Lock()
	for id, e := range s.jobs {
		if e.job.Type != t {
			continue
		}
		switch e.job.Status {
		case domain.JobScheduled:
			e.timer.Stop()
			e.job.Status = domain.JobCancelled
			delete(s.jobs, id)
			removed = append(removed, id)
			n++
		case domain.JobRunning:
			if !includeRunning {
				continue
			}
			e.job.Status = domain.JobCancelled
			n++
		}
	}
	metrics.PendingJobs.Set(float64(len(s.jobs)))
	s.mu.Unlock()

	for _, id := range removed {
		s.forget(ctx, id)
	}
	if n > 0 {
		metrics.JobsTotal.WithLabelValues(string(t), "cancelled").Add(float64(n))
		s.logger.InfoContext(ctx, "jobs cancelled", slog.String("type", string(t)), slog.Int("count", n))
	}
	return n
}

// fire runs on the timer goroutine and only enqueues.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || e.job.Status != domain.JobScheduled {
		s.mu.Unlock()
		return
	}
	job := e.job
	late := s.now().Sub(job.RunAt)
	if late > s.grace {
		e.job.Status = domain.JobCancelled
		delete(s.jobs, id)
		metrics.PendingJobs.Set(float64(len(s.jobs)))
		s.mu.Unlock()

		metrics.JobsTotal.WithLabelValues(string(job.Type), "dropped").Inc()
		s.logger.Warn("job misfired beyond grace window, dropped",
			slog.String("job_id", id),
			slog.String("type", string(job.Type)),
			slog.Duration("late", late),
			slog.Duration("grace", s.grace),
		)
		s.forget(context.Background(), id)
		return
	}
	s.mu.Unlock()

	err := s.queue.Submit(Task{
		Name: string(job.Type),
		Run:  func(ctx context.Context) { s.run(ctx, id) },
	})
	if err != nil {
		s.logger.Error("enqueue job failed",
			slog.String("job_id", id),
			slog.String("type", string(job.Type)),
			slog.String("error", err.Error()),
		)
		// Retry shortly rather than lose the job; the grace window still applies.
		s.mu.Lock()
		if e, ok := s.jobs[id]; ok && e.job.Status == domain.JobScheduled {
			e.timer = time.AfterFunc(time.Second, func() { s.fire(id) })
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) run(ctx context.Context, id string) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || e.job.Status != domain.JobScheduled {
		s.mu.Unlock()
		return
	}
	if cur := s.gens.Generation(); cur != e.job.Generation {
		job := e.job
		e.job.Status = domain.JobDone
		delete(s.jobs, id)
		metrics.PendingJobs.Set(float64(len(s.jobs)))
		s.mu.Unlock()

		stale := &domain.StaleJobError{JobID: id, Type: job.Type, JobGeneration: job.Generation, CurrentGeneration: cur}
		metrics.JobsTotal.WithLabelValues(string(job.Type), "stale").Inc()
		s.logger.InfoContext(ctx, "stale job skipped", slog.String("reason", stale.Error()))
		s.forget(ctx, id)
		return
	}
	e.job.Status = domain.JobRunning
	job := copyJob(e.job)
	h := s.handlers[job.Type]
	s.mu.Unlock()

	var err error
	if h == nil {
		err = fmt.Errorf("scheduler: no handler for %s", job.Type)
	} else {
		err = h(context.WithValue(ctx, originKey{}, id), job)
	}

	s.mu.Lock()
	if cur, ok := s.jobs[id]; ok {
		if cur.job.Status == domain.JobRunning {
			cur.job.Status = domain.JobDone
		}
		delete(s.jobs, id)
	}
	metrics.PendingJobs.Set(float64(len(s.jobs)))
	s.mu.Unlock()
	s.forget(ctx, id)

	var stale *domain.StaleJobError
	switch {
	case err == nil:
		metrics.JobsTotal.WithLabelValues(string(job.Type), "fired").Inc()
	case errors.As(err, &stale):
		metrics.JobsTotal.WithLabelValues(string(job.Type), "stale").Inc()
		s.logger.InfoContext(ctx, "job became stale while running", slog.String("reason", stale.Error()))
	default:
		metrics.JobsTotal.WithLabelValues(string(job.Type), "failed").Inc()
		s.logger.ErrorContext(ctx, "job failed",
			slog.String("job_id", id),
			slog.String("type", string(job.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) persist(ctx context.Context, job domain.ScheduledJob) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(ctx, job); err != nil {
		s.logger.WarnContext(ctx, "persist job failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) forget(ctx context.Context, id string) {
	if s.store == nil {
		return
	}
	if err := s.store.Delete(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "delete persisted job failed",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func copyJob(j domain.ScheduledJob) domain.ScheduledJob {
	j.Metadata = copyMeta(j.Metadata)
	return j
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
