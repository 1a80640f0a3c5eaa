// Package jobs runs generation jobs in the background. Request handlers
// create a PENDING job in the store and call Schedule; workers claim the job
// with a compare-and-swap, run the handler registered for its kind and record
// the terminal state.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/courseai/internal/model"
	"github.com/pavelanni/courseai/internal/store"
)

const maxSummaryRunes = 500

var (
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courseai",
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Number of generation jobs that reached a terminal state",
	}, []string{"kind", "state"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "courseai",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Time from claim to terminal state",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"kind"})

	jobsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courseai",
		Subsystem: "jobs",
		Name:      "requeued_total",
		Help:      "Number of PENDING jobs re-enqueued by the sweep",
	})
)

// Result is what a handler produces on success.
type Result struct {
	Location string
	Metadata any
}

// Handler executes one job kind.
type Handler interface {
	Handle(ctx context.Context, job model.GenerationJob) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job model.GenerationJob) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, job model.GenerationJob) (Result, error) {
	return f(ctx, job)
}

// JobStore is the subset of the store the runner needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (model.GenerationJob, error)
	MarkProcessing(ctx context.Context, id string) error
	CompleteJob(ctx context.Context, id, location string, metadata any) error
	FailJob(ctx context.Context, id, summary string) error
	ListPendingJobs(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
	FailStaleProcessing(ctx context.Context, olderThan time.Duration, summary string) (int64, error)
}

// Config controls the worker pool and the recovery sweep.
type Config struct {
	Workers int
	// SweepInterval is how often PENDING jobs are re-enqueued. Zero disables
	// the periodic sweep; one sweep still runs at start.
	SweepInterval time.Duration
	// SweepAge is how long a job must have been PENDING before the sweep
	// re-enqueues it.
	SweepAge time.Duration
	// StaleAfter fails jobs left PROCESSING longer than this, which happens
	// when a process dies mid-job. Zero disables it.
	StaleAfter time.Duration
}

// Runner executes generation jobs.
type Runner struct {
	store    JobStore
	queue    Queue
	cfg      Config
	handlers map[model.JobKind]Handler
	tracer   trace.Tracer
}

// NewRunner creates a runner. Handlers must be registered before Run.
func NewRunner(s JobStore, q Queue, cfg Config) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SweepAge <= 0 {
		cfg.SweepAge = 30 * time.Second
	}
	return &Runner{
		store:    s,
		queue:    q,
		cfg:      cfg,
		handlers: make(map[model.JobKind]Handler),
		tracer:   otel.Tracer("github.com/pavelanni/courseai/internal/jobs"),
	}
}

// Register sets the handler for a job kind.
func (r *Runner) Register(kind model.JobKind, h Handler) {
	r.handlers[kind] = h
}

// Schedule enqueues a job for execution and returns immediately. A job that
// cannot be enqueued stays PENDING and is picked up by the sweep.
func (r *Runner) Schedule(ctx context.Context, id string) {
	if err := r.queue.Enqueue(ctx, id); err != nil {
		slog.Warn("Job not enqueued, leaving it to the sweep", "job_id", id, "error", err)
	}
}

// Run starts the workers and the sweep and blocks until ctx is cancelled.
// Workers finish the job they are running before returning.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range r.cfg.Workers {
		g.Go(func() error {
			r.work(ctx, i)
			return nil
		})
	}
	g.Go(func() error {
		r.sweepLoop(ctx)
		return nil
	})
	slog.Info("Job runner started", "workers", r.cfg.Workers, "sweep_interval", r.cfg.SweepInterval)
	err := g.Wait()
	slog.Info("Job runner stopped")
	return err
}

func (r *Runner) work(ctx context.Context, worker int) {
	for {
		id, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Dequeue failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		r.execute(ctx, id)
	}
}

func (r *Runner) sweepLoop(ctx context.Context) {
	r.sweep(ctx)
	if r.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep re-enqueues old PENDING jobs and fails abandoned PROCESSING ones.
func (r *Runner) sweep(ctx context.Context) {
	if r.cfg.StaleAfter > 0 {
		n, err := r.store.FailStaleProcessing(ctx, r.cfg.StaleAfter, "job abandoned: worker stopped before finishing")
		if err != nil {
			slog.Error("Failing stale jobs", "error", err)
		} else if n > 0 {
			slog.Warn("Failed stale jobs", "count", n)
		}
	}

	ids, err := r.store.ListPendingJobs(ctx, r.cfg.SweepAge, 100)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Listing pending jobs", "error", err)
		}
		return
	}
	for _, id := range ids {
		if err := r.queue.Enqueue(ctx, id); err != nil {
			slog.Warn("Sweep could not enqueue job", "job_id", id, "error", err)
			return
		}
		jobsRequeued.Inc()
	}
	if len(ids) > 0 {
		slog.Info("Re-enqueued pending jobs", "count", len(ids))
	}
}

// execute claims the job and drives it to a terminal state. Once the claim
// succeeds the job no longer depends on ctx: it always ends COMPLETED or
// FAILED.
func (r *Runner) execute(ctx context.Context, id string) {
	err := r.store.MarkProcessing(ctx, id)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		slog.Debug("Job already claimed", "job_id", id, "error", err)
		return
	case errors.Is(err, store.ErrNotFound):
		slog.Warn("Scheduled job does not exist", "job_id", id)
		return
	case err != nil:
		slog.Error("Claiming job", "job_id", id, "error", err)
		return
	}

	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		r.fail(ctx, id, "unknown", fmt.Errorf("load job: %w", err))
		return
	}
	kind := string(job.Kind)

	ctx, span := r.tracer.Start(ctx, "jobs.execute", trace.WithAttributes(
		attribute.String("job_id", id),
		attribute.String("kind", kind),
	))
	defer span.End()
	defer func() { jobDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds()) }()

	slog.Info("Job started", "job_id", id, "kind", kind)
	res, err := r.run(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.fail(ctx, id, kind, err)
		return
	}
	if err := r.store.CompleteJob(ctx, id, res.Location, res.Metadata); err != nil {
		r.fail(ctx, id, kind, fmt.Errorf("record result: %w", err))
		return
	}
	jobsFinished.WithLabelValues(kind, string(model.JobCompleted)).Inc()
	slog.Info("Job completed", "job_id", id, "kind", kind, "location", res.Location,
		"duration", time.Since(start).Round(time.Millisecond))
}

// run calls the handler, turning a panic into an error.
func (r *Runner) run(ctx context.Context, job model.GenerationJob) (res Result, err error) {
	h, ok := r.handlers[job.Kind]
	if !ok {
		return Result{}, fmt.Errorf("no handler for job kind %s", job.Kind)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, job)
}

func (r *Runner) fail(ctx context.Context, id, kind string, cause error) {
	summary := summarize(cause)
	slog.Error("Job failed", "job_id", id, "kind", kind, "error", cause)
	if err := r.store.FailJob(ctx, id, summary); err != nil {
		slog.Error("Recording job failure", "job_id", id, "error", err)
		return
	}
	jobsFinished.WithLabelValues(kind, string(model.JobFailed)).Inc()
}

// summarize turns an error into the text stored on a FAILED job.
func summarize(err error) string {
	s := err.Error()
	if s == "" {
		s = "generation failed"
	}
	if r := []rune(s); len(r) > maxSummaryRunes {
		s = string(r[:maxSummaryRunes]) + "..."
	}
	return s
}
