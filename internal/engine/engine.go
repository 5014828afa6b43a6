package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/seantiz/genhub/internal/backend"
	"github.com/seantiz/genhub/internal/model"
	"github.com/seantiz/genhub/internal/retry"
	"github.com/seantiz/genhub/internal/store"
	"github.com/seantiz/genhub/internal/stream"
)

// Clients resolves the client of a registered backend instance.
type Clients interface {
	Client(name string) (backend.Client, error)
}

// Publisher receives the terminal outcome of a job.
type Publisher interface {
	Publish(id string, outcome model.Outcome) error
}

// Sink persists a backend output and returns its public URL.
type Sink interface {
	Save(ctx context.Context, jobID string, out backend.Output) (string, error)
}

// Engine orchestrates asynchronous job execution.
type Engine struct {
	store   store.Store
	clients Clients
	streams Publisher
	sink    Sink
	policy  retry.Policy
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewEngine creates a new execution engine.
func NewEngine(s store.Store, clients Clients, streams Publisher, sink Sink, policy retry.Policy, logger *slog.Logger) *Engine {
	return &Engine{
		store:   s,
		clients: clients,
		streams: streams,
		sink:    sink,
		policy:  policy,
		logger:  logger.With("component", "engine"),
	}
}

// Submit records the job as queued and launches its execution in a
// goroutine. The goroutine operates on a copy of the job to avoid data races
// with the caller.
func (e *Engine) Submit(ctx context.Context, job *model.Job) error {
	seed := job.Request.Seed
	rec := &model.JobRecord{
		ID:         job.ID,
		Tool:       job.Request.Tool,
		RenderType: job.Type,
		Backend:    job.Backend,
		Status:     model.StatusQueued,
		Seed:       &seed,
		Prompt:     job.Request.Prompt,
		CreatedAt:  job.CreatedAt,
	}
	if err := e.store.CreateJob(ctx, rec); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	jCopy := *job
	e.wg.Go(func() {
		e.execute(&jCopy)
	})

	return nil
}

// Wait blocks until all in-flight job goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execute runs the job lifecycle: queued→running→succeeded/failed, then
// hands the outcome to the stream registry.
func (e *Engine) execute(job *model.Job) {
	log := e.logger.With("job_id", job.ID, "backend", job.Backend, "render_type", job.Type)

	// History is a collaborator; a store failure never blocks delivery.
	if err := e.store.UpdateJobStatus(context.Background(), job.ID, model.StatusRunning); err != nil {
		log.Error("failed to transition to running", "error", err)
	}

	start := time.Now()
	outcome := e.Run(context.Background(), job)
	duration := time.Since(start)

	e.record(log, job, outcome, start, duration)

	if err := e.streams.Publish(job.ID, outcome); err != nil {
		switch {
		case errors.Is(err, stream.ErrStreamNotFound):
			log.Warn("stream gone before outcome arrived, discarding", "error", err)
		case errors.Is(err, stream.ErrAlreadyPublished):
			log.Error("outcome published twice", "error", err)
		default:
			log.Error("failed to publish outcome", "error", err)
		}
	}
}

// Run executes the job against its assigned backend and returns its single
// terminal outcome. job.Attempts is updated as attempts are made.
func (e *Engine) Run(ctx context.Context, job *model.Job) model.Outcome {
	ctx, span := otel.Tracer("genhub/engine").Start(ctx, "engine.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", job.Type),
		attribute.String("backend", job.Backend),
	)

	outcome := e.run(ctx, job)
	span.SetAttributes(attribute.Int("job.attempts", job.Attempts))
	if outcome.Err != nil {
		span.SetStatus(codes.Error, outcome.Err.Error())
	}
	return outcome
}

func (e *Engine) run(ctx context.Context, job *model.Job) model.Outcome {
	log := e.logger.With("job_id", job.ID, "backend", job.Backend)

	client, err := e.clients.Client(job.Backend)
	if err != nil {
		return failed(job.ID, model.KindBackendPermanent, fmt.Sprintf("resolve backend: %v", err))
	}

	if e.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.policy.Timeout)
		defer cancel()
	}

	maxAttempts := e.policy.Attempts()
	for attempt := 1; ; attempt++ {
		job.Attempts = attempt

		out, err := e.attempt(ctx, client, job, attempt)
		if err == nil {
			return e.finish(ctx, job, out)
		}

		// Only the job's own deadline is a timeout.
		class := retry.Classify(err)
		switch {
		case ctx.Err() != nil:
			class = retry.Timeout
		case class == retry.Timeout:
			class = retry.Transient
		}
		attemptsTotal.WithLabelValues(class.String()).Inc()
		log.Warn("attempt failed", "attempt", attempt, "class", class.String(), "error", err)

		switch class {
		case retry.Timeout:
			return e.timedOut(job.ID)
		case retry.Permanent:
			return failed(job.ID, model.KindBackendPermanent, err.Error())
		}

		if attempt >= maxAttempts {
			return failed(job.ID, model.KindBackendPermanent,
				fmt.Sprintf("gave up after %d attempts: %v", attempt, err))
		}

		delay := e.policy.Delay(attempt)
		log.Info("retrying", "attempt", attempt+1, "delay", delay.String())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return e.timedOut(job.ID)
		case <-timer.C:
		}
	}
}

type attemptResult struct {
	out backend.Output
	err error
}

// attempt submits the request and awaits completion. The backend call runs
// in its own goroutine; if ctx ends first the call is abandoned and whatever
// it returns later is dropped into the buffered channel and discarded.
func (e *Engine) attempt(ctx context.Context, client backend.Client, job *model.Job, n int) (backend.Output, error) {
	ctx, span := otel.Tracer("genhub/engine").Start(ctx, "engine.attempt")
	defer span.End()
	span.SetAttributes(attribute.Int("attempt", n))

	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		ref, err := client.Submit(actx, job.Request)
		if err != nil {
			done <- attemptResult{err: err}
			return
		}
		out, err := client.Await(actx, ref)
		done <- attemptResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			span.SetStatus(codes.Error, r.err.Error())
		}
		return r.out, r.err
	case <-ctx.Done():
		span.SetStatus(codes.Error, "abandoned")
		return backend.Output{}, ctx.Err()
	}
}

func (e *Engine) finish(ctx context.Context, job *model.Job, out backend.Output) model.Outcome {
	attemptsTotal.WithLabelValues("success").Inc()

	url, err := e.sink.Save(ctx, job.ID, out)
	if err != nil {
		if ctx.Err() != nil {
			return e.timedOut(job.ID)
		}
		return failed(job.ID, model.KindBackendPermanent, fmt.Sprintf("store artifact: %v", err))
	}
	return model.Outcome{
		StreamID: job.ID,
		Result:   &model.Result{ImageURL: url, Seed: job.Request.Seed},
	}
}

func (e *Engine) timedOut(id string) model.Outcome {
	msg := "job cancelled"
	if e.policy.Timeout > 0 {
		msg = fmt.Sprintf("job exceeded %s timeout", e.policy.Timeout)
	}
	return failed(id, model.KindBackendTimeout, msg)
}

func failed(id string, kind model.ErrorKind, msg string) model.Outcome {
	return model.Outcome{
		StreamID: id,
		Err:      &model.JobError{Kind: kind, Message: msg},
	}
}

// record writes the terminal state of the job to the store and metrics.
func (e *Engine) record(log *slog.Logger, job *model.Job, outcome model.Outcome, start time.Time, duration time.Duration) {
	durationMS := int(duration.Milliseconds())
	finished := start.Add(duration).UTC()
	seed := job.Request.Seed

	rec := &model.JobRecord{
		ID:         job.ID,
		Attempts:   job.Attempts,
		Seed:       &seed,
		DurationMS: &durationMS,
		FinishedAt: &finished,
	}
	kind := ""
	if outcome.Succeeded() {
		rec.Status = model.StatusSucceeded
		rec.ImageURL = outcome.Result.ImageURL
		log.Info("job succeeded", "attempts", job.Attempts, "duration_ms", durationMS, "image_url", rec.ImageURL)
	} else {
		rec.Status = model.StatusFailed
		rec.ErrorKind = string(outcome.Err.Kind)
		rec.Error = outcome.Err.Message
		kind = rec.ErrorKind
		log.Warn("job failed", "attempts", job.Attempts, "duration_ms", durationMS, "kind", kind, "error", rec.Error)
	}

	jobsTotal.WithLabelValues(rec.Status, kind).Inc()
	jobDuration.Observe(duration.Seconds())

	if err := e.store.FinishJob(context.Background(), rec); err != nil {
		log.Error("failed to record job outcome", "error", err)
	}
}
