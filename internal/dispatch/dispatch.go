// Package dispatch selects the least-loaded compatible backend instance for a job.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/genhub/internal/backend"
)

var (
	// ErrNoCompatibleBackend means no active instance can serve the job type.
	ErrNoCompatibleBackend = errors.New("no compatible backend")

	// ErrBackendUnavailable means compatible instances exist but none answered
	// its load probe in time.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Source is the slice of the backend registry the dispatcher reads.
type Source interface {
	ListCompatible(jobType string) []backend.Instance
	LoadOf(ctx context.Context, inst backend.Instance) (int, error)
}

// Dispatcher picks a backend instance per job. It holds no state between
// calls and reserves nothing on the chosen instance.
type Dispatcher struct {
	source       Source
	probeTimeout time.Duration
	logger       *slog.Logger
}

// New creates a dispatcher probing each instance for at most probeTimeout.
func New(source Source, probeTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		source:       source,
		probeTimeout: probeTimeout,
		logger:       logger.With("component", "dispatch"),
	}
}

type probe struct {
	load int
	ok   bool
}

// Select probes every compatible instance concurrently and returns the one
// with the lowest load. Ties go to the instance registered first. Instances
// that fail or time out are skipped for this call only.
func (d *Dispatcher) Select(ctx context.Context, jobType string) (backend.Instance, error) {
	ctx, span := otel.Tracer("genhub/dispatch").Start(ctx, "dispatch.select")
	defer span.End()
	span.SetAttributes(attribute.String("job.type", jobType))

	candidates := d.source.ListCompatible(jobType)
	if len(candidates) == 0 {
		dispatchTotal.WithLabelValues("no_compatible").Inc()
		span.SetStatus(codes.Error, ErrNoCompatibleBackend.Error())
		return backend.Instance{}, ErrNoCompatibleBackend
	}

	probes := make([]probe, len(candidates))
	var g errgroup.Group
	for i, inst := range candidates {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, d.probeTimeout)
			defer cancel()

			load, err := d.source.LoadOf(pctx, inst)
			if err != nil {
				probeFailures.WithLabelValues(inst.Name).Inc()
				d.logger.Warn("load probe failed", "backend", inst.Name, "error", err)
				return nil
			}
			probes[i] = probe{load: load, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	best := -1
	for i, p := range probes {
		if !p.ok {
			continue
		}
		if best < 0 || p.load < probes[best].load {
			best = i
		}
	}

	if best < 0 {
		dispatchTotal.WithLabelValues("unavailable").Inc()
		span.SetStatus(codes.Error, ErrBackendUnavailable.Error())
		return backend.Instance{}, ErrBackendUnavailable
	}

	chosen := candidates[best]
	dispatchTotal.WithLabelValues("selected").Inc()
	span.SetAttributes(
		attribute.String("backend", chosen.Name),
		attribute.Int("backend.load", probes[best].load),
	)
	d.logger.Debug("backend selected", "job_type", jobType, "backend", chosen.Name, "load", probes[best].load, "candidates", len(candidates))
	return chosen, nil
}
