// Package scheduler runs reconciliation passes: at most one of each kind at
// a time, with per-sender work spread over a bounded pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/brojonat/givewatch/service/matcher"
	"github.com/brojonat/givewatch/service/metrics"
	"github.com/brojonat/givewatch/service/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrPassInProgress is returned by TryRun when the same pass kind is
	// already running.
	ErrPassInProgress = errors.New("reconciliation pass already in progress")

	ErrUnknownPass = errors.New("unknown reconciliation pass")
)

// PassFunc runs one reconciliation pass.
type PassFunc func(ctx context.Context) (*matcher.PassSummary, error)

// Runner owns one busy flag per pass kind.
type Runner struct {
	passes  map[string]PassFunc
	busy    map[string]*atomic.Bool
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewRunner(passes map[string]PassFunc, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	busy := make(map[string]*atomic.Bool, len(passes))
	for kind := range passes {
		busy[kind] = new(atomic.Bool)
	}
	return &Runner{
		passes:  passes,
		busy:    busy,
		metrics: m,
		logger:  logger.With("component", "runner"),
		tracer:  telemetry.Tracer("scheduler"),
	}
}

// Kinds lists the registered pass kinds.
func (r *Runner) Kinds() []string {
	out := make([]string, 0, len(r.passes))
	for kind := range r.passes {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

// Busy reports whether a pass of kind is running.
func (r *Runner) Busy(kind string) bool {
	flag, ok := r.busy[kind]
	return ok && flag.Load()
}

// TryRun runs the pass unless one of the same kind is already running, in
// which case it returns ErrPassInProgress without blocking.
func (r *Runner) TryRun(ctx context.Context, kind string) (*matcher.PassSummary, error) {
	pass, id, err := r.acquire(ctx, kind)
	if err != nil {
		return nil, err
	}
	defer r.busy[kind].Store(false)
	return r.run(ctx, kind, id, pass)
}

// Start launches the pass in the background and returns its id once the
// busy flag is held. The pass outlives ctx cancellation.
func (r *Runner) Start(ctx context.Context, kind string) (string, error) {
	pass, id, err := r.acquire(ctx, kind)
	if err != nil {
		return "", err
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		defer r.busy[kind].Store(false)
		_, _ = r.run(bg, kind, id, pass)
	}()
	return id, nil
}

func (r *Runner) acquire(ctx context.Context, kind string) (PassFunc, string, error) {
	pass, ok := r.passes[kind]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownPass, kind)
	}
	if !r.busy[kind].CompareAndSwap(false, true) {
		if r.metrics != nil {
			r.metrics.RecordPassSkipped(kind)
		}
		r.logger.InfoContext(ctx, "reconciliation pass skipped, previous run still busy", "pass", kind)
		return nil, "", ErrPassInProgress
	}
	return pass, uuid.NewString(), nil
}

func (r *Runner) run(ctx context.Context, kind, id string, pass PassFunc) (*matcher.PassSummary, error) {
	ctx, span := r.tracer.Start(ctx, "scheduler.Pass", trace.WithAttributes(
		attribute.String("pass", kind),
		attribute.String("pass_id", id),
	))
	defer span.End()

	start := time.Now()
	summary, err := pass(ctx)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pass failed")
		if r.metrics != nil {
			r.metrics.RecordPass(kind, "error", duration.Seconds())
		}
		r.logger.ErrorContext(ctx, "reconciliation pass failed", "pass", kind, "pass_id", id, "duration", duration, "error", err)
		return nil, err
	}

	if summary == nil {
		summary = &matcher.PassSummary{}
	}
	summary.Pass = kind
	summary.ID = id
	summary.Duration = duration

	status := "success"
	if summary.Errors > 0 {
		status = "partial"
	}
	if r.metrics != nil {
		r.metrics.RecordPass(kind, status, duration.Seconds())
	}
	r.logger.InfoContext(ctx, "reconciliation pass finished", summary.LogAttrs()...)
	return summary, nil
}
