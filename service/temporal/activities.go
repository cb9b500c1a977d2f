package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/givewatch/service/matcher"
	"github.com/brojonat/givewatch/service/metrics"
	"github.com/brojonat/givewatch/service/scheduler"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// RunPassInput names the pass a scheduled workflow runs.
type RunPassInput struct {
	Pass string `json:"pass"`
}

// RunPassResult is the pass summary carried back through Temporal.
type RunPassResult struct {
	Pass           string        `json:"pass"`
	PassID         string        `json:"pass_id,omitempty"`
	Skipped        bool          `json:"skipped"` // a run of the same kind was still in flight
	SendersScanned int64         `json:"senders_scanned"`
	PagesFetched   int64         `json:"pages_fetched"`
	Matches        int64         `json:"matches"`
	Duplicates     int64         `json:"duplicates"`
	Rejected       int64         `json:"rejected"`
	Errors         int64         `json:"errors"`
	DraftsExpired  int64         `json:"drafts_expired"`
	Duration       time.Duration `json:"duration"`
}

// PassRunner runs one pass of a kind, refusing overlap.
type PassRunner interface {
	TryRun(ctx context.Context, kind string) (*matcher.PassSummary, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	runner  PassRunner
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(runner PassRunner, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		runner:  runner,
		metrics: m,
		logger:  logger,
	}
}

// RunPass executes one reconciliation pass in this worker process.
func (a *Activities) RunPass(ctx context.Context, input RunPassInput) (*RunPassResult, error) {
	start := time.Now()
	status := "success"
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("RunPass", status, time.Since(start).Seconds())
		}
	}()

	a.logger.DebugContext(ctx, "running reconciliation pass", "pass", input.Pass)

	summary, err := a.runner.TryRun(ctx, input.Pass)
	switch {
	case errors.Is(err, scheduler.ErrPassInProgress):
		status = "skipped"
		a.logger.InfoContext(ctx, "pass already running in this worker", "pass", input.Pass)
		return &RunPassResult{Pass: input.Pass, Skipped: true}, nil
	case errors.Is(err, scheduler.ErrUnknownPass):
		status = "error"
		return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), "UnknownPass", err)
	case err != nil:
		status = "error"
		a.logger.ErrorContext(ctx, "reconciliation pass failed", "pass", input.Pass, "error", err)
		return nil, fmt.Errorf("failed to run pass %s: %w", input.Pass, err)
	}

	return resultFromSummary(input.Pass, summary), nil
}

func resultFromSummary(kind string, s *matcher.PassSummary) *RunPassResult {
	if s == nil {
		return &RunPassResult{Pass: kind}
	}
	return &RunPassResult{
		Pass:           kind,
		PassID:         s.ID,
		SendersScanned: s.SendersScanned,
		PagesFetched:   s.PagesFetched,
		Matches:        s.Matches,
		Duplicates:     s.Duplicates,
		Rejected:       s.Rejected,
		Errors:         s.Errors,
		DraftsExpired:  s.DraftsExpired,
		Duration:       s.Duration,
	}
}
