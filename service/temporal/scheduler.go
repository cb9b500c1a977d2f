package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Scheduler manages one Temporal schedule per reconciliation pass kind. Each
// schedule starts ReconciliationPassWorkflow on its cron expression and
// skips a firing while the previous run is still open.
type Scheduler interface {
	// UpsertPassSchedule creates the schedule for kind or replaces its cron
	// expression.
	UpsertPassSchedule(ctx context.Context, kind, cronExpr string) error

	DeletePassSchedule(ctx context.Context, kind string) error

	// TriggerSchedule fires the schedule for kind immediately.
	TriggerSchedule(ctx context.Context, kind string) error
}

// scheduleID returns the Temporal schedule ID for a pass kind.
func scheduleID(kind string) string {
	return "reconcile-" + kind
}

// workflowID is the ID of workflows started by the schedule for kind.
func workflowID(kind string) string {
	return "reconcile-pass-" + kind
}

// SyncPassSchedules upserts a schedule for every pass with a cron expression
// and returns the kinds it touched, in sorted order. Passes with an empty
// expression are left as they are.
func SyncPassSchedules(ctx context.Context, s Scheduler, schedules map[string]string, logger *slog.Logger) ([]string, error) {
	kinds := make([]string, 0, len(schedules))
	for kind, expr := range schedules {
		if expr == "" {
			logger.Info("pass has no schedule, leaving it unmanaged", "pass", kind)
			continue
		}
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		if err := s.UpsertPassSchedule(ctx, kind, schedules[kind]); err != nil {
			return nil, fmt.Errorf("failed to upsert schedule for %s: %w", kind, err)
		}
	}
	return kinds, nil
}
