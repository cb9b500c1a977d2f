package temporal

import (
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// passTimeout bounds a single pass. A draft-match pass over many senders
// with a slow explorer is the longest case.
const passTimeout = 30 * time.Minute

// ReconciliationPassWorkflow is started by a pass schedule. It runs the pass
// once as an activity and returns its summary. The schedule's SKIP overlap
// policy keeps a second workflow from starting while one is open.
func ReconciliationPassWorkflow(ctx workflow.Context, input RunPassInput) (*RunPassResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ReconciliationPassWorkflow started", "pass", input.Pass)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: passTimeout,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{"UnknownPass"},
		},
	})

	var result *RunPassResult
	if err := workflow.ExecuteActivity(ctx, a.RunPass, input).Get(ctx, &result); err != nil {
		logger.Error("reconciliation pass failed", "pass", input.Pass, "error", err)
		return &RunPassResult{Pass: input.Pass}, err
	}

	logger.Info("ReconciliationPassWorkflow completed",
		"pass", input.Pass,
		"skipped", result.Skipped,
		"matches", result.Matches,
		"errors", result.Errors,
	)
	return result, nil
}
