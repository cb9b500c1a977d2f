package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// ScheduleInfo summarizes a pass schedule for listing.
type ScheduleInfo struct {
	ID              string
	Pass            string
	CronExpressions []string
	Paused          bool
	NextRun         *time.Time
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// createPassSchedule creates the schedule for a pass kind.
func (c *Client) createPassSchedule(ctx context.Context, kind, cronExpr string) error {
	id := scheduleID(kind)

	action := client.ScheduleWorkflowAction{
		ID:        workflowID(kind),
		Workflow:  ReconciliationPassWorkflow,
		TaskQueue: c.taskQueue,
		Args:      []interface{}{RunPassInput{Pass: kind}},
	}

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			CronExpressions: []string{cronExpr},
		},
		Action:  &action,
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		Memo: map[string]interface{}{
			"pass":       kind,
			"created_by": "givewatch",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"pass", kind,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("pass schedule created",
		"pass", kind,
		"schedule_id", id,
		"cron", cronExpr,
	)
	return nil
}

// UpsertPassSchedule creates or updates the Temporal schedule for a pass kind.
// If the schedule already exists only its cron expression changes.
func (c *Client) UpsertPassSchedule(ctx context.Context, kind, cronExpr string) error {
	id := scheduleID(kind)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		var notFound *serviceerror.NotFound
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to describe schedule %q: %w", id, err)
		}
		c.logger.Debug("schedule not found, creating new one", "schedule_id", id)
		return c.createPassSchedule(ctx, kind, cronExpr)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec = &client.ScheduleSpec{
				CronExpressions: []string{cronExpr},
			}
			if input.Description.Schedule.Policy == nil {
				input.Description.Schedule.Policy = &client.SchedulePolicies{}
			}
			input.Description.Schedule.Policy.Overlap = enumspb.SCHEDULE_OVERLAP_POLICY_SKIP
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"pass", kind,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("pass schedule updated",
		"pass", kind,
		"schedule_id", id,
		"cron", cronExpr,
	)
	return nil
}

// DeletePassSchedule deletes the schedule for a pass kind.
func (c *Client) DeletePassSchedule(ctx context.Context, kind string) error {
	id := scheduleID(kind)
	if err := c.client.ScheduleClient().GetHandle(ctx, id).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}
	c.logger.Info("pass schedule deleted", "pass", kind, "schedule_id", id)
	return nil
}

// TriggerSchedule runs the pass now. A run already in flight wins.
func (c *Client) TriggerSchedule(ctx context.Context, kind string) error {
	id := scheduleID(kind)
	err := c.client.ScheduleClient().GetHandle(ctx, id).Trigger(ctx, client.ScheduleTriggerOptions{
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	})
	if err != nil {
		return fmt.Errorf("failed to trigger schedule %q: %w", id, err)
	}
	c.logger.Info("pass schedule triggered", "pass", kind, "schedule_id", id)
	return nil
}

// ListSchedules returns the pass schedules known to the namespace.
func (c *Client) ListSchedules(ctx context.Context) ([]ScheduleInfo, error) {
	iter, err := c.client.ScheduleClient().List(ctx, client.ScheduleListOptions{PageSize: 100})
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	var out []ScheduleInfo
	for iter.HasNext() {
		entry, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to list schedules: %w", err)
		}
		kind, ok := passFromScheduleID(entry.ID)
		if !ok {
			continue
		}
		info := ScheduleInfo{ID: entry.ID, Pass: kind, Paused: entry.Paused}
		if entry.Spec != nil {
			info.CronExpressions = entry.Spec.CronExpressions
		}
		if len(entry.NextActionTimes) > 0 {
			next := entry.NextActionTimes[0]
			info.NextRun = &next
		}
		out = append(out, info)
	}
	return out, nil
}

func passFromScheduleID(id string) (string, bool) {
	const prefix = "reconcile-"
	if len(id) <= len(prefix) || id[:len(prefix)] != prefix {
		return "", false
	}
	return id[len(prefix):], true
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
