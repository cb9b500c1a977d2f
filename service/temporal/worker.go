package temporal

import (
	"fmt"
	"log/slog"

	"github.com/brojonat/givewatch/service/matcher"
	"github.com/brojonat/givewatch/service/metrics"
	"go.temporal.io/sdk/worker"
)

// WorkerConfig wires the reconciliation worker to an existing connection.
type WorkerConfig struct {
	// Client is shared with schedule management and stays open after Stop.
	Client *Client

	Runner  PassRunner
	Metrics *metrics.Metrics // optional
	Logger  *slog.Logger
}

// Worker serves ReconciliationPassWorkflow and the RunPass activity on the
// client's task queue.
type Worker struct {
	worker worker.Worker
	logger *slog.Logger
}

func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("temporal client is required")
	}
	if config.Runner == nil {
		return nil, fmt.Errorf("pass runner is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	logger := config.Logger.With("component", "temporal_worker")

	// At most one RunPass per pass kind is useful at a time.
	w := worker.New(config.Client.SDKClient(), config.Client.TaskQueue(), worker.Options{
		MaxConcurrentActivityExecutionSize:     len(matcher.Passes),
		MaxConcurrentWorkflowTaskExecutionSize: 10,
	})

	w.RegisterWorkflow(ReconciliationPassWorkflow)
	activities := NewActivities(config.Runner, config.Metrics, logger)
	w.RegisterActivity(activities.RunPass)

	logger.Info("registered reconciliation workflow",
		"task_queue", config.Client.TaskQueue(),
		"workflow", "ReconciliationPassWorkflow",
		"activities", []string{"RunPass"},
	)
	return &Worker{worker: w, logger: logger}, nil
}

// Start polls the task queue until Stop is called or the process receives
// an interrupt.
func (w *Worker) Start() error {
	w.logger.Info("starting temporal worker")
	if err := w.worker.Run(worker.InterruptCh()); err != nil {
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	w.logger.Info("worker stopped gracefully")
	return nil
}

func (w *Worker) Stop() {
	w.worker.Stop()
	w.logger.Info("temporal worker stopped")
}
