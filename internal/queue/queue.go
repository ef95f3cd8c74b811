// Package queue carries retrain tasks from the scheduler and drift detector
// to the training workers. The in-process implementation serves single-binary
// deployments and tests; the Kafka implementation lets training workers run
// in a separate deployment.
package queue

import (
	"context"
	"time"
)

// RetrainTask asks the training pipeline to refresh one scope.
type RetrainTask struct {
	ModelName       string             `json:"model_name"`
	TargetMetric    string             `json:"target_metric"`
	WorkspaceID     string             `json:"workspace_id"`
	Family          string             `json:"family"`
	Hyperparameters map[string]float64 `json:"hyperparameters,omitempty"`
	Reason          string             `json:"reason"` // "scheduled", "on_demand", "drift"
	JobID           string             `json:"job_id,omitempty"`
	RequestedAt     time.Time          `json:"requested_at"`
}

// TaskQueue is the retrain work queue.
type TaskQueue interface {
	Publish(ctx context.Context, task RetrainTask) error
	// Consume blocks, invoking handler per task, until ctx is cancelled.
	Consume(ctx context.Context, handler func(context.Context, RetrainTask) error) error
	Close() error
}
