package controller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pulsedesk/analytics-engine/internal/predictive/models"
	"github.com/pulsedesk/analytics-engine/internal/predictive/registry"
	"github.com/pulsedesk/analytics-engine/internal/queue"
)

// Scheduler periodically emits retrain tasks for every registered scope.
// It only enqueues work; the training pipeline consumes the queue on
// offline worker capacity.
type Scheduler struct {
	registry *registry.Registry
	tasks    queue.TaskQueue
	interval time.Duration
	logger   *zap.SugaredLogger
}

func NewScheduler(reg *registry.Registry, tasks queue.TaskQueue, interval time.Duration, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{registry: reg, tasks: tasks, interval: interval, logger: logger}
}

// Start runs the scheduling loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Infow("retrain scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueueAll(ctx)
		}
	}
}

func (s *Scheduler) enqueueAll(ctx context.Context) {
	scopes, err := s.registry.ListScopes(ctx)
	if err != nil {
		s.logger.Errorw("failed to list scopes for scheduled retrain", "error", err)
		return
	}

	for _, scope := range scopes {
		family := s.scopeFamily(ctx, scope)
		workspace := ""
		if scope.WorkspaceID != nil {
			workspace = *scope.WorkspaceID
		}
		task := queue.RetrainTask{
			ModelName:    scope.ModelName,
			TargetMetric: scope.TargetMetric,
			WorkspaceID:  workspace,
			Family:       family,
			Reason:       "scheduled",
			RequestedAt:  time.Now().UTC(),
		}
		if err := s.tasks.Publish(ctx, task); err != nil {
			s.logger.Errorw("failed to enqueue scheduled retrain",
				"model", scope.ModelName, "workspace", workspace, "error", err)
		}
	}
	s.logger.Infow("scheduled retrains enqueued", "scopes", len(scopes))
}

// scopeFamily reuses the champion's family so scheduled retrains refresh
// the same model type; scopes without a champion yet get the default family
// for their target.
func (s *Scheduler) scopeFamily(ctx context.Context, scope registry.Scope) string {
	champion, err := s.registry.GetActive(ctx, scope)
	if err != nil {
		if scope.TargetMetric == "churn" {
			return models.FamilyGBT
		}
		return models.FamilySeasonal
	}
	return champion.ModelType
}
