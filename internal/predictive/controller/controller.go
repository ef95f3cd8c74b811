// =============================
// Champion/Challenger Controller
// =============================
// Decides whether a freshly trained challenger replaces the serving
// champion. The controller never trains; retraining is requested through
// the task queue and performed by the training pipeline.

package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	engerrors "github.com/pulsedesk/analytics-engine/common/errors"
	"github.com/pulsedesk/analytics-engine/internal/config"
	enginemetrics "github.com/pulsedesk/analytics-engine/internal/metrics"
	"github.com/pulsedesk/analytics-engine/internal/predictive/registry"
	"github.com/pulsedesk/analytics-engine/internal/predictive/training"
	"github.com/pulsedesk/analytics-engine/internal/storage"
)

// Controller applies the promotion policy.
type Controller struct {
	registry *registry.Registry
	cfg      config.PredictiveConfig
	logger   *zap.SugaredLogger
}

func New(reg *registry.Registry, cfg config.PredictiveConfig, logger *zap.SugaredLogger) *Controller {
	return &Controller{registry: reg, cfg: cfg, logger: logger}
}

// EvaluateChallenger compares the challenger against the current champion
// and promotes it when the error metric improves by at least the configured
// margin. Ties and marginal improvements keep the champion to avoid
// promotion churn from noise. Unstable challengers are never promoted.
func (c *Controller) EvaluateChallenger(ctx context.Context, challenger *storage.ModelArtifact) (bool, error) {
	if challenger.Unstable {
		c.logger.Warnw("challenger is unstable, keeping champion",
			"model", challenger.ModelName, "version", challenger.Version)
		enginemetrics.Promotions.WithLabelValues("unstable").Inc()
		return false, nil
	}

	scope := registry.Scope{
		ModelName:    challenger.ModelName,
		WorkspaceID:  challenger.WorkspaceID,
		TargetMetric: challenger.TargetMetric,
	}

	champion, err := c.registry.GetActive(ctx, scope)
	var noChampion *engerrors.NoChampionError
	if errors.As(err, &noChampion) {
		// First challenger in a scope becomes champion unconditionally.
		if err := c.promote(ctx, challenger); err != nil {
			return false, err
		}
		enginemetrics.Promotions.WithLabelValues("promoted").Inc()
		return true, nil
	}
	if err != nil {
		return false, err
	}

	championErr, err := errorMetric(champion)
	if err != nil {
		return false, err
	}
	challengerErr, err := errorMetric(challenger)
	if err != nil {
		return false, err
	}

	if championErr <= 0 {
		c.logger.Debugw("champion error metric is zero, keeping champion",
			"model", challenger.ModelName)
		return false, nil
	}

	improvement := (championErr - challengerErr) / championErr
	if improvement < c.cfg.PromotionMargin {
		c.logger.Infow("challenger below promotion margin, keeping champion",
			"model", challenger.ModelName, "challenger_version", challenger.Version,
			"champion_version", champion.Version,
			"improvement", improvement, "margin", c.cfg.PromotionMargin)
		enginemetrics.Promotions.WithLabelValues("kept").Inc()
		return false, nil
	}

	if err := c.promote(ctx, challenger); err != nil {
		return false, err
	}
	c.logger.Infow("challenger promoted",
		"model", challenger.ModelName, "version", challenger.Version,
		"improvement", improvement)
	enginemetrics.Promotions.WithLabelValues("promoted").Inc()
	return true, nil
}

// promote retries once on a registry conflict; the per-key training lock
// makes conflicts rare, not impossible.
func (c *Controller) promote(ctx context.Context, artifact *storage.ModelArtifact) error {
	err := c.registry.Promote(ctx, artifact.ModelName, artifact.Version)
	var conflict *engerrors.RegistryConflictError
	if errors.As(err, &conflict) {
		c.logger.Warnw("promotion conflict, retrying",
			"model", artifact.ModelName, "version", artifact.Version)
		err = c.registry.Promote(ctx, artifact.ModelName, artifact.Version)
	}
	return err
}

func errorMetric(artifact *storage.ModelArtifact) (float64, error) {
	var metrics training.PerformanceMetrics
	if err := json.Unmarshal(artifact.PerformanceMetrics, &metrics); err != nil {
		return 0, fmt.Errorf("failed to decode performance metrics for %s v%d: %w",
			artifact.ModelName, artifact.Version, err)
	}
	return metrics.ErrorMetric(), nil
}
