package controller

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	engerrors "github.com/pulsedesk/analytics-engine/common/errors"
	"github.com/pulsedesk/analytics-engine/internal/config"
	enginemetrics "github.com/pulsedesk/analytics-engine/internal/metrics"
	"github.com/pulsedesk/analytics-engine/internal/predictive/featurestore"
	"github.com/pulsedesk/analytics-engine/internal/predictive/registry"
	"github.com/pulsedesk/analytics-engine/internal/predictive/training"
	"github.com/pulsedesk/analytics-engine/internal/queue"
	"github.com/pulsedesk/analytics-engine/internal/storage"
)

// PredictionHistory reads past forecasts for comparison against actuals.
type PredictionHistory interface {
	PredictionsBetween(ctx context.Context, workspaceID, predictionType, targetMetric string, from, to time.Time) ([]storage.PredictionRecord, error)
}

// DriftDetector compares realized actuals against stored predictions over a
// rolling window and forces an out-of-schedule retrain when live error
// exceeds the drift threshold. Runs as background work; never on the
// prediction path.
type DriftDetector struct {
	registry    *registry.Registry
	predictions PredictionHistory
	history     featurestore.SeriesReader
	tasks       queue.TaskQueue
	cfg         config.PredictiveConfig
	logger      *zap.SugaredLogger
}

func NewDriftDetector(
	reg *registry.Registry,
	predictions PredictionHistory,
	history featurestore.SeriesReader,
	tasks queue.TaskQueue,
	cfg config.PredictiveConfig,
	logger *zap.SugaredLogger,
) *DriftDetector {
	return &DriftDetector{
		registry:    reg,
		predictions: predictions,
		history:     history,
		tasks:       tasks,
		cfg:         cfg,
		logger:      logger,
	}
}

// Start checks every scope once a day until ctx is cancelled.
func (d *DriftDetector) Start(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkAll(ctx)
		}
	}
}

func (d *DriftDetector) checkAll(ctx context.Context) {
	scopes, err := d.registry.ListScopes(ctx)
	if err != nil {
		d.logger.Errorw("drift check failed to list scopes", "error", err)
		return
	}
	for _, scope := range scopes {
		if scope.WorkspaceID == nil || scope.TargetMetric == "churn" {
			continue // churn drift needs realized labels, revisited per quarter
		}
		if err := d.CheckScope(ctx, scope); err != nil {
			d.logger.Errorw("drift check failed",
				"model", scope.ModelName, "workspace", *scope.WorkspaceID, "error", err)
		}
	}
}

// CheckScope computes the rolling live MAPE for one scope and enqueues a
// drift retrain when it exceeds driftFactor times the champion's training
// MAPE.
func (d *DriftDetector) CheckScope(ctx context.Context, scope registry.Scope) error {
	champion, err := d.registry.GetActive(ctx, scope)
	var noChampion *engerrors.NoChampionError
	if errors.As(err, &noChampion) {
		return nil // nothing serving, nothing to drift
	}
	if err != nil {
		return err
	}

	workspace := *scope.WorkspaceID
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -d.cfg.DriftWindowDays)

	predicted, err := d.predictions.PredictionsBetween(ctx, workspace, "consumption", scope.TargetMetric, from, now)
	if err != nil {
		return err
	}
	if len(predicted) == 0 {
		return nil
	}

	actualPoints, err := d.history.Series(ctx, workspace, scope.TargetMetric, from, now)
	if err != nil {
		return err
	}
	actualByDay := make(map[time.Time]float64)
	for _, p := range actualPoints {
		day := p.Timestamp.UTC().Truncate(24 * time.Hour)
		actualByDay[day] += p.Value
	}

	var sum float64
	var matched int
	for _, rec := range predicted {
		day := rec.PredictionDate.UTC().Truncate(24 * time.Hour)
		actual, ok := actualByDay[day]
		if !ok || actual == 0 {
			continue
		}
		sum += math.Abs((actual - rec.PredictedValue) / actual)
		matched++
	}
	if matched < 3 {
		return nil // too few realized days to call drift
	}
	liveMAPE := sum / float64(matched)

	var metrics training.PerformanceMetrics
	if err := json.Unmarshal(champion.PerformanceMetrics, &metrics); err != nil {
		return err
	}
	threshold := d.cfg.DriftFactor * metrics.MAPE
	if metrics.MAPE == 0 || liveMAPE <= threshold {
		return nil
	}

	d.logger.Warnw("drift detected, forcing retrain",
		"model", scope.ModelName, "workspace", workspace,
		"live_mape", liveMAPE, "training_mape", metrics.MAPE, "threshold", threshold)
	enginemetrics.DriftEvents.Inc()

	return d.tasks.Publish(ctx, queue.RetrainTask{
		ModelName:    scope.ModelName,
		TargetMetric: scope.TargetMetric,
		WorkspaceID:  workspace,
		Family:       champion.ModelType,
		Reason:       "drift",
		RequestedAt:  now,
	})
}
