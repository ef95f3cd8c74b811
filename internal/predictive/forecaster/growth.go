package forecaster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	engerrors "github.com/pulsedesk/analytics-engine/common/errors"
	"github.com/pulsedesk/analytics-engine/internal/predictive/featurestore"
)

// GrowthForecast projects a workspace metric forward as three scenarios.
// Expected follows the point forecast; optimistic and pessimistic follow the
// confidence band edges, so scenario spread inherits the model's calibrated
// uncertainty instead of arbitrary multipliers.
type GrowthForecast struct {
	WorkspaceID       string               `json:"workspace_id"`
	TargetMetric      string               `json:"target_metric"`
	HorizonDays       int                  `json:"horizon_days"`
	ModelVersion      string               `json:"model_version"`
	GeneratedAt       time.Time            `json:"generated_at"`
	Cached            bool                 `json:"cached"`
	CurrentDailyAvg   float64              `json:"current_daily_avg"`
	ProjectedDailyAvg float64              `json:"projected_daily_avg"`
	GrowthRate        float64              `json:"growth_rate"`
	Dates             []time.Time          `json:"dates"`
	Scenarios         map[string][]float64 `json:"scenarios"`
}

// PredictGrowth forecasts metric growth over the horizon with scenario bands.
func (e *Engine) PredictGrowth(ctx context.Context, workspaceID, metric string, horizonDays int) (*GrowthForecast, error) {
	if metric == "" {
		metric = featurestore.MetricCredits
	}
	if horizonDays < 1 || horizonDays > e.cfg.MaxHorizonDays {
		return nil, fmt.Errorf("%w: %d days (allowed 1..%d)", ErrInvalidHorizon, horizonDays, e.cfg.MaxHorizonDays)
	}

	key := growthKey(workspaceID, metric, horizonDays)
	var cached GrowthForecast
	if e.cache.Get(ctx, key, &cached) {
		cached.Cached = true
		return &cached, nil
	}

	inferCtx, cancel := context.WithTimeout(ctx, e.cfg.PredictionTimeout)
	defer cancel()

	forecast, err := e.forecastConsumption(inferCtx, workspaceID, metric, horizonDays, false)
	if errors.Is(err, context.DeadlineExceeded) {
		retryCtx, retryCancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PredictionTimeout)
		defer retryCancel()
		forecast, err = e.forecastConsumption(retryCtx, workspaceID, metric, horizonDays, true)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &engerrors.PredictionTimeoutError{
				WorkspaceID:  workspaceID,
				TargetMetric: metric,
				Timeout:      e.cfg.PredictionTimeout,
			}
		}
	}
	if err != nil {
		return nil, err
	}

	growth, err := e.buildGrowth(ctx, forecast)
	if err != nil {
		return nil, err
	}

	e.persistForecast(ctx, TypeGrowth, forecast)
	e.cache.Set(ctx, key, growth)
	return growth, nil
}

func (e *Engine) buildGrowth(ctx context.Context, forecast *ConsumptionForecast) (*GrowthForecast, error) {
	n := len(forecast.Points)
	dates := make([]time.Time, n)
	expected := make([]float64, n)
	optimistic := make([]float64, n)
	pessimistic := make([]float64, n)
	for i, p := range forecast.Points {
		dates[i] = p.Date
		expected[i] = p.Value
		optimistic[i] = p.Upper
		pessimistic[i] = p.Lower
	}

	currentAvg, err := e.trailingDailyAvg(ctx, forecast.WorkspaceID, forecast.TargetMetric)
	if err != nil {
		return nil, err
	}

	tail := expected
	if n > 7 {
		tail = expected[n-7:]
	}
	projectedAvg := stat.Mean(tail, nil)

	growthRate := 0.0
	if currentAvg > 0 {
		growthRate = projectedAvg/currentAvg - 1
	}

	return &GrowthForecast{
		WorkspaceID:       forecast.WorkspaceID,
		TargetMetric:      forecast.TargetMetric,
		HorizonDays:       forecast.HorizonDays,
		ModelVersion:      forecast.ModelVersion,
		GeneratedAt:       time.Now().UTC(),
		CurrentDailyAvg:   currentAvg,
		ProjectedDailyAvg: projectedAvg,
		GrowthRate:        growthRate,
		Dates:             dates,
		Scenarios: map[string][]float64{
			"expected":    expected,
			"optimistic":  optimistic,
			"pessimistic": pessimistic,
		},
	}, nil
}

// trailingDailyAvg is the mean daily total over the last 7 observed days.
func (e *Engine) trailingDailyAvg(ctx context.Context, workspaceID, metric string) (float64, error) {
	now := time.Now().UTC()
	raw, err := e.history.Series(ctx, workspaceID, metric, now.AddDate(0, 0, -7), now)
	if err != nil {
		return 0, fmt.Errorf("failed to read trailing %s history: %w", metric, err)
	}
	daily := featurestore.BucketDaily(raw)
	if len(daily) == 0 {
		return 0, nil
	}
	values := make([]float64, len(daily))
	for i, p := range daily {
		values[i] = p.Value
	}
	return stat.Mean(values, nil), nil
}
