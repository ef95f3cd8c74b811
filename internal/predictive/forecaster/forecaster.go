// =============================
// Forecasting Pipeline
// =============================
// Serves consumption, churn, and growth predictions from the champion model
// of each scope, with the naive baseline as fallback so a prediction request
// never fails just because no model has been trained yet.

package forecaster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	engerrors "github.com/pulsedesk/analytics-engine/common/errors"
	"github.com/pulsedesk/analytics-engine/internal/config"
	"github.com/pulsedesk/analytics-engine/internal/predictive/featurestore"
	"github.com/pulsedesk/analytics-engine/internal/predictive/models"
	"github.com/pulsedesk/analytics-engine/internal/predictive/registry"
	"github.com/pulsedesk/analytics-engine/internal/predictive/training"
	"github.com/pulsedesk/analytics-engine/internal/storage"
)

// Well-known model names. Training requests default to these so the serving
// path and the retrain scheduler agree on scope identity.
const (
	ModelConsumption = "consumption_forecast"
	ModelChurn       = "churn_classifier"

	TypeConsumption = "consumption"
	TypeGrowth      = "growth"

	// BaselineVersion tags every prediction served without a champion.
	BaselineVersion = "baseline"

	baselineLookbackDays = 120
)

// ErrInvalidHorizon is returned when the requested horizon is outside
// [1, max_horizon_days].
var ErrInvalidHorizon = errors.New("invalid forecast horizon")

// ForecastPoint is one predicted day with its confidence interval.
// Lower <= Value <= Upper always holds; Lower is floored at zero because
// the forecast targets are non-negative metrics.
type ForecastPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
	Lower float64   `json:"lower"`
	Upper float64   `json:"upper"`
}

// ConsumptionForecast is the serving result for one workspace metric.
type ConsumptionForecast struct {
	WorkspaceID     string          `json:"workspace_id"`
	TargetMetric    string          `json:"target_metric"`
	HorizonDays     int             `json:"horizon_days"`
	ModelVersion    string          `json:"model_version"`
	ConfidenceLevel float64         `json:"confidence_level"`
	GeneratedAt     time.Time       `json:"generated_at"`
	Cached          bool            `json:"cached"`
	Points          []ForecastPoint `json:"points"`
}

// PredictionWriter persists served predictions.
type PredictionWriter interface {
	UpsertPredictions(ctx context.Context, records []storage.PredictionRecord) error
	UpsertChurn(ctx context.Context, records []storage.ChurnPredictionRecord) error
}

// Engine runs the prediction serving path.
type Engine struct {
	registry    *registry.Registry
	features    *featurestore.Store
	history     featurestore.SeriesReader
	activity    featurestore.ActivityReader
	users       training.UserLister
	predictions PredictionWriter
	cache       *Cache
	cfg         config.PredictiveConfig
	logger      *zap.SugaredLogger
}

func NewEngine(
	reg *registry.Registry,
	features *featurestore.Store,
	history featurestore.SeriesReader,
	activity featurestore.ActivityReader,
	users training.UserLister,
	predictions PredictionWriter,
	cache *Cache,
	cfg config.PredictiveConfig,
	logger *zap.SugaredLogger,
) *Engine {
	return &Engine{
		registry:    reg,
		features:    features,
		history:     history,
		activity:    activity,
		users:       users,
		predictions: predictions,
		cache:       cache,
		cfg:         cfg,
		logger:      logger,
	}
}

// Features returns the engine's feature store.
func (e *Engine) Features() *featurestore.Store { return e.features }

// PredictConsumption forecasts the daily consumption of one workspace metric
// over the horizon. Served from cache when fresh; inference is bounded by the
// prediction timeout, with one baseline retry before giving up.
func (e *Engine) PredictConsumption(ctx context.Context, workspaceID, metric string, horizonDays int) (*ConsumptionForecast, error) {
	if metric == "" {
		metric = featurestore.MetricCredits
	}
	if horizonDays < 1 || horizonDays > e.cfg.MaxHorizonDays {
		return nil, fmt.Errorf("%w: %d days (allowed 1..%d)", ErrInvalidHorizon, horizonDays, e.cfg.MaxHorizonDays)
	}

	key := consumptionKey(workspaceID, metric, horizonDays)
	var cached ConsumptionForecast
	if e.cache.Get(ctx, key, &cached) {
		cached.Cached = true
		return &cached, nil
	}

	inferCtx, cancel := context.WithTimeout(ctx, e.cfg.PredictionTimeout)
	defer cancel()

	forecast, err := e.forecastConsumption(inferCtx, workspaceID, metric, horizonDays, false)
	if errors.Is(err, context.DeadlineExceeded) {
		// One retry with the baseline family on a fresh budget. The baseline
		// skips artifact loading and decode, which is where slow paths live.
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

	e.persistForecast(ctx, TypeConsumption, forecast)
	e.cache.Set(ctx, key, forecast)
	return forecast, nil
}

func (e *Engine) forecastConsumption(ctx context.Context, workspaceID, metric string, horizonDays int, forceBaseline bool) (*ConsumptionForecast, error) {
	f, modelVersion, err := e.loadForecaster(ctx, workspaceID, metric, forceBaseline)
	if err != nil {
		return nil, err
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	points, err := e.forecastPoints(f, today, horizonDays)
	if err != nil {
		return nil, err
	}

	return &ConsumptionForecast{
		WorkspaceID:     workspaceID,
		TargetMetric:    metric,
		HorizonDays:     horizonDays,
		ModelVersion:    modelVersion,
		ConfidenceLevel: e.cfg.ConfidenceLevel,
		GeneratedAt:     time.Now().UTC(),
		Points:          points,
	}, nil
}

// loadForecaster resolves the model to serve: the scope's champion when one
// exists and decodes cleanly, otherwise a baseline fitted on recent history.
func (e *Engine) loadForecaster(ctx context.Context, workspaceID, metric string, forceBaseline bool) (models.Forecaster, string, error) {
	if !forceBaseline {
		scope := registry.Scope{ModelName: ModelConsumption, WorkspaceID: &workspaceID, TargetMetric: metric}
		champion, err := e.registry.GetActive(ctx, scope)
		var noChampion *engerrors.NoChampionError
		switch {
		case errors.As(err, &noChampion):
			// No champion yet; serve the baseline below.
		case err != nil:
			return nil, "", err
		default:
			f, decErr := models.DecodeForecaster(champion.Payload)
			if decErr != nil {
				e.logger.Errorw("champion payload failed to decode, serving baseline",
					"model", champion.ModelName, "version", champion.Version, "error", decErr)
			} else {
				if touchErr := e.registry.TouchLastUsed(ctx, champion.ModelName, champion.Version); touchErr != nil {
					e.logger.Debugw("failed to touch last_used_at", "error", touchErr)
				}
				return f, fmt.Sprintf("%s-v%d", champion.ModelName, champion.Version), nil
			}
		}
	}

	f, err := e.fitBaseline(ctx, workspaceID, metric)
	if err != nil {
		return nil, "", err
	}
	return f, BaselineVersion, nil
}

func (e *Engine) fitBaseline(ctx context.Context, workspaceID, metric string) (models.Forecaster, error) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -baselineLookbackDays)
	raw, err := e.history.Series(ctx, workspaceID, metric, from, now)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s history for baseline: %w", metric, err)
	}

	daily := featurestore.BucketDaily(raw)
	if len(daily) < 2 {
		return nil, &engerrors.InsufficientDataError{
			EntityType:  featurestore.EntityWorkspace,
			EntityID:    workspaceID,
			Metric:      metric,
			Required:    2,
			Found:       len(daily),
			WindowStart: from,
			WindowEnd:   now,
		}
	}

	series := make([]models.Point, len(daily))
	for i, p := range daily {
		series[i] = models.Point{Timestamp: p.Timestamp, Value: p.Value}
	}
	b := models.NewBaselineForecaster()
	if err := b.Fit(series); err != nil {
		return nil, err
	}
	return b, nil
}

// forecastPoints runs the fitted model forward from its last observation to
// today plus the horizon, then keeps only the future days. Intervals come
// from the empirical residual quantile, widened by sqrt of the step count so
// uncertainty compounds with distance from observed data.
func (e *Engine) forecastPoints(f models.Forecaster, today time.Time, horizonDays int) ([]ForecastPoint, error) {
	end := f.End().UTC().Truncate(24 * time.Hour)
	offset := int(today.Sub(end).Hours() / 24)
	if offset < 0 {
		offset = 0
	}

	values, err := f.Forecast(offset + horizonDays)
	if err != nil {
		return nil, err
	}

	q := residualQuantile(f.Residuals(), e.cfg.ConfidenceLevel)
	points := make([]ForecastPoint, horizonDays)
	for i := 0; i < horizonDays; i++ {
		step := float64(offset + i + 1)
		value := values[offset+i]
		half := q * math.Sqrt(step)

		lower := value - half
		if lower < 0 {
			lower = 0
		}
		if lower > value {
			lower = value
		}
		upper := value + half
		if upper < value {
			upper = value
		}
		points[i] = ForecastPoint{
			Date:  today.AddDate(0, 0, i+1),
			Value: value,
			Lower: lower,
			Upper: upper,
		}
	}
	return points, nil
}

// residualQuantile is the empirical quantile of the absolute in-sample
// residuals at the configured confidence level.
func residualQuantile(residuals []float64, level float64) float64 {
	if len(residuals) == 0 {
		return 0
	}
	abs := make([]float64, len(residuals))
	for i, r := range residuals {
		abs[i] = math.Abs(r)
	}
	sort.Float64s(abs)
	return stat.Quantile(level, stat.Empirical, abs, nil)
}

// persistForecast upserts the served points. Persistence is best effort on
// the serving path; a storage hiccup must not fail a prediction already
// computed.
func (e *Engine) persistForecast(ctx context.Context, predictionType string, forecast *ConsumptionForecast) {
	records := make([]storage.PredictionRecord, len(forecast.Points))
	now := time.Now().UTC()
	for i, p := range forecast.Points {
		records[i] = storage.PredictionRecord{
			WorkspaceID:     forecast.WorkspaceID,
			PredictionType:  predictionType,
			TargetMetric:    forecast.TargetMetric,
			PredictionDate:  p.Date,
			PredictedValue:  p.Value,
			ConfidenceLower: p.Lower,
			ConfidenceUpper: p.Upper,
			ConfidenceLevel: forecast.ConfidenceLevel,
			ModelVersion:    forecast.ModelVersion,
			CreatedAt:       now,
		}
	}
	if err := e.predictions.UpsertPredictions(context.WithoutCancel(ctx), records); err != nil {
		e.logger.Errorw("failed to persist forecast",
			"workspace", forecast.WorkspaceID, "type", predictionType,
			"metric", forecast.TargetMetric, "error", err)
	}
}
