package training

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	engerrors "github.com/pulsedesk/analytics-engine/common/errors"
	"github.com/pulsedesk/analytics-engine/internal/config"
	"github.com/pulsedesk/analytics-engine/internal/predictive/featurestore"
	"github.com/pulsedesk/analytics-engine/internal/predictive/models"
	"github.com/pulsedesk/analytics-engine/internal/predictive/registry"
	"github.com/pulsedesk/analytics-engine/internal/storage"
)

type stubHistory struct {
	points   []storage.MetricPoint
	activity []storage.UserActivityPoint
	users    []string
}

func (s *stubHistory) Series(_ context.Context, _, _ string, from, to time.Time) ([]storage.MetricPoint, error) {
	var out []storage.MetricPoint
	for _, p := range s.points {
		if !p.Timestamp.Before(from) && !p.Timestamp.After(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubHistory) UserActivity(_ context.Context, _, userID string, from, to time.Time) ([]storage.UserActivityPoint, error) {
	var out []storage.UserActivityPoint
	for _, r := range s.activity {
		if r.UserID == userID && !r.Date.Before(from) && !r.Date.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *stubHistory) ActiveUsers(_ context.Context, _ string, _, _ time.Time) ([]string, error) {
	return s.users, nil
}

type memorySets struct {
	records []*storage.FeatureSetRecord
}

func (m *memorySets) Latest(_ context.Context, entityType, entityID, name string) (*storage.FeatureSetRecord, error) {
	var latest *storage.FeatureSetRecord
	for _, r := range m.records {
		if r.EntityType == entityType && r.EntityID == entityID && r.Name == name {
			if latest == nil || r.Version > latest.Version {
				latest = r
			}
		}
	}
	return latest, nil
}

func (m *memorySets) Insert(_ context.Context, rec *storage.FeatureSetRecord) error {
	version := 0
	for _, r := range m.records {
		if r.EntityType == rec.EntityType && r.EntityID == rec.EntityID && r.Name == rec.Name && r.Version > version {
			version = r.Version
		}
	}
	rec.Version = version + 1
	m.records = append(m.records, rec)
	return nil
}

func testConfig() config.PredictiveConfig {
	return config.PredictiveConfig{
		MinSamples:         14,
		Folds:              3,
		StabilityThreshold: 0.5,
	}
}

func newTestPipeline(t *testing.T, history *stubHistory, cfg config.PredictiveConfig) (*Pipeline, *registry.Registry) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, storage.AutoMigrate(db))

	logger := zaptest.NewLogger(t).Sugar()
	reg := registry.New(db, logger)
	features := featurestore.NewStore(history, history, &memorySets{}, cfg.MinSamples, logger)
	return NewPipeline(features, reg, history, history, cfg, logger), reg
}

func consumptionHistory(start time.Time, days int) *stubHistory {
	points := make([]storage.MetricPoint, days)
	for i := 0; i < days; i++ {
		// Weekly pattern with mild trend and deterministic jitter.
		value := 100 + 0.3*float64(i) + 15*math.Sin(2*math.Pi*float64(i%7)/7) + float64((i*37)%5)
		points[i] = storage.MetricPoint{Timestamp: start.AddDate(0, 0, i), Value: value}
	}
	return &stubHistory{points: points}
}

func TestTrainForecaster(t *testing.T) {
	ctx := context.Background()
	windowEnd := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	windowStart := windowEnd.AddDate(0, 0, -90)

	t.Run("registers an inactive challenger with metrics", func(t *testing.T) {
		history := consumptionHistory(windowStart, 90)
		pipeline, reg := newTestPipeline(t, history, testConfig())

		artifact, err := pipeline.Train(ctx, Spec{
			ModelName:    "consumption_forecast",
			TargetMetric: featurestore.MetricCredits,
			WorkspaceID:  "ws-1",
			Family:       models.FamilySeasonal,
			WindowStart:  windowStart,
			WindowEnd:    windowEnd,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, artifact.Version)
		assert.False(t, artifact.IsActive)
		assert.False(t, artifact.Unstable)

		var metrics PerformanceMetrics
		require.NoError(t, json.Unmarshal(artifact.PerformanceMetrics, &metrics))
		assert.Greater(t, metrics.MAPE, 0.0)
		assert.Less(t, metrics.MAPE, 0.25, "seasonal family should fit a seasonal series")
		assert.Len(t, metrics.FoldMAPEs, 3)

		var params Params
		require.NoError(t, json.Unmarshal(artifact.TrainingParams, &params))
		assert.Equal(t, models.FamilySeasonal, params.Family)
		assert.Equal(t, 7.0, params.Hyperparameters["period"])

		// The payload must restore to a usable forecaster.
		f, err := models.DecodeForecaster(artifact.Payload)
		require.NoError(t, err)
		out, err := f.Forecast(7)
		require.NoError(t, err)
		assert.Len(t, out, 7)

		// A second run registers the next version.
		second, err := pipeline.Train(ctx, Spec{
			ModelName:    "consumption_forecast",
			TargetMetric: featurestore.MetricCredits,
			WorkspaceID:  "ws-1",
			Family:       models.FamilyLinear,
			WindowStart:  windowStart,
			WindowEnd:    windowEnd,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, second.Version)

		_, err = reg.Get(ctx, "consumption_forecast", 2)
		require.NoError(t, err)
	})

	t.Run("insufficient history", func(t *testing.T) {
		history := consumptionHistory(windowEnd.AddDate(0, 0, -5), 5)
		pipeline, _ := newTestPipeline(t, history, testConfig())

		_, err := pipeline.Train(ctx, Spec{
			ModelName:    "consumption_forecast",
			TargetMetric: featurestore.MetricCredits,
			WorkspaceID:  "ws-1",
			Family:       models.FamilySeasonal,
			WindowStart:  windowStart,
			WindowEnd:    windowEnd,
		})
		var insufficient *engerrors.InsufficientDataError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, 14, insufficient.Required)
	})

	t.Run("volatile folds flag the artifact unstable", func(t *testing.T) {
		history := consumptionHistory(windowStart, 90)
		cfg := testConfig()
		// With a threshold this tight any real series has enough fold
		// variance to trip it.
		cfg.StabilityThreshold = 1e-9
		pipeline, _ := newTestPipeline(t, history, cfg)

		artifact, err := pipeline.Train(ctx, Spec{
			ModelName:    "consumption_forecast",
			TargetMetric: featurestore.MetricCredits,
			WorkspaceID:  "ws-1",
			Family:       models.FamilySeasonal,
			WindowStart:  windowStart,
			WindowEnd:    windowEnd,
		})
		require.NoError(t, err)
		assert.True(t, artifact.Unstable)

		var params Params
		require.NoError(t, json.Unmarshal(artifact.TrainingParams, &params))
		assert.True(t, params.Unstable)
		assert.Greater(t, params.StabilityCoefficient, 0.0)
	})

	t.Run("rejects unknown hyperparameters", func(t *testing.T) {
		history := consumptionHistory(windowStart, 90)
		pipeline, _ := newTestPipeline(t, history, testConfig())

		_, err := pipeline.Train(ctx, Spec{
			ModelName:       "consumption_forecast",
			TargetMetric:    featurestore.MetricCredits,
			WorkspaceID:     "ws-1",
			Family:          models.FamilySeasonal,
			WindowStart:     windowStart,
			WindowEnd:       windowEnd,
			Hyperparameters: map[string]float64{"depth": 6},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown hyperparameter")
	})
}

func TestTrainClassifier(t *testing.T) {
	ctx := context.Background()
	windowEnd := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	windowStart := windowEnd.AddDate(0, 0, -90)

	history := &stubHistory{
		users: []string{"healthy-1", "healthy-2", "healthy-3", "churned-1", "churned-2", "churned-3"},
	}
	// Healthy users stay active throughout; churned users go quiet at
	// staggered points so every snapshot cutoff sees both classes.
	lastActive := map[string]int{"churned-1": 20, "churned-2": 27, "churned-3": 34}
	for day := 0; day < 100; day++ {
		date := windowStart.AddDate(0, 0, day)
		for _, u := range []string{"healthy-1", "healthy-2", "healthy-3"} {
			history.activity = append(history.activity, storage.UserActivityPoint{
				UserID: u, Date: date, Sessions: 3, Events: 25, ActiveMinutes: 40,
			})
		}
		for u, end := range lastActive {
			if day < end {
				history.activity = append(history.activity, storage.UserActivityPoint{
					UserID: u, Date: date, Sessions: 1, Events: 4, ActiveMinutes: 5,
				})
			}
		}
	}

	cfg := testConfig()
	cfg.Folds = 2
	pipeline, _ := newTestPipeline(t, history, cfg)

	artifact, err := pipeline.Train(ctx, Spec{
		ModelName:    "churn_classifier",
		TargetMetric: "churn",
		WorkspaceID:  "ws-1",
		Family:       models.FamilyGBT,
		WindowStart:  windowStart,
		WindowEnd:    windowEnd,
	})
	require.NoError(t, err)

	var metrics PerformanceMetrics
	require.NoError(t, json.Unmarshal(artifact.PerformanceMetrics, &metrics))
	assert.Greater(t, metrics.AUC, 0.7, "classes are cleanly separable")

	var importance map[string]float64
	require.NoError(t, json.Unmarshal(artifact.FeatureImportance, &importance))
	assert.NotEmpty(t, importance)

	var params Params
	require.NoError(t, json.Unmarshal(artifact.TrainingParams, &params))
	assert.Len(t, params.Calibration, 10)

	clf, err := models.DecodeClassifier(artifact.Payload)
	require.NoError(t, err)

	lapsed := map[string]float64{
		"sessions_per_day":       0,
		"events_per_day":         0,
		"active_mins_per_day":    0,
		"active_days":            2,
		"days_since_last_active": 25,
		"engagement_ratio":       0,
	}
	engaged := map[string]float64{
		"sessions_per_day":       3,
		"events_per_day":         25,
		"active_mins_per_day":    40,
		"active_days":            30,
		"days_since_last_active": 0,
		"engagement_ratio":       1,
	}
	assert.Greater(t,
		clf.PredictProba(featurestore.FlattenBehavioral(lapsed)),
		clf.PredictProba(featurestore.FlattenBehavioral(engaged)),
		"lapsed behavior must score higher churn risk")
}
