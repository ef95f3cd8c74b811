package forecaster

import (
	"context"
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
	activity map[string][]storage.UserActivityPoint
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
	for _, r := range s.activity[userID] {
		if !r.Date.Before(from) && !r.Date.After(to) {
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

type testEnv struct {
	engine  *Engine
	reg     *registry.Registry
	db      *gorm.DB
	history *stubHistory
}

func newTestEngine(t *testing.T, history *stubHistory) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, storage.AutoMigrate(db))

	logger := zaptest.NewLogger(t).Sugar()
	cfg := config.PredictiveConfig{
		MinSamples:        14,
		PredictionTimeout: 5 * time.Second,
		CacheTTL:          time.Hour,
		ConfidenceLevel:   0.95,
		MaxHorizonDays:    90,
	}
	reg := registry.New(db, logger)
	features := featurestore.NewStore(history, history, &memorySets{}, cfg.MinSamples, logger)
	predictions := storage.NewPredictionRepo(db)
	engine := NewEngine(reg, features, history, history, history, predictions, nil, cfg, logger)
	return &testEnv{engine: engine, reg: reg, db: db, history: history}
}

func recentHistory(days int) *stubHistory {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	points := make([]storage.MetricPoint, days)
	for i := 0; i < days; i++ {
		points[i] = storage.MetricPoint{
			Timestamp: today.AddDate(0, 0, -days+i),
			Value:     100 + 10*math.Sin(2*math.Pi*float64(i%7)/7),
		}
	}
	return &stubHistory{points: points}
}

func TestPredictConsumption(t *testing.T) {
	ctx := context.Background()

	t.Run("baseline fallback when no champion exists", func(t *testing.T) {
		env := newTestEngine(t, recentHistory(30))

		forecast, err := env.engine.PredictConsumption(ctx, "ws-1", "", 14)
		require.NoError(t, err)
		assert.Equal(t, BaselineVersion, forecast.ModelVersion)
		assert.Equal(t, featurestore.MetricCredits, forecast.TargetMetric)
		require.Len(t, forecast.Points, 14)

		last := env.history.points[len(env.history.points)-1].Value
		for _, p := range forecast.Points {
			assert.InDelta(t, last, p.Value, 1e-9, "baseline carries the last value forward")
		}
	})

	t.Run("interval invariants hold and bands widen", func(t *testing.T) {
		env := newTestEngine(t, recentHistory(60))

		forecast, err := env.engine.PredictConsumption(ctx, "ws-1", "", 30)
		require.NoError(t, err)

		prevWidth := -1.0
		for i, p := range forecast.Points {
			assert.LessOrEqual(t, p.Lower, p.Value, "point %d", i)
			assert.LessOrEqual(t, p.Value, p.Upper, "point %d", i)
			assert.GreaterOrEqual(t, p.Lower, 0.0, "point %d", i)

			width := p.Upper - p.Lower
			assert.GreaterOrEqual(t, width, prevWidth, "uncertainty must not shrink with horizon")
			prevWidth = width
		}
		assert.Greater(t,
			forecast.Points[len(forecast.Points)-1].Upper-forecast.Points[len(forecast.Points)-1].Lower,
			forecast.Points[0].Upper-forecast.Points[0].Lower)
	})

	t.Run("serves the champion when one is promoted", func(t *testing.T) {
		env := newTestEngine(t, recentHistory(60))

		series := make([]models.Point, len(env.history.points))
		for i, p := range env.history.points {
			series[i] = models.Point{Timestamp: p.Timestamp, Value: p.Value}
		}
		fitted := models.NewSeasonalForecaster(nil)
		require.NoError(t, fitted.Fit(series))
		payload, err := models.EncodeForecaster(fitted)
		require.NoError(t, err)

		ws := "ws-1"
		artifact := &storage.ModelArtifact{
			ModelName:          ModelConsumption,
			ModelType:          models.FamilySeasonal,
			TargetMetric:       featurestore.MetricCredits,
			WorkspaceID:        &ws,
			PerformanceMetrics: []byte(`{"mape":0.05}`),
			TrainingParams:     []byte(`{}`),
			Payload:            payload,
		}
		_, err = env.reg.Register(ctx, artifact)
		require.NoError(t, err)
		require.NoError(t, env.reg.Promote(ctx, artifact.ModelName, artifact.Version))

		forecast, err := env.engine.PredictConsumption(ctx, "ws-1", "", 7)
		require.NoError(t, err)
		assert.Equal(t, "consumption_forecast-v1", forecast.ModelVersion)

		champion, err := env.reg.Get(ctx, artifact.ModelName, artifact.Version)
		require.NoError(t, err)
		assert.NotNil(t, champion.LastUsedAt, "serving records model usage")
	})

	t.Run("forecasts are persisted with upsert semantics", func(t *testing.T) {
		env := newTestEngine(t, recentHistory(30))

		_, err := env.engine.PredictConsumption(ctx, "ws-1", "", 10)
		require.NoError(t, err)
		_, err = env.engine.PredictConsumption(ctx, "ws-1", "", 10)
		require.NoError(t, err)

		var count int64
		require.NoError(t, env.db.Model(&storage.PredictionRecord{}).Count(&count).Error)
		assert.Equal(t, int64(10), count, "re-running a forecast overwrites, never duplicates")
	})

	t.Run("insufficient history for even the baseline", func(t *testing.T) {
		env := newTestEngine(t, &stubHistory{})

		_, err := env.engine.PredictConsumption(ctx, "ws-empty", "", 7)
		var insufficient *engerrors.InsufficientDataError
		assert.ErrorAs(t, err, &insufficient)
	})

	t.Run("horizon bounds", func(t *testing.T) {
		env := newTestEngine(t, recentHistory(30))

		_, err := env.engine.PredictConsumption(ctx, "ws-1", "", 0)
		assert.ErrorIs(t, err, ErrInvalidHorizon)

		_, err = env.engine.PredictConsumption(ctx, "ws-1", "", 91)
		assert.ErrorIs(t, err, ErrInvalidHorizon)
	})
}

func TestPredictGrowth(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t, recentHistory(60))

	growth, err := env.engine.PredictGrowth(ctx, "ws-1", "", 30)
	require.NoError(t, err)

	require.Len(t, growth.Dates, 30)
	expected := growth.Scenarios["expected"]
	optimistic := growth.Scenarios["optimistic"]
	pessimistic := growth.Scenarios["pessimistic"]
	require.Len(t, expected, 30)

	for i := range expected {
		assert.LessOrEqual(t, pessimistic[i], expected[i], "day %d", i)
		assert.LessOrEqual(t, expected[i], optimistic[i], "day %d", i)
	}
	assert.Greater(t, growth.CurrentDailyAvg, 0.0)
	assert.Greater(t, growth.ProjectedDailyAvg, 0.0)
}
