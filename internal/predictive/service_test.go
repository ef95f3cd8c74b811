package predictive

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
	"github.com/pulsedesk/analytics-engine/internal/predictive/controller"
	"github.com/pulsedesk/analytics-engine/internal/predictive/featurestore"
	"github.com/pulsedesk/analytics-engine/internal/predictive/forecaster"
	"github.com/pulsedesk/analytics-engine/internal/predictive/registry"
	"github.com/pulsedesk/analytics-engine/internal/predictive/training"
	"github.com/pulsedesk/analytics-engine/internal/queue"
	"github.com/pulsedesk/analytics-engine/internal/storage"
)

type stubHistory struct {
	points []storage.MetricPoint
	users  []string
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

func (s *stubHistory) UserActivity(_ context.Context, _, _ string, _, _ time.Time) ([]storage.UserActivityPoint, error) {
	return nil, nil
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

func newTestService(t *testing.T) (*Service, *registry.Registry) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, storage.AutoMigrate(db))

	today := time.Now().UTC().Truncate(24 * time.Hour)
	history := &stubHistory{}
	for i := 0; i < 90; i++ {
		history.points = append(history.points, storage.MetricPoint{
			Timestamp: today.AddDate(0, 0, -90+i),
			Value:     100 + 0.3*float64(i) + 15*math.Sin(2*math.Pi*float64(i%7)/7),
		})
	}

	logger := zaptest.NewLogger(t).Sugar()
	cfg := config.PredictiveConfig{
		MinSamples:         14,
		PredictionTimeout:  5 * time.Second,
		CacheTTL:           time.Hour,
		ConfidenceLevel:    0.95,
		MaxHorizonDays:     90,
		Folds:              3,
		StabilityThreshold: 0.5,
		WorkerCount:        2,
		PromotionMargin:    0.05,
	}

	reg := registry.New(db, logger)
	features := featurestore.NewStore(history, history, &memorySets{}, cfg.MinSamples, logger)
	predictions := storage.NewPredictionRepo(db)
	engine := forecaster.NewEngine(reg, features, history, history, history, predictions, nil, cfg, logger)
	pipeline := training.NewPipeline(features, reg, history, history, cfg, logger)
	ctrl := controller.New(reg, cfg, logger)
	tasks := queue.NewMemoryQueue(16, logger)
	t.Cleanup(func() { tasks.Close() })

	return NewService(engine, pipeline, ctrl, reg, tasks, nil, cfg, logger), reg
}

func TestTrainModelRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx) }()

	job, err := svc.TrainModel(ctx, TrainRequest{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status)
	assert.Equal(t, forecaster.ModelConsumption, job.ModelName)
	assert.Equal(t, featurestore.MetricCredits, job.TargetMetric)

	require.Eventually(t, func() bool {
		snap, err := svc.GetJobStatus(job.ID)
		if err != nil {
			return false
		}
		return snap.Status != JobQueued && snap.Status != JobRunning
	}, 15*time.Second, 50*time.Millisecond, "training job never finished")

	snap, err := svc.GetJobStatus(job.ID)
	require.NoError(t, err)
	require.Equal(t, JobCompleted, snap.Status, "job error: %s", snap.Error)
	assert.Equal(t, 1, snap.Version)
	assert.True(t, snap.Promoted, "first challenger must become champion")
	assert.NotNil(t, snap.StartedAt)
	assert.NotNil(t, snap.FinishedAt)

	// The freshly promoted champion now serves forecasts.
	forecast, err := svc.PredictConsumption(ctx, "ws-1", "", 7)
	require.NoError(t, err)
	assert.Equal(t, "consumption_forecast-v1", forecast.ModelVersion)

	status, err := svc.GetModelStatus(ctx, forecaster.ModelConsumption, "ws-1", "")
	require.NoError(t, err)
	require.NotNil(t, status.Champion)
	assert.Equal(t, 1, status.Champion.Version)
	assert.Len(t, status.Versions, 1)
}

func TestTrainModelValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	t.Run("workspace is required", func(t *testing.T) {
		_, err := svc.TrainModel(ctx, TrainRequest{})
		require.Error(t, err)
	})

	t.Run("hyperparameters are checked at submit time", func(t *testing.T) {
		_, err := svc.TrainModel(ctx, TrainRequest{
			WorkspaceID:     "ws-1",
			Hyperparameters: map[string]float64{"depth": 4},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown hyperparameter")
	})

	t.Run("gbt requests route to the churn model", func(t *testing.T) {
		job, err := svc.TrainModel(ctx, TrainRequest{WorkspaceID: "ws-1", Family: "gbt"})
		require.NoError(t, err)
		assert.Equal(t, forecaster.ModelChurn, job.ModelName)
		assert.Equal(t, "churn", job.TargetMetric)
	})
}

func TestGetJobStatusUnknown(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetJobStatus("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestGetModelStatusUnknownScope(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetModelStatus(context.Background(), forecaster.ModelConsumption, "ws-none", "")
	assert.ErrorIs(t, err, engerrors.ErrModelNotFound)
}

func TestGetModelStatusBusySibling(t *testing.T) {
	svc, reg := newTestService(t)
	ctx := context.Background()

	ws := "ws-1"
	champion := &storage.ModelArtifact{
		ModelName:          forecaster.ModelConsumption,
		ModelType:          "seasonal",
		TargetMetric:       featurestore.MetricCredits,
		WorkspaceID:        &ws,
		PerformanceMetrics: []byte(`{"mape":0.1}`),
		TrainingParams:     []byte(`{}`),
		Payload:            []byte(`{}`),
	}
	_, err := reg.Register(ctx, champion)
	require.NoError(t, err)
	require.NoError(t, reg.Promote(ctx, champion.ModelName, champion.Version))

	// Another workspace trains far more often under the same model name.
	other := "ws-2"
	for i := 0; i < 25; i++ {
		_, err := reg.Register(ctx, &storage.ModelArtifact{
			ModelName:          forecaster.ModelConsumption,
			ModelType:          "seasonal",
			TargetMetric:       featurestore.MetricCredits,
			WorkspaceID:        &other,
			PerformanceMetrics: []byte(`{"mape":0.1}`),
			TrainingParams:     []byte(`{}`),
			Payload:            []byte(`{}`),
		})
		require.NoError(t, err)
	}

	status, err := svc.GetModelStatus(ctx, forecaster.ModelConsumption, "ws-1", "")
	require.NoError(t, err)
	require.NotNil(t, status.Champion, "sibling registrations must not hide this workspace's champion")
	assert.Equal(t, champion.Version, status.Champion.Version)
	require.Len(t, status.Versions, 1)
}
