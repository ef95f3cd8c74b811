package controller

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pulsedesk/analytics-engine/internal/config"
	"github.com/pulsedesk/analytics-engine/internal/predictive/registry"
	"github.com/pulsedesk/analytics-engine/internal/storage"
)

func newTestController(t *testing.T) (*Controller, *registry.Registry) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, storage.AutoMigrate(db))

	logger := zaptest.NewLogger(t).Sugar()
	reg := registry.New(db, logger)
	cfg := config.PredictiveConfig{PromotionMargin: 0.05}
	return New(reg, cfg, logger), reg
}

func challengerWithMAPE(t *testing.T, reg *registry.Registry, mape float64, unstable bool) *storage.ModelArtifact {
	t.Helper()
	ws := "ws-1"
	a := &storage.ModelArtifact{
		ModelName:          "consumption_forecast",
		ModelType:          "seasonal",
		TargetMetric:       "credits_consumed",
		WorkspaceID:        &ws,
		PerformanceMetrics: []byte(fmt.Sprintf(`{"mape":%g,"fold_mapes":[%g]}`, mape, mape)),
		TrainingParams:     []byte(`{}`),
		Payload:            []byte(`{}`),
		Unstable:           unstable,
	}
	_, err := reg.Register(context.Background(), a)
	require.NoError(t, err)
	return a
}

func activeVersion(t *testing.T, reg *registry.Registry) int {
	t.Helper()
	ws := "ws-1"
	champion, err := reg.GetActive(context.Background(), registry.Scope{
		ModelName: "consumption_forecast", WorkspaceID: &ws, TargetMetric: "credits_consumed",
	})
	require.NoError(t, err)
	return champion.Version
}

func TestEvaluateChallenger(t *testing.T) {
	ctx := context.Background()

	t.Run("first challenger becomes champion unconditionally", func(t *testing.T) {
		ctrl, reg := newTestController(t)
		challenger := challengerWithMAPE(t, reg, 0.30, false)

		promoted, err := ctrl.EvaluateChallenger(ctx, challenger)
		require.NoError(t, err)
		assert.True(t, promoted)
		assert.Equal(t, challenger.Version, activeVersion(t, reg))
	})

	t.Run("marginal improvement keeps the champion", func(t *testing.T) {
		ctrl, reg := newTestController(t)
		champion := challengerWithMAPE(t, reg, 0.100, false)
		_, err := ctrl.EvaluateChallenger(ctx, champion)
		require.NoError(t, err)

		// 3% better: below the 5% promotion margin.
		challenger := challengerWithMAPE(t, reg, 0.097, false)
		promoted, err := ctrl.EvaluateChallenger(ctx, challenger)
		require.NoError(t, err)
		assert.False(t, promoted)
		assert.Equal(t, champion.Version, activeVersion(t, reg))
	})

	t.Run("clear improvement promotes", func(t *testing.T) {
		ctrl, reg := newTestController(t)
		champion := challengerWithMAPE(t, reg, 0.100, false)
		_, err := ctrl.EvaluateChallenger(ctx, champion)
		require.NoError(t, err)

		// 10% better: above the margin.
		challenger := challengerWithMAPE(t, reg, 0.090, false)
		promoted, err := ctrl.EvaluateChallenger(ctx, challenger)
		require.NoError(t, err)
		assert.True(t, promoted)
		assert.Equal(t, challenger.Version, activeVersion(t, reg))
	})

	t.Run("exact margin promotes", func(t *testing.T) {
		ctrl, reg := newTestController(t)
		champion := challengerWithMAPE(t, reg, 0.100, false)
		_, err := ctrl.EvaluateChallenger(ctx, champion)
		require.NoError(t, err)

		challenger := challengerWithMAPE(t, reg, 0.095, false)
		promoted, err := ctrl.EvaluateChallenger(ctx, challenger)
		require.NoError(t, err)
		assert.True(t, promoted)
	})

	t.Run("worse challenger keeps the champion", func(t *testing.T) {
		ctrl, reg := newTestController(t)
		champion := challengerWithMAPE(t, reg, 0.100, false)
		_, err := ctrl.EvaluateChallenger(ctx, champion)
		require.NoError(t, err)

		challenger := challengerWithMAPE(t, reg, 0.150, false)
		promoted, err := ctrl.EvaluateChallenger(ctx, challenger)
		require.NoError(t, err)
		assert.False(t, promoted)
		assert.Equal(t, champion.Version, activeVersion(t, reg))
	})

	t.Run("unstable challenger never promotes", func(t *testing.T) {
		ctrl, reg := newTestController(t)
		champion := challengerWithMAPE(t, reg, 0.100, false)
		_, err := ctrl.EvaluateChallenger(ctx, champion)
		require.NoError(t, err)

		// Far better on mean error, but flagged unstable.
		challenger := challengerWithMAPE(t, reg, 0.010, true)
		promoted, err := ctrl.EvaluateChallenger(ctx, challenger)
		require.NoError(t, err)
		assert.False(t, promoted)
		assert.Equal(t, champion.Version, activeVersion(t, reg))
	})
}
