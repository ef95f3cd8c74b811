package featurestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	engerrors "github.com/pulsedesk/analytics-engine/common/errors"
	"github.com/pulsedesk/analytics-engine/internal/storage"
)

type fakeSeries struct {
	points []storage.MetricPoint
}

func (f *fakeSeries) Series(_ context.Context, _, _ string, from, to time.Time) ([]storage.MetricPoint, error) {
	var out []storage.MetricPoint
	for _, p := range f.points {
		if !p.Timestamp.Before(from) && !p.Timestamp.After(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeActivity struct {
	rows []storage.UserActivityPoint
}

func (f *fakeActivity) UserActivity(_ context.Context, _, _ string, from, to time.Time) ([]storage.UserActivityPoint, error) {
	var out []storage.UserActivityPoint
	for _, r := range f.rows {
		if !r.Date.Before(from) && !r.Date.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeSets struct {
	records []*storage.FeatureSetRecord
}

func (f *fakeSets) Latest(_ context.Context, entityType, entityID, name string) (*storage.FeatureSetRecord, error) {
	var latest *storage.FeatureSetRecord
	for _, r := range f.records {
		if r.EntityType == entityType && r.EntityID == entityID && r.Name == name {
			if latest == nil || r.Version > latest.Version {
				latest = r
			}
		}
	}
	return latest, nil
}

func (f *fakeSets) Insert(_ context.Context, rec *storage.FeatureSetRecord) error {
	version := 0
	for _, r := range f.records {
		if r.EntityType == rec.EntityType && r.EntityID == rec.EntityID && r.Name == rec.Name && r.Version > version {
			version = r.Version
		}
	}
	rec.Version = version + 1
	f.records = append(f.records, rec)
	return nil
}

func dailyPoints(start time.Time, values []float64) []storage.MetricPoint {
	out := make([]storage.MetricPoint, len(values))
	for i, v := range values {
		out[i] = storage.MetricPoint{Timestamp: start.AddDate(0, 0, i), Value: v}
	}
	return out
}

func TestComputeFeatures(t *testing.T) {
	ctx := context.Background()
	asOf := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	logger := zaptest.NewLogger(t).Sugar()

	t.Run("insufficient data is rejected with counts", func(t *testing.T) {
		series := &fakeSeries{points: dailyPoints(asOf.AddDate(0, 0, -5), []float64{1, 2, 3, 4, 5})}
		store := NewStore(series, &fakeActivity{}, &fakeSets{}, 14, logger)

		_, err := store.ComputeFeatures(ctx, EntityWorkspace, "ws-1", SetConsumptionTimeseries, asOf, ComputeOptions{})
		var insufficient *engerrors.InsufficientDataError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, 14, insufficient.Required)
		assert.Equal(t, 5, insufficient.Found)
		assert.Contains(t, err.Error(), "minimum 14 points required, found 5")
	})

	t.Run("versions increment per computation", func(t *testing.T) {
		values := make([]float64, 30)
		for i := range values {
			values[i] = float64(100 + i)
		}
		series := &fakeSeries{points: dailyPoints(asOf.AddDate(0, 0, -30), values)}
		store := NewStore(series, &fakeActivity{}, &fakeSets{}, 14, logger)

		first, err := store.ComputeFeatures(ctx, EntityWorkspace, "ws-1", SetConsumptionTimeseries, asOf, ComputeOptions{})
		require.NoError(t, err)
		second, err := store.ComputeFeatures(ctx, EntityWorkspace, "ws-1", SetConsumptionTimeseries, asOf, ComputeOptions{})
		require.NoError(t, err)

		assert.Equal(t, 1, first.Version)
		assert.Equal(t, 2, second.Version)
		assert.Equal(t, first.Hash, second.Hash, "identical input, identical content hash")
	})

	t.Run("reuse latest when content unchanged", func(t *testing.T) {
		values := make([]float64, 30)
		for i := range values {
			values[i] = float64(100 + i)
		}
		series := &fakeSeries{points: dailyPoints(asOf.AddDate(0, 0, -30), values)}
		sets := &fakeSets{}
		store := NewStore(series, &fakeActivity{}, sets, 14, logger)

		opts := ComputeOptions{ReuseLatestIfUnchanged: true}
		first, err := store.ComputeFeatures(ctx, EntityWorkspace, "ws-1", SetConsumptionTimeseries, asOf, opts)
		require.NoError(t, err)
		second, err := store.ComputeFeatures(ctx, EntityWorkspace, "ws-1", SetConsumptionTimeseries, asOf, opts)
		require.NoError(t, err)

		assert.Equal(t, first.Version, second.Version)
		assert.Len(t, sets.records, 1)

		// New raw data changes the hash and forces a new version.
		series.points = append(series.points, storage.MetricPoint{Timestamp: asOf.Add(-time.Hour), Value: 999})
		third, err := store.ComputeFeatures(ctx, EntityWorkspace, "ws-1", SetConsumptionTimeseries, asOf, opts)
		require.NoError(t, err)
		assert.Equal(t, first.Version+1, third.Version)
	})

	t.Run("as_of bounds the usable history", func(t *testing.T) {
		values := make([]float64, 30)
		for i := range values {
			values[i] = 100
		}
		points := dailyPoints(asOf.AddDate(0, 0, -30), values)
		// A huge spike the day after as_of must never leak into features.
		points = append(points, storage.MetricPoint{Timestamp: asOf.AddDate(0, 0, 1), Value: 1e9})
		store := NewStore(&fakeSeries{points: points}, &fakeActivity{}, &fakeSets{}, 14, logger)

		fs, err := store.ComputeFeatures(ctx, EntityWorkspace, "ws-1", SetConsumptionTimeseries, asOf, ComputeOptions{})
		require.NoError(t, err)
		assert.Equal(t, 100.0, fs.Scalars["last_value"])
		assert.Equal(t, 100.0, fs.Scalars["rolling_max_30d"])
	})

	t.Run("behavioral set for a user", func(t *testing.T) {
		activity := &fakeActivity{rows: []storage.UserActivityPoint{
			{Date: asOf.AddDate(0, 0, -2), Sessions: 1, Events: 5, ActiveMinutes: 10},
			{Date: asOf.AddDate(0, 0, -1), Sessions: 2, Events: 8, ActiveMinutes: 12},
		}}
		store := NewStore(&fakeSeries{}, activity, &fakeSets{}, 14, logger)

		fs, err := store.ComputeFeatures(ctx, EntityUser, "user-1", SetBehavioral30d, asOf,
			ComputeOptions{WorkspaceID: "ws-1"})
		require.NoError(t, err)
		assert.Equal(t, 2.0, fs.Scalars["active_days"])
		assert.Empty(t, fs.Vectors)

		// Series reconstruction only applies to timeseries sets.
		assert.Nil(t, fs.Series())
	})

	t.Run("stored series reconstructs model input", func(t *testing.T) {
		values := make([]float64, 20)
		for i := range values {
			values[i] = float64(i)
		}
		start := asOf.AddDate(0, 0, -20)
		store := NewStore(&fakeSeries{points: dailyPoints(start, values)}, &fakeActivity{}, &fakeSets{}, 14, logger)

		fs, err := store.ComputeFeatures(ctx, EntityWorkspace, "ws-1", SetConsumptionTimeseries, asOf, ComputeOptions{})
		require.NoError(t, err)

		series := fs.Series()
		require.Len(t, series, 20)
		assert.Equal(t, start, series[0].Timestamp)
		assert.Equal(t, 0.0, series[0].Value)
		assert.Equal(t, 19.0, series[19].Value)
	})
}
