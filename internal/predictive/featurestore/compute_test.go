package featurestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsedesk/analytics-engine/internal/storage"
)

func TestBucketDaily(t *testing.T) {
	day := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("sums within a day and orders ascending", func(t *testing.T) {
		raw := []storage.MetricPoint{
			{Timestamp: day.AddDate(0, 0, 1).Add(3 * time.Hour), Value: 5},
			{Timestamp: day.Add(10 * time.Hour), Value: 2},
			{Timestamp: day.Add(22 * time.Hour), Value: 3},
		}
		daily := BucketDaily(raw)
		require.Len(t, daily, 2)
		assert.Equal(t, day, daily[0].Timestamp)
		assert.Equal(t, 5.0, daily[0].Value)
		assert.Equal(t, 5.0, daily[1].Value)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Nil(t, BucketDaily(nil))
	})
}

func TestTimeseriesFeatures(t *testing.T) {
	day := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	daily := make([]storage.MetricPoint, 40)
	for i := range daily {
		daily[i] = storage.MetricPoint{Timestamp: day.AddDate(0, 0, i), Value: float64(10 + i)}
	}

	scalars, vectors := timeseriesFeatures(daily)

	t.Run("scalar features", func(t *testing.T) {
		assert.Equal(t, 49.0, scalars["last_value"])
		assert.Equal(t, 40.0, scalars["n_points"])
		assert.Equal(t, 48.0, scalars["lag_1d"])
		assert.Equal(t, 42.0, scalars["lag_7d"])
		assert.Equal(t, 19.0, scalars["lag_30d"])
		assert.InDelta(t, 46.0, scalars["rolling_mean_7d"], 1e-9)
		assert.Equal(t, 43.0, scalars["rolling_min_7d"])
		assert.Equal(t, 49.0, scalars["rolling_max_7d"])
		assert.InDelta(t, 1.0, scalars["trend_slope"], 1e-9)
	})

	t.Run("target vectors preserve the series", func(t *testing.T) {
		require.Len(t, vectors["target_values"], 40)
		require.Len(t, vectors["target_unix"], 40)
		assert.Equal(t, 10.0, vectors["target_values"][0])
		assert.Equal(t, float64(day.Unix()), vectors["target_unix"][0])
	})

	t.Run("deterministic for identical input", func(t *testing.T) {
		again, _ := timeseriesFeatures(daily)
		assert.Equal(t, scalars, again)
	})
}

func TestBehavioralFeatures(t *testing.T) {
	asOf := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)

	t.Run("active user", func(t *testing.T) {
		var activity []storage.UserActivityPoint
		for i := 0; i < 30; i++ {
			activity = append(activity, storage.UserActivityPoint{
				Date:          asOf.AddDate(0, 0, -29+i),
				Sessions:      2,
				Events:        20,
				ActiveMinutes: 30,
			})
		}
		scalars := behavioralFeatures(activity, asOf)
		assert.InDelta(t, 2.0, scalars["sessions_per_day"], 1e-9)
		assert.InDelta(t, 20.0, scalars["events_per_day"], 1e-9)
		assert.Equal(t, 30.0, scalars["active_days"])
		assert.InDelta(t, 0.0, scalars["days_since_last_active"], 1e-9)
		assert.Greater(t, scalars["engagement_ratio"], 0.5)
	})

	t.Run("lapsed user", func(t *testing.T) {
		activity := []storage.UserActivityPoint{
			{Date: asOf.AddDate(0, 0, -20), Sessions: 3, Events: 12, ActiveMinutes: 15},
		}
		scalars := behavioralFeatures(activity, asOf)
		assert.InDelta(t, 20.0, scalars["days_since_last_active"], 1e-9)
		assert.Equal(t, 0.0, scalars["engagement_ratio"], "all activity in the first half")
	})

	t.Run("no activity at all", func(t *testing.T) {
		scalars := behavioralFeatures(nil, asOf)
		assert.Equal(t, 0.0, scalars["active_days"])
		assert.Equal(t, 30.0, scalars["days_since_last_active"])
	})
}

func TestFlattenBehavioral(t *testing.T) {
	scalars := map[string]float64{
		"sessions_per_day":       1,
		"events_per_day":         2,
		"active_mins_per_day":    3,
		"active_days":            4,
		"days_since_last_active": 5,
		"engagement_ratio":       6,
	}
	row := FlattenBehavioral(scalars)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, row)
}
