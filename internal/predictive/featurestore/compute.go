package featurestore

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/pulsedesk/analytics-engine/internal/storage"
)

// Lag horizons and rolling windows are fixed per feature-set definition so
// two computations over the same raw snapshot are byte-identical.
var (
	lagDays        = []int{1, 7, 30}
	rollingWindows = []int{7, 30}
)

const seasonalPeriod = 7

// BucketDaily collapses raw samples into one point per UTC day, summing
// values within the day and ordering ascending.
func BucketDaily(points []storage.MetricPoint) []storage.MetricPoint {
	if len(points) == 0 {
		return nil
	}
	byDay := make(map[time.Time]float64)
	for _, p := range points {
		day := p.Timestamp.UTC().Truncate(24 * time.Hour)
		byDay[day] += p.Value
	}
	out := make([]storage.MetricPoint, 0, len(byDay))
	for day, v := range byDay {
		out = append(out, storage.MetricPoint{Timestamp: day, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// timeseriesFeatures derives the scalar and vector features for a daily
// metric series. Pure: no I/O, deterministic for a given input.
func timeseriesFeatures(daily []storage.MetricPoint) (map[string]float64, map[string][]float64) {
	n := len(daily)
	values := make([]float64, n)
	epochs := make([]float64, n)
	for i, p := range daily {
		values[i] = p.Value
		epochs[i] = float64(p.Timestamp.Unix())
	}

	scalars := map[string]float64{
		"last_value": values[n-1],
		"n_points":   float64(n),
	}

	for _, lag := range lagDays {
		name := fmt.Sprintf("lag_%dd", lag)
		if n > lag {
			scalars[name] = values[n-1-lag]
		} else {
			scalars[name] = values[0]
		}
	}

	for _, w := range rollingWindows {
		window := values
		if n > w {
			window = values[n-w:]
		}
		scalars[fmt.Sprintf("rolling_mean_%dd", w)] = stat.Mean(window, nil)
		scalars[fmt.Sprintf("rolling_std_%dd", w)] = stat.StdDev(window, nil)
		scalars[fmt.Sprintf("rolling_min_%dd", w)] = floats.Min(window)
		scalars[fmt.Sprintf("rolling_max_%dd", w)] = floats.Max(window)
	}

	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	intercept, slope := stat.LinearRegression(xs, values, nil, false)
	scalars["trend_slope"] = slope

	// Seasonal decomposition residuals: detrend, remove per-weekday index,
	// keep the residual spread as a noise feature.
	residStd := seasonalResidualStd(values, intercept, slope)
	scalars["seasonal_resid_std"] = residStd

	vectors := map[string][]float64{
		"target_values": values,
		"target_unix":   epochs,
	}
	return scalars, vectors
}

func seasonalResidualStd(values []float64, intercept, slope float64) float64 {
	n := len(values)
	if n < 2*seasonalPeriod {
		return 0
	}
	sums := make([]float64, seasonalPeriod)
	counts := make([]int, seasonalPeriod)
	for i := 0; i < n; i++ {
		detrended := values[i] - (intercept + slope*float64(i))
		sums[i%seasonalPeriod] += detrended
		counts[i%seasonalPeriod]++
	}
	resid := make([]float64, n)
	for i := 0; i < n; i++ {
		seasonal := 0.0
		if counts[i%seasonalPeriod] > 0 {
			seasonal = sums[i%seasonalPeriod] / float64(counts[i%seasonalPeriod])
		}
		resid[i] = values[i] - (intercept + slope*float64(i) + seasonal)
	}
	return stat.StdDev(resid, nil)
}

// behavioralFeatures derives per-user churn signals from daily activity
// aggregates. asOf bounds the usable history; rows at or before asOf only.
func behavioralFeatures(activity []storage.UserActivityPoint, asOf time.Time) map[string]float64 {
	n := len(activity)
	days := 30.0

	var sessions, events, minutes float64
	lastActive := time.Time{}
	for _, a := range activity {
		sessions += float64(a.Sessions)
		events += float64(a.Events)
		minutes += a.ActiveMinutes
		if a.Sessions > 0 && a.Date.After(lastActive) {
			lastActive = a.Date
		}
	}

	scalars := map[string]float64{
		"sessions_per_day":    sessions / days,
		"events_per_day":      events / days,
		"active_mins_per_day": minutes / days,
		"active_days":         float64(n),
	}

	if lastActive.IsZero() {
		scalars["days_since_last_active"] = days
	} else {
		scalars["days_since_last_active"] = asOf.Sub(lastActive).Hours() / 24
	}

	// Activity slope: second-half daily event rate vs first half. Values
	// below 1 mean declining engagement.
	var firstHalf, secondHalf float64
	mid := asOf.AddDate(0, 0, -15)
	for _, a := range activity {
		if a.Date.Before(mid) {
			firstHalf += float64(a.Events)
		} else {
			secondHalf += float64(a.Events)
		}
	}
	if firstHalf > 0 {
		scalars["engagement_ratio"] = secondHalf / firstHalf
	} else if secondHalf > 0 {
		scalars["engagement_ratio"] = 2.0
	} else {
		scalars["engagement_ratio"] = 0.0
	}

	// Clamp any numeric noise.
	for k, v := range scalars {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			scalars[k] = 0
		}
	}
	return scalars
}

// BehavioralFeatureNames is the fixed column order used when behavioral
// feature maps are flattened into classifier matrices.
var BehavioralFeatureNames = []string{
	"sessions_per_day",
	"events_per_day",
	"active_mins_per_day",
	"active_days",
	"days_since_last_active",
	"engagement_ratio",
}

// FlattenBehavioral projects a behavioral feature map onto the fixed column
// order used by classifiers.
func FlattenBehavioral(scalars map[string]float64) []float64 {
	row := make([]float64, len(BehavioralFeatureNames))
	for i, name := range BehavioralFeatureNames {
		row[i] = scalars[name]
	}
	return row
}
