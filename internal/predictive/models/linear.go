package models

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"
)

// LinearTrendForecaster projects an exponentially-smoothed level forward
// along a regression slope. Cheaper than the seasonal family and the fast
// fallback when inference deadlines are tight.
type LinearTrendForecaster struct {
	Alpha   float64   `json:"alpha"`
	Slope   float64   `json:"slope"`
	Level   float64   `json:"level"`
	Resid   []float64 `json:"resid"`
	N       int       `json:"n"`
	EndTime time.Time `json:"end_time"`
}

// NewLinearTrendForecaster constructs an unfitted linear-trend forecaster.
// Recognized params: "alpha" smoothing factor in (0,1], default 0.3.
func NewLinearTrendForecaster(params map[string]float64) *LinearTrendForecaster {
	alpha := 0.3
	if a, ok := params["alpha"]; ok && a > 0 && a <= 1 {
		alpha = a
	}
	return &LinearTrendForecaster{Alpha: alpha}
}

func (l *LinearTrendForecaster) Family() string { return FamilyLinear }

func (l *LinearTrendForecaster) Fit(series []Point) error {
	if len(series) < 3 {
		return fmt.Errorf("linear trend forecaster needs at least 3 points, got %d", len(series))
	}

	n := len(series)
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, p := range series {
		xs[i] = float64(i)
		ys[i] = p.Value
	}
	_, l.Slope = stat.LinearRegression(xs, ys, nil, false)

	// One-step-ahead residuals from the smoothed level.
	level := ys[0]
	l.Resid = make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		predicted := level + l.Slope
		l.Resid = append(l.Resid, ys[i]-predicted)
		level = l.Alpha*ys[i] + (1-l.Alpha)*level
	}
	l.Level = level
	l.N = n
	l.EndTime = series[n-1].Timestamp
	return nil
}

func (l *LinearTrendForecaster) Forecast(horizon int) ([]float64, error) {
	if l.N == 0 {
		return nil, fmt.Errorf("linear trend forecaster is not fitted")
	}
	out := make([]float64, horizon)
	for k := 1; k <= horizon; k++ {
		out[k-1] = l.Level + l.Slope*float64(k)
	}
	return out, nil
}

func (l *LinearTrendForecaster) Residuals() []float64 { return l.Resid }
func (l *LinearTrendForecaster) End() time.Time       { return l.EndTime }
