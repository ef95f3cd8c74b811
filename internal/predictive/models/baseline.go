package models

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"
)

// BaselineForecaster carries the last observed value forward. Its residuals
// are the day-over-day changes of the fitted window, so confidence bands
// derived from them widen with horizon as the empirical variance compounds.
// Served whenever a scope has no promoted champion; never registered.
type BaselineForecaster struct {
	Last    float64   `json:"last"`
	Std     float64   `json:"std"`
	Resid   []float64 `json:"resid"`
	N       int       `json:"n"`
	EndTime time.Time `json:"end_time"`
}

func NewBaselineForecaster() *BaselineForecaster { return &BaselineForecaster{} }

func (b *BaselineForecaster) Family() string { return FamilyBaseline }

func (b *BaselineForecaster) Fit(series []Point) error {
	if len(series) < 2 {
		return fmt.Errorf("baseline forecaster needs at least 2 points, got %d", len(series))
	}

	n := len(series)
	diffs := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		diffs = append(diffs, series[i].Value-series[i-1].Value)
	}
	b.Last = series[n-1].Value
	b.Std = stat.StdDev(diffs, nil)
	b.Resid = diffs
	b.N = n
	b.EndTime = series[n-1].Timestamp
	return nil
}

func (b *BaselineForecaster) Forecast(horizon int) ([]float64, error) {
	if b.N == 0 {
		return nil, fmt.Errorf("baseline forecaster is not fitted")
	}
	out := make([]float64, horizon)
	for k := range out {
		out[k] = b.Last
	}
	return out, nil
}

func (b *BaselineForecaster) Residuals() []float64 { return b.Resid }
func (b *BaselineForecaster) End() time.Time       { return b.EndTime }
