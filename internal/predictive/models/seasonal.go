package models

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"
)

// SeasonalForecaster fits an additive decomposition: a linear trend plus a
// repeating seasonal index (weekly by default for daily series). Residuals
// after removing trend and seasonality drive the confidence intervals.
type SeasonalForecaster struct {
	Period    int       `json:"period"`
	Intercept float64   `json:"intercept"`
	Slope     float64   `json:"slope"`
	Seasonal  []float64 `json:"seasonal"`
	Resid     []float64 `json:"resid"`
	N         int       `json:"n"`
	EndTime   time.Time `json:"end_time"`
}

// NewSeasonalForecaster constructs an unfitted seasonal forecaster.
// Recognized params: "period" (default 7).
func NewSeasonalForecaster(params map[string]float64) *SeasonalForecaster {
	period := 7
	if p, ok := params["period"]; ok && p >= 2 {
		period = int(p)
	}
	return &SeasonalForecaster{Period: period}
}

func (s *SeasonalForecaster) Family() string { return FamilySeasonal }

func (s *SeasonalForecaster) Fit(series []Point) error {
	if len(series) < 2*s.Period {
		return fmt.Errorf("seasonal forecaster needs at least %d points, got %d", 2*s.Period, len(series))
	}

	n := len(series)
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, p := range series {
		xs[i] = float64(i)
		ys[i] = p.Value
	}
	s.Intercept, s.Slope = stat.LinearRegression(xs, ys, nil, false)

	// Seasonal index per phase, averaged over detrended values.
	sums := make([]float64, s.Period)
	counts := make([]int, s.Period)
	for i := 0; i < n; i++ {
		detrended := ys[i] - (s.Intercept + s.Slope*xs[i])
		sums[i%s.Period] += detrended
		counts[i%s.Period]++
	}
	s.Seasonal = make([]float64, s.Period)
	for j := 0; j < s.Period; j++ {
		if counts[j] > 0 {
			s.Seasonal[j] = sums[j] / float64(counts[j])
		}
	}

	s.Resid = make([]float64, n)
	for i := 0; i < n; i++ {
		fitted := s.Intercept + s.Slope*xs[i] + s.Seasonal[i%s.Period]
		s.Resid[i] = ys[i] - fitted
	}
	s.N = n
	s.EndTime = series[n-1].Timestamp
	return nil
}

func (s *SeasonalForecaster) Forecast(horizon int) ([]float64, error) {
	if s.N == 0 {
		return nil, fmt.Errorf("seasonal forecaster is not fitted")
	}
	out := make([]float64, horizon)
	for k := 1; k <= horizon; k++ {
		i := s.N - 1 + k
		out[k-1] = s.Intercept + s.Slope*float64(i) + s.Seasonal[i%s.Period]
	}
	return out, nil
}

func (s *SeasonalForecaster) Residuals() []float64 { return s.Resid }
func (s *SeasonalForecaster) End() time.Time       { return s.EndTime }
