package models

import (
	"fmt"
	"time"
)

// EnsembleForecaster blends the seasonal and linear-trend families with
// inverse mean-squared-error weights computed on the fitted window. Scopes
// with noisy seasonality tend to land here after champion evaluation.
type EnsembleForecaster struct {
	Seasonal *SeasonalForecaster    `json:"seasonal"`
	Linear   *LinearTrendForecaster `json:"linear"`
	Weights  [2]float64             `json:"weights"`
	Resid    []float64              `json:"resid"`
	N        int                    `json:"n"`
	EndTime  time.Time              `json:"end_time"`
}

// NewEnsembleForecaster constructs an unfitted ensemble. Params are passed
// through to the member families ("period", "alpha").
func NewEnsembleForecaster(params map[string]float64) *EnsembleForecaster {
	return &EnsembleForecaster{
		Seasonal: NewSeasonalForecaster(params),
		Linear:   NewLinearTrendForecaster(params),
	}
}

func (e *EnsembleForecaster) Family() string { return FamilyEnsemble }

func (e *EnsembleForecaster) Fit(series []Point) error {
	if err := e.Seasonal.Fit(series); err != nil {
		return fmt.Errorf("ensemble seasonal member: %w", err)
	}
	if err := e.Linear.Fit(series); err != nil {
		return fmt.Errorf("ensemble linear member: %w", err)
	}

	seasonalMSE := meanSquared(e.Seasonal.Residuals())
	linearMSE := meanSquared(e.Linear.Residuals())

	// Inverse-error weighting; equal weights when both members fit
	// perfectly.
	const eps = 1e-9
	wSeasonal := 1.0 / (seasonalMSE + eps)
	wLinear := 1.0 / (linearMSE + eps)
	total := wSeasonal + wLinear
	e.Weights = [2]float64{wSeasonal / total, wLinear / total}

	// Blended in-sample residuals. The linear member has one fewer
	// residual (one-step fits start at index 1), so align on the tail.
	sRes := e.Seasonal.Residuals()
	lRes := e.Linear.Residuals()
	n := len(lRes)
	e.Resid = make([]float64, n)
	for i := 0; i < n; i++ {
		e.Resid[i] = e.Weights[0]*sRes[len(sRes)-n+i] + e.Weights[1]*lRes[i]
	}

	e.N = len(series)
	e.EndTime = series[len(series)-1].Timestamp
	return nil
}

func (e *EnsembleForecaster) Forecast(horizon int) ([]float64, error) {
	if e.N == 0 {
		return nil, fmt.Errorf("ensemble forecaster is not fitted")
	}
	seasonal, err := e.Seasonal.Forecast(horizon)
	if err != nil {
		return nil, err
	}
	linear, err := e.Linear.Forecast(horizon)
	if err != nil {
		return nil, err
	}
	out := make([]float64, horizon)
	for i := range out {
		out[i] = e.Weights[0]*seasonal[i] + e.Weights[1]*linear[i]
	}
	return out, nil
}

func (e *EnsembleForecaster) Residuals() []float64 { return e.Resid }
func (e *EnsembleForecaster) End() time.Time       { return e.EndTime }

func meanSquared(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x * x
	}
	return sum / float64(len(xs))
}
