// =============================
// Prediction Model Families
// =============================
// Forecasting and classification model families served by the engine:
// seasonal decomposition, linear trend, ensemble blends, gradient-boosted
// stumps for churn, and the naive baseline used when no champion exists.

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Model family identifiers. These are the values accepted by the training
// API's model_family parameter.
const (
	FamilySeasonal = "seasonal"
	FamilyLinear   = "linear"
	FamilyEnsemble = "ensemble"
	FamilyGBT      = "gbt"
	FamilyBaseline = "baseline"
)

// Point is a single observation of a daily metric series.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Forecaster is a fitted time-series model. Fit consumes an ordered daily
// series; Forecast produces one point estimate per day after the end of the
// fitted window.
type Forecaster interface {
	Fit(series []Point) error
	Forecast(horizon int) ([]float64, error)
	// Residuals returns in-sample fit errors, used for confidence interval
	// quantiles.
	Residuals() []float64
	// End returns the timestamp of the last fitted observation.
	End() time.Time
	Family() string
}

// Classifier is a fitted binary classifier over named feature vectors.
type Classifier interface {
	Fit(features [][]float64, labels []int) error
	PredictProba(features []float64) float64
	FeatureImportance() []float64
	Family() string
}

type encodedModel struct {
	Family  string          `json:"family"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeForecaster serializes a fitted forecaster for artifact storage.
func EncodeForecaster(f Forecaster) ([]byte, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s forecaster: %w", f.Family(), err)
	}
	return json.Marshal(encodedModel{Family: f.Family(), Payload: payload})
}

// DecodeForecaster restores a fitted forecaster from an artifact payload.
func DecodeForecaster(data []byte) (Forecaster, error) {
	var enc encodedModel
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("failed to decode model envelope: %w", err)
	}

	var f Forecaster
	switch enc.Family {
	case FamilySeasonal:
		f = &SeasonalForecaster{}
	case FamilyLinear:
		f = &LinearTrendForecaster{}
	case FamilyEnsemble:
		f = &EnsembleForecaster{}
	case FamilyBaseline:
		f = &BaselineForecaster{}
	default:
		return nil, fmt.Errorf("unknown forecaster family: %s", enc.Family)
	}
	if err := json.Unmarshal(enc.Payload, f); err != nil {
		return nil, fmt.Errorf("failed to decode %s forecaster: %w", enc.Family, err)
	}
	return f, nil
}

// EncodeClassifier serializes a fitted classifier for artifact storage.
func EncodeClassifier(c Classifier) ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s classifier: %w", c.Family(), err)
	}
	return json.Marshal(encodedModel{Family: c.Family(), Payload: payload})
}

// DecodeClassifier restores a fitted classifier from an artifact payload.
func DecodeClassifier(data []byte) (Classifier, error) {
	var enc encodedModel
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("failed to decode model envelope: %w", err)
	}
	switch enc.Family {
	case FamilyGBT:
		c := &GBTClassifier{}
		if err := json.Unmarshal(enc.Payload, c); err != nil {
			return nil, fmt.Errorf("failed to decode gbt classifier: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown classifier family: %s", enc.Family)
	}
}

// NewForecaster constructs an unfitted forecaster for the given family.
func NewForecaster(family string, params map[string]float64) (Forecaster, error) {
	switch family {
	case FamilySeasonal:
		return NewSeasonalForecaster(params), nil
	case FamilyLinear:
		return NewLinearTrendForecaster(params), nil
	case FamilyEnsemble:
		return NewEnsembleForecaster(params), nil
	case FamilyBaseline:
		return NewBaselineForecaster(), nil
	default:
		return nil, fmt.Errorf("unknown forecaster family: %s", family)
	}
}
