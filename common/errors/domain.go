package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrModelNotFound is returned when a model artifact version does not exist.
var ErrModelNotFound = errors.New("model artifact not found")

// InsufficientDataError is returned when an entity has too few raw history
// points to compute features or train a model. It is never retried; callers
// surface it to the end user with the minimum-required count.
type InsufficientDataError struct {
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	Metric      string    `json:"metric"`
	Required    int       `json:"required"`
	Found       int       `json:"found"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s %s on %s: minimum %d points required, found %d",
		e.EntityType, e.EntityID, e.Metric, e.Required, e.Found)
}

// NoChampionError is returned by the registry when no model has been promoted
// for a scope yet. The forecasting pipeline recovers from it locally by
// falling back to the baseline forecaster; it never reaches predict callers.
type NoChampionError struct {
	ModelName    string `json:"model_name"`
	WorkspaceID  string `json:"workspace_id"`
	TargetMetric string `json:"target_metric"`
}

func (e *NoChampionError) Error() string {
	return fmt.Sprintf("no active champion for model %q (workspace=%s, target=%s)",
		e.ModelName, e.WorkspaceID, e.TargetMetric)
}

// UnstableModelError is returned when promotion is attempted on an artifact
// whose cross-validation variance exceeded the stability threshold. The
// artifact stays registered; only promotion is blocked.
type UnstableModelError struct {
	ModelName    string  `json:"model_name"`
	Version      int     `json:"version"`
	FoldVariance float64 `json:"fold_variance"`
	Threshold    float64 `json:"threshold"`
}

func (e *UnstableModelError) Error() string {
	return fmt.Sprintf("model %s v%d is unstable (fold variance %.4f exceeds threshold %.4f), promotion blocked",
		e.ModelName, e.Version, e.FoldVariance, e.Threshold)
}

// PredictionTimeoutError is returned when inference exceeded the hard bound
// even after the one retry with the baseline family.
type PredictionTimeoutError struct {
	WorkspaceID  string        `json:"workspace_id"`
	TargetMetric string        `json:"target_metric"`
	Timeout      time.Duration `json:"timeout"`
}

func (e *PredictionTimeoutError) Error() string {
	return fmt.Sprintf("prediction for workspace %s target %s exceeded %s timeout",
		e.WorkspaceID, e.TargetMetric, e.Timeout)
}

// RegistryConflictError signals a concurrent promotion race. Under correct
// per-key locking it should not reach callers; the operation is retried.
type RegistryConflictError struct {
	ModelName    string `json:"model_name"`
	WorkspaceID  string `json:"workspace_id"`
	TargetMetric string `json:"target_metric"`
}

func (e *RegistryConflictError) Error() string {
	return fmt.Sprintf("concurrent promotion detected for model %q (workspace=%s, target=%s)",
		e.ModelName, e.WorkspaceID, e.TargetMetric)
}
