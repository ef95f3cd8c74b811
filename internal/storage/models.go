package storage

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FeatureSetRecord is an immutable, versioned snapshot of computed features
// for one entity. New computations always insert a new version; rows are
// never updated in place.
type FeatureSetRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	EntityType string    `gorm:"size:32;not null;uniqueIndex:ux_feature_set,priority:1" json:"entity_type"`
	EntityID   string    `gorm:"size:64;not null;uniqueIndex:ux_feature_set,priority:2" json:"entity_id"`
	Name       string    `gorm:"size:64;not null;uniqueIndex:ux_feature_set,priority:3" json:"name"`
	Version    int       `gorm:"not null;uniqueIndex:ux_feature_set,priority:4" json:"version"`
	Payload    []byte    `gorm:"not null" json:"payload"`
	Hash       string    `gorm:"size:64;index" json:"hash"`
	ComputedAt time.Time `gorm:"not null" json:"computed_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// ModelArtifact is a trained model version. Versions are monotonic per
// model name and never deleted; superseded artifacts are archived after a
// retention horizon. At most one artifact is active per
// (model_name, workspace_id, target_metric) scope.
type ModelArtifact struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	ModelName           string     `gorm:"size:64;not null;uniqueIndex:ux_model_version,priority:1" json:"model_name"`
	Version             int        `gorm:"not null;uniqueIndex:ux_model_version,priority:2" json:"version"`
	ModelType           string     `gorm:"size:32;not null" json:"model_type"`
	TargetMetric        string     `gorm:"size:64;not null;index" json:"target_metric"`
	WorkspaceID         *string    `gorm:"size:64;index" json:"workspace_id"` // nil = global scope
	TrainingParams      []byte     `json:"training_params"`
	PerformanceMetrics  []byte     `json:"performance_metrics"`
	FeatureImportance   []byte     `json:"feature_importance"`
	Payload             []byte     `json:"payload"` // serialized fitted model state
	TrainingWindowStart time.Time  `json:"training_window_start"`
	TrainingWindowEnd   time.Time  `json:"training_window_end"`
	IsActive            bool       `gorm:"not null;default:false;index" json:"is_active"`
	Unstable            bool       `gorm:"not null;default:false" json:"unstable"`
	Archived            bool       `gorm:"not null;default:false" json:"archived"`
	CreatedAt           time.Time  `json:"created_at"`
	LastUsedAt          *time.Time `json:"last_used_at"`
}

// PredictionRecord is one forecast point. The composite key gives upsert
// semantics: re-running a forecast overwrites rather than duplicates.
type PredictionRecord struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID     string    `gorm:"size:64;not null;uniqueIndex:ux_prediction,priority:1" json:"workspace_id"`
	PredictionType  string    `gorm:"size:32;not null;uniqueIndex:ux_prediction,priority:2" json:"prediction_type"`
	TargetMetric    string    `gorm:"size:64;not null;uniqueIndex:ux_prediction,priority:3" json:"target_metric"`
	PredictionDate  time.Time `gorm:"not null;uniqueIndex:ux_prediction,priority:4" json:"prediction_date"`
	PredictedValue  float64   `gorm:"not null" json:"predicted_value"`
	ConfidenceLower float64   `gorm:"not null" json:"confidence_lower"`
	ConfidenceUpper float64   `gorm:"not null" json:"confidence_upper"`
	ConfidenceLevel float64   `gorm:"not null;default:0.95" json:"confidence_level"`
	ModelVersion    string    `gorm:"size:96;not null" json:"model_version"`
	CreatedAt       time.Time `json:"created_at"`
}

// ChurnPredictionRecord is a per-user churn risk assessment, upserted per
// (workspace, user, date).
type ChurnPredictionRecord struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID        string    `gorm:"size:64;not null;uniqueIndex:ux_churn,priority:1" json:"workspace_id"`
	UserID             string    `gorm:"size:64;not null;uniqueIndex:ux_churn,priority:2" json:"user_id"`
	PredictionDate     time.Time `gorm:"not null;uniqueIndex:ux_churn,priority:3" json:"prediction_date"`
	ChurnProbability   float64   `gorm:"not null" json:"churn_probability"`
	RiskScore          float64   `gorm:"not null" json:"risk_score"`
	RiskFactors        []byte    `json:"risk_factors"`
	RecommendedActions []byte    `json:"recommended_actions"`
	DaysUntilChurn     *int      `json:"days_until_churn"`
	ModelVersion       string    `gorm:"size:96;not null" json:"model_version"`
	CreatedAt          time.Time `json:"created_at"`
}

// UsagePoint is a raw historical metric sample. The table is populated by
// the ingestion collaborator; the engine only reads it. Credit amounts are
// stored exact and converted to float64 at the feature boundary.
type UsagePoint struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	WorkspaceID string          `gorm:"size:64;not null;index:idx_usage_series,priority:1" json:"workspace_id"`
	Metric      string          `gorm:"size:64;not null;index:idx_usage_series,priority:2" json:"metric"`
	Timestamp   time.Time       `gorm:"not null;index:idx_usage_series,priority:3" json:"timestamp"`
	Value       decimal.Decimal `gorm:"type:numeric(24,8);not null" json:"value"`
}

// UserActivityPoint is a per-user daily behavioral aggregate, also owned by
// the ingestion collaborator.
type UserActivityPoint struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID   string    `gorm:"size:64;not null;index:idx_activity,priority:1" json:"workspace_id"`
	UserID        string    `gorm:"size:64;not null;index:idx_activity,priority:2" json:"user_id"`
	Date          time.Time `gorm:"not null;index:idx_activity,priority:3" json:"date"`
	Sessions      int       `gorm:"not null" json:"sessions"`
	Events        int       `gorm:"not null" json:"events"`
	ActiveMinutes float64   `gorm:"not null" json:"active_minutes"`
}

// MetricPoint is the float view of a raw series sample handed to feature
// computation and model fitting.
type MetricPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// AutoMigrate creates the engine-owned tables plus the collaborator tables
// needed for local development and tests.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&FeatureSetRecord{},
		&ModelArtifact{},
		&PredictionRecord{},
		&ChurnPredictionRecord{},
		&UsagePoint{},
		&UserActivityPoint{},
	)
}
