package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FeatureSetRepo persists versioned feature sets.
type FeatureSetRepo struct {
	db *gorm.DB
}

func NewFeatureSetRepo(db *gorm.DB) *FeatureSetRepo {
	return &FeatureSetRepo{db: db}
}

// Latest returns the highest-version feature set for the key, or nil when
// none has been computed yet.
func (r *FeatureSetRepo) Latest(ctx context.Context, entityType, entityID, name string) (*FeatureSetRecord, error) {
	var rec FeatureSetRecord
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND name = ?", entityType, entityID, name).
		Order("version DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest feature set: %w", err)
	}
	return &rec, nil
}

// Insert writes a new feature set version. The version number is assigned
// inside the transaction so concurrent computations for the same key never
// collide on a version.
func (r *FeatureSetRepo) Insert(ctx context.Context, rec *FeatureSetRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		err := tx.Model(&FeatureSetRecord{}).
			Where("entity_type = ? AND entity_id = ? AND name = ?", rec.EntityType, rec.EntityID, rec.Name).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error
		if err != nil {
			return fmt.Errorf("failed to determine next feature set version: %w", err)
		}
		rec.Version = maxVersion + 1
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to insert feature set: %w", err)
		}
		return nil
	})
}

// PredictionRepo persists forecast and churn results with upsert semantics.
type PredictionRepo struct {
	db *gorm.DB
}

func NewPredictionRepo(db *gorm.DB) *PredictionRepo {
	return &PredictionRepo{db: db}
}

// UpsertPredictions writes forecast rows, overwriting any existing row with
// the same (workspace, prediction_type, target_metric, date) key.
func (r *PredictionRepo) UpsertPredictions(ctx context.Context, records []PredictionRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "workspace_id"}, {Name: "prediction_type"},
			{Name: "target_metric"}, {Name: "prediction_date"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"predicted_value", "confidence_lower", "confidence_upper",
			"confidence_level", "model_version", "created_at",
		}),
	}).Create(&records).Error
	if err != nil {
		return fmt.Errorf("failed to upsert predictions: %w", err)
	}
	return nil
}

// UpsertChurn writes churn assessments keyed by (workspace, user, date).
func (r *PredictionRepo) UpsertChurn(ctx context.Context, records []ChurnPredictionRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "workspace_id"}, {Name: "user_id"}, {Name: "prediction_date"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"churn_probability", "risk_score", "risk_factors",
			"recommended_actions", "days_until_churn", "model_version", "created_at",
		}),
	}).Create(&records).Error
	if err != nil {
		return fmt.Errorf("failed to upsert churn predictions: %w", err)
	}
	return nil
}

// PredictionsBetween returns stored forecasts in [from, to], ordered by
// prediction date. Used by drift detection to compare against realized
// actuals.
func (r *PredictionRepo) PredictionsBetween(ctx context.Context, workspaceID, predictionType, targetMetric string, from, to time.Time) ([]PredictionRecord, error) {
	var records []PredictionRecord
	err := r.db.WithContext(ctx).
		Where("workspace_id = ? AND prediction_type = ? AND target_metric = ?", workspaceID, predictionType, targetMetric).
		Where("prediction_date BETWEEN ? AND ?", from, to).
		Order("prediction_date ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load predictions: %w", err)
	}
	return records, nil
}

// HistoryRepo reads the raw historical series owned by the ingestion
// collaborator.
type HistoryRepo struct {
	db *gorm.DB
}

func NewHistoryRepo(db *gorm.DB) *HistoryRepo {
	return &HistoryRepo{db: db}
}

// Series returns the metric samples in [from, to] ordered by timestamp,
// converted to float64 for feature computation.
func (r *HistoryRepo) Series(ctx context.Context, workspaceID, metric string, from, to time.Time) ([]MetricPoint, error) {
	var rows []UsagePoint
	err := r.db.WithContext(ctx).
		Where("workspace_id = ? AND metric = ?", workspaceID, metric).
		Where("timestamp BETWEEN ? AND ?", from, to).
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load %s series: %w", metric, err)
	}

	points := make([]MetricPoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, MetricPoint{
			Timestamp: row.Timestamp,
			Value:     row.Value.InexactFloat64(),
		})
	}
	return points, nil
}

// UserActivity returns the behavioral aggregates for one user in [from, to].
func (r *HistoryRepo) UserActivity(ctx context.Context, workspaceID, userID string, from, to time.Time) ([]UserActivityPoint, error) {
	var rows []UserActivityPoint
	err := r.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Where("date BETWEEN ? AND ?", from, to).
		Order("date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load user activity: %w", err)
	}
	return rows, nil
}

// ActiveUsers lists the users with any recorded activity in [from, to].
func (r *HistoryRepo) ActiveUsers(ctx context.Context, workspaceID string, from, to time.Time) ([]string, error) {
	var userIDs []string
	err := r.db.WithContext(ctx).Model(&UserActivityPoint{}).
		Where("workspace_id = ? AND date BETWEEN ? AND ?", workspaceID, from, to).
		Distinct("user_id").
		Order("user_id").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	return userIDs, nil
}
