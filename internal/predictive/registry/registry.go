// =============================
// Model Registry
// =============================
// Stores trained model artifacts with immutable, monotonic versions and
// maintains the single active "champion" pointer per
// (model_name, workspace, target_metric) scope. Promotion is transactional:
// there is never a window with two or zero champions once a scope has one.

package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	engerrors "github.com/pulsedesk/analytics-engine/common/errors"
	"github.com/pulsedesk/analytics-engine/internal/storage"
)

// Scope identifies one champion pointer.
type Scope struct {
	ModelName    string  `json:"model_name"`
	WorkspaceID  *string `json:"workspace_id"`
	TargetMetric string  `json:"target_metric"`
}

// Registry is the gorm-backed model artifact store.
type Registry struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

func New(db *gorm.DB, logger *zap.SugaredLogger) *Registry {
	return &Registry{db: db, logger: logger}
}

// versionAllocRetries bounds how often Register re-reads the version
// counter after losing a duplicate-key race.
const versionAllocRetries = 3

// Register stores a new artifact as an inactive challenger and returns its
// assigned version. Versions are monotonic per model name. Workspaces share
// the model name, so two training workers holding different scope locks can
// still race the MAX(version) read; the loser's insert hits the
// (model_name, version) unique index and the allocation is retried.
func (r *Registry) Register(ctx context.Context, artifact *storage.ModelArtifact) (int, error) {
	artifact.IsActive = false

	var lastErr error
	for attempt := 0; attempt < versionAllocRetries; attempt++ {
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var maxVersion int
			err := tx.Model(&storage.ModelArtifact{}).
				Where("model_name = ?", artifact.ModelName).
				Select("COALESCE(MAX(version), 0)").
				Scan(&maxVersion).Error
			if err != nil {
				return fmt.Errorf("failed to determine next model version: %w", err)
			}
			artifact.Version = maxVersion + 1
			return tx.Create(artifact).Error
		})
		if err == nil {
			r.logger.Infow("registered challenger",
				"model", artifact.ModelName, "version", artifact.Version,
				"target", artifact.TargetMetric, "unstable", artifact.Unstable)
			return artifact.Version, nil
		}
		if !isDuplicateVersion(err) {
			return 0, fmt.Errorf("failed to register model artifact: %w", err)
		}
		lastErr = err
		r.logger.Debugw("version allocation raced, retrying",
			"model", artifact.ModelName, "version", artifact.Version, "attempt", attempt+1)
	}
	return 0, fmt.Errorf("failed to allocate version for %s after %d attempts: %w",
		artifact.ModelName, versionAllocRetries, lastErr)
}

// isDuplicateVersion matches unique-index violations from the drivers that
// gorm's error translation does not cover.
func isDuplicateVersion(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}

// Get loads one artifact version.
func (r *Registry) Get(ctx context.Context, modelName string, version int) (*storage.ModelArtifact, error) {
	var artifact storage.ModelArtifact
	err := r.db.WithContext(ctx).
		Where("model_name = ? AND version = ?", modelName, version).
		First(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, engerrors.ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model artifact: %w", err)
	}
	return &artifact, nil
}

// GetActive returns the champion for a scope, or NoChampionError when no
// artifact has been promoted yet.
func (r *Registry) GetActive(ctx context.Context, scope Scope) (*storage.ModelArtifact, error) {
	var artifact storage.ModelArtifact
	err := scopeQuery(r.db.WithContext(ctx), scope).
		Where("is_active = ?", true).
		First(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &engerrors.NoChampionError{
			ModelName:    scope.ModelName,
			WorkspaceID:  derefWorkspace(scope.WorkspaceID),
			TargetMetric: scope.TargetMetric,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active model: %w", err)
	}
	return &artifact, nil
}

// Promote activates one artifact version and demotes the current champion
// of the same scope in a single transaction. Unstable artifacts are
// rejected.
func (r *Registry) Promote(ctx context.Context, modelName string, version int) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target storage.ModelArtifact
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("model_name = ? AND version = ?", modelName, version).
			First(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return engerrors.ErrModelNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load promotion target: %w", err)
		}
		if target.Unstable {
			return &engerrors.UnstableModelError{
				ModelName: modelName,
				Version:   version,
			}
		}

		scope := Scope{ModelName: target.ModelName, WorkspaceID: target.WorkspaceID, TargetMetric: target.TargetMetric}
		if err := scopeQuery(tx.Model(&storage.ModelArtifact{}), scope).
			Where("is_active = ?", true).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("failed to demote previous champion: %w", err)
		}

		if err := tx.Model(&storage.ModelArtifact{}).
			Where("model_name = ? AND version = ?", modelName, version).
			Update("is_active", true).Error; err != nil {
			return fmt.Errorf("failed to activate challenger: %w", err)
		}

		// Promotion exclusivity check before commit. Anything other than
		// exactly one active row means a concurrent promotion raced us.
		var active int64
		if err := scopeQuery(tx.Model(&storage.ModelArtifact{}), scope).
			Where("is_active = ?", true).
			Count(&active).Error; err != nil {
			return fmt.Errorf("failed to verify promotion: %w", err)
		}
		if active != 1 {
			return &engerrors.RegistryConflictError{
				ModelName:    scope.ModelName,
				WorkspaceID:  derefWorkspace(scope.WorkspaceID),
				TargetMetric: scope.TargetMetric,
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Infow("promoted champion", "model", modelName, "version", version)
	return nil
}

// Demote deactivates an artifact without promoting a replacement. The scope
// returns to the no-champion state until the next promotion.
func (r *Registry) Demote(ctx context.Context, modelName string, version int) error {
	result := r.db.WithContext(ctx).Model(&storage.ModelArtifact{}).
		Where("model_name = ? AND version = ?", modelName, version).
		Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to demote model: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return engerrors.ErrModelNotFound
	}
	r.logger.Infow("demoted model", "model", modelName, "version", version)
	return nil
}

// TouchLastUsed records that the artifact served a prediction.
func (r *Registry) TouchLastUsed(ctx context.Context, modelName string, version int) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&storage.ModelArtifact{}).
		Where("model_name = ? AND version = ?", modelName, version).
		Update("last_used_at", now).Error
}

// ListScopes returns every distinct scope that has at least one registered
// artifact. The retrain scheduler iterates these.
func (r *Registry) ListScopes(ctx context.Context) ([]Scope, error) {
	var scopes []Scope
	err := r.db.WithContext(ctx).Model(&storage.ModelArtifact{}).
		Distinct("model_name", "workspace_id", "target_metric").
		Order("model_name").
		Find(&scopes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list registry scopes: %w", err)
	}
	return scopes, nil
}

// VersionsForScope returns the most recent artifact versions for one
// workspace's model, newest first, without the serialized payloads. The
// limit applies after scoping, so a workspace's rows are never crowded out
// by other workspaces' newer registrations.
func (r *Registry) VersionsForScope(ctx context.Context, modelName, workspaceID, targetMetric string, limit int) ([]storage.ModelArtifact, error) {
	if limit <= 0 {
		limit = 10
	}
	q := r.db.WithContext(ctx).
		Select("id", "model_name", "version", "model_type", "target_metric", "workspace_id",
			"performance_metrics", "training_window_start", "training_window_end",
			"is_active", "unstable", "archived", "created_at", "last_used_at").
		Where("model_name = ? AND workspace_id = ?", modelName, workspaceID)
	if targetMetric != "" {
		q = q.Where("target_metric = ?", targetMetric)
	}

	var artifacts []storage.ModelArtifact
	err := q.Order("version DESC").Limit(limit).Find(&artifacts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list model versions: %w", err)
	}
	return artifacts, nil
}

// ArchiveBefore flags inactive artifacts created before the cutoff as
// archived. Artifacts are never deleted; prediction records keep valid
// version references for reproducibility.
func (r *Registry) ArchiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&storage.ModelArtifact{}).
		Where("is_active = ? AND archived = ? AND created_at < ?", false, false, cutoff).
		Update("archived", true)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to archive artifacts: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func scopeQuery(q *gorm.DB, scope Scope) *gorm.DB {
	q = q.Where("model_name = ? AND target_metric = ?", scope.ModelName, scope.TargetMetric)
	if scope.WorkspaceID == nil {
		return q.Where("workspace_id IS NULL")
	}
	return q.Where("workspace_id = ?", *scope.WorkspaceID)
}

func derefWorkspace(ws *string) string {
	if ws == nil {
		return "global"
	}
	return *ws
}
