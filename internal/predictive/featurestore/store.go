// =============================
// Versioned Feature Store
// =============================
// Computes named feature sets per entity from raw historical series with
// point-in-time correctness: the as_of cutoff bounds which raw data may be
// used, so training never sees the future.

package featurestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	engerrors "github.com/pulsedesk/analytics-engine/common/errors"
	"github.com/pulsedesk/analytics-engine/internal/predictive/models"
	"github.com/pulsedesk/analytics-engine/internal/storage"
)

// Well-known feature set names.
const (
	SetConsumptionTimeseries = "consumption_timeseries"
	SetBehavioral30d         = "behavioral_30d"

	EntityWorkspace = "workspace"
	EntityUser      = "user"

	// MetricCredits is the default target for consumption feature sets.
	MetricCredits = "credits_consumed"

	lookbackDays = 120
)

// SeriesReader reads raw metric history from the storage collaborator.
type SeriesReader interface {
	Series(ctx context.Context, workspaceID, metric string, from, to time.Time) ([]storage.MetricPoint, error)
}

// ActivityReader reads per-user behavioral aggregates.
type ActivityReader interface {
	UserActivity(ctx context.Context, workspaceID, userID string, from, to time.Time) ([]storage.UserActivityPoint, error)
}

// SetStore persists feature set versions.
type SetStore interface {
	Latest(ctx context.Context, entityType, entityID, name string) (*storage.FeatureSetRecord, error)
	Insert(ctx context.Context, rec *storage.FeatureSetRecord) error
}

// FeatureSet is a computed, versioned feature snapshot.
type FeatureSet struct {
	EntityType string               `json:"entity_type"`
	EntityID   string               `json:"entity_id"`
	Name       string               `json:"name"`
	Version    int                  `json:"version"`
	Scalars    map[string]float64   `json:"scalars"`
	Vectors    map[string][]float64 `json:"vectors"`
	ComputedAt time.Time            `json:"computed_at"`
	Hash       string               `json:"hash"`
}

// Series reconstructs the stored target series as model input points.
func (fs *FeatureSet) Series() []models.Point {
	values := fs.Vectors["target_values"]
	epochs := fs.Vectors["target_unix"]
	if len(values) == 0 || len(values) != len(epochs) {
		return nil
	}
	points := make([]models.Point, len(values))
	for i := range values {
		points[i] = models.Point{
			Timestamp: time.Unix(int64(epochs[i]), 0).UTC(),
			Value:     values[i],
		}
	}
	return points
}

// ComputeOptions tunes a single computation.
type ComputeOptions struct {
	// Metric overrides the target metric for timeseries sets. Empty means
	// credits_consumed for the consumption set.
	Metric string
	// WorkspaceID scopes user-entity computations to one workspace.
	WorkspaceID string
	// ReuseLatestIfUnchanged returns the latest stored version instead of
	// allocating a new one when the computed content hash is identical.
	ReuseLatestIfUnchanged bool
}

// Store computes and versions feature sets.
type Store struct {
	history    SeriesReader
	activity   ActivityReader
	sets       SetStore
	minSamples int
	logger     *zap.SugaredLogger
}

// NewStore creates a feature store. minSamples is the minimum number of
// daily points required before a timeseries feature set can be computed.
func NewStore(history SeriesReader, activity ActivityReader, sets SetStore, minSamples int, logger *zap.SugaredLogger) *Store {
	return &Store{
		history:    history,
		activity:   activity,
		sets:       sets,
		minSamples: minSamples,
		logger:     logger,
	}
}

// ComputeFeatures computes a new feature set version for the entity, using
// only raw history at or before asOf. The computation is deterministic for
// a fixed raw snapshot; identical content reuses the latest version only
// when opts.ReuseLatestIfUnchanged is set.
func (s *Store) ComputeFeatures(ctx context.Context, entityType, entityID, name string, asOf time.Time, opts ComputeOptions) (*FeatureSet, error) {
	var (
		scalars map[string]float64
		vectors map[string][]float64
		err     error
	)

	switch name {
	case SetBehavioral30d:
		scalars, err = s.computeBehavioral(ctx, entityID, asOf, opts)
		vectors = map[string][]float64{}
	default:
		scalars, vectors, err = s.computeTimeseries(ctx, entityType, entityID, asOf, opts)
	}
	if err != nil {
		return nil, err
	}

	fs := &FeatureSet{
		EntityType: entityType,
		EntityID:   entityID,
		Name:       name,
		Scalars:    scalars,
		Vectors:    vectors,
		ComputedAt: asOf,
	}
	fs.Hash = contentHash(scalars, vectors)

	if opts.ReuseLatestIfUnchanged {
		latest, err := s.sets.Latest(ctx, entityType, entityID, name)
		if err != nil {
			return nil, err
		}
		if latest != nil && latest.Hash == fs.Hash {
			s.logger.Debugw("feature set unchanged, reusing latest version",
				"entity_type", entityType, "entity_id", entityID, "set", name, "version", latest.Version)
			return decodeRecord(latest)
		}
	}

	rec, err := encodeRecord(fs)
	if err != nil {
		return nil, err
	}
	if err := s.sets.Insert(ctx, rec); err != nil {
		return nil, err
	}
	fs.Version = rec.Version

	s.logger.Infow("computed feature set",
		"entity_type", entityType, "entity_id", entityID, "set", name,
		"version", fs.Version, "features", len(scalars))
	return fs, nil
}

func (s *Store) computeTimeseries(ctx context.Context, entityType, entityID string, asOf time.Time, opts ComputeOptions) (map[string]float64, map[string][]float64, error) {
	metric := opts.Metric
	if metric == "" {
		metric = MetricCredits
	}

	from := asOf.AddDate(0, 0, -lookbackDays)
	raw, err := s.history.Series(ctx, entityID, metric, from, asOf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s history: %w", metric, err)
	}

	daily := BucketDaily(raw)
	if len(daily) < s.minSamples {
		return nil, nil, &engerrors.InsufficientDataError{
			EntityType:  entityType,
			EntityID:    entityID,
			Metric:      metric,
			Required:    s.minSamples,
			Found:       len(daily),
			WindowStart: from,
			WindowEnd:   asOf,
		}
	}

	scalars, vectors := timeseriesFeatures(daily)
	return scalars, vectors, nil
}

func (s *Store) computeBehavioral(ctx context.Context, userID string, asOf time.Time, opts ComputeOptions) (map[string]float64, error) {
	from := asOf.AddDate(0, 0, -30)
	activity, err := s.activity.UserActivity(ctx, opts.WorkspaceID, userID, from, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to read user activity: %w", err)
	}
	return behavioralFeatures(activity, asOf), nil
}

type featurePayload struct {
	Scalars map[string]float64   `json:"scalars"`
	Vectors map[string][]float64 `json:"vectors"`
}

// contentHash is a stable digest of the feature values. encoding/json
// marshals map keys in sorted order, which makes the digest deterministic.
func contentHash(scalars map[string]float64, vectors map[string][]float64) string {
	data, _ := json.Marshal(featurePayload{Scalars: scalars, Vectors: vectors})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encodeRecord(fs *FeatureSet) (*storage.FeatureSetRecord, error) {
	payload, err := json.Marshal(featurePayload{Scalars: fs.Scalars, Vectors: fs.Vectors})
	if err != nil {
		return nil, fmt.Errorf("failed to encode feature payload: %w", err)
	}
	return &storage.FeatureSetRecord{
		EntityType: fs.EntityType,
		EntityID:   fs.EntityID,
		Name:       fs.Name,
		Payload:    payload,
		Hash:       fs.Hash,
		ComputedAt: fs.ComputedAt,
	}, nil
}

func decodeRecord(rec *storage.FeatureSetRecord) (*FeatureSet, error) {
	var payload featurePayload
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode feature payload: %w", err)
	}
	return &FeatureSet{
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Name:       rec.Name,
		Version:    rec.Version,
		Scalars:    payload.Scalars,
		Vectors:    payload.Vectors,
		ComputedAt: rec.ComputedAt,
		Hash:       rec.Hash,
	}, nil
}
