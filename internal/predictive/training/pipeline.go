// =============================
// Model Training Pipeline
// =============================
// Fits a new model version over a training window with walk-forward
// cross-validation, computes performance metrics, and registers the result
// as an inactive challenger. Promotion is the controller's decision.

package training

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	engerrors "github.com/pulsedesk/analytics-engine/common/errors"
	"github.com/pulsedesk/analytics-engine/internal/config"
	"github.com/pulsedesk/analytics-engine/internal/predictive/featurestore"
	"github.com/pulsedesk/analytics-engine/internal/predictive/models"
	"github.com/pulsedesk/analytics-engine/internal/predictive/registry"
	"github.com/pulsedesk/analytics-engine/internal/storage"
)

// UserLister enumerates users with activity, for classifier datasets.
type UserLister interface {
	ActiveUsers(ctx context.Context, workspaceID string, from, to time.Time) ([]string, error)
}

// Spec describes one training run.
type Spec struct {
	ModelName       string             `json:"model_name"`
	TargetMetric    string             `json:"target_metric"`
	WorkspaceID     string             `json:"workspace_id"`
	Family          string             `json:"family"`
	WindowStart     time.Time          `json:"window_start"`
	WindowEnd       time.Time          `json:"window_end"`
	Hyperparameters map[string]float64 `json:"hyperparameters"`
	JobID           string             `json:"job_id"`
}

// Params is the training_params payload stored on every artifact.
type Params struct {
	Family               string             `json:"family"`
	Hyperparameters      map[string]float64 `json:"hyperparameters"`
	Folds                int                `json:"folds"`
	Unstable             bool               `json:"unstable"`
	StabilityCoefficient float64            `json:"stability_coefficient"`
	StabilityThreshold   float64            `json:"stability_threshold"`
	Calibration          []float64          `json:"calibration,omitempty"`
	JobID                string             `json:"job_id,omitempty"`
}

// Pipeline trains and registers challenger models.
type Pipeline struct {
	features *featurestore.Store
	registry *registry.Registry
	activity featurestore.ActivityReader
	users    UserLister
	cfg      config.PredictiveConfig
	logger   *zap.SugaredLogger
}

func NewPipeline(
	features *featurestore.Store,
	reg *registry.Registry,
	activity featurestore.ActivityReader,
	users UserLister,
	cfg config.PredictiveConfig,
	logger *zap.SugaredLogger,
) *Pipeline {
	return &Pipeline{
		features: features,
		registry: reg,
		activity: activity,
		users:    users,
		cfg:      cfg,
		logger:   logger,
	}
}

// Train runs a full training cycle and returns the registered challenger
// artifact. Long-running; callers run it on worker capacity, never inline
// with a prediction request.
func (p *Pipeline) Train(ctx context.Context, spec Spec) (*storage.ModelArtifact, error) {
	hp, err := NormalizeHyperparameters(spec.Family, spec.Hyperparameters)
	if err != nil {
		return nil, err
	}
	spec.Hyperparameters = hp

	start := time.Now()
	var artifact *storage.ModelArtifact
	if spec.Family == models.FamilyGBT {
		artifact, err = p.trainClassifier(ctx, spec)
	} else {
		artifact, err = p.trainForecaster(ctx, spec)
	}
	if err != nil {
		return nil, err
	}

	version, err := p.registry.Register(ctx, artifact)
	if err != nil {
		return nil, err
	}
	artifact.Version = version

	p.logger.Infow("training run complete",
		"model", spec.ModelName, "family", spec.Family, "version", version,
		"workspace", spec.WorkspaceID, "duration", time.Since(start))
	return artifact, nil
}

func (p *Pipeline) trainForecaster(ctx context.Context, spec Spec) (*storage.ModelArtifact, error) {
	setName := featurestore.SetConsumptionTimeseries
	if spec.TargetMetric != featurestore.MetricCredits {
		setName = fmt.Sprintf("%s_timeseries", spec.TargetMetric)
	}

	// as_of pinned to the window end: no lookahead into post-window data.
	fs, err := p.features.ComputeFeatures(ctx, featurestore.EntityWorkspace, spec.WorkspaceID, setName, spec.WindowEnd,
		featurestore.ComputeOptions{Metric: spec.TargetMetric, ReuseLatestIfUnchanged: true})
	if err != nil {
		return nil, err
	}

	series := fs.Series()
	filtered := series[:0:0]
	for _, pt := range series {
		if !pt.Timestamp.Before(spec.WindowStart) && !pt.Timestamp.After(spec.WindowEnd) {
			filtered = append(filtered, pt)
		}
	}
	if len(filtered) < p.cfg.MinSamples {
		return nil, &engerrors.InsufficientDataError{
			EntityType:  featurestore.EntityWorkspace,
			EntityID:    spec.WorkspaceID,
			Metric:      spec.TargetMetric,
			Required:    p.cfg.MinSamples,
			Found:       len(filtered),
			WindowStart: spec.WindowStart,
			WindowEnd:   spec.WindowEnd,
		}
	}

	folds, err := WalkForwardFolds(len(filtered), p.cfg.Folds, p.cfg.MinSamples)
	if err != nil {
		return nil, err
	}

	foldMAPEs := make([]float64, len(folds))
	g, gctx := errgroup.WithContext(ctx)
	for i, fold := range folds {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f, err := models.NewForecaster(spec.Family, spec.Hyperparameters)
			if err != nil {
				return err
			}
			if err := f.Fit(filtered[:fold.TrainEnd]); err != nil {
				return fmt.Errorf("fold %d fit: %w", i, err)
			}
			predicted, err := f.Forecast(fold.ValEnd - fold.TrainEnd)
			if err != nil {
				return fmt.Errorf("fold %d forecast: %w", i, err)
			}
			actual := make([]float64, 0, fold.ValEnd-fold.TrainEnd)
			for _, pt := range filtered[fold.TrainEnd:fold.ValEnd] {
				actual = append(actual, pt.Value)
			}
			foldMAPEs[i] = MAPE(actual, predicted)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	meanMAPE, foldVariance, coefficient := FoldStability(foldMAPEs)
	unstable := coefficient > p.cfg.StabilityThreshold
	if unstable {
		p.logger.Warnw("cross-validation unstable, promotion will be blocked",
			"model", spec.ModelName, "coefficient", coefficient, "threshold", p.cfg.StabilityThreshold)
	}

	final, err := models.NewForecaster(spec.Family, spec.Hyperparameters)
	if err != nil {
		return nil, err
	}
	if err := final.Fit(filtered); err != nil {
		return nil, fmt.Errorf("final fit: %w", err)
	}
	payload, err := models.EncodeForecaster(final)
	if err != nil {
		return nil, err
	}

	metrics := PerformanceMetrics{MAPE: meanMAPE, FoldMAPEs: foldMAPEs, FoldVariance: foldVariance}
	return p.buildArtifact(spec, metrics, Params{
		Family:               spec.Family,
		Hyperparameters:      spec.Hyperparameters,
		Folds:                len(folds),
		Unstable:             unstable,
		StabilityCoefficient: coefficient,
		StabilityThreshold:   p.cfg.StabilityThreshold,
		JobID:                spec.JobID,
	}, payload, nil)
}

// classifier training builds a point-in-time labeled dataset: behavioral
// features at weekly cutoffs, labeled by whether the user went inactive in
// the 30 days after each cutoff.
func (p *Pipeline) trainClassifier(ctx context.Context, spec Spec) (*storage.ModelArtifact, error) {
	users, err := p.users.ActiveUsers(ctx, spec.WorkspaceID, spec.WindowStart, spec.WindowEnd)
	if err != nil {
		return nil, err
	}

	var features [][]float64
	var labels []int
	var groupSizes []int
	for cutoff := spec.WindowStart.AddDate(0, 0, 30); !cutoff.AddDate(0, 0, 30).After(spec.WindowEnd); cutoff = cutoff.AddDate(0, 0, 7) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		groupStart := len(features)
		for _, userID := range users {
			fs, err := p.features.ComputeFeatures(ctx, featurestore.EntityUser, userID, featurestore.SetBehavioral30d, cutoff,
				featurestore.ComputeOptions{WorkspaceID: spec.WorkspaceID, ReuseLatestIfUnchanged: true})
			if err != nil {
				return nil, err
			}
			// Snapshot only users with some observed history at the cutoff.
			if fs.Scalars["active_days"] == 0 {
				continue
			}

			label, err := p.churnLabel(ctx, spec.WorkspaceID, userID, cutoff)
			if err != nil {
				return nil, err
			}
			features = append(features, featurestore.FlattenBehavioral(fs.Scalars))
			labels = append(labels, label)
		}
		if len(features) > groupStart {
			groupSizes = append(groupSizes, len(features)-groupStart)
		}
	}

	if len(features) < p.cfg.MinSamples {
		return nil, &engerrors.InsufficientDataError{
			EntityType:  featurestore.EntityWorkspace,
			EntityID:    spec.WorkspaceID,
			Metric:      spec.TargetMetric,
			Required:    p.cfg.MinSamples,
			Found:       len(features),
			WindowStart: spec.WindowStart,
			WindowEnd:   spec.WindowEnd,
		}
	}

	// Rows within one cutoff group share a timestamp; fold boundaries must
	// not split a group or validation would overlap training in time.
	folds, err := GroupedWalkForwardFolds(groupSizes, p.cfg.Folds, p.cfg.MinSamples)
	if err != nil {
		return nil, err
	}

	foldAUCs := make([]float64, len(folds))
	foldErrors := make([]float64, len(folds))
	var oofLabels []int
	var oofScores []float64
	for i, fold := range folds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clf := models.NewGBTClassifier(spec.Hyperparameters)
		if err := clf.Fit(features[:fold.TrainEnd], labels[:fold.TrainEnd]); err != nil {
			return nil, fmt.Errorf("fold %d fit: %w", i, err)
		}
		valLabels := labels[fold.TrainEnd:fold.ValEnd]
		valScores := make([]float64, 0, fold.ValEnd-fold.TrainEnd)
		for _, row := range features[fold.TrainEnd:fold.ValEnd] {
			valScores = append(valScores, clf.PredictProba(row))
		}
		foldAUCs[i] = AUC(valLabels, valScores)
		foldErrors[i] = 1 - foldAUCs[i]
		oofLabels = append(oofLabels, valLabels...)
		oofScores = append(oofScores, valScores...)
	}

	meanErr, foldVariance, coefficient := FoldStability(foldErrors)
	unstable := coefficient > p.cfg.StabilityThreshold
	precision, recall := PrecisionRecall(oofLabels, oofScores)
	calibration := ReliabilityBins(oofLabels, oofScores)

	final := models.NewGBTClassifier(spec.Hyperparameters)
	if err := final.Fit(features, labels); err != nil {
		return nil, fmt.Errorf("final fit: %w", err)
	}
	payload, err := models.EncodeClassifier(final)
	if err != nil {
		return nil, err
	}

	importance := make(map[string]float64, len(featurestore.BehavioralFeatureNames))
	for i, gain := range final.FeatureImportance() {
		if i < len(featurestore.BehavioralFeatureNames) {
			importance[featurestore.BehavioralFeatureNames[i]] = gain
		}
	}

	metrics := PerformanceMetrics{
		AUC:          1 - meanErr,
		FoldAUCs:     foldAUCs,
		FoldVariance: foldVariance,
		Precision:    precision,
		Recall:       recall,
	}
	return p.buildArtifact(spec, metrics, Params{
		Family:               spec.Family,
		Hyperparameters:      spec.Hyperparameters,
		Folds:                len(folds),
		Unstable:             unstable,
		StabilityCoefficient: coefficient,
		StabilityThreshold:   p.cfg.StabilityThreshold,
		Calibration:          calibration,
		JobID:                spec.JobID,
	}, payload, importance)
}

// churnLabel is 1 when the user records no sessions in the 30 days after
// the cutoff.
func (p *Pipeline) churnLabel(ctx context.Context, workspaceID, userID string, cutoff time.Time) (int, error) {
	after, err := p.activity.UserActivity(ctx, workspaceID, userID, cutoff.AddDate(0, 0, 1), cutoff.AddDate(0, 0, 30))
	if err != nil {
		return 0, err
	}
	for _, a := range after {
		if a.Sessions > 0 {
			return 0, nil
		}
	}
	return 1, nil
}

func (p *Pipeline) buildArtifact(spec Spec, metrics PerformanceMetrics, params Params, payload []byte, importance map[string]float64) (*storage.ModelArtifact, error) {
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to encode performance metrics: %w", err)
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode training params: %w", err)
	}
	var importanceJSON []byte
	if importance != nil {
		if importanceJSON, err = json.Marshal(importance); err != nil {
			return nil, fmt.Errorf("failed to encode feature importance: %w", err)
		}
	}

	var workspace *string
	if spec.WorkspaceID != "" {
		ws := spec.WorkspaceID
		workspace = &ws
	}
	return &storage.ModelArtifact{
		ModelName:           spec.ModelName,
		ModelType:           spec.Family,
		TargetMetric:        spec.TargetMetric,
		WorkspaceID:         workspace,
		TrainingParams:      paramsJSON,
		PerformanceMetrics:  metricsJSON,
		FeatureImportance:   importanceJSON,
		Payload:             payload,
		TrainingWindowStart: spec.WindowStart,
		TrainingWindowEnd:   spec.WindowEnd,
		Unstable:            params.Unstable,
	}, nil
}
