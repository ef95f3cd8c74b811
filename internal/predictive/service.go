// =============================
// Predictive Analytics Service
// =============================
// Facade over the feature store, training pipeline, registry, controller,
// and forecasting engine. Owns the training worker pool, per-scope
// serialization, and async job tracking. HTTP handlers and background loops
// talk only to this type.

package predictive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	engerrors "github.com/pulsedesk/analytics-engine/common/errors"
	"github.com/pulsedesk/analytics-engine/internal/config"
	enginemetrics "github.com/pulsedesk/analytics-engine/internal/metrics"
	"github.com/pulsedesk/analytics-engine/internal/predictive/controller"
	"github.com/pulsedesk/analytics-engine/internal/predictive/featurestore"
	"github.com/pulsedesk/analytics-engine/internal/predictive/forecaster"
	"github.com/pulsedesk/analytics-engine/internal/predictive/models"
	"github.com/pulsedesk/analytics-engine/internal/predictive/registry"
	"github.com/pulsedesk/analytics-engine/internal/predictive/training"
	"github.com/pulsedesk/analytics-engine/internal/queue"
	"github.com/pulsedesk/analytics-engine/internal/storage"
)

// trainingWindowDays is the default lookback for a training run.
const trainingWindowDays = 90

// Job states.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// ErrJobNotFound is returned when a training job handle is unknown.
var ErrJobNotFound = errors.New("training job not found")

// TrainRequest asks for one on-demand training run.
type TrainRequest struct {
	Family          string             `json:"model_family"`
	TargetMetric    string             `json:"target_metric"`
	WorkspaceID     string             `json:"workspace_id"`
	Hyperparameters map[string]float64 `json:"hyperparameters"`
}

// TrainingJob is the async handle returned by TrainModel and polled through
// GetJobStatus.
type TrainingJob struct {
	ID           string     `json:"id"`
	ModelName    string     `json:"model_name"`
	Family       string     `json:"model_family"`
	TargetMetric string     `json:"target_metric"`
	WorkspaceID  string     `json:"workspace_id"`
	Status       string     `json:"status"`
	Version      int        `json:"version,omitempty"`
	Promoted     bool       `json:"promoted"`
	Error        string     `json:"error,omitempty"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// ModelVersionInfo is one registry row without the serialized payload.
type ModelVersionInfo struct {
	Version             int             `json:"version"`
	Family              string          `json:"model_family"`
	PerformanceMetrics  json.RawMessage `json:"performance_metrics,omitempty"`
	IsActive            bool            `json:"is_active"`
	Unstable            bool            `json:"unstable"`
	Archived            bool            `json:"archived"`
	TrainingWindowStart time.Time       `json:"training_window_start"`
	TrainingWindowEnd   time.Time       `json:"training_window_end"`
	CreatedAt           time.Time       `json:"created_at"`
	LastUsedAt          *time.Time      `json:"last_used_at,omitempty"`
}

// ModelStatus describes the champion and recent versions for one scope.
type ModelStatus struct {
	ModelName    string             `json:"model_name"`
	WorkspaceID  string             `json:"workspace_id"`
	TargetMetric string             `json:"target_metric"`
	Champion     *ModelVersionInfo  `json:"champion,omitempty"`
	Versions     []ModelVersionInfo `json:"versions"`
}

// Service is the engine's single entry point.
type Service struct {
	engine     *forecaster.Engine
	pipeline   *training.Pipeline
	controller *controller.Controller
	registry   *registry.Registry
	tasks      queue.TaskQueue
	cache      *forecaster.Cache
	cfg        config.PredictiveConfig
	logger     *zap.SugaredLogger

	mu       sync.Mutex
	scopes   map[string]*sync.Mutex
	inflight map[string]context.CancelFunc
	jobs     map[string]*TrainingJob
}

func NewService(
	engine *forecaster.Engine,
	pipeline *training.Pipeline,
	ctrl *controller.Controller,
	reg *registry.Registry,
	tasks queue.TaskQueue,
	cache *forecaster.Cache,
	cfg config.PredictiveConfig,
	logger *zap.SugaredLogger,
) *Service {
	return &Service{
		engine:     engine,
		pipeline:   pipeline,
		controller: ctrl,
		registry:   reg,
		tasks:      tasks,
		cache:      cache,
		cfg:        cfg,
		logger:     logger,
		scopes:     make(map[string]*sync.Mutex),
		inflight:   make(map[string]context.CancelFunc),
		jobs:       make(map[string]*TrainingJob),
	}
}

// PredictConsumption forecasts daily consumption for a workspace metric.
func (s *Service) PredictConsumption(ctx context.Context, workspaceID, metric string, horizonDays int) (*forecaster.ConsumptionForecast, error) {
	timer := prometheus.NewTimer(enginemetrics.PredictionDuration.WithLabelValues(forecaster.TypeConsumption))
	defer timer.ObserveDuration()

	out, err := s.engine.PredictConsumption(ctx, workspaceID, metric, horizonDays)
	s.observe(forecaster.TypeConsumption, err, out != nil && out.Cached, out != nil && out.ModelVersion == forecaster.BaselineVersion)
	return out, err
}

// PredictChurn scores churn risk for recently active users, optionally
// restricted to an explicit user list.
func (s *Service) PredictChurn(ctx context.Context, workspaceID string, userIDs []string) (*forecaster.ChurnReport, error) {
	timer := prometheus.NewTimer(enginemetrics.PredictionDuration.WithLabelValues("churn"))
	defer timer.ObserveDuration()

	out, err := s.engine.PredictChurn(ctx, workspaceID, userIDs)
	s.observe("churn", err, out != nil && out.Cached, out != nil && out.ModelVersion == forecaster.BaselineVersion)
	return out, err
}

// PredictGrowth projects a metric forward with scenario bands.
func (s *Service) PredictGrowth(ctx context.Context, workspaceID, metric string, horizonDays int) (*forecaster.GrowthForecast, error) {
	timer := prometheus.NewTimer(enginemetrics.PredictionDuration.WithLabelValues(forecaster.TypeGrowth))
	defer timer.ObserveDuration()

	out, err := s.engine.PredictGrowth(ctx, workspaceID, metric, horizonDays)
	s.observe(forecaster.TypeGrowth, err, out != nil && out.Cached, out != nil && out.ModelVersion == forecaster.BaselineVersion)
	return out, err
}

func (s *Service) observe(predictionType string, err error, cached, baseline bool) {
	if err != nil {
		enginemetrics.PredictionErrors.WithLabelValues(predictionType).Inc()
		return
	}
	if cached {
		enginemetrics.CacheHits.WithLabelValues(predictionType).Inc()
	}
	if baseline {
		enginemetrics.BaselineFallbacks.WithLabelValues(predictionType).Inc()
	}
}

// ComputeFeatures exposes on-demand feature computation.
func (s *Service) ComputeFeatures(ctx context.Context, entityType, entityID, name, workspaceID string) (*featurestore.FeatureSet, error) {
	return s.engine.Features().ComputeFeatures(ctx, entityType, entityID, name, time.Now().UTC(),
		featurestore.ComputeOptions{WorkspaceID: workspaceID, ReuseLatestIfUnchanged: true})
}

// TrainModel validates and enqueues an on-demand training run, returning an
// async job handle immediately. The run itself happens on a training worker.
func (s *Service) TrainModel(ctx context.Context, req TrainRequest) (*TrainingJob, error) {
	if req.Family == "" {
		req.Family = models.FamilySeasonal
	}
	if req.WorkspaceID == "" {
		return nil, fmt.Errorf("workspace_id is required")
	}

	modelName := forecaster.ModelConsumption
	if req.Family == models.FamilyGBT {
		modelName = forecaster.ModelChurn
		req.TargetMetric = "churn"
	} else if req.TargetMetric == "" {
		req.TargetMetric = featurestore.MetricCredits
	}

	// Reject bad hyperparameters at submit time, not inside the worker.
	hp, err := training.NormalizeHyperparameters(req.Family, req.Hyperparameters)
	if err != nil {
		return nil, err
	}

	job := &TrainingJob{
		ID:           uuid.NewString(),
		ModelName:    modelName,
		Family:       req.Family,
		TargetMetric: req.TargetMetric,
		WorkspaceID:  req.WorkspaceID,
		Status:       JobQueued,
		EnqueuedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	task := queue.RetrainTask{
		ModelName:       modelName,
		TargetMetric:    req.TargetMetric,
		WorkspaceID:     req.WorkspaceID,
		Family:          req.Family,
		Hyperparameters: hp,
		Reason:          "on_demand",
		JobID:           job.ID,
		RequestedAt:     job.EnqueuedAt,
	}
	if err := s.tasks.Publish(ctx, task); err != nil {
		s.updateJob(job.ID, func(j *TrainingJob) {
			j.Status = JobFailed
			j.Error = err.Error()
		})
		return nil, err
	}

	s.logger.Infow("training job enqueued",
		"job", job.ID, "model", modelName, "family", req.Family, "workspace", req.WorkspaceID)
	return s.jobSnapshot(job.ID), nil
}

// GetJobStatus returns a snapshot of one training job.
func (s *Service) GetJobStatus(jobID string) (*TrainingJob, error) {
	snap := s.jobSnapshot(jobID)
	if snap == nil {
		return nil, ErrJobNotFound
	}
	return snap, nil
}

// GetModelStatus reports the champion and recent versions for a scope.
func (s *Service) GetModelStatus(ctx context.Context, modelName, workspaceID, targetMetric string) (*ModelStatus, error) {
	rows, err := s.registry.VersionsForScope(ctx, modelName, workspaceID, targetMetric, 20)
	if err != nil {
		return nil, err
	}

	status := &ModelStatus{
		ModelName:    modelName,
		WorkspaceID:  workspaceID,
		TargetMetric: targetMetric,
		Versions:     make([]ModelVersionInfo, 0, len(rows)),
	}
	for _, row := range rows {
		info := versionInfo(row)
		if row.IsActive {
			champion := info
			status.Champion = &champion
		}
		status.Versions = append(status.Versions, info)
	}
	if len(status.Versions) == 0 {
		return nil, engerrors.ErrModelNotFound
	}
	return status, nil
}

func versionInfo(row storage.ModelArtifact) ModelVersionInfo {
	return ModelVersionInfo{
		Version:             row.Version,
		Family:              row.ModelType,
		PerformanceMetrics:  row.PerformanceMetrics,
		IsActive:            row.IsActive,
		Unstable:            row.Unstable,
		Archived:            row.Archived,
		TrainingWindowStart: row.TrainingWindowStart,
		TrainingWindowEnd:   row.TrainingWindowEnd,
		CreatedAt:           row.CreatedAt,
		LastUsedAt:          row.LastUsedAt,
	}
}

// Run starts the training workers and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.WorkerCount; i++ {
		g.Go(func() error {
			err := s.tasks.Consume(gctx, s.handleTask)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// handleTask runs one training task end to end: train, evaluate, and
// possibly promote. Runs for the same scope are serialized; a newer task
// preempts an in-flight run for its scope before taking the lock.
func (s *Service) handleTask(ctx context.Context, task queue.RetrainTask) error {
	key := scopeKey(task)
	s.preempt(key)

	lock := s.scopeLock(key)
	lock.Lock()
	defer lock.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setInflight(key, cancel)
	defer s.clearInflight(key)

	if task.JobID != "" {
		now := time.Now().UTC()
		s.updateJob(task.JobID, func(j *TrainingJob) {
			j.Status = JobRunning
			j.StartedAt = &now
		})
	}

	windowEnd := time.Now().UTC()
	spec := training.Spec{
		ModelName:       task.ModelName,
		TargetMetric:    task.TargetMetric,
		WorkspaceID:     task.WorkspaceID,
		Family:          task.Family,
		WindowStart:     windowEnd.AddDate(0, 0, -trainingWindowDays),
		WindowEnd:       windowEnd,
		Hyperparameters: task.Hyperparameters,
		JobID:           task.JobID,
	}

	start := time.Now()
	artifact, err := s.pipeline.Train(runCtx, spec)
	enginemetrics.TrainingDuration.WithLabelValues(task.Family).Observe(time.Since(start).Seconds())
	if err != nil {
		outcome := "failure"
		status := JobFailed
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			// Preempted by a newer task for the same scope.
			outcome = "cancelled"
			status = JobCancelled
		}
		enginemetrics.TrainingRuns.WithLabelValues(task.Family, outcome).Inc()
		s.finishJob(task.JobID, func(j *TrainingJob) {
			j.Status = status
			j.Error = err.Error()
		})
		return fmt.Errorf("training %s for workspace %s: %w", task.ModelName, task.WorkspaceID, err)
	}
	enginemetrics.TrainingRuns.WithLabelValues(task.Family, "success").Inc()

	promoted, err := s.controller.EvaluateChallenger(ctx, artifact)
	if err != nil {
		s.finishJob(task.JobID, func(j *TrainingJob) {
			j.Status = JobFailed
			j.Version = artifact.Version
			j.Error = err.Error()
		})
		return fmt.Errorf("evaluating challenger %s v%d: %w", artifact.ModelName, artifact.Version, err)
	}
	if promoted {
		// Serve the new champion immediately.
		s.cache.InvalidateWorkspace(context.WithoutCancel(ctx), task.WorkspaceID)
	}

	s.finishJob(task.JobID, func(j *TrainingJob) {
		j.Status = JobCompleted
		j.Version = artifact.Version
		j.Promoted = promoted
	})
	return nil
}

func scopeKey(task queue.RetrainTask) string {
	return task.ModelName + "/" + task.WorkspaceID + "/" + task.TargetMetric
}

func (s *Service) scopeLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.scopes[key]
	if !ok {
		lock = &sync.Mutex{}
		s.scopes[key] = lock
	}
	return lock
}

func (s *Service) preempt(key string) {
	s.mu.Lock()
	cancel := s.inflight[key]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Service) setInflight(key string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.inflight[key] = cancel
	s.mu.Unlock()
}

func (s *Service) clearInflight(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

func (s *Service) updateJob(jobID string, fn func(*TrainingJob)) {
	if jobID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		fn(job)
	}
}

func (s *Service) finishJob(jobID string, fn func(*TrainingJob)) {
	now := time.Now().UTC()
	s.updateJob(jobID, func(j *TrainingJob) {
		fn(j)
		j.FinishedAt = &now
	})
}

func (s *Service) jobSnapshot(jobID string) *TrainingJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	snap := *job
	return &snap
}
