package forecaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	engerrors "github.com/pulsedesk/analytics-engine/common/errors"
	"github.com/pulsedesk/analytics-engine/internal/predictive/featurestore"
	"github.com/pulsedesk/analytics-engine/internal/predictive/models"
	"github.com/pulsedesk/analytics-engine/internal/predictive/registry"
	"github.com/pulsedesk/analytics-engine/internal/predictive/training"
	"github.com/pulsedesk/analytics-engine/internal/storage"
)

// Risk level boundaries on the churn probability.
const (
	riskMedium   = 0.25
	riskHigh     = 0.50
	riskCritical = 0.75

	// churnScoringWindowDays bounds which users get scored: anyone with
	// activity this far back. Wide enough to include recently lapsed users,
	// who are exactly the ones worth flagging.
	churnScoringWindowDays = 60
)

// RiskFactor names one behavioral signal pushing a user toward churn.
type RiskFactor struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

// ChurnAssessment is one user's churn risk.
type ChurnAssessment struct {
	UserID             string       `json:"user_id"`
	Probability        float64      `json:"probability"`
	CalibratedLow      float64      `json:"calibrated_low"`
	CalibratedHigh     float64      `json:"calibrated_high"`
	RiskLevel          string       `json:"risk_level"`
	RiskFactors        []RiskFactor `json:"risk_factors"`
	RecommendedActions []string     `json:"recommended_actions"`
	DaysUntilChurn     *int         `json:"days_until_churn,omitempty"`
}

// ChurnReport is the workspace-level churn result, sorted by risk descending.
type ChurnReport struct {
	WorkspaceID  string            `json:"workspace_id"`
	ModelVersion string            `json:"model_version"`
	GeneratedAt  time.Time         `json:"generated_at"`
	Cached       bool              `json:"cached"`
	AtRiskCount  int               `json:"at_risk_count"`
	Assessments  []ChurnAssessment `json:"assessments"`
}

// Signals where higher values mean more churn risk, and the typical healthy
// value used to normalize deviations for risk factor ranking.
var riskDirections = map[string]struct {
	higherIsRisk bool
	typical      float64
}{
	"days_since_last_active": {true, 3},
	"engagement_ratio":       {false, 1},
	"sessions_per_day":       {false, 1},
	"events_per_day":         {false, 10},
	"active_mins_per_day":    {false, 15},
	"active_days":            {false, 12},
}

var factorActions = map[string]string{
	"days_since_last_active": "send a re-engagement message referencing recent workspace activity",
	"engagement_ratio":       "schedule a check-in; usage dropped over the last two weeks",
	"sessions_per_day":       "nudge with a digest of what changed since the last session",
	"events_per_day":         "suggest workflows that match the user's past usage",
	"active_mins_per_day":    "offer a walkthrough of features that shorten routine tasks",
	"active_days":            "invite the user to a recurring team ritual inside the product",
}

// PredictChurn scores recently active users in the workspace with the
// champion classifier, or the activity heuristic when no champion exists.
// A non-empty userIDs list restricts scoring to those users; filtered
// reports bypass the workspace-level cache.
func (e *Engine) PredictChurn(ctx context.Context, workspaceID string, userIDs []string) (*ChurnReport, error) {
	key := churnKey(workspaceID)
	if len(userIDs) == 0 {
		var cached ChurnReport
		if e.cache.Get(ctx, key, &cached) {
			cached.Cached = true
			return &cached, nil
		}
	}

	inferCtx, cancel := context.WithTimeout(ctx, e.cfg.PredictionTimeout)
	defer cancel()

	report, err := e.scoreChurn(inferCtx, workspaceID, userIDs, false)
	if errors.Is(err, context.DeadlineExceeded) {
		retryCtx, retryCancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PredictionTimeout)
		defer retryCancel()
		report, err = e.scoreChurn(retryCtx, workspaceID, userIDs, true)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &engerrors.PredictionTimeoutError{
				WorkspaceID:  workspaceID,
				TargetMetric: "churn",
				Timeout:      e.cfg.PredictionTimeout,
			}
		}
	}
	if err != nil {
		return nil, err
	}

	e.persistChurn(ctx, report)
	if len(userIDs) == 0 {
		e.cache.Set(ctx, key, report)
	}
	return report, nil
}

func (e *Engine) scoreChurn(ctx context.Context, workspaceID string, userIDs []string, forceBaseline bool) (*ChurnReport, error) {
	now := time.Now().UTC()
	users, err := e.users.ActiveUsers(ctx, workspaceID, now.AddDate(0, 0, -churnScoringWindowDays), now)
	if err != nil {
		return nil, err
	}
	if len(userIDs) > 0 {
		requested := make(map[string]bool, len(userIDs))
		for _, id := range userIDs {
			requested[id] = true
		}
		filtered := users[:0:0]
		for _, id := range users {
			if requested[id] {
				filtered = append(filtered, id)
			}
		}
		users = filtered
	}

	clf, importance, calibration, modelVersion := e.loadClassifier(ctx, workspaceID, forceBaseline)

	report := &ChurnReport{
		WorkspaceID:  workspaceID,
		ModelVersion: modelVersion,
		GeneratedAt:  now,
		Assessments:  make([]ChurnAssessment, 0, len(users)),
	}

	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fs, err := e.features.ComputeFeatures(ctx, featurestore.EntityUser, userID, featurestore.SetBehavioral30d, now,
			featurestore.ComputeOptions{WorkspaceID: workspaceID, ReuseLatestIfUnchanged: true})
		if err != nil {
			return nil, err
		}

		var p float64
		if clf != nil {
			p = clf.PredictProba(featurestore.FlattenBehavioral(fs.Scalars))
		} else {
			p = heuristicChurnProbability(fs.Scalars)
		}

		low, high := calibrationBand(p, calibration)
		assessment := ChurnAssessment{
			UserID:         userID,
			Probability:    p,
			CalibratedLow:  low,
			CalibratedHigh: high,
			RiskLevel:      riskLevel(p),
			RiskFactors:    rankRiskFactors(fs.Scalars, importance),
		}
		for _, factor := range assessment.RiskFactors {
			if action, ok := factorActions[factor.Feature]; ok {
				assessment.RecommendedActions = append(assessment.RecommendedActions, action)
			}
		}
		if p >= riskHigh {
			days := int(math.Round((1 - p) * 60))
			if days < 1 {
				days = 1
			}
			assessment.DaysUntilChurn = &days
		}
		report.Assessments = append(report.Assessments, assessment)
	}

	sort.SliceStable(report.Assessments, func(i, j int) bool {
		return report.Assessments[i].Probability > report.Assessments[j].Probability
	})
	for _, a := range report.Assessments {
		if a.Probability >= riskHigh {
			report.AtRiskCount++
		}
	}
	return report, nil
}

// loadClassifier returns the champion churn classifier with its feature
// importance and calibration curve, or nils when the heuristic should serve.
func (e *Engine) loadClassifier(ctx context.Context, workspaceID string, forceBaseline bool) (models.Classifier, map[string]float64, []float64, string) {
	if forceBaseline {
		return nil, nil, nil, BaselineVersion
	}

	scope := registry.Scope{ModelName: ModelChurn, WorkspaceID: &workspaceID, TargetMetric: "churn"}
	champion, err := e.registry.GetActive(ctx, scope)
	if err != nil {
		var noChampion *engerrors.NoChampionError
		if !errors.As(err, &noChampion) {
			e.logger.Errorw("failed to load churn champion, serving heuristic",
				"workspace", workspaceID, "error", err)
		}
		return nil, nil, nil, BaselineVersion
	}

	clf, err := models.DecodeClassifier(champion.Payload)
	if err != nil {
		e.logger.Errorw("churn champion payload failed to decode, serving heuristic",
			"model", champion.ModelName, "version", champion.Version, "error", err)
		return nil, nil, nil, BaselineVersion
	}

	var importance map[string]float64
	if len(champion.FeatureImportance) > 0 {
		if err := json.Unmarshal(champion.FeatureImportance, &importance); err != nil {
			e.logger.Warnw("failed to decode feature importance", "error", err)
		}
	}
	var params training.Params
	if err := json.Unmarshal(champion.TrainingParams, &params); err != nil {
		e.logger.Warnw("failed to decode training params", "error", err)
	}
	if err := e.registry.TouchLastUsed(ctx, champion.ModelName, champion.Version); err != nil {
		e.logger.Debugw("failed to touch last_used_at", "error", err)
	}

	return clf, importance, params.Calibration, fmt.Sprintf("%s-v%d", champion.ModelName, champion.Version)
}

// heuristicChurnProbability approximates risk without a model: weight recency
// of activity and the engagement trend.
func heuristicChurnProbability(scalars map[string]float64) float64 {
	recency := scalars["days_since_last_active"] / 30
	if recency > 1 {
		recency = 1
	}
	engagement := scalars["engagement_ratio"]
	if engagement > 1 {
		engagement = 1
	}
	p := 0.6*recency + 0.4*(1-engagement)
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return p
}

// calibrationBand maps a raw score to the interval between the score and the
// observed churn rate of its reliability bin. A well calibrated model yields
// a tight band; miscalibration shows up as width.
func calibrationBand(p float64, bins []float64) (float64, float64) {
	if len(bins) == 0 {
		return p, p
	}
	idx := int(p * float64(len(bins)))
	if idx >= len(bins) {
		idx = len(bins) - 1
	}
	observed := bins[idx]
	return math.Min(p, observed), math.Max(p, observed)
}

func riskLevel(p float64) string {
	switch {
	case p >= riskCritical:
		return "critical"
	case p >= riskHigh:
		return "high"
	case p >= riskMedium:
		return "medium"
	default:
		return "low"
	}
}

// rankRiskFactors scores each behavioral signal by how far it deviates in
// the risky direction, weighted by model importance, and keeps the top three.
func rankRiskFactors(scalars, importance map[string]float64) []RiskFactor {
	factors := make([]RiskFactor, 0, len(riskDirections))
	for _, name := range featurestore.BehavioralFeatureNames {
		dir, ok := riskDirections[name]
		if !ok || dir.typical == 0 {
			continue
		}
		value := scalars[name]
		var deviation float64
		if dir.higherIsRisk {
			deviation = (value - dir.typical) / dir.typical
		} else {
			deviation = (dir.typical - value) / dir.typical
		}
		if deviation <= 0 {
			continue
		}
		weight := 1.0
		if importance != nil {
			weight = importance[name]
		}
		contribution := deviation * weight
		if contribution <= 0 {
			continue
		}
		factors = append(factors, RiskFactor{Feature: name, Value: value, Contribution: contribution})
	}

	sort.SliceStable(factors, func(i, j int) bool { return factors[i].Contribution > factors[j].Contribution })
	if len(factors) > 3 {
		factors = factors[:3]
	}
	return factors
}

func (e *Engine) persistChurn(ctx context.Context, report *ChurnReport) {
	now := time.Now().UTC()
	today := now.Truncate(24 * time.Hour)
	records := make([]storage.ChurnPredictionRecord, 0, len(report.Assessments))
	for _, a := range report.Assessments {
		factorsJSON, err := json.Marshal(a.RiskFactors)
		if err != nil {
			e.logger.Warnw("failed to encode risk factors", "user", a.UserID, "error", err)
			continue
		}
		actionsJSON, err := json.Marshal(a.RecommendedActions)
		if err != nil {
			e.logger.Warnw("failed to encode recommended actions", "user", a.UserID, "error", err)
			continue
		}
		records = append(records, storage.ChurnPredictionRecord{
			WorkspaceID:        report.WorkspaceID,
			UserID:             a.UserID,
			PredictionDate:     today,
			ChurnProbability:   a.Probability,
			RiskScore:          a.Probability * 100,
			RiskFactors:        factorsJSON,
			RecommendedActions: actionsJSON,
			DaysUntilChurn:     a.DaysUntilChurn,
			ModelVersion:       report.ModelVersion,
			CreatedAt:          now,
		})
	}
	if err := e.predictions.UpsertChurn(context.WithoutCancel(ctx), records); err != nil {
		e.logger.Errorw("failed to persist churn predictions",
			"workspace", report.WorkspaceID, "error", err)
	}
}
