package training

import (
	"fmt"

	"github.com/pulsedesk/analytics-engine/internal/predictive/models"
)

// Per-family hyperparameter structs with named, validated fields and
// documented defaults. Unknown keys are rejected at construction time
// rather than silently ignored.

// SeasonalParams configures the seasonal decomposition forecaster.
type SeasonalParams struct {
	// Period is the seasonality length in days. Default 7 (weekly).
	Period int
}

func (p SeasonalParams) validate() error {
	if p.Period < 2 {
		return fmt.Errorf("seasonal period must be >= 2, got %d", p.Period)
	}
	return nil
}

// LinearParams configures the linear-trend forecaster.
type LinearParams struct {
	// Alpha is the EWMA smoothing factor in (0,1]. Default 0.3.
	Alpha float64
}

func (p LinearParams) validate() error {
	if p.Alpha <= 0 || p.Alpha > 1 {
		return fmt.Errorf("alpha must be in (0,1], got %g", p.Alpha)
	}
	return nil
}

// EnsembleParams configures the blended forecaster; both member families
// read their own fields.
type EnsembleParams struct {
	Period int
	Alpha  float64
}

func (p EnsembleParams) validate() error {
	if err := (SeasonalParams{Period: p.Period}).validate(); err != nil {
		return err
	}
	return (LinearParams{Alpha: p.Alpha}).validate()
}

// GBTParams configures the gradient-boosted stump classifier.
type GBTParams struct {
	// Trees is the boosting round count. Default 50.
	Trees int
	// LearningRate shrinks each tree's contribution. Default 0.1.
	LearningRate float64
	// MinLeaf is the minimum samples per leaf. Default 5.
	MinLeaf int
}

func (p GBTParams) validate() error {
	if p.Trees < 1 {
		return fmt.Errorf("trees must be >= 1, got %d", p.Trees)
	}
	if p.LearningRate <= 0 || p.LearningRate > 1 {
		return fmt.Errorf("learning_rate must be in (0,1], got %g", p.LearningRate)
	}
	if p.MinLeaf < 1 {
		return fmt.Errorf("min_leaf must be >= 1, got %d", p.MinLeaf)
	}
	return nil
}

var allowedKeys = map[string]map[string]bool{
	models.FamilySeasonal: {"period": true},
	models.FamilyLinear:   {"alpha": true},
	models.FamilyEnsemble: {"period": true, "alpha": true},
	models.FamilyGBT:      {"trees": true, "learning_rate": true, "min_leaf": true},
}

// NormalizeHyperparameters validates raw caller-supplied hyperparameters
// against the family's named fields, applies defaults, and rejects unknown
// keys.
func NormalizeHyperparameters(family string, raw map[string]float64) (map[string]float64, error) {
	allowed, ok := allowedKeys[family]
	if !ok {
		return nil, fmt.Errorf("unknown model family: %s", family)
	}
	for key := range raw {
		if !allowed[key] {
			return nil, fmt.Errorf("unknown hyperparameter %q for family %s", key, family)
		}
	}

	get := func(key string, def float64) float64 {
		if v, ok := raw[key]; ok {
			return v
		}
		return def
	}

	out := make(map[string]float64)
	switch family {
	case models.FamilySeasonal:
		p := SeasonalParams{Period: int(get("period", 7))}
		if err := p.validate(); err != nil {
			return nil, err
		}
		out["period"] = float64(p.Period)
	case models.FamilyLinear:
		p := LinearParams{Alpha: get("alpha", 0.3)}
		if err := p.validate(); err != nil {
			return nil, err
		}
		out["alpha"] = p.Alpha
	case models.FamilyEnsemble:
		p := EnsembleParams{Period: int(get("period", 7)), Alpha: get("alpha", 0.3)}
		if err := p.validate(); err != nil {
			return nil, err
		}
		out["period"] = float64(p.Period)
		out["alpha"] = p.Alpha
	case models.FamilyGBT:
		p := GBTParams{
			Trees:        int(get("trees", 50)),
			LearningRate: get("learning_rate", 0.1),
			MinLeaf:      int(get("min_leaf", 5)),
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		out["trees"] = float64(p.Trees)
		out["learning_rate"] = p.LearningRate
		out["min_leaf"] = float64(p.MinLeaf)
	}
	return out, nil
}
