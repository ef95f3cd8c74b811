package models

import (
	"fmt"
	"math"
	"sort"
)

// Stump is a depth-1 decision tree: one feature, one threshold, two leaf
// values in log-odds space.
type Stump struct {
	Feature    int     `json:"feature"`
	Threshold  float64 `json:"threshold"`
	LeftValue  float64 `json:"left_value"`
	RightValue float64 `json:"right_value"`
	Gain       float64 `json:"gain"`
}

// GBTClassifier is a gradient-boosted ensemble of stumps trained with
// logistic loss, used for churn classification. Depth-1 trees keep serving
// fast and make per-feature importance a direct sum of split gains.
type GBTClassifier struct {
	Trees        []Stump   `json:"trees"`
	Bias         float64   `json:"bias"`
	LearningRate float64   `json:"learning_rate"`
	NTrees       int       `json:"n_trees"`
	MinLeaf      int       `json:"min_leaf"`
	Importance   []float64 `json:"importance"`
	NumFeatures  int       `json:"num_features"`
}

// NewGBTClassifier constructs an unfitted classifier. Recognized params:
// "trees" (default 50), "learning_rate" (default 0.1), "min_leaf"
// (default 5).
func NewGBTClassifier(params map[string]float64) *GBTClassifier {
	c := &GBTClassifier{NTrees: 50, LearningRate: 0.1, MinLeaf: 5}
	if v, ok := params["trees"]; ok && v >= 1 {
		c.NTrees = int(v)
	}
	if v, ok := params["learning_rate"]; ok && v > 0 && v <= 1 {
		c.LearningRate = v
	}
	if v, ok := params["min_leaf"]; ok && v >= 1 {
		c.MinLeaf = int(v)
	}
	return c
}

func (c *GBTClassifier) Family() string { return FamilyGBT }

func (c *GBTClassifier) Fit(features [][]float64, labels []int) error {
	n := len(features)
	if n == 0 || n != len(labels) {
		return fmt.Errorf("gbt classifier: %d feature rows for %d labels", n, len(labels))
	}
	numFeatures := len(features[0])
	if numFeatures == 0 {
		return fmt.Errorf("gbt classifier: empty feature vectors")
	}

	var positives int
	for _, y := range labels {
		if y != 0 && y != 1 {
			return fmt.Errorf("gbt classifier: labels must be 0 or 1")
		}
		positives += y
	}
	// Degenerate single-class data still yields a usable constant model.
	prior := (float64(positives) + 0.5) / (float64(n) + 1.0)
	c.Bias = math.Log(prior / (1 - prior))
	c.NumFeatures = numFeatures
	c.Importance = make([]float64, numFeatures)
	c.Trees = c.Trees[:0]

	scores := make([]float64, n)
	for i := range scores {
		scores[i] = c.Bias
	}

	residuals := make([]float64, n)
	for t := 0; t < c.NTrees; t++ {
		for i := 0; i < n; i++ {
			residuals[i] = float64(labels[i]) - sigmoid(scores[i])
		}

		stump, ok := c.bestStump(features, residuals)
		if !ok || stump.Gain <= 1e-12 {
			break
		}
		c.Trees = append(c.Trees, stump)
		c.Importance[stump.Feature] += stump.Gain

		for i := 0; i < n; i++ {
			scores[i] += c.LearningRate * stump.apply(features[i])
		}
	}
	return nil
}

// bestStump scans every feature and candidate threshold for the split that
// most reduces squared residual error.
func (c *GBTClassifier) bestStump(features [][]float64, residuals []float64) (Stump, bool) {
	n := len(features)
	var best Stump
	found := false

	baseSSE := sse(residuals, mean(residuals))

	order := make([]int, n)
	values := make([]float64, n)
	for f := 0; f < c.NumFeatures; f++ {
		for i := 0; i < n; i++ {
			order[i] = i
			values[i] = features[i][f]
		}
		sort.Slice(order, func(a, b int) bool { return values[order[a]] < values[order[b]] })

		var leftSum float64
		totalSum := 0.0
		for _, r := range residuals {
			totalSum += r
		}

		for pos := 0; pos < n-1; pos++ {
			leftSum += residuals[order[pos]]
			// Split between distinct values only.
			if values[order[pos]] == values[order[pos+1]] {
				continue
			}
			leftCount := pos + 1
			rightCount := n - leftCount
			if leftCount < c.MinLeaf || rightCount < c.MinLeaf {
				continue
			}

			leftMean := leftSum / float64(leftCount)
			rightMean := (totalSum - leftSum) / float64(rightCount)
			splitSSE := 0.0
			for i := 0; i < n; i++ {
				m := rightMean
				if values[i] <= values[order[pos]] {
					m = leftMean
				}
				d := residuals[i] - m
				splitSSE += d * d
			}

			gain := baseSSE - splitSSE
			if !found || gain > best.Gain {
				best = Stump{
					Feature:    f,
					Threshold:  (values[order[pos]] + values[order[pos+1]]) / 2,
					LeftValue:  leftMean,
					RightValue: rightMean,
					Gain:       gain,
				}
				found = true
			}
		}
	}
	return best, found
}

func (c *GBTClassifier) PredictProba(features []float64) float64 {
	score := c.Bias
	for _, tree := range c.Trees {
		score += c.LearningRate * tree.apply(features)
	}
	return sigmoid(score)
}

// FeatureImportance returns the accumulated split gain per feature index.
func (c *GBTClassifier) FeatureImportance() []float64 { return c.Importance }

func (s Stump) apply(features []float64) float64 {
	if s.Feature < len(features) && features[s.Feature] <= s.Threshold {
		return s.LeftValue
	}
	return s.RightValue
}

func sigmoid(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) }

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func sse(xs []float64, m float64) float64 {
	var total float64
	for _, x := range xs {
		d := x - m
		total += d * d
	}
	return total
}
