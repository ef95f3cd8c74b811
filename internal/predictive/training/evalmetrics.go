package training

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// PerformanceMetrics summarizes cross-validated model performance.
// Forecasters populate the MAPE fields; classifiers the AUC fields.
type PerformanceMetrics struct {
	MAPE         float64   `json:"mape,omitempty"`
	FoldMAPEs    []float64 `json:"fold_mapes,omitempty"`
	FoldVariance float64   `json:"fold_variance,omitempty"`
	AUC          float64   `json:"auc,omitempty"`
	FoldAUCs     []float64 `json:"fold_aucs,omitempty"`
	Precision    float64   `json:"precision,omitempty"`
	Recall       float64   `json:"recall,omitempty"`
}

// ErrorMetric returns the comparable error value used by champion
// evaluation: MAPE for forecasters, 1-AUC for classifiers.
func (m PerformanceMetrics) ErrorMetric() float64 {
	if len(m.FoldAUCs) > 0 || m.AUC > 0 {
		return 1 - m.AUC
	}
	return m.MAPE
}

// MAPE computes the mean absolute percentage error, skipping zero actuals
// to avoid division blowups on sparse series.
func MAPE(actual, predicted []float64) float64 {
	var sum float64
	var count int
	for i := range actual {
		if i >= len(predicted) {
			break
		}
		if actual[i] == 0 {
			continue
		}
		sum += math.Abs((actual[i] - predicted[i]) / actual[i])
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// FoldStability returns the mean and the coefficient of variation of
// per-fold errors. A high coefficient means performance differs wildly
// across folds and the artifact is flagged unstable.
func FoldStability(foldErrors []float64) (mean, variance, coefficient float64) {
	if len(foldErrors) == 0 {
		return 0, 0, 0
	}
	mean = stat.Mean(foldErrors, nil)
	variance = stat.Variance(foldErrors, nil)
	if mean > 0 {
		coefficient = math.Sqrt(variance) / mean
	}
	return mean, variance, coefficient
}

// AUC computes the area under the ROC curve via the rank-sum formulation,
// with tie handling through midranks.
func AUC(labels []int, scores []float64) float64 {
	n := len(labels)
	if n == 0 || n != len(scores) {
		return 0.5
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return scores[order[a]] < scores[order[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && scores[order[j+1]] == scores[order[i]] {
			j++
		}
		midrank := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[order[k]] = midrank
		}
		i = j + 1
	}

	var positives, rankSum float64
	for i, y := range labels {
		if y == 1 {
			positives++
			rankSum += ranks[i]
		}
	}
	negatives := float64(n) - positives
	if positives == 0 || negatives == 0 {
		return 0.5
	}
	return (rankSum - positives*(positives+1)/2) / (positives * negatives)
}

// PrecisionRecall evaluates the classifier at a 0.5 decision threshold.
func PrecisionRecall(labels []int, scores []float64) (precision, recall float64) {
	var tp, fp, fn float64
	for i, y := range labels {
		predicted := scores[i] >= 0.5
		switch {
		case predicted && y == 1:
			tp++
		case predicted && y == 0:
			fp++
		case !predicted && y == 1:
			fn++
		}
	}
	if tp+fp > 0 {
		precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		recall = tp / (tp + fn)
	}
	return precision, recall
}

// ReliabilityBins buckets held-out predictions into 10 equal-width
// probability bins and returns the observed positive rate per bin. Serving
// uses the curve to calibrate churn confidence bands.
func ReliabilityBins(labels []int, scores []float64) []float64 {
	const bins = 10
	sums := make([]float64, bins)
	counts := make([]float64, bins)
	for i, s := range scores {
		b := int(s * bins)
		if b >= bins {
			b = bins - 1
		}
		if b < 0 {
			b = 0
		}
		sums[b] += float64(labels[i])
		counts[b]++
	}
	curve := make([]float64, bins)
	for b := 0; b < bins; b++ {
		if counts[b] > 0 {
			curve[b] = sums[b] / counts[b]
		} else {
			// Empty bins fall back to the bin midpoint (identity
			// calibration).
			curve[b] = (float64(b) + 0.5) / bins
		}
	}
	return curve
}
