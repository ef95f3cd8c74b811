package training

import "fmt"

// Fold is one walk-forward split over an ordered series. Training covers
// indices [0, TrainEnd) and validation [TrainEnd, ValEnd); validation is
// always strictly after training, never shuffled.
type Fold struct {
	TrainEnd int
	ValEnd   int
}

// WalkForwardFolds splits n ordered samples into k folds. Each fold trains
// on everything before its validation block; validation blocks tile the
// region after minTrain.
func WalkForwardFolds(n, k, minTrain int) ([]Fold, error) {
	if k < 2 {
		return nil, fmt.Errorf("walk-forward split needs at least 2 folds, got %d", k)
	}
	if minTrain < 1 {
		minTrain = 1
	}
	valLen := (n - minTrain) / k
	if valLen < 1 {
		return nil, fmt.Errorf("walk-forward split needs at least %d samples for %d folds, got %d",
			minTrain+k, k, n)
	}

	folds := make([]Fold, 0, k)
	for i := 0; i < k; i++ {
		trainEnd := minTrain + i*valLen
		valEnd := trainEnd + valLen
		if i == k-1 {
			valEnd = n
		}
		folds = append(folds, Fold{TrainEnd: trainEnd, ValEnd: valEnd})
	}
	return folds, nil
}

// GroupedWalkForwardFolds splits samples that arrive in contiguous
// same-timestamp groups (one group per snapshot cutoff). Fold boundaries
// land only on group boundaries, so no validation sample ever shares a
// timestamp with a training sample. groupSizes lists the row count of each
// group in time order; minTrain is a row count.
func GroupedWalkForwardFolds(groupSizes []int, k, minTrain int) ([]Fold, error) {
	if k < 2 {
		return nil, fmt.Errorf("walk-forward split needs at least 2 folds, got %d", k)
	}
	if minTrain < 1 {
		minTrain = 1
	}

	offsets := make([]int, len(groupSizes)+1)
	for i, size := range groupSizes {
		offsets[i+1] = offsets[i] + size
	}

	// First group boundary at or past the minimum training rows.
	trainGroups := 0
	for trainGroups < len(groupSizes) && offsets[trainGroups] < minTrain {
		trainGroups++
	}
	valGroups := (len(groupSizes) - trainGroups) / k
	if valGroups < 1 {
		return nil, fmt.Errorf("walk-forward split needs at least %d groups past %d training rows for %d folds, got %d",
			k, minTrain, k, len(groupSizes)-trainGroups)
	}

	folds := make([]Fold, 0, k)
	for i := 0; i < k; i++ {
		trainEndGroup := trainGroups + i*valGroups
		valEndGroup := trainEndGroup + valGroups
		if i == k-1 {
			valEndGroup = len(groupSizes)
		}
		folds = append(folds, Fold{TrainEnd: offsets[trainEndGroup], ValEnd: offsets[valEndGroup]})
	}
	return folds, nil
}
