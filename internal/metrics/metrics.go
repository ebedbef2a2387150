// Package metrics computes host-side classification metrics from raw logits.
// Ranking logits is monotonic under softmax, so all metrics work directly on
// logits without normalizing them first.
package metrics

import (
	"github.com/protml/protmotion/internal/generics"
)

// Accuracy is the fraction of predictions whose top logit matches the label.
// Ties resolve to the lowest class index. Empty input yields zero.
func Accuracy(labels []int32, logits [][]float32) float32 {
	if len(labels) == 0 {
		return 0
	}
	var hits int
	for ii, row := range logits {
		if int32(generics.ArgMax(row)) == labels[ii] {
			hits++
		}
	}
	return float32(hits) / float32(len(labels))
}

// TopKAccuracy is the fraction of predictions whose label ranks within the k
// highest logits. Classes with logits strictly greater than the label's count
// against it, so ties favor the label. k >= numClasses yields 1 for any valid
// labels.
func TopKAccuracy(labels []int32, logits [][]float32, k int) float32 {
	if len(labels) == 0 || k <= 0 {
		return 0
	}
	var hits int
	for ii, row := range logits {
		label := labels[ii]
		if label < 0 || int(label) >= len(row) {
			continue
		}
		rank := 0
		for _, v := range row {
			if v > row[label] {
				rank++
			}
		}
		if rank < k {
			hits++
		}
	}
	return float32(hits) / float32(len(labels))
}

// PrecisionRecallF1 bundles the macro-averaged precision, recall and F1 score.
type PrecisionRecallF1 struct {
	Precision float32
	Recall    float32
	F1        float32
}

// MacroPrecisionRecallF1 computes per-class precision, recall and F1 from the
// confusion counts and macro-averages each over all numClasses classes,
// including classes absent from the batch, which contribute zero. F1 is the
// mean of the per-class F1 scores, not the harmonic mean of the macro
// precision and recall.
func MacroPrecisionRecallF1(labels []int32, logits [][]float32, numClasses int) PrecisionRecallF1 {
	if numClasses <= 0 || len(labels) == 0 {
		return PrecisionRecallF1{}
	}
	truePos := make([]int, numClasses)
	falsePos := make([]int, numClasses)
	falseNeg := make([]int, numClasses)
	for ii, row := range logits {
		pred := int32(generics.ArgMax(row))
		label := labels[ii]
		if pred == label {
			truePos[pred]++
			continue
		}
		falsePos[pred]++
		if label >= 0 && int(label) < numClasses {
			falseNeg[label]++
		}
	}
	var precisionSum, recallSum, f1Sum float32
	for class := 0; class < numClasses; class++ {
		var precision, recall float32
		if denom := truePos[class] + falsePos[class]; denom > 0 {
			precision = float32(truePos[class]) / float32(denom)
		}
		if denom := truePos[class] + falseNeg[class]; denom > 0 {
			recall = float32(truePos[class]) / float32(denom)
		}
		precisionSum += precision
		recallSum += recall
		if precision+recall > 0 {
			f1Sum += 2 * precision * recall / (precision + recall)
		}
	}
	return PrecisionRecallF1{
		Precision: precisionSum / float32(numClasses),
		Recall:    recallSum / float32(numClasses),
		F1:        f1Sum / float32(numClasses),
	}
}
