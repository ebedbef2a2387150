// Package ensemble aggregates the predictions of several pair classifiers into
// one distribution per graph pair.
package ensemble

import (
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/protml/protmotion/internal/generics"
	"github.com/protml/protmotion/internal/graphs"
	"github.com/protml/protmotion/internal/models"
)

// Mode selects how member predictions are combined.
type Mode int

const (
	// SoftmaxMean averages the members' softmax distributions, weighted.
	SoftmaxMean Mode = iota
	// Voting lets each member cast its weight for its top class; the result is
	// the normalized vote histogram.
	Voting
)

var modeNames = map[string]Mode{
	"softmax_mean": SoftmaxMean,
	"voting":       Voting,
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	for name, mode := range modeNames {
		if mode == m {
			return name
		}
	}
	return "invalid_mode"
}

// ParseMode resolves an aggregation mode name.
func ParseMode(name string) (Mode, error) {
	if mode, found := modeNames[name]; found {
		return mode, nil
	}
	return 0, models.Configurationf("unknown ensemble mode %q, must be softmax_mean or voting", name)
}

// Member is one model of the ensemble: anything that maps a (before, after)
// graph batch pair to per-graph class logits. *models.Classifier satisfies it.
type Member interface {
	PredictPair(before, after *graphs.Batch) ([][]float32, error)
}

// Ensemble combines the predictions of its members. Construction validates the
// member/weight arity, so Predict only fails on member errors or mismatched
// member outputs.
type Ensemble struct {
	members []Member
	weights []float64
	mode    Mode
}

// New creates an ensemble. weights may be nil, meaning uniform weight 1 per
// member; otherwise it needs one non-negative weight per member with a
// positive sum. Weight zero mutes a member without removing it.
func New(members []Member, weights []float64, mode Mode) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, models.Configurationf("ensemble requires at least one member model")
	}
	if _, found := modeNames[mode.String()]; !found {
		return nil, models.Configurationf("unknown ensemble mode %d", int(mode))
	}
	if weights == nil {
		weights = make([]float64, len(members))
		floats.AddConst(1, weights)
	}
	if len(weights) != len(members) {
		return nil, models.Configurationf("ensemble has %d members but %d weights", len(members), len(weights))
	}
	for ii, w := range weights {
		if w < 0 {
			return nil, models.Configurationf("ensemble weight %d is negative: %g", ii, w)
		}
	}
	if floats.Sum(weights) == 0 {
		return nil, models.Configurationf("ensemble weights sum to zero, at least one must be positive")
	}
	return &Ensemble{members: members, weights: weights, mode: mode}, nil
}

// NumMembers returns the ensemble size.
func (e *Ensemble) NumMembers() int { return len(e.members) }

// Predict runs all members on the pair batch concurrently and aggregates their
// logits, returning the combined distribution per graph and the predicted
// class per graph. Ties resolve to the lowest class index.
func (e *Ensemble) Predict(before, after *graphs.Batch) ([][]float32, []int32, error) {
	memberLogits := make([][][]float32, len(e.members))
	var group errgroup.Group
	for ii, member := range e.members {
		group.Go(func() error {
			logits, err := member.PredictPair(before, after)
			if err != nil {
				return err
			}
			memberLogits[ii] = logits
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	return Aggregate(memberLogits, e.weights, e.mode)
}

// Aggregate combines per-member logits, shaped [member][graph][class], into
// one distribution per graph plus the argmax class per graph. It is
// deterministic: equal inputs always produce equal outputs, and member order
// only matters through the weight pairing.
func Aggregate(memberLogits [][][]float32, weights []float64, mode Mode) ([][]float32, []int32, error) {
	if len(memberLogits) == 0 {
		return nil, nil, models.Configurationf("aggregation requires at least one member prediction")
	}
	numGraphs := len(memberLogits[0])
	for ii, logits := range memberLogits {
		if len(logits) != numGraphs {
			return nil, nil, models.Configurationf(
				"member %d predicted %d graphs, member 0 predicted %d", ii, len(logits), numGraphs)
		}
	}
	if numGraphs == 0 {
		return [][]float32{}, []int32{}, nil
	}
	numClasses := len(memberLogits[0][0])
	totalWeight := floats.Sum(weights)
	if totalWeight <= 0 {
		return nil, nil, models.Configurationf("aggregation weights sum to %g, at least one must be positive", totalWeight)
	}

	combined := make([][]float32, numGraphs)
	classes := make([]int32, numGraphs)
	acc := make([]float64, numClasses)
	for graph := 0; graph < numGraphs; graph++ {
		for ii := range acc {
			acc[ii] = 0
		}
		for member, logits := range memberLogits {
			row := logits[graph]
			if len(row) != numClasses {
				return nil, nil, models.Configurationf(
					"member %d predicted %d classes for graph %d, expected %d",
					member, len(row), graph, numClasses)
			}
			switch mode {
			case SoftmaxMean:
				floats.AddScaled(acc, weights[member], softmax64(row))
			case Voting:
				acc[generics.ArgMax(row)] += weights[member]
			}
		}
		floats.Scale(1/totalWeight, acc)
		combined[graph] = generics.SliceMap(acc, func(v float64) float32 { return float32(v) })
		classes[graph] = int32(generics.ArgMax(acc))
	}
	return combined, classes, nil
}

// softmax64 is a numerically stable softmax over one logit row, computed in
// float64 so aggregation precision doesn't depend on member count.
func softmax64(row []float32) []float64 {
	probs := generics.SliceMap(row, func(v float32) float64 { return float64(v) })
	peak := floats.Max(probs)
	for ii := range probs {
		probs[ii] = math.Exp(probs[ii] - peak)
	}
	floats.Scale(1/floats.Sum(probs), probs)
	return probs
}
