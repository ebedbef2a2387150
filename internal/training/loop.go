// Package training runs the epoch loop: train, validate, early-stop and
// restore the best weights seen.
package training

import (
	"io"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/protml/protmotion/internal/dataset"
	"github.com/protml/protmotion/internal/graphs"
	"github.com/protml/protmotion/internal/history"
	"github.com/protml/protmotion/internal/metrics"
)

// Metric series names recorded into the history, one value per epoch. The
// validation series also get an epoch-zero entry from the pre-training
// validation pass.
const (
	SeriesTrainLoss      = "train_loss"
	SeriesValidationLoss = "validation_loss"
	SeriesAccuracy       = "accuracy"
	SeriesTopKAccuracy   = "top_k_accuracy"
	SeriesPrecision      = "precision"
	SeriesRecall         = "recall"
	SeriesF1             = "f1"
)

// Model is the slice of the classifier the loop drives. Batches follow the
// sample layout: (before, after) for paired samples, (after) alone when the
// sample has no before batch.
type Model interface {
	Learn(labels []int32, batches ...*graphs.Batch) (float32, error)
	Loss(labels []int32, batches ...*graphs.Batch) (float32, error)
	Predict(batches ...*graphs.Batch) ([][]float32, error)
	NumClasses() int
}

// Config parameterizes a Loop run.
type Config struct {
	// Epochs is the maximum number of training epochs.
	Epochs int

	// Patience is the number of consecutive non-improving validation epochs
	// tolerated before stopping early.
	Patience int

	// TopK is the k of the top-k accuracy metric.
	TopK int

	// Sink receives the weights on every validation improvement and restores
	// the best ones at the end. Required.
	Sink CheckpointSink
}

// Result summarizes a finished Loop run.
type Result struct {
	// History holds the recorded metric series.
	History *history.History

	// EpochsRun counts the completed training epochs.
	EpochsRun int

	// StoppedEarly reports whether patience ran out before Epochs.
	StoppedEarly bool

	// BestEpoch is the epoch whose weights were restored at the end; zero means
	// the pre-training baseline.
	BestEpoch int

	// BestValidationLoss is the lowest validation loss observed; the returned
	// model carries the weights that achieved it.
	BestValidationLoss float32

	// Final holds the validation metrics after the best weights were restored.
	Final ValidationMetrics
}

// ValidationMetrics is one validation pass over the full validation source.
type ValidationMetrics struct {
	Loss         float32
	Accuracy     float32
	TopKAccuracy float32
	Precision    float32
	Recall       float32
	F1           float32
}

// Loop trains model on train, validating each epoch on validation, until
// Epochs complete or Patience runs out. The weights of the best validation
// epoch are saved through the sink and restored before returning, so the model
// ends at its best validation state, not its last.
func Loop(model Model, train, validation dataset.Source, cfg Config) (*Result, error) {
	if cfg.Epochs <= 0 {
		return nil, errors.Errorf("training requires a positive epoch count, got %d", cfg.Epochs)
	}
	if cfg.Sink == nil {
		return nil, errors.New("training requires a checkpoint sink")
	}

	hist := history.New()
	stopper := NewEarlyStopping(cfg.Patience)
	result := &Result{History: hist}
	bestEpoch := 0

	// Epoch zero: validate the untrained model so the first epoch has a
	// baseline to improve on, and its weights are restorable if nothing does.
	val, err := validate(model, validation, cfg.TopK)
	if err != nil {
		return nil, err
	}
	recordValidation(hist, val)
	if stop := stopper.Observe(val.Loss); stop {
		// Patience zero stops immediately, still leaving a saved baseline.
		result.StoppedEarly = true
	}
	if err := cfg.Sink.Save(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Epoch 0 (baseline): validation loss=%.4f accuracy=%.3f", val.Loss, val.Accuracy)

	for epoch := 1; epoch <= cfg.Epochs && !result.StoppedEarly; epoch++ {
		trainLoss, err := trainEpoch(model, train)
		if err != nil {
			return nil, err
		}
		hist.Add(SeriesTrainLoss, trainLoss)

		val, err = validate(model, validation, cfg.TopK)
		if err != nil {
			return nil, err
		}
		recordValidation(hist, val)
		result.EpochsRun = epoch

		stop := stopper.Observe(val.Loss)
		if stopper.Improved() {
			bestEpoch = epoch
			if err := cfg.Sink.Save(); err != nil {
				return nil, err
			}
		}
		klog.V(1).Infof("Epoch %d: train loss=%.4f validation loss=%.4f (best=%.4f) accuracy=%.3f",
			epoch, trainLoss, val.Loss, stopper.Best(), val.Accuracy)
		if stop {
			result.StoppedEarly = true
			klog.Infof("Stopping early at epoch %d: no improvement in %d epochs, restoring epoch %d weights from %s",
				epoch, cfg.Patience, bestEpoch, sinkTarget(cfg.Sink))
		}
	}

	if err := cfg.Sink.Restore(); err != nil {
		return nil, err
	}
	result.BestEpoch = bestEpoch
	result.BestValidationLoss = stopper.Best()
	result.Final, err = validate(model, validation, cfg.TopK)
	if err != nil {
		return nil, err
	}
	klog.Infof("Training done after %d epochs (stopped early: %v): restored epoch %d weights from %s, best validation loss=%.4f final accuracy=%.3f",
		result.EpochsRun, result.StoppedEarly, bestEpoch, sinkTarget(cfg.Sink),
		result.BestValidationLoss, result.Final.Accuracy)
	return result, nil
}

// sinkTarget names where the sink keeps the best weights, for log messages.
func sinkTarget(sink CheckpointSink) string {
	if described, ok := sink.(interface{ Target() string }); ok {
		return described.Target()
	}
	return "the checkpoint sink"
}

func recordValidation(hist *history.History, val ValidationMetrics) {
	hist.Add(SeriesValidationLoss, val.Loss)
	hist.Add(SeriesAccuracy, val.Accuracy)
	hist.Add(SeriesTopKAccuracy, val.TopKAccuracy)
	hist.Add(SeriesPrecision, val.Precision)
	hist.Add(SeriesRecall, val.Recall)
	hist.Add(SeriesF1, val.F1)
}

// trainEpoch runs one optimization pass over the source, returning the running
// mean training loss.
func trainEpoch(model Model, source dataset.Source) (float32, error) {
	if err := source.Reset(); err != nil {
		return 0, err
	}
	var loss RunningMean
	for {
		sample, err := source.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		batchLoss, err := model.Learn(sample.Labels, sampleBatches(sample)...)
		if err != nil {
			return 0, err
		}
		loss.Observe(batchLoss)
	}
	if loss.Count() == 0 {
		return 0, errors.New("training source yielded no samples")
	}
	return loss.Mean(), nil
}

// validate runs one evaluation pass over the source without weight updates.
// Every metric is computed per batch and folded through a running mean, so the
// pass stays O(1) in validation set size.
func validate(model Model, source dataset.Source, topK int) (ValidationMetrics, error) {
	var out ValidationMetrics
	if err := source.Reset(); err != nil {
		return out, err
	}
	var loss, accuracy, topKAccuracy, precision, recall, f1 RunningMean
	for {
		sample, err := source.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
		batches := sampleBatches(sample)
		batchLoss, err := model.Loss(sample.Labels, batches...)
		if err != nil {
			return out, err
		}
		loss.Observe(batchLoss)
		logits, err := model.Predict(batches...)
		if err != nil {
			return out, err
		}
		accuracy.Observe(metrics.Accuracy(sample.Labels, logits))
		topKAccuracy.Observe(metrics.TopKAccuracy(sample.Labels, logits, topK))
		prf := metrics.MacroPrecisionRecallF1(sample.Labels, logits, model.NumClasses())
		precision.Observe(prf.Precision)
		recall.Observe(prf.Recall)
		f1.Observe(prf.F1)
	}
	if loss.Count() == 0 {
		return out, errors.New("validation source yielded no samples")
	}
	return ValidationMetrics{
		Loss:         loss.Mean(),
		Accuracy:     accuracy.Mean(),
		TopKAccuracy: topKAccuracy.Mean(),
		Precision:    precision.Mean(),
		Recall:       recall.Mean(),
		F1:           f1.Mean(),
	}, nil
}

func sampleBatches(sample *dataset.Sample) []*graphs.Batch {
	if sample.Before == nil {
		return []*graphs.Batch{sample.After}
	}
	return []*graphs.Batch{sample.Before, sample.After}
}
