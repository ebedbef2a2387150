package models

import (
	"path/filepath"
	"sync"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/protml/protmotion/internal/generics"
	"github.com/protml/protmotion/internal/graphs"
	"github.com/protml/protmotion/internal/metrics"
	"github.com/protml/protmotion/internal/parameters"
)

const (
	configFileName = "config.bin"

	// Each distinct batch geometry compiles its own graph; the executors keep a
	// generous cache so alternating between train and validation shapes doesn't
	// thrash recompilation.
	maxCachedGraphs = 32

	// Checkpoints kept on disk before the oldest is garbage collected.
	keptCheckpoints = 5
)

// Evaluation is the metric bundle computed by Classifier.Evaluate.
type Evaluation struct {
	Loss         float32
	Accuracy     float32
	TopKAccuracy float32

	// Macro averages over classes.
	Precision float32
	Recall    float32
	F1        float32
}

// Classifier scores protein graph batches, single or paired, according to its
// configured fusion strategy. It owns the model context (weights and
// hyperparameters) and the compiled executors for prediction, loss and
// training steps.
//
// Concurrency: Predict and Loss may run concurrently with each other; Learn
// takes the write side of the lock since it mutates the weights.
type Classifier struct {
	cfg       *Config
	encoder   Encoder
	net       *network
	criterion Criterion

	ctx       *context.Context
	optimizer optimizers.Interface

	muLearning    sync.RWMutex
	predictExec   *context.Exec
	lossExec      *context.Exec
	trainStepExec *context.Exec

	checkpoint *checkpoints.Handler
}

// NewClassifier creates a classifier from a validated config, an encoder and
// optimization hyperparameters (nil for defaults). The encoder's output
// dimension must match the config's embedding dimension.
func NewClassifier(cfg *Config, encoder Encoder, hyperparams parameters.Params) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if encoder == nil {
		return nil, Configurationf("classifier requires an encoder")
	}
	if encoder.OutputDim() != cfg.EmbedDim {
		return nil, Configurationf("encoder produces %d-dimensional embeddings, config expects %d",
			encoder.OutputDim(), cfg.EmbedDim)
	}
	cfgCopy := *cfg
	cfgCopy.Encoder = encoder.Config()

	c := &Classifier{
		cfg:       &cfgCopy,
		encoder:   encoder,
		net:       &network{cfg: &cfgCopy, encoder: encoder},
		criterion: CrossEntropyCriterion,
		ctx:       context.New(),
	}
	if hyperparams == nil {
		hyperparams = parameters.Params{}
	}
	if err := applyHyperparameters(c.ctx, c.cfg, hyperparams); err != nil {
		return nil, err
	}
	// The paired variants call the encoder twice per forward pass with shared
	// weights, so variable reuse across calls must be allowed.
	c.ctx = c.ctx.Checked(false)
	c.optimizer = optimizers.FromContext(c.ctx)
	c.buildExecs()
	return c, nil
}

func (c *Classifier) buildExecs() {
	c.predictExec = context.NewExec(backend(), c.ctx,
		func(ctx *context.Context, inputs []*Node) *Node {
			return c.net.ForwardGraph(ctx, inputs)
		})
	c.predictExec.SetMaxCache(maxCachedGraphs)
	c.lossExec = context.NewExec(backend(), c.ctx,
		func(ctx *context.Context, inputsAndLabels []*Node) *Node {
			numInputs := len(inputsAndLabels) - 1
			return c.net.LossGraph(ctx, inputsAndLabels[:numInputs], inputsAndLabels[numInputs], c.criterion)
		})
	c.lossExec.SetMaxCache(maxCachedGraphs)
	c.trainStepExec = context.NewExec(backend(), c.ctx,
		func(ctx *context.Context, inputsAndLabels []*Node) *Node {
			g := inputsAndLabels[0].Graph()
			numInputs := len(inputsAndLabels) - 1
			ctx.SetTraining(g, true)
			loss := c.net.LossGraph(ctx, inputsAndLabels[:numInputs], inputsAndLabels[numInputs], c.criterion)
			c.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})
	c.trainStepExec.SetMaxCache(maxCachedGraphs)
}

// Config returns the classifier's architecture configuration. Callers must not
// mutate it.
func (c *Classifier) Config() *Config { return c.cfg }

// NumClasses returns the width of the output layer.
func (c *Classifier) NumClasses() int { return c.cfg.NumClasses() }

// Context returns the model context holding weights and hyperparameters.
func (c *Classifier) Context() *context.Context { return c.ctx }

// SetCriterion replaces the training loss. The default is sparse categorical
// cross-entropy on logits. Must be called before any Learn or Loss call.
func (c *Classifier) SetCriterion(criterion Criterion) { c.criterion = criterion }

// Predict returns the raw class logits for each graph of the batch, shaped
// [numGraphs][numClasses]. The base classifier takes one batch, the paired
// variants take the (before, after) pair.
func (c *Classifier) Predict(batches ...*graphs.Batch) ([][]float32, error) {
	inputs, err := c.net.CreateInputs(batches...)
	if err != nil {
		return nil, err
	}
	c.muLearning.RLock()
	defer c.muLearning.RUnlock()
	var logits *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		logits = c.predictExec.Call(tensorsToAny(inputs)...)[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to execute prediction graph")
	}
	return logitsToRows(logits, c.cfg.NumClasses()), nil
}

// PredictPair is a convenience form of Predict for the paired variants.
func (c *Classifier) PredictPair(before, after *graphs.Batch) ([][]float32, error) {
	return c.Predict(before, after)
}

// Loss computes the mean training loss of the batch without updating weights.
func (c *Classifier) Loss(labels []int32, batches ...*graphs.Batch) (float32, error) {
	inputs, err := c.createInputsAndLabels(labels, batches)
	if err != nil {
		return 0, err
	}
	c.muLearning.RLock()
	defer c.muLearning.RUnlock()
	return c.scalarCall(c.lossExec, inputs, "loss")
}

// Learn runs one optimization step on the batch and returns the training loss
// before the update.
func (c *Classifier) Learn(labels []int32, batches ...*graphs.Batch) (float32, error) {
	inputs, err := c.createInputsAndLabels(labels, batches)
	if err != nil {
		return 0, err
	}
	c.muLearning.Lock()
	defer c.muLearning.Unlock()
	return c.scalarCall(c.trainStepExec, inputs, "train step")
}

func (c *Classifier) createInputsAndLabels(labels []int32, batches []*graphs.Batch) ([]*tensors.Tensor, error) {
	inputs, err := c.net.CreateInputs(batches...)
	if err != nil {
		return nil, err
	}
	numGraphs := batches[len(batches)-1].NumGraphs()
	if len(labels) != numGraphs {
		return nil, argumentf("labels", "got %d labels for a batch of %d graphs", len(labels), numGraphs)
	}
	numClasses := int32(c.cfg.NumClasses())
	for ii, label := range labels {
		if label < 0 || label >= numClasses {
			return nil, argumentf("labels", "label %d at position %d outside the %d configured classes",
				label, ii, numClasses)
		}
	}
	return append(inputs, c.net.CreateLabels(labels)), nil
}

func (c *Classifier) scalarCall(exec *context.Exec, inputs []*tensors.Tensor, what string) (float32, error) {
	var out *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		out = exec.Call(tensorsToAny(inputs)...)[0]
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to execute %s graph", what)
	}
	return tensors.ToScalar[float32](out), nil
}

// Evaluate computes the metric bundle over one labeled batch. If logits is nil
// they are predicted from the given graph batches; if logits is given the
// batches must be omitted.
func (c *Classifier) Evaluate(labels []int32, logits [][]float32, topK int, batches ...*graphs.Batch) (Evaluation, error) {
	var eval Evaluation
	switch {
	case logits == nil && len(batches) == 0:
		return eval, argumentf("logits", "either logits or graph batches must be given")
	case logits != nil && len(batches) > 0:
		return eval, argumentf("logits", "logits and graph batches are mutually exclusive")
	case logits == nil:
		var err error
		logits, err = c.Predict(batches...)
		if err != nil {
			return eval, err
		}
	}
	if len(logits) != len(labels) {
		return eval, argumentf("labels", "got %d labels for %d predictions", len(labels), len(logits))
	}
	loss, err := c.lossFromLogits(labels, logits)
	if err != nil {
		return eval, err
	}
	prf := metrics.MacroPrecisionRecallF1(labels, logits, c.cfg.NumClasses())
	return Evaluation{
		Loss:         loss,
		Accuracy:     metrics.Accuracy(labels, logits),
		TopKAccuracy: metrics.TopKAccuracy(labels, logits, topK),
		Precision:    prf.Precision,
		Recall:       prf.Recall,
		F1:           prf.F1,
	}, nil
}

// lossFromLogits evaluates the criterion on already-computed logits.
func (c *Classifier) lossFromLogits(labels []int32, logits [][]float32) (float32, error) {
	labelsT := c.net.CreateLabels(labels)
	logitsT := rowsToTensor(logits, c.cfg.NumClasses())
	var out *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		exec := NewExec(backend(), func(labelsN, logitsN *Node) *Node {
			loss := c.criterion(labelsN, logitsN)
			if !loss.IsScalar() {
				loss = ReduceAllMean(loss)
			}
			return loss
		})
		out = exec.Call(labelsT, logitsT)[0]
	})
	if err != nil {
		return 0, errors.WithMessage(err, "failed to evaluate loss from logits")
	}
	return tensors.ToScalar[float32](out), nil
}

// Save writes the architecture config and a weights checkpoint under dir,
// creating it if needed. A classifier saved here is restored by Load.
func (c *Classifier) Save(dir string) error {
	c.muLearning.RLock()
	defer c.muLearning.RUnlock()
	if err := SaveConfig(c.cfg, filepath.Join(dir, configFileName)); err != nil {
		return err
	}
	if c.checkpoint == nil || c.checkpoint.Dir() != dir {
		var err error
		c.checkpoint, err = checkpoints.Build(c.ctx).Dir(dir).Immediate().Keep(keptCheckpoints).Done()
		if err != nil {
			return errors.WithMessagef(err, "failed to create checkpoint handler in %s", dir)
		}
	}
	if err := c.checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save weights checkpoint to %s", dir)
	}
	klog.V(1).Infof("Saved classifier (%s fusion) to %s", c.cfg.Fusion, dir)
	return nil
}

// Load restores a classifier saved by Save. The factory rehydrates the encoder
// from its serialized configuration before the weights are restored into the
// model context.
func Load(dir string, factory EncoderFactory) (*Classifier, error) {
	cfg, err := LoadConfig(filepath.Join(dir, configFileName))
	if err != nil {
		return nil, err
	}
	encoder, err := factory(cfg.Encoder)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to rebuild encoder of kind %q", cfg.Encoder.Kind)
	}
	c, err := NewClassifier(cfg, encoder, nil)
	if err != nil {
		return nil, err
	}
	// Attaching the handler loads the latest checkpoint into the context.
	c.checkpoint, err = checkpoints.Build(c.ctx).Dir(dir).Immediate().Keep(keptCheckpoints).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load weights checkpoint from %s", dir)
	}
	klog.V(1).Infof("Loaded classifier (%s fusion) from %s", c.cfg.Fusion, dir)
	return c, nil
}

// Classes returns the predicted class per graph, ties resolved to the lowest
// class index.
func Classes(logits [][]float32) []int32 {
	return generics.SliceMap(logits, func(row []float32) int32 {
		return int32(generics.ArgMax(row))
	})
}

func tensorsToAny(ts []*tensors.Tensor) []any {
	return generics.SliceMap(ts, func(t *tensors.Tensor) any { return any(t) })
}

func logitsToRows(t *tensors.Tensor, numClasses int) [][]float32 {
	flat := tensors.CopyFlatData[float32](t)
	rows := make([][]float32, len(flat)/numClasses)
	for ii := range rows {
		rows[ii] = flat[ii*numClasses : (ii+1)*numClasses]
	}
	return rows
}

func rowsToTensor(rows [][]float32, numClasses int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, len(rows), numClasses))
	tensors.MutableFlatData(t, func(flat []float32) {
		for ii, row := range rows {
			copy(flat[ii*numClasses:], row)
		}
	})
	return t
}
