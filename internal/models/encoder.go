package models

import (
	"bytes"
	"encoding/gob"
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/pkg/errors"
)

// Encoder is the external collaborator that maps a node-feature matrix and an
// edge list to per-node embeddings. Implementations build their layers in the
// given context scope; their weights are therefore captured by the classifier's
// weights checkpoint, and their constructor parameters by EncoderConfig, keeping
// serialization symmetric with the classifier's.
type Encoder interface {
	// BuildGraph maps node features x, shaped [numNodes, inputDim], and the edge
	// endpoint vectors edgeSrc/edgeDst, shaped [numEdges], to per-node embeddings
	// shaped [numNodes, OutputDim()].
	BuildGraph(ctx *context.Context, x, edgeSrc, edgeDst *Node) *Node

	// OutputDim is the embedding dimension produced per node.
	OutputDim() int

	// Config returns the encoder's serialized constructor parameters.
	Config() EncoderConfig
}

// EncoderConfig is the serialized form of an encoder's constructor parameters: an
// opaque payload tagged with the encoder kind. An EncoderFactory rehydrates the
// encoder from it before the classifier weights are restored.
type EncoderConfig struct {
	Kind    string
	Payload []byte
}

// EncoderFactory reconstructs an encoder from its serialized configuration.
type EncoderFactory func(cfg EncoderConfig) (Encoder, error)

// MLPEncoderKind tags the configuration of the bundled node-wise MLP encoder.
const MLPEncoderKind = "mlp"

// mlpEncoderParams are the serialized constructor parameters of MLPEncoder.
type mlpEncoderParams struct {
	InputDim   int
	HiddenDims []int
	OutputDim  int
	Activation ActivationKind
}

// MLPEncoder is a minimal bundled encoder: a node-wise MLP that ignores the edge
// list. Structure-aware encoders plug in through the same Encoder contract.
type MLPEncoder struct {
	params mlpEncoderParams
}

var _ Encoder = (*MLPEncoder)(nil)

// NewMLPEncoder creates a node-wise MLP encoder with the given hidden widths and
// activation between layers.
func NewMLPEncoder(inputDim int, hiddenDims []int, outputDim int, activation ActivationKind) (*MLPEncoder, error) {
	if inputDim <= 0 || outputDim <= 0 {
		return nil, Configurationf("encoder input and output dimensions must be positive, got %d and %d",
			inputDim, outputDim)
	}
	for ii, dim := range hiddenDims {
		if dim <= 0 {
			return nil, Configurationf("encoder hidden layer %d has non-positive width %d", ii, dim)
		}
	}
	if _, found := activationNames[activation.String()]; !found {
		return nil, Configurationf("unknown encoder activation kind %d", int(activation))
	}
	return &MLPEncoder{params: mlpEncoderParams{
		InputDim:   inputDim,
		HiddenDims: hiddenDims,
		OutputDim:  outputDim,
		Activation: activation,
	}}, nil
}

// BuildGraph implements Encoder.
func (e *MLPEncoder) BuildGraph(ctx *context.Context, x, edgeSrc, edgeDst *Node) *Node {
	_ = edgeSrc
	_ = edgeDst
	for ii, dim := range e.params.HiddenDims {
		x = layers.Dense(ctx.In(fmt.Sprintf("hidden_%d", ii)), x, true, dim)
		x = e.params.Activation.Apply(x)
	}
	return layers.Dense(ctx.In("output"), x, true, e.params.OutputDim)
}

// OutputDim implements Encoder.
func (e *MLPEncoder) OutputDim() int { return e.params.OutputDim }

// Config implements Encoder.
func (e *MLPEncoder) Config() EncoderConfig {
	var buf bytes.Buffer
	// The params struct only holds gob-encodable fields, this cannot fail.
	_ = gob.NewEncoder(&buf).Encode(e.params)
	return EncoderConfig{Kind: MLPEncoderKind, Payload: buf.Bytes()}
}

// MLPEncoderFactory rehydrates an MLPEncoder from its serialized configuration.
func MLPEncoderFactory(cfg EncoderConfig) (Encoder, error) {
	if cfg.Kind != MLPEncoderKind {
		return nil, errors.Errorf("encoder factory for kind %q got config of kind %q", MLPEncoderKind, cfg.Kind)
	}
	var params mlpEncoderParams
	if err := gob.NewDecoder(bytes.NewReader(cfg.Payload)).Decode(&params); err != nil {
		return nil, errors.Wrap(err, "failed to decode MLP encoder config")
	}
	return NewMLPEncoder(params.InputDim, params.HiddenDims, params.OutputDim, params.Activation)
}
