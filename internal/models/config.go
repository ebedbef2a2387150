package models

import (
	"bytes"
	"encoding/gob"
	"os"

	"github.com/pkg/errors"
)

// Config is the immutable record of architecture hyperparameters of a classifier.
// It is created at construction, never mutated afterwards, and is fully
// serializable so a model can be rebuilt without the original instantiation code.
type Config struct {
	// Fusion selects the classifier variant; see FusionKind.
	Fusion FusionKind

	// InputDim is the node feature dimension the encoder consumes.
	InputDim int

	// EmbedDim is the per-node embedding dimension the encoder produces, and the
	// width the attention and readout layers operate on.
	EmbedDim int

	// DenseUnits and DenseActivations define the classification head: one dense
	// layer per entry, activations applied per layer. They must have the same
	// length; the last unit count is the number of classes.
	DenseUnits       []int
	DenseActivations []ActivationKind

	// Dropout rate applied between dense layers (never after the last one) and
	// inside the transformer blocks. Zero disables it.
	Dropout float64

	// Readout aggregation reducing node embeddings to per-graph embeddings.
	Readout ReadoutKind

	// NumHeads is the attention head count for the paired variants.
	NumHeads int

	// KeyDim and ValueDim are the total key/value projection dimensions of the
	// cross-attention. Zero defaults to EmbedDim.
	KeyDim, ValueDim int

	// NumBlocks, FFDim, FFActivation and PreNorm configure the transformer stack
	// of the FusionCrossAttentionTransformer variant. FFDim zero defaults to
	// EmbedDim.
	NumBlocks    int
	FFDim        int
	FFActivation ActivationKind
	PreNorm      bool

	// Encoder is the recursively serialized configuration of the injected graph
	// encoder. Its weights live in the model context under the "encoder" scope
	// and are captured by the weights checkpoint.
	Encoder EncoderConfig
}

// NumClasses returns the width of the last dense layer.
func (c *Config) NumClasses() int {
	if len(c.DenseUnits) == 0 {
		return 0
	}
	return c.DenseUnits[len(c.DenseUnits)-1]
}

// KeyDimOrDefault returns KeyDim, defaulting to EmbedDim.
func (c *Config) KeyDimOrDefault() int {
	if c.KeyDim > 0 {
		return c.KeyDim
	}
	return c.EmbedDim
}

// ValueDimOrDefault returns ValueDim, defaulting to EmbedDim.
func (c *Config) ValueDimOrDefault() int {
	if c.ValueDim > 0 {
		return c.ValueDim
	}
	return c.EmbedDim
}

// FFDimOrDefault returns FFDim, defaulting to EmbedDim.
func (c *Config) FFDimOrDefault() int {
	if c.FFDim > 0 {
		return c.FFDim
	}
	return c.EmbedDim
}

// Validate checks the hyperparameter combination, returning a ConfigurationError
// on the first violation. It is called by NewClassifier, so invalid configs never
// reach graph building.
func (c *Config) Validate() error {
	if c.InputDim <= 0 {
		return Configurationf("input dimension must be positive, got %d", c.InputDim)
	}
	if c.EmbedDim <= 0 {
		return Configurationf("embedding dimension must be positive, got %d", c.EmbedDim)
	}
	if len(c.DenseUnits) == 0 {
		return Configurationf("at least one dense layer is required")
	}
	if len(c.DenseUnits) != len(c.DenseActivations) {
		return Configurationf("dense layer count and activation count must be equal, %d and %d given",
			len(c.DenseUnits), len(c.DenseActivations))
	}
	for ii, units := range c.DenseUnits {
		if units <= 0 {
			return Configurationf("dense layer %d has non-positive width %d", ii, units)
		}
	}
	if _, found := readoutNames[c.Readout.String()]; !found {
		return Configurationf("unknown readout kind %d", int(c.Readout))
	}
	for ii, act := range c.DenseActivations {
		if _, found := activationNames[act.String()]; !found {
			return Configurationf("dense layer %d has unknown activation kind %d", ii, int(act))
		}
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return Configurationf("dropout rate must be in [0, 1), got %g", c.Dropout)
	}
	if c.Fusion == FusionNone {
		return nil
	}
	if c.NumHeads <= 0 {
		return Configurationf("attention head count must be positive, got %d", c.NumHeads)
	}
	if c.KeyDimOrDefault()%c.NumHeads != 0 {
		return Configurationf("key dimension %d must be divisible by the %d attention heads",
			c.KeyDimOrDefault(), c.NumHeads)
	}
	if c.ValueDimOrDefault()%c.NumHeads != 0 {
		return Configurationf("value dimension %d must be divisible by the %d attention heads",
			c.ValueDimOrDefault(), c.NumHeads)
	}
	if c.Fusion == FusionCrossAttentionTransformer {
		if c.NumBlocks <= 0 {
			return Configurationf("transformer variant requires at least one block, got %d", c.NumBlocks)
		}
		if c.EmbedDim%c.NumHeads != 0 {
			return Configurationf("embedding dimension %d must be divisible by the %d self-attention heads",
				c.EmbedDim, c.NumHeads)
		}
		if _, found := activationNames[c.FFActivation.String()]; !found {
			return Configurationf("unknown feed-forward activation kind %d", int(c.FFActivation))
		}
	}
	return nil
}

// Serialize encodes the config as a gob blob.
func (c *Config) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, errors.Wrap(err, "failed to serialize model config")
	}
	return buf.Bytes(), nil
}

// DeserializeConfig decodes a config serialized with Config.Serialize.
func DeserializeConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize model config")
	}
	return cfg, nil
}

// SaveConfig writes the serialized config to the given path.
func SaveConfig(c *Config, path string) error {
	data, err := c.Serialize()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write model config to %s", path)
	}
	return nil
}

// LoadConfig reads a config written by SaveConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model config from %s", path)
	}
	return DeserializeConfig(data)
}
