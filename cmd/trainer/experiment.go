package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/protml/protmotion/internal/generics"
	"github.com/protml/protmotion/internal/models"
)

// Experiment is the YAML experiment file: the model architecture plus the
// training schedule, so a run is reproducible from one checked-in file.
type Experiment struct {
	// Architecture.
	Fusion            string   `yaml:"fusion"`
	InputDim          int      `yaml:"input_dim"`
	EmbedDim          int      `yaml:"embed_dim"`
	EncoderHidden     []int    `yaml:"encoder_hidden"`
	EncoderActivation string   `yaml:"encoder_activation"`
	DenseUnits        []int    `yaml:"dense_units"`
	DenseActivations  []string `yaml:"dense_activations"`
	Dropout           float64  `yaml:"dropout"`
	Readout           string   `yaml:"readout"`
	NumHeads          int      `yaml:"num_heads"`
	KeyDim            int      `yaml:"key_dim"`
	ValueDim          int      `yaml:"value_dim"`
	NumBlocks         int      `yaml:"num_blocks"`
	FFDim             int      `yaml:"ff_dim"`
	FFActivation      string   `yaml:"ff_activation"`
	PreNorm           bool     `yaml:"pre_norm"`

	// Schedule.
	Epochs             int     `yaml:"epochs"`
	Patience           int     `yaml:"patience"`
	TopK               int     `yaml:"top_k"`
	ValidationFraction float64 `yaml:"validation_fraction"`

	// Optimization hyperparameters as a "key=value,key=value" string, same
	// format as the -hyperparams flag.
	Hyperparameters string `yaml:"hyperparameters"`
}

// LoadExperiment reads and decodes the experiment file.
func LoadExperiment(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read experiment file %s", path)
	}
	exp := &Experiment{
		EncoderActivation:  "relu",
		Readout:            "mean",
		FFActivation:       "relu",
		Epochs:             100,
		Patience:           5,
		TopK:               3,
		ValidationFraction: 0.1,
	}
	if err := yaml.Unmarshal(data, exp); err != nil {
		return nil, errors.Wrapf(err, "failed to parse experiment file %s", path)
	}
	return exp, nil
}

// ModelConfig resolves the experiment's architecture into a model config.
func (e *Experiment) ModelConfig() (*models.Config, error) {
	fusion, err := models.ParseFusionKind(e.Fusion)
	if err != nil {
		return nil, err
	}
	readout, err := models.ParseReadoutKind(e.Readout)
	if err != nil {
		return nil, err
	}
	ffActivation, err := models.ParseActivationKind(e.FFActivation)
	if err != nil {
		return nil, err
	}
	denseActivations := make([]models.ActivationKind, 0, len(e.DenseActivations))
	for _, name := range e.DenseActivations {
		act, err := models.ParseActivationKind(name)
		if err != nil {
			return nil, err
		}
		denseActivations = append(denseActivations, act)
	}
	return &models.Config{
		Fusion:           fusion,
		InputDim:         e.InputDim,
		EmbedDim:         e.EmbedDim,
		DenseUnits:       e.DenseUnits,
		DenseActivations: denseActivations,
		Dropout:          e.Dropout,
		Readout:          readout,
		NumHeads:         e.NumHeads,
		KeyDim:           e.KeyDim,
		ValueDim:         e.ValueDim,
		NumBlocks:        e.NumBlocks,
		FFDim:            e.FFDim,
		FFActivation:     ffActivation,
		PreNorm:          e.PreNorm,
	}, nil
}

// Encoder builds the node encoder described by the experiment.
func (e *Experiment) Encoder() (models.Encoder, error) {
	activation, err := models.ParseActivationKind(e.EncoderActivation)
	if err != nil {
		return nil, err
	}
	return models.NewMLPEncoder(e.InputDim, e.EncoderHidden, e.EmbedDim, activation)
}

// Summary returns the experiment's architecture as short "k=v" strings for the
// final report.
func (e *Experiment) Summary() []string {
	return []string{
		"fusion=" + e.Fusion,
		"readout=" + e.Readout,
		"dense=" + intsString(e.DenseUnits),
		"encoder=" + intsString(e.EncoderHidden),
	}
}

func intsString(values []int) string {
	return strings.Join(generics.SliceMap(values, strconv.Itoa), "-")
}
