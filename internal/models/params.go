package models

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"k8s.io/klog/v2"

	"github.com/protml/protmotion/internal/parameters"
)

// Training hyperparameter keys accepted in configuration strings. Architecture
// hyperparameters live in Config instead; these only tune the optimization.
const (
	ParamOptimizer    = "optimizer"
	ParamLearningRate = "learning_rate"
	ParamL2Reg        = "l2_regularization"
)

// applyHyperparameters moves the optimization hyperparameters from the given
// params into the model context, where the optimizer and layers read them from.
// Consumed keys are popped; leftover keys are reported so typos don't silently
// train with defaults.
func applyHyperparameters(ctx *context.Context, cfg *Config, params parameters.Params) error {
	optimizer, err := parameters.PopParamOr(params, ParamOptimizer, "adam")
	if err != nil {
		return err
	}
	learningRate, err := parameters.PopParamOr(params, ParamLearningRate, 0.001)
	if err != nil {
		return err
	}
	l2, err := parameters.PopParamOr(params, ParamL2Reg, 0.0)
	if err != nil {
		return err
	}
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    optimizer,
		optimizers.ParamLearningRate: learningRate,
		regularizers.ParamL2:         l2,
		layers.ParamDropoutRate:      cfg.Dropout,
	})
	for key, value := range params {
		klog.Warningf("Unknown hyperparameter %q=%q ignored", key, value)
	}
	return nil
}
