// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrnn

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ErrInvalidConfig is wrapped by every error returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid vrnn configuration")

// Hyperparameter keys read by ConfigFromContext and written by Config.SetParams.
const (
	// ParamBatchSize is the number of sequences processed per step.
	ParamBatchSize = "batch_size"

	// ParamSeqLength is the number of timesteps per sequence.
	ParamSeqLength = "seq_length"

	// ParamLatentDimensions is the width of the LSTM hidden state and of the latent variables.
	ParamLatentDimensions = "latent_dimensions"

	// ParamNumLayers is the number of stacked latent-LSTM layers.
	ParamNumLayers = "num_layers"

	// ParamVocabSize is the vocabulary cardinality. It must be set, there is no sensible default.
	ParamVocabSize = "vocab_size"

	// ParamMaxGradNorm is the threshold used to clip the global norm of the gradients.
	ParamMaxGradNorm = "max_grad_norm"

	// ParamDecoderWidth is the width of the hidden layers of the decoder ("theta") network.
	ParamDecoderWidth = "vrnn_decoder_width"

	// ParamLearningRate is the initial learning rate. It is the same key used by the optimizers package.
	ParamLearningRate = "learning_rate"
)

// Default values used by DefaultConfig and ConfigFromContext.
const (
	DefaultBatchSize        = 50
	DefaultSeqLength        = 50
	DefaultLatentDimensions = 128
	DefaultNumLayers        = 2
	DefaultMaxGradNorm      = 5.0
	DefaultDecoderWidth     = 200
	DefaultLearningRate     = 0.002
)

// Config holds the construction time configuration of a Model.
type Config struct {
	BatchSize        int
	SeqLength        int
	LatentDimensions int
	NumLayers        int
	VocabSize        int
	MaxGradNorm      float64
	DecoderWidth     int
	LearningRate     float64

	// DType of the parameters and of the recurrent state. If left as dtypes.InvalidDType, Float32 is used.
	DType dtypes.DType
}

// DefaultConfig returns a configuration with the default values and the given vocabulary size.
func DefaultConfig(vocabSize int) Config {
	return Config{
		BatchSize:        DefaultBatchSize,
		SeqLength:        DefaultSeqLength,
		LatentDimensions: DefaultLatentDimensions,
		NumLayers:        DefaultNumLayers,
		VocabSize:        vocabSize,
		MaxGradNorm:      DefaultMaxGradNorm,
		DecoderWidth:     DefaultDecoderWidth,
		LearningRate:     DefaultLearningRate,
		DType:            dtypes.Float32,
	}
}

// ConfigFromContext reads the configuration from the hyperparameters stored in ctx, using the defaults
// for those not set.
func ConfigFromContext(ctx *context.Context) Config {
	return Config{
		BatchSize:        context.GetParamOr(ctx, ParamBatchSize, DefaultBatchSize),
		SeqLength:        context.GetParamOr(ctx, ParamSeqLength, DefaultSeqLength),
		LatentDimensions: context.GetParamOr(ctx, ParamLatentDimensions, DefaultLatentDimensions),
		NumLayers:        context.GetParamOr(ctx, ParamNumLayers, DefaultNumLayers),
		VocabSize:        context.GetParamOr(ctx, ParamVocabSize, 0),
		MaxGradNorm:      context.GetParamOr(ctx, ParamMaxGradNorm, DefaultMaxGradNorm),
		DecoderWidth:     context.GetParamOr(ctx, ParamDecoderWidth, DefaultDecoderWidth),
		LearningRate:     context.GetParamOr(ctx, ParamLearningRate, DefaultLearningRate),
		DType:            dtypes.Float32,
	}
}

// SetParams writes the configuration as hyperparameters of ctx, so it is saved along with checkpoints.
func (c Config) SetParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamBatchSize:        c.BatchSize,
		ParamSeqLength:        c.SeqLength,
		ParamLatentDimensions: c.LatentDimensions,
		ParamNumLayers:        c.NumLayers,
		ParamVocabSize:        c.VocabSize,
		ParamMaxGradNorm:      c.MaxGradNorm,
		ParamDecoderWidth:     c.DecoderWidth,
		ParamLearningRate:     c.LearningRate,
	})
}

// Validate checks that all dimensions are positive and the dtype is a float.
// The returned error wraps ErrInvalidConfig.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{ParamBatchSize, c.BatchSize},
		{ParamSeqLength, c.SeqLength},
		{ParamLatentDimensions, c.LatentDimensions},
		{ParamNumLayers, c.NumLayers},
		{ParamVocabSize, c.VocabSize},
		{ParamDecoderWidth, c.DecoderWidth},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "%s must be > 0, got %d", p.name, p.value)
		}
	}
	if !(c.MaxGradNorm > 0) {
		return errors.Wrapf(ErrInvalidConfig, "%s must be > 0, got %g", ParamMaxGradNorm, c.MaxGradNorm)
	}
	if !(c.LearningRate >= 0) {
		return errors.Wrapf(ErrInvalidConfig, "%s must be >= 0, got %g", ParamLearningRate, c.LearningRate)
	}
	if dtype := c.dtype(); !dtype.IsFloat() {
		return errors.Wrapf(ErrInvalidConfig, "dtype must be a float, got %s", dtype)
	}
	return nil
}

func (c Config) dtype() dtypes.DType {
	if c.DType == dtypes.InvalidDType {
		return dtypes.Float32
	}
	return c.DType
}
