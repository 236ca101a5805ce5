// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrnn_test

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/vrnn/pkg/vrnn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModel(t *testing.T, cfg vrnn.Config) *vrnn.Model {
	ctx := context.New()
	ctx.SetParam(context.ParamInitialSeed, int64(42))
	m, err := vrnn.New(graphtest.BuildTestBackend(), ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(m.Finalize)
	return m
}

// tokensBatch returns inputs and targets (inputs shifted by one) from a cyclic sequence of tokens.
func tokensBatch(cfg vrnn.Config, offset int) (inputs, targets *tensors.Tensor) {
	in := make([][]int32, cfg.BatchSize)
	out := make([][]int32, cfg.BatchSize)
	for b := range cfg.BatchSize {
		in[b] = make([]int32, cfg.SeqLength)
		out[b] = make([]int32, cfg.SeqLength)
		for s := range cfg.SeqLength {
			pos := offset + b*cfg.SeqLength + s
			in[b][s] = int32((pos * 7) % cfg.VocabSize)
			out[b][s] = int32(((pos + 1) * 7) % cfg.VocabSize)
		}
	}
	return tensors.FromValue(in), tensors.FromValue(out)
}

// trainableValues copies the values of all trainable variables, indexed by their scope and name.
func trainableValues(ctx *context.Context) map[string][]float32 {
	values := make(map[string][]float32)
	for v := range ctx.IterVariables() {
		if v.Trainable {
			values[v.ScopeAndName()] = tensors.MustCopyFlatData[float32](v.MustValue())
		}
	}
	return values
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, vrnn.DefaultConfig(65).Validate())
	require.NoError(t, smallConfig().Validate())

	for name, modify := range map[string]func(c *vrnn.Config){
		"vocab_size":        func(c *vrnn.Config) { c.VocabSize = 0 },
		"batch_size":        func(c *vrnn.Config) { c.BatchSize = -1 },
		"seq_length":        func(c *vrnn.Config) { c.SeqLength = 0 },
		"latent_dimensions": func(c *vrnn.Config) { c.LatentDimensions = 0 },
		"num_layers":        func(c *vrnn.Config) { c.NumLayers = 0 },
		"max_grad_norm":     func(c *vrnn.Config) { c.MaxGradNorm = 0 },
		"decoder_width":     func(c *vrnn.Config) { c.DecoderWidth = 0 },
		"dtype":             func(c *vrnn.Config) { c.DType = dtypes.Int32 },
	} {
		cfg := smallConfig()
		modify(&cfg)
		err := cfg.Validate()
		require.Errorf(t, err, "config with invalid %s should fail", name)
		assert.Truef(t, errors.Is(err, vrnn.ErrInvalidConfig), "error for %s should wrap ErrInvalidConfig, got %v", name, err)

		_, err = vrnn.New(graphtest.BuildTestBackend(), nil, cfg)
		assert.Truef(t, errors.Is(err, vrnn.ErrInvalidConfig), "vrnn.New with invalid %s should fail with ErrInvalidConfig", name)
	}
}

func TestConfigFromContext(t *testing.T) {
	ctx := context.New()
	cfg := smallConfig()
	cfg.SetParams(ctx)
	got := vrnn.ConfigFromContext(ctx)
	assert.Equal(t, cfg, got)

	ctx = context.New()
	ctx.SetParam(vrnn.ParamVocabSize, 65)
	assert.Equal(t, vrnn.DefaultConfig(65), vrnn.ConfigFromContext(ctx))

	// The learning rate is read from the same hyperparameter as the optimizers.
	assert.Equal(t, optimizers.ParamLearningRate, vrnn.ParamLearningRate)
}

func TestEndToEnd(t *testing.T) {
	cfg := vrnn.Config{
		BatchSize:        2,
		SeqLength:        3,
		VocabSize:        10,
		NumLayers:        1,
		LatentDimensions: 4,
		MaxGradNorm:      vrnn.DefaultMaxGradNorm,
		DecoderWidth:     vrnn.DefaultDecoderWidth,
		LearningRate:     vrnn.DefaultLearningRate,
	}
	m := newTestModel(t, cfg)
	inputs := tensors.FromValue([][]int32{{3, 9, 0}, {7, 1, 4}})
	targets := tensors.FromValue([][]int32{{9, 0, 2}, {1, 4, 4}})
	result, err := m.TrainStep(inputs, targets, m.ZeroState())
	require.NoError(t, err)
	assert.False(t, math.IsNaN(result.Cost) || math.IsInf(result.Cost, 0), "cost=%g", result.Cost)
	assert.GreaterOrEqual(t, result.Cost, 0.0)
	assert.InDelta(t, result.Reconstruction+result.KL, result.Cost, 1e-4)
	assert.Greater(t, result.GradientNorm, 0.0)
	assert.Greater(t, m.NumParameters(), 0)

	step, err := m.GlobalStep()
	require.NoError(t, err)
	assert.Equal(t, int64(1), step)

	// Final state can be fed back.
	require.Len(t, result.FinalState, cfg.NumLayers)
	stateShape := shapes.Make(dtypes.Float32, cfg.BatchSize, cfg.LatentDimensions)
	for _, layer := range result.FinalState {
		for _, st := range []*tensors.Tensor{layer.Cell, layer.Hidden, layer.Mean, layer.LogVar} {
			assert.True(t, st.Shape().Equal(stateShape), "state shaped %s", st.Shape())
		}
	}
	result2, err := m.TrainStep(inputs, targets, result.FinalState)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(result2.Cost) || math.IsInf(result2.Cost, 0), "cost=%g", result2.Cost)
	result.FinalState.Finalize()
	result2.FinalState.Finalize()
}

func TestProbabilities(t *testing.T) {
	cfg := smallConfig()
	m := newTestModel(t, cfg)
	inputs, _ := tokensBatch(cfg, 0)
	probs, state, err := m.Probabilities(inputs, nil)
	require.NoError(t, err)
	require.Len(t, state, cfg.NumLayers)
	require.Equal(t, []int{cfg.BatchSize * cfg.SeqLength, cfg.VocabSize}, probs.Shape().Dimensions)
	rows := probs.Value().([][]float32)
	for _, row := range rows {
		var sum float32
		for _, p := range row {
			require.GreaterOrEqual(t, p, float32(0))
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}

	// Deterministic: same model, same inputs, same state.
	probs2, _, err := m.Probabilities(inputs, m.ZeroState())
	require.NoError(t, err)
	assert.Equal(t, rows, probs2.Value().([][]float32))

	// Deterministic: a second model initialized with the same seed.
	m2 := newTestModel(t, cfg)
	probs3, _, err := m2.Probabilities(inputs, nil)
	require.NoError(t, err)
	assert.Equal(t, rows, probs3.Value().([][]float32))
}

func TestCost(t *testing.T) {
	cfg := smallConfig()
	m := newTestModel(t, cfg)
	inputs, targets := tokensBatch(cfg, 0)
	r1, err := m.Cost(inputs, targets, nil)
	require.NoError(t, err)
	r2, err := m.Cost(inputs, targets, nil)
	require.NoError(t, err)
	assert.Equal(t, r1.Cost, r2.Cost)
	assert.Equal(t, 0.0, r1.GradientNorm)

	// A state given by the caller is not released, it can be used again.
	zero := m.ZeroState()
	defer zero.Finalize()
	for range 2 {
		r3, err := m.Cost(inputs, targets, zero)
		require.NoError(t, err)
		assert.Equal(t, r1.Cost, r3.Cost)
		r3.FinalState.Finalize()
	}

	// Cost doesn't take a step.
	step, err := m.GlobalStep()
	require.NoError(t, err)
	assert.Equal(t, int64(0), step)
}

func TestCostMatchesProbabilities(t *testing.T) {
	// Both use the latent means, so the reconstruction term of Cost is the mean of -log(p[target])
	// over the probabilities returned for the same inputs.
	cfg := smallConfig()
	m := newTestModel(t, cfg)
	inputs, targets := tokensBatch(cfg, 3)
	result, err := m.Cost(inputs, targets, nil)
	require.NoError(t, err)
	result.FinalState.Finalize()
	probs, state, err := m.Probabilities(inputs, nil)
	require.NoError(t, err)
	state.Finalize()

	rows := probs.Value().([][]float32)
	targetIds := targets.Value().([][]int32)
	var want float64
	for b := range cfg.BatchSize {
		for s := range cfg.SeqLength {
			want -= math.Log(float64(rows[b*cfg.SeqLength+s][targetIds[b][s]]))
		}
	}
	want /= float64(cfg.BatchSize * cfg.SeqLength)
	assert.InDelta(t, want, result.Reconstruction, 1e-4)
	assert.Greater(t, result.Reconstruction, 0.1, "an untrained model can't predict the targets")
	assert.GreaterOrEqual(t, result.KL, 0.0)
	assert.InDelta(t, result.Reconstruction+result.KL, result.Cost, 1e-4)
}

func TestTrainingReducesCost(t *testing.T) {
	cfg := smallConfig()
	cfg.LearningRate = 0.01
	m := newTestModel(t, cfg)
	inputs, targets := tokensBatch(cfg, 0)
	before, err := m.Cost(inputs, targets, nil)
	require.NoError(t, err)
	for range 50 {
		_, err = m.TrainStep(inputs, targets, nil)
		require.NoError(t, err)
	}
	after, err := m.Cost(inputs, targets, nil)
	require.NoError(t, err)
	assert.Less(t, after.Cost, before.Cost)
}

func TestSetLearningRate(t *testing.T) {
	cfg := smallConfig()
	m := newTestModel(t, cfg)
	lr, err := m.LearningRate()
	require.NoError(t, err)
	assert.InDelta(t, cfg.LearningRate, lr, 1e-7)

	// Create all variables, including the optimizer ones.
	inputs, targets := tokensBatch(cfg, 0)
	_, err = m.TrainStep(inputs, targets, nil)
	require.NoError(t, err)
	before := trainableValues(m.Context())
	require.NotEmpty(t, before)

	for range 2 {
		require.NoError(t, m.SetLearningRate(0.5))
		lr, err = m.LearningRate()
		require.NoError(t, err)
		assert.InDelta(t, 0.5, lr, 1e-7)
	}
	assert.Equal(t, before, trainableValues(m.Context()))

	// With a zero learning rate a train step doesn't change the parameters.
	require.NoError(t, m.SetLearningRate(0))
	_, err = m.TrainStep(inputs, targets, nil)
	require.NoError(t, err)
	assert.Equal(t, before, trainableValues(m.Context()))

	require.Error(t, m.SetLearningRate(-1))
	require.Error(t, m.SetLearningRate(math.NaN()))
}

func TestInvalidInputs(t *testing.T) {
	cfg := smallConfig()
	m := newTestModel(t, cfg)
	inputs, targets := tokensBatch(cfg, 0)

	_, err := m.TrainStep(tensors.FromValue([][]int32{{1, 2}}), targets, nil)
	require.Error(t, err)
	_, err = m.TrainStep(inputs, tensors.FromShape(shapes.Make(dtypes.Float32, cfg.BatchSize, cfg.SeqLength)), nil)
	require.Error(t, err)
	_, err = m.TrainStep(inputs, targets, m.ZeroState()[:1])
	require.Error(t, err)
	_, _, err = m.Probabilities(nil, nil)
	require.Error(t, err)
}
