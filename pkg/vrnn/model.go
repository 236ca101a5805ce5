// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrnn

import (
	"math"
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/vrnn/pkg/ml/train/clipnorm"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is a latent-LSTM VRNN bound to a backend and a context holding its variables.
//
// It is not safe for concurrent use: calls to TrainStep and SetLearningRate must be serialized.
type Model struct {
	backend backends.Backend
	ctx     *context.Context
	cfg     Config

	optimizer    *clipnorm.Optimizer
	learningRate *context.Variable

	trainExec, costExec, probsExec *context.Exec
	learningRateExec               *context.Exec
}

// StepResult is returned by Model.TrainStep and Model.Cost.
type StepResult struct {
	// Cost is the total loss: Reconstruction + KL.
	Cost float64

	// Reconstruction is the normalized cross-entropy of the next token predictions.
	Reconstruction float64

	// KL is the divergence of the latent distributions from the standard normal prior, averaged over the layers.
	KL float64

	// GradientNorm is the global norm of the gradients before clipping. Only set by TrainStep.
	GradientNorm float64

	// FinalState to be passed to the next step, if the next batch continues the same sequences.
	FinalState State
}

// New creates a Model with the given configuration.
//
// The variables are created in ctx (or in a new context if ctx is nil) the first time one of the graphs is executed.
// If ctx already holds the variables (for instance loaded from a checkpoint) they are reused, including the
// learning rate and the optimizer state.
func New(backend backends.Backend, ctx *context.Context, cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, errors.New("vrnn.New requires a backend")
	}
	if ctx == nil {
		ctx = context.New()
	}
	m := &Model{
		backend: backend,
		ctx:     ctx.Checked(false),
		cfg:     cfg,
	}
	err := exceptions.TryCatch[error](func() {
		m.learningRate = optimizers.LearningRateVar(m.ctx, cfg.dtype(), cfg.LearningRate)
		m.optimizer = clipnorm.Wrap(optimizers.Adam().FromContext(m.ctx).Done(), cfg.MaxGradNorm)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "vrnn.New failed to configure optimizer")
	}

	if m.trainExec, err = context.NewExec(backend, m.ctx, m.trainGraph); err != nil {
		return nil, errors.WithMessage(err, "vrnn.New failed to create train step executor")
	}
	if m.costExec, err = context.NewExec(backend, m.ctx, m.costGraph); err != nil {
		return nil, errors.WithMessage(err, "vrnn.New failed to create cost executor")
	}
	if m.probsExec, err = context.NewExec(backend, m.ctx, m.probabilitiesGraph); err != nil {
		return nil, errors.WithMessage(err, "vrnn.New failed to create probabilities executor")
	}
	m.learningRateExec, err = context.NewExec(backend, m.ctx, func(_ *context.Context, g *Graph) *Node {
		return ConvertDType(m.learningRate.ValueGraph(g), dtypes.Float64)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "vrnn.New failed to create learning rate executor")
	}
	return m, nil
}

// Config returns the configuration the model was created with.
func (m *Model) Config() Config { return m.cfg }

// Context returns the context holding the model variables and hyperparameters.
func (m *Model) Context() *context.Context { return m.ctx }

// NumParameters returns the number of scalar values held in the model's context.
// It is 0 until a graph has been executed, since variables are created lazily.
func (m *Model) NumParameters() int { return m.ctx.NumParameters() }

// GlobalStep returns the number of train steps taken so far, including the ones restored from a checkpoint.
func (m *Model) GlobalStep() (step int64, err error) {
	err = exceptions.TryCatch[error](func() { step = optimizers.GetGlobalStep(m.ctx) })
	return
}

// ZeroState returns an all-zero State, to be used at the start of the sequences.
func (m *Model) ZeroState() State {
	shape := shapes.Make(m.cfg.dtype(), m.cfg.BatchSize, m.cfg.LatentDimensions)
	s := make(State, m.cfg.NumLayers)
	for ii := range s {
		s[ii] = LayerState{
			Cell:   tensors.FromShape(shape),
			Hidden: tensors.FromShape(shape),
			Mean:   tensors.FromShape(shape),
			LogVar: tensors.FromShape(shape),
		}
	}
	return s
}

// TrainStep runs one optimization step: the forward pass with sampled latent variables, the loss and
// the Adam update of all trainable variables with the gradients clipped by their global norm.
//
// inputs and targets are integer tensors shaped [batchSize, seqLength], and targets are usually the inputs
// shifted by one position. If state is nil, the zero state is used.
func (m *Model) TrainStep(inputs, targets *tensors.Tensor, state State) (StepResult, error) {
	var result StepResult
	if state == nil {
		state = m.ZeroState()
		defer state.Finalize()
	}
	args, err := m.execArgs(inputs, targets, state)
	if err != nil {
		return result, errors.WithMessage(err, "vrnn.TrainStep")
	}
	outputs, _, err := m.trainExec.ExecWithGraph(args...)
	if err != nil {
		return result, errors.WithMessage(err, "vrnn.TrainStep")
	}
	result.Cost = tensors.ToScalar[float64](outputs[0])
	result.Reconstruction = tensors.ToScalar[float64](outputs[1])
	result.KL = tensors.ToScalar[float64](outputs[2])
	result.GradientNorm = tensors.ToScalar[float64](outputs[3])
	result.FinalState = stateFromTensors(outputs[4:])
	for _, t := range outputs[:4] {
		_ = t.FinalizeAll()
	}
	if klog.V(2).Enabled() {
		klog.Infof("vrnn.TrainStep: cost=%.4f (reconstruction=%.4f, kl=%.4f), gradient norm=%.4f",
			result.Cost, result.Reconstruction, result.KL, result.GradientNorm)
	}
	return result, nil
}

// Cost evaluates the loss without updating the model. The latent variables are not sampled,
// their means are used instead, so the result is deterministic.
func (m *Model) Cost(inputs, targets *tensors.Tensor, state State) (StepResult, error) {
	var result StepResult
	if state == nil {
		state = m.ZeroState()
		defer state.Finalize()
	}
	args, err := m.execArgs(inputs, targets, state)
	if err != nil {
		return result, errors.WithMessage(err, "vrnn.Cost")
	}
	outputs, _, err := m.costExec.ExecWithGraph(args...)
	if err != nil {
		return result, errors.WithMessage(err, "vrnn.Cost")
	}
	result.Cost = tensors.ToScalar[float64](outputs[0])
	result.Reconstruction = tensors.ToScalar[float64](outputs[1])
	result.KL = tensors.ToScalar[float64](outputs[2])
	result.FinalState = stateFromTensors(outputs[3:])
	for _, t := range outputs[:3] {
		_ = t.FinalizeAll()
	}
	return result, nil
}

// Probabilities returns the next token distributions, shaped [batchSize*seqLength, vocabSize], and the final state.
// Like Cost, it uses the means of the latent variables.
func (m *Model) Probabilities(inputs *tensors.Tensor, state State) (*tensors.Tensor, State, error) {
	if err := m.checkTokens("inputs", inputs); err != nil {
		return nil, nil, errors.WithMessage(err, "vrnn.Probabilities")
	}
	if state == nil {
		state = m.ZeroState()
		defer state.Finalize()
	}
	if err := state.validate(m.cfg); err != nil {
		return nil, nil, errors.WithMessage(err, "vrnn.Probabilities")
	}
	args := append([]any{inputs}, state.flatten()...)
	outputs, _, err := m.probsExec.ExecWithGraph(args...)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "vrnn.Probabilities")
	}
	return outputs[0], stateFromTensors(outputs[1:]), nil
}

// SetLearningRate sets the learning rate used by the following train steps.
// It only changes the learning rate variable: trainable variables and optimizer moments are not touched.
func (m *Model) SetLearningRate(learningRate float64) error {
	if math.IsNaN(learningRate) || math.IsInf(learningRate, 0) || learningRate < 0 {
		return errors.Errorf("vrnn.SetLearningRate: invalid learning rate %g", learningRate)
	}
	value := tensors.FromAnyValue(shapes.CastAsDType(learningRate, m.learningRate.Shape().DType))
	if err := m.learningRate.SetValue(value); err != nil {
		return errors.WithMessagef(err, "vrnn.SetLearningRate(%g)", learningRate)
	}
	klog.V(1).Infof("vrnn: learning rate set to %g", learningRate)
	return nil
}

// LearningRate returns the current value of the learning rate variable.
func (m *Model) LearningRate() (float64, error) {
	outputs, _, err := m.learningRateExec.ExecWithGraph()
	if err != nil {
		return 0, errors.WithMessage(err, "vrnn.LearningRate")
	}
	defer func() { _ = outputs[0].FinalizeAll() }()
	return tensors.ToScalar[float64](outputs[0]), nil
}

// Finalize frees the compiled graphs. The variables remain in the context.
func (m *Model) Finalize() {
	for _, e := range []*context.Exec{m.trainExec, m.costExec, m.probsExec, m.learningRateExec} {
		if e != nil {
			e.Finalize()
		}
	}
}

// execArgs validates and flattens the arguments of the train and cost graphs.
func (m *Model) execArgs(inputs, targets *tensors.Tensor, state State) ([]any, error) {
	if err := m.checkTokens("inputs", inputs); err != nil {
		return nil, err
	}
	if err := m.checkTokens("targets", targets); err != nil {
		return nil, err
	}
	if state == nil {
		return nil, errors.New("state is nil")
	}
	if err := state.validate(m.cfg); err != nil {
		return nil, err
	}
	return append([]any{inputs, targets}, state.flatten()...), nil
}

func (m *Model) checkTokens(name string, t *tensors.Tensor) error {
	if t == nil {
		return errors.Errorf("%s is nil", name)
	}
	if !t.DType().IsInt() {
		return errors.Errorf("%s must be integer token ids, got dtype %s", name, t.DType())
	}
	if want := []int{m.cfg.BatchSize, m.cfg.SeqLength}; !slices.Equal(t.Shape().Dimensions, want) {
		return errors.Errorf("%s shaped %s, wanted dimensions %v", name, t.Shape(), want)
	}
	return nil
}

// trainGraph takes as inputs tokens, targets and the flattened state, and returns
// the cost, its two terms, the gradient norm and the final state.
func (m *Model) trainGraph(ctx *context.Context, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	klog.V(1).Infof("vrnn: building train step graph for inputs %s", inputs[0].Shape())
	ctx.SetTraining(g, true)
	out := BuildGraph(ctx, m.cfg, inputs[0], nodesToLayers(inputs[2:]))
	cost, reconstruction, kl := Loss(out, inputs[1])
	m.optimizer.UpdateGraph(ctx, g, cost)
	scalars := []*Node{cost, reconstruction, kl, m.optimizer.LastGlobalNorm()}
	for ii, s := range scalars {
		scalars[ii] = ConvertDType(s, dtypes.Float64)
	}
	return append(scalars, layersToNodes(out.Encoded.Final)...)
}

// costGraph is like trainGraph, but without the update and in inference mode.
func (m *Model) costGraph(ctx *context.Context, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	ctx.SetTraining(g, false)
	out := BuildGraph(ctx, m.cfg, inputs[0], nodesToLayers(inputs[2:]))
	cost, reconstruction, kl := Loss(out, inputs[1])
	scalars := []*Node{cost, reconstruction, kl}
	for ii, s := range scalars {
		scalars[ii] = ConvertDType(s, dtypes.Float64)
	}
	return append(scalars, layersToNodes(out.Encoded.Final)...)
}

// probabilitiesGraph takes tokens and the flattened state, and returns the softmax of the logits and the final state.
func (m *Model) probabilitiesGraph(ctx *context.Context, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	ctx.SetTraining(g, false)
	out := BuildGraph(ctx, m.cfg, inputs[0], nodesToLayers(inputs[1:]))
	probs := Softmax(out.Logits, -1)
	return append([]*Node{probs}, layersToNodes(out.Encoded.Final)...)
}
