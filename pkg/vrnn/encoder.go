// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrnn

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// ForgetBias is added to the forget gate pre-activation, so that at initialization the cell
// tends to remember.
const ForgetBias = 1.0

// LayerNodes is the graph side of LayerState: the recurrent state of one latent-LSTM layer.
// All nodes are shaped [batchSize, latentDimensions].
type LayerNodes struct {
	Cell, Hidden, Mean, LogVar *Node
}

// Encoded is the output of Encode.
type Encoded struct {
	// Hidden is the sequence of hidden states of the top layer, shaped [batchSize, seqLength, latentDimensions].
	Hidden *Node

	// Means and LogVars hold, for each layer, the latent Gaussian parameters for every step,
	// shaped [batchSize, seqLength, latentDimensions].
	Means, LogVars []*Node

	// Final is the state after the last step, one entry per layer.
	Final []LayerNodes
}

// ZeroLayerNodes returns an all-zero state for numLayers layers.
func ZeroLayerNodes(g *Graph, cfg Config, numLayers int) []LayerNodes {
	zeros := func() *Node { return Zeros(g, shapes.Make(cfg.dtype(), cfg.BatchSize, cfg.LatentDimensions)) }
	state := make([]LayerNodes, numLayers)
	for ii := range state {
		state[ii] = LayerNodes{Cell: zeros(), Hidden: zeros(), Mean: zeros(), LogVar: zeros()}
	}
	return state
}

// Encode runs the stack of cfg.NumLayers latent-LSTM layers over x, shaped [batchSize, seqLength, features].
//
// Each layer is an LSTM cell (gates laid out as in the lstm layer: input, output, forget, cell)
// augmented with a latent head: at every step the hidden state h_t is projected to 2*latentDimensions
// values and split into the mean and log-variance of a diagonal Gaussian.
// The input of layer l+1 at step t is the hidden state of layer l at step t.
//
// If initial is nil the recurrent state starts at zero. The Mean and LogVar of the initial state
// are not used by the computation, they are only carried so the state is complete.
func Encode(ctx *context.Context, cfg Config, x *Node, initial []LayerNodes) *Encoded {
	g := x.Graph()
	if x.Rank() != 3 {
		exceptions.Panicf("vrnn.Encode requires x shaped [batchSize, seqLength, features], got %s", x.Shape())
	}
	if initial == nil {
		initial = ZeroLayerNodes(g, cfg, cfg.NumLayers)
	}
	if len(initial) != cfg.NumLayers {
		exceptions.Panicf("vrnn.Encode: initial state has %d layers, but model is configured with %d", len(initial), cfg.NumLayers)
	}

	enc := &Encoded{
		Means:   make([]*Node, cfg.NumLayers),
		LogVars: make([]*Node, cfg.NumLayers),
		Final:   make([]LayerNodes, cfg.NumLayers),
	}
	layerInput := x
	for layerIdx := range cfg.NumLayers {
		layerCtx := ctx.In(layerScope(layerIdx))
		var hidden *Node
		hidden, enc.Means[layerIdx], enc.LogVars[layerIdx], enc.Final[layerIdx] =
			latentLSTMLayer(layerCtx, layerInput, initial[layerIdx], cfg.LatentDimensions)
		layerInput = hidden
	}
	enc.Hidden = layerInput
	return enc
}

// latentLSTMLayer runs one layer over the full sequence.
// It returns the hidden states, means and log-variances for every step, shaped [batchSize, seqLength, hiddenSize],
// and the final state.
func latentLSTMLayer(ctx *context.Context, x *Node, initial LayerNodes, hiddenSize int) (
	hiddenStates, means, logVars *Node, final LayerNodes) {
	dtype := x.DType()
	g := x.Graph()
	batchSize := x.Shape().Dim(0)
	sequenceSize := x.Shape().Dim(1)
	featuresSize := x.Shape().Dim(2)
	initial.Cell.AssertDims(batchSize, hiddenSize)
	initial.Hidden.AssertDims(batchSize, hiddenSize)

	inputsW := ctx.VariableWithShape("inputsW", shapes.Make(dtype, 4, hiddenSize, featuresSize)).ValueGraph(g)
	recurrentW := ctx.VariableWithShape("recurrentW", shapes.Make(dtype, 4, hiddenSize, hiddenSize)).ValueGraph(g)
	biasesW := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biasesW", shapes.Make(dtype, 8, hiddenSize)).ValueGraph(g)
	latentW := ctx.VariableWithShape("latentW", shapes.Make(dtype, hiddenSize, 2*hiddenSize)).ValueGraph(g)
	latentB := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("latentB", shapes.Make(dtype, 2*hiddenSize)).ValueGraph(g)

	// Linear projections of x for all steps at once.
	// b->batchSize, s->sequenceSize, f->featuresSize, n=4, h->hiddenSize.
	projX := Einsum("bsf,nhf->nbsh", x, inputsW)
	{
		biasX := Slice(biasesW, AxisRangeFromStart(4)) // 4 first biases.
		biasX = ExpandAxes(biasX, 1, 2)                // Create batchSize and seqLen axes.
		projX = Add(projX, biasX)
	}
	biasState := Slice(biasesW, AxisRangeToEnd(4)) // 4 last biases.
	biasState = Reshape(biasState, 4, 1, hiddenSize)

	prevHidden, prevCell := initial.Hidden, initial.Cell
	seqHidden := make([]*Node, sequenceSize)
	for seqPos := range sequenceSize {
		projState := Einsum("bh,njh->nbj", prevHidden, recurrentW) // [4, batchSize, hiddenSize]
		projState = Add(projState, biasState)

		// elemIdx: 0 input; 1 output; 2 forget; 3 cell.
		gate := func(elemIdx int) *Node {
			proj := Slice(projX, AxisElem(elemIdx), AxisRange(), AxisElem(seqPos))
			proj = Reshape(proj, batchSize, hiddenSize)
			return Add(proj, Squeeze(Slice(projState, AxisElem(elemIdx)), 0))
		}
		iT := Sigmoid(gate(0))
		oT := Sigmoid(gate(1))
		fT := Sigmoid(AddScalar(gate(2), ForgetBias))
		cT := Tanh(gate(3))
		cellState := Add(Mul(prevCell, fT), Mul(cT, iT))
		hiddenState := Mul(oT, Tanh(cellState))

		seqHidden[seqPos] = hiddenState
		prevHidden, prevCell = hiddenState, cellState
	}
	hiddenStates = Stack(seqHidden, 1) // [batchSize, sequenceSize, hiddenSize]

	// Latent head: mean and log-variance of every step.
	stats := Add(Einsum("bsh,hk->bsk", hiddenStates, latentW), ExpandAxes(latentB, 0, 1))
	parts := Split(stats, -1, 2)
	means, logVars = parts[0], parts[1]

	lastStep := func(seq *Node) *Node {
		return Reshape(Slice(seq, AxisRange(), AxisElem(sequenceSize-1)), batchSize, hiddenSize)
	}
	final = LayerNodes{
		Cell:   prevCell,
		Hidden: prevHidden,
		Mean:   lastStep(means),
		LogVar: lastStep(logVars),
	}
	return
}

// SampleLatent returns the decoder input z for the given latent parameters.
//
// When ctx is in training mode for the graph, it uses the reparameterization z = mean + exp(logVar/2)*eps,
// with eps ~ N(0, I) drawn from the context random number generator.
// Otherwise, it returns the mean, making inference deterministic.
func SampleLatent(ctx *context.Context, mean, logVar *Node) *Node {
	g := mean.Graph()
	if !ctx.IsTraining(g) {
		return mean
	}
	eps := ctx.RandomNormal(g, mean.Shape())
	return Add(mean, Mul(Exp(MulScalar(logVar, 0.5)), eps))
}

// layerScope is the scope name of the variables of the layer with the given index.
func layerScope(layerIdx int) string {
	return fmt.Sprintf("layer_%d", layerIdx)
}
