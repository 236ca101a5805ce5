// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrnn

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Scope is the context scope under which all model variables are created.
const Scope = "vrnn"

// NumDecoderHiddenLayers is the number of hidden layers ("theta") of the decoder.
// The first ones use ReLU activations, the last one is linear.
const NumDecoderHiddenLayers = 4

// Embed looks up tokens (integer, shaped [batchSize, seqLength]) in a square embedding table
// shaped [vocabSize, vocabSize], returning [batchSize, seqLength, vocabSize].
func Embed(ctx *context.Context, cfg Config, tokens *Node) *Node {
	if !tokens.DType().IsInt() {
		exceptions.Panicf("vrnn.Embed requires integer tokens, got %s", tokens.Shape())
	}
	tokens.AssertRank(2)
	// The trailing axis of size 1 tells layers.Embedding the indices are scalars, also when seqLength is 1.
	return layers.Embedding(ctx.In("embedding"), InsertAxes(tokens, -1), cfg.dtype(), cfg.VocabSize, cfg.VocabSize)
}

// Decode maps the latent variables z, shaped [batchSize, seqLength, latentDimensions], to the vocabulary
// logits, shaped [batchSize*seqLength, vocabSize].
func Decode(ctx *context.Context, cfg Config, z *Node) *Node {
	ctx = ctx.In("decoder")
	x := Reshape(z, -1, z.Shape().Dim(-1))
	for ii := range NumDecoderHiddenLayers {
		x = layers.Dense(ctx.In(fmt.Sprintf("theta_%d", ii+1)), x, true, cfg.DecoderWidth)
		if ii < NumDecoderHiddenLayers-1 {
			x = activations.Relu(x)
		}
	}
	return layers.Dense(ctx.In("logits"), x, true, cfg.VocabSize)
}

// Output of BuildGraph.
type Output struct {
	// Logits shaped [batchSize*seqLength, vocabSize].
	Logits *Node

	// Encoded holds the latent parameters of all layers and the final recurrent state.
	Encoded *Encoded
}

// BuildGraph builds the forward pass of the model: embedding, latent-LSTM encoder, latent sampling
// from the top layer and decoder.
//
// The variables are created under ctx.In(Scope). If initial is nil, the recurrent state starts at zero.
func BuildGraph(ctx *context.Context, cfg Config, tokens *Node, initial []LayerNodes) *Output {
	ctx = ctx.In(Scope)
	embedded := Embed(ctx, cfg, tokens)
	enc := Encode(ctx, cfg, embedded, initial)
	top := len(enc.Means) - 1
	z := SampleLatent(ctx, enc.Means[top], enc.LogVars[top])
	return &Output{
		Logits:  Decode(ctx, cfg, z),
		Encoded: enc,
	}
}
