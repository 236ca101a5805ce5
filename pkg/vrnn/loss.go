// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrnn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// ReconstructionLoss returns the next-token cross-entropy of logits ([batchSize*seqLength, vocabSize])
// against targets ([batchSize, seqLength]): every position has weight 1, and the summed loss is divided
// by batchSize*seqLength.
func ReconstructionLoss(logits, targets *Node) *Node {
	numTokens := targets.Shape().Size()
	if logits.Rank() != 2 || logits.Shape().Dim(0) != numTokens {
		exceptions.Panicf("vrnn.ReconstructionLoss: logits %s don't match targets %s", logits.Shape(), targets.Shape())
	}
	labels := Reshape(targets, numTokens, 1)
	// The loss is already the mean over the tokens: ReduceAllMean only makes sure the result is a scalar.
	return ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{labels}, []*Node{logits}))
}

// KLStandardNormal returns the Kullback-Leibler divergence of the diagonal Gaussian N(mean, exp(logVar))
// from the standard normal N(0, I), reducing the last axis:
//
//	KL = 0.5 * Σ_d (exp(logVar) + mean² - 1 - logVar)
func KLStandardNormal(mean, logVar *Node) *Node {
	kl := Sub(Add(Exp(logVar), Square(mean)), OnePlus(logVar))
	return MulScalar(ReduceSum(kl, -1), 0.5)
}

// KLLoss takes, for each layer, the mean of KLStandardNormal over the batch and the sequence,
// and then averages over the layers.
//
// Latent-LSTM models are sometimes trained with the KL of the final state of each layer only. Here every
// step is included, so the KL covers the same positions as the reconstruction loss.
func KLLoss(means, logVars []*Node) *Node {
	if len(means) == 0 || len(means) != len(logVars) {
		exceptions.Panicf("vrnn.KLLoss: got %d means and %d log-variances", len(means), len(logVars))
	}
	var total *Node
	for ii := range means {
		layerKL := ReduceAllMean(KLStandardNormal(means[ii], logVars[ii]))
		if total == nil {
			total = layerKL
		} else {
			total = Add(total, layerKL)
		}
	}
	return DivScalar(total, float64(len(means)))
}

// Loss returns the training objective, reconstruction + KL, along with its two terms.
// There is no weighting or annealing of the KL term.
func Loss(out *Output, targets *Node) (total, reconstruction, kl *Node) {
	reconstruction = ReconstructionLoss(out.Logits, targets)
	kl = KLLoss(out.Encoded.Means, out.Encoded.LogVars)
	total = Add(reconstruction, kl)
	return
}
