// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package clipnorm implements gradient clipping by global norm.
//
// The global norm of a collection of gradients is the L2 norm of all their values taken together,
// sqrt(Σ_i ‖g_i‖²). Clipping rescales every gradient by maxNorm/max(globalNorm, maxNorm), so the
// direction of the update is preserved and its global norm is never larger than maxNorm.
//
// It is commonly used with recurrent models, to avoid the occasional exploding gradients.
//
// Example, wrapping Adam:
//
//	opt := clipnorm.Wrap(optimizers.Adam().FromContext(ctx).Done(), 5.0)
//	...
//	opt.UpdateGraph(ctx, g, loss)
package clipnorm

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// GlobalNorm returns sqrt(Σ_i ReduceAllSum(grads[i]²)) as a scalar of the dtype of the first gradient.
func GlobalNorm(grads []*Node) *Node {
	if len(grads) == 0 {
		exceptions.Panicf("clipnorm.GlobalNorm requires at least one gradient")
	}
	dtype := grads[0].DType()
	var sumSquares *Node
	for _, grad := range grads {
		sq := ReduceAllSum(Square(grad))
		if sq.DType() != dtype {
			sq = ConvertDType(sq, dtype)
		}
		if sumSquares == nil {
			sumSquares = sq
		} else {
			sumSquares = Add(sumSquares, sq)
		}
	}
	return Sqrt(sumSquares)
}

// ByGlobalNorm rescales grads so their global norm is at most maxNorm.
// It returns the clipped gradients and the global norm before clipping.
//
// Gradients whose global norm is already <= maxNorm are returned unchanged (multiplied by 1).
// If the global norm is not finite, the returned gradients won't be either.
func ByGlobalNorm(grads []*Node, maxNorm float64) (clipped []*Node, globalNorm *Node) {
	if !(maxNorm > 0) {
		exceptions.Panicf("clipnorm.ByGlobalNorm requires maxNorm > 0, got %g", maxNorm)
	}
	globalNorm = GlobalNorm(grads)
	g := globalNorm.Graph()
	scale := Div(Scalar(g, globalNorm.DType(), maxNorm), MaxScalar(globalNorm, maxNorm))
	clipped = make([]*Node, len(grads))
	for ii, grad := range grads {
		gradScale := scale
		if gradScale.DType() != grad.DType() {
			gradScale = ConvertDType(gradScale, grad.DType())
		}
		clipped[ii] = Mul(grad, gradScale)
	}
	return
}

// WithGradients is implemented by optimizers that can apply externally computed gradients,
// like the ones returned by optimizers.Adam and optimizers.StochasticGradientDescent.
//
// grads must be in the order of context.Context.BuildTrainableVariablesGradientsGraph.
type WithGradients interface {
	optimizers.Interface
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// Optimizer wraps another optimizer, clipping the gradients by their global norm before handing them over.
// It implements optimizers.Interface.
type Optimizer struct {
	inner   WithGradients
	maxNorm float64

	// lastNorm holds the global norm node of the last graph built. Only used for introspection.
	lastNorm *Node
}

// New wraps opt with gradient clipping by global norm.
//
// It returns an error if opt can't take externally computed gradients (see WithGradients),
// or if maxNorm is not positive.
func New(opt optimizers.Interface, maxNorm float64) (*Optimizer, error) {
	inner, ok := opt.(WithGradients)
	if !ok {
		return nil, errors.Errorf("clipnorm: optimizer %T doesn't implement UpdateGraphWithGradients", opt)
	}
	if !(maxNorm > 0) {
		return nil, errors.Errorf("clipnorm: maxNorm must be > 0, got %g", maxNorm)
	}
	return &Optimizer{inner: inner, maxNorm: maxNorm}, nil
}

// Wrap is like New, but it panics on error. Use it while building graphs.
func Wrap(opt optimizers.Interface, maxNorm float64) *Optimizer {
	o, err := New(opt, maxNorm)
	if err != nil {
		panic(err)
	}
	return o
}

// MaxNorm returns the clipping threshold.
func (o *Optimizer) MaxNorm() float64 { return o.maxNorm }

// UpdateGraph implements optimizers.Interface.
func (o *Optimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("clipnorm: optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	o.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// UpdateGraphWithGradients clips grads and passes them to the wrapped optimizer.
func (o *Optimizer) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	if len(grads) == 0 {
		exceptions.Panicf("clipnorm: no gradients to clip, are there any trainable variables ?")
	}
	var clipped []*Node
	clipped, o.lastNorm = ByGlobalNorm(grads, o.maxNorm)
	o.inner.UpdateGraphWithGradients(ctx, clipped, lossDType)
}

// LastGlobalNorm returns the node with the (unclipped) global norm of the gradients, from the
// last call to UpdateGraph. It is only valid while building that same graph.
func (o *Optimizer) LastGlobalNorm() *Node { return o.lastNorm }

// Clear implements optimizers.Interface, clearing the wrapped optimizer.
func (o *Optimizer) Clear(ctx *context.Context) error {
	return o.inner.Clear(ctx)
}
