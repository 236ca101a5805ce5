// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrnn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// numStateFields is the number of tensors per layer in a State: cell, hidden, mean and log-variance.
const numStateFields = 4

// LayerState is the recurrent state of one latent-LSTM layer, each tensor shaped [batchSize, latentDimensions].
type LayerState struct {
	Cell, Hidden, Mean, LogVar *tensors.Tensor
}

// State of the recurrent encoder: one LayerState per layer.
//
// It is returned by Model.TrainStep, Model.Cost and Model.Probabilities so the caller can
// carry it over to the next chunk of the same sequences. The caller owns the tensors.
type State []LayerState

// Finalize immediately frees the tensors of the state. It shouldn't be used afterwards.
func (s State) Finalize() {
	for _, layer := range s {
		for _, t := range layer.tensors() {
			if t != nil {
				_ = t.FinalizeAll()
			}
		}
	}
}

func (l LayerState) tensors() []*tensors.Tensor {
	return []*tensors.Tensor{l.Cell, l.Hidden, l.Mean, l.LogVar}
}

// flatten returns the tensors in the order the graphs take them as inputs.
func (s State) flatten() []any {
	flat := make([]any, 0, numStateFields*len(s))
	for _, layer := range s {
		for _, t := range layer.tensors() {
			flat = append(flat, t)
		}
	}
	return flat
}

// validate checks the state matches the configuration.
func (s State) validate(cfg Config) error {
	if len(s) != cfg.NumLayers {
		return errors.Errorf("state has %d layers, model has %d", len(s), cfg.NumLayers)
	}
	want := shapes.Make(cfg.dtype(), cfg.BatchSize, cfg.LatentDimensions)
	names := []string{"Cell", "Hidden", "Mean", "LogVar"}
	for layerIdx, layer := range s {
		for ii, t := range layer.tensors() {
			if t == nil {
				return errors.Errorf("state of layer #%d: %s is nil", layerIdx, names[ii])
			}
			if !t.Shape().Equal(want) {
				return errors.Errorf("state of layer #%d: %s shaped %s, wanted %s", layerIdx, names[ii], t.Shape(), want)
			}
		}
	}
	return nil
}

// stateFromTensors rebuilds a State from the flat list of graph outputs.
func stateFromTensors(flat []*tensors.Tensor) State {
	s := make(State, len(flat)/numStateFields)
	for ii := range s {
		base := ii * numStateFields
		s[ii] = LayerState{Cell: flat[base], Hidden: flat[base+1], Mean: flat[base+2], LogVar: flat[base+3]}
	}
	return s
}

// nodesToLayers splits the flat list of graph inputs into per layer nodes.
func nodesToLayers(flat []*Node) []LayerNodes {
	layers := make([]LayerNodes, len(flat)/numStateFields)
	for ii := range layers {
		base := ii * numStateFields
		layers[ii] = LayerNodes{Cell: flat[base], Hidden: flat[base+1], Mean: flat[base+2], LogVar: flat[base+3]}
	}
	return layers
}

// layersToNodes is the inverse of nodesToLayers.
func layersToNodes(layers []LayerNodes) []*Node {
	flat := make([]*Node, 0, numStateFields*len(layers))
	for _, l := range layers {
		flat = append(flat, l.Cell, l.Hidden, l.Mean, l.LogVar)
	}
	return flat
}
