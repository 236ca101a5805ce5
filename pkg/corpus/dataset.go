// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"io"
	"os"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dataset yields batches of inputs and targets (the inputs shifted by one token) shaped [batchSize, seqLength].
//
// The token stream is split into batchSize contiguous streams, one per batch row, and each batch continues the
// streams where the previous batch stopped. This allows the recurrent state of a model to be carried over
// from one batch to the next within an epoch.
//
// Tokens that don't fill a complete batch at the end of the stream are dropped, and the target of the very
// last token wraps around to the first token.
//
// It implements train.Dataset: Yield returns io.EOF at the end of the epoch, and Reset restarts it.
type Dataset struct {
	name                 string
	batchSize, seqLength int
	numBatches           int

	// inputs and targets hold numBatches*batchSize*seqLength tokens each, organized as batchSize streams.
	inputs, targets []int32
	next            int
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset over the token ids.
// It returns an error if there are not enough tokens for at least one batch.
func NewDataset(name string, ids []int32, batchSize, seqLength int) (*Dataset, error) {
	if batchSize <= 0 || seqLength <= 0 {
		return nil, errors.Errorf("corpus.NewDataset: batchSize (%d) and seqLength (%d) must be > 0", batchSize, seqLength)
	}
	batchTokens := batchSize * seqLength
	numBatches := len(ids) / batchTokens
	if numBatches == 0 {
		return nil, errors.Errorf("corpus.NewDataset(%q): %d tokens is not enough for one batch of %dx%d, "+
			"make batch_size or seq_length smaller", name, len(ids), batchSize, seqLength)
	}
	n := numBatches * batchTokens
	ds := &Dataset{
		name:       name,
		batchSize:  batchSize,
		seqLength:  seqLength,
		numBatches: numBatches,
		inputs:     slices.Clone(ids[:n]),
		targets:    make([]int32, n),
	}
	copy(ds.targets, ds.inputs[1:])
	ds.targets[n-1] = ds.inputs[0]
	klog.V(1).Infof("corpus %q: %d tokens, %d batches of %dx%d", name, len(ids), numBatches, batchSize, seqLength)
	return ds, nil
}

// LoadFile reads the text file at filePath.
func LoadFile(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read corpus from %q", filePath)
	}
	return string(data), nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumBatches returns the number of batches per epoch.
func (ds *Dataset) NumBatches() int { return ds.numBatches }

// Reset implements train.Dataset, restarting from the first batch.
func (ds *Dataset) Reset() { ds.next = 0 }

// Next returns the next batch of inputs and targets, or io.EOF at the end of the epoch.
func (ds *Dataset) Next() (inputs, targets *tensors.Tensor, err error) {
	if ds.next >= ds.numBatches {
		return nil, nil, io.EOF
	}
	inputs = ds.batch(ds.inputs, ds.next)
	targets = ds.batch(ds.targets, ds.next)
	ds.next++
	return
}

// Yield implements train.Dataset. It yields one input and one label tensor, both shaped [batchSize, seqLength].
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	in, target, err := ds.Next()
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{in}, []*tensors.Tensor{target}, nil
}

// batch returns batch number batchIdx of tokens as a [batchSize, seqLength] tensor.
func (ds *Dataset) batch(tokens []int32, batchIdx int) *tensors.Tensor {
	streamLength := ds.numBatches * ds.seqLength
	flat := make([]int32, 0, ds.batchSize*ds.seqLength)
	for row := range ds.batchSize {
		start := row*streamLength + batchIdx*ds.seqLength
		flat = append(flat, tokens[start:start+ds.seqLength]...)
	}
	return tensors.FromFlatDataAndDimensions(flat, ds.batchSize, ds.seqLength)
}
