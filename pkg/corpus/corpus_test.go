// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVocabulary(t *testing.T) {
	vocab := BuildVocabulary("abracadabra!")
	require.Equal(t, 6, vocab.Size())
	// Most frequent first: a(5), b(2), r(2), c(1), d(1), !(1); ties broken by rune value.
	assert.Equal(t, "abr!cd", string(vocab.runes))

	ids, err := vocab.Encode("cab!")
	require.NoError(t, err)
	assert.Equal(t, []int32{4, 0, 1, 3}, ids)
	assert.Equal(t, "cab!", vocab.Decode(ids))
	assert.Equal(t, "a�", vocab.Decode([]int32{0, 17}))

	_, err = vocab.Encode("abz")
	require.Error(t, err)

	// Multi-byte characters are single tokens.
	vocab = BuildVocabulary("ação")
	assert.Equal(t, 4, vocab.Size())

	filePath := filepath.Join(t.TempDir(), "vocab.json")
	require.NoError(t, vocab.Save(filePath))
	loaded, err := LoadVocabulary(filePath)
	require.NoError(t, err)
	assert.Equal(t, vocab.runes, loaded.runes)
	assert.Equal(t, vocab.ids, loaded.ids)
}

func TestDataset(t *testing.T) {
	// 26 tokens, batch 2x3: 4 batches (24 tokens), the last 2 tokens are dropped.
	ids := make([]int32, 26)
	for ii := range ids {
		ids[ii] = int32(ii)
	}
	ds, err := NewDataset("test", ids, 2, 3)
	require.NoError(t, err)
	require.Equal(t, 4, ds.NumBatches())

	var allInputs, allTargets [][][]int32
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Nil(t, spec)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		allInputs = append(allInputs, inputs[0].Value().([][]int32))
		allTargets = append(allTargets, labels[0].Value().([][]int32))
	}
	require.Len(t, allInputs, 4)

	// Each row is a contiguous stream of 12 tokens, continued across batches.
	assert.Equal(t, [][]int32{{0, 1, 2}, {12, 13, 14}}, allInputs[0])
	assert.Equal(t, [][]int32{{3, 4, 5}, {15, 16, 17}}, allInputs[1])
	assert.Equal(t, [][]int32{{9, 10, 11}, {21, 22, 23}}, allInputs[3])

	// Targets are the inputs shifted by one, and the very last one wraps around to the first token.
	assert.Equal(t, [][]int32{{1, 2, 3}, {13, 14, 15}}, allTargets[0])
	assert.Equal(t, [][]int32{{10, 11, 12}, {22, 23, 0}}, allTargets[3])

	// Reset restarts the epoch.
	ds.Reset()
	inputs, _, err := ds.Next()
	require.NoError(t, err)
	assert.Equal(t, allInputs[0], inputs.Value().([][]int32))

	_, err = NewDataset("small", ids[:5], 2, 3)
	require.Error(t, err)
}
