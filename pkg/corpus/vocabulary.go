// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package corpus provides a character vocabulary and a stateful batch iterator over a text corpus,
// to train character level sequence models.
package corpus

import (
	"cmp"
	"encoding/json"
	"os"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Vocabulary maps characters (runes) to token ids and back.
// Ids are assigned by decreasing frequency in the text the vocabulary was built from, so id 0 is the most frequent
// character. Ties are broken by the rune value.
type Vocabulary struct {
	runes []rune
	ids   map[rune]int32
}

// BuildVocabulary creates a Vocabulary with all the characters in text.
func BuildVocabulary(text string) *Vocabulary {
	counts := make(map[rune]int)
	for _, r := range text {
		counts[r]++
	}
	runes := make([]rune, 0, len(counts))
	for r := range counts {
		runes = append(runes, r)
	}
	slices.SortFunc(runes, func(a, b rune) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return newVocabulary(runes)
}

func newVocabulary(runes []rune) *Vocabulary {
	v := &Vocabulary{runes: runes, ids: make(map[rune]int32, len(runes))}
	for ii, r := range runes {
		v.ids[r] = int32(ii)
	}
	return v
}

// Size returns the number of distinct characters.
func (v *Vocabulary) Size() int { return len(v.runes) }

// Encode text into token ids. It fails if text has a character not in the vocabulary.
func (v *Vocabulary) Encode(text string) ([]int32, error) {
	ids := make([]int32, 0, len(text))
	for pos, r := range text {
		id, found := v.ids[r]
		if !found {
			return nil, errors.Errorf("character %q at byte position %d is not in the vocabulary", r, pos)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Decode token ids back to text. Invalid ids are decoded as the Unicode replacement character.
func (v *Vocabulary) Decode(ids []int32) string {
	runes := make([]rune, len(ids))
	for ii, id := range ids {
		if id < 0 || int(id) >= len(v.runes) {
			runes[ii] = '�'
			continue
		}
		runes[ii] = v.runes[id]
	}
	return string(runes)
}

// vocabularyFile is the serialized form of a Vocabulary.
type vocabularyFile struct {
	Chars string `json:"chars"`
}

// Save the vocabulary as JSON to filePath.
func (v *Vocabulary) Save(filePath string) error {
	data, err := json.Marshal(vocabularyFile{Chars: string(v.runes)})
	if err != nil {
		return errors.Wrap(err, "failed to serialize vocabulary")
	}
	if err = os.WriteFile(filePath, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to save vocabulary to %q", filePath)
	}
	klog.V(1).Infof("saved vocabulary of %d characters to %q", v.Size(), filePath)
	return nil
}

// LoadVocabulary loads a vocabulary saved with Vocabulary.Save.
func LoadVocabulary(filePath string) (*Vocabulary, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read vocabulary from %q", filePath)
	}
	var vf vocabularyFile
	if err = json.Unmarshal(data, &vf); err != nil {
		return nil, errors.Wrapf(err, "failed to parse vocabulary in %q", filePath)
	}
	runes := []rune(vf.Chars)
	v := newVocabulary(runes)
	if len(v.ids) != len(runes) {
		return nil, errors.Errorf("vocabulary in %q has repeated characters", filePath)
	}
	return v, nil
}
