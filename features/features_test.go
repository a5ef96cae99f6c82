package features

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/go-punctuation/dataset"
	"github.com/gomlx/go-punctuation/tokenizers/api"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	padID   = 0
	startID = 1
	endID   = 2
	unkID   = 3
)

// fakeTokenizer splits words using a fixed table; unknown words become one unknown piece.
type fakeTokenizer struct {
	pieces map[string][]int
}

var _ api.WordTokenizer = &fakeTokenizer{}

func newFakeTokenizer() *fakeTokenizer {
	return &fakeTokenizer{pieces: map[string][]int{
		"hello": {10},
		"world": {11},
		"today": {12, 13},
		"cafe":  {20},
		"café":  {21},
		"empty": {},
	}}
}

func (f *fakeTokenizer) Encode(text string) []int { return f.Pieces(text) }
func (f *fakeTokenizer) Decode(ids []int) string  { return fmt.Sprint(ids) }
func (f *fakeTokenizer) Pieces(word string) []int {
	if pieces, found := f.pieces[word]; found {
		return pieces
	}
	return []int{unkID}
}
func (f *fakeTokenizer) AddTokens(tokens ...string) int { return 0 }
func (f *fakeTokenizer) VocabSize() int                 { return 30 }
func (f *fakeTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokPad:
		return padID, nil
	case api.TokBeginningOfSentence:
		return startID, nil
	case api.TokEndOfSentence:
		return endID, nil
	case api.TokUnknown:
		return unkID, nil
	}
	return 0, errors.Errorf("no %s token", token)
}

func testLabelMap(t *testing.T) *dataset.LabelMap {
	labelMap, err := dataset.NewLabelMap([]string{"O", "PERIOD", "COMMA"})
	require.NoError(t, err)
	return labelMap
}

func helloWorldToday() dataset.Example {
	return dataset.Example{
		Words:  []string{"hello", "world", "today"},
		Labels: []string{"O", "O", "PERIOD"},
	}
}

func TestEncodeEndToEnd(t *testing.T) {
	f, err := Encode(helloWorldToday(), testLabelMap(t), 8, newFakeTokenizer(), 0, ModeEval, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{startID, 10, 11, 12, 13, endID, padID, padID}, f.InputIDs)
	assert.Equal(t, []int{1, 1, 1, 1, 1, 1, 0, 0}, f.InputMask)
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0, 0, 0}, f.SegmentIDs)
	assert.Equal(t, []int{0, 1, 1, 2, 4, 0, 0, 0}, f.LabelIDs)
	assert.Equal(t, []int{0, 1, 1, 1, 0, 0, 0, 0}, f.ValidIDs)
	assert.Equal(t, []int{0, 1, 1, 1, 1, 0, 0, 0}, f.LabelMask)
	assert.Equal(t, 3, f.NumWords)
}

func TestEncodeTruncation(t *testing.T) {
	labelMap := testLabelMap(t)
	tok := newFakeTokenizer()

	// Exactly fits: 4 pieces + 2 markers.
	f, err := Encode(helloWorldToday(), labelMap, 6, tok, 0, ModeEval, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{startID, 10, 11, 12, 13, endID}, f.InputIDs)
	assert.Equal(t, []int{0, 1, 1, 2, 4, 0}, f.LabelIDs)
	assert.Equal(t, 3, f.NumWords)

	// One short: "today" is dropped whole, never split.
	f, err = Encode(helloWorldToday(), labelMap, 5, tok, 0, ModeEval, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{startID, 10, 11, endID, padID}, f.InputIDs)
	assert.Equal(t, []int{1, 1, 1, 1, 0}, f.InputMask)
	assert.Equal(t, []int{0, 1, 1, 4, 0}, f.LabelIDs)
	assert.Equal(t, []int{0, 1, 1, 0, 0}, f.ValidIDs)
	assert.Equal(t, []int{0, 1, 1, 1, 0}, f.LabelMask)
	assert.Equal(t, 2, f.NumWords)

	// Nothing fits.
	f, err = Encode(helloWorldToday(), labelMap, 2, tok, 0, ModeEval, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{startID, endID}, f.InputIDs)
	assert.Equal(t, []int{0, 4}, f.LabelIDs)
	assert.Equal(t, []int{0, 1}, f.LabelMask)
	assert.Equal(t, 0, f.NumWords)

	_, err = Encode(helloWorldToday(), labelMap, 1, tok, 0, ModeEval, nil)
	require.Error(t, err)
}

func TestEncodeTruncationBoundary(t *testing.T) {
	// max_seq_length-1 one-piece words: the last word is dropped, max_seq_length-2 remain.
	const maxSeqLength = 8
	var example dataset.Example
	for i := range maxSeqLength - 1 {
		example.Words = append(example.Words, []string{"hello", "world"}[i%2])
		example.Labels = append(example.Labels, "O")
	}
	example.Labels[len(example.Labels)-1] = "PERIOD"

	f, err := Encode(example, testLabelMap(t), maxSeqLength, newFakeTokenizer(), 0, ModeEval, nil)
	require.NoError(t, err)
	assert.Equal(t, maxSeqLength-2, f.NumWords)
	assert.Equal(t, []int{startID, 10, 11, 10, 11, 10, 11, endID}, f.InputIDs)
	assert.Equal(t, []int{0, 1, 1, 1, 1, 1, 1, 0}, f.ValidIDs)
	assert.Equal(t, []int{0, 1, 1, 1, 1, 1, 1, 4}, f.LabelIDs)
	assert.Equal(t, []int{0, 1, 1, 1, 1, 1, 1, 1}, f.LabelMask)
}

func TestEncodeEdgeCases(t *testing.T) {
	labelMap := testLabelMap(t)
	tok := newFakeTokenizer()

	// A word without pieces becomes one unknown piece.
	f, err := Encode(dataset.Example{Words: []string{"empty", "hello"}, Labels: []string{"COMMA", "PERIOD"}},
		labelMap, 6, tok, 0, ModeEval, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{startID, unkID, 10, endID, padID, padID}, f.InputIDs)
	assert.Equal(t, []int{0, 3, 2, 4, 0, 0}, f.LabelIDs)
	assert.Equal(t, []int{0, 1, 1, 0, 0, 0}, f.ValidIDs)

	// Empty example: just the markers and the sentinel.
	f, err = Encode(dataset.Example{}, labelMap, 4, tok, 0, ModeEval, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{startID, endID, padID, padID}, f.InputIDs)
	assert.Equal(t, []int{0, 4, 0, 0}, f.LabelIDs)

	_, err = Encode(dataset.Example{Words: []string{"hello"}, Labels: []string{"QMARK"}}, labelMap, 8, tok, 0, ModeEval, nil)
	require.Error(t, err)
	_, err = Encode(dataset.Example{Words: []string{"hello"}}, labelMap, 8, tok, 0, ModeEval, nil)
	require.Error(t, err)
	_, err = Encode(helloWorldToday(), labelMap, 8, tok, 1.5, ModeEval, nil)
	require.Error(t, err)
}

func TestEncodeNoise(t *testing.T) {
	labelMap := testLabelMap(t)
	tok := newFakeTokenizer()
	example := dataset.Example{Words: []string{"café", "café"}, Labels: []string{"O", "PERIOD"}}
	rng := rand.New(rand.NewPCG(1, 2))

	f, err := Encode(example, labelMap, 6, tok, 1, ModeTrain, rng)
	require.NoError(t, err)
	assert.Equal(t, []int{startID, 20, 20, endID, padID, padID}, f.InputIDs)

	// Labels are unaffected by noise.
	clean, err := Encode(example, labelMap, 6, tok, 0, ModeTrain, rng)
	require.NoError(t, err)
	assert.Equal(t, []int{startID, 21, 21, endID, padID, padID}, clean.InputIDs)
	assert.Equal(t, clean.LabelIDs, f.LabelIDs)
	assert.Equal(t, clean.ValidIDs, f.ValidIDs)

	// No noise in eval mode.
	f, err = Encode(example, labelMap, 6, tok, 1, ModeEval, rng)
	require.NoError(t, err)
	assert.Equal(t, clean.InputIDs, f.InputIDs)
}

func TestNoiseInjector(t *testing.T) {
	var nilInjector *NoiseInjector
	assert.Equal(t, "café", nilInjector.Perturb("café"))
	assert.Equal(t, "café", NewNoiseInjector(0, nil).Perturb("café"))
	assert.Equal(t, "cafe", NewNoiseInjector(1, nil).Perturb("café"))

	// Roughly half the words are perturbed with probability 0.5.
	n := NewNoiseInjector(0.5, rand.New(rand.NewPCG(42, 0)))
	perturbed := 0
	for range 1000 {
		if n.Perturb("Tiếng") == "Tieng" {
			perturbed++
		}
	}
	assert.InDelta(t, 500, perturbed, 100)
}

func TestEncodeProperties(t *testing.T) {
	labelMap := testLabelMap(t)
	tok := newFakeTokenizer()
	rng := rand.New(rand.NewPCG(7, 7))
	vocabulary := []string{"hello", "world", "today", "café", "xyz"}
	labels := labelMap.Labels()

	for trial := range 200 {
		numWords := rng.IntN(10)
		example := dataset.Example{}
		for range numWords {
			example.Words = append(example.Words, vocabulary[rng.IntN(len(vocabulary))])
			example.Labels = append(example.Labels, labels[rng.IntN(len(labels))])
		}
		maxSeqLength := 2 + rng.IntN(12)
		f, err := Encode(example, labelMap, maxSeqLength, tok, 0.3, ModeTrain, rng)
		require.NoError(t, err, "trial %d", trial)

		for _, seq := range [][]int{f.InputIDs, f.InputMask, f.SegmentIDs, f.LabelIDs, f.ValidIDs, f.LabelMask} {
			require.Len(t, seq, maxSeqLength)
		}
		numValid, sentinels := 0, 0
		for pos := range maxSeqLength {
			numValid += f.ValidIDs[pos]
			if f.LabelIDs[pos] == labelMap.Sentinel() {
				sentinels++
				assert.Equal(t, f.NumWords+1, pos, "trial %d: sentinel right after the last word", trial)
			}
		}
		assert.Equal(t, f.NumWords, numValid, "trial %d: one valid position per kept word", trial)
		assert.Equal(t, 1, sentinels, "trial %d", trial)
		assert.LessOrEqual(t, f.NumWords, numWords)
		for i := range f.NumWords {
			id, err := labelMap.ID(example.Labels[i])
			require.NoError(t, err)
			assert.Equal(t, id, f.LabelIDs[i+1], "trial %d: label of word %d", trial, i)
		}
		assert.Equal(t, 0, f.ValidIDs[0])
		assert.Equal(t, 0, f.LabelMask[0])
	}
}

func TestEncodeAll(t *testing.T) {
	labelMap := testLabelMap(t)
	encoder, err := NewEncoder(labelMap, 8, newFakeTokenizer(), 0.5)
	require.NoError(t, err)

	var examples []dataset.Example
	for range 50 {
		examples = append(examples, dataset.Example{
			Words:  []string{"café", "hello", "café", "café"},
			Labels: []string{"O", "COMMA", "O", "PERIOD"},
		})
	}
	ctx := context.Background()
	first, err := encoder.EncodeAll(ctx, examples, ModeTrain, 42)
	require.NoError(t, err)
	second, err := encoder.EncodeAll(ctx, examples, ModeTrain, 42)
	require.NoError(t, err)
	require.Len(t, first, len(examples))
	assert.Equal(t, first, second, "same seed, same noise")

	// Eval mode is deterministic and matches Encode.
	evalFeatures, err := encoder.EncodeAll(ctx, examples[:1], ModeEval, 0)
	require.NoError(t, err)
	want, err := encoder.Encode(examples[0], ModeEval, nil)
	require.NoError(t, err)
	assert.Equal(t, want, evalFeatures[0])

	examples[10].Labels = examples[10].Labels[:1]
	_, err = encoder.EncodeAll(ctx, examples, ModeEval, 0)
	require.Error(t, err)
}
