// Package features aligns word-level labeled examples with the sub-word pieces of a tokenizer,
// producing the fixed-length integer sequences fed to a scorer.
//
// For an example with words w_1..w_n, the encoded feature holds at:
//
//   - position 0: the start marker; label id 0.
//   - positions 1..: the pieces of the words, each word's first piece flagged in ValidIDs.
//     Label ids are per word (not per piece): position i holds the label id of word i.
//   - the position after the last word's label: the sentinel label id (LabelMap.Sentinel()).
//   - the position after the last piece: the end marker; the rest is padding.
//
// Examples too long for the sequence length lose their trailing words: a word is never split
// across the boundary, and the dropped words are not scored.
package features

import (
	"context"
	"math/rand/v2"
	"runtime"

	"github.com/gomlx/go-punctuation/dataset"
	"github.com/gomlx/go-punctuation/tokenizers/api"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Mode selects whether noise is injected while encoding.
type Mode int

const (
	// ModeTrain perturbs words with the encoder's noise probability.
	ModeTrain Mode = iota
	// ModeEval encodes words as they are.
	ModeEval
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == ModeTrain {
		return "train"
	}
	return "eval"
}

// Feature is an encoded example. All slices have the encoder's MaxSeqLength.
type Feature struct {
	InputIDs   []int
	InputMask  []int
	SegmentIDs []int
	LabelIDs   []int
	ValidIDs   []int
	LabelMask  []int

	// NumWords is the number of words kept after truncation.
	NumWords int
}

// Encoder converts examples to Features.
type Encoder struct {
	LabelMap     *dataset.LabelMap
	MaxSeqLength int
	Tokenizer    api.WordTokenizer
	NoiseProb    float64

	startID, endID, padID, unkID int
}

// NewEncoder returns an Encoder, resolving the marker ids of the tokenizer.
func NewEncoder(labelMap *dataset.LabelMap, maxSeqLength int, tok api.WordTokenizer, noiseProb float64) (*Encoder, error) {
	if maxSeqLength < 2 {
		return nil, errors.Errorf("max sequence length must be at least 2 to hold the start and end markers, got %d", maxSeqLength)
	}
	if noiseProb < 0 || noiseProb > 1 {
		return nil, errors.Errorf("noise probability must be in [0, 1], got %g", noiseProb)
	}
	e := &Encoder{
		LabelMap:     labelMap,
		MaxSeqLength: maxSeqLength,
		Tokenizer:    tok,
		NoiseProb:    noiseProb,
	}
	for _, special := range []struct {
		token api.SpecialToken
		id    *int
	}{
		{api.TokBeginningOfSentence, &e.startID},
		{api.TokEndOfSentence, &e.endID},
		{api.TokPad, &e.padID},
		{api.TokUnknown, &e.unkID},
	} {
		id, err := tok.SpecialTokenID(special.token)
		if err != nil {
			return nil, errors.WithMessagef(err, "tokenizer can't be used for alignment")
		}
		*special.id = id
	}
	return e, nil
}

// Encode is a convenience wrapper around NewEncoder and Encoder.Encode.
func Encode(example dataset.Example, labelMap *dataset.LabelMap, maxSeqLength int, tok api.WordTokenizer,
	noiseProb float64, mode Mode, rng *rand.Rand) (*Feature, error) {
	e, err := NewEncoder(labelMap, maxSeqLength, tok, noiseProb)
	if err != nil {
		return nil, err
	}
	return e.Encode(example, mode, rng)
}

// Encode converts one example. In ModeTrain the noise draws come from rng.
func (e *Encoder) Encode(example dataset.Example, mode Mode, rng *rand.Rand) (*Feature, error) {
	if len(example.Words) != len(example.Labels) {
		return nil, errors.Errorf("example has %d words but %d labels", len(example.Words), len(example.Labels))
	}
	labelIDs := make([]int, len(example.Labels))
	for i, label := range example.Labels {
		id, err := e.LabelMap.ID(label)
		if err != nil {
			return nil, errors.WithMessagef(err, "word #%d (%q)", i, example.Words[i])
		}
		labelIDs[i] = id
	}

	var noise *NoiseInjector
	if mode == ModeTrain && e.NoiseProb > 0 {
		noise = NewNoiseInjector(e.NoiseProb, rng)
	}

	maxPieces := e.MaxSeqLength - 2
	pieces := make([]int, 0, maxPieces)
	firstPieces := make([]int, 0, len(example.Words))
	for _, word := range example.Words {
		wordPieces := e.Tokenizer.Pieces(noise.Perturb(word))
		if len(wordPieces) == 0 {
			wordPieces = []int{e.unkID}
		}
		if len(pieces)+len(wordPieces) > maxPieces {
			break
		}
		firstPieces = append(firstPieces, len(pieces))
		pieces = append(pieces, wordPieces...)
	}
	numWords := len(firstPieces)
	if numWords < len(example.Words) {
		klog.V(2).Infof("example truncated to %d of %d words (%d pieces)", numWords, len(example.Words), len(pieces))
	}

	f := &Feature{
		InputIDs:   make([]int, e.MaxSeqLength),
		InputMask:  make([]int, e.MaxSeqLength),
		SegmentIDs: make([]int, e.MaxSeqLength),
		LabelIDs:   make([]int, e.MaxSeqLength),
		ValidIDs:   make([]int, e.MaxSeqLength),
		LabelMask:  make([]int, e.MaxSeqLength),
		NumWords:   numWords,
	}
	f.InputIDs[0] = e.startID
	copy(f.InputIDs[1:], pieces)
	f.InputIDs[len(pieces)+1] = e.endID
	for pos := len(pieces) + 2; pos < e.MaxSeqLength; pos++ {
		f.InputIDs[pos] = e.padID
	}
	for pos := 0; pos < len(pieces)+2; pos++ {
		f.InputMask[pos] = 1
	}
	for i, first := range firstPieces {
		f.ValidIDs[first+1] = 1
		f.LabelIDs[i+1] = labelIDs[i]
	}
	sentinelPos := numWords + 1
	f.LabelIDs[sentinelPos] = e.LabelMap.Sentinel()
	for pos := 1; pos <= sentinelPos; pos++ {
		f.LabelMask[pos] = 1
	}
	return f, nil
}

// EncodeAll encodes the examples in parallel. The noise of example i is drawn from a generator
// seeded with (seed, i), so the result doesn't depend on scheduling.
//
// The tokenizer must be safe for concurrent use.
func (e *Encoder) EncodeAll(ctx context.Context, examples []dataset.Example, mode Mode, seed uint64) ([]*Feature, error) {
	features := make([]*Feature, len(examples))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := range examples {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(seed, uint64(i)))
			f, err := e.Encode(examples[i], mode, rng)
			if err != nil {
				return errors.WithMessagef(err, "example #%d", i)
			}
			features[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if klog.V(2).Enabled() {
		for i := range min(len(features), 3) {
			f := features[i]
			klog.Infof("*** %s example #%d: words=%v\n  input_ids=%v\n  input_mask=%v\n  label_ids=%v\n  valid_ids=%v\n  label_mask=%v",
				mode, i, examples[i].Words, f.InputIDs, f.InputMask, f.LabelIDs, f.ValidIDs, f.LabelMask)
		}
	}
	return features, nil
}
