package features

import (
	"math/rand/v2"

	"github.com/gomlx/go-punctuation/tokenizers/normalize"
)

// NoiseInjector perturbs training words: with probability Prob a word has its accents stripped,
// the way text typed without diacritics looks. The label of the word is unaffected.
type NoiseInjector struct {
	Prob float64
	rng  *rand.Rand
}

// NewNoiseInjector returns a NoiseInjector drawing from rng. A nil rng means a fixed seed.
func NewNoiseInjector(prob float64, rng *rand.Rand) *NoiseInjector {
	if rng == nil {
		rng = rand.New(rand.NewPCG(0, 0))
	}
	return &NoiseInjector{Prob: prob, rng: rng}
}

// Perturb returns the word, possibly with its accents stripped. One random draw is consumed
// per call, whatever the outcome, so the words of an example are perturbed independently.
func (n *NoiseInjector) Perturb(word string) string {
	if n == nil || n.Prob <= 0 {
		return word
	}
	if n.rng.Float64() < n.Prob {
		return normalize.StripAccents(word)
	}
	return word
}
