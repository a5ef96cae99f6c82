// Package normalize holds the text normalizations shared by the tokenizers and the training-time
// noise injection.
package normalize

import (
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// StripAccents removes diacritics: the text is decomposed (NFD), nonspacing marks (Unicode
// category Mn) are dropped and the result is recomposed (NFC).
//
// "Café" -> "Cafe", "naïve" -> "naive". Text without diacritics is returned unchanged.
func StripAccents(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, err := transform.String(t, text)
	if err != nil {
		return text
	}
	return result
}

// HasAccents reports whether StripAccents would change the text.
func HasAccents(text string) bool {
	for _, r := range norm.NFD.String(text) {
		if unicode.Is(unicode.Mn, r) {
			return true
		}
	}
	return false
}
