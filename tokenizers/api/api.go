// Package api defines the Tokenizer API.
// It's just a hack to break the cyclic dependency, and allow the users to import `tokenizers` and get the
// default implementations.
package api

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// Tokenizer interface allows one convert test to "tokens" (integer ids) and back.
//
// It also allows mapping of special tokens: tokens with a common semantic (like padding) but that
// may map to different ids (int) for different tokenizers.
type Tokenizer interface {
	Encode(text string) []int
	Decode([]int) string

	// SpecialTokenID returns ID for given special token if registered, or an error if not.
	SpecialTokenID(token SpecialToken) (int, error)
}

// WordTokenizer extends Tokenizer with the word-level operations used to align word labels
// with sub-word pieces.
type WordTokenizer interface {
	Tokenizer

	// Pieces splits one pre-segmented word into sub-word token ids. No special tokens are added.
	// A well-formed tokenizer returns at least one piece for a non-empty word.
	Pieces(word string) []int

	// AddTokens registers tokens that must never be split (e.g. "<NUM>"), appending them to the
	// vocabulary when unknown. It returns the number of tokens actually added.
	AddTokens(tokens ...string) int

	// VocabSize includes the added tokens; it sizes the scorer's embedding table.
	VocabSize() int
}

// SpecialToken is an enum of commonly used special tokens.
type SpecialToken int

const (
	TokBeginningOfSentence SpecialToken = iota
	TokEndOfSentence
	TokUnknown
	TokPad
	TokMask
	TokClassification
	TokSpecialTokensCount
)

var specialTokenNames = [...]string{
	TokBeginningOfSentence: "beginning_of_sentence",
	TokEndOfSentence:       "end_of_sentence",
	TokUnknown:             "unknown",
	TokPad:                 "pad",
	TokMask:                "mask",
	TokClassification:      "classification",
	TokSpecialTokensCount:  "special_tokens_count",
}

// String implements fmt.Stringer.
func (t SpecialToken) String() string {
	if t < 0 || int(t) >= len(specialTokenNames) {
		return fmt.Sprintf("SpecialToken(%d)", int(t))
	}
	return specialTokenNames[t]
}

// Config holds the tokenizer_config.json fields the tokenizers care about.
type Config struct {
	DoLowerCase bool   `json:"do_lower_case"`
	BosToken    string `json:"bos_token"`
	EosToken    string `json:"eos_token"`
	UnkToken    string `json:"unk_token"`
	PadToken    string `json:"pad_token"`
	ClsToken    string `json:"cls_token"`
	SepToken    string `json:"sep_token"`
	MaskToken   string `json:"mask_token"`

	ModelMaxLength int `json:"model_max_length"`
}

// LoadConfig reads a tokenizer_config.json file.
func LoadConfig(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer config %q", path)
	}
	config := &Config{}
	if err := json.Unmarshal(content, config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tokenizer config %q", path)
	}
	return config, nil
}
