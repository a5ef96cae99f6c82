// Package sentencepiece implements a tokenizers.Tokenizer based on SentencePiece tokenizer, as used by XLM-R.
package sentencepiece

import (
	"sort"
	"strings"

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/go-punctuation/hub"
	"github.com/gomlx/go-punctuation/tokenizers/api"
	"github.com/pkg/errors"
)

// New creates a SentencePiece tokenizer based on the "tokenizer.model" file, which must be a
// SentencePiece Model proto.
func New(config *api.Config, repo *hub.Repo) (*Tokenizer, error) {
	tokenizerFile, err := repo.FilePath("tokenizer.model")
	if err != nil {
		return nil, errors.WithMessage(err, "sentencepiece tokenizer")
	}
	return NewFromFile(config, tokenizerFile)
}

// NewFromFile creates a SentencePiece tokenizer from a local model file.
func NewFromFile(config *api.Config, filePath string) (*Tokenizer, error) {
	proc, err := esentencepiece.NewProcessorFromPath(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece tokenizer from %q", filePath)
	}
	return &Tokenizer{
		Processor:   proc,
		Info:        proc.ModelInfo(),
		config:      config,
		addedTokens: make(map[string]int),
		addedIDs:    make(map[int]string),
	}, nil
}

// Tokenizer implements api.WordTokenizer interface based on SentencePiece tokenizer by Google.
//
// Tokens registered with AddTokens are matched before the SentencePiece model sees the text,
// and get ids after the model's vocabulary.
type Tokenizer struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo

	config        *api.Config
	addedTokens   map[string]int
	addedIDs      map[int]string
	addedByLength []string
}

// Compile time assert that sentencepiece.Tokenizer implements api.WordTokenizer interface.
var _ api.WordTokenizer = &Tokenizer{}

// Encode returns the text encoded into a sequence of ids.
func (p *Tokenizer) Encode(text string) []int {
	var ids []int
	for len(text) > 0 {
		pos, token := p.nextAddedToken(text)
		if pos < 0 {
			ids = append(ids, p.encodeModel(text)...)
			break
		}
		if pos > 0 {
			ids = append(ids, p.encodeModel(text[:pos])...)
		}
		ids = append(ids, p.addedTokens[token])
		text = text[pos+len(token):]
	}
	return ids
}

func (p *Tokenizer) encodeModel(text string) []int {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	tokens := p.Processor.Encode(text)
	return sliceMap(tokens, func(t esentencepiece.Token) int { return t.ID })
}

// nextAddedToken returns the byte position and content of the first (longest) added token in text,
// or -1 if there is none.
func (p *Tokenizer) nextAddedToken(text string) (int, string) {
	bestPos, bestToken := -1, ""
	for _, token := range p.addedByLength {
		pos := strings.Index(text, token)
		if pos >= 0 && (bestPos < 0 || pos < bestPos) {
			bestPos, bestToken = pos, token
		}
	}
	return bestPos, bestToken
}

// Pieces implements api.WordTokenizer.
func (p *Tokenizer) Pieces(word string) []int {
	if id, found := p.addedTokens[word]; found {
		return []int{id}
	}
	return p.Encode(word)
}

// AddTokens implements api.WordTokenizer.
func (p *Tokenizer) AddTokens(tokens ...string) int {
	added := 0
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if _, found := p.addedTokens[token]; found {
			continue
		}
		id := p.VocabSize()
		p.addedTokens[token] = id
		p.addedIDs[id] = token
		p.addedByLength = append(p.addedByLength, token)
		added++
	}
	sort.SliceStable(p.addedByLength, func(i, j int) bool {
		return len(p.addedByLength[i]) > len(p.addedByLength[j])
	})
	return added
}

// VocabSize implements api.WordTokenizer: the model's vocabulary plus the added tokens.
func (p *Tokenizer) VocabSize() int {
	return p.Info.VocabularySize + len(p.addedTokens)
}

// Decode returns the text from a sequence of ids.
func (p *Tokenizer) Decode(ids []int) string {
	var parts []string
	start := 0
	for i, id := range ids {
		token, found := p.addedIDs[id]
		if !found {
			continue
		}
		if start < i {
			parts = append(parts, p.Processor.Decode(ids[start:i]))
		}
		parts = append(parts, token)
		start = i + 1
	}
	if start < len(ids) {
		parts = append(parts, p.Processor.Decode(ids[start:]))
	}
	return strings.Join(parts, " ")
}

// SpecialTokenID returns the token for the given symbol, or an error if not known.
//
// SentencePiece models often don't define a padding piece: in that case the configured pad token
// is looked up among the added tokens.
func (p *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	var id int
	switch token {
	case api.TokUnknown:
		id = p.Info.UnknownID
	case api.TokPad:
		id = p.Info.PadID
		if id < 0 {
			id = p.configuredAddedToken(func(c *api.Config) string { return c.PadToken }, "<pad>")
		}
	case api.TokBeginningOfSentence, api.TokClassification:
		id = p.Info.BeginningOfSentenceID
	case api.TokEndOfSentence:
		id = p.Info.EndOfSentenceID
	case api.TokMask:
		id = p.configuredAddedToken(func(c *api.Config) string { return c.MaskToken }, "<mask>")
	default:
		return 0, errors.Errorf("unknown special token: %s (%d)", token, int(token))
	}
	if id < 0 {
		return 0, errors.Errorf("special token %s not defined by the sentencepiece model", token)
	}
	return id, nil
}

func (p *Tokenizer) configuredAddedToken(field func(*api.Config) string, defaultToken string) int {
	name := defaultToken
	if p.config != nil && field(p.config) != "" {
		name = field(p.config)
	}
	if id, found := p.addedTokens[name]; found {
		return id
	}
	return -1
}

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}
