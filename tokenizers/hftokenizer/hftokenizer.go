// Package hftokenizer implements a WordPiece tokenizer (BERT, ELECTRA) for HuggingFace's tokenizer.json
// format, with a fallback to the plain vocab.txt files shipped with older checkpoints.
package hftokenizer

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/gomlx/go-punctuation/hub"
	"github.com/gomlx/go-punctuation/tokenizers/api"
	"github.com/gomlx/go-punctuation/tokenizers/normalize"
	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// TokenizerJSON represents the structure of HuggingFace's tokenizer.json file.
type TokenizerJSON struct {
	Version      string        `json:"version"`
	AddedTokens  []AddedToken  `json:"added_tokens"`
	Normalizer   *Normalizer   `json:"normalizer"`
	PreTokenizer *PreTokenizer `json:"pre_tokenizer"`
	Decoder      *Decoder      `json:"decoder"`
	Model        Model         `json:"model"`
}

// AddedToken represents a token added to the vocabulary, special or not.
type AddedToken struct {
	ID         int    `json:"id"`
	Content    string `json:"content"`
	SingleWord bool   `json:"single_word"`
	Lstrip     bool   `json:"lstrip"`
	Rstrip     bool   `json:"rstrip"`
	Normalized bool   `json:"normalized"`
	Special    bool   `json:"special"`
}

// Normalizer represents the normalizer configuration.
type Normalizer struct {
	Type         string       `json:"type"`
	Lowercase    bool         `json:"lowercase"`
	StripAccents *bool        `json:"strip_accents"`
	Normalizers  []Normalizer `json:"normalizers"`
}

// PreTokenizer represents the pre-tokenizer configuration.
type PreTokenizer struct {
	Type          string         `json:"type"`
	PreTokenizers []PreTokenizer `json:"pretokenizers"`
}

// Decoder represents the decoder configuration.
type Decoder struct {
	Type   string `json:"type"`
	Prefix string `json:"prefix"`
}

// Model represents the tokenizer model. Only WordPiece is supported.
type Model struct {
	Type                    string         `json:"type"`
	Vocab                   map[string]int `json:"vocab"`
	UnkToken                string         `json:"unk_token"`
	ContinuingSubwordPrefix string         `json:"continuing_subword_prefix"`
	MaxInputCharsPerWord    int            `json:"max_input_chars_per_word"`
}

// Tokenizer implements the api.WordTokenizer interface for WordPiece vocabularies.
type Tokenizer struct {
	config    *api.Config
	tokenizer *TokenizerJSON
	idToToken map[int]string

	// Special token IDs
	unkID  int
	padID  int
	bosID  int
	eosID  int
	clsID  int
	sepID  int
	maskID int

	// Added tokens lookup (content -> id), matched before normalization.
	addedTokens map[string]int
	// addedByLength holds the added tokens contents, longest first.
	addedByLength []string
}

// Compile time assert that Tokenizer implements api.WordTokenizer interface.
var _ api.WordTokenizer = &Tokenizer{}

// New creates a WordPiece tokenizer from the repo's tokenizer.json file, or from its vocab.txt if
// there is no tokenizer.json.
func New(config *api.Config, repo *hub.Repo) (*Tokenizer, error) {
	if repo.HasFile("tokenizer.json") {
		tokenizerFile, err := repo.FilePath("tokenizer.json")
		if err != nil {
			return nil, err
		}
		return NewFromFile(config, tokenizerFile)
	}
	if repo.HasFile("vocab.txt") {
		vocabFile, err := repo.FilePath("vocab.txt")
		if err != nil {
			return nil, err
		}
		return NewFromVocabFile(config, vocabFile)
	}
	return nil, errors.Errorf("neither \"tokenizer.json\" nor \"vocab.txt\" found in %s", repo)
}

// NewFromFile creates a tokenizer from a local tokenizer.json file path.
func NewFromFile(config *api.Config, filePath string) (*Tokenizer, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer.json file %q", filePath)
	}
	return NewFromContent(config, content)
}

// NewFromContent creates a tokenizer from tokenizer.json content.
func NewFromContent(config *api.Config, content []byte) (*Tokenizer, error) {
	var tj TokenizerJSON
	if err := json.Unmarshal(content, &tj); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tokenizer.json")
	}
	if tj.Model.Type != "WordPiece" {
		return nil, errors.Errorf("tokenizer model type %q not supported, only WordPiece", tj.Model.Type)
	}
	return newTokenizer(config, &tj), nil
}

// NewFromVocabFile creates a tokenizer from a BERT vocab.txt file: one token per line, the line
// number being the token id. Normalization follows config.DoLowerCase.
func NewFromVocabFile(config *api.Config, filePath string) (*Tokenizer, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open vocabulary %q", filePath)
	}
	defer f.Close()

	vocab := make(map[string]int, 32000)
	scanner := bufio.NewScanner(f)
	for id := 0; scanner.Scan(); id++ {
		token := strings.TrimRight(scanner.Text(), "\r\n")
		if _, found := vocab[token]; !found {
			vocab[token] = id
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read vocabulary %q", filePath)
	}

	lowercase := config != nil && config.DoLowerCase
	tj := &TokenizerJSON{
		Normalizer:   &Normalizer{Type: "BertNormalizer", Lowercase: lowercase},
		PreTokenizer: &PreTokenizer{Type: "BertPreTokenizer"},
		Decoder:      &Decoder{Type: "WordPiece", Prefix: "##"},
		Model: Model{
			Type:                    "WordPiece",
			Vocab:                   vocab,
			UnkToken:                "[UNK]",
			ContinuingSubwordPrefix: "##",
			MaxInputCharsPerWord:    100,
		},
	}
	for _, special := range []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]"} {
		if id, found := vocab[special]; found {
			tj.AddedTokens = append(tj.AddedTokens, AddedToken{ID: id, Content: special, Special: true})
		}
	}
	return newTokenizer(config, tj), nil
}

func newTokenizer(config *api.Config, tj *TokenizerJSON) *Tokenizer {
	t := &Tokenizer{
		config:      config,
		tokenizer:   tj,
		idToToken:   make(map[int]string, len(tj.Model.Vocab)),
		addedTokens: make(map[string]int),
		unkID:       -1,
		padID:       -1,
		bosID:       -1,
		eosID:       -1,
		clsID:       -1,
		sepID:       -1,
		maskID:      -1,
	}
	for token, id := range tj.Model.Vocab {
		t.idToToken[id] = token
	}
	for _, at := range tj.AddedTokens {
		t.registerAddedToken(at.Content, at.ID)
	}
	t.resolveSpecialTokens()
	return t
}

func (t *Tokenizer) registerAddedToken(content string, id int) {
	if _, found := t.addedTokens[content]; !found {
		t.addedByLength = append(t.addedByLength, content)
		sort.SliceStable(t.addedByLength, func(i, j int) bool {
			return len(t.addedByLength[i]) > len(t.addedByLength[j])
		})
	}
	t.addedTokens[content] = id
	t.idToToken[id] = content
}

// resolveSpecialTokens maps special tokens from the vocabulary and config to their IDs.
func (t *Tokenizer) resolveSpecialTokens() {
	lookup := func(token string) int {
		if token == "" {
			return -1
		}
		if id, ok := t.addedTokens[token]; ok {
			return id
		}
		if id, ok := t.tokenizer.Model.Vocab[token]; ok {
			return id
		}
		return -1
	}
	firstOf := func(current int, candidates ...string) int {
		if current >= 0 {
			return current
		}
		for _, candidate := range candidates {
			if id := lookup(candidate); id >= 0 {
				return id
			}
		}
		return -1
	}

	// Config takes precedence over the conventional names.
	if t.config != nil {
		t.unkID = lookup(t.config.UnkToken)
		t.padID = lookup(t.config.PadToken)
		t.clsID = lookup(t.config.ClsToken)
		t.sepID = lookup(t.config.SepToken)
		t.maskID = lookup(t.config.MaskToken)
		t.bosID = lookup(t.config.BosToken)
		t.eosID = lookup(t.config.EosToken)
	}
	t.unkID = firstOf(t.unkID, t.tokenizer.Model.UnkToken, "[UNK]", "<unk>")
	t.padID = firstOf(t.padID, "[PAD]", "<pad>")
	t.clsID = firstOf(t.clsID, "[CLS]", "<s>")
	t.sepID = firstOf(t.sepID, "[SEP]", "</s>")
	t.maskID = firstOf(t.maskID, "[MASK]", "<mask>")
}

// Encode converts text to a sequence of token IDs, without special tokens.
// Added tokens found in the text are kept whole.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	for _, segment := range t.splitOnAddedTokens(text) {
		if segment.added {
			ids = append(ids, t.addedTokens[segment.text])
			continue
		}
		for _, word := range t.preTokenize(t.normalize(segment.text)) {
			ids = append(ids, t.wordPieceTokenize(word)...)
		}
	}
	return ids
}

// Pieces implements api.WordTokenizer: it tokenizes one pre-segmented word.
func (t *Tokenizer) Pieces(word string) []int {
	if id, found := t.addedTokens[word]; found {
		return []int{id}
	}
	return t.Encode(word)
}

type textSegment struct {
	text  string
	added bool
}

// splitOnAddedTokens splits text around occurrences of added tokens, longest match first.
func (t *Tokenizer) splitOnAddedTokens(text string) []textSegment {
	if len(t.addedByLength) == 0 {
		return []textSegment{{text: text}}
	}
	var segments []textSegment
	start := 0
	for pos := 0; pos < len(text); {
		matched := ""
		for _, content := range t.addedByLength {
			if content != "" && strings.HasPrefix(text[pos:], content) {
				matched = content
				break
			}
		}
		if matched == "" {
			pos++
			continue
		}
		if start < pos {
			segments = append(segments, textSegment{text: text[start:pos]})
		}
		segments = append(segments, textSegment{text: matched, added: true})
		pos += len(matched)
		start = pos
	}
	if start < len(text) {
		segments = append(segments, textSegment{text: text[start:]})
	}
	return segments
}

// normalize applies the normalizer to the text.
func (t *Tokenizer) normalize(text string) string {
	if t.tokenizer.Normalizer == nil {
		return text
	}
	return applyNormalizer(text, t.tokenizer.Normalizer)
}

func applyNormalizer(text string, n *Normalizer) string {
	switch n.Type {
	case "Lowercase":
		return strings.ToLower(text)
	case "NFD":
		return norm.NFD.String(text)
	case "NFC":
		return norm.NFC.String(text)
	case "NFKC":
		return norm.NFKC.String(text)
	case "NFKD":
		return norm.NFKD.String(text)
	case "StripAccents":
		return normalize.StripAccents(text)
	case "BertNormalizer":
		// Clean text, then strip accents and lowercase. strip_accents defaults to the lowercase setting.
		result := cleanText(text)
		stripAccents := n.Lowercase
		if n.StripAccents != nil {
			stripAccents = *n.StripAccents
		}
		if stripAccents {
			result = normalize.StripAccents(result)
		}
		if n.Lowercase {
			result = strings.ToLower(result)
		}
		return result
	case "Sequence":
		result := text
		for i := range n.Normalizers {
			result = applyNormalizer(result, &n.Normalizers[i])
		}
		return result
	default:
		return text
	}
}

// preTokenize splits text into words using the pre-tokenizer.
func (t *Tokenizer) preTokenize(text string) []string {
	if t.tokenizer.PreTokenizer == nil {
		return strings.Fields(text)
	}
	return applyPreTokenizer(text, t.tokenizer.PreTokenizer)
}

func applyPreTokenizer(text string, pt *PreTokenizer) []string {
	switch pt.Type {
	case "BertPreTokenizer":
		return bertPreTokenize(text)
	case "Punctuation":
		return punctuationPreTokenize(text)
	case "Sequence":
		result := []string{text}
		for i := range pt.PreTokenizers {
			var newResult []string
			for _, s := range result {
				newResult = append(newResult, applyPreTokenizer(s, &pt.PreTokenizers[i])...)
			}
			result = newResult
		}
		return result
	default:
		// Whitespace, WhitespaceSplit and unknown pre-tokenizers split on whitespace.
		return strings.Fields(text)
	}
}

// wordPieceTokenize implements greedy longest-match-first WordPiece tokenization.
func (t *Tokenizer) wordPieceTokenize(word string) []int {
	if word == "" {
		return nil
	}

	maxChars := t.tokenizer.Model.MaxInputCharsPerWord
	if maxChars == 0 {
		maxChars = 100
	}
	if len([]rune(word)) > maxChars {
		return t.unknown()
	}

	prefix := t.continuingPrefix()
	var tokens []int
	start := 0
	for start < len(word) {
		end := len(word)
		found := false
		for start < end {
			substr := word[start:end]
			if start > 0 {
				substr = prefix + substr
			}
			if id, ok := t.tokenizer.Model.Vocab[substr]; ok {
				tokens = append(tokens, id)
				found = true
				break
			}
			// Step back one whole rune.
			end--
			for end > start && !isRuneStart(word[end]) {
				end--
			}
		}
		if !found {
			return t.unknown()
		}
		start = end
	}
	return tokens
}

func (t *Tokenizer) unknown() []int {
	if t.unkID >= 0 {
		return []int{t.unkID}
	}
	return nil
}

func (t *Tokenizer) continuingPrefix() string {
	if prefix := t.tokenizer.Model.ContinuingSubwordPrefix; prefix != "" {
		return prefix
	}
	return "##"
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// Decode converts a sequence of token IDs back to text, gluing continuation pieces.
func (t *Tokenizer) Decode(ids []int) string {
	prefix := t.continuingPrefix()
	if t.tokenizer.Decoder != nil && t.tokenizer.Decoder.Prefix != "" {
		prefix = t.tokenizer.Decoder.Prefix
	}
	var result strings.Builder
	first := true
	for _, id := range ids {
		token, ok := t.idToToken[id]
		if !ok {
			continue
		}
		if strings.HasPrefix(token, prefix) && !first {
			result.WriteString(strings.TrimPrefix(token, prefix))
			continue
		}
		if !first {
			result.WriteString(" ")
		}
		result.WriteString(token)
		first = false
	}
	return result.String()
}

// AddTokens implements api.WordTokenizer. New tokens get ids after the current vocabulary.
func (t *Tokenizer) AddTokens(tokens ...string) int {
	added := 0
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if _, found := t.addedTokens[token]; found {
			continue
		}
		if id, found := t.tokenizer.Model.Vocab[token]; found {
			// Already known: just make sure it's never split.
			t.registerAddedToken(token, id)
			continue
		}
		id := t.VocabSize()
		t.tokenizer.AddedTokens = append(t.tokenizer.AddedTokens, AddedToken{ID: id, Content: token})
		t.registerAddedToken(token, id)
		added++
	}
	return added
}

// SpecialTokenID returns the ID for a given special token.
func (t *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokUnknown:
		if t.unkID >= 0 {
			return t.unkID, nil
		}
	case api.TokPad:
		if t.padID >= 0 {
			return t.padID, nil
		}
	case api.TokBeginningOfSentence:
		if t.bosID >= 0 {
			return t.bosID, nil
		}
		// Fall back to CLS for BERT-style models
		if t.clsID >= 0 {
			return t.clsID, nil
		}
	case api.TokEndOfSentence:
		if t.eosID >= 0 {
			return t.eosID, nil
		}
		// Fall back to SEP for BERT-style models
		if t.sepID >= 0 {
			return t.sepID, nil
		}
	case api.TokMask:
		if t.maskID >= 0 {
			return t.maskID, nil
		}
	case api.TokClassification:
		if t.clsID >= 0 {
			return t.clsID, nil
		}
	}
	return 0, errors.Errorf("special token %s not found", token)
}

// VocabSize returns the number of distinct token ids, added tokens included.
func (t *Tokenizer) VocabSize() int {
	maxID := -1
	for id := range t.idToToken {
		if id > maxID {
			maxID = id
		}
	}
	return maxID + 1
}

// TokenToID converts a token string to its ID.
func (t *Tokenizer) TokenToID(token string) (int, bool) {
	if id, ok := t.addedTokens[token]; ok {
		return id, true
	}
	id, ok := t.tokenizer.Model.Vocab[token]
	return id, ok
}

// IDToToken converts a token ID to its string.
func (t *Tokenizer) IDToToken(id int) (string, bool) {
	token, ok := t.idToToken[id]
	return token, ok
}

// SaveFile writes the tokenizer, added tokens included, as a tokenizer.json file.
func (t *Tokenizer) SaveFile(filePath string) error {
	content, err := json.MarshalIndent(t.tokenizer, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode tokenizer.json")
	}
	return hub.WriteFileAtomic(filePath, func(w io.Writer) error {
		_, err := w.Write(content)
		return err
	})
}

// Helper functions

func cleanText(text string) string {
	var result strings.Builder
	for _, r := range text {
		if r == 0 || r == 0xFFFD || isControl(r) {
			continue
		}
		if isWhitespace(r) {
			result.WriteRune(' ')
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r)
}

func isPunctuation(r rune) bool {
	// ASCII punctuation
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) ||
		(r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func bertPreTokenize(text string) []string {
	var tokens []string
	var current strings.Builder

	for _, r := range text {
		if isWhitespace(r) {
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		} else if isPunctuation(r) {
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			tokens = append(tokens, string(r))
		} else {
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func punctuationPreTokenize(text string) []string {
	var tokens []string
	var current strings.Builder

	for _, r := range text {
		if isPunctuation(r) {
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			tokens = append(tokens, string(r))
		} else {
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
