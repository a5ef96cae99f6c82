// Package tokenizers creates the tokenizer of a pretrained model repository, for one of the supported
// model families, and registers the special tokens used by the punctuation task.
//
// Example:
//
//	repo := hub.New(modelDir)
//	tok, err := tokenizers.New(tokenizers.ModelTypeBERT, repo, true)
//	if err != nil { ... }
//	ids := tok.Pieces("hello")
package tokenizers

import (
	"strings"

	"github.com/gomlx/go-punctuation/hub"
	"github.com/gomlx/go-punctuation/tokenizers/api"
	"github.com/gomlx/go-punctuation/tokenizers/hftokenizer"
	"github.com/gomlx/go-punctuation/tokenizers/sentencepiece"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelType names a family of pretrained encoders, which determines the tokenizer.
type ModelType string

const (
	ModelTypeBERT    ModelType = "bert"
	ModelTypeELECTRA ModelType = "electra"
	ModelTypeXLMR    ModelType = "xlmr"
)

// ModelTypes lists the supported model types.
var ModelTypes = []ModelType{ModelTypeBERT, ModelTypeELECTRA, ModelTypeXLMR}

// ParseModelType returns the ModelType for the given name, or an error if it is not supported.
func ParseModelType(name string) (ModelType, error) {
	for _, mt := range ModelTypes {
		if string(mt) == strings.ToLower(name) {
			return mt, nil
		}
	}
	return "", errors.Errorf("unknown model type %q, valid values are %v", name, ModelTypes)
}

// SpecialTokens are replacement tokens used in the corpora, which must never be split.
var SpecialTokens = []string{"<NUM>", "<URL>", "<EMAIL>"}

// ConfigFiles are the tokenizer files that may be found in a model repository. They are copied along
// with the fine-tuned model.
var ConfigFiles = []string{
	"tokenizer_config.json", "special_tokens_map.json", "tokenizer.json", "vocab.txt", "tokenizer.model",
}

// New creates the tokenizer for the model type from the files in repo, and adds the SpecialTokens.
//
// doLowerCase overrides the "do_lower_case" setting of the repository's tokenizer_config.json, if any.
func New(modelType ModelType, repo *hub.Repo, doLowerCase bool) (api.WordTokenizer, error) {
	config := &api.Config{}
	if repo.HasFile("tokenizer_config.json") {
		configPath, err := repo.FilePath("tokenizer_config.json")
		if err != nil {
			return nil, err
		}
		config, err = api.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
	}
	config.DoLowerCase = doLowerCase

	var tok api.WordTokenizer
	var err error
	switch modelType {
	case ModelTypeBERT, ModelTypeELECTRA:
		tok, err = hftokenizer.New(config, repo)
	case ModelTypeXLMR:
		var spTok *sentencepiece.Tokenizer
		spTok, err = sentencepiece.New(config, repo)
		if err == nil {
			// XLM-R's SentencePiece model has no padding piece.
			if _, padErr := spTok.SpecialTokenID(api.TokPad); padErr != nil {
				padToken := config.PadToken
				if padToken == "" {
					padToken = "<pad>"
				}
				spTok.AddTokens(padToken)
			}
			tok = spTok
		}
	default:
		return nil, errors.Errorf("unknown model type %q, valid values are %v", modelType, ModelTypes)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create %s tokenizer from %s", modelType, repo)
	}
	added := tok.AddTokens(SpecialTokens...)
	klog.V(1).Infof("%s tokenizer from %s: %d special tokens added, vocabulary size %d",
		modelType, repo, added, tok.VocabSize())
	return tok, nil
}
