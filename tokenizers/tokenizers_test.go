package tokenizers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/go-punctuation/hub"
	"github.com/gomlx/go-punctuation/tokenizers/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVocab = []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]", "hello", "world"}

func writeVocabRepo(t *testing.T) *hub.Repo {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.txt"), []byte(strings.Join(testVocab, "\n")+"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer_config.json"), []byte(`{"do_lower_case": false}`), 0644))
	return hub.New(dir)
}

func TestParseModelType(t *testing.T) {
	mt, err := ParseModelType("XLMR")
	require.NoError(t, err)
	assert.Equal(t, ModelTypeXLMR, mt)
	_, err = ParseModelType("gpt2")
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	repo := writeVocabRepo(t)

	tok, err := New(ModelTypeBERT, repo, true)
	require.NoError(t, err)
	assert.Equal(t, len(testVocab)+len(SpecialTokens), tok.VocabSize())
	assert.Equal(t, []int{7}, tok.Pieces("<NUM>"))
	assert.Equal(t, []int{9}, tok.Pieces("<EMAIL>"))
	assert.Equal(t, []int{5}, tok.Pieces("Hello"), "do_lower_case overrides tokenizer_config.json")
	padID, err := tok.SpecialTokenID(api.TokPad)
	require.NoError(t, err)
	assert.Equal(t, 0, padID)

	cased, err := New(ModelTypeELECTRA, repo, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, cased.Pieces("Hello"))

	_, err = New(ModelTypeXLMR, repo, false)
	require.Error(t, err, "no tokenizer.model")
	_, err = New("gpt2", repo, false)
	require.Error(t, err)
	_, err = New(ModelTypeBERT, hub.New(t.TempDir()), false)
	require.Error(t, err)
}
