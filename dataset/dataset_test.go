package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExample(t *testing.T) {
	example, err := NewExample([]string{"hello", "world"}, []string{"O", "PERIOD"})
	require.NoError(t, err)
	assert.Equal(t, 2, example.Len())

	_, err = NewExample([]string{"hello", "world"}, []string{"O"})
	require.Error(t, err)
}

func TestLabelMap(t *testing.T) {
	m, err := NewLabelMap([]string{"O", "PERIOD", "COMMA"})
	require.NoError(t, err)
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, 4, m.Sentinel())
	assert.Equal(t, 4, m.NumLabels())

	for label, want := range map[string]int{"O": 1, "PERIOD": 2, "COMMA": 3} {
		id, err := m.ID(label)
		require.NoError(t, err)
		assert.Equal(t, want, id)
		name, found := m.Name(want)
		require.True(t, found)
		assert.Equal(t, label, name)
	}
	_, err = m.ID("QMARK")
	require.Error(t, err)
	for _, id := range []int{0, 4, -1, 100} {
		_, found := m.Name(id)
		assert.False(t, found, "id %d", id)
	}

	// Labels returns a copy.
	labels := m.Labels()
	labels[0] = "X"
	name, _ := m.Name(1)
	assert.Equal(t, "O", name)

	idToName := m.IDToName()
	assert.Equal(t, map[string]string{"1": "O", "2": "PERIOD", "3": "COMMA"}, idToName)
	rebuilt, err := LabelMapFromIDToName(idToName)
	require.NoError(t, err)
	assert.Equal(t, m.Labels(), rebuilt.Labels())

	_, err = LabelMapFromIDToName(map[string]string{"1": "O", "3": "COMMA"})
	require.Error(t, err)
	_, err = NewLabelMap(nil)
	require.Error(t, err)
	_, err = NewLabelMap([]string{"O", "O"})
	require.Error(t, err)
}

func TestProcessorRegistry(t *testing.T) {
	assert.Equal(t, []string{PunctuationTask}, Tasks())
	p, err := NewProcessor("Punctuation_Prediction")
	require.NoError(t, err)
	assert.Equal(t, PunctuationLabels, p.Labels())

	_, err = NewProcessor("ner")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTask))
}

func TestParseEvalSplit(t *testing.T) {
	split, err := ParseEvalSplit("dev")
	require.NoError(t, err)
	assert.Equal(t, SplitDev, split)
	split, err = ParseEvalSplit("test")
	require.NoError(t, err)
	assert.Equal(t, SplitTest, split)

	for _, name := range []string{"train", "validation", ""} {
		_, err = ParseEvalSplit(name)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownEvalSplit))
	}
}

const textSplit = `hello	O
world	PERIOD

-DOCSTART-	O

how	O
are	O
you	QMARK
`

func TestReadText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.txt")
	require.NoError(t, os.WriteFile(path, []byte(textSplit), 0644))

	examples, err := ReadText(path)
	require.NoError(t, err)
	require.Len(t, examples, 2)
	assert.Equal(t, []string{"hello", "world"}, examples[0].Words)
	assert.Equal(t, []string{"O", "PERIOD"}, examples[0].Labels)
	assert.Equal(t, []string{"how", "are", "you"}, examples[1].Words)
	assert.Equal(t, []string{"O", "O", "QMARK"}, examples[1].Labels)

	require.NoError(t, os.WriteFile(path, []byte("hello\n"), 0644))
	_, err = ReadText(path)
	require.Error(t, err)
}

func TestReadSplit(t *testing.T) {
	dir := t.TempDir()
	p, err := NewProcessor(PunctuationTask)
	require.NoError(t, err)

	_, err = TrainExamples(p, dir)
	require.Error(t, err, "no split files yet")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev.txt"), []byte(textSplit), 0644))
	examples, err := DevExamples(p, dir)
	require.NoError(t, err)
	assert.Len(t, examples, 2)

	// Parquet takes precedence over text.
	parquetExamples := []Example{
		{Words: []string{"one", "two", "three"}, Labels: []string{"O", "COMMA", "EXCLAM"}},
		{Words: []string{"four"}, Labels: []string{"SEMICOLON"}},
	}
	require.NoError(t, WriteParquet(filepath.Join(dir, "dev.parquet"), parquetExamples))
	examples, err = DevExamples(p, dir)
	require.NoError(t, err)
	assert.Equal(t, parquetExamples, examples)

	// Unknown labels are rejected.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.txt"), []byte("hello\tDASH\n"), 0644))
	_, err = TestExamples(p, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DASH")
}
