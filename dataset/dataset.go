// Package dataset holds the labeled examples of the punctuation task: sequences of words, each
// with the label of the punctuation that follows it.
//
// Splits are read from a data directory holding, per split, either a Parquet file
// ("train.parquet", "dev.parquet", "test.parquet") with "words" and "labels" list columns, or a
// text file ("train.txt", ...) with one "word<TAB>label" pair per line and examples separated by
// blank lines.
package dataset

import (
	"strconv"

	"github.com/pkg/errors"
)

// Example is one labeled sequence of words. Words and Labels always have the same length.
type Example struct {
	Words  []string
	Labels []string
}

// NewExample returns an example, or an error if words and labels don't pair up.
func NewExample(words, labels []string) (Example, error) {
	if len(words) != len(labels) {
		return Example{}, errors.Errorf("example has %d words but %d labels", len(words), len(labels))
	}
	return Example{Words: words, Labels: labels}, nil
}

// Len returns the number of words in the example.
func (e Example) Len() int {
	return len(e.Words)
}

// LabelMap maps label names to ids and back. Ids are 1-based: 0 is reserved for positions
// that don't hold a word, and Sentinel() marks the position after the last word.
//
// It is built once and shared read-only.
type LabelMap struct {
	labels []string
	ids    map[string]int
}

// NewLabelMap creates the map for the given label alphabet, in the given order.
func NewLabelMap(labels []string) (*LabelMap, error) {
	if len(labels) == 0 {
		return nil, errors.New("empty label alphabet")
	}
	m := &LabelMap{
		labels: make([]string, len(labels)),
		ids:    make(map[string]int, len(labels)),
	}
	copy(m.labels, labels)
	for i, label := range labels {
		if _, found := m.ids[label]; found {
			return nil, errors.Errorf("duplicate label %q in label alphabet %v", label, labels)
		}
		m.ids[label] = i + 1
	}
	return m, nil
}

// ID returns the 1-based id of label.
func (m *LabelMap) ID(label string) (int, error) {
	id, found := m.ids[label]
	if !found {
		return 0, errors.Errorf("unknown label %q, valid labels are %v", label, m.labels)
	}
	return id, nil
}

// Name returns the label with the given id, or false if id doesn't map to a label.
func (m *LabelMap) Name(id int) (string, bool) {
	if id < 1 || id > len(m.labels) {
		return "", false
	}
	return m.labels[id-1], true
}

// Len returns the number of labels in the alphabet.
func (m *LabelMap) Len() int {
	return len(m.labels)
}

// Sentinel is the label id marking the end of the words of an encoded example.
func (m *LabelMap) Sentinel() int {
	return len(m.labels) + 1
}

// NumLabels is the number of classes a scorer must handle: the alphabet plus the reserved id 0.
func (m *LabelMap) NumLabels() int {
	return len(m.labels) + 1
}

// Labels returns a copy of the label alphabet.
func (m *LabelMap) Labels() []string {
	labels := make([]string, len(m.labels))
	copy(labels, m.labels)
	return labels
}

// IDToName returns the id to label mapping keyed by the decimal id, as stored in model_config.json.
func (m *LabelMap) IDToName() map[string]string {
	result := make(map[string]string, len(m.labels))
	for i, label := range m.labels {
		result[strconv.Itoa(i+1)] = label
	}
	return result
}

// LabelMapFromIDToName rebuilds a LabelMap from the output of IDToName.
func LabelMapFromIDToName(idToName map[string]string) (*LabelMap, error) {
	labels := make([]string, len(idToName))
	for key, label := range idToName {
		id, err := strconv.Atoi(key)
		if err != nil || id < 1 || id > len(idToName) {
			return nil, errors.Errorf("invalid label id %q in label map", key)
		}
		labels[id-1] = label
	}
	return NewLabelMap(labels)
}
