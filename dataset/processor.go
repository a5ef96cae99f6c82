package dataset

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Split names one of the data splits.
type Split string

const (
	SplitTrain Split = "train"
	SplitDev   Split = "dev"
	SplitTest  Split = "test"
)

var (
	// ErrUnknownTask is returned by NewProcessor for task names that are not registered.
	ErrUnknownTask = errors.New("task not found")

	// ErrUnknownEvalSplit is returned by ParseEvalSplit for anything other than "dev" or "test".
	ErrUnknownEvalSplit = errors.New("eval on dev or test set only")
)

// ParseEvalSplit returns the split to evaluate on: only SplitDev and SplitTest are valid.
func ParseEvalSplit(name string) (Split, error) {
	switch Split(name) {
	case SplitDev, SplitTest:
		return Split(name), nil
	}
	return "", errors.Wrapf(ErrUnknownEvalSplit, "invalid eval split %q", name)
}

// Processor reads the examples of a task.
type Processor interface {
	// Labels returns the label alphabet of the task, in id order.
	Labels() []string

	// Examples reads the examples of the split from dataDir.
	Examples(dataDir string, split Split) ([]Example, error)
}

// PunctuationTask is the name of the punctuation prediction task.
const PunctuationTask = "punctuation_prediction"

// PunctuationLabels is the label alphabet of the punctuation prediction task: "O" for no
// punctuation after the word, and the punctuation marks.
var PunctuationLabels = []string{"O", "COMMA", "PERIOD", "QMARK", "EXCLAM", "COLON", "SEMICOLON"}

var processors = map[string]func() Processor{
	PunctuationTask: func() Processor { return &PunctuationProcessor{} },
}

// Tasks returns the names of the registered tasks, sorted.
func Tasks() []string {
	names := make([]string, 0, len(processors))
	for name := range processors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewProcessor returns the processor registered for taskName (case-insensitive).
func NewProcessor(taskName string) (Processor, error) {
	factory, found := processors[strings.ToLower(taskName)]
	if !found {
		return nil, errors.Wrapf(ErrUnknownTask, "task %q (registered tasks: %v)", taskName, Tasks())
	}
	return factory(), nil
}

// PunctuationProcessor reads the examples of the punctuation prediction task.
type PunctuationProcessor struct{}

// Labels implements Processor.
func (p *PunctuationProcessor) Labels() []string {
	labels := make([]string, len(PunctuationLabels))
	copy(labels, PunctuationLabels)
	return labels
}

// Examples implements Processor. Labels outside the alphabet are reported as errors.
func (p *PunctuationProcessor) Examples(dataDir string, split Split) ([]Example, error) {
	labelMap, err := NewLabelMap(PunctuationLabels)
	if err != nil {
		return nil, err
	}
	examples, path, err := ReadSplit(dataDir, split)
	if err != nil {
		return nil, err
	}
	for i, example := range examples {
		for _, label := range example.Labels {
			if _, err := labelMap.ID(label); err != nil {
				return nil, errors.WithMessagef(err, "example #%d of %s", i, path)
			}
		}
	}
	return examples, nil
}

// TrainExamples reads the training split.
func TrainExamples(p Processor, dataDir string) ([]Example, error) {
	return p.Examples(dataDir, SplitTrain)
}

// DevExamples reads the development split.
func DevExamples(p Processor, dataDir string) ([]Example, error) {
	return p.Examples(dataDir, SplitDev)
}

// TestExamples reads the test split.
func TestExamples(p Processor, dataDir string) ([]Example, error) {
	return p.Examples(dataDir, SplitTest)
}
