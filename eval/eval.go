// Package eval runs a punctuation scorer over evaluation batches, decodes its predictions back to
// word-level labels and reports precision, recall and F1 of the punctuation marks.
package eval

import (
	"context"
	"io"
	"path/filepath"

	"github.com/gomlx/go-punctuation/dataset"
	"github.com/gomlx/go-punctuation/hub"
	"github.com/gomlx/go-punctuation/loader"
	"github.com/gomlx/go-punctuation/metrics"
	"github.com/gomlx/go-punctuation/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// EvalResultsFile is written after each evaluation during training.
	EvalResultsFile = "eval_results.txt"

	// TestResultsFile is written by the final evaluation.
	TestResultsFile = "test_results.txt"

	// UnknownPrediction is the label of predicted ids outside the label map.
	UnknownPrediction = "PAD"
)

// PunctuationMarks are the labels scored in reports. "O" (no punctuation) is left out, since it
// dominates the counts.
var PunctuationMarks = []string{"PERIOD", "COMMA", "COLON", "QMARK", "EXCLAM", "SEMICOLON"}

// Batches is an iterator over evaluation batches, see loader.Loader.Batches.
type Batches = func(yield func(*loader.Batch, error) bool)

// Evaluate runs m in inference mode over batches and returns the true and predicted labels of
// every word, in order.
//
// For each example, label ids are read from position 1 until the sentinel id; words of an example
// without a sentinel are not reported. Predicted ids that are not in labelMap (0 or the sentinel),
// and positions past the end of a shorter prediction row, are reported as UnknownPrediction.
func Evaluate(ctx context.Context, m model.Model, batches Batches, labelMap *dataset.LabelMap) (yTrue, yPred []string, err error) {
	sentinel := labelMap.Sentinel()
	for batch, err := range batches {
		if err != nil {
			return nil, nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, errors.WithMessage(err, "evaluation interrupted")
		}
		if batch.Size() == 0 {
			continue
		}
		predictions, err := predict(m, batch)
		if err != nil {
			return nil, nil, err
		}
		labelRows, err := model.Rows(batch.LabelIDs)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "label ids")
		}
		for i, labels := range labelRows {
			var exampleTrue, examplePred []string
			for j := 1; j < len(labels); j++ {
				id := int(labels[j])
				if id == sentinel {
					yTrue = append(yTrue, exampleTrue...)
					yPred = append(yPred, examplePred...)
					break
				}
				trueLabel, found := labelMap.Name(id)
				if !found {
					return nil, nil, errors.Errorf("example #%d of the batch has label id %d at position %d, which is not a label",
						i, id, j)
				}
				predLabel := UnknownPrediction
				if j < len(predictions[i]) {
					if name, found := labelMap.Name(predictions[i][j]); found {
						predLabel = name
					}
				}
				exampleTrue = append(exampleTrue, trueLabel)
				examplePred = append(examplePred, predLabel)
			}
		}
	}
	return yTrue, yPred, nil
}

// predict returns the predicted label id per example and position.
func predict(m model.Model, batch *loader.Batch) ([][]int, error) {
	output, err := m.Predict(&batch.Inputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "model %s failed to predict", m.Arch())
	}
	if m.Arch().ProducesDecodedSequence() {
		rows, err := model.Rows(output)
		if err != nil {
			return nil, errors.WithMessage(err, "decoded predictions")
		}
		if len(rows) != batch.Size() {
			return nil, errors.Errorf("expected decoded predictions for %d examples, got %d", batch.Size(), len(rows))
		}
		predictions := make([][]int, len(rows))
		for i, row := range rows {
			predictions[i] = make([]int, len(row))
			for j, id := range row {
				predictions[i][j] = int(id)
			}
		}
		return predictions, nil
	}

	scores, dims, err := model.Float32s(output)
	if err != nil {
		return nil, errors.WithMessage(err, "prediction scores")
	}
	if len(dims) != 3 || dims[0] != batch.Size() {
		return nil, errors.Errorf("expected prediction scores shaped [%d, seqLen, numLabels], got %v", batch.Size(), dims)
	}
	batchSize, seqLen, numLabels := dims[0], dims[1], dims[2]
	predictions := make([][]int, batchSize)
	for i := range predictions {
		predictions[i] = make([]int, seqLen)
		for j := range seqLen {
			offset := (i*seqLen + j) * numLabels
			predictions[i][j] = argmax(scores[offset : offset+numLabels])
		}
	}
	return predictions, nil
}

// argmax returns the index of the first largest value.
func argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// Report scores the predictions on the punctuation marks.
func Report(yTrue, yPred []string) (*metrics.Report, error) {
	return metrics.ClassificationReport(yTrue, yPred, PunctuationMarks)
}

// WriteReport writes the report to fileName in outputDir, atomically.
func WriteReport(outputDir, fileName string, report *metrics.Report) error {
	path := filepath.Join(outputDir, fileName)
	return hub.WriteFileAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, report.String())
		return err
	})
}

// Run evaluates m over batches, logs the report and writes it to fileName in outputDir.
func Run(ctx context.Context, m model.Model, batches Batches, labelMap *dataset.LabelMap, outputDir, fileName string) (*metrics.Report, error) {
	yTrue, yPred, err := Evaluate(ctx, m, batches, labelMap)
	if err != nil {
		return nil, err
	}
	report, err := Report(yTrue, yPred)
	if err != nil {
		return nil, err
	}
	klog.Infof("evaluation over %d words, %s", len(yTrue), report.Summary())
	klog.V(1).Infof("\n%s", report)
	if err := WriteReport(outputDir, fileName, report); err != nil {
		return nil, errors.WithMessagef(err, "failed to write evaluation report")
	}
	return report, nil
}
