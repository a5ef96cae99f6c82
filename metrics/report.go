// Package metrics computes per-label precision, recall and F1 of word-level predictions, and
// formats them as a classification report.
package metrics

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

// Score of one label, or an average over labels.
type Score struct {
	Label     string
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// Report holds the scores of the reported labels and their averages.
type Report struct {
	Labels      []Score
	MicroAvg    Score
	MacroAvg    Score
	WeightedAvg Score

	// Digits used when formatting.
	Digits int
}

// DefaultDigits is the precision used to format reports.
const DefaultDigits = 4

// ClassificationReport scores yPred against yTrue, restricted to the given labels: other labels
// only count as wrong predictions or missed words of the reported labels.
// Undefined ratios (no predictions or no support) are reported as 0.
func ClassificationReport(yTrue, yPred []string, labels []string) (*Report, error) {
	if len(yTrue) != len(yPred) {
		return nil, errors.Errorf("%d true labels but %d predictions", len(yTrue), len(yPred))
	}
	index := make(map[string]int, len(labels))
	for i, label := range labels {
		if _, found := index[label]; found {
			return nil, errors.Errorf("duplicate label %q", label)
		}
		index[label] = i
	}
	truePositives := make([]int, len(labels))
	predicted := make([]int, len(labels))
	support := make([]int, len(labels))
	for i := range yTrue {
		t, tFound := index[yTrue[i]]
		p, pFound := index[yPred[i]]
		if tFound {
			support[t]++
		}
		if pFound {
			predicted[p]++
		}
		if tFound && pFound && t == p {
			truePositives[t]++
		}
	}

	r := &Report{Digits: DefaultDigits}
	var sumTP, sumPredicted, sumSupport int
	for i, label := range labels {
		s := score(label, truePositives[i], predicted[i], support[i])
		r.Labels = append(r.Labels, s)
		sumTP += truePositives[i]
		sumPredicted += predicted[i]
		sumSupport += support[i]

		r.MacroAvg.Precision += s.Precision
		r.MacroAvg.Recall += s.Recall
		r.MacroAvg.F1 += s.F1
		r.WeightedAvg.Precision += s.Precision * float64(s.Support)
		r.WeightedAvg.Recall += s.Recall * float64(s.Support)
		r.WeightedAvg.F1 += s.F1 * float64(s.Support)
	}
	r.MicroAvg = score("micro avg", sumTP, sumPredicted, sumSupport)

	r.MacroAvg.Label = "macro avg"
	r.MacroAvg.Support = sumSupport
	if n := float64(len(labels)); n > 0 {
		r.MacroAvg.Precision /= n
		r.MacroAvg.Recall /= n
		r.MacroAvg.F1 /= n
	}
	r.WeightedAvg.Label = "weighted avg"
	r.WeightedAvg.Support = sumSupport
	if sumSupport > 0 {
		n := float64(sumSupport)
		r.WeightedAvg.Precision /= n
		r.WeightedAvg.Recall /= n
		r.WeightedAvg.F1 /= n
	} else {
		r.WeightedAvg.Precision, r.WeightedAvg.Recall, r.WeightedAvg.F1 = 0, 0, 0
	}
	return r, nil
}

func score(label string, truePositives, predicted, support int) Score {
	s := Score{Label: label, Support: support}
	if predicted > 0 {
		s.Precision = float64(truePositives) / float64(predicted)
	}
	if support > 0 {
		s.Recall = float64(truePositives) / float64(support)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	return s
}

// String formats the report as a text table.
func (r *Report) String() string {
	digits := r.Digits
	if digits <= 0 {
		digits = DefaultDigits
	}
	format := func(v float64) string { return strconv.FormatFloat(v, 'f', digits, 64) }
	row := func(s Score) []string {
		return []string{s.Label, format(s.Precision), format(s.Recall), format(s.F1), strconv.Itoa(s.Support)}
	}

	var sb strings.Builder
	table := tablewriter.NewWriter(&sb)
	table.SetHeader([]string{"", "precision", "recall", "f1-score", "support"})
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_RIGHT)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, s := range r.Labels {
		table.Append(row(s))
	}
	table.Append([]string{"", "", "", "", ""})
	table.Append(row(r.MicroAvg))
	table.Append(row(r.MacroAvg))
	table.Append(row(r.WeightedAvg))
	table.Render()
	return sb.String()
}

// Summary is a one line summary of the report, for logging.
func (r *Report) Summary() string {
	return fmt.Sprintf("micro avg: precision=%.4f recall=%.4f f1=%.4f (support %d)",
		r.MicroAvg.Precision, r.MicroAvg.Recall, r.MicroAvg.F1, r.MicroAvg.Support)
}
