// Package lexical implements a small trainable punctuation scorer for the "original" architecture:
// the label scores of a word are a learned function of its first sub-word piece and of the first
// piece that follows it.
//
// It has none of the context of a transformer encoder, but it trains in seconds on the CPU, which
// makes it a baseline and a stand-in scorer for the training and evaluation loops.
//
// Importing the package registers it with model.Register.
package lexical

import (
	"math"
	"math/rand/v2"
	"path/filepath"
	"strconv"

	"github.com/gomlx/go-punctuation/model"
	"github.com/gomlx/go-punctuation/models/safetensors"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

const (
	// TokenWeightName is the parameter scoring a word's first piece, shaped [vocabSize, numLabels].
	TokenWeightName = "classifier.token.weight"
	// NextWeightName is the parameter scoring the piece after the word, shaped [vocabSize, numLabels].
	NextWeightName = "classifier.next.weight"
	// BiasName is the label bias, shaped [numLabels].
	BiasName = "classifier.bias"

	// WeightsFileName is the file written by Save.
	WeightsFileName = "model.safetensors"

	initRange = 0.02
)

func init() {
	model.Register(model.ArchOriginal,
		func(config model.Config) (model.Model, error) { return New(config) },
		func(dir string) (model.Model, error) { return Load(dir) })
}

// Model is the lexical scorer. It implements model.Model, model.Saver and model.Placer.
type Model struct {
	numLabels, vocabSize int
	nameOrPath           string
	tokenWeight          *model.Parameter
	nextWeight           *model.Parameter
	bias                 *model.Parameter
}

var (
	_ model.Model  = (*Model)(nil)
	_ model.Saver  = (*Model)(nil)
	_ model.Placer = (*Model)(nil)
)

// New creates a scorer with weights initialized uniformly in [-0.02, 0.02) from config.Seed.
func New(config model.Config) (*Model, error) {
	if config.VocabSize <= 0 || config.NumLabels < 2 {
		return nil, errors.Errorf("invalid lexical scorer dimensions: vocabulary size %d, %d labels",
			config.VocabSize, config.NumLabels)
	}
	m := newModel(config.VocabSize, config.NumLabels)
	m.nameOrPath = config.NameOrPath
	rng := rand.New(rand.NewPCG(config.Seed, 0x1e41ca1))
	for _, p := range []*model.Parameter{m.tokenWeight, m.nextWeight} {
		for i := range p.Value {
			p.Value[i] = float32((rng.Float64()*2 - 1) * initRange)
		}
	}
	return m, nil
}

func newModel(vocabSize, numLabels int) *Model {
	return &Model{
		numLabels:   numLabels,
		vocabSize:   vocabSize,
		tokenWeight: model.NewParameter(TokenWeightName, vocabSize, numLabels),
		nextWeight:  model.NewParameter(NextWeightName, vocabSize, numLabels),
		bias:        model.NewParameter(BiasName, numLabels),
	}
}

// Arch implements model.Model.
func (m *Model) Arch() model.Arch {
	return model.ArchOriginal
}

// Parameters implements model.Model.
func (m *Model) Parameters() []*model.Parameter {
	return []*model.Parameter{m.tokenWeight, m.nextWeight, m.bias}
}

// To implements model.Placer: only the CPU is supported.
func (m *Model) To(device model.Device) error {
	if device.Kind != model.CPU {
		return errors.Errorf("lexical scorer only runs on the CPU, not on %s", device)
	}
	return nil
}

// word is one word of an example, as seen by the scorer.
type word struct {
	example, position int // position is the 1-based word index, where its label is.
	token, next       int
}

// words extracts the words of each example of the batch, using ValidIDs to find the first pieces.
func (m *Model) words(inputs *model.Inputs) (batchSize, seqLen int, words []word, err error) {
	inputIDs, err := model.Rows(inputs.InputIDs)
	if err != nil {
		return 0, 0, nil, errors.WithMessage(err, "input ids")
	}
	validIDs, err := model.Rows(inputs.ValidIDs)
	if err != nil {
		return 0, 0, nil, errors.WithMessage(err, "valid ids")
	}
	inputMask, err := model.Rows(inputs.InputMask)
	if err != nil {
		return 0, 0, nil, errors.WithMessage(err, "input mask")
	}
	batchSize = len(inputIDs)
	if batchSize > 0 {
		seqLen = len(inputIDs[0])
	}
	if len(validIDs) != batchSize || len(inputMask) != batchSize {
		return 0, 0, nil, errors.Errorf("batch size mismatch: input ids %d, valid ids %d, input mask %d",
			batchSize, len(validIDs), len(inputMask))
	}
	for i := range batchSize {
		var starts []int
		length := 0
		for pos := range seqLen {
			if validIDs[i][pos] == 1 {
				starts = append(starts, pos)
			}
			length += int(inputMask[i][pos])
		}
		endPos := max(length-1, 0)
		for k, start := range starts {
			nextPos := endPos
			if k+1 < len(starts) {
				nextPos = starts[k+1]
			}
			if k+1 >= seqLen {
				break
			}
			w := word{example: i, position: k + 1, token: int(inputIDs[i][start]), next: int(inputIDs[i][nextPos])}
			if w.token < 0 || w.token >= m.vocabSize || w.next < 0 || w.next >= m.vocabSize {
				return 0, 0, nil, errors.Errorf("token ids (%d, %d) of example #%d out of the vocabulary (size %d)",
					w.token, w.next, i, m.vocabSize)
			}
			words = append(words, w)
		}
	}
	return batchSize, seqLen, words, nil
}

// logits of the word into dst.
func (m *Model) logits(w word, dst []float64) {
	L := m.numLabels
	for l := range L {
		dst[l] = float64(m.tokenWeight.Value[w.token*L+l]) + float64(m.nextWeight.Value[w.next*L+l]) +
			float64(m.bias.Value[l])
	}
}

// Predict implements model.Model: it returns float32 label scores shaped [batchSize, seqLen, numLabels].
func (m *Model) Predict(inputs *model.Inputs) (*tensors.Tensor, error) {
	batchSize, seqLen, words, err := m.words(inputs)
	if err != nil {
		return nil, err
	}
	L := m.numLabels
	scores := make([]float32, batchSize*seqLen*L)
	logits := make([]float64, L)
	for _, w := range words {
		m.logits(w, logits)
		offset := (w.example*seqLen + w.position) * L
		for l, v := range logits {
			scores[offset+l] = float32(v)
		}
	}
	return model.Float32Tensor(scores, batchSize, seqLen, L), nil
}

type lossItem struct {
	w      word
	target int
	probs  []float64
}

// crossEntropy is the mean softmax cross-entropy over the labeled words of a batch.
type crossEntropy struct {
	m     *Model
	value float64
	items []lossItem
}

// Loss implements model.Model. Words count if their LabelMask is set and their label is a real
// label (not 0 nor the sentinel).
func (m *Model) Loss(inputs *model.Inputs) (model.Loss, error) {
	_, _, words, err := m.words(inputs)
	if err != nil {
		return nil, err
	}
	labelIDs, err := model.Rows(inputs.LabelIDs)
	if err != nil {
		return nil, errors.WithMessage(err, "label ids")
	}
	labelMask, err := model.Rows(inputs.LabelMask)
	if err != nil {
		return nil, errors.WithMessage(err, "label mask")
	}

	loss := &crossEntropy{m: m}
	for _, w := range words {
		if labelMask[w.example][w.position] != 1 {
			continue
		}
		target := int(labelIDs[w.example][w.position])
		if target < 1 || target >= m.numLabels {
			continue
		}
		probs := make([]float64, m.numLabels)
		m.logits(w, probs)
		softmax(probs)
		loss.value -= math.Log(max(probs[target], math.SmallestNonzeroFloat64))
		loss.items = append(loss.items, lossItem{w: w, target: target, probs: probs})
	}
	if len(loss.items) > 0 {
		loss.value /= float64(len(loss.items))
	}
	return loss, nil
}

// softmax converts the logits in place to probabilities.
func softmax(values []float64) {
	maxV := math.Inf(-1)
	for _, v := range values {
		maxV = max(maxV, v)
	}
	sum := 0.0
	for i, v := range values {
		values[i] = math.Exp(v - maxV)
		sum += values[i]
	}
	for i := range values {
		values[i] /= sum
	}
}

// Values implements model.Loss.
func (l *crossEntropy) Values() []float64 {
	return []float64{l.value}
}

// Backward implements model.Loss.
func (l *crossEntropy) Backward(scale float64) error {
	if len(l.items) == 0 {
		return nil
	}
	m := l.m
	L := m.numLabels
	factor := scale / float64(len(l.items))
	for _, item := range l.items {
		for label, p := range item.probs {
			d := p
			if label == item.target {
				d -= 1
			}
			g := float32(d * factor)
			m.tokenWeight.Grad[item.w.token*L+label] += g
			m.nextWeight.Grad[item.w.next*L+label] += g
			m.bias.Grad[label] += g
		}
	}
	return nil
}

// Save implements model.Saver: the weights and dimensions are written to dir/model.safetensors.
func (m *Model) Save(dir string) error {
	var ts []safetensors.Tensor
	for _, p := range m.Parameters() {
		ts = append(ts, safetensors.Float32Tensor(p.Name, p.Shape, p.Value))
	}
	metadata := map[string]string{
		"arch":       string(model.ArchOriginal),
		"vocab_size": strconv.Itoa(m.vocabSize),
		"num_labels": strconv.Itoa(m.numLabels),
	}
	if m.nameOrPath != "" {
		metadata["name_or_path"] = m.nameOrPath
	}
	return safetensors.WriteFile(filepath.Join(dir, WeightsFileName), ts, metadata)
}

// Load reloads a scorer saved with Save.
func Load(dir string) (*Model, error) {
	path := filepath.Join(dir, WeightsFileName)
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vocabSize, err := strconv.Atoi(f.Header.Metadata["vocab_size"])
	if err != nil {
		return nil, errors.Wrapf(err, "invalid vocab_size in %q", path)
	}
	numLabels, err := strconv.Atoi(f.Header.Metadata["num_labels"])
	if err != nil {
		return nil, errors.Wrapf(err, "invalid num_labels in %q", path)
	}
	if vocabSize <= 0 || numLabels < 2 {
		return nil, errors.Errorf("invalid dimensions in %q: vocabulary size %d, %d labels", path, vocabSize, numLabels)
	}
	m := newModel(vocabSize, numLabels)
	m.nameOrPath = f.Header.Metadata["name_or_path"]
	for _, p := range m.Parameters() {
		values, shape, err := f.Float32s(p.Name)
		if err != nil {
			return nil, err
		}
		if len(values) != len(p.Value) {
			return nil, errors.Errorf("parameter %q in %q has shape %v, expected %v", p.Name, path, shape, p.Shape)
		}
		copy(p.Value, values)
	}
	return m, nil
}
