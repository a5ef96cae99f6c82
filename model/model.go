// Package model defines the contract of a punctuation scorer: a model that, given the aligned
// tensors of a batch, computes a training loss (and its gradients) or per-word predictions.
//
// Scorers register a constructor per architecture (see Register), so the training command can
// build or reload one by name.
package model

import (
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Arch is the architecture of the scorer's head.
type Arch string

const (
	ArchOriginal Arch = "original"
	ArchCRF      Arch = "crf"
	ArchLSTM     Arch = "lstm"
	ArchLSTMCRF  Arch = "lstm_crf"
)

// Archs lists all known architectures.
var Archs = []Arch{ArchOriginal, ArchCRF, ArchLSTM, ArchLSTMCRF}

// ParseArch returns the Arch with the given name.
func ParseArch(name string) (Arch, error) {
	arch := Arch(strings.ToLower(name))
	if !slices.Contains(Archs, arch) {
		return "", errors.Errorf("unknown model architecture %q, valid values are %v", name, Archs)
	}
	return arch, nil
}

// ProducesDecodedSequence returns whether Model.Predict returns label ids directly (structured
// decoding heads), as opposed to per-position label scores that must be arg-maxed.
func (a Arch) ProducesDecodedSequence() bool {
	switch a {
	case ArchCRF, ArchLSTMCRF:
		return true
	}
	return false
}

// Inputs are the 6 aligned tensors of a batch, all int64 shaped [batchSize, maxSeqLength].
type Inputs struct {
	InputIDs   *tensors.Tensor
	InputMask  *tensors.Tensor
	SegmentIDs *tensors.Tensor
	LabelIDs   *tensors.Tensor
	ValidIDs   *tensors.Tensor
	LabelMask  *tensors.Tensor
}

// Parameter is a trainable parameter, with its accumulated gradient.
type Parameter struct {
	Name  string
	Shape []int
	Value []float32
	Grad  []float32
}

// NewParameter returns a zero-valued parameter with the given shape.
func NewParameter(name string, shape ...int) *Parameter {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Parameter{
		Name:  name,
		Shape: shape,
		Value: make([]float32, size),
		Grad:  make([]float32, size),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	clear(p.Grad)
}

// Loss is the result of a training forward pass.
type Loss interface {
	// Values returns the scalar loss of each replica that computed the batch. Single device
	// models return one value.
	Values() []float64

	// Backward adds to the parameters' gradients the gradient of scale times the mean loss.
	Backward(scale float64) error
}

// Model is a trainable punctuation scorer.
type Model interface {
	// Arch returns the model's architecture.
	Arch() Arch

	// Parameters returns the trainable parameters, in a stable order.
	Parameters() []*Parameter

	// Loss runs the model in training mode over the batch.
	Loss(inputs *Inputs) (Loss, error)

	// Predict runs the model in inference mode. If Arch().ProducesDecodedSequence() it returns
	// int64 label ids shaped [batchSize, maxSeqLength], otherwise float32 label scores shaped
	// [batchSize, maxSeqLength, numLabels]. Position i of the output refers to the i-th word
	// (1-based), the same positions as Inputs.LabelIDs.
	Predict(inputs *Inputs) (*tensors.Tensor, error)
}

// Saver is implemented by models that can save themselves to a directory.
type Saver interface {
	Save(dir string) error
}

// Placer is implemented by models that can be moved to a compute device.
type Placer interface {
	To(device Device) error
}

// Config holds what a constructor needs to build a new scorer.
type Config struct {
	Arch Arch

	// NameOrPath of the pretrained model the scorer starts from.
	NameOrPath string

	// NumLabels is the size of the label dimension: the label alphabet plus the reserved id 0.
	NumLabels int

	// VocabSize of the tokenizer, added tokens included.
	VocabSize int

	Seed uint64
}

// Constructor creates a new scorer.
type Constructor func(config Config) (Model, error)

// LoaderFunc reloads a scorer saved with Saver.Save.
type LoaderFunc func(dir string) (Model, error)

type registration struct {
	construct Constructor
	load      LoaderFunc
}

var (
	muRegistry sync.Mutex
	registry   = make(map[Arch]registration)
)

// Register the constructor and loader of the scorer for the given architecture.
// Typically called from an init() function.
func Register(arch Arch, construct Constructor, load LoaderFunc) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registry[arch] = registration{construct: construct, load: load}
}

func lookup(arch Arch) (registration, error) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	reg, found := registry[arch]
	if !found {
		return reg, errors.Errorf("no scorer registered for model architecture %q", arch)
	}
	return reg, nil
}

// New creates a scorer with the constructor registered for config.Arch.
func New(config Config) (Model, error) {
	reg, err := lookup(config.Arch)
	if err != nil {
		return nil, err
	}
	if config.NumLabels < 2 {
		return nil, errors.Errorf("invalid number of labels %d", config.NumLabels)
	}
	return reg.construct(config)
}

// Load reloads a scorer of the given architecture from dir.
func Load(arch Arch, dir string) (Model, error) {
	reg, err := lookup(arch)
	if err != nil {
		return nil, err
	}
	return reg.load(dir)
}
