// Package loader assembles encoded features into batches of tensors, in random order for training
// and in the original order for evaluation, optionally sharded across the ranks of a distributed run.
package loader

import (
	"github.com/gomlx/go-punctuation/features"
	"github.com/gomlx/go-punctuation/model"
	"github.com/pkg/errors"
)

// Batch is a group of encoded features and their tensors.
// A Batch may be empty (Size() == 0) when a distributed rank has run out of examples, see Loader.
type Batch struct {
	model.Inputs

	// Features in the batch, in the order of the tensor rows.
	Features []*features.Feature
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	return len(b.Features)
}

// NewBatch creates the tensors of the batch, each shaped [len(fs), maxSeqLength].
func NewBatch(fs []*features.Feature) (*Batch, error) {
	b := &Batch{Features: fs}
	if len(fs) == 0 {
		return b, nil
	}
	var err error
	build := func(get func(f *features.Feature) []int) [][]int {
		rows := make([][]int, len(fs))
		for i, f := range fs {
			rows[i] = get(f)
		}
		return rows
	}
	if b.InputIDs, err = model.Int64Matrix(build(func(f *features.Feature) []int { return f.InputIDs })); err != nil {
		return nil, errors.WithMessage(err, "input ids")
	}
	if b.InputMask, err = model.Int64Matrix(build(func(f *features.Feature) []int { return f.InputMask })); err != nil {
		return nil, errors.WithMessage(err, "input mask")
	}
	if b.SegmentIDs, err = model.Int64Matrix(build(func(f *features.Feature) []int { return f.SegmentIDs })); err != nil {
		return nil, errors.WithMessage(err, "segment ids")
	}
	if b.LabelIDs, err = model.Int64Matrix(build(func(f *features.Feature) []int { return f.LabelIDs })); err != nil {
		return nil, errors.WithMessage(err, "label ids")
	}
	if b.ValidIDs, err = model.Int64Matrix(build(func(f *features.Feature) []int { return f.ValidIDs })); err != nil {
		return nil, errors.WithMessage(err, "valid ids")
	}
	if b.LabelMask, err = model.Int64Matrix(build(func(f *features.Feature) []int { return f.LabelMask })); err != nil {
		return nil, errors.WithMessage(err, "label mask")
	}
	return b, nil
}

// Loader iterates over the features in batches, in the order given by its Sampler.
type Loader struct {
	Features  []*features.Feature
	BatchSize int
	Sampler   Sampler
}

// New returns a Loader. batchSize must be positive.
func New(fs []*features.Feature, batchSize int, sampler Sampler) (*Loader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if sampler.NumExamples() != len(fs) {
		return nil, errors.Errorf("sampler is for %d examples, but there are %d features", sampler.NumExamples(), len(fs))
	}
	return &Loader{Features: fs, BatchSize: batchSize, Sampler: sampler}, nil
}

// NumBatches returns the number of batches per epoch. For distributed samplers it is the same on
// every rank: ranks with fewer examples yield empty batches at the end of the epoch, so all ranks
// take part in the same number of steps.
func (l *Loader) NumBatches() int {
	return (l.Sampler.Len() + l.BatchSize - 1) / l.BatchSize
}

// Batches iterates over the batches of the given epoch.
func (l *Loader) Batches(epoch int) func(yield func(*Batch, error) bool) {
	return func(yield func(*Batch, error) bool) {
		indices := l.Sampler.Indices(epoch)
		numBatches := l.NumBatches()
		for b := range numBatches {
			start := min(b*l.BatchSize, len(indices))
			end := min(start+l.BatchSize, len(indices))
			fs := make([]*features.Feature, 0, end-start)
			for _, idx := range indices[start:end] {
				fs = append(fs, l.Features[idx])
			}
			batch, err := NewBatch(fs)
			if !yield(batch, err) || err != nil {
				return
			}
		}
	}
}
