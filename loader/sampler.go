package loader

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Sampler orders (and possibly shards) the examples of each epoch.
type Sampler interface {
	// NumExamples is the total number of examples sampled from.
	NumExamples() int

	// Len is the number of indices returned by Indices: for distributed samplers it is the
	// largest share across the ranks.
	Len() int

	// Indices returns the example indices of the epoch, in order.
	Indices(epoch int) []int
}

// SequentialSampler returns the examples in their original order.
type SequentialSampler struct {
	N int
}

// NumExamples implements Sampler.
func (s SequentialSampler) NumExamples() int { return s.N }

// Len implements Sampler.
func (s SequentialSampler) Len() int { return s.N }

// Indices implements Sampler.
func (s SequentialSampler) Indices(epoch int) []int {
	indices := make([]int, s.N)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

// RandomSampler returns a random permutation of the examples, resampled every epoch.
// The permutation of an epoch only depends on (Seed, epoch), so a resumed run sees the same
// order as an uninterrupted one.
type RandomSampler struct {
	N    int
	Seed uint64
}

// NumExamples implements Sampler.
func (s RandomSampler) NumExamples() int { return s.N }

// Len implements Sampler.
func (s RandomSampler) Len() int { return s.N }

// Indices implements Sampler.
func (s RandomSampler) Indices(epoch int) []int {
	return permutation(s.N, s.Seed, epoch)
}

func permutation(n int, seed uint64, epoch int) []int {
	rng := rand.New(rand.NewPCG(seed, uint64(epoch)))
	return rng.Perm(n)
}

// DistributedSampler shards the examples across the ranks of a distributed run: every example
// is assigned to exactly one rank per epoch. With Shuffle, the examples are permuted (identically
// on every rank) before being dealt round-robin.
type DistributedSampler struct {
	N               int
	Rank, WorldSize int
	Seed            uint64
	Shuffle         bool
}

// NewDistributedSampler validates the rank and world size.
func NewDistributedSampler(n, rank, worldSize int, seed uint64, shuffle bool) (*DistributedSampler, error) {
	if worldSize < 1 || rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("invalid rank %d for world size %d", rank, worldSize)
	}
	return &DistributedSampler{N: n, Rank: rank, WorldSize: worldSize, Seed: seed, Shuffle: shuffle}, nil
}

// NumExamples implements Sampler.
func (s *DistributedSampler) NumExamples() int { return s.N }

// Len implements Sampler.
func (s *DistributedSampler) Len() int {
	return (s.N + s.WorldSize - 1) / s.WorldSize
}

// Indices implements Sampler.
func (s *DistributedSampler) Indices(epoch int) []int {
	var order []int
	if s.Shuffle {
		order = permutation(s.N, s.Seed, epoch)
	} else {
		order = SequentialSampler{N: s.N}.Indices(epoch)
	}
	indices := make([]int, 0, s.Len())
	for i := s.Rank; i < len(order); i += s.WorldSize {
		indices = append(indices, order[i])
	}
	return indices
}
