package IO

import (
	"math/rand/v2"
)

// Sampler yields the dataset indices for one pass.
type Sampler interface {
	Indices() []int
	Len() int
}

// EpochSampler reshuffles deterministically from an epoch index.
type EpochSampler interface {
	SetEpoch(epoch int)
}

type SequentialSampler struct{ N int }

func (s SequentialSampler) Len() int { return s.N }

func (s SequentialSampler) Indices() []int {
	out := make([]int, s.N)
	for i := range out {
		out[i] = i
	}
	return out
}

// RandomSampler draws a fresh permutation on every pass from its own seeded
// stream, so a single-process run is reproducible from the seed alone.
type RandomSampler struct {
	N   int
	rng *rand.Rand
}

func NewRandomSampler(n int, seed int64) *RandomSampler {
	return &RandomSampler{N: n, rng: rand.New(rand.NewPCG(uint64(seed), 0))}
}

func (s *RandomSampler) Len() int       { return s.N }
func (s *RandomSampler) Indices() []int { return s.rng.Perm(s.N) }

// DistributedSampler gives each rank a disjoint, equally sized slice of one
// shuffled order. The order depends only on (seed, epoch). The index list
// is padded by wrapping around so it divides evenly between replicas.
type DistributedSampler struct {
	N        int
	Replicas int
	Rank     int
	Seed     int64
	epoch    int
}

func NewDistributedSampler(n, replicas, rank int, seed int64) *DistributedSampler {
	return &DistributedSampler{N: n, Replicas: replicas, Rank: rank, Seed: seed}
}

func (s *DistributedSampler) SetEpoch(epoch int) { s.epoch = epoch }

func (s *DistributedSampler) Epoch() int { return s.epoch }

// Len is the per-rank sample count.
func (s *DistributedSampler) Len() int {
	return (s.N + s.Replicas - 1) / s.Replicas
}

func (s *DistributedSampler) Indices() []int {
	if s.N == 0 {
		return nil
	}
	perm := rand.New(rand.NewPCG(uint64(s.Seed), uint64(s.epoch))).Perm(s.N)
	total := s.Len() * s.Replicas
	for len(perm) < total {
		perm = append(perm, perm[:min(total-len(perm), s.N)]...)
	}
	out := make([]int, 0, s.Len())
	for i := s.Rank; i < total; i += s.Replicas {
		out = append(out, perm[i])
	}
	return out
}
