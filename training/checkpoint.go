package training

import "math"

// ShouldCheckpoint is true when current is at least the best accuracy seen
// so far. Ties count as a new best.
func ShouldCheckpoint(current, historicalMax float64) bool {
	return current >= historicalMax
}

// CheckpointPolicy tracks the running maximum of validation accuracy.
type CheckpointPolicy struct {
	best float64
	seen bool
}

func NewCheckpointPolicy() *CheckpointPolicy {
	return &CheckpointPolicy{best: math.Inf(-1)}
}

// Observe folds acc into the history and reports whether to persist now.
// The first observation always returns true.
func (p *CheckpointPolicy) Observe(acc float64) bool {
	if !p.seen {
		p.seen = true
		p.best = acc
		return true
	}
	p.best = math.Max(p.best, acc)
	return ShouldCheckpoint(acc, p.best)
}

func (p *CheckpointPolicy) Best() float64 { return p.best }

// Checkpointer persists the current model state.
type Checkpointer interface {
	SaveCheckpoint(epoch int, validAccuracy float64) error
}

type CheckpointFunc func(epoch int, validAccuracy float64) error

func (f CheckpointFunc) SaveCheckpoint(epoch int, validAccuracy float64) error {
	return f(epoch, validAccuracy)
}
