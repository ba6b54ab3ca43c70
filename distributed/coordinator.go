package distributed

import "github.com/mingfeima/pssp/IO"

// Coordinator gates shared writes to rank 0 and reshuffles the distributed
// partition at the top of every epoch.
type Coordinator struct {
	Role Role
}

func NewCoordinator(r Role) *Coordinator { return &Coordinator{Role: r} }

// BeginEpoch reseeds the sampler from the epoch index. Single-process runs
// keep their own shuffling and are left alone.
func (c *Coordinator) BeginEpoch(epoch int, s IO.EpochSampler) {
	if !c.Role.Distributed() || s == nil {
		return
	}
	s.SetEpoch(epoch)
}

func (c *Coordinator) IsWriter() bool { return c.Role.IsWriter() }

// Persist runs fn on the writer only. Every other rank returns nil.
func (c *Coordinator) Persist(fn func() error) error {
	if !c.IsWriter() {
		return nil
	}
	return fn()
}
