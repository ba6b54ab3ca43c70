package distributed

import (
	"context"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/mingfeima/pssp/IO"
	"github.com/mingfeima/pssp/optimizations"
)

// Module is the network surface data parallelism needs.
type Module interface {
	SetTraining(training bool)
	Forward(ctx context.Context, b *IO.Batch) (*mat.Dense, error)
	Backward(ctx context.Context, dPred *mat.Dense) error
	Parameters() []*optimizations.Param
}

// DataParallel keeps replicas in lockstep: weights start from rank 0 and
// every backward pass ends with gradients averaged over ranks.
type DataParallel struct {
	Module
	group  *Group
	params []*optimizations.Param
	buf    []float64
}

// NewDataParallel broadcasts rank 0's weights to every replica.
func NewDataParallel(ctx context.Context, m Module, g *Group) (*DataParallel, error) {
	d := &DataParallel{Module: m, group: g, params: m.Parameters()}
	n := 0
	for _, p := range d.params {
		n += p.Size()
	}
	d.buf = make([]float64, n)
	if !g.Role().Distributed() {
		return d, nil
	}
	gather(d.buf, d.params, func(p *optimizations.Param) *mat.Dense { return p.W })
	if err := g.Broadcast(ctx, d.buf); err != nil {
		return nil, errors.WithMessage(err, "sync initial weights")
	}
	scatter(d.buf, d.params, func(p *optimizations.Param) *mat.Dense { return p.W })
	return d, nil
}

func (d *DataParallel) Backward(ctx context.Context, dPred *mat.Dense) error {
	if err := d.Module.Backward(ctx, dPred); err != nil {
		return err
	}
	world := d.group.Role().WorldSize
	if world <= 1 {
		return nil
	}
	grad := func(p *optimizations.Param) *mat.Dense { return p.G }
	gather(d.buf, d.params, grad)
	if err := d.group.AllReduceSum(ctx, d.buf); err != nil {
		return errors.WithMessage(err, "all-reduce gradients")
	}
	floats.Scale(1/float64(world), d.buf)
	scatter(d.buf, d.params, grad)
	return nil
}

func gather(buf []float64, ps []*optimizations.Param, pick func(*optimizations.Param) *mat.Dense) {
	off := 0
	for _, p := range ps {
		m := pick(p)
		r, _ := m.Dims()
		for i := 0; i < r; i++ {
			off += copy(buf[off:], m.RawRowView(i))
		}
	}
}

func scatter(buf []float64, ps []*optimizations.Param, pick func(*optimizations.Param) *mat.Dense) {
	off := 0
	for _, p := range ps {
		m := pick(p)
		r, _ := m.Dims()
		for i := 0; i < r; i++ {
			off += copy(m.RawRowView(i), buf[off:])
		}
	}
}
