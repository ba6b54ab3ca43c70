package optimizations

import (
	"gonum.org/v1/gonum/mat"
)

// Param is one trainable matrix and the gradient accumulated for it.
type Param struct {
	Name string
	W    *mat.Dense
	G    *mat.Dense
}

func NewParam(name string, r, c int, data []float64) *Param {
	return &Param{
		Name: name,
		W:    mat.NewDense(r, c, data),
		G:    mat.NewDense(r, c, nil),
	}
}

// ShareWeights returns a Param that reads the same W but owns a fresh G.
// Worker clones use it so concurrent backward passes never race on grads.
func (p *Param) ShareWeights() *Param {
	r, c := p.W.Dims()
	return &Param{Name: p.Name, W: p.W, G: mat.NewDense(r, c, nil)}
}

func (p *Param) ZeroGrad() { p.G.Zero() }

func (p *Param) Size() int {
	r, c := p.W.Dims()
	return r * c
}

// ParamGroup shares one learning rate.
type ParamGroup struct {
	Params []*Param
	LR     float64
}

// Optimizer is the first-order base optimizer the schedule wraps.
type Optimizer interface {
	ZeroGrad()
	Step()
	ParamGroups() []*ParamGroup
}
