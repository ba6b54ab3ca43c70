package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mingfeima/pssp/utils"
)

// p -= lr * mhat/(sqrt(vhat)+eps) with bias correction.
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	b1t := math.Pow(beta1, float64(t))
	b2t := math.Pow(beta2, float64(t))
	c1 := 1.0 / (1.0 - b1t)
	c2 := 1.0 / (1.0 - b2t)
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			mhat := mij * c1
			vhat := vij * c2
			denom := math.Sqrt(vhat) + eps
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, p.At(i, j)-lr*mhat/denom)
		}
	}
}

type adamState struct {
	T    int
	M, V *mat.Dense
}

// Adam keeps per-parameter moments, created lazily on first step.
type Adam struct {
	Beta1, Beta2, Eps float64

	groups []*ParamGroup
	state  map[*Param]*adamState
}

// NewAdam uses the betas and eps the transformer schedule was tuned with.
func NewAdam(params []*Param) *Adam {
	return &Adam{
		Beta1:  0.9,
		Beta2:  0.98,
		Eps:    1e-9,
		groups: []*ParamGroup{{Params: params}},
		state:  make(map[*Param]*adamState),
	}
}

func (a *Adam) ParamGroups() []*ParamGroup { return a.groups }

func (a *Adam) ZeroGrad() {
	for _, g := range a.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

func (a *Adam) Step() {
	for _, g := range a.groups {
		for _, p := range g.Params {
			st, ok := a.state[p]
			if !ok {
				st = &adamState{M: utils.ZerosLike(p.W), V: utils.ZerosLike(p.W)}
				a.state[p] = st
			}
			st.T++
			AdamUpdateInPlace(p.W, p.G, st.M, st.V, st.T, g.LR, a.Beta1, a.Beta2, a.Eps)
		}
	}
}

