package transformer

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/mingfeima/pssp/optimizations"
	"github.com/mingfeima/pssp/utils"
)

// Attention is multi-head scaled dot-product attention over column-per-token
// activations. Queries come from xq, keys and values from xkv, so the same
// layer serves self-attention (xq == xkv) and encoder-decoder attention.
type Attention struct {
	H       int
	DModel  int
	DK      int
	DV      int
	Wquery  []*optimizations.Param // per head (dK x dModel)
	Wkey    []*optimizations.Param // per head (dK x dModel)
	Wvalue  []*optimizations.Param // per head (dV x dModel)
	Woutput *optimizations.Param   // (dModel x H*dV)

	// cache for backprop
	Xq, Xkv *mat.Dense
	Q, K, V []*mat.Dense
	A       []*mat.Dense
	O_cat   *mat.Dense
}

func NewAttention(name string, dModel, nHeads, dK, dV int, src rand.Source) *Attention {
	attn := &Attention{
		H:      nHeads,
		DModel: dModel,
		DK:     dK,
		DV:     dV,
		Wquery: make([]*optimizations.Param, nHeads),
		Wkey:   make([]*optimizations.Param, nHeads),
		Wvalue: make([]*optimizations.Param, nHeads),
	}
	attn.resetCache()
	for h := 0; h < nHeads; h++ {
		attn.Wquery[h] = optimizations.NewParam(fmt.Sprintf("%s.wq.%d", name, h), dK, dModel, utils.RandomArray(dK*dModel, float64(dModel), src))
		attn.Wkey[h] = optimizations.NewParam(fmt.Sprintf("%s.wk.%d", name, h), dK, dModel, utils.RandomArray(dK*dModel, float64(dModel), src))
		attn.Wvalue[h] = optimizations.NewParam(fmt.Sprintf("%s.wv.%d", name, h), dV, dModel, utils.RandomArray(dV*dModel, float64(dModel), src))
	}
	attn.Woutput = optimizations.NewParam(name+".wo", dModel, nHeads*dV, utils.RandomArray(dModel*nHeads*dV, float64(nHeads*dV), src))
	return attn
}

func (attn *Attention) resetCache() {
	attn.Q = make([]*mat.Dense, attn.H)
	attn.K = make([]*mat.Dense, attn.H)
	attn.V = make([]*mat.Dense, attn.H)
	attn.A = make([]*mat.Dense, attn.H)
}

func (attn *Attention) Params() []*optimizations.Param {
	out := make([]*optimizations.Param, 0, 3*attn.H+1)
	for h := 0; h < attn.H; h++ {
		out = append(out, attn.Wquery[h], attn.Wkey[h], attn.Wvalue[h])
	}
	return append(out, attn.Woutput)
}

// Forward: xq (dModel x Tq), xkv (dModel x Tk), mask (Tq x Tk) additive.
func (attn *Attention) Forward(xq, xkv, mask *mat.Dense) *mat.Dense {
	attn.Xq, attn.Xkv = xq, xkv
	_, Tq := xq.Dims()
	_, Tk := xkv.Dims()
	headsCat := mat.NewDense(attn.H*attn.DV, Tq, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DK))

	for h := 0; h < attn.H; h++ {
		attn.Q[h] = utils.Dot(attn.Wquery[h].W, xq)  // (dK x Tq)
		attn.K[h] = utils.Dot(attn.Wkey[h].W, xkv)   // (dK x Tk)
		attn.V[h] = utils.Dot(attn.Wvalue[h].W, xkv) // (dV x Tk)
		// S = (Q^T K)/sqrt(dK)
		scores := utils.Dot(attn.Q[h].T(), attn.K[h])
		scores.Scale(rescale, scores)
		attn.A[h] = mat.NewDense(Tq, Tk, nil)
		utils.RowSoftmaxMaskedInPlace(attn.A[h], scores, mask)
		// O = V * A^T
		o := utils.Dot(attn.V[h], attn.A[h].T())
		base := h * attn.DV
		headsCat.Slice(base, base+attn.DV, 0, Tq).(*mat.Dense).Copy(o)
	}
	attn.O_cat = headsCat
	return utils.Dot(attn.Woutput.W, headsCat) // (dModel x Tq)
}

// Backward accumulates weight grads and returns the grads for xq and xkv.
// For self-attention the caller adds the two.
func (attn *Attention) Backward(dY *mat.Dense) (dXq, dXkv *mat.Dense) {
	_, Tq := attn.Xq.Dims()
	_, Tk := attn.Xkv.Dims()

	utils.AddInPlace(attn.Woutput.G, utils.Dot(dY, attn.O_cat.T()))
	dOcat := utils.Dot(attn.Woutput.W.T(), dY)

	dXq = mat.NewDense(attn.DModel, Tq, nil)
	dXkv = mat.NewDense(attn.DModel, Tk, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DK))

	for h := 0; h < attn.H; h++ {
		base := h * attn.DV
		dO := dOcat.Slice(base, base+attn.DV, 0, Tq)

		// O = V * A^T
		dV := utils.Dot(dO, attn.A[h])             // (dV x Tk)
		dA := utils.Dot(dO.T(), attn.V[h])         // (Tq x Tk)
		dS := utils.SoftmaxBackward(dA, attn.A[h]) // (Tq x Tk)

		// S = Q^T K / sqrt(dK)
		dQ := utils.Scale(rescale, utils.Dot(attn.K[h], dS.T())) // (dK x Tq)
		dK := utils.Scale(rescale, utils.Dot(attn.Q[h], dS))     // (dK x Tk)

		utils.AddInPlace(attn.Wquery[h].G, utils.Dot(dQ, attn.Xq.T()))
		utils.AddInPlace(attn.Wkey[h].G, utils.Dot(dK, attn.Xkv.T()))
		utils.AddInPlace(attn.Wvalue[h].G, utils.Dot(dV, attn.Xkv.T()))

		utils.AddInPlace(dXq, utils.Dot(attn.Wquery[h].W.T(), dQ))
		utils.AddInPlace(dXkv, utils.Dot(attn.Wkey[h].W.T(), dK))
		utils.AddInPlace(dXkv, utils.Dot(attn.Wvalue[h].W.T(), dV))
	}
	return dXq, dXkv
}

func (attn *Attention) CloneForGrads() *Attention {
	a := &Attention{
		H:       attn.H,
		DModel:  attn.DModel,
		DK:      attn.DK,
		DV:      attn.DV,
		Wquery:  make([]*optimizations.Param, attn.H),
		Wkey:    make([]*optimizations.Param, attn.H),
		Wvalue:  make([]*optimizations.Param, attn.H),
		Woutput: attn.Woutput.ShareWeights(),
	}
	for h := 0; h < attn.H; h++ {
		a.Wquery[h] = attn.Wquery[h].ShareWeights()
		a.Wkey[h] = attn.Wkey[h].ShareWeights()
		a.Wvalue[h] = attn.Wvalue[h].ShareWeights()
	}
	a.resetCache()
	return a
}
