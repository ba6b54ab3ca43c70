package transformer

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mingfeima/pssp/optimizations"
	"github.com/mingfeima/pssp/utils"
)

// residual branch scale
var resScale = 1 / math.Sqrt(2)

// Dropout zeroes activations with probability P and rescales the survivors.
type Dropout struct {
	P    float64
	src  rand.Source
	mask *mat.Dense
}

func NewDropout(p float64, src rand.Source) *Dropout {
	return &Dropout{P: p, src: src}
}

func (d *Dropout) Forward(x *mat.Dense, training bool) *mat.Dense {
	if !training || d.P <= 0 {
		d.mask = nil
		return x
	}
	keep := distuv.Bernoulli{P: 1 - d.P, Src: d.src}
	scale := 1 / (1 - d.P)
	r, c := x.Dims()
	d.mask = mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			d.mask.Set(i, j, keep.Rand()*scale)
		}
	}
	return utils.Multiply(x, d.mask)
}

func (d *Dropout) Backward(dY *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return dY
	}
	return utils.Multiply(dY, d.mask)
}

func (d *Dropout) clone(src rand.Source) *Dropout { return &Dropout{P: d.P, src: src} }

// EncoderBlock: pre-norm self-attention then feed-forward, both residual.
type EncoderBlock struct {
	Attn     *Attention
	Mlp      *MLP
	Ln1, Ln2 *optimizations.LayerNorm
	Drop1    *Dropout
	Drop2    *Dropout
}

func NewEncoderBlock(name string, o Options, src rand.Source) *EncoderBlock {
	return &EncoderBlock{
		Attn:  NewAttention(name+".attn", o.DModel, o.NHead, o.DK, o.DV, src),
		Mlp:   NewMLP(name+".mlp", o.DModel, o.DInnerHid, src),
		Ln1:   optimizations.NewLayerNorm(name+".ln1", o.DModel, 1e-5),
		Ln2:   optimizations.NewLayerNorm(name+".ln2", o.DModel, 1e-5),
		Drop1: NewDropout(o.Dropout, src),
		Drop2: NewDropout(o.Dropout, src),
	}
}

func (b *EncoderBlock) Params() []*optimizations.Param {
	out := b.Attn.Params()
	out = append(out, b.Mlp.Params()...)
	out = append(out, b.Ln1.Params()...)
	return append(out, b.Ln2.Params()...)
}

// Forward: X (d x Ts), mask (Ts x Ts).
func (b *EncoderBlock) Forward(X, mask *mat.Dense, training bool) *mat.Dense {
	x1 := b.Ln1.Forward(X)
	attnOut := b.Drop1.Forward(b.Attn.Forward(x1, x1, mask), training)
	xRes := utils.Add(X, utils.Scale(resScale, attnOut))
	x2 := b.Ln2.Forward(xRes)
	mlpOut := b.Drop2.Forward(b.Mlp.Forward(x2), training)
	return utils.Add(xRes, utils.Scale(resScale, mlpOut))
}

// Y = xRes + c*MLP(Ln2(xRes)); xRes = X + c*Attn(Ln1(X))
func (b *EncoderBlock) Backward(grad *mat.Dense) *mat.Dense {
	dX2 := b.Mlp.Backward(b.Drop2.Backward(utils.Scale(resScale, grad)))
	dXres := utils.Add(grad, b.Ln2.Backward(dX2))
	dq, dkv := b.Attn.Backward(b.Drop1.Backward(utils.Scale(resScale, dXres)))
	dX1 := utils.Add(dq, dkv)
	return utils.Add(dXres, b.Ln1.Backward(dX1))
}

func (b *EncoderBlock) CloneForGrads(src rand.Source) *EncoderBlock {
	return &EncoderBlock{
		Attn:  b.Attn.CloneForGrads(),
		Mlp:   b.Mlp.CloneForGrads(),
		Ln1:   b.Ln1.CloneForGrads(),
		Ln2:   b.Ln2.CloneForGrads(),
		Drop1: b.Drop1.clone(src),
		Drop2: b.Drop2.clone(src),
	}
}

// DecoderBlock adds encoder-decoder attention between the masked
// self-attention and the feed-forward layer.
type DecoderBlock struct {
	SelfAttn      *Attention
	CrossAttn     *Attention
	Mlp           *MLP
	Ln1, Ln2, Ln3 *optimizations.LayerNorm
	Drop1         *Dropout
	Drop2         *Dropout
	Drop3         *Dropout
}

func NewDecoderBlock(name string, o Options, src rand.Source) *DecoderBlock {
	return &DecoderBlock{
		SelfAttn:  NewAttention(name+".self", o.DModel, o.NHead, o.DK, o.DV, src),
		CrossAttn: NewAttention(name+".cross", o.DModel, o.NHead, o.DK, o.DV, src),
		Mlp:       NewMLP(name+".mlp", o.DModel, o.DInnerHid, src),
		Ln1:       optimizations.NewLayerNorm(name+".ln1", o.DModel, 1e-5),
		Ln2:       optimizations.NewLayerNorm(name+".ln2", o.DModel, 1e-5),
		Ln3:       optimizations.NewLayerNorm(name+".ln3", o.DModel, 1e-5),
		Drop1:     NewDropout(o.Dropout, src),
		Drop2:     NewDropout(o.Dropout, src),
		Drop3:     NewDropout(o.Dropout, src),
	}
}

func (b *DecoderBlock) Params() []*optimizations.Param {
	out := b.SelfAttn.Params()
	out = append(out, b.CrossAttn.Params()...)
	out = append(out, b.Mlp.Params()...)
	out = append(out, b.Ln1.Params()...)
	out = append(out, b.Ln2.Params()...)
	return append(out, b.Ln3.Params()...)
}

// Forward: X (d x Tt), mem (d x Ts), selfMask (Tt x Tt), crossMask (Tt x Ts).
func (b *DecoderBlock) Forward(X, mem, selfMask, crossMask *mat.Dense, training bool) *mat.Dense {
	x1 := b.Ln1.Forward(X)
	a := b.Drop1.Forward(b.SelfAttn.Forward(x1, x1, selfMask), training)
	r1 := utils.Add(X, utils.Scale(resScale, a))

	x2 := b.Ln2.Forward(r1)
	c := b.Drop2.Forward(b.CrossAttn.Forward(x2, mem, crossMask), training)
	r2 := utils.Add(r1, utils.Scale(resScale, c))

	x3 := b.Ln3.Forward(r2)
	m := b.Drop3.Forward(b.Mlp.Forward(x3), training)
	return utils.Add(r2, utils.Scale(resScale, m))
}

// Backward returns the grad for X and the grad flowing into the encoder memory.
func (b *DecoderBlock) Backward(grad *mat.Dense) (dX, dMem *mat.Dense) {
	dX3 := b.Mlp.Backward(b.Drop3.Backward(utils.Scale(resScale, grad)))
	dR2 := utils.Add(grad, b.Ln3.Backward(dX3))

	dX2, dMem := b.CrossAttn.Backward(b.Drop2.Backward(utils.Scale(resScale, dR2)))
	dR1 := utils.Add(dR2, b.Ln2.Backward(dX2))

	dq, dkv := b.SelfAttn.Backward(b.Drop1.Backward(utils.Scale(resScale, dR1)))
	dX = utils.Add(dR1, b.Ln1.Backward(utils.Add(dq, dkv)))
	return dX, dMem
}

func (b *DecoderBlock) CloneForGrads(src rand.Source) *DecoderBlock {
	return &DecoderBlock{
		SelfAttn:  b.SelfAttn.CloneForGrads(),
		CrossAttn: b.CrossAttn.CloneForGrads(),
		Mlp:       b.Mlp.CloneForGrads(),
		Ln1:       b.Ln1.CloneForGrads(),
		Ln2:       b.Ln2.CloneForGrads(),
		Ln3:       b.Ln3.CloneForGrads(),
		Drop1:     b.Drop1.clone(src),
		Drop2:     b.Drop2.clone(src),
		Drop3:     b.Drop3.clone(src),
	}
}
