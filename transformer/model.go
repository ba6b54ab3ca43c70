package transformer

import (
	"context"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mingfeima/pssp/IO"
	"github.com/mingfeima/pssp/optimizations"
	"github.com/mingfeima/pssp/params"
	"github.com/mingfeima/pssp/utils"
)

// Options fixes the model shape. It is stored in every checkpoint.
type Options struct {
	SrcVocab, TgtVocab int
	MaxSeqLen          int
	DModel             int
	DInnerHid          int
	DK, DV             int
	NHead, NLayers     int
	Dropout            float64
	EmbsShareWeight    bool
	ProjShareWeight    bool
	Seed               int64
}

func OptionsFromConfig(c params.TrainingConfig) Options {
	return Options{
		SrcVocab:        c.SrcVocabSize,
		TgtVocab:        c.TgtVocabSize,
		MaxSeqLen:       c.MaxTokenSeqLen,
		DModel:          c.DModel,
		DInnerHid:       c.DInnerHid,
		DK:              c.DK,
		DV:              c.DV,
		NHead:           c.NHead,
		NLayers:         c.NLayers,
		Dropout:         c.Dropout,
		EmbsShareWeight: c.EmbsShareWeight,
		ProjShareWeight: c.ProjShareWeight,
		Seed:            c.Seed,
	}
}

// Transformer is an encoder-decoder over column-per-token activations.
// Embeddings are (dModel x |V|); the prediction for a batch is
// (B*(Lt-1) x TgtVocab).
type Transformer struct {
	Opts     Options
	SrcEmb   *optimizations.Param
	TgtEmb   *optimizations.Param // same pointer as SrcEmb when shared
	Prj      *optimizations.Param // (TgtVocab x dModel), nil when tied to TgtEmb
	PosTable *mat.Dense           // (dModel x MaxSeqLen+1), column 0 is padding
	Encoder  []*EncoderBlock
	Decoder  []*DecoderBlock
	EncDrop  *Dropout
	DecDrop  *Dropout

	training bool
	rng      *rand.Rand
	// tape from the last training Forward, one clone per sequence
	clones []*Transformer
	seq    seqCache
}

type seqCache struct {
	src, tgtIn []int
	decOut     *mat.Dense
}

func New(o Options) (*Transformer, error) {
	if o.SrcVocab <= params.EOS || o.TgtVocab <= params.EOS {
		return nil, errors.Wrapf(params.ErrConfiguration, "vocab sizes %d/%d leave no room past the special tokens", o.SrcVocab, o.TgtVocab)
	}
	if o.MaxSeqLen <= 0 {
		return nil, errors.Wrapf(params.ErrConfiguration, "max_token_seq_len must be positive, got %d", o.MaxSeqLen)
	}
	if o.EmbsShareWeight && o.SrcVocab != o.TgtVocab {
		return nil, errors.Wrap(params.ErrConfiguration, "the src/tgt vocabularies differ but shared embeddings were requested")
	}
	src := rand.NewPCG(uint64(o.Seed), 0x9e3779b97f4a7c15)
	m := &Transformer{
		Opts:     o,
		PosTable: positionTable(o.MaxSeqLen+1, o.DModel),
		EncDrop:  NewDropout(o.Dropout, src),
		DecDrop:  NewDropout(o.Dropout, src),
		rng:      rand.New(src),
		training: true,
	}
	m.SrcEmb = newEmbedding("src_emb", o.DModel, o.SrcVocab, src)
	if o.EmbsShareWeight {
		m.TgtEmb = m.SrcEmb
	} else {
		m.TgtEmb = newEmbedding("tgt_emb", o.DModel, o.TgtVocab, src)
	}
	if !o.ProjShareWeight {
		m.Prj = optimizations.NewParam("tgt_prj", o.TgtVocab, o.DModel, utils.RandomArray(o.TgtVocab*o.DModel, float64(o.DModel), src))
	}
	for i := 0; i < o.NLayers; i++ {
		m.Encoder = append(m.Encoder, NewEncoderBlock(fmt.Sprintf("enc.%d", i), o, src))
		m.Decoder = append(m.Decoder, NewDecoderBlock(fmt.Sprintf("dec.%d", i), o, src))
	}
	return m, nil
}

// CheckSharedVocab rejects shared embeddings unless both sides of the
// dictionary map every token to the same id.
func CheckSharedVocab(o Options, d IO.Dict) error {
	if o.EmbsShareWeight && !maps.Equal(d.Src, d.Tgt) {
		return errors.Wrapf(params.ErrConfiguration,
			"the src/tgt vocabularies differ (%d/%d tokens) but shared embeddings were requested", len(d.Src), len(d.Tgt))
	}
	return nil
}

func newEmbedding(name string, d, vocab int, src rand.Source) *optimizations.Param {
	p := optimizations.NewParam(name, d, vocab, utils.RandomArray(d*vocab, float64(d), src))
	for i := 0; i < d; i++ {
		p.W.Set(i, params.PAD, 0)
	}
	return p
}

// positionTable is the fixed sinusoid encoding, one column per position.
func positionTable(n, d int) *mat.Dense {
	out := mat.NewDense(d, n, nil)
	for pos := 1; pos < n; pos++ {
		for i := 0; i < d; i++ {
			angle := float64(pos) / math.Pow(10000, float64(2*(i/2))/float64(d))
			if i%2 == 0 {
				out.Set(i, pos, math.Sin(angle))
			} else {
				out.Set(i, pos, math.Cos(angle))
			}
		}
	}
	return out
}

func (m *Transformer) SetTraining(training bool) { m.training = training }

// Parameters lists every trainable matrix exactly once, in a stable order.
func (m *Transformer) Parameters() []*optimizations.Param {
	out := []*optimizations.Param{m.SrcEmb}
	if m.TgtEmb != m.SrcEmb {
		out = append(out, m.TgtEmb)
	}
	if m.Prj != nil {
		out = append(out, m.Prj)
	}
	for _, b := range m.Encoder {
		out = append(out, b.Params()...)
	}
	for _, b := range m.Decoder {
		out = append(out, b.Params()...)
	}
	return out
}

// CloneForGrads shares every weight with m but keeps private caches and
// gradients, so sequences of a batch can run concurrently.
func (m *Transformer) CloneForGrads(src rand.Source) *Transformer {
	out := &Transformer{
		Opts:     m.Opts,
		SrcEmb:   m.SrcEmb.ShareWeights(),
		PosTable: m.PosTable,
		EncDrop:  m.EncDrop.clone(src),
		DecDrop:  m.DecDrop.clone(src),
		training: m.training,
	}
	if m.TgtEmb == m.SrcEmb {
		out.TgtEmb = out.SrcEmb
	} else {
		out.TgtEmb = m.TgtEmb.ShareWeights()
	}
	if m.Prj != nil {
		out.Prj = m.Prj.ShareWeights()
	}
	for _, b := range m.Encoder {
		out.Encoder = append(out.Encoder, b.CloneForGrads(src))
	}
	for _, b := range m.Decoder {
		out.Decoder = append(out.Decoder, b.CloneForGrads(src))
	}
	return out
}

func (m *Transformer) embed(emb *optimizations.Param, ids, pos []int) *mat.Dense {
	d := m.Opts.DModel
	out := mat.NewDense(d, len(ids), nil)
	for t, id := range ids {
		for i := 0; i < d; i++ {
			out.Set(i, t, emb.W.At(i, id)+m.PosTable.At(i, pos[t]))
		}
	}
	return out
}

// embedBackward scatters dX into the embedding columns. PAD never learns.
func embedBackward(emb *optimizations.Param, ids []int, dX *mat.Dense) {
	d, _ := dX.Dims()
	for t, id := range ids {
		if id == params.PAD {
			continue
		}
		for i := 0; i < d; i++ {
			emb.G.Set(i, id, emb.G.At(i, id)+dX.At(i, t))
		}
	}
}

// forwardSeq runs one sequence and returns logits (TgtVocab x Lt-1).
func (m *Transformer) forwardSeq(src, srcPos, tgt, tgtPos []int) *mat.Dense {
	tgtIn, tgtInPos := tgt[:len(tgt)-1], tgtPos[:len(tgtPos)-1]
	ls, lt := len(src), len(tgtIn)

	encMask := utils.KeyPaddingMask(ls, src, params.PAD)
	crossMask := utils.KeyPaddingMask(lt, src, params.PAD)
	selfMask := utils.Add(utils.CausalMask(lt), utils.KeyPaddingMask(lt, tgtIn, params.PAD))

	mem := m.EncDrop.Forward(m.embed(m.SrcEmb, src, srcPos), m.training)
	for _, b := range m.Encoder {
		mem = b.Forward(mem, encMask, m.training)
	}
	y := m.DecDrop.Forward(m.embed(m.TgtEmb, tgtIn, tgtInPos), m.training)
	for _, b := range m.Decoder {
		y = b.Forward(y, mem, selfMask, crossMask, m.training)
	}
	m.seq = seqCache{src: src, tgtIn: tgtIn, decOut: y}

	if m.Prj != nil {
		return utils.Dot(m.Prj.W, y)
	}
	return utils.Scale(m.logitScale(), utils.Dot(m.TgtEmb.W.T(), y))
}

func (m *Transformer) logitScale() float64 { return math.Pow(float64(m.Opts.DModel), -0.5) }

// backwardSeq takes dLogits (TgtVocab x Lt-1) and fills every param grad.
func (m *Transformer) backwardSeq(dLogits *mat.Dense) {
	y := m.seq.decOut
	var dY *mat.Dense
	if m.Prj != nil {
		utils.AddInPlace(m.Prj.G, utils.Dot(dLogits, y.T()))
		dY = utils.Dot(m.Prj.W.T(), dLogits)
	} else {
		s := m.logitScale()
		utils.AddInPlace(m.TgtEmb.G, utils.Scale(s, utils.Dot(y, dLogits.T())))
		dY = utils.Scale(s, utils.Dot(m.TgtEmb.W, dLogits))
	}

	d := m.Opts.DModel
	dMem := mat.NewDense(d, len(m.seq.src), nil)
	for i := len(m.Decoder) - 1; i >= 0; i-- {
		var dm *mat.Dense
		dY, dm = m.Decoder[i].Backward(dY)
		utils.AddInPlace(dMem, dm)
	}
	embedBackward(m.TgtEmb, m.seq.tgtIn, m.DecDrop.Backward(dY))

	for i := len(m.Encoder) - 1; i >= 0; i-- {
		dMem = m.Encoder[i].Backward(dMem)
	}
	embedBackward(m.SrcEmb, m.seq.src, m.EncDrop.Backward(dMem))
}

func (m *Transformer) checkBatch(b *IO.Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	check := func(kind string, seqs [][]int, vocab int) error {
		for i, s := range seqs {
			for _, id := range s {
				if id < 0 || id >= vocab {
					return errors.Errorf("sequence %d: %s token %d outside vocab of %d", i, kind, id, vocab)
				}
			}
		}
		return nil
	}
	if err := check("source", b.Src, m.Opts.SrcVocab); err != nil {
		return err
	}
	if err := check("target", b.Tgt, m.Opts.TgtVocab); err != nil {
		return err
	}
	if err := check("source position", b.SrcPos, m.Opts.MaxSeqLen+1); err != nil {
		return err
	}
	return check("target position", b.TgtPos, m.Opts.MaxSeqLen+1)
}

// Forward scores every target position of the batch. In training mode the
// per-sequence tapes are kept for the next Backward.
func (m *Transformer) Forward(ctx context.Context, b *IO.Batch) (*mat.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkBatch(b); err != nil {
		return nil, errors.WithMessage(err, "transformer forward")
	}
	n, steps := b.Size(), b.TgtLen()-1
	pred := mat.NewDense(n*steps, m.Opts.TgtVocab, nil)

	clones := make([]*Transformer, n)
	for i := range clones {
		clones[i] = m.CloneForGrads(rand.NewPCG(m.rng.Uint64(), uint64(i)))
	}
	parallel(n, func(i int) {
		logits := clones[i].forwardSeq(b.Src[i], b.SrcPos[i], b.Tgt[i], b.TgtPos[i])
		pred.Slice(i*steps, (i+1)*steps, 0, m.Opts.TgtVocab).(*mat.Dense).Copy(logits.T())
	})
	m.clones = nil
	if m.training {
		m.clones = clones
	}
	return pred, nil
}

// Backward consumes dLoss/dPred for the last training Forward and adds the
// result into every Param.G.
func (m *Transformer) Backward(ctx context.Context, dPred *mat.Dense) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clones := m.clones
	m.clones = nil
	if clones == nil {
		return errors.New("transformer backward: no training forward to differentiate")
	}
	rows, _ := dPred.Dims()
	if rows%len(clones) != 0 {
		return errors.Errorf("transformer backward: %d grad rows for %d sequences", rows, len(clones))
	}
	steps := rows / len(clones)
	parallel(len(clones), func(i int) {
		dLogits := mat.DenseCopyOf(dPred.Slice(i*steps, (i+1)*steps, 0, m.Opts.TgtVocab).T())
		clones[i].backwardSeq(dLogits)
	})
	// Sum in sequence order so the result does not depend on scheduling.
	master := m.Parameters()
	for _, cl := range clones {
		for j, p := range cl.Parameters() {
			utils.AddInPlace(master[j].G, p.G)
		}
	}
	return nil
}

func parallel(n int, work func(i int)) {
	sem := make(chan struct{}, runtime.GOMAXPROCS(0))
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; wg.Done() }()
			work(i)
		}()
	}
	wg.Wait()
}
