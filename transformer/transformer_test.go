package transformer

import (
	"context"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mingfeima/pssp/IO"
	"github.com/mingfeima/pssp/optimizations"
	"github.com/mingfeima/pssp/params"
	"github.com/mingfeima/pssp/utils"
)

func finiteDiffCheck(t *testing.T, name string, param *mat.Dense, grad *mat.Dense,
	forward func() float64, i, j int) {
	t.Helper()

	eps := 1e-5
	w0 := param.At(i, j)

	param.Set(i, j, w0+eps)
	lp := forward()

	param.Set(i, j, w0-eps)
	lm := forward()

	param.Set(i, j, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := grad.At(i, j)

	if math.Abs(numGrad-anaGrad) > 1e-4 {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g",
			name, i, j, numGrad, anaGrad)
	}
}

func tinyOptions() Options {
	return Options{
		SrcVocab:  7,
		TgtVocab:  6,
		MaxSeqLen: 6,
		DModel:    4,
		DInnerHid: 5,
		DK:        2,
		DV:        3,
		NHead:     2,
		NLayers:   1,
		Seed:      7,
	}
}

func tinyBatch() *IO.Batch {
	return IO.PairedCollate([]IO.Instance{
		{Src: []int{2, 4, 5, 6, 3}, Tgt: []int{2, 4, 5, 4, 3}},
		{Src: []int{2, 5, 3}, Tgt: []int{2, 5, 3}},
	})
}

// weightedSum is a loss whose gradient w.r.t. the prediction is just w.
func weightedSum(pred, w *mat.Dense) float64 {
	return mat.Sum(utils.Multiply(pred, w))
}

func TestAttentionGradCheck(t *testing.T) {
	src := rand.NewPCG(1, 2)
	attn := NewAttention("a", 4, 2, 3, 2, src)
	xq := mat.NewDense(4, 2, utils.RandomArray(8, 4, src))
	xkv := mat.NewDense(4, 3, utils.RandomArray(12, 4, src))
	mask := utils.KeyPaddingMask(2, []int{5, 6, params.PAD}, params.PAD)
	w := mat.NewDense(4, 2, utils.RandomArray(8, 1, src))

	forward := func() float64 { return weightedSum(attn.Forward(xq, xkv, mask), w) }
	forward()
	dXq, dXkv := attn.Backward(w)

	finiteDiffCheck(t, "Wquery", attn.Wquery[0].W, attn.Wquery[0].G, forward, 1, 2)
	finiteDiffCheck(t, "Wkey", attn.Wkey[1].W, attn.Wkey[1].G, forward, 0, 3)
	finiteDiffCheck(t, "Wvalue", attn.Wvalue[0].W, attn.Wvalue[0].G, forward, 1, 0)
	finiteDiffCheck(t, "Woutput", attn.Woutput.W, attn.Woutput.G, forward, 2, 3)
	finiteDiffCheck(t, "xq", xq, dXq, forward, 3, 1)
	finiteDiffCheck(t, "xkv", xkv, dXkv, forward, 2, 0)
	if dXkv.At(0, 2) != 0 && math.Abs(dXkv.At(0, 2)) > 1e-12 {
		t.Fatalf("masked key received gradient %v", dXkv.At(0, 2))
	}
}

func TestMLPGradCheck(t *testing.T) {
	src := rand.NewPCG(3, 4)
	mlp := NewMLP("m", 4, 5, src)
	x := mat.NewDense(4, 3, utils.RandomArray(12, 4, src))
	w := mat.NewDense(4, 3, utils.RandomArray(12, 1, src))

	forward := func() float64 { return weightedSum(mlp.Forward(x), w) }
	forward()
	dX := mlp.Backward(w)

	finiteDiffCheck(t, "hiddenWeights", mlp.HiddenWeights.W, mlp.HiddenWeights.G, forward, 0, 0)
	finiteDiffCheck(t, "hiddenBias", mlp.HiddenBias.W, mlp.HiddenBias.G, forward, 3, 0)
	finiteDiffCheck(t, "outputWeights", mlp.OutputWeights.W, mlp.OutputWeights.G, forward, 2, 4)
	finiteDiffCheck(t, "x", x, dX, forward, 1, 2)
}

func TestModelGradCheck(t *testing.T) {
	for _, tc := range []struct {
		name        string
		share, tied bool
	}{
		{"separate", false, false},
		{"tied projection", false, true},
		{"shared embeddings", true, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			o := tinyOptions()
			if tc.share {
				o.TgtVocab = o.SrcVocab
			}
			o.EmbsShareWeight, o.ProjShareWeight = tc.share, tc.tied
			m, err := New(o)
			if err != nil {
				t.Fatal(err)
			}
			ctx := context.Background()
			b := tinyBatch()
			rows := b.Size() * (b.TgtLen() - 1)
			w := mat.NewDense(rows, o.TgtVocab, utils.RandomArray(rows*o.TgtVocab, 1, rand.NewPCG(5, 6)))

			forward := func() float64 {
				pred, err := m.Forward(ctx, b)
				if err != nil {
					t.Fatal(err)
				}
				return weightedSum(pred, w)
			}
			forward()
			if err := m.Backward(ctx, w); err != nil {
				t.Fatal(err)
			}

			finiteDiffCheck(t, "src_emb", m.SrcEmb.W, m.SrcEmb.G, forward, 1, 5)
			finiteDiffCheck(t, "tgt_emb", m.TgtEmb.W, m.TgtEmb.G, forward, 2, 4)
			enc := m.Encoder[0]
			dec := m.Decoder[0]
			finiteDiffCheck(t, "enc.wq", enc.Attn.Wquery[1].W, enc.Attn.Wquery[1].G, forward, 0, 2)
			finiteDiffCheck(t, "enc.ln1.gamma", enc.Ln1.Gamma.W, enc.Ln1.Gamma.G, forward, 1, 0)
			finiteDiffCheck(t, "dec.cross.wk", dec.CrossAttn.Wkey[0].W, dec.CrossAttn.Wkey[0].G, forward, 1, 1)
			finiteDiffCheck(t, "dec.self.wv", dec.SelfAttn.Wvalue[1].W, dec.SelfAttn.Wvalue[1].G, forward, 2, 3)
			finiteDiffCheck(t, "dec.mlp.b2", dec.Mlp.OutputBias.W, dec.Mlp.OutputBias.G, forward, 0, 0)
			if m.Prj != nil {
				finiteDiffCheck(t, "tgt_prj", m.Prj.W, m.Prj.G, forward, 3, 1)
			}
			for i := 0; i < o.DModel; i++ {
				if m.SrcEmb.G.At(i, params.PAD) != 0 && !tc.tied {
					t.Fatalf("padding embedding received gradient")
				}
			}
		})
	}
}

func TestForwardShapeAndPadInvariance(t *testing.T) {
	m, err := New(tinyOptions())
	if err != nil {
		t.Fatal(err)
	}
	m.SetTraining(false)
	ctx := context.Background()
	b := tinyBatch()
	pred, err := m.Forward(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if r, c := pred.Dims(); r != 2*4 || c != 6 {
		t.Fatalf("prediction is %dx%d, want 8x6", r, c)
	}
	// The short sequence scored alone must match its padded rows.
	alone := IO.PairedCollate([]IO.Instance{{Src: []int{2, 5, 3}, Tgt: []int{2, 5, 3}}})
	p2, err := m.Forward(ctx, alone)
	if err != nil {
		t.Fatal(err)
	}
	for tt := 0; tt < 2; tt++ {
		for v := 0; v < 6; v++ {
			if math.Abs(p2.At(tt, v)-pred.At(4+tt, v)) > 1e-9 {
				t.Fatalf("padding changed the scores at step %d", tt)
			}
		}
	}
	if err := m.Backward(ctx, pred); err == nil {
		t.Fatalf("backward after an eval forward should fail")
	}
}

func TestForwardRejectsBadBatch(t *testing.T) {
	m, err := New(tinyOptions())
	if err != nil {
		t.Fatal(err)
	}
	b := IO.PairedCollate([]IO.Instance{{Src: []int{2, 9, 3}, Tgt: []int{2, 4, 3}}})
	if _, err := m.Forward(context.Background(), b); err == nil {
		t.Fatalf("expected an out-of-vocab error")
	}
	short := IO.PairedCollate([]IO.Instance{{Src: []int{2, 3}, Tgt: []int{2}}})
	if _, err := m.Forward(context.Background(), short); err == nil {
		t.Fatalf("expected an error for a one-token target")
	}
}

func TestSharedEmbeddingNeedsEqualVocabs(t *testing.T) {
	o := tinyOptions()
	o.EmbsShareWeight = true
	if _, err := New(o); !errors.Is(err, params.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestSharedEmbeddingNeedsIdenticalDicts(t *testing.T) {
	d := IO.Preprocess([]IO.Pair{{Residues: "ACDE", Labels: "HECG"}}, nil).Dict
	if len(d.Src) != len(d.Tgt) {
		t.Fatalf("dict sizes %d/%d, want equal", len(d.Src), len(d.Tgt))
	}
	o := tinyOptions()
	o.SrcVocab, o.TgtVocab = len(d.Src), len(d.Tgt)
	if err := CheckSharedVocab(o, d); err != nil {
		t.Fatalf("unshared embeddings rejected: %v", err)
	}
	o.EmbsShareWeight = true
	if _, err := New(o); err != nil {
		t.Fatalf("New with equal sizes: %v", err)
	}
	if err := CheckSharedVocab(o, d); !errors.Is(err, params.ErrConfiguration) {
		t.Fatalf("same-size but different dicts: got %v, want ErrConfiguration", err)
	}
	same := IO.Dict{Src: d.Src, Tgt: d.Src}
	if err := CheckSharedVocab(o, same); err != nil {
		t.Fatalf("identical dicts rejected: %v", err)
	}
}

func TestParametersUniqueAndStable(t *testing.T) {
	o := tinyOptions()
	o.TgtVocab = o.SrcVocab
	o.EmbsShareWeight, o.ProjShareWeight = true, true
	m, err := New(o)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[*optimizations.Param]bool{}
	names := map[string]bool{}
	for _, p := range m.Parameters() {
		if seen[p] || names[p.Name] {
			t.Fatalf("parameter %s listed twice", p.Name)
		}
		seen[p], names[p.Name] = true, true
	}
	clone := m.CloneForGrads(rand.NewPCG(1, 1)).Parameters()
	for i, p := range m.Parameters() {
		if clone[i].Name != p.Name || clone[i].W != p.W || clone[i].G == p.G {
			t.Fatalf("clone param %d does not mirror %s", i, p.Name)
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	m, err := New(tinyOptions())
	if err != nil {
		t.Fatal(err)
	}
	m.SetTraining(false)
	path := filepath.Join(t.TempDir(), "model.chkpt")
	if err := SaveCheckpoint(m, CheckpointMeta{Epoch: 3, ValidAccuracy: 0.5}, path); err != nil {
		t.Fatal(err)
	}
	// overwrite in place
	if err := SaveCheckpoint(m, CheckpointMeta{Epoch: 4, ValidAccuracy: 0.6}, path); err != nil {
		t.Fatal(err)
	}
	back, meta, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Epoch != 4 || meta.ValidAccuracy != 0.6 {
		t.Fatalf("meta = %+v", meta)
	}
	back.SetTraining(false)
	ctx := context.Background()
	p1, _ := m.Forward(ctx, tinyBatch())
	p2, err := back.Forward(ctx, tinyBatch())
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(p1, p2) {
		t.Fatalf("reloaded model scores differently")
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp-*"))
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}
