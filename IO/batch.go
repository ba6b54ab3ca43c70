package IO

import (
	"github.com/pkg/errors"

	"github.com/mingfeima/pssp/params"
)

// Instance is one (residues, structure) pair of token id sequences, both
// wrapped in <s> ... </s>.
type Instance struct {
	Src []int
	Tgt []int
}

// Batch holds padded token and position ids. All four slices share the
// batch dimension; Src/SrcPos and Tgt/TgtPos share their time dimension.
type Batch struct {
	Src, SrcPos [][]int
	Tgt, TgtPos [][]int
}

func (b *Batch) Size() int { return len(b.Src) }

// TgtLen is the padded target length, <s> included.
func (b *Batch) TgtLen() int {
	if len(b.Tgt) == 0 {
		return 0
	}
	return len(b.Tgt[0])
}

// Gold is the target with the first time step dropped, flattened row-major,
// so Gold()[b*(Lt-1)+t] is the token the model must predict at step t of
// sequence b.
func (b *Batch) Gold() []int {
	lt := b.TgtLen()
	if lt < 2 {
		return nil
	}
	out := make([]int, 0, len(b.Tgt)*(lt-1))
	for _, seq := range b.Tgt {
		out = append(out, seq[1:]...)
	}
	return out
}

// Validate checks the shape invariants the model relies on.
func (b *Batch) Validate() error {
	n := len(b.Src)
	if n == 0 {
		return errors.New("empty batch")
	}
	if len(b.SrcPos) != n || len(b.Tgt) != n || len(b.TgtPos) != n {
		return errors.Errorf("batch dimension mismatch: src=%d src_pos=%d tgt=%d tgt_pos=%d",
			n, len(b.SrcPos), len(b.Tgt), len(b.TgtPos))
	}
	ls, lt := len(b.Src[0]), len(b.Tgt[0])
	if ls == 0 {
		return errors.New("empty source sequence")
	}
	if lt < 2 {
		return errors.Errorf("target length %d leaves nothing to predict", lt)
	}
	for i := 0; i < n; i++ {
		if len(b.Src[i]) != ls || len(b.SrcPos[i]) != ls {
			return errors.Errorf("sequence %d: ragged source", i)
		}
		if len(b.Tgt[i]) != lt || len(b.TgtPos[i]) != lt {
			return errors.Errorf("sequence %d: ragged target", i)
		}
	}
	return nil
}

// PairedCollate pads a list of instances to the longest source and target in
// the list. Positions count 1..n over real tokens and are 0 on padding.
func PairedCollate(insts []Instance) *Batch {
	srcs := make([][]int, len(insts))
	tgts := make([][]int, len(insts))
	for i, in := range insts {
		srcs[i], tgts[i] = in.Src, in.Tgt
	}
	src, srcPos := collate(srcs)
	tgt, tgtPos := collate(tgts)
	return &Batch{Src: src, SrcPos: srcPos, Tgt: tgt, TgtPos: tgtPos}
}

func collate(insts [][]int) (seq, pos [][]int) {
	maxLen := 0
	for _, s := range insts {
		maxLen = max(maxLen, len(s))
	}
	seq = make([][]int, len(insts))
	pos = make([][]int, len(insts))
	for i, s := range insts {
		seq[i] = make([]int, maxLen)
		pos[i] = make([]int, maxLen)
		for t := range maxLen {
			if t < len(s) {
				seq[i][t] = s[t]
			} else {
				seq[i][t] = params.PAD
			}
			if seq[i][t] != params.PAD {
				pos[i][t] = t + 1
			}
		}
	}
	return seq, pos
}
