package training

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/mingfeima/pssp/utils"
)

// SmoothingEps is the probability mass moved off the gold class.
const SmoothingEps = 0.1

// Performance is what one batch contributes to an epoch.
type Performance struct {
	Loss    float64 // summed over non-pad positions
	Correct int
	Words   int        // non-pad positions
	Grad    *mat.Dense // dLoss/dPred, nil unless requested
}

// CalPerformance scores pred (rows x V) against gold (len rows). Rows whose
// gold is pad contribute nothing, including to the gradient.
//
// Plain mode is cross entropy summed over rows. Smoothed mode uses the target
// 1-eps on the gold class and eps/(V-1) on every other class.
func CalPerformance(pred *mat.Dense, gold []int, smoothing bool, pad int, withGrad bool) (Performance, error) {
	rows, V := pred.Dims()
	if len(gold) != rows {
		return Performance{}, errors.Errorf("prediction has %d rows but gold has %d tokens", rows, len(gold))
	}
	if smoothing && V < 2 {
		return Performance{}, errors.Errorf("label smoothing needs at least 2 classes, got %d", V)
	}
	var perf Performance
	if withGrad {
		perf.Grad = mat.NewDense(rows, V, nil)
	}
	off := 0.0
	on := 1.0
	if smoothing {
		off = SmoothingEps / float64(V-1)
		on = 1 - SmoothingEps
	}
	logp := make([]float64, V)
	for i, g := range gold {
		if g == pad {
			continue
		}
		if g < 0 || g >= V {
			return Performance{}, errors.Errorf("gold token %d outside %d classes", g, V)
		}
		row := pred.RawRowView(i)
		utils.LogSoftmaxRow(logp, row)
		if smoothing {
			for j, lp := range logp {
				q := off
				if j == g {
					q = on
				}
				perf.Loss -= q * lp
			}
		} else {
			perf.Loss -= logp[g]
		}
		if floats.MaxIdx(row) == g {
			perf.Correct++
		}
		perf.Words++
		if withGrad {
			grow := perf.Grad.RawRowView(i)
			for j, lp := range logp {
				q := off
				if j == g {
					q = on
				}
				grow[j] = math.Exp(lp) - q
			}
		}
	}
	return perf, nil
}
