package training

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

const pad = 0

func TestSmoothedLossExceedsPlainWhenConfident(t *testing.T) {
	pred := mat.NewDense(1, 4, []float64{0, 12, 0, 0})
	gold := []int{1}
	plain, err := CalPerformance(pred, gold, false, pad, false)
	if err != nil {
		t.Fatal(err)
	}
	smooth, err := CalPerformance(pred, gold, true, pad, false)
	if err != nil {
		t.Fatal(err)
	}
	if !(smooth.Loss > plain.Loss) {
		t.Fatalf("smoothed %.6f should exceed plain %.6f", smooth.Loss, plain.Loss)
	}
	if plain.Correct != 1 || plain.Words != 1 {
		t.Fatalf("correct=%d words=%d", plain.Correct, plain.Words)
	}
}

func TestPadRowsAreIgnored(t *testing.T) {
	pred := mat.NewDense(3, 4, []float64{
		1, 2, 3, 4,
		4, 3, 2, 1,
		9, 9, 9, 9,
	})
	perf, err := CalPerformance(pred, []int{pad, pad, pad}, true, pad, true)
	if err != nil {
		t.Fatal(err)
	}
	if perf.Loss != 0 || perf.Words != 0 || perf.Correct != 0 {
		t.Fatalf("all-pad batch scored: %+v", perf)
	}
	if mat.Norm(perf.Grad, 1) != 0 {
		t.Fatalf("all-pad batch has a gradient")
	}

	// changing a pad row's logits must not change anything
	a, _ := CalPerformance(pred, []int{3, pad, 2}, false, pad, false)
	pred.Set(1, 0, -50)
	b, _ := CalPerformance(pred, []int{3, pad, 2}, false, pad, false)
	if a.Loss != b.Loss || a.Words != 2 {
		t.Fatalf("pad row leaked into loss: %v vs %v (words %d)", a.Loss, b.Loss, a.Words)
	}
}

func TestPlainLossMatchesCrossEntropy(t *testing.T) {
	pred := mat.NewDense(1, 3, []float64{1, 2, 3})
	perf, _ := CalPerformance(pred, []int{2}, false, pad, false)
	z := math.Exp(1) + math.Exp(2) + math.Exp(3)
	want := -(3 - math.Log(z))
	if math.Abs(perf.Loss-want) > 1e-12 {
		t.Fatalf("loss = %v, want %v", perf.Loss, want)
	}
}

func TestLossGradFiniteDiff(t *testing.T) {
	pred := mat.NewDense(3, 5, []float64{
		0.1, -0.3, 0.7, 0.2, -1.0,
		0.5, 0.5, -0.2, 0.0, 0.3,
		-0.4, 0.9, 0.1, -0.6, 0.2,
	})
	gold := []int{2, pad, 4}
	for _, smoothing := range []bool{false, true} {
		perf, err := CalPerformance(pred, gold, smoothing, pad, true)
		if err != nil {
			t.Fatal(err)
		}
		eps := 1e-5
		r, c := pred.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				w0 := pred.At(i, j)
				pred.Set(i, j, w0+eps)
				lp, _ := CalPerformance(pred, gold, smoothing, pad, false)
				pred.Set(i, j, w0-eps)
				lm, _ := CalPerformance(pred, gold, smoothing, pad, false)
				pred.Set(i, j, w0)
				num := (lp.Loss - lm.Loss) / (2 * eps)
				if math.Abs(num-perf.Grad.At(i, j)) > 1e-4 {
					t.Fatalf("smoothing=%v grad[%d,%d]: num=%.6g ana=%.6g",
						smoothing, i, j, num, perf.Grad.At(i, j))
				}
			}
		}
	}
}

func TestCalPerformanceRejectsBadInput(t *testing.T) {
	pred := mat.NewDense(2, 3, nil)
	if _, err := CalPerformance(pred, []int{1}, false, pad, false); err == nil {
		t.Fatalf("length mismatch accepted")
	}
	if _, err := CalPerformance(pred, []int{1, 7}, false, pad, false); err == nil {
		t.Fatalf("out of range gold accepted")
	}
}

func TestMetricAccumulator(t *testing.T) {
	var acc MetricAccumulator
	if _, err := acc.Finalize(); !errors.Is(err, ErrNoTokens) {
		t.Fatalf("empty pass: err = %v, want ErrNoTokens", err)
	}
	acc.Add(6, 4, 3)
	acc.Add(2, 4, 1)
	m, err := acc.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if m.LossPerWord != 1 || m.Accuracy != 0.5 {
		t.Fatalf("metrics = %+v", m)
	}
}
