package utils

import (
	"bytes"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestRowSoftmaxMaskedSumsToOne(t *testing.T) {
	m := mat.NewDense(3, 3, []float64{1, 2, 3, 0.5, -1, 2, 4, 4, 4})
	dst := mat.NewDense(3, 3, nil)
	RowSoftmaxMaskedInPlace(dst, m, CausalMask(3))
	for i, s := range RowSums(dst) {
		if math.Abs(s-1) > 1e-12 {
			t.Fatalf("row %d sums to %v", i, s)
		}
	}
	if dst.At(0, 1) != 0 || dst.At(0, 2) != 0 || dst.At(1, 2) != 0 {
		t.Fatalf("masked entries should be zero: %v", mat.Formatted(dst))
	}
}

func TestFullyMaskedRowIsFinite(t *testing.T) {
	m := mat.NewDense(1, 2, []float64{0.3, -0.2})
	mask := KeyPaddingMask(1, []int{0, 0}, 0)
	dst := mat.NewDense(1, 2, nil)
	RowSoftmaxMaskedInPlace(dst, m, mask)
	for j := 0; j < 2; j++ {
		if v := dst.At(0, j); math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("non finite softmax %v", v)
		}
	}
}

func TestKeyPaddingMask(t *testing.T) {
	m := KeyPaddingMask(2, []int{5, 0, 7}, 0)
	if m.At(0, 1) != NegInf || m.At(1, 1) != NegInf {
		t.Fatalf("pad column not masked")
	}
	if m.At(0, 0) != 0 || m.At(1, 2) != 0 {
		t.Fatalf("non pad column masked")
	}
}

func TestLogSoftmaxRow(t *testing.T) {
	row := []float64{1, 2, 3}
	out := make([]float64, 3)
	LogSoftmaxRow(out, row)
	s := 0.0
	for _, v := range out {
		s += math.Exp(v)
	}
	if math.Abs(s-1) > 1e-12 {
		t.Fatalf("exp(log softmax) sums to %v", s)
	}
}

func TestRandomArrayBoundsAndSeed(t *testing.T) {
	a := RandomArray(100, 4, rand.NewPCG(1, 2))
	b := RandomArray(100, 4, rand.NewPCG(1, 2))
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed gave different values at %d", i)
		}
		if math.Abs(a[i]) > 0.5 {
			t.Fatalf("value %v outside ±1/sqrt(4)", a[i])
		}
	}
}

func TestOnesAndZerosLike(t *testing.T) {
	a := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	ones, zeros := OnesLike(a), ZerosLike(a)
	if r, c := ones.Dims(); r != 2 || c != 3 {
		t.Fatalf("OnesLike dims %dx%d", r, c)
	}
	if mat.Sum(ones) != 6 || mat.Sum(zeros) != 0 {
		t.Fatalf("sums %v/%v, want 6/0", mat.Sum(ones), mat.Sum(zeros))
	}
	zeros.Set(0, 0, 9)
	if a.At(0, 0) != 1 {
		t.Fatalf("ZerosLike aliases its input")
	}
}

func TestGeluPrimeMatchesFiniteDiff(t *testing.T) {
	x := mat.NewDense(1, 3, []float64{-1.3, 0.1, 2})
	g := GeluPrime(x)
	eps := 1e-6
	for j := 0; j < 3; j++ {
		v := x.At(0, j)
		num := (GeluApply(0, j, v+eps) - GeluApply(0, j, v-eps)) / (2 * eps)
		if math.Abs(num-g.At(0, j)) > 1e-6 {
			t.Fatalf("gelu' mismatch at %v: num=%v ana=%v", v, num, g.At(0, j))
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(&buf, "debug")
	if err != nil {
		t.Fatal(err)
	}
	l.Info("hello", "rank", 0)
	Debugf("step %d", 3)
	out := buf.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "step 3") {
		t.Fatalf("unexpected log output %q", out)
	}
	if _, err := NewLogger(&buf, "loud"); err == nil {
		t.Fatalf("expected error for bad level")
	}
}
