package training

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckpointPolicySequence(t *testing.T) {
	p := NewCheckpointPolicy()
	accs := []float64{0.5, 0.6, 0.55, 0.6, 0.7}
	want := []bool{true, true, false, true, true}
	for i, a := range accs {
		if got := p.Observe(a); got != want[i] {
			t.Fatalf("epoch %d acc %.2f: save=%v want %v", i, a, got, want[i])
		}
	}
	if p.Best() != 0.7 {
		t.Fatalf("best = %v", p.Best())
	}
	if !ShouldCheckpoint(0.6, 0.6) || ShouldCheckpoint(0.59, 0.6) {
		t.Fatalf("tie or regression handled wrong")
	}
}

func TestFormatRow(t *testing.T) {
	got := FormatRow(0, EpochMetrics{LossPerWord: 1.5, Accuracy: 0.625})
	if got != "0, 1.50000, 4.48169,62.500\n" {
		t.Fatalf("row = %q", got)
	}
	// perplexity is capped at exp(100)
	want := fmt.Sprintf("3, 500.00000,% 8.5f,0.000\n", math.Exp(100))
	if got := FormatRow(3, EpochMetrics{LossPerWord: 500}); got != want {
		t.Fatalf("row = %q, want %q", got, want)
	}
}

func TestLogFiles(t *testing.T) {
	l := NewLogFiles(filepath.Join(t.TempDir(), "run"))
	if err := l.Create(); err != nil {
		t.Fatal(err)
	}
	m := EpochMetrics{LossPerWord: 1, Accuracy: 0.5}
	if err := l.Append(0, m, m); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(1, m, m); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(l.Valid)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 3 || lines[0] != "epoch,loss,ppl,accuracy" || !strings.HasPrefix(lines[2], "1,") {
		t.Fatalf("valid log = %q", b)
	}
}

func TestProgressRender(t *testing.T) {
	p := NewProgress(nil)
	line := p.Render(1, 4, Record{TrainLoss: 1.25, TrainAccuracy: 0.5, ValidLoss: 1.5, ValidAccuracy: 0.25})
	for _, want := range []string{"[1/4]", "train loss  1.25000", "valid loss  1.50000", "25.000%"} {
		if !strings.Contains(line, want) {
			t.Fatalf("%q missing from %q", want, line)
		}
	}
}

func TestPlotCurve(t *testing.T) {
	var b strings.Builder
	PlotCurve(&b, []float64{0.05, 0.5, 1})
	lines := strings.Split(strings.TrimSuffix(b.String(), "\n"), "\n")
	if len(lines) != plotHeight+2 {
		t.Fatalf("%d lines:\n%s", len(lines), b.String())
	}
	if lines[0] != "  █" || lines[plotHeight-1] != " ██" {
		t.Fatalf("bars wrong:\n%s", b.String())
	}
	if lines[plotHeight+1] != "0  " {
		t.Fatalf("axis labels %q", lines[plotHeight+1])
	}
}
