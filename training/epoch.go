package training

import (
	"context"
	"iter"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mingfeima/pssp/IO"
	"github.com/mingfeima/pssp/utils"
)

// Model is what the loop needs from the network.
type Model interface {
	SetTraining(training bool)
	Forward(ctx context.Context, b *IO.Batch) (*mat.Dense, error)
	Backward(ctx context.Context, dPred *mat.Dense) error
}

// Optimizer is the scheduled optimizer surface.
type Optimizer interface {
	ZeroGrad()
	StepAndUpdateLR()
}

// BatchSource yields one pass of batches.
type BatchSource interface {
	Batches(ctx context.Context) iter.Seq2[*IO.Batch, error]
}

// EpochRunner drives a single train or evaluate pass.
type EpochRunner struct {
	Model     Model
	Optimizer Optimizer
	Smoothing bool // train passes only
	Pad       int
}

// Train updates the model once per batch and returns the pass metrics.
func (r *EpochRunner) Train(ctx context.Context, data BatchSource) (EpochMetrics, error) {
	r.Model.SetTraining(true)
	var acc MetricAccumulator
	step := 0
	for b, err := range data.Batches(ctx) {
		if err != nil {
			return EpochMetrics{}, errors.WithMessagef(err, "train batch %d", step)
		}
		r.Optimizer.ZeroGrad()
		pred, err := r.Model.Forward(ctx, b)
		if err != nil {
			return EpochMetrics{}, errors.WithMessagef(err, "train batch %d: forward", step)
		}
		perf, err := CalPerformance(pred, b.Gold(), r.Smoothing, r.Pad, true)
		if err != nil {
			return EpochMetrics{}, errors.WithMessagef(err, "train batch %d: loss", step)
		}
		if math.IsNaN(perf.Loss) || math.IsInf(perf.Loss, 0) {
			return EpochMetrics{}, errors.Errorf("train batch %d: loss is %v", step, perf.Loss)
		}
		if err := r.Model.Backward(ctx, perf.Grad); err != nil {
			return EpochMetrics{}, errors.WithMessagef(err, "train batch %d: backward", step)
		}
		r.Optimizer.StepAndUpdateLR()
		acc.Add(perf.Loss, perf.Words, perf.Correct)
		utils.Debugf("train batch %d: loss %.5f words %d", step, perf.Loss, perf.Words)
		step++
	}
	m, err := acc.Finalize()
	return m, errors.WithMessage(err, "train pass")
}

// Evaluate scores the data with dropout off, plain loss and no updates.
func (r *EpochRunner) Evaluate(ctx context.Context, data BatchSource) (EpochMetrics, error) {
	r.Model.SetTraining(false)
	var acc MetricAccumulator
	step := 0
	for b, err := range data.Batches(ctx) {
		if err != nil {
			return EpochMetrics{}, errors.WithMessagef(err, "eval batch %d", step)
		}
		pred, err := r.Model.Forward(ctx, b)
		if err != nil {
			return EpochMetrics{}, errors.WithMessagef(err, "eval batch %d: forward", step)
		}
		perf, err := CalPerformance(pred, b.Gold(), false, r.Pad, false)
		if err != nil {
			return EpochMetrics{}, errors.WithMessagef(err, "eval batch %d: loss", step)
		}
		if math.IsNaN(perf.Loss) || math.IsInf(perf.Loss, 0) {
			return EpochMetrics{}, errors.Errorf("eval batch %d: loss is %v", step, perf.Loss)
		}
		acc.Add(perf.Loss, perf.Words, perf.Correct)
		step++
	}
	m, err := acc.Finalize()
	return m, errors.WithMessage(err, "eval pass")
}
