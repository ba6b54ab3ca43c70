package optimizations

import "math"

// LearningRate is the warmup-then-decay law
//
//	lr(n) = dModel^-0.5 * min(n^-0.5, n * warmup^-1.5)
//
// evaluated at the post-increment step n. n <= 0 yields 0. A warmup of 0
// skips the linear phase.
func LearningRate(n, dModel, warmup int) float64 {
	if n <= 0 || dModel <= 0 {
		return 0
	}
	decay := math.Pow(float64(n), -0.5)
	rate := decay
	if warmup > 0 {
		rate = math.Min(decay, float64(n)*math.Pow(float64(warmup), -1.5))
	}
	return math.Pow(float64(dModel), -0.5) * rate
}

// OptimizerState is a snapshot of the schedule bookkeeping.
type OptimizerState struct {
	StepCount   int
	DModel      int
	WarmupSteps int
	CurrentLR   float64
}

// ScheduledOptimizer owns the step counter and pushes the scheduled rate
// into every group of the wrapped optimizer before each update.
type ScheduledOptimizer struct {
	base   Optimizer
	dModel int
	warmup int
	steps  int
	lr     float64
}

func NewScheduledOptimizer(base Optimizer, dModel, warmup int) *ScheduledOptimizer {
	return &ScheduledOptimizer{base: base, dModel: dModel, warmup: warmup}
}

func (s *ScheduledOptimizer) ZeroGrad() { s.base.ZeroGrad() }

func (s *ScheduledOptimizer) StepAndUpdateLR() {
	s.steps++
	s.lr = LearningRate(s.steps, s.dModel, s.warmup)
	for _, g := range s.base.ParamGroups() {
		g.LR = s.lr
	}
	s.base.Step()
}

func (s *ScheduledOptimizer) State() OptimizerState {
	return OptimizerState{
		StepCount:   s.steps,
		DModel:      s.dModel,
		WarmupSteps: s.warmup,
		CurrentLR:   s.lr,
	}
}
