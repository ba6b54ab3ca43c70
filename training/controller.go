package training

import (
	"context"
	"io"
	"runtime/pprof"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/mingfeima/pssp/IO"
)

type State int

const (
	Idle State = iota
	RunningTrainPass
	RunningEvalPass
	Reconciling
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RunningTrainPass:
		return "train"
	case RunningEvalPass:
		return "eval"
	case Reconciling:
		return "reconcile"
	case Done:
		return "done"
	}
	return "unknown"
}

// Coordinator answers the two rank questions the loop has: reshuffle the
// partition for an epoch, and whether this process may write.
type Coordinator interface {
	BeginEpoch(epoch int, sampler IO.EpochSampler)
	IsWriter() bool
	Persist(fn func() error) error
}

// Controller runs the epoch loop: train, evaluate, reconcile.
type Controller struct {
	Epochs    int
	Runner    *EpochRunner
	TrainData BatchSource
	ValidData BatchSource
	Sampler   IO.EpochSampler // nil for a single process

	Coord      Coordinator
	Policy     *CheckpointPolicy
	Checkpoint Checkpointer
	Logs       *LogFiles // nil disables the CSV logs
	History    *History
	Stores     []HistoryStore
	Progress   *Progress
	Log        *log.Logger

	// ProfileOut receives a CPU profile of the first train pass, after
	// which the run stops.
	ProfileOut io.Writer

	OnTransition func(from, to State)

	state State
}

func (c *Controller) State() State { return c.state }

func (c *Controller) transition(to State) {
	from := c.state
	c.state = to
	if c.OnTransition != nil {
		c.OnTransition(from, to)
	}
	c.Log.Debug("state", "from", from, "to", to)
}

// AsPersistence classifies err as a persistence failure, keeping the
// classification if it is already one.
func AsPersistence(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) {
		return errors.WithMessage(err, what)
	}
	return errors.Wrapf(ErrPersistence, "%s: %v", what, err)
}

func (c *Controller) Run(ctx context.Context) error {
	if c.Logs != nil {
		if err := c.Coord.Persist(c.Logs.Create); err != nil {
			return AsPersistence(err, "create logs")
		}
		if c.Coord.IsWriter() {
			c.Log.Infof("Training performance will be written to file: %s and %s", c.Logs.Train, c.Logs.Valid)
		}
	}

	for e := 0; e < c.Epochs; e++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "stopped before epoch %d", e)
		}
		c.Coord.BeginEpoch(e, c.Sampler)

		c.transition(RunningTrainPass)
		start := time.Now()
		train, err := c.trainPass(ctx)
		if err != nil {
			return errors.WithMessagef(err, "epoch %d", e)
		}
		c.Log.Infof(" time %4.1f sec", time.Since(start).Seconds())
		if c.ProfileOut != nil {
			c.Log.Info("profiled first train pass, stopping")
			c.transition(Done)
			return nil
		}

		c.transition(RunningEvalPass)
		valid, err := c.Runner.Evaluate(ctx, c.ValidData)
		if err != nil {
			return errors.WithMessagef(err, "epoch %d", e)
		}

		c.transition(Reconciling)
		if err := c.reconcile(e, train, valid); err != nil {
			return err
		}
		if e < c.Epochs-1 {
			c.transition(Idle)
		}
	}

	c.transition(Done)
	err := c.Coord.Persist(func() error {
		rows := c.History.Rows()
		for _, s := range c.Stores {
			if err := s.SaveHistory(ctx, rows); err != nil {
				return err
			}
		}
		return nil
	})
	return AsPersistence(err, "save history")
}

func (c *Controller) trainPass(ctx context.Context) (EpochMetrics, error) {
	if c.ProfileOut == nil {
		return c.Runner.Train(ctx, c.TrainData)
	}
	if err := pprof.StartCPUProfile(c.ProfileOut); err != nil {
		return EpochMetrics{}, errors.Wrap(err, "start cpu profile")
	}
	defer pprof.StopCPUProfile()
	return c.Runner.Train(ctx, c.TrainData)
}

func (c *Controller) reconcile(e int, train, valid EpochMetrics) error {
	rec := Record{
		TrainLoss:     train.LossPerWord,
		TrainAccuracy: train.Accuracy,
		ValidLoss:     valid.LossPerWord,
		ValidAccuracy: valid.Accuracy,
	}
	c.History.Append(rec)

	if c.Policy.Observe(valid.Accuracy) {
		err := c.Coord.Persist(func() error {
			return c.Checkpoint.SaveCheckpoint(e, valid.Accuracy)
		})
		if err != nil {
			return AsPersistence(err, "save checkpoint")
		}
		if c.Coord.IsWriter() {
			c.Log.Info("The checkpoint file has been updated.", "epoch", e, "valid_accuracy", valid.Accuracy)
		}
	}

	if c.Logs != nil {
		if err := c.Coord.Persist(func() error { return c.Logs.Append(e, train, valid) }); err != nil {
			return AsPersistence(err, "append logs")
		}
	}

	if c.Progress != nil {
		c.Progress.Show(e+1, c.Epochs, rec)
	}
	return nil
}
