package training

import (
	"github.com/pkg/errors"
)

// ErrNoTokens is returned when a pass scored no tokens at all, which means
// the dataset or batching is broken. Dividing would give NaN.
var ErrNoTokens = errors.New("no scored tokens in epoch pass")

// EpochMetrics is the per-token loss and accuracy of one pass.
type EpochMetrics struct {
	LossPerWord float64
	Accuracy    float64
}

// MetricAccumulator keeps running totals for one pass.
type MetricAccumulator struct {
	loss    float64
	words   int
	correct int
}

func (a *MetricAccumulator) Add(loss float64, words, correct int) {
	a.loss += loss
	a.words += words
	a.correct += correct
}

func (a *MetricAccumulator) Words() int { return a.words }

func (a *MetricAccumulator) Finalize() (EpochMetrics, error) {
	if a.words == 0 {
		return EpochMetrics{}, errors.WithStack(ErrNoTokens)
	}
	return EpochMetrics{
		LossPerWord: a.loss / float64(a.words),
		Accuracy:    float64(a.correct) / float64(a.words),
	}, nil
}
