package training

import (
	"fmt"
	"math"
	"os"

	"github.com/pkg/errors"
)

// ErrPersistence wraps every failed checkpoint, log, history or mirror write.
var ErrPersistence = errors.New("persistence failure")

const logHeader = "epoch,loss,ppl,accuracy\n"

// LogFiles are the PREFIX.train.log / PREFIX.valid.log CSV pair.
type LogFiles struct {
	Train string
	Valid string
}

func NewLogFiles(prefix string) *LogFiles {
	return &LogFiles{Train: prefix + ".train.log", Valid: prefix + ".valid.log"}
}

// Create truncates both files and writes the header.
func (l *LogFiles) Create() error {
	for _, p := range []string{l.Train, l.Valid} {
		if err := os.WriteFile(p, []byte(logHeader), 0o644); err != nil {
			return errors.Wrapf(ErrPersistence, "create log %s: %v", p, err)
		}
	}
	return nil
}

// Append adds one row per file for the epoch.
func (l *LogFiles) Append(epoch int, train, valid EpochMetrics) error {
	if err := appendRow(l.Train, epoch, train); err != nil {
		return err
	}
	return appendRow(l.Valid, epoch, valid)
}

// FormatRow renders epoch,loss,ppl,accuracy with ppl = exp(min(loss,100))
// and the accuracy in percent.
func FormatRow(epoch int, m EpochMetrics) string {
	ppl := math.Exp(math.Min(m.LossPerWord, 100))
	return fmt.Sprintf("%d,% 8.5f,% 8.5f,%3.3f\n", epoch, m.LossPerWord, ppl, 100*m.Accuracy)
}

func appendRow(path string, epoch int, m EpochMetrics) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(ErrPersistence, "open log %s: %v", path, err)
	}
	if _, err := f.WriteString(FormatRow(epoch, m)); err != nil {
		f.Close()
		return errors.Wrapf(ErrPersistence, "append log %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(ErrPersistence, "close log %s: %v", path, err)
	}
	return nil
}
