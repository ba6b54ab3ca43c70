package utils

import (
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

var logger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      time.TimeOnly,
	Prefix:          "pssp",
})

// NewLogger builds the process logger and installs it as the package default.
func NewLogger(w io.Writer, level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "pssp",
		Level:           lvl,
	})
	logger = l
	return l, nil
}

// Logger returns the package default logger.
func Logger() *log.Logger { return logger }

// Debugf is for step level noise. Silent unless the level is debug.
func Debugf(format string, args ...any) {
	logger.Debugf(format, args...)
}
