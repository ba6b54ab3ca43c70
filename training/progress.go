package training

import (
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

var (
	epochStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	trainStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	validStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// Progress renders one static line per finished epoch.
type Progress struct {
	w   io.Writer
	bar progress.Model
}

func NewProgress(w io.Writer) *Progress {
	return &Progress{
		w:   w,
		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(24)),
	}
}

// Render is the line Show prints; epoch is 1-based.
func (p *Progress) Render(epoch, total int, rec Record) string {
	frac := 0.0
	if total > 0 {
		frac = float64(epoch) / float64(total)
	}
	return fmt.Sprintf("%s %s  %s  %s",
		epochStyle.Render(fmt.Sprintf("[%d/%d]", epoch, total)),
		p.bar.ViewAs(frac),
		trainStyle.Render(fmt.Sprintf("train loss %8.5f acc %7.3f%%", rec.TrainLoss, 100*rec.TrainAccuracy)),
		validStyle.Render(fmt.Sprintf("valid loss %8.5f acc %7.3f%%", rec.ValidLoss, 100*rec.ValidAccuracy)),
	)
}

func (p *Progress) Show(epoch, total int, rec Record) {
	fmt.Fprintln(p.w, p.Render(epoch, total, rec))
}
