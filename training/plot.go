package training

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

const plotHeight = 10

// PlotCurve draws values in [0,1] as a crude vertical bar chart, one column
// per epoch, with the epoch index mod 10 under every fifth column.
func PlotCurve(w io.Writer, values []float64) {
	n := len(values)
	if n == 0 {
		fmt.Fprintln(w, "no data to plot")
		return
	}
	var b strings.Builder
	for row := plotHeight; row >= 1; row-- {
		threshold := float64(row) / plotHeight
		for _, v := range values {
			if v >= threshold {
				b.WriteString("█")
			} else {
				b.WriteByte(' ')
			}
		}
		b.WriteByte('\n')
	}
	b.WriteString(strings.Repeat("─", n))
	b.WriteByte('\n')
	for i := range values {
		if i%5 == 0 {
			b.WriteString(strconv.Itoa(i % 10))
		} else {
			b.WriteByte(' ')
		}
	}
	b.WriteByte('\n')
	io.WriteString(w, b.String())
}
