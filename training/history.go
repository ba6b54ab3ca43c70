package training

import "context"

// Record is one finished epoch.
type Record struct {
	TrainLoss     float64
	TrainAccuracy float64
	ValidLoss     float64
	ValidAccuracy float64
}

func (r Record) Row() [4]float64 {
	return [4]float64{r.TrainLoss, r.TrainAccuracy, r.ValidLoss, r.ValidAccuracy}
}

// History is append-only. Records handed out are copies.
type History struct {
	records []Record
}

func (h *History) Append(r Record) { h.records = append(h.records, r) }

func (h *History) Len() int { return len(h.records) }

func (h *History) Records() []Record {
	return append([]Record(nil), h.records...)
}

func (h *History) Rows() [][4]float64 {
	out := make([][4]float64, len(h.records))
	for i, r := range h.records {
		out[i] = r.Row()
	}
	return out
}

// HistoryStore persists the finished history.
type HistoryStore interface {
	SaveHistory(ctx context.Context, rows [][4]float64) error
}
