package IO

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

type historyFile struct {
	History [][4]float64 `json:"history"`
}

// JSONHistoryStore writes {"history": [[train_loss, train_acc, valid_loss,
// valid_acc], ...]}.
type JSONHistoryStore struct {
	Path string
}

func (s JSONHistoryStore) SaveHistory(_ context.Context, rows [][4]float64) error {
	if rows == nil {
		rows = [][4]float64{}
	}
	b, err := json.Marshal(historyFile{History: rows})
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	return writeFileAtomic(s.Path, b)
}

func (s JSONHistoryStore) LoadHistory() ([][4]float64, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, errors.Wrap(err, "read history")
	}
	var h historyFile
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, errors.Wrapf(err, "decode %s", s.Path)
	}
	return h.History, nil
}
