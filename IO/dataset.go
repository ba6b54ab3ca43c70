package IO

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Dict maps tokens to ids for each side.
type Dict struct {
	Src map[string]int
	Tgt map[string]int
}

// Split holds parallel source and target id sequences.
type Split struct {
	Src [][]int
	Tgt [][]int
}

type Settings struct {
	MaxTokenSeqLen int // longest sequence, <s> and </s> included
}

// Dataset is everything the trainer reads from disk.
type Dataset struct {
	Settings Settings
	Dict     Dict
	Train    Split
	Valid    Split
}

func LoadDataset(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open dataset")
	}
	defer f.Close()
	var d Dataset
	if err := gob.NewDecoder(f).Decode(&d); err != nil {
		return nil, errors.Wrapf(err, "decode dataset %s", path)
	}
	return &d, nil
}

func (d *Dataset) Save(path string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return errors.Wrap(err, "encode dataset")
	}
	return writeFileAtomic(path, buf.Bytes())
}

// Instances pairs up the split. Both sides must have the same count.
func (s Split) Instances() ([]Instance, error) {
	if len(s.Src) != len(s.Tgt) {
		return nil, errors.Errorf("split has %d sources but %d targets", len(s.Src), len(s.Tgt))
	}
	out := make([]Instance, len(s.Src))
	for i := range s.Src {
		out[i] = Instance{Src: s.Src[i], Tgt: s.Tgt[i]}
	}
	return out, nil
}

// writeFileAtomic replaces path via a temp file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", path)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "replace %s", path)
}
