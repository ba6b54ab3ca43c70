package transformer

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CheckpointMeta travels with the weights.
type CheckpointMeta struct {
	Epoch         int
	ValidAccuracy float64
}

type paramData struct {
	Name string
	R, C int
	Data []float64
}

type modelData struct {
	Options Options
	Meta    CheckpointMeta
	Params  []paramData
}

// SaveCheckpoint writes the weights with gob, going through a temp file in
// the same directory and a rename so readers never see a partial file.
func SaveCheckpoint(m *Transformer, meta CheckpointMeta, filename string) error {
	data := modelData{Options: m.Opts, Meta: meta}
	for _, p := range m.Parameters() {
		r, c := p.W.Dims()
		raw := mat.DenseCopyOf(p.W).RawMatrix()
		data.Params = append(data.Params, paramData{
			Name: p.Name,
			R:    r,
			C:    c,
			Data: append([]float64(nil), raw.Data...),
		})
	}

	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint dir")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(filename)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create checkpoint temp file")
	}
	defer os.Remove(tmp.Name())
	if err := gob.NewEncoder(tmp).Encode(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "encode checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint")
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return errors.Wrap(err, "replace checkpoint")
	}
	return nil
}

// LoadCheckpoint rebuilds the model recorded in filename.
func LoadCheckpoint(filename string) (*Transformer, CheckpointMeta, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, CheckpointMeta{}, errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()
	var data modelData
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return nil, CheckpointMeta{}, errors.Wrapf(err, "decode checkpoint %s", filename)
	}
	m, err := New(data.Options)
	if err != nil {
		return nil, CheckpointMeta{}, err
	}
	byName := make(map[string]paramData, len(data.Params))
	for _, p := range data.Params {
		byName[p.Name] = p
	}
	for _, p := range m.Parameters() {
		saved, ok := byName[p.Name]
		if !ok {
			return nil, CheckpointMeta{}, errors.Errorf("checkpoint has no %s", p.Name)
		}
		r, c := p.W.Dims()
		if saved.R != r || saved.C != c || len(saved.Data) != r*c {
			return nil, CheckpointMeta{}, errors.Errorf("checkpoint %s is %dx%d, model wants %dx%d", p.Name, saved.R, saved.C, r, c)
		}
		p.W.Copy(mat.NewDense(r, c, saved.Data))
	}
	return m, data.Meta, nil
}
