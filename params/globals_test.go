package params

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func TestDefaultsValidate(t *testing.T) {
	c := Defaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if c.Distributed {
		t.Fatalf("world_size -1 must not be distributed")
	}
	if c.DWordVec != c.DModel {
		t.Fatalf("d_word_vec %d != d_model %d", c.DWordVec, c.DModel)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *TrainingConfig){
		"zero batch":    func(c *TrainingConfig) { c.BatchSize = 0 },
		"dropout one":   func(c *TrainingConfig) { c.Dropout = 1 },
		"neg warmup":    func(c *TrainingConfig) { c.NWarmupSteps = -1 },
		"rank too big":  func(c *TrainingConfig) { c.WorldSize = 2; c.Rank = 2 },
		"rank no world": func(c *TrainingConfig) { c.Rank = 1 },
	}
	for name, mutate := range cases {
		c := Defaults()
		mutate(&c)
		if err := c.Validate(); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: expected ErrConfiguration, got %v", name, err)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	dir := t.TempDir()
	c := Defaults()
	c.Epoch = 7
	if err := WriteJSON(c, dir); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "args.json"))
	if err != nil {
		t.Fatal(err)
	}
	var back TrainingConfig
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back.Epoch != 7 || back.DModel != c.DModel {
		t.Fatalf("args.json did not round trip: %+v", back)
	}
}

type failingCloser struct {
	bytes.Buffer
	closeErr error
}

func (f *failingCloser) Close() error { return f.closeErr }

func TestWriteJSONReportsCloseError(t *testing.T) {
	full := errors.New("no space left on device")
	w := &failingCloser{closeErr: full}
	if err := encodeJSON(w, Defaults()); !errors.Is(err, full) {
		t.Fatalf("close error lost: %v", err)
	}
	if w.Len() == 0 {
		t.Fatalf("nothing encoded before close")
	}
	if err := encodeJSON(&failingCloser{}, Defaults()); err != nil {
		t.Fatalf("clean close: %v", err)
	}
}

func TestCheckpointPath(t *testing.T) {
	c := Defaults()
	c.ResultDir = "out"
	if got := c.CheckpointPath(); got != filepath.Join("out", "model.chkpt") {
		t.Fatalf("unexpected checkpoint path %q", got)
	}
	c.Checkpoint = "x.chkpt"
	if got := c.CheckpointPath(); got != "x.chkpt" {
		t.Fatalf("explicit checkpoint ignored: %q", got)
	}
}
