package params

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Special tokens kept at the start of every vocab.
const (
	PAD = 0
	UNK = 1
	BOS = 2
	EOS = 3

	PADWord = "<blank>"
	UNKWord = "<unk>"
	BOSWord = "<s>"
	EOSWord = "</s>"
)

// ErrConfiguration marks a run that can never start: bad dimensions,
// inconsistent ranks, or a weight-sharing request the data cannot honour.
var ErrConfiguration = errors.New("configuration error")

type TrainingConfig struct {
	Data string `json:"data"`

	Epoch     int `json:"epoch"`
	BatchSize int `json:"batch_size"`

	// Model shape
	DModel    int `json:"d_model"`
	DWordVec  int `json:"d_word_vec"` // always DModel
	DInnerHid int `json:"d_inner_hid"`
	DK        int `json:"d_k"`
	DV        int `json:"d_v"`
	NHead     int `json:"n_head"`
	NLayers   int `json:"n_layers"`

	NWarmupSteps int     `json:"n_warmup_steps"`
	Dropout      float64 `json:"dropout"`

	EmbsShareWeight bool `json:"embs_share_weight"`
	ProjShareWeight bool `json:"proj_share_weight"`
	LabelSmoothing  bool `json:"label_smoothing"`

	// Distributed training
	Seed        int64         `json:"seed"`
	DistURL     string        `json:"dist_url"`
	DistBackend string        `json:"dist_backend"`
	WorldSize   int           `json:"world_size"`
	Rank        int           `json:"rank"`
	DistTimeout time.Duration `json:"dist_timeout"` // 0 = block forever on collectives

	Log        string `json:"log"`
	ResultDir  string `json:"result_dir"`
	Profile    bool   `json:"profile"`
	NumWorkers int    `json:"num_workers"`
	LogLevel   string `json:"log_level"`

	// Persistence extras
	HistoryDB string `json:"history_db"`
	S3Bucket  string `json:"s3_bucket"`
	S3Prefix  string `json:"s3_prefix"`
	S3Region  string `json:"s3_region"`

	EvalOnly   bool   `json:"eval_only"`
	Checkpoint string `json:"checkpoint"`

	// Filled in after the dataset is loaded.
	MaxTokenSeqLen int  `json:"max_token_seq_len"`
	SrcVocabSize   int  `json:"src_vocab_size"`
	TgtVocabSize   int  `json:"tgt_vocab_size"`
	Distributed    bool `json:"distributed"`
}

// Defaults mirror the reference training script.
func Defaults() TrainingConfig {
	return TrainingConfig{
		Data:      "../pssp-data/dataset.gob",
		Epoch:     100,
		BatchSize: 20,

		DModel:    256,
		DWordVec:  256,
		DInnerHid: 512,
		DK:        64,
		DV:        64,
		NHead:     8,
		NLayers:   2,

		NWarmupSteps: 4000,
		Dropout:      0.5,

		Seed:        0,
		DistURL:     "tcp://224.66.41.62:23456",
		DistBackend: "gloo",
		WorldSize:   -1,
		Rank:        0,

		ResultDir: "./result",
		LogLevel:  "info",
		S3Region:  "us-west-2",
	}
}

// Validate checks everything that can be checked before the dataset is read.
func (c *TrainingConfig) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"epoch", c.Epoch},
		{"batch_size", c.BatchSize},
		{"d_model", c.DModel},
		{"d_inner_hid", c.DInnerHid},
		{"d_k", c.DK},
		{"d_v", c.DV},
		{"n_head", c.NHead},
		{"n_layers", c.NLayers},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return errors.Wrapf(ErrConfiguration, "%s must be positive, got %d", p.name, p.v)
		}
	}
	if c.NWarmupSteps < 0 {
		return errors.Wrapf(ErrConfiguration, "n_warmup_steps must be >= 0, got %d", c.NWarmupSteps)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Wrapf(ErrConfiguration, "dropout must be in [0,1), got %g", c.Dropout)
	}
	if c.NumWorkers < 0 {
		return errors.Wrapf(ErrConfiguration, "num_workers must be >= 0, got %d", c.NumWorkers)
	}
	if c.WorldSize > 1 {
		if c.Rank < 0 || c.Rank >= c.WorldSize {
			return errors.Wrapf(ErrConfiguration, "rank %d outside world of size %d", c.Rank, c.WorldSize)
		}
	} else if c.Rank != 0 {
		return errors.Wrapf(ErrConfiguration, "rank %d given without a distributed world", c.Rank)
	}
	c.DWordVec = c.DModel
	c.Distributed = c.WorldSize > 1
	return nil
}

// CheckpointPath is where the best-so-far model lives.
func (c *TrainingConfig) CheckpointPath() string {
	if c.Checkpoint != "" {
		return c.Checkpoint
	}
	return filepath.Join(c.ResultDir, "model.chkpt")
}

// WriteJSON dumps the run configuration to dir/args.json.
func WriteJSON(c TrainingConfig, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create result dir")
	}
	f, err := os.Create(filepath.Join(dir, "args.json"))
	if err != nil {
		return errors.Wrap(err, "create args.json")
	}
	return encodeJSON(f, c)
}

// encodeJSON writes c to wc and closes it. A failed close is a failed write.
func encodeJSON(wc io.WriteCloser, c TrainingConfig) error {
	enc := json.NewEncoder(wc)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		wc.Close()
		return errors.Wrap(err, "encode args.json")
	}
	if err := wc.Close(); err != nil {
		return errors.Wrap(err, "close args.json")
	}
	return nil
}
