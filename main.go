package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/mingfeima/pssp/IO"
	"github.com/mingfeima/pssp/distributed"
	"github.com/mingfeima/pssp/optimizations"
	"github.com/mingfeima/pssp/params"
	"github.com/mingfeima/pssp/training"
	"github.com/mingfeima/pssp/transformer"
	"github.com/mingfeima/pssp/utils"
)

var (
	cfg            = params.Defaults()
	preprocessFlag string
)

func init() {
	flag.StringVar(&cfg.Data, "data", cfg.Data, "Dataset gob written by -preprocess")
	flag.IntVar(&cfg.Epoch, "epoch", cfg.Epoch, "Number of epochs")
	flag.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "Sequences per batch")

	flag.IntVar(&cfg.DModel, "d_model", cfg.DModel, "Model width (also the word vector size)")
	flag.IntVar(&cfg.DInnerHid, "d_inner_hid", cfg.DInnerHid, "Feed-forward hidden width")
	flag.IntVar(&cfg.DK, "d_k", cfg.DK, "Key width per head")
	flag.IntVar(&cfg.DV, "d_v", cfg.DV, "Value width per head")
	flag.IntVar(&cfg.NHead, "n_head", cfg.NHead, "Attention heads")
	flag.IntVar(&cfg.NLayers, "n_layers", cfg.NLayers, "Encoder and decoder layers")
	flag.IntVar(&cfg.NWarmupSteps, "n_warmup_steps", cfg.NWarmupSteps, "Learning rate warmup steps")
	flag.Float64Var(&cfg.Dropout, "dropout", cfg.Dropout, "Dropout probability")
	flag.BoolVar(&cfg.EmbsShareWeight, "embs_share_weight", cfg.EmbsShareWeight, "Share source and target embeddings")
	flag.BoolVar(&cfg.ProjShareWeight, "proj_share_weight", cfg.ProjShareWeight, "Tie the output projection to the target embedding")
	flag.BoolVar(&cfg.LabelSmoothing, "label_smoothing", cfg.LabelSmoothing, "Smooth the training loss")

	flag.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Seed for init, dropout and shuffling")
	flag.StringVar(&cfg.DistURL, "dist_url", cfg.DistURL, "Rendezvous address of rank 0")
	flag.StringVar(&cfg.DistBackend, "dist_backend", cfg.DistBackend, "gloo/tcp (gob over TCP) or ws (JSON over websocket)")
	flag.IntVar(&cfg.WorldSize, "world_size", cfg.WorldSize, "Number of processes, <= 1 trains alone")
	flag.IntVar(&cfg.Rank, "rank", cfg.Rank, "Rank of this process")
	flag.DurationVar(&cfg.DistTimeout, "dist_timeout", cfg.DistTimeout, "Bound on rendezvous and each collective, 0 waits forever")

	flag.StringVar(&cfg.Log, "log", cfg.Log, "Prefix for PREFIX.train.log and PREFIX.valid.log")
	flag.StringVar(&cfg.ResultDir, "result_dir", cfg.ResultDir, "Directory for args.json, history and the checkpoint")
	flag.BoolVar(&cfg.Profile, "profile", cfg.Profile, "CPU profile the first train pass and stop")
	flag.IntVar(&cfg.NumWorkers, "num_workers", cfg.NumWorkers, "Collation goroutines, 0 collates inline")
	flag.StringVar(&cfg.LogLevel, "log_level", cfg.LogLevel, "debug, info, warn or error")

	flag.StringVar(&cfg.HistoryDB, "history_db", cfg.HistoryDB, "Also record history in this SQLite file")
	flag.StringVar(&cfg.S3Bucket, "s3_bucket", cfg.S3Bucket, "Mirror artifacts to this bucket")
	flag.StringVar(&cfg.S3Prefix, "s3_prefix", cfg.S3Prefix, "Key prefix inside -s3_bucket")
	flag.StringVar(&cfg.S3Region, "s3_region", cfg.S3Region, "Region of -s3_bucket")

	flag.BoolVar(&cfg.EvalOnly, "eval_only", cfg.EvalOnly, "Load the checkpoint and run one evaluate pass")
	flag.StringVar(&cfg.Checkpoint, "checkpoint", cfg.Checkpoint, "Checkpoint path, defaults to RESULT_DIR/model.chkpt")

	flag.StringVar(&preprocessFlag, "preprocess", "", "train.tsv,valid.tsv: build -data from residues<TAB>labels files and exit")
}

const (
	exitFailure = 1 + iota
	exitConfiguration
	exitCoordination
	exitPersistence
)

func main() {
	flag.Parse()

	logger, err := utils.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfiguration)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, logger)
	stop()
	if err != nil {
		logger.Error("run failed", "err", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, params.ErrConfiguration):
		return exitConfiguration
	case errors.Is(err, distributed.ErrCoordination):
		return exitCoordination
	case errors.Is(err, training.ErrPersistence):
		return exitPersistence
	}
	return exitFailure
}

func run(ctx context.Context, logger *log.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if preprocessFlag != "" {
		return preprocess(logger, preprocessFlag)
	}

	group, err := distributed.Init(ctx, distributed.Options{
		Backend:   cfg.DistBackend,
		URL:       cfg.DistURL,
		WorldSize: cfg.WorldSize,
		Rank:      cfg.Rank,
		Timeout:   cfg.DistTimeout,
	})
	if err != nil {
		return err
	}
	defer group.Close()
	role := group.Role()
	coord := distributed.NewCoordinator(role)
	if role.Distributed() {
		logger = logger.With("rank", role.Rank)
	}

	data, err := IO.LoadDataset(cfg.Data)
	if err != nil {
		return err
	}
	cfg.MaxTokenSeqLen = data.Settings.MaxTokenSeqLen
	cfg.SrcVocabSize = len(data.Dict.Src)
	cfg.TgtVocabSize = len(data.Dict.Tgt)
	if err := transformer.CheckSharedVocab(transformer.OptionsFromConfig(cfg), data.Dict); err != nil {
		return err
	}
	logger.Info("loaded dataset", "path", cfg.Data, "train", len(data.Train.Src), "valid", len(data.Valid.Src),
		"src_vocab", cfg.SrcVocabSize, "tgt_vocab", cfg.TgtVocabSize, "max_len", cfg.MaxTokenSeqLen)

	validInsts, err := data.Valid.Instances()
	if err != nil {
		return err
	}
	validData := &IO.Loader{
		Instances:  validInsts,
		BatchSize:  cfg.BatchSize,
		Sampler:    IO.SequentialSampler{N: len(validInsts)},
		NumWorkers: cfg.NumWorkers,
	}

	if cfg.EvalOnly {
		return evaluateCheckpoint(ctx, logger, validData)
	}

	if err := coord.Persist(func() error { return params.WriteJSON(cfg, cfg.ResultDir) }); err != nil {
		return training.AsPersistence(err, "write args.json")
	}

	model, err := transformer.New(transformer.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}
	dp, err := distributed.NewDataParallel(ctx, model, group)
	if err != nil {
		return err
	}
	optimizer := optimizations.NewScheduledOptimizer(
		optimizations.NewAdam(model.Parameters()), cfg.DModel, cfg.NWarmupSteps)

	trainInsts, err := data.Train.Instances()
	if err != nil {
		return err
	}
	trainData := &IO.Loader{Instances: trainInsts, BatchSize: cfg.BatchSize, NumWorkers: cfg.NumWorkers}
	var epochSampler IO.EpochSampler
	if role.Distributed() {
		s := IO.NewDistributedSampler(len(trainInsts), role.WorldSize, role.Rank, cfg.Seed)
		trainData.Sampler, epochSampler = s, s
	} else {
		trainData.Sampler = IO.NewRandomSampler(len(trainInsts), cfg.Seed)
	}

	var mirror *IO.S3Mirror
	stores := []training.HistoryStore{IO.JSONHistoryStore{Path: filepath.Join(cfg.ResultDir, "history.json")}}
	if role.IsWriter() {
		if cfg.HistoryDB != "" {
			args, _ := json.Marshal(cfg)
			db, err := IO.OpenSQLiteHistory(cfg.HistoryDB, string(args))
			if err != nil {
				return training.AsPersistence(err, "open history db")
			}
			defer db.Close()
			stores = append(stores, db)
		}
		if cfg.S3Bucket != "" {
			mirror, err = IO.NewS3Mirror(cfg.S3Region, cfg.S3Bucket, cfg.S3Prefix)
			if err != nil {
				return training.AsPersistence(err, "s3 mirror")
			}
			stores = append(stores, mirror)
		}
	}

	chkptPath := cfg.CheckpointPath()
	ctrl := &training.Controller{
		Epochs:    cfg.Epoch,
		Runner:    &training.EpochRunner{Model: dp, Optimizer: optimizer, Smoothing: cfg.LabelSmoothing, Pad: params.PAD},
		TrainData: trainData,
		ValidData: validData,
		Sampler:   epochSampler,
		Coord:     coord,
		Policy:    training.NewCheckpointPolicy(),
		Checkpoint: training.CheckpointFunc(func(epoch int, acc float64) error {
			meta := transformer.CheckpointMeta{Epoch: epoch, ValidAccuracy: acc}
			if err := transformer.SaveCheckpoint(model, meta, chkptPath); err != nil {
				return err
			}
			if mirror != nil {
				return mirror.UploadFile(ctx, chkptPath)
			}
			return nil
		}),
		History:  &training.History{},
		Stores:   stores,
		Progress: training.NewProgress(os.Stdout),
		Log:      logger,
		OnTransition: func(from, to training.State) {
			if to == training.RunningTrainPass {
				utils.Debugf("lr %.3g after %d steps", optimizer.State().CurrentLR, optimizer.State().StepCount)
			}
		},
	}
	if !role.IsWriter() {
		ctrl.Progress = nil
	}
	if cfg.Log != "" {
		ctrl.Logs = training.NewLogFiles(cfg.Log)
	}
	if cfg.Profile {
		f, err := createProfile(role)
		if err != nil {
			return err
		}
		defer f.Close()
		ctrl.ProfileOut = f
	}

	logger.Info("training", "epochs", cfg.Epoch, "batches", trainData.Len(), "world_size", max(role.WorldSize, 1))
	if err := ctrl.Run(ctx); err != nil {
		return err
	}

	return coord.Persist(func() error {
		if rows := ctrl.History.Records(); len(rows) > 0 {
			acc := make([]float64, len(rows))
			for i, r := range rows {
				acc[i] = r.ValidAccuracy
			}
			fmt.Println("validation accuracy by epoch")
			training.PlotCurve(os.Stdout, acc)
		}
		if mirror == nil || ctrl.Logs == nil {
			return nil
		}
		for _, p := range []string{ctrl.Logs.Train, ctrl.Logs.Valid} {
			if err := mirror.UploadFile(ctx, p); err != nil {
				return training.AsPersistence(err, "mirror logs")
			}
		}
		return nil
	})
}

func createProfile(role distributed.Role) (*os.File, error) {
	name := "cpu.pprof"
	if !role.IsWriter() {
		name = fmt.Sprintf("cpu.rank%d.pprof", role.Rank)
	}
	if err := os.MkdirAll(cfg.ResultDir, 0o755); err != nil {
		return nil, training.AsPersistence(err, "create result dir")
	}
	f, err := os.Create(filepath.Join(cfg.ResultDir, name))
	if err != nil {
		return nil, training.AsPersistence(err, "create profile")
	}
	return f, nil
}

func evaluateCheckpoint(ctx context.Context, logger *log.Logger, data *IO.Loader) error {
	model, meta, err := transformer.LoadCheckpoint(cfg.CheckpointPath())
	if err != nil {
		return err
	}
	if model.Opts.TgtVocab != cfg.TgtVocabSize || model.Opts.SrcVocab != cfg.SrcVocabSize {
		return errors.Wrapf(params.ErrConfiguration, "checkpoint vocab %d/%d does not match dataset %d/%d",
			model.Opts.SrcVocab, model.Opts.TgtVocab, cfg.SrcVocabSize, cfg.TgtVocabSize)
	}
	runner := &training.EpochRunner{Model: model, Pad: params.PAD}
	m, err := runner.Evaluate(ctx, data)
	if err != nil {
		return err
	}
	logger.Info("evaluated checkpoint", "path", cfg.CheckpointPath(), "saved_epoch", meta.Epoch,
		"saved_accuracy", meta.ValidAccuracy)
	fmt.Print("epoch,loss,ppl,accuracy\n" + training.FormatRow(meta.Epoch, m))
	return nil
}

func preprocess(logger *log.Logger, spec string) error {
	trainPath, validPath, ok := strings.Cut(spec, ",")
	if !ok {
		return errors.Wrapf(params.ErrConfiguration, "-preprocess wants train.tsv,valid.tsv, got %q", spec)
	}
	train, err := IO.ReadPairs(trainPath)
	if err != nil {
		return err
	}
	valid, err := IO.ReadPairs(validPath)
	if err != nil {
		return err
	}
	d := IO.Preprocess(train, valid)
	if err := d.Save(cfg.Data); err != nil {
		return training.AsPersistence(err, "save dataset")
	}
	logger.Info("wrote dataset", "path", cfg.Data, "train", len(d.Train.Src), "valid", len(d.Valid.Src),
		"src_vocab", len(d.Dict.Src), "tgt_vocab", len(d.Dict.Tgt), "max_len", d.Settings.MaxTokenSeqLen)
	return nil
}
