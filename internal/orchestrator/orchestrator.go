package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danielpatrickdp/emobench/internal/config"
	"github.com/danielpatrickdp/emobench/internal/dataset"
	"github.com/danielpatrickdp/emobench/internal/finetune"
	"github.com/danielpatrickdp/emobench/internal/head"
	"github.com/danielpatrickdp/emobench/internal/labels"
	"github.com/danielpatrickdp/emobench/internal/runlog"
	"github.com/danielpatrickdp/emobench/internal/tracking"
)

// #endregion

// #region orchestrator-struct

// Orchestrator sweeps every configured model: it trains a head once on the training file
// and evaluates that head on each fold's test file. Models run strictly one after another.
type Orchestrator struct {
	cfg     config.Config
	open    BackboneOpener
	tracker tracking.Tracker
	console io.Writer
	now     func() time.Time
}

// Training summarizes one model's fine-tuning run.
type Training struct {
	ModelLabel  string    `json:"model_label"`
	RunID       string    `json:"run_id,omitempty"`
	EpochLosses []float64 `json:"epoch_losses"`
	Checkpoint  string    `json:"checkpoint"`
}

// FoldResult summarizes one (model, fold) evaluation.
type FoldResult struct {
	ModelLabel string  `json:"model_label"`
	DataLabel  string  `json:"data_label"`
	Loss       float64 `json:"loss"`
	Accuracy   float64 `json:"accuracy"`
	MacroF1    float64 `json:"macro_f1"`
	BinaryF1   float64 `json:"binary_f1"`
}

// Summary is everything a sweep produced.
type Summary struct {
	Trainings []Training   `json:"trainings"`
	Folds     []FoldResult `json:"folds"`
}

// #endregion

// #region constructor

// New wires an orchestrator. A nil tracker disables tracking; a nil console means stdout.
func New(cfg config.Config, open BackboneOpener, tracker tracking.Tracker, console io.Writer) *Orchestrator {
	if tracker == nil {
		tracker = tracking.Nop{}
	}
	return &Orchestrator{
		cfg:     cfg,
		open:    open,
		tracker: tracker,
		console: console,
		now:     time.Now,
	}
}

// #endregion

// #region run

type corpora struct {
	train dataset.Corpus
	test  dataset.Corpus
	folds []dataset.Corpus
}

// Run executes the sweep. Any error aborts the remaining models.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	data, err := o.load()
	if err != nil {
		return sum, err
	}

	rng := rand.New(rand.NewSource(o.cfg.Seed))
	for _, m := range o.cfg.Models {
		log.Info().Str("model", m.Name).Str("label", m.Label).Msg("model start")
		tr, folds, err := o.runModel(ctx, m, data, rng)
		if err != nil {
			return sum, fmt.Errorf("model %s: %w", m.Label, err)
		}
		sum.Trainings = append(sum.Trainings, tr)
		sum.Folds = append(sum.Folds, folds...)
		log.Info().Str("label", m.Label).Int("folds", len(folds)).Msg("model done")
	}
	return sum, nil
}

// load reads every data file before any model is opened, so format and label errors
// surface early.
func (o *Orchestrator) load() (corpora, error) {
	var c corpora
	var err error
	if c.train, err = dataset.Load(o.cfg.TrainData); err != nil {
		return c, err
	}
	if c.test, err = dataset.Load(o.cfg.TestData); err != nil {
		return c, err
	}
	for _, f := range o.cfg.Folds {
		fc, err := dataset.Load(f.Path)
		if err != nil {
			return c, err
		}
		c.folds = append(c.folds, fc)
	}
	return c, nil
}

func (o *Orchestrator) runModel(ctx context.Context, m config.ModelSpec, data corpora, rng *rand.Rand) (tr Training, folds []FoldResult, err error) {
	b, err := o.open(ctx, m)
	if err != nil {
		return tr, nil, err
	}
	bundle, err := finetune.NewBundle(b, head.Kind(o.cfg.Head), o.cfg.Dropout, rng)
	if err != nil {
		b.Close()
		return tr, nil, err
	}
	defer func() {
		if rerr := bundle.Release(); rerr != nil && err == nil {
			err = fmt.Errorf("release backbone: %w", rerr)
		}
	}()

	policy := labels.DefaultPolicy()
	train, err := dataset.Encode(ctx, b, data.train, policy, o.cfg.MaxSeqLen)
	if err != nil {
		return tr, nil, fmt.Errorf("encode %s: %w", o.cfg.TrainData, err)
	}
	test, err := dataset.Encode(ctx, b, data.test, policy, o.cfg.MaxSeqLen)
	if err != nil {
		return tr, nil, fmt.Errorf("encode %s: %w", o.cfg.TestData, err)
	}

	start := o.now()
	logs, err := o.openLogs(m.Label, o.cfg.DataLabel, start)
	if err != nil {
		return tr, nil, err
	}
	defer logs.Close()

	run, err := o.tracker.StartRun(tracking.ProjectName(m.Label, o.cfg.DataLabel))
	if err != nil {
		return tr, nil, fmt.Errorf("start tracking: %w", err)
	}

	tr = Training{
		ModelLabel: m.Label,
		RunID:      run.ID(),
		Checkpoint: filepath.Join(o.cfg.ModelDir, fmt.Sprintf("%s_%s.ckpt", runlog.FileLabel(m.Label), runlog.FileLabel(o.cfg.DataLabel))),
	}
	loop, err := finetune.New(bundle, train, test, logs, run, finetune.Options{
		ModelLabel:     m.Label,
		DataLabel:      o.cfg.DataLabel,
		Epochs:         o.cfg.Epoch,
		BatchSize:      o.cfg.BatchSize,
		LearningRate:   o.cfg.LearningRate,
		Gamma:          o.cfg.Gamma,
		CheckpointPath: tr.Checkpoint,
	})
	if err != nil {
		return tr, nil, err
	}
	epochs, err := loop.Finetune(ctx)
	if err != nil {
		return tr, nil, err
	}
	for _, e := range epochs {
		tr.EpochLosses = append(tr.EpochLosses, e.Loss)
	}

	for i, f := range o.cfg.Folds {
		res, err := o.evaluateFold(ctx, loop, b, data.folds[i], m.Label, f, start)
		if err != nil {
			return tr, folds, fmt.Errorf("fold %s: %w", f.Label, err)
		}
		folds = append(folds, res)
	}

	if err := run.Finish(); err != nil {
		return tr, folds, fmt.Errorf("finish tracking: %w", err)
	}
	return tr, folds, nil
}

func (o *Orchestrator) evaluateFold(ctx context.Context, loop *finetune.Loop, tok dataset.Tokenizer, c dataset.Corpus, modelLabel string, f config.Fold, start time.Time) (FoldResult, error) {
	ds, err := dataset.Encode(ctx, tok, c, labels.DefaultPolicy(), o.cfg.MaxSeqLen)
	if err != nil {
		return FoldResult{}, err
	}
	logs, err := o.openLogs(modelLabel, f.Label, start)
	if err != nil {
		return FoldResult{}, err
	}
	loop.Attach(logs)
	res, evalErr := loop.Evaluate(ctx, ds, f.Label)
	closeErr := logs.Close()
	if err := errors.Join(evalErr, closeErr); err != nil {
		return FoldResult{}, err
	}
	return FoldResult{
		ModelLabel: modelLabel,
		DataLabel:  f.Label,
		Loss:       res.Loss,
		Accuracy:   res.Report.Accuracy,
		MacroF1:    res.Report.MacroAvg.F1,
		BinaryF1:   res.Binary.Emotional.F1,
	}, nil
}

func (o *Orchestrator) openLogs(modelLabel, dataLabel string, start time.Time) (*runlog.Context, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(o.cfg.LogLevel))
	if err != nil || o.cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return runlog.Open(runlog.Identity{
		ModelLabel: modelLabel,
		DataLabel:  dataLabel,
		Start:      start,
	}, runlog.Options{
		LogDir:    o.cfg.LogDir,
		ReportDir: o.cfg.ReportDir,
		Console:   o.console,
		Level:     level,
		MaxSizeMB: o.cfg.MaxLogMB,
	})
}

// #endregion
