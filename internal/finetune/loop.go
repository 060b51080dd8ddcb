package finetune

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/danielpatrickdp/emobench/internal/dataset"
	"github.com/danielpatrickdp/emobench/internal/head"
	"github.com/danielpatrickdp/emobench/internal/labels"
	"github.com/danielpatrickdp/emobench/internal/loss"
	"github.com/danielpatrickdp/emobench/internal/metrics"
	"github.com/danielpatrickdp/emobench/internal/optim"
	"github.com/danielpatrickdp/emobench/internal/runlog"
	"github.com/danielpatrickdp/emobench/internal/tracking"
)

// #region types
// State is the lifecycle position of a Loop.
type State int

const (
	Idle State = iota
	Training
	Evaluating
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Training:
		return "training"
	case Evaluating:
		return "evaluating"
	case Done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DefaultTrackEvery is how many training batches go into one tracked loss point.
const DefaultTrackEvery = 100

// Options configures a Loop.
type Options struct {
	ModelLabel     string
	DataLabel      string
	Epochs         int
	BatchSize      int
	LearningRate   float64
	Gamma          float64
	TrackEvery     int    // batches per tracked point; 0 means DefaultTrackEvery
	CheckpointPath string // head checkpoint written at Done; empty skips it
}

// EvalResult is one accumulated pass over a dataset.
type EvalResult struct {
	Loss   float64
	Pred   *mat.Dense
	Truth  []int
	Report metrics.Report
	Binary metrics.BinaryReport
	Text   string
}

// EpochResult pairs an epoch's training pass with its test pass.
type EpochResult struct {
	Epoch int
	Loss  float64
	Train EvalResult
	Test  EvalResult
}

// Loop fine-tunes the head of one Bundle. It is single-use: Finetune runs once, Evaluate
// may run any number of times outside a training pass.
type Loop struct {
	bundle *Bundle
	train  *dataset.Dataset
	test   *dataset.Dataset
	logs   *runlog.Context
	run    tracking.Run
	opts   Options

	focal loss.Focal
	adam  *optim.Adam
	state State

	batches     int // training batches seen across epochs
	trackedLoss float64
}

// #endregion types

// #region constructor
// New prepares a loop. run may be nil when tracking is off; train and test may be nil
// for a loop that only evaluates.
func New(b *Bundle, train, test *dataset.Dataset, logs *runlog.Context, run tracking.Run, opts Options) (*Loop, error) {
	if b == nil || logs == nil {
		return nil, errors.New("finetune: bundle and logging context are required")
	}
	if opts.Epochs < 1 || opts.BatchSize < 1 {
		return nil, fmt.Errorf("finetune: epochs %d and batch size %d must be positive", opts.Epochs, opts.BatchSize)
	}
	if opts.TrackEvery <= 0 {
		opts.TrackEvery = DefaultTrackEvery
	}
	if run == nil {
		run, _ = tracking.Nop{}.StartRun("")
	}
	return &Loop{
		bundle: b,
		train:  train,
		test:   test,
		logs:   logs,
		run:    run,
		opts:   opts,
		focal:  loss.Focal{Gamma: opts.Gamma},
		adam:   optim.NewAdam(b.Head.Params(), opts.LearningRate),
	}, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State { return l.state }

// Attach redirects subsequent reports to another logging context, e.g. one per fold.
func (l *Loop) Attach(logs *runlog.Context) { l.logs = logs }

func (l *Loop) transition(to State) {
	l.logs.Logger(runlog.RoleTrain).Debug().
		Str("from", l.state.String()).
		Str("to", to.String()).
		Msg("loop state")
	l.state = to
}

// #endregion constructor

// #region finetune
// Finetune trains the head for the configured epochs. After each epoch it logs the
// size-weighted epoch loss, reports the training predictions and evaluates the test set.
func (l *Loop) Finetune(ctx context.Context) ([]EpochResult, error) {
	if l.state != Idle {
		return nil, fmt.Errorf("finetune: loop is %s", l.state)
	}
	if l.train == nil || l.train.Len() == 0 {
		return nil, errors.New("finetune: empty training set")
	}
	if l.test == nil || l.test.Len() == 0 {
		return nil, errors.New("finetune: empty test set")
	}
	results := make([]EpochResult, 0, l.opts.Epochs)
	for e := 1; e <= l.opts.Epochs; e++ {
		l.transition(Training)
		acc, err := l.trainEpoch(ctx)
		if err != nil {
			return results, fmt.Errorf("epoch %d: %w", e, err)
		}

		epochLoss := acc.mean()
		l.logs.Logger(runlog.RoleTrain).Info().Msgf("Epoch [%d/%d], Loss: %.4f", e, l.opts.Epochs, epochLoss)
		trainRes, err := l.report(acc, string(runlog.RoleTrain), l.opts.DataLabel)
		if err != nil {
			return results, err
		}

		l.logs.Logger(runlog.RoleTest).Info().Msgf("Epoch [%d/%d]", e, l.opts.Epochs)
		testRes, err := l.Evaluate(ctx, l.test, l.opts.DataLabel)
		if err != nil {
			return results, fmt.Errorf("epoch %d test: %w", e, err)
		}
		results = append(results, EpochResult{Epoch: e, Loss: epochLoss, Train: trainRes, Test: testRes})
	}

	if l.opts.CheckpointPath != "" {
		if err := head.SaveFile(l.opts.CheckpointPath, l.bundle.Head); err != nil {
			return results, err
		}
	}
	l.transition(Done)
	return results, nil
}

func (l *Loop) trainEpoch(ctx context.Context) (*accumulator, error) {
	acc := newAccumulator(labels.NumClasses)
	for _, batch := range l.train.Batches(l.opts.BatchSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l.adam.ZeroGrad()
		logits, err := l.bundle.Logits(ctx, batch, true)
		if err != nil {
			return nil, err
		}
		batchLoss, grad, err := l.focal.Forward(logits, batch.Labels)
		if err != nil {
			return nil, err
		}
		acc.add(logits, batch.Labels, batchLoss)

		l.bundle.Head.Backward(grad)
		l.adam.Step()

		if err := l.track(batchLoss, batch.Size()); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// track sums loss*batch over the last TrackEvery batches and logs it divided by
// TrackEvery. The counter runs across epochs.
func (l *Loop) track(batchLoss float64, size int) error {
	l.trackedLoss += batchLoss * float64(size)
	l.batches++
	if l.batches%l.opts.TrackEvery != 0 {
		return nil
	}
	point := map[string]float64{"train_loss": l.trackedLoss / float64(l.opts.TrackEvery)}
	l.trackedLoss = 0
	if err := l.run.Log(l.batches, point); err != nil {
		return fmt.Errorf("track step %d: %w", l.batches, err)
	}
	return nil
}

// #endregion finetune

// #region evaluate
// Evaluate runs ds through the bundle with dropout off and no parameter updates, then
// reports the accumulated predictions under the test type label. The loop returns to
// Idle afterwards, or stays Done once training has finished.
func (l *Loop) Evaluate(ctx context.Context, ds *dataset.Dataset, dataLabel string) (EvalResult, error) {
	if ds == nil || ds.Len() == 0 {
		return EvalResult{}, errors.New("evaluate: empty dataset")
	}
	after := Idle
	if l.state == Done {
		after = Done
	}
	l.transition(Evaluating)
	defer l.transition(after)

	acc := newAccumulator(labels.NumClasses)
	for _, batch := range ds.Batches(l.opts.BatchSize) {
		if err := ctx.Err(); err != nil {
			return EvalResult{}, err
		}
		logits, err := l.bundle.Logits(ctx, batch, false)
		if err != nil {
			return EvalResult{}, err
		}
		batchLoss, _, err := l.focal.Forward(logits, batch.Labels)
		if err != nil {
			return EvalResult{}, err
		}
		acc.add(logits, batch.Labels, batchLoss)
	}
	return l.report(acc, string(runlog.RoleTest), dataLabel)
}

// #endregion evaluate

// #region report
func (l *Loop) report(acc *accumulator, typeLabel, dataLabel string) (EvalResult, error) {
	pred := acc.pred()
	res := EvalResult{
		Loss:   acc.mean(),
		Pred:   pred,
		Truth:  acc.truth,
		Report: metrics.Evaluate(pred, acc.truth, labels.ClassNames),
		Binary: metrics.Binary(pred, acc.truth, labels.Neutral),
		Text:   metrics.Render(pred, acc.truth, labels.ClassNames, labels.Neutral),
	}
	if err := l.logs.Report(typeLabel, res.Text); err != nil {
		return res, fmt.Errorf("report %s: %w", typeLabel, err)
	}
	rec := tracking.ReportRecord{
		ModelLabel: l.opts.ModelLabel,
		DataLabel:  dataLabel,
		TypeLabel:  typeLabel,
		Accuracy:   res.Report.Accuracy,
		MacroF1:    res.Report.MacroAvg.F1,
		BinaryF1:   res.Binary.Emotional.F1,
		Body:       res.Text,
	}
	if err := l.run.Report(rec); err != nil {
		return res, fmt.Errorf("track report: %w", err)
	}
	return res, nil
}

// #endregion report

// #region accumulator
// accumulator collects one pass's raw predictions, labels and per-batch losses.
type accumulator struct {
	cols   int
	rows   []float64
	truth  []int
	losses []float64
	sizes  []int
}

func newAccumulator(cols int) *accumulator { return &accumulator{cols: cols} }

func (a *accumulator) add(logits *mat.Dense, truth []int, batchLoss float64) {
	n, _ := logits.Dims()
	for i := 0; i < n; i++ {
		a.rows = append(a.rows, logits.RawRowView(i)...)
	}
	a.truth = append(a.truth, truth...)
	a.losses = append(a.losses, batchLoss)
	a.sizes = append(a.sizes, len(truth))
}

func (a *accumulator) mean() float64 { return WeightedMean(a.losses, a.sizes) }

func (a *accumulator) pred() *mat.Dense {
	return mat.NewDense(len(a.truth), a.cols, a.rows)
}

// WeightedMean returns sum(losses[i]*sizes[i]) / sum(sizes), or 0 for no samples.
func WeightedMean(losses []float64, sizes []int) float64 {
	var sum float64
	var n int
	for i, l := range losses {
		sum += l * float64(sizes[i])
		n += sizes[i]
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// #endregion accumulator
