package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danielpatrickdp/emobench/internal/backbone"
	"github.com/danielpatrickdp/emobench/internal/config"
	"github.com/danielpatrickdp/emobench/internal/dataset"
	"github.com/danielpatrickdp/emobench/internal/head"
	"github.com/danielpatrickdp/emobench/internal/runlog"
	"github.com/danielpatrickdp/emobench/internal/tracking"
)

// #region helpers
const dialogue = `{
  "dia1": [[
    {"utterance": "I am so happy today", "emotion": "happy"},
    {"utterance": "that makes me angry", "emotion": "angry"},
    {"utterance": "this is gross", "emotion": "disgust"}
  ]],
  "dia2": [[
    {"utterance": "I am scared", "emotion": "fear"},
    {"utterance": "I miss her", "emotion": "sad"},
    {"utterance": "wow really", "emotion": "surprise"},
    {"utterance": "see you at five", "emotion": "neutral"}
  ]]
}`

func writeData(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func testConfig(t *testing.T, folds int) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		GPUs:      []int{0},
		ModelName: "emobench/lexicon",
		Models: []config.ModelSpec{
			{Name: "lex/a", Label: "lex a"},
			{Name: "lex/b", Label: "lex b"},
		},
		TrainData:    writeData(t, dir, "data_0/train.json", dialogue),
		TestData:     writeData(t, dir, "data_0/test.json", dialogue),
		DataLabel:    "unit_fold_0",
		LogDir:       filepath.Join(dir, "logs"),
		ReportDir:    filepath.Join(dir, "log"),
		ModelDir:     filepath.Join(dir, "model"),
		LogLevel:     "info",
		MaxSeqLen:    16,
		Epoch:        2,
		BatchSize:    3,
		LearningRate: 1e-2,
		Dropout:      0.5,
		Head:         string(head.KindLinear),
		Gamma:        2,
		Seed:         77,
		Backbone:     "lexicon",
		CacheSize:    64,
	}
	for k := 0; k < folds; k++ {
		cfg.Folds = append(cfg.Folds, config.Fold{
			Path:  writeData(t, dir, fmt.Sprintf("data_%d/test.json", k), dialogue),
			Label: fmt.Sprintf("-data_%d", k),
		})
	}
	return cfg
}

func fixedClock(o *Orchestrator) {
	o.now = func() time.Time { return time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC) }
}

// closeCounter records whether the backbone was released.
type closeCounter struct {
	backbone.Backbone
	closed *int
}

func (c closeCounter) Close() error {
	*c.closed++
	return c.Backbone.Close()
}

// #endregion helpers

// #region run-tests
func TestRunTrainsEachModelAndEvaluatesEveryFold(t *testing.T) {
	cfg := testConfig(t, 3)
	store, err := tracking.NewStore(filepath.Join(t.TempDir(), "track.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	closed := 0
	open := func(ctx context.Context, m config.ModelSpec) (backbone.Backbone, error) {
		b, err := DefaultOpener(cfg)(ctx, m)
		if err != nil {
			return nil, err
		}
		return closeCounter{Backbone: b, closed: &closed}, nil
	}
	o := New(cfg, open, store, io.Discard)
	fixedClock(o)

	sum, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sum.Trainings) != 2 {
		t.Fatalf("expected 2 trainings, got %d", len(sum.Trainings))
	}
	if len(sum.Folds) != 2*3 {
		t.Fatalf("expected 6 fold results, got %d", len(sum.Folds))
	}
	if closed != 2 {
		t.Errorf("expected every backbone released, got %d closes", closed)
	}
	for _, tr := range sum.Trainings {
		if len(tr.EpochLosses) != cfg.Epoch {
			t.Errorf("%s: expected %d epoch losses, got %d", tr.ModelLabel, cfg.Epoch, len(tr.EpochLosses))
		}
		if _, err := os.Stat(tr.Checkpoint); err != nil {
			t.Errorf("%s: checkpoint missing: %v", tr.ModelLabel, err)
		}
		reports, err := store.Reports(tr.RunID)
		if err != nil {
			t.Fatalf("Reports: %v", err)
		}
		// train+test per epoch, then one per fold
		if len(reports) != 2*cfg.Epoch+3 {
			t.Errorf("%s: expected %d tracked reports, got %d", tr.ModelLabel, 2*cfg.Epoch+3, len(reports))
		}
	}

	files, err := os.ReadDir(cfg.ReportDir)
	if err != nil {
		t.Fatalf("read report dir: %v", err)
	}
	// per model: train and test for the training run, test for each fold
	if len(files) != 2*(2+3) {
		t.Errorf("expected 10 report files, got %d", len(files))
	}
	for _, f := range files {
		if !strings.HasSuffix(f.Name(), "-20261018T080000.txt") {
			t.Errorf("unexpected report file %s", f.Name())
		}
	}

	runs, _ := store.ListRuns()
	if len(runs) != 2 {
		t.Fatalf("expected 2 tracked runs, got %d", len(runs))
	}
	for _, r := range runs {
		if r.FinishedAt.IsZero() {
			t.Errorf("run %s not finished", r.Project)
		}
	}
}

func TestRunSameHeadAcrossFolds(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.Models = cfg.Models[:1]
	o := New(cfg, DefaultOpener(cfg), nil, io.Discard)
	fixedClock(o)

	sum, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// identical fold files through one trained head give identical scores
	if sum.Folds[0].Loss != sum.Folds[1].Loss || sum.Folds[0].Accuracy != sum.Folds[1].Accuracy {
		t.Errorf("folds disagree: %+v vs %+v", sum.Folds[0], sum.Folds[1])
	}
	if sum.Trainings[0].RunID != "" {
		t.Errorf("untracked run should have no id, got %q", sum.Trainings[0].RunID)
	}
}

const neutralDialogue = `{"dia9": [[
  {"utterance": "see you at five", "emotion": "neutral"},
  {"utterance": "the meeting moved to noon", "emotion": "neutral"}
]]}`

func TestRunFoldsAreIndependent(t *testing.T) {
	cfg := testConfig(t, 3)
	cfg.Models = cfg.Models[:1]
	cfg.Folds[1].Path = writeData(t, t.TempDir(), "data_1/neutral.json", neutralDialogue)
	o := New(cfg, DefaultOpener(cfg), nil, io.Discard)
	fixedClock(o)

	sum, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sum.Folds) != 3 {
		t.Fatalf("expected 3 fold results, got %d", len(sum.Folds))
	}
	if sum.Folds[0].Loss == sum.Folds[1].Loss {
		t.Errorf("different fold files gave the same loss %f", sum.Folds[0].Loss)
	}
	// folds 0 and 2 hold the same file; evaluating fold 1 in between must not move the head
	if sum.Folds[0] != (FoldResult{
		ModelLabel: sum.Folds[2].ModelLabel,
		DataLabel:  sum.Folds[0].DataLabel,
		Loss:       sum.Folds[2].Loss,
		Accuracy:   sum.Folds[2].Accuracy,
		MacroF1:    sum.Folds[2].MacroF1,
		BinaryF1:   sum.Folds[2].BinaryF1,
	}) {
		t.Errorf("fold scores changed between evaluations: %+v vs %+v", sum.Folds[0], sum.Folds[2])
	}

	read := func(f config.Fold) string {
		id := runlog.Identity{ModelLabel: "lex a", DataLabel: f.Label, Start: o.now()}
		data, err := os.ReadFile(runlog.ReportPath(cfg.ReportDir, "test", id))
		if err != nil {
			t.Fatalf("read report %s: %v", f.Label, err)
		}
		return string(data)
	}
	r0, r1, r2 := read(cfg.Folds[0]), read(cfg.Folds[1]), read(cfg.Folds[2])
	if r0 == r1 {
		t.Error("reports of different folds are identical")
	}
	if r0 != r2 {
		t.Errorf("reports of identical folds differ:\n%s\nvs\n%s", r0, r2)
	}
}

func TestRunAbortsOnOpenError(t *testing.T) {
	cfg := testConfig(t, 1)
	calls := 0
	boom := errors.New("sidecar unreachable")
	open := func(ctx context.Context, m config.ModelSpec) (backbone.Backbone, error) {
		calls++
		return nil, boom
	}
	_, err := New(cfg, open, nil, io.Discard).Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected open error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected sweep to stop after first model, got %d opens", calls)
	}
}

func TestRunRejectsBadDataBeforeOpening(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.Folds[0].Path = writeData(t, t.TempDir(), "bad.json", `[1, 2]`)
	opened := false
	open := func(ctx context.Context, m config.ModelSpec) (backbone.Backbone, error) {
		opened = true
		return backbone.NewLexicon(1), nil
	}
	_, err := New(cfg, open, nil, io.Discard).Run(context.Background())
	if !errors.Is(err, dataset.ErrFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
	if opened {
		t.Error("no backbone should be opened when data is malformed")
	}
}

// #endregion run-tests

// #region opener-tests
func TestDefaultOpenerLexiconIsCached(t *testing.T) {
	cfg := testConfig(t, 1)
	b, err := DefaultOpener(cfg)(context.Background(), cfg.Models[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*backbone.Cached); !ok {
		t.Fatalf("expected cached backbone, got %T", b)
	}

	cfg.CacheSize = 0
	raw, err := DefaultOpener(cfg)(context.Background(), cfg.Models[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := raw.(*backbone.Lexicon); !ok {
		t.Fatalf("expected bare lexicon, got %T", raw)
	}
}

func TestDefaultOpenerUnknownBackbone(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.Backbone = "tpu"
	if _, err := DefaultOpener(cfg)(context.Background(), cfg.Models[0]); !errors.Is(err, config.ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

// #endregion opener-tests
