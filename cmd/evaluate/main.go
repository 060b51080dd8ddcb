package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/danielpatrickdp/emobench/internal/config"
	"github.com/danielpatrickdp/emobench/internal/dataset"
	"github.com/danielpatrickdp/emobench/internal/finetune"
	"github.com/danielpatrickdp/emobench/internal/head"
	"github.com/danielpatrickdp/emobench/internal/labels"
	"github.com/danielpatrickdp/emobench/internal/orchestrator"
	"github.com/danielpatrickdp/emobench/internal/runlog"
)

// #region main

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run re-scores a saved head against one data file without training it.
func run(args []string, stdout io.Writer) int {
	fs := config.Flags("evaluate")
	ckpt := fs.String("checkpoint", "", "head checkpoint written by emobench")
	data := fs.String("data", "", "data file to evaluate")
	label := fs.String("label", "", "data label for logs and reports (defaults to the file name)")
	modelLabel := fs.String("model_label", "", "model label for logs and reports (defaults to model_name)")
	jsonOut := fs.Bool("json", false, "print the summary as JSON")

	cfg, err := config.Load(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}
	if *ckpt == "" || *data == "" {
		fmt.Fprintln(os.Stderr, "usage: evaluate --checkpoint model/<label>.ckpt --data path/to/test.json [--model_name id] [--backbone grpc|onnx|lexicon]")
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	model := config.ModelSpec{Name: cfg.ModelName, Label: *modelLabel}
	if model.Label == "" {
		model.Label = cfg.ModelName
	}
	if *label == "" {
		*label = strings.TrimSuffix(filepath.Base(*data), ".json")
	}

	console := stdout
	if *jsonOut {
		console = os.Stderr
	}
	res, err := evaluate(context.Background(), cfg, model, *ckpt, *data, *label, console)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evaluate: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, _ := json.MarshalIndent(summary{
			Model:    model.Label,
			Data:     *label,
			Loss:     res.Loss,
			Accuracy: res.Report.Accuracy,
			MacroF1:  res.Report.MacroAvg.F1,
			BinaryF1: res.Binary.Emotional.F1,
		}, "", "  ")
		fmt.Fprintln(stdout, string(out))
		return 0
	}
	fmt.Fprint(stdout, res.Text)
	return 0
}

// #endregion main

// #region evaluate

type summary struct {
	Model    string  `json:"model"`
	Data     string  `json:"data"`
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
	MacroF1  float64 `json:"macro_f1"`
	BinaryF1 float64 `json:"binary_f1"`
}

func evaluate(ctx context.Context, cfg config.Config, model config.ModelSpec, ckpt, dataPath, dataLabel string, console io.Writer) (finetune.EvalResult, error) {
	h, err := head.LoadFile(ckpt)
	if err != nil {
		return finetune.EvalResult{}, err
	}
	corpus, err := dataset.Load(dataPath)
	if err != nil {
		return finetune.EvalResult{}, err
	}

	b, err := orchestrator.DefaultOpener(cfg)(ctx, model)
	if err != nil {
		return finetune.EvalResult{}, err
	}
	bundle := &finetune.Bundle{Backbone: b, Head: h}
	defer bundle.Release()
	if n := len(b.Labels()); n != h.In() {
		return finetune.EvalResult{}, fmt.Errorf("checkpoint expects %d backbone scores, %s has %d", h.In(), model.Name, n)
	}

	ds, err := dataset.Encode(ctx, b, corpus, labels.DefaultPolicy(), cfg.MaxSeqLen)
	if err != nil {
		return finetune.EvalResult{}, err
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logs, err := runlog.Open(runlog.Identity{
		ModelLabel: model.Label,
		DataLabel:  dataLabel,
		Start:      time.Now(),
	}, runlog.Options{
		LogDir:    cfg.LogDir,
		ReportDir: cfg.ReportDir,
		Console:   console,
		Level:     level,
		MaxSizeMB: cfg.MaxLogMB,
	})
	if err != nil {
		return finetune.EvalResult{}, err
	}
	defer logs.Close()

	loop, err := finetune.New(bundle, nil, nil, logs, nil, finetune.Options{
		ModelLabel: model.Label,
		DataLabel:  dataLabel,
		Epochs:     1,
		BatchSize:  cfg.BatchSize,
		Gamma:      cfg.Gamma,
	})
	if err != nil {
		return finetune.EvalResult{}, err
	}
	return loop.Evaluate(ctx, ds, dataLabel)
}

// #endregion evaluate
