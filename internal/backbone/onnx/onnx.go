// Package onnx runs a Hugging Face text-classification export in-process through hugot,
// as an alternative to the Python sidecar.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelineBackends"
	"github.com/knights-analytics/hugot/pipelines"
	"gonum.org/v1/gonum/mat"

	"github.com/danielpatrickdp/emobench/internal/dataset"
)

// #region types
// Backbone wraps a hugot text-classification pipeline. The pipeline tokenizes
// internally, so Tokenize only reserves one empty row per text and sets the pipeline's
// truncation length.
type Backbone struct {
	name     string
	session  *hugot.Session
	pipeline *pipelines.TextClassificationPipeline
	labels   []string
	index    map[string]int
	modelMax int // max_position_embeddings of the export; 0 when unknown
}

type hfConfig struct {
	ID2Label map[string]string `json:"id2label"`
}

// #endregion types

// #region open
// Open loads the ONNX export found in modelDir (config.json, tokenizer.json, model.onnx).
func Open(modelDir, name string) (*Backbone, error) {
	labels, err := readLabels(filepath.Join(modelDir, "config.json"))
	if err != nil {
		return nil, err
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("hugot session: %w", err)
	}
	cfg := hugot.TextClassificationConfig{
		Name:      name,
		ModelPath: modelDir,
		Options: []pipelineBackends.PipelineOption[*pipelines.TextClassificationPipeline]{
			pipelines.WithSoftmax(),
			pipelines.WithMultiLabel(),
		},
	}
	p, err := hugot.NewPipeline(session, cfg)
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("hugot pipeline %s: %w", modelDir, err)
	}

	index := make(map[string]int, len(labels))
	for i, l := range labels {
		index[l] = i
	}
	b := &Backbone{name: name, session: session, pipeline: p, labels: labels, index: index}
	if tk := b.tokenizer(); tk != nil {
		b.modelMax = tk.MaxAllowedTokens
	}
	return b, nil
}

// readLabels returns id2label from a Hugging Face config in id order.
func readLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model config: %w", err)
	}
	var cfg hfConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse model config: %w", err)
	}
	if len(cfg.ID2Label) == 0 {
		return nil, fmt.Errorf("model config %s has no id2label", path)
	}
	ids := make([]int, 0, len(cfg.ID2Label))
	byID := make(map[int]string, len(cfg.ID2Label))
	for k, v := range cfg.ID2Label {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("model config id %q: %w", k, err)
		}
		ids = append(ids, id)
		byID[id] = v
	}
	sort.Ints(ids)
	labels := make([]string, len(ids))
	for i, id := range ids {
		if id != i {
			return nil, fmt.Errorf("model config ids are not contiguous at %d", id)
		}
		labels[i] = byID[id]
	}
	return labels, nil
}

// #endregion open

// #region backbone
func (b *Backbone) Name() string     { return b.name }
func (b *Backbone) Labels() []string { return append([]string(nil), b.labels...) }

func (b *Backbone) Close() error {
	return b.session.Destroy()
}

func (b *Backbone) tokenizer() *pipelineBackends.Tokenizer {
	if b.pipeline == nil || b.pipeline.BasePipeline == nil || b.pipeline.Model == nil {
		return nil
	}
	return b.pipeline.Model.Tokenizer
}

// tokenLimit is the truncation length hugot applies: maxLen, capped by the export's
// position limit.
func tokenLimit(modelMax, maxLen int) int {
	if maxLen <= 0 {
		return modelMax
	}
	if modelMax > 0 && modelMax < maxLen {
		return modelMax
	}
	return maxLen
}

func (b *Backbone) Tokenize(_ context.Context, texts []string, maxLen int) (dataset.Encoding, error) {
	if tk := b.tokenizer(); tk != nil {
		tk.MaxAllowedTokens = tokenLimit(b.modelMax, maxLen)
	}
	enc := dataset.Encoding{
		InputIDs:      make([][]int64, len(texts)),
		AttentionMask: make([][]int64, len(texts)),
	}
	for i := range texts {
		enc.InputIDs[i] = []int64{}
		enc.AttentionMask[i] = []int64{}
	}
	return enc, nil
}

// Forward returns log-softmax scores. They differ from raw logits by a per-row
// constant, which a linear head absorbs.
func (b *Backbone) Forward(_ context.Context, batch dataset.Batch) (*mat.Dense, error) {
	if len(batch.Texts) == 0 {
		return nil, fmt.Errorf("onnx forward: empty batch")
	}
	out, err := b.pipeline.RunPipeline(batch.Texts)
	if err != nil {
		return nil, fmt.Errorf("onnx forward: %w", err)
	}
	if len(out.ClassificationOutputs) != len(batch.Texts) {
		return nil, fmt.Errorf("onnx forward: %d outputs for %d texts", len(out.ClassificationOutputs), len(batch.Texts))
	}
	m := mat.NewDense(len(batch.Texts), len(b.labels), nil)
	for i, row := range out.ClassificationOutputs {
		for _, c := range row {
			j, ok := b.index[c.Label]
			if !ok {
				return nil, fmt.Errorf("onnx forward: unknown label %q", c.Label)
			}
			m.Set(i, j, math.Log(math.Max(float64(c.Score), 1e-12)))
		}
	}
	return m, nil
}

// #endregion backbone
