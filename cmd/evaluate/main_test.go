package main

import (
	"bytes"
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/emobench/internal/backbone"
	"github.com/danielpatrickdp/emobench/internal/head"
	"github.com/danielpatrickdp/emobench/internal/labels"
)

const dialogue = `{"dia1": [[
  {"utterance": "I am so happy today", "emotion": "happy"},
  {"utterance": "that makes me angry", "emotion": "angry"},
  {"utterance": "see you at five", "emotion": "neutral"}
]]}`

func setup(t *testing.T, in int) (dir, ckpt, data string) {
	t.Helper()
	dir = t.TempDir()
	data = filepath.Join(dir, "data_1_test.json")
	if err := os.WriteFile(data, []byte(dialogue), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}
	ckpt = filepath.Join(dir, "model", "lex_unit.ckpt")
	h := head.NewLinear(in, labels.NumClasses, rand.New(rand.NewSource(77)))
	if err := head.SaveFile(ckpt, h); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	return dir, ckpt, data
}

func baseArgs(dir, ckpt, data string) []string {
	return []string{
		"--backbone", "lexicon",
		"--checkpoint", ckpt,
		"--data", data,
		"--log_dir", filepath.Join(dir, "logs"),
		"--report_dir", filepath.Join(dir, "log"),
	}
}

func TestEvaluateCheckpointJSON(t *testing.T) {
	dir, ckpt, data := setup(t, len(backbone.LexiconLabels))
	var out bytes.Buffer
	args := append(baseArgs(dir, ckpt, data), "--json", "--model_label", "lex")
	if code := run(args, &out); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	var s summary
	if err := json.Unmarshal(out.Bytes(), &s); err != nil {
		t.Fatalf("unmarshal %q: %v", out.String(), err)
	}
	if s.Model != "lex" || s.Data != "data_1_test" || s.Loss <= 0 {
		t.Errorf("unexpected summary %+v", s)
	}
	reports, _ := os.ReadDir(filepath.Join(dir, "log"))
	if len(reports) != 1 {
		t.Errorf("expected one report file, got %d", len(reports))
	}
}

func TestEvaluateDefaultModelLabel(t *testing.T) {
	dir, ckpt, data := setup(t, len(backbone.LexiconLabels))
	if code := run(baseArgs(dir, ckpt, data), io.Discard); code != 0 {
		t.Fatalf("expected exit 0 with model_name as label, got %d", code)
	}
	want := filepath.Join(dir, "log", "j-hartmann_emotion-english-distilroberta-base-test_data_1_test-")
	matches, _ := filepath.Glob(want + "*.txt")
	if len(matches) != 1 {
		t.Errorf("expected one report under %s*, got %v", want, matches)
	}
}

func TestEvaluateRejectsMismatchedCheckpoint(t *testing.T) {
	dir, ckpt, data := setup(t, 3)
	if code := run(baseArgs(dir, ckpt, data), io.Discard); code != 1 {
		t.Fatalf("expected exit 1 for size mismatch, got %d", code)
	}
}

func TestEvaluateUsage(t *testing.T) {
	if code := run([]string{"--backbone", "lexicon"}, io.Discard); code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
}
