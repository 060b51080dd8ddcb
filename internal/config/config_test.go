package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Flags("test"), nil)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, cfg.GPUs)
	assert.Equal(t, "j-hartmann/emotion-english-distilroberta-base", cfg.ModelName)
	assert.Equal(t, DefaultModels(), cfg.Models)
	assert.Equal(t, DefaultFolds(), cfg.Folds)
	assert.Equal(t, 75, cfg.MaxSeqLen)
	assert.Equal(t, 10, cfg.Epoch)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.InDelta(t, 1e-3, cfg.LearningRate, 1e-12)
	assert.InDelta(t, 0.5, cfg.Dropout, 1e-12)
	assert.InDelta(t, 2.0, cfg.Gamma, 1e-12)
	assert.Equal(t, int64(77), cfg.Seed)
	assert.Equal(t, "grpc", cfg.Backbone)
	assert.Equal(t, "logs", cfg.LogDir)
	assert.Equal(t, "log", cfg.ReportDir)
	assert.False(t, cfg.UseTracking)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultFolds(t *testing.T) {
	folds := DefaultFolds()
	require.Len(t, folds, 5)
	assert.Equal(t, Fold{Path: "data_fold/data_0/dailydialog_test.json", Label: "-original_dd"}, folds[0])
	assert.Equal(t, Fold{Path: "data_fold/data_3/data_3_test.json", Label: "-data_3_DailyDialog"}, folds[3])
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	body := `
epoch: 3
batch_size: 8
head: mlp
models:
  - name: local/tiny
    label: tiny
folds:
  - path: a.json
    label: -a
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("EMOBENCH_BATCH_SIZE", "16")

	cfg, err := Load(Flags("test"), []string{"--config", path, "--epoch", "5", "--gpus", "0,2"})
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Epoch, "flag beats file")
	assert.Equal(t, 16, cfg.BatchSize, "env beats file")
	assert.Equal(t, "mlp", cfg.Head, "file beats default")
	assert.Equal(t, []ModelSpec{{Name: "local/tiny", Label: "tiny"}}, cfg.Models)
	assert.Equal(t, []Fold{{Path: "a.json", Label: "-a"}}, cfg.Folds)
	assert.Equal(t, []int{0, 2}, cfg.GPUs)
	assert.Equal(t, "0,2", cfg.CUDAVisibleDevices())
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(Flags("test"), []string{"--config", filepath.Join(t.TempDir(), "nope.yaml")})
	require.Error(t, err)
}

func TestValidatePreconditions(t *testing.T) {
	base, err := Load(Flags("test"), nil)
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"empty model name":    func(c *Config) { c.ModelName = " " },
		"no gpus":             func(c *Config) { c.GPUs = nil },
		"negative gpu":        func(c *Config) { c.GPUs = []int{-1} },
		"zero epochs":         func(c *Config) { c.Epoch = 0 },
		"dropout one":         func(c *Config) { c.Dropout = 1 },
		"tiny seq len":        func(c *Config) { c.MaxSeqLen = 1 },
		"no folds":            func(c *Config) { c.Folds = nil },
		"unlabeled model":     func(c *Config) { c.Models = []ModelSpec{{Name: "x"}} },
		"bad head":            func(c *Config) { c.Head = "transformer" },
		"bad backbone":        func(c *Config) { c.Backbone = "tpu" },
		"grpc without addr":   func(c *Config) { c.BackboneAddr = "" },
		"tracking without db": func(c *Config) { c.UseTracking, c.TrackingDB = true, "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPrecondition))
		})
	}
}
