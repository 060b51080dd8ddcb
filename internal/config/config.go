// Package config loads run settings from flags, EMOBENCH_* environment variables and an
// optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrPrecondition marks configuration that must be rejected before any model is loaded.
var ErrPrecondition = errors.New("precondition failed")

// #region types
// ModelSpec pairs a pretrained model id with the human label used in file names.
type ModelSpec struct {
	Name  string `mapstructure:"name" json:"name"`
	Label string `mapstructure:"label" json:"label"`
}

// Fold pairs a test file with its data label.
type Fold struct {
	Path  string `mapstructure:"path" json:"path"`
	Label string `mapstructure:"label" json:"label"`
}

// Config holds every setting of a run.
type Config struct {
	GPUs      []int       `mapstructure:"gpus"`
	ModelName string      `mapstructure:"model_name"`
	Models    []ModelSpec `mapstructure:"models"`

	TrainData string `mapstructure:"train_data"`
	TestData  string `mapstructure:"test_data"`
	DataLabel string `mapstructure:"data_label"`
	Folds     []Fold `mapstructure:"folds"`

	LogDir    string `mapstructure:"log_dir"`
	ReportDir string `mapstructure:"report_dir"`
	ModelDir  string `mapstructure:"model_dir"`
	MaxLogMB  int    `mapstructure:"max_log_mb"`
	LogLevel  string `mapstructure:"log_level"`

	MaxSeqLen    int     `mapstructure:"max_seq_len"`
	Epoch        int     `mapstructure:"epoch"`
	BatchSize    int     `mapstructure:"batch_size"`
	LearningRate float64 `mapstructure:"learning_rate"`
	Dropout      float64 `mapstructure:"dropout"`
	Head         string  `mapstructure:"head"`
	Gamma        float64 `mapstructure:"gamma"`
	Seed         int64   `mapstructure:"seed"`

	Backbone     string `mapstructure:"backbone"`
	BackboneAddr string `mapstructure:"backbone_addr"`
	ONNXModelDir string `mapstructure:"onnx_model_dir"`
	CacheSize    int64  `mapstructure:"cache_size"`

	UseTracking bool   `mapstructure:"use_tracking"`
	TrackingDB  string `mapstructure:"tracking_db"`
	StatsDAddr  string `mapstructure:"statsd_addr"`
}

// #endregion types

// #region defaults
// DefaultModels returns the pretrained models swept by default.
func DefaultModels() []ModelSpec {
	return []ModelSpec{
		{Name: "j-hartmann/emotion-english-distilroberta-base", Label: "j-hartmann distill roberta base"},
		{Name: "j-hartmann/emotion-english-roberta-large", Label: "j-hartmann roberta large"},
	}
}

// DefaultFolds returns the five fold test files evaluated after training.
func DefaultFolds() []Fold {
	folds := []Fold{{Path: "data_fold/data_0/dailydialog_test.json", Label: "-original_dd"}}
	for k := 1; k <= 4; k++ {
		folds = append(folds, Fold{
			Path:  fmt.Sprintf("data_fold/data_%d/data_%d_test.json", k, k),
			Label: fmt.Sprintf("-data_%d_DailyDialog", k),
		})
	}
	return folds
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gpus", []int{1})
	v.SetDefault("model_name", "j-hartmann/emotion-english-distilroberta-base")
	v.SetDefault("models", DefaultModels())
	v.SetDefault("train_data", "data_fold/data_0/dailydialog_train.json")
	v.SetDefault("test_data", "data_fold/data_0/dailydialog_test.json")
	v.SetDefault("data_label", "dailydialog_fold_0")
	v.SetDefault("folds", DefaultFolds())
	v.SetDefault("log_dir", "logs")
	v.SetDefault("report_dir", "log")
	v.SetDefault("model_dir", "model")
	v.SetDefault("max_log_mb", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("max_seq_len", 75)
	v.SetDefault("epoch", 10)
	v.SetDefault("batch_size", 32)
	v.SetDefault("learning_rate", 1e-3)
	v.SetDefault("dropout", 0.5)
	v.SetDefault("head", "linear")
	v.SetDefault("gamma", 2.0)
	v.SetDefault("seed", 77)
	v.SetDefault("backbone", "grpc")
	v.SetDefault("backbone_addr", "localhost:50051")
	v.SetDefault("onnx_model_dir", "models")
	v.SetDefault("cache_size", 4096)
	v.SetDefault("use_tracking", false)
	v.SetDefault("tracking_db", "emobench.db")
	v.SetDefault("statsd_addr", "")
}

// #endregion defaults

// #region flags
// Flags registers the scalar settings on a new flag set. Lists of models and folds come
// from the config file only.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "optional YAML config file")
	fs.IntSlice("gpus", []int{1}, "device indices exported as CUDA_VISIBLE_DEVICES")
	fs.String("model_name", "j-hartmann/emotion-english-distilroberta-base", "pretrained model id")
	fs.String("train_data", "data_fold/data_0/dailydialog_train.json", "training file")
	fs.String("test_data", "data_fold/data_0/dailydialog_test.json", "per-epoch test file")
	fs.String("data_label", "dailydialog_fold_0", "label attached to the training run")
	fs.String("log_dir", "logs", "role log directory")
	fs.String("report_dir", "log", "flat report directory")
	fs.String("model_dir", "model", "head checkpoint directory")
	fs.Int("max_log_mb", 0, "rotate log files at this size (0 keeps them whole)")
	fs.String("log_level", "info", "process log level")
	fs.Int("max_seq_len", 75, "max length of each tokenized utterance")
	fs.Int("epoch", 10, "fine-tuning epochs")
	fs.Int("batch_size", 32, "batch size")
	fs.Float64("learning_rate", 1e-3, "Adam learning rate")
	fs.Float64("dropout", 0.5, "dropout of the mlp head")
	fs.String("head", "linear", "head kind: linear or mlp")
	fs.Float64("gamma", 2, "focal loss focusing exponent")
	fs.Int64("seed", 77, "process seed")
	fs.String("backbone", "grpc", "backbone: grpc, onnx or lexicon")
	fs.String("backbone_addr", "localhost:50051", "backbone sidecar address")
	fs.String("onnx_model_dir", "models", "root of ONNX model exports")
	fs.Int64("cache_size", 4096, "backbone output cache entries (0 disables)")
	fs.Bool("use_tracking", false, "record runs in the tracking store")
	fs.String("tracking_db", "emobench.db", "SQLite tracking store")
	fs.String("statsd_addr", "", "mirror tracking points to this DogStatsD address")
	return fs
}

// #endregion flags

// #region load
// Load parses args into fs and resolves the final configuration.
func Load(fs *pflag.FlagSet, args []string) (Config, error) {
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("EMOBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// #endregion load

// #region validate
// Validate reports every precondition the configuration breaks, each wrapping
// ErrPrecondition.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrPrecondition}, args...)...))
	}

	if len(c.GPUs) == 0 {
		fail("gpus must list at least one device")
	}
	for _, g := range c.GPUs {
		if g < 0 {
			fail("gpu index %d is negative", g)
		}
	}
	if strings.TrimSpace(c.ModelName) == "" {
		fail("model_name is required")
	}
	if len(c.Models) == 0 {
		fail("models must not be empty")
	}
	for i, m := range c.Models {
		if m.Name == "" || m.Label == "" {
			fail("models[%d] needs name and label", i)
		}
	}
	if c.TrainData == "" || c.TestData == "" {
		fail("train_data and test_data are required")
	}
	if len(c.Folds) == 0 {
		fail("folds must not be empty")
	}
	for i, f := range c.Folds {
		if f.Path == "" || f.Label == "" {
			fail("folds[%d] needs path and label", i)
		}
	}
	if c.Epoch < 1 {
		fail("epoch must be positive, got %d", c.Epoch)
	}
	if c.BatchSize < 1 {
		fail("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MaxSeqLen < 2 {
		fail("max_seq_len must be at least 2, got %d", c.MaxSeqLen)
	}
	if c.LearningRate <= 0 {
		fail("learning_rate must be positive, got %g", c.LearningRate)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		fail("dropout must be in [0,1), got %g", c.Dropout)
	}
	if c.Gamma < 0 {
		fail("gamma must be non-negative, got %g", c.Gamma)
	}
	switch c.Head {
	case "linear", "mlp":
	default:
		fail("unknown head %q", c.Head)
	}
	switch c.Backbone {
	case "grpc":
		if c.BackboneAddr == "" {
			fail("backbone_addr is required for the grpc backbone")
		}
	case "onnx":
		if c.ONNXModelDir == "" {
			fail("onnx_model_dir is required for the onnx backbone")
		}
	case "lexicon":
	default:
		fail("unknown backbone %q", c.Backbone)
	}
	if c.CacheSize < 0 {
		fail("cache_size must not be negative")
	}
	if c.UseTracking && c.TrackingDB == "" {
		fail("tracking_db is required when use_tracking is set")
	}
	return errors.Join(errs...)
}

// #endregion validate

// CUDAVisibleDevices renders the gpu list the way CUDA_VISIBLE_DEVICES expects.
func (c Config) CUDAVisibleDevices() string {
	parts := make([]string, len(c.GPUs))
	for i, g := range c.GPUs {
		parts[i] = strconv.Itoa(g)
	}
	return strings.Join(parts, ",")
}
