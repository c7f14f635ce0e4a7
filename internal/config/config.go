package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// #region errors
var (
	ErrInvalid             = errors.New("invalid configuration")
	ErrUnsupportedDataset  = errors.New("unsupported dataset")
	ErrUnsupportedBackbone = errors.New("unsupported text backbone")
)

func errUnsupportedDataset(d Dataset) error {
	return fmt.Errorf("%w: %q", ErrUnsupportedDataset, d)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// #endregion errors

// #region config-types
// Data selects the input directory and which splits are built.
type Data struct {
	Dataset        Dataset `mapstructure:"dataset" yaml:"dataset"`
	Path           string  `mapstructure:"path" yaml:"path"`
	TextPath       string  `mapstructure:"text_path" yaml:"text_path"` // overrides Path for TSVs when set
	Train          bool    `mapstructure:"train" yaml:"train"`
	Test           bool    `mapstructure:"test" yaml:"test"`
	Augment        bool    `mapstructure:"augment" yaml:"augment"`
	Clustering     bool    `mapstructure:"clustering" yaml:"clustering"`
	VideoFeatsPath string  `mapstructure:"video_feats_path" yaml:"video_feats_path"`
	AudioFeatsPath string  `mapstructure:"audio_feats_path" yaml:"audio_feats_path"`
}

// Text configures tokenization and feature encoding.
type Text struct {
	Backbone    string   `mapstructure:"backbone" yaml:"backbone"`
	VocabPath   string   `mapstructure:"vocab_path" yaml:"vocab_path"`
	DoLowerCase bool     `mapstructure:"do_lower_case" yaml:"do_lower_case"`
	SeqLen      int      `mapstructure:"seq_len" yaml:"seq_len"`
	LabelLen    int      `mapstructure:"label_len" yaml:"label_len"`
	Encoding    Encoding `mapstructure:"encoding" yaml:"encoding"`
	CacheSize   int      `mapstructure:"cache_size" yaml:"cache_size"`
}

// Train configures the optimization loop.
type Train struct {
	Enabled          bool    `mapstructure:"enabled" yaml:"enabled"`
	Epochs           int     `mapstructure:"epochs" yaml:"epochs"`
	BatchSize        int     `mapstructure:"batch_size" yaml:"batch_size"`
	EvalBatchSize    int     `mapstructure:"eval_batch_size" yaml:"eval_batch_size"`
	TestBatchSize    int     `mapstructure:"test_batch_size" yaml:"test_batch_size"`
	LR               float64 `mapstructure:"lr" yaml:"lr"`
	WeightDecay      float64 `mapstructure:"weight_decay" yaml:"weight_decay"`
	WarmupProportion float64 `mapstructure:"warmup_proportion" yaml:"warmup_proportion"`
	GradClip         float64 `mapstructure:"grad_clip" yaml:"grad_clip"` // -1 disables clipping
	WaitPatience     int     `mapstructure:"wait_patience" yaml:"wait_patience"`
	EvalMonitor      string  `mapstructure:"eval_monitor" yaml:"eval_monitor"`
	Seed             int64   `mapstructure:"seed" yaml:"seed"`
	Workers          int     `mapstructure:"workers" yaml:"workers"`
	Prefetch         int     `mapstructure:"prefetch" yaml:"prefetch"`
	SaveModel        bool    `mapstructure:"save_model" yaml:"save_model"`
}

// OOD configures out-of-distribution splits and scoring.
type OOD struct {
	TrainOOD bool      `mapstructure:"train_ood" yaml:"train_ood"`
	TestOOD  bool      `mapstructure:"test_ood" yaml:"test_ood"`
	TestMode TestMode  `mapstructure:"test_mode" yaml:"test_mode"`
	Method   OODMethod `mapstructure:"method" yaml:"method"`
	DataPath string    `mapstructure:"data_path" yaml:"data_path"`
}

// Backend selects the network implementation.
type Backend struct {
	Kind     BackendKind `mapstructure:"kind" yaml:"kind"`
	Addr     string      `mapstructure:"addr" yaml:"addr"`
	FeatSize int         `mapstructure:"feat_size" yaml:"feat_size"`
}

// Output configures checkpoint and log locations.
type Output struct {
	Path      string `mapstructure:"path" yaml:"path"`
	ModelFile string `mapstructure:"model_file" yaml:"model_file"`
}

// Log configures the logrus formatter.
type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Config is the immutable run configuration. It is validated once by Load
// and passed by pointer to every component; nothing writes back into it.
type Config struct {
	Method  Method  `mapstructure:"method" yaml:"method"`
	Data    Data    `mapstructure:"data" yaml:"data"`
	Text    Text    `mapstructure:"text" yaml:"text"`
	Train   Train   `mapstructure:"train" yaml:"train"`
	OOD     OOD     `mapstructure:"ood" yaml:"ood"`
	Backend Backend `mapstructure:"backend" yaml:"backend"`
	Output  Output  `mapstructure:"output" yaml:"output"`
	Log     Log     `mapstructure:"log" yaml:"log"`

	spec DatasetSpec
}

// #endregion config-types

// #region defaults
// Default returns the baseline configuration used before file and env overrides.
func Default() Config {
	return Config{
		Method: MethodMAGBERT,
		Data: Data{
			Dataset: DatasetMIntRec,
			Path:    "data/MIntRec",
			Train:   true,
			Test:    true,
		},
		Text: Text{
			Backbone:    "bert-base-uncased",
			VocabPath:   "pretrained/bert-base-uncased/vocab.txt",
			DoLowerCase: true,
			SeqLen:      30,
			LabelLen:    4,
			Encoding:    EncodingStandard,
			CacheSize:   4096,
		},
		Train: Train{
			Enabled:          true,
			Epochs:           100,
			BatchSize:        16,
			EvalBatchSize:    8,
			TestBatchSize:    8,
			LR:               2e-5,
			WeightDecay:      0.01,
			WarmupProportion: 0.1,
			GradClip:         -1.0,
			WaitPatience:     8,
			EvalMonitor:      "f1",
			Seed:             0,
			Workers:          4,
			Prefetch:         8,
			SaveModel:        true,
		},
		OOD: OOD{
			TestMode: TestModeDetection,
			Method:   OODMSP,
		},
		Backend: Backend{
			Kind:     BackendLocal,
			Addr:     "localhost:50051",
			FeatSize: 768,
		},
		Output: Output{
			Path:      "outputs",
			ModelFile: "model.db",
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// #endregion defaults

// #region load
// Load reads defaults, an optional YAML file, MMI_* environment variables
// and bound command-line flags, then validates the result.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("MMI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"dataset":      "data.dataset",
	"data-path":    "data.path",
	"method":       "method",
	"encoding":     "text.encoding",
	"vocab":        "text.vocab_path",
	"epochs":       "train.epochs",
	"batch-size":   "train.batch_size",
	"lr":           "train.lr",
	"seed":         "train.seed",
	"train":        "train.enabled",
	"save-model":   "train.save_model",
	"test-ood":     "ood.test_ood",
	"test-mode":    "ood.test_mode",
	"ood-method":   "ood.method",
	"backend":      "backend.kind",
	"addr":         "backend.addr",
	"output":       "output.path",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"eval-monitor": "train.eval_monitor",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("method", string(d.Method))

	v.SetDefault("data.dataset", string(d.Data.Dataset))
	v.SetDefault("data.path", d.Data.Path)
	v.SetDefault("data.text_path", d.Data.TextPath)
	v.SetDefault("data.train", d.Data.Train)
	v.SetDefault("data.test", d.Data.Test)
	v.SetDefault("data.augment", d.Data.Augment)
	v.SetDefault("data.clustering", d.Data.Clustering)
	v.SetDefault("data.video_feats_path", d.Data.VideoFeatsPath)
	v.SetDefault("data.audio_feats_path", d.Data.AudioFeatsPath)

	v.SetDefault("text.backbone", d.Text.Backbone)
	v.SetDefault("text.vocab_path", d.Text.VocabPath)
	v.SetDefault("text.do_lower_case", d.Text.DoLowerCase)
	v.SetDefault("text.seq_len", d.Text.SeqLen)
	v.SetDefault("text.label_len", d.Text.LabelLen)
	v.SetDefault("text.encoding", string(d.Text.Encoding))
	v.SetDefault("text.cache_size", d.Text.CacheSize)

	v.SetDefault("train.enabled", d.Train.Enabled)
	v.SetDefault("train.epochs", d.Train.Epochs)
	v.SetDefault("train.batch_size", d.Train.BatchSize)
	v.SetDefault("train.eval_batch_size", d.Train.EvalBatchSize)
	v.SetDefault("train.test_batch_size", d.Train.TestBatchSize)
	v.SetDefault("train.lr", d.Train.LR)
	v.SetDefault("train.weight_decay", d.Train.WeightDecay)
	v.SetDefault("train.warmup_proportion", d.Train.WarmupProportion)
	v.SetDefault("train.grad_clip", d.Train.GradClip)
	v.SetDefault("train.wait_patience", d.Train.WaitPatience)
	v.SetDefault("train.eval_monitor", d.Train.EvalMonitor)
	v.SetDefault("train.seed", d.Train.Seed)
	v.SetDefault("train.workers", d.Train.Workers)
	v.SetDefault("train.prefetch", d.Train.Prefetch)
	v.SetDefault("train.save_model", d.Train.SaveModel)

	v.SetDefault("ood.train_ood", d.OOD.TrainOOD)
	v.SetDefault("ood.test_ood", d.OOD.TestOOD)
	v.SetDefault("ood.test_mode", string(d.OOD.TestMode))
	v.SetDefault("ood.method", string(d.OOD.Method))
	v.SetDefault("ood.data_path", d.OOD.DataPath)

	v.SetDefault("backend.kind", string(d.Backend.Kind))
	v.SetDefault("backend.addr", d.Backend.Addr)
	v.SetDefault("backend.feat_size", d.Backend.FeatSize)

	v.SetDefault("output.path", d.Output.Path)
	v.SetDefault("output.model_file", d.Output.ModelFile)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// #endregion load

// #region validate
// Validate resolves the dataset table and rejects unsupported identifiers
// and impossible sizes. It must run before any expensive work.
func (c *Config) Validate() error {
	spec, err := c.Data.Dataset.Spec()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(c.Text.Backbone, "bert") {
		return fmt.Errorf("%w: %q", ErrUnsupportedBackbone, c.Text.Backbone)
	}

	switch c.Method {
	case MethodMAGBERT, MethodMulT:
	default:
		return invalid("unknown method %q", c.Method)
	}
	switch c.Text.Encoding {
	case EncodingStandard:
	case EncodingConditional:
		if !spec.HasLabelColumn() {
			return invalid("conditional encoding needs a label column, %s has none", c.Data.Dataset)
		}
		if c.Text.LabelLen <= 0 {
			return invalid("text.label_len must be positive, got %d", c.Text.LabelLen)
		}
	default:
		return invalid("unknown text encoding %q", c.Text.Encoding)
	}
	if c.Text.SeqLen < 3 {
		return invalid("text.seq_len must be at least 3, got %d", c.Text.SeqLen)
	}

	if c.Train.Epochs <= 0 {
		return invalid("train.epochs must be positive, got %d", c.Train.Epochs)
	}
	for name, n := range map[string]int{
		"train.batch_size":      c.Train.BatchSize,
		"train.eval_batch_size": c.Train.EvalBatchSize,
		"train.test_batch_size": c.Train.TestBatchSize,
	} {
		if n <= 0 {
			return invalid("%s must be positive, got %d", name, n)
		}
	}
	if c.Train.WaitPatience <= 0 {
		return invalid("train.wait_patience must be positive, got %d", c.Train.WaitPatience)
	}
	if c.Train.WarmupProportion < 0 || c.Train.WarmupProportion > 1 {
		return invalid("train.warmup_proportion must be in [0,1], got %g", c.Train.WarmupProportion)
	}

	if c.OOD.TestOOD {
		switch c.OOD.TestMode {
		case TestModeOpenSet, TestModeDetection:
		default:
			return invalid("unknown ood.test_mode %q", c.OOD.TestMode)
		}
		switch c.OOD.Method {
		case OODMSP, OODMaxLogit, OODEnergy, OODResidual, OODMa, OODViM:
		default:
			return invalid("unknown ood.method %q", c.OOD.Method)
		}
		// the local network exposes no training features to fit on
		if c.OOD.TestMode == TestModeDetection && c.OOD.Method.NeedsFeatureSpace() && c.Backend.Kind == BackendLocal {
			return invalid("ood.method %q needs the remote backend", c.OOD.Method)
		}
	}

	switch c.Backend.Kind {
	case BackendLocal:
	case BackendRemote:
		if c.Backend.Addr == "" {
			return invalid("backend.addr is required for the remote backend")
		}
	default:
		return invalid("unknown backend.kind %q", c.Backend.Kind)
	}

	c.spec = spec
	return nil
}

// #endregion validate

// #region accessors
// DatasetSpec returns the table resolved by Validate.
func (c *Config) DatasetSpec() DatasetSpec {
	return c.spec
}

// NumLabels is the number of IND classes.
func (c *Config) NumLabels() int {
	return len(c.spec.Labels)
}

// OODLabelID is the sentinel class id carried by OOD samples. It is the
// index of the OOD label when the dataset lists it among its classes, and
// one past the last IND class otherwise.
func (c *Config) OODLabelID() int {
	for i, l := range c.spec.Labels {
		if l == c.spec.OODLabel {
			return i
		}
	}
	return len(c.spec.Labels)
}

// TextDataPath is the directory holding the TSV files.
func (c *Config) TextDataPath() string {
	if c.Data.TextPath != "" {
		return c.Data.TextPath
	}
	return c.Data.Path
}

// ModelPath is the checkpoint database location.
func (c *Config) ModelPath() string {
	return filepath.Join(c.Output.Path, c.Output.ModelFile)
}

// #endregion accessors

// #region write
// WriteYAML records the effective configuration next to a run's outputs.
func (c *Config) WriteYAML(path string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// #endregion write
