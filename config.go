package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables read at start-up.
const (
	envSelectedGPUs = "FLAGS_selected_gpus"
	envCPUNum       = "CPU_NUM"
)

// OptionalInt is an integer that may be absent. YAML null, "None" and an
// empty value all decode to "not set".
type OptionalInt struct {
	Value int
	Valid bool
}

// Some returns a set OptionalInt.
func Some(v int) OptionalInt {
	return OptionalInt{Value: v, Valid: true}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *OptionalInt) UnmarshalYAML(node *yaml.Node) error {
	*o = OptionalInt{}
	if node.Tag == "!!null" {
		return nil
	}
	switch strings.TrimSpace(node.Value) {
	case "", "None", "none", "null", "~":
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(node.Value))
	if err != nil {
		return errors.Wrapf(err, "line %d: expected integer or None", node.Line)
	}
	*o = Some(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (o OptionalInt) MarshalYAML() (interface{}, error) {
	if !o.Valid {
		return nil, nil
	}
	return o.Value, nil
}

// FlexFloat is a float64 that also accepts quoted numbers such as "1e-9".
type FlexFloat float64

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *FlexFloat) UnmarshalYAML(node *yaml.Node) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(node.Value), 64)
	if err != nil {
		return errors.Wrapf(err, "line %d: expected number", node.Line)
	}
	*f = FlexFloat(v)
	return nil
}

// Config is the full training configuration, loaded once from YAML and
// treated as read-only afterwards.
type Config struct {
	// Device and reproducibility
	UseGPU     bool        `yaml:"use_gpu"`
	RandomSeed OptionalInt `yaml:"random_seed"`

	// Data
	TrainingFile  string   `yaml:"training_file"`
	SrcVocabFpath string   `yaml:"src_vocab_fpath"`
	TrgVocabFpath string   `yaml:"trg_vocab_fpath"`
	SpecialToken  []string `yaml:"special_token"`
	UnkIdx        int      `yaml:"unk_idx"`
	BatchSize     int      `yaml:"batch_size"`
	UseTokenBatch bool     `yaml:"use_token_batch"`
	PoolSize      int      `yaml:"pool_size"`
	SortType      string   `yaml:"sort_type"`
	Shuffle       bool     `yaml:"shuffle"`
	ShuffleBatch  bool     `yaml:"shuffle_batch"`
	PadSeq        int      `yaml:"pad_seq"`

	// Model
	SrcVocabSize  int     `yaml:"src_vocab_size"`
	TrgVocabSize  int     `yaml:"trg_vocab_size"`
	MaxLength     int     `yaml:"max_length"`
	NLayer        int     `yaml:"n_layer"`
	NHead         int     `yaml:"n_head"`
	DModel        int     `yaml:"d_model"`
	DInnerHid     int     `yaml:"d_inner_hid"`
	Dropout       float64 `yaml:"dropout"`
	WeightSharing bool    `yaml:"weight_sharing"`
	BosIdx        int     `yaml:"bos_idx"`
	EosIdx        int     `yaml:"eos_idx"`

	// Loss
	LabelSmoothEps float64 `yaml:"label_smooth_eps"`

	// Learning rate schedule and optimizer
	WarmupSteps  int       `yaml:"warmup_steps"`
	LearningRate float64   `yaml:"learning_rate"`
	Beta1        float64   `yaml:"beta1"`
	Beta2        float64   `yaml:"beta2"`
	Eps          FlexFloat `yaml:"eps"`

	// Distributed strategy
	UseAMP             bool      `yaml:"use_amp"`
	ScaleLoss          FlexFloat `yaml:"scale_loss"`
	AMPCustomWhiteList []string  `yaml:"amp_custom_white_list"`
	FuseGradSizeInMB   int       `yaml:"fuse_grad_size_in_MB"`

	// Loop
	Epoch     int         `yaml:"epoch"`
	MaxIter   OptionalInt `yaml:"max_iter"`
	PrintStep int         `yaml:"print_step"`
	SaveStep  int         `yaml:"save_step"`
	SaveModel string      `yaml:"save_model"`

	// Initialisation
	InitFromCheckpoint    string `yaml:"init_from_checkpoint"`
	InitFromPretrainModel string `yaml:"init_from_pretrain_model"`
}

// DefaultConfig returns the transformer-base settings. Values from the YAML
// file override these.
func DefaultConfig() *Config {
	return &Config{
		UseGPU:        false,
		SpecialToken:  []string{"<s>", "<e>", "<unk>"},
		UnkIdx:        2,
		BatchSize:     4096,
		UseTokenBatch: true,
		PoolSize:      200000,
		SortType:      SortPool,
		Shuffle:       true,
		ShuffleBatch:  true,
		PadSeq:        1,

		SrcVocabSize:  10000,
		TrgVocabSize:  10000,
		MaxLength:     256,
		NLayer:        6,
		NHead:         8,
		DModel:        512,
		DInnerHid:     2048,
		Dropout:       0.1,
		WeightSharing: true,
		BosIdx:        0,
		EosIdx:        1,

		LabelSmoothEps: 0.1,

		WarmupSteps:  8000,
		LearningRate: 2.0,
		Beta1:        0.9,
		Beta2:        0.997,
		Eps:          1e-9,

		UseAMP:             false,
		ScaleLoss:          1.0,
		AMPCustomWhiteList: []string{"softmax", "layer_norm", "gelu"},
		FuseGradSizeInMB:   16,

		Epoch:     30,
		PrintStep: 100,
		SaveStep:  10000,
		SaveModel: "trained_models",
	}
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the model or loop cannot run with.
func (c *Config) Validate() error {
	positive := map[string]int{
		"src_vocab_size": c.SrcVocabSize,
		"trg_vocab_size": c.TrgVocabSize,
		"max_length":     c.MaxLength,
		"n_layer":        c.NLayer,
		"n_head":         c.NHead,
		"d_model":        c.DModel,
		"d_inner_hid":    c.DInnerHid,
		"batch_size":     c.BatchSize,
		"epoch":          c.Epoch,
		"print_step":     c.PrintStep,
		"save_step":      c.SaveStep,
		"warmup_steps":   c.WarmupSteps,
		"pad_seq":        c.PadSeq,
	}
	for key, v := range positive {
		if v <= 0 {
			return errors.Errorf("config: %s must be positive, got %d", key, v)
		}
	}

	if c.DModel%c.NHead != 0 {
		return errors.Errorf("config: d_model %d not divisible by n_head %d", c.DModel, c.NHead)
	}
	if c.WeightSharing && c.SrcVocabSize != c.TrgVocabSize {
		return errors.Errorf("config: weight_sharing needs src_vocab_size == trg_vocab_size (%d vs %d)",
			c.SrcVocabSize, c.TrgVocabSize)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Errorf("config: dropout must be in [0, 1), got %v", c.Dropout)
	}
	if c.LabelSmoothEps < 0 || c.LabelSmoothEps >= 1 {
		return errors.Errorf("config: label_smooth_eps must be in [0, 1), got %v", c.LabelSmoothEps)
	}
	if c.UseAMP && c.ScaleLoss <= 0 {
		return errors.Errorf("config: scale_loss must be positive with use_amp, got %v", float64(c.ScaleLoss))
	}
	if c.MaxIter.Valid && c.MaxIter.Value < 0 {
		return errors.Errorf("config: max_iter must not be negative, got %d", c.MaxIter.Value)
	}
	switch c.SortType {
	case SortGlobal, SortPool, SortNone:
	default:
		return errors.Errorf("config: unknown sort_type %q", c.SortType)
	}
	if c.TrainingFile == "" || c.SrcVocabFpath == "" || c.TrgVocabFpath == "" {
		return errors.New("config: training_file, src_vocab_fpath and trg_vocab_fpath are required")
	}
	if len(c.SpecialToken) != 3 {
		return errors.Errorf("config: special_token needs <bos>, <eos>, <unk>, got %v", c.SpecialToken)
	}
	return nil
}

// TransformerConfig derives the model architecture. The position table has
// max_length+1 rows because targets carry an extra bos/eos token.
func (c *Config) TransformerConfig() TransformerConfig {
	return TransformerConfig{
		SrcVocabSize:  c.SrcVocabSize,
		TrgVocabSize:  c.TrgVocabSize,
		MaxLength:     c.MaxLength + 1,
		NumLayers:     c.NLayer,
		NumHeads:      c.NHead,
		DModel:        c.DModel,
		DInnerHid:     c.DInnerHid,
		Dropout:       c.Dropout,
		WeightSharing: c.WeightSharing,
		BosID:         c.BosIdx,
		EosID:         c.EosIdx,
	}
}

// Seed returns the configured random seed, or fallback when unset.
func (c *Config) Seed(fallback int64) int64 {
	if c.RandomSeed.Valid {
		return int64(c.RandomSeed.Value)
	}
	return fallback
}

// String renders the config as YAML for start-up logging.
func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(out)
}

// SelectedDevice returns the device index from FLAGS_selected_gpus (the
// first entry of a comma-separated list), defaulting to 0.
func SelectedDevice() (int, error) {
	raw := strings.TrimSpace(os.Getenv(envSelectedGPUs))
	if raw == "" {
		return 0, nil
	}
	first := strings.TrimSpace(strings.Split(raw, ",")[0])
	id, err := strconv.Atoi(first)
	if err != nil || id < 0 {
		return 0, errors.Errorf("invalid %s=%q", envSelectedGPUs, raw)
	}
	return id, nil
}

// CPUNum returns the number of CPU places from CPU_NUM, defaulting to 1.
func CPUNum() (int, error) {
	raw := strings.TrimSpace(os.Getenv(envCPUNum))
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.Errorf("invalid %s=%q", envCPUNum, raw)
	}
	return n, nil
}
