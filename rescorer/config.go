package rescorer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"yashubustudio/nbestscore/lm"
)

const defaultConfigFile = "config.json"

// ErrNoModels is returned when no model is configured.
var ErrNoModels = errors.New("at least one model is required")

// DefaultModels returns the causal/masked pair the tool ships with.
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{
			Name:          "gpt2",
			Kind:          lm.KindCausal,
			ModelPath:     "./models/gpt2/model.onnx",
			TokenizerPath: "./models/gpt2/tokenizer.json",
			MaxSeqLen:     1024,
		},
		{
			Name:          "bert",
			Kind:          lm.KindMasked,
			ModelPath:     "./models/bert-base-uncased/model.onnx",
			TokenizerPath: "./models/bert-base-uncased/tokenizer.json",
			MaxSeqLen:     512,
		},
	}
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	cfg := Config{Progress: true}
	cfg.ApplyDefaults()
	return cfg
}

// LoadConfig loads configuration from the given path or the default
// config.json. JSON and YAML are accepted; NBEST_* environment variables
// override file values (NBEST_NBEST, NBEST_CACHE_DIR, ...). A missing
// default file yields the defaults; a missing explicit file is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}
	v := viper.New()
	setViperDefaults(v)
	v.SetEnvPrefix("NBEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if _, err := os.Stat(path); err == nil || explicit {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Cache.Dir != "" {
		if err := os.MkdirAll(cfg.Cache.Dir, 0o755); err != nil {
			return cfg, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return cfg, nil
}

func setViperDefaults(v *viper.Viper) {
	v.SetDefault("testSet", "test_other")
	v.SetDefault("nbest", 10)
	v.SetDefault("inputDir", ".")
	v.SetDefault("outputDir", ".")
	v.SetDefault("normalize", false)
	v.SetDefault("progress", true)
	v.SetDefault("metricsFile", "")
	v.SetDefault("ortDll", "")
	v.SetDefault("device", lm.DeviceAuto)
	v.SetDefault("deviceId", 0)
	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.redisUrl", "")
	v.SetDefault("cache.ttl", "0s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxSizeMb", 100)
	v.SetDefault("log.maxBackups", 3)
}

// SaveConfig persists configuration to disk as JSON.
func SaveConfig(path string, cfg Config) error {
	if path == "" {
		path = defaultConfigFile
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	cfg.ApplyDefaults()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ApplyDefaults populates zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.TestSet == "" {
		c.TestSet = "test_other"
	}
	if c.NBest == 0 {
		c.NBest = 10
	}
	if c.InputDir == "" {
		c.InputDir = "."
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	if c.Device == "" {
		c.Device = lm.DeviceAuto
	}
	if len(c.Models) == 0 {
		c.Models = DefaultModels()
	}
	for i := range c.Models {
		m := &c.Models[i]
		m.Kind = lm.Kind(strings.ToLower(string(m.Kind)))
		if m.MaxSeqLen == 0 {
			if m.Kind == lm.KindCausal {
				m.MaxSeqLen = 1024
			} else {
				m.MaxSeqLen = 512
			}
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if c.NBest < 1 {
		return fmt.Errorf("nbest: must be positive, got %d", c.NBest)
	}
	switch c.Device {
	case lm.DeviceAuto, lm.DeviceCPU, lm.DeviceCUDA:
	default:
		return fmt.Errorf("device: unsupported value %q", c.Device)
	}
	if len(c.Models) == 0 {
		return ErrNoModels
	}
	seen := make(map[string]struct{}, len(c.Models))
	for i, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("models[%d].name: must be specified", i)
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("models[%d].name: duplicate %q", i, m.Name)
		}
		seen[m.Name] = struct{}{}
		if !m.Kind.Valid() {
			return fmt.Errorf("models[%d].kind: unsupported value %q", i, m.Kind)
		}
		if m.ModelPath == "" {
			return fmt.Errorf("models[%d].modelPath: must be specified", i)
		}
		if m.TokenizerPath == "" {
			return fmt.Errorf("models[%d].tokenizerPath: must be specified", i)
		}
	}
	if c.Cache.TTL < 0 {
		return errors.New("cache.ttl: must not be negative")
	}
	return nil
}
