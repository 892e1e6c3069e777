package rescorer

import (
	"slices"
	"time"

	"yashubustudio/nbestscore/lm"
)

// ModelConfig describes one pretrained model used for rescoring. Name
// prefixes the output keys: <name>_scores and <name>_mask_scores.
type ModelConfig struct {
	Name          string  `json:"name" mapstructure:"name"`
	Kind          lm.Kind `json:"kind" mapstructure:"kind"`
	ModelPath     string  `json:"modelPath" mapstructure:"modelPath"`
	TokenizerPath string  `json:"tokenizerPath" mapstructure:"tokenizerPath"`
	MaxSeqLen     int     `json:"maxSeqLen" mapstructure:"maxSeqLen"`
}

// CacheConfig wraps the score cache layers. Memory caching is always on.
type CacheConfig struct {
	Dir      string        `json:"dir" mapstructure:"dir"`
	RedisURL string        `json:"redisUrl" mapstructure:"redisUrl"`
	TTL      time.Duration `json:"ttl" mapstructure:"ttl"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	MaxSizeMB  int    `json:"maxSizeMb" mapstructure:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups" mapstructure:"maxBackups"`
}

// Config aggregates runtime settings persisted to config.json.
type Config struct {
	TestSet     string        `json:"testSet" mapstructure:"testSet"`
	NBest       int           `json:"nbest" mapstructure:"nbest"`
	InputDir    string        `json:"inputDir" mapstructure:"inputDir"`
	OutputDir   string        `json:"outputDir" mapstructure:"outputDir"`
	Normalize   bool          `json:"normalize" mapstructure:"normalize"`
	Progress    bool          `json:"progress" mapstructure:"progress"`
	MetricsFile string        `json:"metricsFile" mapstructure:"metricsFile"`
	OrtDLL      string        `json:"ortDll" mapstructure:"ortDll"`
	Device      string        `json:"device" mapstructure:"device"`
	DeviceID    int           `json:"deviceId" mapstructure:"deviceId"`
	Models      []ModelConfig `json:"models" mapstructure:"models"`
	Cache       CacheConfig   `json:"cache" mapstructure:"cache"`
	Log         LogConfig     `json:"log" mapstructure:"log"`
}

// Clone returns a copy of c that shares no slices with it.
func (c Config) Clone() Config {
	c.Models = slices.Clone(c.Models)
	return c
}

// Scores holds the softmax-normalized scores of one model for one utterance.
type Scores struct {
	Name   string
	Full   []float64
	Masked []float64
}

// FullKey is the output field holding the full-sequence scores.
func (s Scores) FullKey() string { return s.Name + "_scores" }

// MaskedKey is the output field holding the masked scores.
func (s Scores) MaskedKey() string { return s.Name + "_mask_scores" }
