package rescorer

import (
	"context"
	"fmt"
	"time"

	"yashubustudio/nbestscore/internal/metrics"
	"yashubustudio/nbestscore/lm"
)

// LanguageModel exposes the minimal surface required by the service layer.
type LanguageModel interface {
	// Encode tokenizes text, special tokens included.
	Encode(text string) ([]int, error)
	// Decode maps ids back to text, special tokens included.
	Decode(ids []int) string
	// Likelihood returns exp(-mean cross-entropy) of ids against themselves.
	Likelihood(ctx context.Context, ids []int) (float64, error)
	ModelID() string
	Close() error
}

// OrtModel is a thin wrapper over lm.Model.
type OrtModel struct {
	m   *lm.Model
	cfg ModelConfig
}

// NewOrtModel loads the model and tokenizer described by cfg.
func NewOrtModel(cfg ModelConfig, ortDLL, device string, deviceID int) (*OrtModel, error) {
	m := &lm.Model{}
	if err := m.Init(lm.Config{
		OrtDLL:        ortDLL,
		ModelPath:     cfg.ModelPath,
		TokenizerPath: cfg.TokenizerPath,
		Kind:          cfg.Kind,
		MaxSeqLen:     cfg.MaxSeqLen,
		Device:        device,
		DeviceID:      deviceID,
	}); err != nil {
		return nil, fmt.Errorf("model %s: %w", cfg.Name, err)
	}
	return &OrtModel{m: m, cfg: cfg}, nil
}

// Device reports where inference runs.
func (o *OrtModel) Device() string { return o.m.Device() }

// ModelID identifies the model in cache keys.
func (o *OrtModel) ModelID() string { return o.cfg.Name + "@" + o.cfg.ModelPath }

func (o *OrtModel) Encode(text string) ([]int, error) { return o.m.Encode(text) }

func (o *OrtModel) Decode(ids []int) string { return o.m.Decode(ids) }

func (o *OrtModel) Likelihood(_ context.Context, ids []int) (float64, error) {
	return o.m.Likelihood(ids)
}

// Close releases ORT resources.
func (o *OrtModel) Close() error {
	if o == nil || o.m == nil {
		return nil
	}
	o.m.Close()
	o.m = nil
	return nil
}

// cachedModel consults the score cache before running the wrapped model
// and records forward pass timings.
type cachedModel struct {
	LanguageModel
	name  string
	cache *ScoreCache
}

func (c *cachedModel) Likelihood(ctx context.Context, ids []int) (float64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	key := CacheKey(c.ModelID(), ids)
	if c.cache != nil {
		if v, ok := c.cache.Get(ctx, key); ok {
			return v, nil
		}
	}
	start := time.Now()
	v, err := c.LanguageModel.Likelihood(ctx, ids)
	if err != nil {
		return 0, err
	}
	metrics.ObserveForward(c.name, time.Since(start))
	if c.cache != nil {
		c.cache.Put(ctx, key, v)
	}
	return v, nil
}
