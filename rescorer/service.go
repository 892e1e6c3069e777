package rescorer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v2"

	"yashubustudio/nbestscore/internal/mathutil"
	"yashubustudio/nbestscore/internal/metrics"
)

// NamedModel pairs a model with the name used in output keys.
type NamedModel struct {
	Name  string
	Model LanguageModel
}

// Option configures a Service.
type Option func(*Service)

// WithCache memoizes likelihoods in c. The service takes ownership of c.
func WithCache(c *ScoreCache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithProgress renders a progress bar on w during RescoreAll.
func WithProgress(w io.Writer) Option {
	return func(s *Service) {
		s.progress = w
	}
}

// Service scores hypothesis sets with every configured model.
type Service struct {
	models   []*cachedModel
	cfg      Config
	cache    *ScoreCache
	progress io.Writer
	logger   zerolog.Logger
}

// NewService constructs a service over the given models. Models are scored
// and written in the order given.
func NewService(models []NamedModel, cfg Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if len(models) == 0 {
		return nil, ErrNoModels
	}
	cfg = cfg.Clone()
	cfg.ApplyDefaults()
	s := &Service{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	seen := make(map[string]struct{}, len(models))
	for _, nm := range models {
		if nm.Model == nil {
			return nil, fmt.Errorf("model %q is nil", nm.Name)
		}
		if _, dup := seen[nm.Name]; dup {
			return nil, fmt.Errorf("duplicate model name %q", nm.Name)
		}
		seen[nm.Name] = struct{}{}
		s.models = append(s.models, &cachedModel{LanguageModel: nm.Model, name: nm.Name, cache: s.cache})
	}
	return s, nil
}

// Config returns a copy of the effective configuration.
func (s *Service) Config() Config {
	return s.cfg.Clone()
}

// Close releases every model and the cache.
func (s *Service) Close() error {
	var errs []error
	for _, m := range s.models {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", m.name, err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RescoreUtterance scores the first nbest hypotheses with every model.
// Word frequencies are built from all hypotheses. Each returned vector is
// softmax-normalized over the scored hypotheses.
func (s *Service) RescoreUtterance(ctx context.Context, hypotheses []string) ([]Scores, error) {
	texts := hypotheses
	if s.cfg.Normalize {
		texts = NormalizeAll(hypotheses)
	}
	freqs := BuildFrequencies(texts)
	n := min(s.cfg.NBest, len(texts))

	out := make([]Scores, 0, len(s.models))
	for _, m := range s.models {
		full := make([]float64, n)
		masked := make([]float64, n)
		for i, text := range texts[:n] {
			var err error
			if full[i], err = SequenceScore(ctx, m, text); err != nil {
				return nil, fmt.Errorf("%s score hypothesis %d: %w", m.name, i, err)
			}
			if masked[i], err = MaskedScore(ctx, m, text, freqs); err != nil {
				return nil, fmt.Errorf("%s masked score hypothesis %d: %w", m.name, i, err)
			}
		}
		metrics.RecordHypotheses(m.name, "full", n)
		metrics.RecordHypotheses(m.name, "masked", n)
		out = append(out, Scores{
			Name:   m.name,
			Full:   mathutil.Softmax(full),
			Masked: mathutil.Softmax(masked),
		})
	}
	return out, nil
}

// RescoreAll rescores every utterance of d in place. It stops between
// utterances when ctx is cancelled.
func (s *Service) RescoreAll(ctx context.Context, d *HypothesisDict) error {
	var bar *progressbar.ProgressBar
	if s.progress != nil {
		bar = progressbar.NewOptions(len(d.Utterances),
			progressbar.OptionSetWriter(s.progress),
			progressbar.OptionSetDescription("rescoring"),
		)
	}
	for _, u := range d.Utterances {
		if err := ctx.Err(); err != nil {
			return err
		}
		scores, err := s.RescoreUtterance(ctx, u.Hypotheses)
		if err != nil {
			return fmt.Errorf("utterance %s: %w", u.ID, err)
		}
		if err := u.SetScores(scores); err != nil {
			return fmt.Errorf("utterance %s: %w", u.ID, err)
		}
		metrics.RecordUtterance()
		s.logger.Debug().
			Str("utterance", u.ID).
			Int("hypotheses", len(u.Hypotheses)).
			Msg("rescored")
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
		_, _ = io.WriteString(s.progress, "\n")
	}
	return nil
}
