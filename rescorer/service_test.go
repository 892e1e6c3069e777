package rescorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel tokenizes on single spaces and assigns ids on first sight.
// Likelihood depends only on the ids so results are reproducible.
type fakeModel struct {
	id       string
	special  bool
	vocab    map[string]int
	words    []string
	calls    [][]int
	failWith error
	closed   bool
}

func newFakeModel(id string, special bool) *fakeModel {
	f := &fakeModel{id: id, special: special, vocab: map[string]int{}}
	if special {
		f.lookup("[CLS]")
		f.lookup("[SEP]")
	}
	return f
}

func (f *fakeModel) lookup(w string) int {
	if id, ok := f.vocab[w]; ok {
		return id
	}
	id := len(f.words)
	f.vocab[w] = id
	f.words = append(f.words, w)
	return id
}

func (f *fakeModel) Encode(text string) ([]int, error) {
	var ids []int
	if f.special {
		ids = append(ids, f.lookup("[CLS]"))
	}
	if text != "" {
		for _, w := range strings.Split(text, " ") {
			ids = append(ids, f.lookup(w))
		}
	}
	if f.special {
		ids = append(ids, f.lookup("[SEP]"))
	}
	return ids, nil
}

func (f *fakeModel) Decode(ids []int) string {
	words := make([]string, len(ids))
	for i, id := range ids {
		words[i] = f.words[id]
	}
	return strings.Join(words, " ")
}

func (f *fakeModel) Likelihood(_ context.Context, ids []int) (float64, error) {
	if f.failWith != nil {
		return 0, f.failWith
	}
	f.calls = append(f.calls, append([]int(nil), ids...))
	sum := 0
	for _, id := range ids {
		sum += id + 1
	}
	return 1 / float64(1+sum), nil
}

func (f *fakeModel) ModelID() string { return f.id }

func (f *fakeModel) Close() error {
	f.closed = true
	return nil
}

func (f *fakeModel) decodeCall(i int) string { return f.Decode(f.calls[i]) }

func testConfig(nbest int) Config {
	cfg := DefaultConfig()
	cfg.NBest = nbest
	return cfg
}

func sumOf(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func TestRescoreUtteranceMasksVaryingWords(t *testing.T) {
	causal := newFakeModel("causal", false)
	masked := newFakeModel("masked", true)
	svc, err := NewService([]NamedModel{{"gpt2", causal}, {"bert", masked}}, testConfig(2), zerolog.Nop())
	require.NoError(t, err)

	scores, err := svc.RescoreUtterance(context.Background(), []string{"a b", "a c"})
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "gpt2", scores[0].Name)
	assert.Equal(t, "bert", scores[1].Name)
	for _, s := range scores {
		assert.Len(t, s.Full, 2)
		assert.Len(t, s.Masked, 2)
		assert.InDelta(t, 1.0, sumOf(s.Full), 1e-9)
		assert.InDelta(t, 1.0, sumOf(s.Masked), 1e-9)
	}

	// Per hypothesis: full call then masked call.
	require.Len(t, causal.calls, 4)
	assert.Equal(t, "a b", causal.decodeCall(0))
	assert.Equal(t, "b", causal.decodeCall(1))
	assert.Equal(t, "a c", causal.decodeCall(2))
	assert.Equal(t, "c", causal.decodeCall(3))

	// Special tokens never appear in the frequency table, so they are kept.
	require.Len(t, masked.calls, 4)
	assert.Equal(t, "[CLS] a b [SEP]", masked.decodeCall(0))
	assert.Equal(t, "[CLS] b [SEP]", masked.decodeCall(1))
	assert.Equal(t, "[CLS] c [SEP]", masked.decodeCall(3))
}

func TestRescoreUtteranceAllSharedKeepsFirstToken(t *testing.T) {
	m := newFakeModel("m", false)
	svc, err := NewService([]NamedModel{{"gpt2", m}}, testConfig(10), zerolog.Nop())
	require.NoError(t, err)

	_, err = svc.RescoreUtterance(context.Background(), []string{"x y", "y x"})
	require.NoError(t, err)
	require.Len(t, m.calls, 4)
	assert.Equal(t, "x", m.decodeCall(1))
	assert.Equal(t, "y", m.decodeCall(3))
}

func TestRescoreUtteranceNBestPrefix(t *testing.T) {
	m := newFakeModel("m", false)
	svc, err := NewService([]NamedModel{{"gpt2", m}}, testConfig(2), zerolog.Nop())
	require.NoError(t, err)

	// "z" occurs in all three hypotheses, including the unscored third one.
	scores, err := svc.RescoreUtterance(context.Background(), []string{"z a", "z b", "z c"})
	require.NoError(t, err)
	assert.Len(t, scores[0].Full, 2)
	assert.Len(t, scores[0].Masked, 2)
	require.Len(t, m.calls, 4)
	assert.Equal(t, "a", m.decodeCall(1))
	assert.Equal(t, "b", m.decodeCall(3))

	scores, err = svc.RescoreUtterance(context.Background(), []string{"only"})
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, scores[0].Full)

	scores, err = svc.RescoreUtterance(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, scores[0].Full)
	assert.Empty(t, scores[0].Full)
}

func TestRescoreUtteranceEmptyHypothesis(t *testing.T) {
	causal := newFakeModel("causal", false)
	masked := newFakeModel("masked", true)
	svc, err := NewService([]NamedModel{{"gpt2", causal}, {"bert", masked}}, testConfig(10), zerolog.Nop())
	require.NoError(t, err)

	scores, err := svc.RescoreUtterance(context.Background(), []string{"a b", ""})
	require.NoError(t, err)
	for _, s := range scores {
		require.Len(t, s.Full, 2, s.Name)
		require.Len(t, s.Masked, 2, s.Name)
		assert.InDelta(t, 1.0, sumOf(s.Full), 1e-9, s.Name)
		assert.InDelta(t, 1.0, sumOf(s.Masked), 1e-9, s.Name)
	}

	// Without special tokens "" has no ids and never reaches the model.
	assert.Len(t, causal.calls, 2)
	assert.Greater(t, scores[0].Full[0], scores[0].Full[1])
	assert.Len(t, masked.calls, 4)
	assert.Equal(t, "[CLS] [SEP]", masked.decodeCall(2))
}

func TestSequenceScoreNoTokens(t *testing.T) {
	m := newFakeModel("m", false)
	v, err := SequenceScore(context.Background(), m, "")
	require.NoError(t, err)
	assert.Zero(t, v)

	v, err = MaskedScore(context.Background(), m, "", BuildFrequencies([]string{"", "a"}))
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.Empty(t, m.calls)
}

func TestRescoreUtteranceNormalize(t *testing.T) {
	m := newFakeModel("m", false)
	cfg := testConfig(2)
	cfg.Normalize = true
	svc, err := NewService([]NamedModel{{"gpt2", m}}, cfg, zerolog.Nop())
	require.NoError(t, err)

	hyps := []string{"ａ b ", "a c"}
	_, err = svc.RescoreUtterance(context.Background(), hyps)
	require.NoError(t, err)
	assert.Equal(t, "a b", m.decodeCall(0))
	assert.Equal(t, "b", m.decodeCall(1))
	assert.Equal(t, "ａ b ", hyps[0])
}

func TestRescoreUtteranceModelError(t *testing.T) {
	m := newFakeModel("m", false)
	boom := errors.New("boom")
	m.failWith = boom
	svc, err := NewService([]NamedModel{{"gpt2", m}}, testConfig(2), zerolog.Nop())
	require.NoError(t, err)
	_, err = svc.RescoreUtterance(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, boom)
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(nil, testConfig(1), zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoModels)

	_, err = NewService([]NamedModel{{"gpt2", nil}}, testConfig(1), zerolog.Nop())
	assert.Error(t, err)

	m := newFakeModel("m", false)
	_, err = NewService([]NamedModel{{"gpt2", m}, {"gpt2", m}}, testConfig(1), zerolog.Nop())
	assert.Error(t, err)
}

func TestServiceConfigIsDetached(t *testing.T) {
	cfg := testConfig(0)
	svc, err := NewService([]NamedModel{{"gpt2", newFakeModel("m", false)}}, cfg, zerolog.Nop())
	require.NoError(t, err)

	cfg.Models[0].Name = "changed"
	got := svc.Config()
	assert.Equal(t, 10, got.NBest)
	assert.Equal(t, "gpt2", got.Models[0].Name)

	got.Models[0].Name = "again"
	assert.Equal(t, "gpt2", svc.Config().Models[0].Name)
}

func TestRescoreAllIsIdempotent(t *testing.T) {
	run := func(cache *ScoreCache) ([]byte, *fakeModel) {
		causal := newFakeModel("causal", false)
		masked := newFakeModel("masked", true)
		opts := []Option{}
		if cache != nil {
			opts = append(opts, WithCache(cache))
		}
		svc, err := NewService([]NamedModel{{"gpt2", causal}, {"bert", masked}}, testConfig(2), zerolog.Nop(), opts...)
		require.NoError(t, err)
		d, err := ParseHypotheses([]byte(sampleDict))
		require.NoError(t, err)
		require.NoError(t, svc.RescoreAll(context.Background(), d))
		out, err := json.MarshalIndent(d, "", "  ")
		require.NoError(t, err)
		return out, causal
	}

	plain1, _ := run(nil)
	plain2, _ := run(nil)
	assert.Equal(t, plain1, plain2)

	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "cache")
	cold, err := NewScoreCache(ctx, CacheConfig{Dir: dir}, zerolog.Nop())
	require.NoError(t, err)
	cached1, _ := run(cold)
	warm, err := NewScoreCache(ctx, CacheConfig{Dir: dir}, zerolog.Nop())
	require.NoError(t, err)
	cached2, causal := run(warm)
	assert.Equal(t, plain1, cached1)
	assert.Equal(t, plain1, cached2)
	assert.Empty(t, causal.calls, "warm cache should answer every lookup")

	var out map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(plain1, &out))
	for _, key := range []string{"gpt2_scores", "bert_scores", "gpt2_mask_scores", "bert_mask_scores"} {
		var xs []float64
		require.NoError(t, json.Unmarshal(out["utt-2"][key], &xs), key)
		assert.Len(t, xs, 2)
		assert.InDelta(t, 1.0, sumOf(xs), 1e-9)
		require.NoError(t, json.Unmarshal(out["utt-1"][key], &xs), key)
		assert.Empty(t, xs)
	}
}

func TestRescoreAllCancelled(t *testing.T) {
	m := newFakeModel("m", false)
	svc, err := NewService([]NamedModel{{"gpt2", m}}, testConfig(2), zerolog.Nop())
	require.NoError(t, err)
	d, err := ParseHypotheses([]byte(sampleDict))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, svc.RescoreAll(ctx, d), context.Canceled)
	assert.Empty(t, m.calls)
}

func TestRescoreAllProgressAndClose(t *testing.T) {
	m := newFakeModel("m", false)
	var buf bytes.Buffer
	svc, err := NewService([]NamedModel{{"gpt2", m}}, testConfig(2), zerolog.Nop(), WithProgress(&buf))
	require.NoError(t, err)
	d, err := ParseHypotheses([]byte(sampleDict))
	require.NoError(t, err)
	require.NoError(t, svc.RescoreAll(context.Background(), d))
	assert.NotZero(t, buf.Len())

	require.NoError(t, svc.Close())
	assert.True(t, m.closed)
}
