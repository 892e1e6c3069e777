package lm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeanCrossEntropyMasked(t *testing.T) {
	// Two tokens over a vocab of two; uniform logits give log(2) per token.
	logits := []float32{0, 0, 0, 0}
	loss, err := MeanCrossEntropy(KindMasked, logits, 2, []int{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2), loss, 1e-9)
	assert.InDelta(t, 0.5, Likelihood(loss), 1e-9)
}

func TestMeanCrossEntropyCausalShiftsTargets(t *testing.T) {
	// Row 0 strongly predicts token 1, row 1 is never used as a source.
	logits := []float32{
		-10, 10,
		10, -10,
	}
	loss, err := MeanCrossEntropy(KindCausal, logits, 2, []int{0, 1})
	require.NoError(t, err)
	assert.Less(t, loss, 1e-6)

	// Under a masked model the same table scores the wrong tokens.
	masked, err := MeanCrossEntropy(KindMasked, logits, 2, []int{0, 1})
	require.NoError(t, err)
	assert.Greater(t, masked, 10.0)
}

func TestMeanCrossEntropySingleCausalToken(t *testing.T) {
	loss, err := MeanCrossEntropy(KindCausal, []float32{1, 2, 3}, 3, []int{2})
	require.NoError(t, err)
	assert.True(t, math.IsInf(loss, 1))
	assert.Equal(t, 0.0, Likelihood(loss))
}

func TestMeanCrossEntropyErrors(t *testing.T) {
	_, err := MeanCrossEntropy(KindMasked, []float32{0, 0}, 2, []int{0, 1})
	assert.Error(t, err)

	_, err = MeanCrossEntropy(KindMasked, []float32{0, 0}, 2, []int{5})
	assert.Error(t, err)

	_, err = MeanCrossEntropy(Kind("seq2seq"), []float32{0, 0}, 2, []int{0})
	assert.Error(t, err)

	_, err = MeanCrossEntropy(KindMasked, nil, 0, nil)
	assert.Error(t, err)
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindCausal.Valid())
	assert.True(t, KindMasked.Valid())
	assert.False(t, Kind("").Valid())
}
