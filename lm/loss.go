package lm

import (
	"fmt"
	"math"

	"yashubustudio/nbestscore/internal/mathutil"
)

// Kind selects how a model's logits line up with its targets.
type Kind string

const (
	// KindCausal models predict the next token: logits at t score ids[t+1].
	KindCausal Kind = "causal"
	// KindMasked models reconstruct the input: logits at t score ids[t].
	KindMasked Kind = "masked"
)

// Valid reports whether k is a known model kind.
func (k Kind) Valid() bool {
	return k == KindCausal || k == KindMasked
}

// MeanCrossEntropy returns the mean token cross-entropy of ids given logits
// laid out row-major as [len(ids)][vocab]. The input is its own target.
// A sequence without any target (a single token under a causal model)
// returns +Inf.
func MeanCrossEntropy(kind Kind, logits []float32, vocab int, ids []int) (float64, error) {
	if vocab <= 0 {
		return 0, fmt.Errorf("invalid vocab size %d", vocab)
	}
	if len(logits) < len(ids)*vocab {
		return 0, fmt.Errorf("logits length %d too small for %d tokens x %d vocab", len(logits), len(ids), vocab)
	}
	shift := 0
	switch kind {
	case KindCausal:
		shift = 1
	case KindMasked:
	default:
		return 0, fmt.Errorf("unknown model kind %q", kind)
	}
	var total float64
	n := 0
	for t := 0; t+shift < len(ids); t++ {
		target := ids[t+shift]
		if target < 0 || target >= vocab {
			return 0, fmt.Errorf("token id %d outside vocab of %d", target, vocab)
		}
		row := logits[t*vocab : (t+1)*vocab]
		total -= mathutil.LogSoftmaxAt(row, target)
		n++
	}
	if n == 0 {
		return math.Inf(1), nil
	}
	return total / float64(n), nil
}

// Likelihood converts a mean cross-entropy into exp(-loss), the geometric
// mean per-token probability.
func Likelihood(loss float64) float64 {
	return math.Exp(-loss)
}
