package mathutil

import "math"

// LogSumExp returns log(sum(exp(xs))) without overflowing on large inputs.
// An empty slice yields -Inf.
func LogSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}
	maxV := xs[0]
	for _, x := range xs[1:] {
		if x > maxV {
			maxV = x
		}
	}
	if math.IsInf(maxV, 0) {
		return maxV
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxV)
	}
	return maxV + math.Log(sum)
}

// LogSoftmaxAt returns log(softmax(row)[idx]) for a row of float32 logits.
func LogSoftmaxAt(row []float32, idx int) float64 {
	maxV := float64(row[0])
	for _, v := range row[1:] {
		if float64(v) > maxV {
			maxV = float64(v)
		}
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - maxV)
	}
	return float64(row[idx]) - maxV - math.Log(sum)
}

// Softmax converts scores into a probability distribution.
func Softmax(xs []float64) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	lse := LogSumExp(xs)
	for i, x := range xs {
		out[i] = math.Exp(x - lse)
	}
	return out
}
