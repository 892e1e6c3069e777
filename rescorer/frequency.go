package rescorer

import "strings"

// WordFrequencies counts words across all hypotheses of one utterance.
// Words are the pieces of a single-space split, so repeated spaces yield
// empty words that are counted like any other.
type WordFrequencies struct {
	Counts map[string]int
	// N is the number of hypotheses the table was built from.
	N int
}

// BuildFrequencies counts every word of every hypothesis.
func BuildFrequencies(hypotheses []string) WordFrequencies {
	f := WordFrequencies{
		Counts: make(map[string]int),
		N:      len(hypotheses),
	}
	for _, h := range hypotheses {
		for _, w := range splitWords(h) {
			f.Counts[w]++
		}
	}
	return f
}

// Shared reports whether word occurs exactly N times, i.e. it is filler
// common to every hypothesis.
func (f WordFrequencies) Shared(word string) bool {
	n, ok := f.Counts[word]
	return ok && n == f.N
}

// MaskPositions returns the word positions of sentence that vary between
// hypotheses: words whose count differs from N or that were never counted.
// The result is never empty; position 0 stands in when every word is shared.
func (f WordFrequencies) MaskPositions(sentence string) []int {
	var positions []int
	for i, w := range splitWords(sentence) {
		if !f.Shared(w) {
			positions = append(positions, i)
		}
	}
	if len(positions) == 0 {
		positions = append(positions, 0)
	}
	return positions
}

// SelectTokens keeps ids at the given positions, in order. Positions past
// the end are ignored; if nothing survives the first id is kept.
func SelectTokens(ids []int, positions []int) []int {
	out := make([]int, 0, len(positions))
	for _, p := range positions {
		if p >= 0 && p < len(ids) {
			out = append(out, ids[p])
		}
	}
	if len(out) == 0 && len(ids) > 0 {
		out = append(out, ids[0])
	}
	return out
}

func splitWords(s string) []string {
	return strings.Split(s, " ")
}
