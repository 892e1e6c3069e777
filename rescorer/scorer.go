package rescorer

import "context"

// SequenceScore returns the likelihood of the whole tokenized text. Text that
// tokenizes to nothing has no targets and scores 0.
func SequenceScore(ctx context.Context, m LanguageModel, text string) (float64, error) {
	ids, err := m.Encode(text)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return m.Likelihood(ctx, ids)
}

// MaskedScore returns the likelihood of only the tokens at the varying word
// positions. Positions are taken from the tokenizer round-trip of text, so
// special tokens such as [CLS] count as words.
func MaskedScore(ctx context.Context, m LanguageModel, text string, freqs WordFrequencies) (float64, error) {
	ids, err := m.Encode(text)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	positions := freqs.MaskPositions(m.Decode(ids))
	return m.Likelihood(ctx, SelectTokens(ids, positions))
}
