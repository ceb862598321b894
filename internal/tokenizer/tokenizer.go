// Package tokenizer implements the byte-level BPE tokenizers shipped as
// tokenizer.json with Hugging Face checkpoints.
package tokenizer

// Tokenizer is what the generation loop needs from a vocabulary.
type Tokenizer interface {
	// Encode splits text into ids. addSpecial controls whether the
	// post-processor tokens (BOS/EOS) are added around the text; special
	// tokens written inline are always honoured.
	Encode(text string, addSpecial bool) ([]int, error)
	Decode(ids []int) (string, error)
	// TokenID looks up the id of an exact vocabulary entry.
	TokenID(token string) (int, bool)
}
