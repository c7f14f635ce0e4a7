// Package tokenizer provides the subword tokenizer consumed by feature
// encoding: a BERT-style WordPiece backend and an LRU-cached wrapper.
package tokenizer

// #region special-tokens
const (
	CLS  = "[CLS]"
	SEP  = "[SEP]"
	MASK = "[MASK]"
	PAD  = "[PAD]"
	UNK  = "[UNK]"
)

// #endregion special-tokens

// #region interface
// Tokenizer splits text into subword tokens and maps tokens to vocabulary ids.
// Unknown tokens map to the id of UNK.
type Tokenizer interface {
	Tokenize(text string) []string
	ConvertTokensToIDs(tokens []string) []int
}

// #endregion interface
