package textfeat

import (
	"fmt"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/example"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/tokenizer"
)

// #region truncate
// TruncatePair shortens a and b until len(a)+len(b) <= budget, dropping one
// token at a time from the longer side. a loses tokens from the front
// (it is dialogue context, so recent tokens are kept); b loses tokens from
// the back. The inputs are not modified.
func TruncatePair(a, b []string, budget int) ([]string, []string) {
	for len(a)+len(b) > budget {
		if len(a) > len(b) {
			a = a[1:]
		} else {
			b = b[:len(b)-1]
		}
	}
	return a, b
}

// #endregion truncate

// #region encoder
// SplitEncoder encodes a split's examples.
type SplitEncoder interface {
	EncodeExamples(exs []example.Example) (Encoded, error)
	Derived() Derived
}

// Encoder produces standard [CLS] a [SEP] (b [SEP]) features of length L.
type Encoder struct {
	tok       tokenizer.Tokenizer
	maxSeqLen int
}

// NewEncoder returns an encoder producing features of length maxSeqLen.
func NewEncoder(tok tokenizer.Tokenizer, maxSeqLen int) *Encoder {
	return &Encoder{tok: tok, maxSeqLen: maxSeqLen}
}

// MaxSeqLen is L.
func (e *Encoder) MaxSeqLen() int {
	return e.maxSeqLen
}

// tokens returns the truncated primary and secondary tokens for ex.
func (e *Encoder) tokens(ex example.Example) ([]string, []string) {
	a := e.tok.Tokenize(ex.TextA)
	if ex.TextB != "" {
		return TruncatePair(a, e.tok.Tokenize(ex.TextB), e.maxSeqLen-3)
	}
	if len(a) > e.maxSeqLen-2 {
		a = a[:e.maxSeqLen-2]
	}
	return a, nil
}

// Encode encodes a single example.
func (e *Encoder) Encode(ex example.Example) (Feature, error) {
	a, b := e.tokens(ex)

	toks := make([]string, 0, e.maxSeqLen)
	toks = append(toks, tokenizer.CLS)
	toks = append(toks, a...)
	toks = append(toks, tokenizer.SEP)
	segs := make([]int, len(toks))
	if len(b) > 0 {
		toks = append(toks, b...)
		toks = append(toks, tokenizer.SEP)
		for range len(b) + 1 {
			segs = append(segs, 1)
		}
	}

	ids := e.tok.ConvertTokensToIDs(toks)
	f := Feature{
		InputIDs:   pad(ids, e.maxSeqLen),
		InputMask:  pad(ones(len(ids)), e.maxSeqLen),
		SegmentIDs: pad(segs, e.maxSeqLen),
	}
	if err := f.check(e.maxSeqLen); err != nil {
		return Feature{}, fmt.Errorf("encode %s: %w", ex.GUID, err)
	}
	return f, nil
}

// EncodeExamples implements SplitEncoder.
func (e *Encoder) EncodeExamples(exs []example.Example) (Encoded, error) {
	out := Encoded{
		Features: make([]Feature, 0, len(exs)),
		Labels:   make([]string, 0, len(exs)),
	}
	for _, ex := range exs {
		f, err := e.Encode(ex)
		if err != nil {
			return Encoded{}, err
		}
		out.Features = append(out.Features, f)
		out.Labels = append(out.Labels, ex.Label)
	}
	return out, nil
}

// Derived implements SplitEncoder.
func (e *Encoder) Derived() Derived {
	return Derived{}
}

// #endregion encoder
