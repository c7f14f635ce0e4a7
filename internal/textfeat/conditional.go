package textfeat

import (
	"fmt"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/config"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/example"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/tokenizer"
)

// #region conditional
// PromptWidth is the number of placeholder tokens between the utterance and
// the label span.
const PromptWidth = 3

// promptToken fills the prompt and the unused label span of conditional
// features. It is deliberately not the [MASK] special token.
const promptToken = "MASK"

// ConditionalEncoder produces paired base and label-conditioned features of
// length L' = L + PromptWidth + labelLen.
type ConditionalEncoder struct {
	base     *Encoder
	labelLen int
	spec     config.DatasetSpec
}

// NewConditionalEncoder validates that the dataset carries labels with a
// description table.
func NewConditionalEncoder(tok tokenizer.Tokenizer, maxSeqLen, labelLen int, spec config.DatasetSpec) (*ConditionalEncoder, error) {
	if !spec.HasLabelColumn() {
		return nil, fmt.Errorf("%w: conditional encoding needs labels", config.ErrInvalid)
	}
	if !spec.LabelIsDescription && len(spec.Descriptions) == 0 {
		return nil, fmt.Errorf("%w: dataset has no label descriptions", config.ErrInvalid)
	}
	if labelLen <= 0 {
		return nil, fmt.Errorf("%w: label_len must be positive, got %d", config.ErrInvalid, labelLen)
	}
	return &ConditionalEncoder{base: NewEncoder(tok, maxSeqLen), labelLen: labelLen, spec: spec}, nil
}

// ConsSeqLen is L'.
func (c *ConditionalEncoder) ConsSeqLen() int {
	return c.base.maxSeqLen + PromptWidth + c.labelLen
}

// Derived implements SplitEncoder.
func (c *ConditionalEncoder) Derived() Derived {
	return Derived{MaxConsSeqLen: c.ConsSeqLen()}
}

func (c *ConditionalEncoder) describe(label string) (string, error) {
	if c.spec.LabelIsDescription && label != "" {
		return label, nil
	}
	d, ok := c.spec.Descriptions[label]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnmappedLabel, label)
	}
	return d, nil
}

// Encode returns the base feature, the label-conditioned feature and the
// offset where the condition span starts. Secondary text only participates
// in truncation.
func (c *ConditionalEncoder) Encode(ex example.Example) (Feature, Feature, int, error) {
	desc, err := c.describe(ex.Label)
	if err != nil {
		return Feature{}, Feature{}, 0, fmt.Errorf("encode %s: %w", ex.GUID, err)
	}
	cond := c.base.tok.Tokenize(desc)
	if len(cond) > c.labelLen {
		return Feature{}, Feature{}, 0, fmt.Errorf("%w: description %q is %d tokens, label_len is %d",
			config.ErrInvalid, desc, len(cond), c.labelLen)
	}

	a, _ := c.base.tokens(ex)
	n := c.ConsSeqLen()

	head := make([]string, 0, n)
	head = append(head, tokenizer.CLS)
	head = append(head, a...)
	for range PromptWidth {
		head = append(head, promptToken)
	}

	toks := append([]string(nil), head...)
	for range c.labelLen {
		toks = append(toks, tokenizer.MASK)
	}
	toks = append(toks, tokenizer.SEP)

	consToks := append(head, cond...)
	for range c.labelLen - len(cond) {
		consToks = append(consToks, promptToken)
	}
	consToks = append(consToks, tokenizer.SEP)

	ids := c.base.tok.ConvertTokensToIDs(toks)
	mask := pad(ones(len(ids)), n)
	segs := make([]int, n)

	base := Feature{InputIDs: pad(ids, n), InputMask: mask, SegmentIDs: segs}
	conditioned := Feature{
		InputIDs:   pad(c.base.tok.ConvertTokensToIDs(consToks), n),
		InputMask:  mask,
		SegmentIDs: segs,
	}
	for _, f := range []Feature{base, conditioned} {
		if err := f.check(n); err != nil {
			return Feature{}, Feature{}, 0, fmt.Errorf("encode %s: %w", ex.GUID, err)
		}
	}
	return base, conditioned, 1 + len(a) + PromptWidth, nil
}

// EncodeExamples implements SplitEncoder.
func (c *ConditionalEncoder) EncodeExamples(exs []example.Example) (Encoded, error) {
	out := Encoded{
		Features:     make([]Feature, 0, len(exs)),
		Conditional:  make([]Feature, 0, len(exs)),
		ConditionIdx: make([]int, 0, len(exs)),
		Labels:       make([]string, 0, len(exs)),
	}
	for _, ex := range exs {
		base, cond, idx, err := c.Encode(ex)
		if err != nil {
			return Encoded{}, err
		}
		out.Features = append(out.Features, base)
		out.Conditional = append(out.Conditional, cond)
		out.ConditionIdx = append(out.ConditionIdx, idx)
		out.Labels = append(out.Labels, ex.Label)
	}
	return out, nil
}

// #endregion conditional
