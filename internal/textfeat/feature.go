// Package textfeat turns examples into fixed-length BERT input triples.
package textfeat

import (
	"errors"
	"fmt"
)

// #region types
var (
	ErrLength        = errors.New("encoded feature length mismatch")
	ErrUnmappedLabel = errors.New("label has no description")
)

// Feature is one encoded text: token ids, attention mask (1 real, 0 pad)
// and segment ids, all of the same fixed length.
type Feature struct {
	InputIDs   []int
	InputMask  []int
	SegmentIDs []int
}

// Len is the padded sequence length.
func (f Feature) Len() int {
	return len(f.InputIDs)
}

// Stack returns the feature as the [3][L] layout consumed by the model.
func (f Feature) Stack() [][]int {
	return [][]int{f.InputIDs, f.InputMask, f.SegmentIDs}
}

func (f Feature) check(want int) error {
	if len(f.InputIDs) != want || len(f.InputMask) != want || len(f.SegmentIDs) != want {
		return fmt.Errorf("%w: ids=%d mask=%d segments=%d, want %d",
			ErrLength, len(f.InputIDs), len(f.InputMask), len(f.SegmentIDs), want)
	}
	return nil
}

// Encoded holds one split's features. Conditional and ConditionIdx are set
// only by conditional encoding and are aligned by index with Features.
type Encoded struct {
	Features     []Feature
	Conditional  []Feature
	ConditionIdx []int
	Labels       []string // raw labels from the examples, "" when absent
}

// Len is the number of encoded examples.
func (e Encoded) Len() int {
	return len(e.Features)
}

// HasConditional reports whether conditional features were produced.
func (e Encoded) HasConditional() bool {
	return e.Conditional != nil
}

func (e *Encoded) append(other Encoded) {
	e.Features = append(e.Features, other.Features...)
	e.Labels = append(e.Labels, other.Labels...)
	if other.Conditional != nil {
		e.Conditional = append(e.Conditional, other.Conditional...)
		e.ConditionIdx = append(e.ConditionIdx, other.ConditionIdx...)
	}
}

// Derived carries values computed during encoding that later stages need.
type Derived struct {
	// MaxConsSeqLen is L' for conditional encoding, 0 otherwise.
	MaxConsSeqLen int
}

// #endregion types

// pad right-pads xs with zeros to n. Longer inputs are returned unchanged
// so the length check rejects them.
func pad(xs []int, n int) []int {
	if len(xs) >= n {
		return xs
	}
	return append(xs, make([]int, n-len(xs))...)
}

func ones(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
