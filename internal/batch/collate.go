// Package batch groups dataset samples into fixed-shape mini-batches and
// delivers them in a reproducible order.
package batch

import (
	"errors"
	"fmt"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/dataset"
)

// #region batch
var ErrRagged = errors.New("samples in a batch have inconsistent shapes")

// PadLabel marks padded turns in multi-turn label matrices.
const PadLabel = -1

// Batch is a stacked group of samples. Modalities that are absent from the
// dataset stay nil.
type Batch struct {
	Indices []int

	Text         [][][]int // [B][3][L]
	Conditional  [][][]int // [B][3][L']
	ConditionIdx []int
	Video        [][][]float64 // [B][T][D], zero-padded to the longest T
	Audio        [][][]float64
	Labels       []int

	Turns      [][][][]int // [B][maxTurns][3][L]
	TurnLabels [][]int     // PadLabel on padded turns
	Speakers   [][]int
	UMask      [][]int
}

// Size is the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Indices)
}

// MultiTurn reports whether the batch carries dialogues.
func (b *Batch) MultiTurn() bool {
	return b.Turns != nil
}

// FlatLabels returns one label per logits row. Dialogue batches flatten
// TurnLabels row-major, so padded turns appear as PadLabel.
func (b *Batch) FlatLabels() []int {
	if !b.MultiTurn() {
		return b.Labels
	}
	var out []int
	for _, row := range b.TurnLabels {
		out = append(out, row...)
	}
	return out
}

// #endregion batch

// #region collate
// Collate stacks samples drawn from dataset positions indices.
func Collate(samples []dataset.Sample, indices []int) (*Batch, error) {
	if len(samples) != len(indices) {
		return nil, fmt.Errorf("%w: %d samples for %d indices", ErrRagged, len(samples), len(indices))
	}
	b := &Batch{Indices: append([]int(nil), indices...)}
	if len(samples) == 0 {
		return b, nil
	}

	if samples[0].Turns != nil {
		if err := b.collateTurns(samples); err != nil {
			return nil, err
		}
	} else {
		b.Text = make([][][]int, len(samples))
		b.Labels = make([]int, len(samples))
		for i, s := range samples {
			if s.Text == nil {
				return nil, fmt.Errorf("%w: sample %d is multi-turn", ErrRagged, indices[i])
			}
			if len(s.Text[0]) != len(samples[0].Text[0]) {
				return nil, fmt.Errorf("%w: text length %d vs %d", ErrRagged, len(s.Text[0]), len(samples[0].Text[0]))
			}
			b.Text[i] = s.Text
			b.Labels[i] = s.Label
		}
	}

	if samples[0].Conditional != nil {
		b.Conditional = make([][][]int, len(samples))
		b.ConditionIdx = make([]int, len(samples))
		for i, s := range samples {
			b.Conditional[i] = s.Conditional
			b.ConditionIdx[i] = s.ConditionIdx
		}
	}

	var err error
	if b.Video, err = stackSeq(samples, func(s dataset.Sample) [][]float64 { return s.Video }); err != nil {
		return nil, fmt.Errorf("video: %w", err)
	}
	if b.Audio, err = stackSeq(samples, func(s dataset.Sample) [][]float64 { return s.Audio }); err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	return b, nil
}

func (b *Batch) collateTurns(samples []dataset.Sample) error {
	maxTurns := 0
	for i, s := range samples {
		if s.Turns == nil {
			return fmt.Errorf("%w: sample %d is single-turn", ErrRagged, b.Indices[i])
		}
		maxTurns = max(maxTurns, len(s.Turns))
	}

	var seqLen int
	for _, s := range samples {
		if len(s.Turns) > 0 {
			seqLen = len(s.Turns[0][0])
			break
		}
	}

	n := len(samples)
	b.Turns = make([][][][]int, n)
	b.TurnLabels = make([][]int, n)
	b.Speakers = make([][]int, n)
	b.UMask = make([][]int, n)
	for i, s := range samples {
		turns := make([][][]int, maxTurns)
		labels := make([]int, maxTurns)
		speakers := make([]int, maxTurns)
		umask := make([]int, maxTurns)
		for j := range maxTurns {
			if j < len(s.Turns) {
				turns[j] = s.Turns[j]
				labels[j] = s.TurnLabels[j]
				speakers[j] = s.Speakers[j]
				umask[j] = s.UMask[j]
				continue
			}
			turns[j] = [][]int{make([]int, seqLen), make([]int, seqLen), make([]int, seqLen)}
			labels[j] = PadLabel
		}
		b.Turns[i] = turns
		b.TurnLabels[i] = labels
		b.Speakers[i] = speakers
		b.UMask[i] = umask
	}
	return nil
}

// stackSeq pads each sample's [T][D] rows to the longest T with zero rows.
// It returns nil when the first sample lacks the modality.
func stackSeq(samples []dataset.Sample, get func(dataset.Sample) [][]float64) ([][][]float64, error) {
	if get(samples[0]) == nil {
		return nil, nil
	}
	maxT, dim := 0, -1
	for _, s := range samples {
		rows := get(s)
		if rows == nil {
			return nil, fmt.Errorf("%w: modality missing on some samples", ErrRagged)
		}
		maxT = max(maxT, len(rows))
		for _, r := range rows {
			if dim == -1 {
				dim = len(r)
			} else if len(r) != dim {
				return nil, fmt.Errorf("%w: feature width %d vs %d", ErrRagged, len(r), dim)
			}
		}
	}
	dim = max(dim, 0)

	out := make([][][]float64, len(samples))
	for i, s := range samples {
		rows := get(s)
		padded := make([][]float64, maxT)
		copy(padded, rows)
		for t := len(rows); t < maxT; t++ {
			padded[t] = make([]float64, dim)
		}
		out[i] = padded
	}
	return out, nil
}

// #endregion collate
