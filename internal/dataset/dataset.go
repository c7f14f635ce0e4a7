// Package dataset holds aligned per-split features and labels and serves
// them as index-addressable samples.
package dataset

import (
	"errors"
	"fmt"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/textfeat"
)

// #region types
var ErrLengthMismatch = errors.New("aligned inputs differ in length")

// Sample is a read-only copy of one dataset element. Single-turn samples set
// Text and Label; multi-turn samples set Turns, TurnLabels, Speakers and UMask.
type Sample struct {
	Text         [][]int // [3][L]
	Conditional  [][]int // [3][L'], nil unless conditional features were given
	ConditionIdx int
	Video        [][]float64 // [T][D], nil when the modality is absent
	Audio        [][]float64
	Label        int

	Turns      [][][]int // [turns][3][L]
	TurnLabels []int
	Speakers   []int
	UMask      []int
}

// Dataset is a fixed-size, read-only sequence of samples. The backing
// arrays are owned by the dataset; Get materializes copies on demand.
type Dataset struct {
	size int

	labels []int
	text   []textfeat.Feature

	multiTurn  bool
	turnLabels [][]int
	turnText   [][]textfeat.Feature
	speakers   [][]int

	video   FeatureTable
	audio   FeatureTable
	cond    []textfeat.Feature
	condIdx []int
}

// Option attaches optional aligned inputs.
type Option func(*Dataset)

func WithVideo(t FeatureTable) Option { return func(d *Dataset) { d.video = t } }
func WithAudio(t FeatureTable) Option { return func(d *Dataset) { d.audio = t } }

// WithConditional attaches conditional features and their condition offsets.
func WithConditional(feats []textfeat.Feature, idx []int) Option {
	return func(d *Dataset) {
		d.cond = feats
		d.condIdx = idx
	}
}

// #endregion types

// #region construct
// New builds a single-turn dataset.
func New(labels []int, text []textfeat.Feature, opts ...Option) (*Dataset, error) {
	if len(labels) != len(text) {
		return nil, mismatch("labels", len(labels), "text", len(text))
	}
	d := &Dataset{size: len(text), labels: labels, text: text}
	return d.apply(opts)
}

// NewMultiTurn builds a dataset whose elements are dialogues. Every
// dialogue must have one label and one speaker per turn.
func NewMultiTurn(labels [][]int, text [][]textfeat.Feature, speakers [][]int, opts ...Option) (*Dataset, error) {
	if len(labels) != len(text) {
		return nil, mismatch("labels", len(labels), "text", len(text))
	}
	if len(speakers) != len(text) {
		return nil, mismatch("speakers", len(speakers), "text", len(text))
	}
	for i := range text {
		if len(labels[i]) != len(text[i]) || len(speakers[i]) != len(text[i]) {
			return nil, fmt.Errorf("%w: dialogue %d has %d turns, %d labels, %d speakers",
				ErrLengthMismatch, i, len(text[i]), len(labels[i]), len(speakers[i]))
		}
	}
	d := &Dataset{size: len(text), multiTurn: true, turnLabels: labels, turnText: text, speakers: speakers}
	return d.apply(opts)
}

func (d *Dataset) apply(opts []Option) (*Dataset, error) {
	for _, o := range opts {
		o(d)
	}
	if d.video != nil && d.video.Len() != d.size {
		return nil, mismatch("video", d.video.Len(), "text", d.size)
	}
	if d.audio != nil && d.audio.Len() != d.size {
		return nil, mismatch("audio", d.audio.Len(), "text", d.size)
	}
	if d.cond != nil {
		if d.multiTurn {
			return nil, fmt.Errorf("%w: conditional features are single-turn only", ErrLengthMismatch)
		}
		if len(d.cond) != d.size {
			return nil, mismatch("conditional", len(d.cond), "text", d.size)
		}
		if len(d.condIdx) != d.size {
			return nil, mismatch("condition_idx", len(d.condIdx), "text", d.size)
		}
	}
	return d, nil
}

func mismatch(a string, na int, b string, nb int) error {
	return fmt.Errorf("%w: %s=%d %s=%d", ErrLengthMismatch, a, na, b, nb)
}

// #endregion construct

// #region access
// Len is the number of samples.
func (d *Dataset) Len() int { return d.size }

// MultiTurn reports whether samples are dialogues.
func (d *Dataset) MultiTurn() bool { return d.multiTurn }

// HasVideo reports whether a video table is attached.
func (d *Dataset) HasVideo() bool { return d.video != nil }

// HasAudio reports whether an audio table is attached.
func (d *Dataset) HasAudio() bool { return d.audio != nil }

// HasConditional reports whether conditional features are attached.
func (d *Dataset) HasConditional() bool { return d.cond != nil }

// Labels returns a copy of the single-turn label ids.
func (d *Dataset) Labels() []int {
	return append([]int(nil), d.labels...)
}

// Get materializes sample i. It panics if i is out of range.
func (d *Dataset) Get(i int) Sample {
	if i < 0 || i >= d.size {
		panic(fmt.Sprintf("dataset: index %d out of range [0,%d)", i, d.size))
	}

	var s Sample
	if d.multiTurn {
		n := len(d.turnText[i])
		s.Turns = make([][][]int, n)
		for j, f := range d.turnText[i] {
			s.Turns[j] = copyStack(f)
		}
		s.TurnLabels = append([]int(nil), d.turnLabels[i]...)
		s.Speakers = append([]int(nil), d.speakers[i]...)
		s.UMask = make([]int, len(d.turnLabels[i]))
		for j := range s.UMask {
			s.UMask[j] = 1
		}
	} else {
		s.Text = copyStack(d.text[i])
		s.Label = d.labels[i]
	}

	if d.cond != nil {
		s.Conditional = copyStack(d.cond[i])
		s.ConditionIdx = d.condIdx[i]
	}
	if d.video != nil {
		s.Video = copyMatrix(d.video.Row(i))
	}
	if d.audio != nil {
		s.Audio = copyMatrix(d.audio.Row(i))
	}
	return s
}

func copyStack(f textfeat.Feature) [][]int {
	return [][]int{
		append([]int(nil), f.InputIDs...),
		append([]int(nil), f.InputMask...),
		append([]int(nil), f.SegmentIDs...),
	}
}

// #endregion access
