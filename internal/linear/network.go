// Package linear is the in-process reference backend: a softmax-regression
// classifier over hashed token counts and mean-pooled modality rows, with a
// plain SGD optimizer. It implements the same contracts as the remote
// backend so the training loop can run without a model service.
package linear

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/batch"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/model"
)

// #region types
var (
	ErrMultiTurn   = errors.New("linear backend does not support multi-turn batches")
	ErrNoForward   = errors.New("backward called without a training forward pass")
	ErrParamsShape = errors.New("parameter shape mismatch")
)

const (
	ParamWeight = "weight"
	ParamBias   = "bias"
)

// Config sizes the classifier and names its output heads.
type Config struct {
	NumLabels int
	TextDim   int // hash buckets for token ids
	VideoDim  int // 0 when the modality is unused
	AudioDim  int

	LogitsKey   string
	FeaturesKey string
	// SequenceFeatures emits features as [B,1,D] instead of [B,D].
	SequenceFeatures bool
}

// Network holds weights [C,D], bias [C] and their gradients.
type Network struct {
	cfg Config
	dim int

	w  *mat.Dense
	b  []float64
	gw *mat.Dense
	gb []float64

	lastX *mat.Dense
}

// #endregion types

// #region constructor
// New returns a zero-initialized network.
func New(cfg Config) (*Network, error) {
	if cfg.NumLabels <= 0 || cfg.TextDim <= 0 {
		return nil, fmt.Errorf("linear backend: labels=%d text_dim=%d must be positive", cfg.NumLabels, cfg.TextDim)
	}
	if cfg.LogitsKey == "" || cfg.FeaturesKey == "" {
		return nil, fmt.Errorf("linear backend: output keys are required")
	}
	dim := cfg.TextDim + max(cfg.VideoDim, 0) + max(cfg.AudioDim, 0)
	return &Network{
		cfg: cfg,
		dim: dim,
		w:   mat.NewDense(cfg.NumLabels, dim, nil),
		b:   make([]float64, cfg.NumLabels),
		gw:  mat.NewDense(cfg.NumLabels, dim, nil),
		gb:  make([]float64, cfg.NumLabels),
	}, nil
}

// FeatureDim is D.
func (n *Network) FeatureDim() int { return n.dim }

// #endregion constructor

// #region forward
// Forward implements model.Network.
func (n *Network) Forward(_ context.Context, in *batch.Batch, train bool) (model.Output, error) {
	x, err := n.featurize(in)
	if err != nil {
		return nil, err
	}

	bs := in.Size()
	logits := mat.NewDense(bs, n.cfg.NumLabels, nil)
	logits.Mul(x, n.w.T())
	for i := range bs {
		floats.Add(logits.RawRowView(i), n.b)
	}
	if train {
		n.lastX = x
	}

	feats := model.FromDense(x)
	if n.cfg.SequenceFeatures {
		feats.Shape = []int{bs, 1, n.dim}
	}
	return model.Output{
		n.cfg.LogitsKey:   model.FromDense(logits),
		n.cfg.FeaturesKey: feats,
	}, nil
}

// featurize builds the [B,D] input: normalized hashed token counts followed
// by the mean of each modality's rows.
func (n *Network) featurize(in *batch.Batch) (*mat.Dense, error) {
	if in.MultiTurn() {
		return nil, ErrMultiTurn
	}
	bs := in.Size()
	if bs == 0 {
		return nil, fmt.Errorf("linear backend: empty batch")
	}
	x := mat.NewDense(bs, n.dim, nil)
	for i := range bs {
		row := x.RawRowView(i)
		text := row[:n.cfg.TextDim]
		ids, mask := in.Text[i][0], in.Text[i][1]
		count := 0.0
		for j, id := range ids {
			if mask[j] == 0 {
				continue
			}
			text[id%n.cfg.TextDim]++
			count++
		}
		if count > 0 {
			floats.Scale(1/count, text)
		}

		off := n.cfg.TextDim
		for _, m := range []struct {
			rows [][][]float64
			dim  int
		}{{in.Video, n.cfg.VideoDim}, {in.Audio, n.cfg.AudioDim}} {
			if m.dim <= 0 {
				continue
			}
			if m.rows != nil {
				if err := meanInto(row[off:off+m.dim], m.rows[i]); err != nil {
					return nil, err
				}
			}
			off += m.dim
		}
	}
	return x, nil
}

func meanInto(dst []float64, rows [][]float64) error {
	if len(rows) == 0 {
		return nil
	}
	for _, r := range rows {
		if len(r) != len(dst) {
			return fmt.Errorf("linear backend: modality width %d, configured %d", len(r), len(dst))
		}
		floats.Add(dst, r)
	}
	floats.Scale(1/float64(len(rows)), dst)
	return nil
}

// #endregion forward

// #region backward
// Backward implements model.Network. dLogits is [B,C].
func (n *Network) Backward(_ context.Context, dLogits model.Tensor) error {
	if n.lastX == nil {
		return ErrNoForward
	}
	g, err := dLogits.Dense()
	if err != nil {
		return fmt.Errorf("backward: %w", err)
	}
	r, c := g.Dims()
	xr, _ := n.lastX.Dims()
	if r != xr || c != n.cfg.NumLabels {
		return fmt.Errorf("backward: %w: gradient %dx%d for batch %d and %d labels", model.ErrShape, r, c, xr, n.cfg.NumLabels)
	}

	var dw mat.Dense
	dw.Mul(g.T(), n.lastX)
	n.gw.Add(n.gw, &dw)
	for i := range r {
		floats.Add(n.gb, g.RawRowView(i))
	}
	n.lastX = nil
	return nil
}

// ClipGradValue implements model.Network.
func (n *Network) ClipGradValue(_ context.Context, clip float64) error {
	clamp := func(_, _ int, v float64) float64 { return min(max(v, -clip), clip) }
	n.gw.Apply(clamp, n.gw)
	for i, v := range n.gb {
		n.gb[i] = min(max(v, -clip), clip)
	}
	return nil
}

// #endregion backward

// #region state
// State implements model.Network.
func (n *Network) State(context.Context) (model.Params, error) {
	return model.Params{
		ParamWeight: model.FromDense(n.w),
		ParamBias:   model.FromVector(slices.Clone(n.b)),
	}, nil
}

// LoadState implements model.Network.
func (n *Network) LoadState(_ context.Context, p model.Params) error {
	w, ok := p[ParamWeight]
	if !ok || !slices.Equal(w.Shape, []int{n.cfg.NumLabels, n.dim}) {
		return fmt.Errorf("%w: weight %v, want [%d %d]", ErrParamsShape, w.Shape, n.cfg.NumLabels, n.dim)
	}
	b, ok := p[ParamBias]
	if !ok || !slices.Equal(b.Shape, []int{n.cfg.NumLabels}) {
		return fmt.Errorf("%w: bias %v, want [%d]", ErrParamsShape, b.Shape, n.cfg.NumLabels)
	}
	n.w = mat.NewDense(n.cfg.NumLabels, n.dim, slices.Clone(w.Data))
	n.b = slices.Clone(b.Data)
	return nil
}

// LinearProbe implements model.LinearProber.
func (n *Network) LinearProbe(context.Context) (*mat.Dense, []float64, error) {
	return mat.DenseCopyOf(n.w), slices.Clone(n.b), nil
}

// #endregion state
