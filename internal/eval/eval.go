// Package eval runs a network over a split without training, aggregates
// logits and features, and scores the predictions.
package eval

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/batch"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/model"
)

var ErrEmptySplit = errors.New("evaluation split is empty")

// #region pass
// BatchSource yields one epoch of batches.
type BatchSource interface {
	Epoch(ctx context.Context, epoch int) *batch.Iter
}

// Pass evaluates a network with training disabled. It never changes
// weights, so running it twice on the same split gives the same outputs.
type Pass struct {
	net        model.Network
	heads      Heads
	oodLabelID int
}

// NewPass binds a network, its output heads and the OOD class id used by
// ModeIND.
func NewPass(net model.Network, heads Heads, oodLabelID int) *Pass {
	return &Pass{net: net, heads: heads, oodLabelID: oodLabelID}
}

// Collect aggregates logits, features and labels over src. Dialogue batches
// contribute one row per turn; padded turns are dropped.
func (p *Pass) Collect(ctx context.Context, src BatchSource) (*Outputs, error) {
	it := src.Epoch(ctx, 0)
	defer it.Close()

	var logits, feats []float64
	var labels []int
	classes, dim := -1, -1
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		out, err := p.net.Forward(ctx, b, false)
		if err != nil {
			return nil, fmt.Errorf("eval forward: %w", err)
		}
		l, f, err := p.extract(out)
		if err != nil {
			return nil, err
		}
		rows := b.FlatLabels()
		if l.Shape[0] != len(rows) || f.Shape[0] != len(rows) {
			return nil, fmt.Errorf("eval: %w: %d logits rows, %d feature rows for %d labels",
				model.ErrShape, l.Shape[0], f.Shape[0], len(rows))
		}
		if classes == -1 {
			classes, dim = l.Shape[1], f.Shape[1]
		} else if l.Shape[1] != classes || f.Shape[1] != dim {
			return nil, fmt.Errorf("eval: %w: head widths changed between batches", model.ErrShape)
		}
		for i, y := range rows {
			if y == batch.PadLabel {
				continue
			}
			logits = append(logits, l.Data[i*classes:(i+1)*classes]...)
			feats = append(feats, f.Data[i*dim:(i+1)*dim]...)
			labels = append(labels, y)
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("eval loader: %w", err)
	}
	if len(labels) == 0 {
		return nil, ErrEmptySplit
	}

	n := len(labels)
	o := &Outputs{
		Logits:   mat.NewDense(n, classes, logits),
		Features: mat.NewDense(n, dim, feats),
		Labels:   labels,
	}
	o.Probs = Softmax(o.Logits)
	o.Sigmoid = Sigmoid(o.Logits)
	o.Preds = make([]int, n)
	o.MaxProbs = make([]float64, n)
	for i := range n {
		row := o.Probs.RawRowView(i)
		o.Preds[i] = floats.MaxIdx(row)
		o.MaxProbs[i] = row[o.Preds[i]]
	}
	return o, nil
}

// extract reads the logits and pooled features heads as [B,C] and [B,D].
func (p *Pass) extract(out model.Output) (model.Tensor, model.Tensor, error) {
	l, err := out.Head(p.heads.Logits)
	if err != nil {
		return model.Tensor{}, model.Tensor{}, err
	}
	if l.Rank() != 2 {
		return model.Tensor{}, model.Tensor{}, fmt.Errorf("logits %q: %w: got %v", p.heads.Logits, model.ErrShape, l.Shape)
	}
	f, err := out.Head(p.heads.Features)
	if err != nil {
		return model.Tensor{}, model.Tensor{}, err
	}
	if p.heads.FirstToken {
		if f, err = f.FirstToken(); err != nil {
			return model.Tensor{}, model.Tensor{}, fmt.Errorf("features %q: %w", p.heads.Features, err)
		}
	}
	if f.Rank() != 2 {
		return model.Tensor{}, model.Tensor{}, fmt.Errorf("features %q: %w: got %v", p.heads.Features, model.ErrShape, f.Shape)
	}
	return l, f, nil
}

// Score computes metrics for collected outputs under mode.
func (p *Pass) Score(o *Outputs, mode Mode) Metrics {
	labels, preds := o.Labels, o.Preds
	logits := mat.Matrix(o.Logits)
	if mode == ModeIND {
		labels, preds = FilterIND(o.Labels, o.Preds, p.oodLabelID)
		logits = indRows(o.Logits, o.Labels, p.oodLabelID)
	}

	m := Classify(labels, preds)
	if logits != nil {
		if loss, _, err := CrossEntropy(logits, labels); err == nil {
			m[MetricLoss] = loss
		}
	}
	return m
}

// Run collects outputs over src and scores them.
func (p *Pass) Run(ctx context.Context, src BatchSource, mode Mode) (*Outputs, Metrics, error) {
	o, err := p.Collect(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	return o, p.Score(o, mode), nil
}

func indRows(logits *mat.Dense, labels []int, oodID int) mat.Matrix {
	_, c := logits.Dims()
	var data []float64
	rows := 0
	for i, y := range labels {
		if y == oodID {
			continue
		}
		data = append(data, logits.RawRowView(i)...)
		rows++
	}
	if rows == 0 {
		return nil
	}
	return mat.NewDense(rows, c, data)
}

// #endregion pass
