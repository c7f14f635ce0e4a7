package eval

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/model"
)

// #region classification
// Classify computes accuracy and macro/weighted precision, recall and F1.
// Macro averages run over every label present in labels or preds; weighted
// averages use each label's true-label support. Undefined ratios are 0.
func Classify(labels, preds []int) Metrics {
	n := len(labels)
	if n == 0 {
		return Metrics{}
	}

	tp := map[int]float64{}
	predCount := map[int]float64{}
	support := map[int]float64{}
	correct := 0.0
	for i, y := range labels {
		p := preds[i]
		support[y]++
		predCount[p]++
		if y == p {
			tp[y]++
			correct++
		}
	}

	classes := make([]int, 0, len(support)+len(predCount))
	for c := range support {
		classes = append(classes, c)
	}
	for c := range predCount {
		if _, ok := support[c]; !ok {
			classes = append(classes, c)
		}
	}
	slices.Sort(classes)

	var mp, mr, mf, wp, wr, wf float64
	for _, c := range classes {
		prec := ratio(tp[c], predCount[c])
		rec := ratio(tp[c], support[c])
		f1 := ratio(2*prec*rec, prec+rec)
		mp += prec
		mr += rec
		mf += f1
		w := support[c] / float64(n)
		wp += w * prec
		wr += w * rec
		wf += w * f1
	}
	k := float64(len(classes))
	return Metrics{
		MetricAcc:          correct / float64(n),
		MetricPrec:         mp / k,
		MetricRec:          mr / k,
		MetricF1:           mf / k,
		MetricWeightedPrec: wp,
		MetricWeightedRec:  wr,
		MetricWeightedF1:   wf,
	}
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// FilterIND drops rows whose true label equals oodID.
func FilterIND(labels, preds []int, oodID int) ([]int, []int) {
	var l, p []int
	for i, y := range labels {
		if y == oodID {
			continue
		}
		l = append(l, y)
		p = append(p, preds[i])
	}
	return l, p
}

// #endregion classification

// #region probabilities
// Softmax returns row-wise softmax probabilities.
func Softmax(logits mat.Matrix) *mat.Dense {
	r, c := logits.Dims()
	out := mat.NewDense(r, c, nil)
	for i := range r {
		row := out.RawRowView(i)
		mat.Row(row, i, logits)
		m := floats.Max(row)
		for j, v := range row {
			row[j] = math.Exp(v - m)
		}
		floats.Scale(1/floats.Sum(row), row)
	}
	return out
}

// Sigmoid applies the logistic function element-wise.
func Sigmoid(logits mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return 1 / (1 + math.Exp(-v)) }, logits)
	return &out
}

// CrossEntropy returns the mean negative log-likelihood of labels under
// softmax(logits) and its gradient with respect to logits. Rows whose label
// is outside [0,C) are ignored and get a zero gradient. labels must hold
// exactly one entry per logits row.
func CrossEntropy(logits mat.Matrix, labels []int) (float64, *mat.Dense, error) {
	r, c := logits.Dims()
	if len(labels) != r {
		return 0, nil, fmt.Errorf("cross entropy: %w: %d labels for %d logits rows", model.ErrShape, len(labels), r)
	}
	probs := Softmax(logits)

	valid := 0
	for _, y := range labels {
		if y >= 0 && y < c {
			valid++
		}
	}
	grad := mat.NewDense(r, c, nil)
	if valid == 0 {
		return 0, grad, nil
	}

	loss := 0.0
	scale := 1 / float64(valid)
	for i := range r {
		y := labels[i]
		if y < 0 || y >= c {
			continue
		}
		p := probs.RawRowView(i)
		g := grad.RawRowView(i)
		loss -= math.Log(math.Max(p[y], math.SmallestNonzeroFloat64))
		floats.ScaleTo(g, scale, p)
		g[y] -= scale
	}
	return loss * scale, grad, nil
}

// #endregion probabilities
