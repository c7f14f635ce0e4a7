package ood

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/config"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/eval"
)

// #region logit-detector
var (
	ErrUnsupportedMethod = errors.New("method not supported by the in-process detector")
	ErrDegenerate        = errors.New("detection needs both IND and OOD rows")
)

// LogitDetector scores OOD detection from logits alone (msp, maxlogit,
// energy). Feature-space methods need the model service.
type LogitDetector struct{}

// Detect implements Detector. OOD rows are the positive class and higher
// scores mean more likely OOD.
func (LogitDetector) Detect(_ context.Context, in DetectInputs) (map[string]float64, error) {
	scores, err := oodScores(in.Method, in.TestLogits)
	if err != nil {
		return nil, err
	}
	positive := make([]bool, len(in.TestLabels))
	nOOD := 0
	for i, y := range in.TestLabels {
		positive[i] = y == in.OODLabelID
		if positive[i] {
			nOOD++
		}
	}
	if nOOD == 0 || nOOD == len(positive) {
		return nil, ErrDegenerate
	}

	auroc, fpr95 := rocSummary(scores, positive)
	return map[string]float64{
		"auroc": auroc,
		"fpr95": fpr95,
	}, nil
}

func oodScores(method config.OODMethod, logits *mat.Dense) ([]float64, error) {
	r, _ := logits.Dims()
	out := make([]float64, r)
	switch method {
	case config.OODMSP:
		probs := eval.Softmax(logits)
		for i := range r {
			out[i] = -floats.Max(probs.RawRowView(i))
		}
	case config.OODMaxLogit:
		for i := range r {
			out[i] = -floats.Max(logits.RawRowView(i))
		}
	case config.OODEnergy:
		for i := range r {
			out[i] = -floats.LogSumExp(logits.RawRowView(i))
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	return out, nil
}

// rocSummary returns the area under the ROC curve and the false positive
// rate at the first threshold reaching 95% true positive rate.
func rocSummary(scores []float64, positive []bool) (float64, float64) {
	y := slices.Clone(scores)
	classes := slices.Clone(positive)
	stat.SortWeightedLabeled(y, classes, nil)

	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	auroc := integrate.Trapezoidal(fpr, tpr)
	fpr95 := 1.0
	for i, t := range tpr {
		if t >= 0.95 {
			fpr95 = fpr[i]
			break
		}
	}
	return auroc, fpr95
}

// #endregion logit-detector

// #region threshold-classifier
// ThresholdClassifier is an in-process open-set classifier: a test row is
// assigned the OOD class when its highest sigmoid score is below Threshold,
// and the arg-max class otherwise.
type ThresholdClassifier struct {
	Threshold float64
}

// Classify implements OpenSetClassifier.
func (c ThresholdClassifier) Classify(_ context.Context, in OpenSetInputs) (map[string]float64, error) {
	r, _ := in.TestLogits.Dims()
	preds := make([]int, r)
	for i := range r {
		row := in.TestLogits.RawRowView(i)
		j := floats.MaxIdx(row)
		if row[j] < c.Threshold {
			j = in.OODLabelID
		}
		preds[i] = j
	}

	m := eval.Classify(in.TestLabels, preds)
	out := make(map[string]float64, len(m)+2)
	for k, v := range m {
		out[k] = v
	}

	indLabels, indPreds := eval.FilterIND(in.TestLabels, preds, in.OODLabelID)
	out["ind_acc"] = eval.Classify(indLabels, indPreds)[eval.MetricAcc]
	out["unknown_recall"] = oodRecall(in.TestLabels, preds, in.OODLabelID)
	return out, nil
}

func oodRecall(labels, preds []int, oodID int) float64 {
	hit, total := 0, 0
	for i, y := range labels {
		if y != oodID {
			continue
		}
		total++
		if preds[i] == oodID {
			hit++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hit) / float64(total)
}

// #endregion threshold-classifier
