package eval

import (
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// #region mode
// Mode selects which rows are scored.
type Mode int

const (
	// ModeAll scores every row, including rows labeled with the OOD class.
	ModeAll Mode = iota
	// ModeIND drops rows whose true label is the OOD class id before scoring.
	ModeIND
)

func (m Mode) String() string {
	if m == ModeIND {
		return "ind"
	}
	return "all"
}

// #endregion mode

// #region heads
// Heads names the output tensors a model family reads.
type Heads struct {
	Logits   string
	Features string
	// FirstToken takes features[:,0] from a [B,T,D] features head.
	FirstToken bool
}

// #endregion heads

// #region outputs
// Outputs aggregates one pass over a split. Rows follow loader emission order.
type Outputs struct {
	Logits   *mat.Dense // [N,C]
	Probs    *mat.Dense // softmax of Logits
	Sigmoid  *mat.Dense // element-wise sigmoid of Logits
	Features *mat.Dense // [N,D]
	Labels   []int
	Preds    []int
	MaxProbs []float64
}

// Len is N.
func (o *Outputs) Len() int {
	return len(o.Labels)
}

// #endregion outputs

// #region metrics
const (
	MetricAcc          = "acc"
	MetricF1           = "f1"
	MetricPrec         = "prec"
	MetricRec          = "rec"
	MetricWeightedF1   = "weighted_f1"
	MetricWeightedPrec = "weighted_prec"
	MetricWeightedRec  = "weighted_rec"
	MetricLoss         = "loss"
)

var ErrUnknownMonitor = errors.New("unknown monitor metric")

var monitors = []string{
	MetricAcc, MetricF1, MetricPrec, MetricRec,
	MetricWeightedF1, MetricWeightedPrec, MetricWeightedRec, MetricLoss,
}

// Metrics maps metric names to values.
type Metrics map[string]float64

// ValidateMonitor rejects names that no pass produces.
func ValidateMonitor(name string) error {
	if !slices.Contains(monitors, name) {
		return fmt.Errorf("%w: %q", ErrUnknownMonitor, name)
	}
	return nil
}

// Monitor returns the named metric.
func (m Metrics) Monitor(name string) (float64, error) {
	if err := ValidateMonitor(name); err != nil {
		return 0, err
	}
	v, ok := m[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q not computed", ErrUnknownMonitor, name)
	}
	return v, nil
}

// Keys returns metric names in sorted order.
func (m Metrics) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// #endregion metrics
