package train

import (
	"fmt"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/eval"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/logging"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/model"
)

// #region early-stopping
const (
	stopDelta        = 1e-6
	initialBestLoss  = 1e8
	initialBestScore = 1e-6
)

// EarlyStopping tracks the best monitored score and a deep copy of the
// parameters at that epoch. The loss monitor is minimized; every other
// monitor is maximized.
type EarlyStopping struct {
	patience int
	minimize bool

	best      float64
	bestEpoch int
	counter   int
	snapshot  model.Params
	stopped   bool
}

// NewEarlyStopping returns a policy for monitor that stops once patience
// consecutive epochs fail to improve.
func NewEarlyStopping(patience int, monitor string) *EarlyStopping {
	e := &EarlyStopping{patience: patience, minimize: monitor == eval.MetricLoss}
	e.best = initialBestScore
	if e.minimize {
		e.best = initialBestLoss
	}
	return e
}

// Improves reports whether score beats the best by at least the delta.
func (e *EarlyStopping) Improves(score float64) bool {
	if e.minimize {
		return score <= e.best-stopDelta
	}
	return score >= e.best+stopDelta
}

// Observe records an epoch's score. On improvement snapshot is called and
// its result retained; it must return a copy the caller no longer touches.
func (e *EarlyStopping) Observe(epoch int, score float64, snapshot func() (model.Params, error)) (logging.Decision, error) {
	if e.Improves(score) {
		p, err := snapshot()
		if err != nil {
			return "", fmt.Errorf("snapshot epoch %d: %w", epoch, err)
		}
		e.best = score
		e.bestEpoch = epoch
		e.counter = 0
		e.snapshot = p
		return logging.DecisionImproved, nil
	}
	e.counter++
	if e.counter >= e.patience {
		e.stopped = true
		return logging.DecisionStop, nil
	}
	return logging.DecisionPatience, nil
}

// Stopped reports whether patience ran out.
func (e *EarlyStopping) Stopped() bool { return e.stopped }

// Best returns the best score, its epoch (0 if none) and the snapshot.
func (e *EarlyStopping) Best() (float64, int, model.Params) {
	return e.best, e.bestEpoch, e.snapshot
}

// Counter is the number of epochs since the last improvement.
func (e *EarlyStopping) Counter() int { return e.counter }

// #endregion early-stopping

// #region meter
// AverageMeter keeps a sample-weighted running mean.
type AverageMeter struct {
	sum   float64
	count int
}

// Update adds a value observed over n samples.
func (m *AverageMeter) Update(v float64, n int) {
	m.sum += v * float64(n)
	m.count += n
}

// Avg is the weighted mean, 0 before any update.
func (m *AverageMeter) Avg() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// Reset clears the meter.
func (m *AverageMeter) Reset() {
	m.sum, m.count = 0, 0
}

// #endregion meter
