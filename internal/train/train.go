// Package train drives multi-epoch optimization with per-epoch evaluation
// and early stopping, and hands back the best parameters seen.
package train

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/batch"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/eval"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/logging"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/model"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/optim"
)

// #region states
// State is the trainer's lifecycle position.
type State int

const (
	StateInitialized State = iota
	StateEpochRunning
	StateEvaluating
	StateDeciding
	StateStopped
)

var stateNames = [...]string{"initialized", "epoch_running", "evaluating", "deciding", "stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// #endregion states

// #region options
// EpochLogger records one row per epoch.
type EpochLogger interface {
	LogEpoch(entry logging.EpochEntry) error
}

// Options configures a Trainer.
type Options struct {
	Epochs   int
	Patience int
	Monitor  string

	// Clip enables value clipping of gradients to [-GradClip, GradClip].
	Clip     bool
	GradClip float64

	BatchSchedule optim.BatchScheduler // may be nil
	EpochSchedule optim.EpochScheduler // may be nil

	RunID    string
	EpochLog EpochLogger // may be nil
}

// RunState is the outcome of a training run.
type RunState struct {
	Epoch     int // last completed epoch, 1-based
	BestScore float64
	BestEpoch int
	Best      model.Params
	Patience  int
	Stopped   bool // true when early stopping ended the run
}

// #endregion options

// #region trainer
var ErrNoImprovement = errors.New("no epoch improved on the initial score")

// Evaluator scores a split; *eval.Pass is the production implementation.
type Evaluator interface {
	Run(ctx context.Context, src eval.BatchSource, mode eval.Mode) (*eval.Outputs, eval.Metrics, error)
}

// Trainer runs the training loop. It is single-use and not safe for
// concurrent calls.
type Trainer struct {
	net   model.Network
	opt   optim.Optimizer
	pass  Evaluator
	heads eval.Heads
	opts  Options
	log   *logrus.Entry

	state State
	early *EarlyStopping
}

// New validates opts and binds the collaborators.
func New(net model.Network, opt optim.Optimizer, pass Evaluator, heads eval.Heads, opts Options) (*Trainer, error) {
	if err := eval.ValidateMonitor(opts.Monitor); err != nil {
		return nil, err
	}
	if opts.Epochs <= 0 || opts.Patience <= 0 {
		return nil, fmt.Errorf("trainer: epochs=%d patience=%d must be positive", opts.Epochs, opts.Patience)
	}
	return &Trainer{
		net:   net,
		opt:   opt,
		pass:  pass,
		heads: heads,
		opts:  opts,
		log:   logging.New("train").WithField("run_id", opts.RunID),
		state: StateInitialized,
		early: NewEarlyStopping(opts.Patience, opts.Monitor),
	}, nil
}

// State reports the current lifecycle state.
func (t *Trainer) State() State { return t.state }

// Run trains on trainSrc, evaluates on devSrc after each epoch and, when
// the loop ends, loads the best snapshot into the network. The live
// end-of-loop weights are discarded.
func (t *Trainer) Run(ctx context.Context, trainSrc, devSrc eval.BatchSource) (RunState, error) {
	var rs RunState
	for epoch := 1; epoch <= t.opts.Epochs; epoch++ {
		t.state = StateEpochRunning
		start := time.Now()
		loss, err := t.runEpoch(ctx, trainSrc, epoch)
		if err != nil {
			return rs, err
		}

		t.state = StateEvaluating
		_, metrics, err := t.pass.Run(ctx, devSrc, eval.ModeAll)
		if err != nil {
			return rs, fmt.Errorf("epoch %d eval: %w", epoch, err)
		}
		score, err := metrics.Monitor(t.opts.Monitor)
		if err != nil {
			return rs, err
		}

		t.state = StateDeciding
		if t.opts.EpochSchedule != nil {
			if err := t.opts.EpochSchedule.StepEpoch(context.WithoutCancel(ctx), score); err != nil {
				return rs, fmt.Errorf("epoch %d schedule: %w", epoch, err)
			}
		}
		decision, err := t.early.Observe(epoch, score, func() (model.Params, error) {
			p, err := t.net.State(context.WithoutCancel(ctx))
			if err != nil {
				return nil, err
			}
			return p.Clone(), nil
		})
		if err != nil {
			return rs, err
		}

		best, _, _ := t.early.Best()
		rs.Epoch = epoch
		t.logEpoch(epoch, loss, score, best, metrics, decision, time.Since(start))
		if decision == logging.DecisionStop {
			t.log.Infof("EarlyStopping at epoch %d", epoch)
			rs.Stopped = true
			break
		}
		if err := ctx.Err(); err != nil {
			return rs, err
		}
	}

	t.state = StateStopped
	return t.finish(ctx, rs)
}

// finish restores the best snapshot into the live network.
func (t *Trainer) finish(ctx context.Context, rs RunState) (RunState, error) {
	best, bestEpoch, snap := t.early.Best()
	if snap == nil {
		return rs, ErrNoImprovement
	}
	if err := t.net.LoadState(ctx, snap.Clone()); err != nil {
		return rs, fmt.Errorf("restore best epoch %d: %w", bestEpoch, err)
	}
	rs.BestScore = best
	rs.BestEpoch = bestEpoch
	rs.Best = snap
	rs.Patience = t.early.Counter()
	return rs, nil
}

// runEpoch performs every optimization step of one epoch and returns the
// sample-weighted mean loss. Cancellation is observed between steps only.
func (t *Trainer) runEpoch(ctx context.Context, src eval.BatchSource, epoch int) (float64, error) {
	it := src.Epoch(ctx, epoch)
	defer it.Close()

	var meter AverageMeter
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b, ok := it.Next()
		if !ok {
			break
		}
		loss, err := t.step(context.WithoutCancel(ctx), b)
		if err != nil {
			return 0, fmt.Errorf("epoch %d step: %w", epoch, err)
		}
		meter.Update(loss, b.Size())
	}
	if err := it.Err(); err != nil {
		return 0, fmt.Errorf("epoch %d loader: %w", epoch, err)
	}
	return meter.Avg(), nil
}

// step is forward, loss, zero-grad, backward, optional clip, optimizer
// step and per-batch schedule step. It runs to completion once started.
func (t *Trainer) step(ctx context.Context, b *batch.Batch) (float64, error) {
	out, err := t.net.Forward(ctx, b, true)
	if err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}
	head, err := out.Head(t.heads.Logits)
	if err != nil {
		return 0, err
	}
	logits, err := head.Dense()
	if err != nil {
		return 0, fmt.Errorf("logits: %w", err)
	}
	loss, grad, err := eval.CrossEntropy(logits, b.FlatLabels())
	if err != nil {
		return 0, err
	}

	if err := t.opt.ZeroGrad(ctx); err != nil {
		return 0, fmt.Errorf("zero grad: %w", err)
	}
	if err := t.net.Backward(ctx, model.FromDense(grad)); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}
	if t.opts.Clip {
		if err := t.net.ClipGradValue(ctx, t.opts.GradClip); err != nil {
			return 0, fmt.Errorf("clip: %w", err)
		}
	}
	if err := t.opt.Step(ctx); err != nil {
		return 0, fmt.Errorf("optimizer step: %w", err)
	}
	if t.opts.BatchSchedule != nil {
		if err := t.opts.BatchSchedule.StepBatch(ctx); err != nil {
			return 0, err
		}
	}
	return loss, nil
}

func (t *Trainer) logEpoch(epoch int, loss, score, best float64, metrics eval.Metrics, d logging.Decision, took time.Duration) {
	t.log.Infof("***** Epoch: %d: Eval results *****", epoch)
	fields := logrus.Fields{"train_loss": round4(loss), "took": took.Round(time.Millisecond)}
	for _, k := range metrics.Keys() {
		fields[k] = round4(metrics[k])
	}
	t.log.WithFields(fields).Infof("eval_score = %.4f best_score = %.4f decision = %s", score, best, d)

	if t.opts.EpochLog == nil {
		return
	}
	entry := logging.EpochEntry{
		RunID:        t.opts.RunID,
		Epoch:        epoch,
		TrainLoss:    loss,
		EvalScore:    score,
		BestScore:    best,
		Monitor:      t.opts.Monitor,
		Decision:     d,
		LearningRate: t.opt.LearningRate(),
	}
	if err := t.opts.EpochLog.LogEpoch(entry); err != nil {
		t.log.WithError(err).Warn("epoch log write failed")
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// #endregion trainer
