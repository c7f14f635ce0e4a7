// Package optim defines the optimizer contract and the two learning-rate
// disciplines used by the trainer.
package optim

import (
	"context"
	"fmt"
	"math"
)

// #region optimizer
// Optimizer applies accumulated gradients to a network's parameters.
type Optimizer interface {
	ZeroGrad(ctx context.Context) error
	Step(ctx context.Context) error
	LearningRate() float64
	SetLearningRate(ctx context.Context, lr float64) error
}

// BatchScheduler is stepped after every optimizer step.
type BatchScheduler interface {
	StepBatch(ctx context.Context) error
}

// EpochScheduler is stepped once per epoch with the monitored score.
type EpochScheduler interface {
	StepEpoch(ctx context.Context, score float64) error
}

// #endregion optimizer

// #region warmup-linear
// WarmupLinear ramps the learning rate linearly from 0 to its base value
// over the warmup steps, then decays it linearly to 0 at the last step.
type WarmupLinear struct {
	opt    Optimizer
	base   float64
	warmup int
	total  int
	step   int
}

// NewWarmupLinear derives the step budget from the training set: total is
// floor(numTrain/batchSize)*epochs and warmup is
// floor(numTrain*epochs*warmupFrac/batchSize). The optimizer's current rate
// is the base rate; it is set to the step-0 value immediately.
func NewWarmupLinear(ctx context.Context, opt Optimizer, numTrain, batchSize, epochs int, warmupFrac float64) (*WarmupLinear, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("warmup schedule: batch size must be positive, got %d", batchSize)
	}
	s := &WarmupLinear{
		opt:    opt,
		base:   opt.LearningRate(),
		total:  (numTrain / batchSize) * epochs,
		warmup: int(float64(numTrain*epochs) * warmupFrac / float64(batchSize)),
	}
	if err := opt.SetLearningRate(ctx, s.base*s.factor(0)); err != nil {
		return nil, fmt.Errorf("warmup schedule init: %w", err)
	}
	return s, nil
}

// Steps returns the warmup and total step counts.
func (s *WarmupLinear) Steps() (warmup, total int) {
	return s.warmup, s.total
}

func (s *WarmupLinear) factor(step int) float64 {
	if step < s.warmup {
		return float64(step) / float64(max(1, s.warmup))
	}
	return math.Max(0, float64(s.total-step)/float64(max(1, s.total-s.warmup)))
}

// StepBatch implements BatchScheduler.
func (s *WarmupLinear) StepBatch(ctx context.Context) error {
	s.step++
	if err := s.opt.SetLearningRate(ctx, s.base*s.factor(s.step)); err != nil {
		return fmt.Errorf("warmup schedule step %d: %w", s.step, err)
	}
	return nil
}

// #endregion warmup-linear

// #region plateau
const (
	plateauFactor    = 0.1
	plateauThreshold = 1e-4
	plateauEps       = 1e-8
)

// Plateau multiplies the learning rate by 0.1 once the monitored score
// (higher is better) has failed to improve by a relative 1e-4 for more
// than patience epochs.
type Plateau struct {
	opt      Optimizer
	patience int
	best     float64
	numBad   int
}

// NewPlateau returns a plateau schedule over opt.
func NewPlateau(opt Optimizer, patience int) *Plateau {
	return &Plateau{opt: opt, patience: patience, best: math.Inf(-1)}
}

// StepEpoch implements EpochScheduler.
func (p *Plateau) StepEpoch(ctx context.Context, score float64) error {
	if score > p.best*(1+plateauThreshold) || math.IsInf(p.best, -1) {
		p.best = score
		p.numBad = 0
	} else {
		p.numBad++
	}
	if p.numBad <= p.patience {
		return nil
	}

	p.numBad = 0
	old := p.opt.LearningRate()
	next := old * plateauFactor
	if old-next <= plateauEps {
		return nil
	}
	if err := p.opt.SetLearningRate(ctx, next); err != nil {
		return fmt.Errorf("plateau schedule: %w", err)
	}
	return nil
}

// #endregion plateau
