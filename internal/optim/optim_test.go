package optim

import (
	"context"
	"errors"
	"math"
	"testing"
)

type fakeOptimizer struct {
	lr     float64
	setErr error
	sets   []float64
}

func (f *fakeOptimizer) ZeroGrad(context.Context) error { return nil }
func (f *fakeOptimizer) Step(context.Context) error     { return nil }
func (f *fakeOptimizer) LearningRate() float64          { return f.lr }
func (f *fakeOptimizer) SetLearningRate(_ context.Context, lr float64) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.lr = lr
	f.sets = append(f.sets, lr)
	return nil
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-12 }

// #region warmup-tests
func TestWarmupLinearBudget(t *testing.T) {
	opt := &fakeOptimizer{lr: 1.0}
	// 100 samples, batch 16, 10 epochs, 10% warmup
	s, err := NewWarmupLinear(context.Background(), opt, 100, 16, 10, 0.1)
	if err != nil {
		t.Fatalf("NewWarmupLinear: %v", err)
	}
	warmup, total := s.Steps()
	if total != 60 {
		t.Fatalf("expected total 60, got %d", total)
	}
	if warmup != 6 {
		t.Fatalf("expected warmup 6, got %d", warmup)
	}
	if opt.lr != 0 {
		t.Fatalf("expected lr 0 before the first step, got %g", opt.lr)
	}
}

func TestWarmupLinearShape(t *testing.T) {
	ctx := context.Background()
	opt := &fakeOptimizer{lr: 2.0}
	// total 10, warmup 2
	s, err := NewWarmupLinear(ctx, opt, 10, 1, 1, 0.2)
	if err != nil {
		t.Fatalf("NewWarmupLinear: %v", err)
	}
	want := []float64{1.0, 2.0, 1.75, 1.5, 1.25, 1.0, 0.75, 0.5, 0.25, 0, 0}
	for i, w := range want {
		if err := s.StepBatch(ctx); err != nil {
			t.Fatalf("StepBatch: %v", err)
		}
		if !near(opt.lr, w) {
			t.Fatalf("step %d: expected lr %g, got %g", i+1, w, opt.lr)
		}
	}
}

func TestWarmupLinearNoWarmup(t *testing.T) {
	opt := &fakeOptimizer{lr: 1.0}
	if _, err := NewWarmupLinear(context.Background(), opt, 8, 4, 2, 0); err != nil {
		t.Fatalf("NewWarmupLinear: %v", err)
	}
	if opt.lr != 1.0 {
		t.Fatalf("expected full lr with no warmup, got %g", opt.lr)
	}
}

func TestWarmupLinearErrors(t *testing.T) {
	if _, err := NewWarmupLinear(context.Background(), &fakeOptimizer{}, 8, 0, 2, 0); err == nil {
		t.Fatal("expected error for zero batch size")
	}
	boom := errors.New("boom")
	if _, err := NewWarmupLinear(context.Background(), &fakeOptimizer{setErr: boom}, 8, 4, 2, 0); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped optimizer error, got %v", err)
	}
}

// #endregion warmup-tests

// #region plateau-tests
func TestPlateauDecaysAfterPatience(t *testing.T) {
	ctx := context.Background()
	opt := &fakeOptimizer{lr: 1.0}
	p := NewPlateau(opt, 2)

	scores := []float64{0.5, 0.5, 0.5, 0.5}
	for _, s := range scores {
		if err := p.StepEpoch(ctx, s); err != nil {
			t.Fatalf("StepEpoch: %v", err)
		}
	}
	// first epoch sets best, three flat epochs exceed patience 2
	if !near(opt.lr, 0.1) {
		t.Fatalf("expected lr 0.1, got %g", opt.lr)
	}
	if len(opt.sets) != 1 {
		t.Fatalf("expected one decay, got %v", opt.sets)
	}
}

func TestPlateauImprovementResets(t *testing.T) {
	ctx := context.Background()
	opt := &fakeOptimizer{lr: 1.0}
	p := NewPlateau(opt, 1)

	for _, s := range []float64{0.5, 0.5, 0.6, 0.6, 0.7} {
		if err := p.StepEpoch(ctx, s); err != nil {
			t.Fatalf("StepEpoch: %v", err)
		}
	}
	if opt.lr != 1.0 {
		t.Fatalf("expected no decay, got %g", opt.lr)
	}
}

func TestPlateauRelativeThreshold(t *testing.T) {
	ctx := context.Background()
	opt := &fakeOptimizer{lr: 1.0}
	p := NewPlateau(opt, 0)

	_ = p.StepEpoch(ctx, 1.0)
	// 1.00005 is within the 1e-4 relative threshold
	if err := p.StepEpoch(ctx, 1.00005); err != nil {
		t.Fatalf("StepEpoch: %v", err)
	}
	if !near(opt.lr, 0.1) {
		t.Fatalf("expected decay for sub-threshold gain, got %g", opt.lr)
	}
}

func TestPlateauStopsAtEps(t *testing.T) {
	opt := &fakeOptimizer{lr: 1e-9}
	p := NewPlateau(opt, 0)
	_ = p.StepEpoch(context.Background(), 1)
	_ = p.StepEpoch(context.Background(), 1)
	if opt.lr != 1e-9 {
		t.Fatalf("expected decay below eps to be skipped, got %g", opt.lr)
	}
}

// #endregion plateau-tests
