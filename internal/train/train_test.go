package train

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/batch"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/dataset"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/eval"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/logging"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/model"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/textfeat"
)

// #region mocks
// counterNet's only parameter is the number of optimizer steps applied.
type counterNet struct {
	model.Network
	w        float64
	backward int
	clipped  []float64
}

func (n *counterNet) Forward(_ context.Context, b *batch.Batch, _ bool) (model.Output, error) {
	return model.Output{"mm": {Shape: []int{b.Size(), 2}, Data: make([]float64, 2*b.Size())}}, nil
}

func (n *counterNet) Backward(context.Context, model.Tensor) error {
	n.backward++
	return nil
}

func (n *counterNet) ClipGradValue(_ context.Context, clip float64) error {
	n.clipped = append(n.clipped, clip)
	return nil
}

func (n *counterNet) State(context.Context) (model.Params, error) {
	return model.Params{"w": model.FromVector([]float64{n.w})}, nil
}

func (n *counterNet) LoadState(_ context.Context, p model.Params) error {
	n.w = p["w"].Data[0]
	return nil
}

type stepOptimizer struct {
	net   *counterNet
	lr    float64
	zeros int
}

func (o *stepOptimizer) ZeroGrad(context.Context) error { o.zeros++; return nil }
func (o *stepOptimizer) Step(context.Context) error     { o.net.w++; return nil }
func (o *stepOptimizer) LearningRate() float64          { return o.lr }
func (o *stepOptimizer) SetLearningRate(_ context.Context, lr float64) error {
	o.lr = lr
	return nil
}

// scriptedEval returns the next scripted score under monitor for each call.
type scriptedEval struct {
	monitor string
	scores  []float64
	calls   int
}

func (s *scriptedEval) Run(context.Context, eval.BatchSource, eval.Mode) (*eval.Outputs, eval.Metrics, error) {
	v := s.scores[s.calls]
	s.calls++
	return nil, eval.Metrics{s.monitor: v}, nil
}

type countSchedule struct {
	batches int
	epochs  []float64
}

func (c *countSchedule) StepBatch(context.Context) error { c.batches++; return nil }
func (c *countSchedule) StepEpoch(_ context.Context, score float64) error {
	c.epochs = append(c.epochs, score)
	return nil
}

type memLog struct {
	entries []logging.EpochEntry
}

func (m *memLog) LogEpoch(e logging.EpochEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

func newLoader(t *testing.T, n, bs int) *batch.Loader {
	t.Helper()
	labels := make([]int, n)
	text := make([]textfeat.Feature, n)
	for i := range text {
		labels[i] = i % 2
		text[i] = textfeat.Feature{InputIDs: []int{1}, InputMask: []int{1}, SegmentIDs: []int{0}}
	}
	d, err := dataset.New(labels, text)
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}
	return batch.NewLoader(d, bs, batch.WithShuffle(1))
}

var heads = eval.Heads{Logits: "mm", Features: "h", FirstToken: true}

// dialogueNet emits one uniform logits row per turn and keeps every
// gradient it receives.
type dialogueNet struct {
	counterNet
	grads []model.Tensor
}

func (n *dialogueNet) Forward(_ context.Context, b *batch.Batch, _ bool) (model.Output, error) {
	rows := 0
	for _, turns := range b.TurnLabels {
		rows += len(turns)
	}
	return model.Output{"mm": {Shape: []int{rows, 2}, Data: make([]float64, 2*rows)}}, nil
}

func (n *dialogueNet) Backward(_ context.Context, grad model.Tensor) error {
	n.grads = append(n.grads, grad)
	return nil
}

func newDialogueLoader(t *testing.T, labels [][]int, bs int) *batch.Loader {
	t.Helper()
	text := make([][]textfeat.Feature, len(labels))
	speakers := make([][]int, len(labels))
	for i, turns := range labels {
		text[i] = make([]textfeat.Feature, len(turns))
		speakers[i] = make([]int, len(turns))
		for j := range turns {
			text[i][j] = textfeat.Feature{InputIDs: []int{1}, InputMask: []int{1}, SegmentIDs: []int{0}}
		}
	}
	d, err := dataset.NewMultiTurn(labels, text, speakers)
	if err != nil {
		t.Fatalf("dataset.NewMultiTurn: %v", err)
	}
	return batch.NewLoader(d, bs)
}

// #endregion mocks

// #region early-stopping-tests
func TestEarlyStoppingSequence(t *testing.T) {
	e := NewEarlyStopping(2, eval.MetricF1)
	snap := func(v float64) func() (model.Params, error) {
		return func() (model.Params, error) { return model.Params{"w": model.FromVector([]float64{v})}, nil }
	}
	var got []logging.Decision
	for i, s := range []float64{0.5, 0.7, 0.6, 0.6} {
		d, err := e.Observe(i+1, s, snap(float64(i+1)))
		if err != nil {
			t.Fatalf("Observe: %v", err)
		}
		got = append(got, d)
	}
	want := []logging.Decision{logging.DecisionImproved, logging.DecisionImproved, logging.DecisionPatience, logging.DecisionStop}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("decisions mismatch (-want +got):\n%s", diff)
	}
	best, epoch, p := e.Best()
	if best != 0.7 || epoch != 2 || p["w"].Data[0] != 2 {
		t.Fatalf("unexpected best: score=%g epoch=%d params=%v", best, epoch, p)
	}
}

func TestEarlyStoppingLossMinimizes(t *testing.T) {
	e := NewEarlyStopping(1, eval.MetricLoss)
	noop := func() (model.Params, error) { return model.Params{}, nil }
	if d, _ := e.Observe(1, 2.0, noop); d != logging.DecisionImproved {
		t.Fatalf("expected improvement from initial loss, got %s", d)
	}
	if d, _ := e.Observe(2, 2.5, noop); d != logging.DecisionStop {
		t.Fatalf("expected stop on higher loss, got %s", d)
	}
}

func TestEarlyStoppingDelta(t *testing.T) {
	e := NewEarlyStopping(3, eval.MetricAcc)
	noop := func() (model.Params, error) { return model.Params{}, nil }
	_, _ = e.Observe(1, 0.5, noop)
	if e.Improves(0.5 + 1e-7) {
		t.Fatal("gain below delta should not count as improvement")
	}
	if !e.Improves(0.5 + 2e-6) {
		t.Fatal("gain above delta should count as improvement")
	}
}

func TestAverageMeter(t *testing.T) {
	var m AverageMeter
	m.Update(1.0, 3)
	m.Update(3.0, 1)
	if m.Avg() != 1.5 {
		t.Fatalf("expected 1.5, got %g", m.Avg())
	}
	m.Reset()
	if m.Avg() != 0 {
		t.Fatalf("expected 0 after reset, got %g", m.Avg())
	}
}

// #endregion early-stopping-tests

// #region trainer-tests
func TestTrainerReturnsBestSnapshot(t *testing.T) {
	net := &counterNet{}
	opt := &stepOptimizer{net: net, lr: 0.1}
	sched := &countSchedule{}
	log := &memLog{}
	ev := &scriptedEval{monitor: eval.MetricF1, scores: []float64{0.5, 0.7, 0.6, 0.6, 0.9, 0.9}}

	tr, err := New(net, opt, ev, heads, Options{
		Epochs: 6, Patience: 2, Monitor: eval.MetricF1,
		BatchSchedule: sched, EpochSchedule: sched,
		RunID: "run-1", EpochLog: log,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rs, err := tr.Run(context.Background(), newLoader(t, 4, 2), newLoader(t, 2, 2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rs.Epoch != 4 || !rs.Stopped {
		t.Fatalf("expected early stop after epoch 4, got epoch=%d stopped=%v", rs.Epoch, rs.Stopped)
	}
	if rs.BestEpoch != 2 || rs.BestScore != 0.7 {
		t.Fatalf("expected best epoch 2 score 0.7, got %d %g", rs.BestEpoch, rs.BestScore)
	}
	// two steps per epoch: epoch 2 snapshot has w=4, live weights reached 8
	if net.w != 4 {
		t.Fatalf("expected epoch-2 weights restored (w=4), got %g", net.w)
	}
	if rs.Best["w"].Data[0] != 4 {
		t.Fatalf("returned snapshot has w=%g", rs.Best["w"].Data[0])
	}
	if tr.State() != StateStopped {
		t.Fatalf("expected stopped state, got %s", tr.State())
	}
	if sched.batches != 8 || len(sched.epochs) != 4 {
		t.Fatalf("expected 8 batch and 4 epoch schedule steps, got %d and %d", sched.batches, len(sched.epochs))
	}
	if net.backward != 8 || opt.zeros != 8 {
		t.Fatalf("expected 8 backward/zero-grad calls, got %d/%d", net.backward, opt.zeros)
	}
	if len(net.clipped) != 0 {
		t.Fatal("clip should be disabled")
	}

	var decisions []logging.Decision
	for _, e := range log.entries {
		decisions = append(decisions, e.Decision)
	}
	want := []logging.Decision{logging.DecisionImproved, logging.DecisionImproved, logging.DecisionPatience, logging.DecisionStop}
	if diff := cmp.Diff(want, decisions); diff != "" {
		t.Fatalf("logged decisions mismatch (-want +got):\n%s", diff)
	}
	if log.entries[3].BestScore != 0.7 || log.entries[0].LearningRate != 0.1 {
		t.Fatalf("unexpected log entry: %+v", log.entries[3])
	}
}

func TestTrainerEpochBudget(t *testing.T) {
	net := &counterNet{}
	ev := &scriptedEval{monitor: eval.MetricAcc, scores: []float64{0.1, 0.2, 0.3}}
	tr, err := New(net, &stepOptimizer{net: net}, ev, heads, Options{
		Epochs: 3, Patience: 5, Monitor: eval.MetricAcc, Clip: true, GradClip: 0.5,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rs, err := tr.Run(context.Background(), newLoader(t, 3, 2), newLoader(t, 1, 1))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rs.Stopped || rs.BestEpoch != 3 || net.w != 6 {
		t.Fatalf("unexpected run state %+v w=%g", rs, net.w)
	}
	if len(net.clipped) != 6 || net.clipped[0] != 0.5 {
		t.Fatalf("expected 6 clips at 0.5, got %v", net.clipped)
	}
}

func TestTrainerNoImprovement(t *testing.T) {
	net := &counterNet{}
	ev := &scriptedEval{monitor: eval.MetricF1, scores: []float64{0, 0}}
	tr, _ := New(net, &stepOptimizer{net: net}, ev, heads, Options{Epochs: 5, Patience: 2, Monitor: eval.MetricF1})
	if _, err := tr.Run(context.Background(), newLoader(t, 2, 2), newLoader(t, 1, 1)); !errors.Is(err, ErrNoImprovement) {
		t.Fatalf("expected ErrNoImprovement, got %v", err)
	}
}

func TestTrainerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	net := &counterNet{}
	ev := &scriptedEval{monitor: eval.MetricF1, scores: []float64{1}}
	tr, _ := New(net, &stepOptimizer{net: net}, ev, heads, Options{Epochs: 1, Patience: 1, Monitor: eval.MetricF1})
	if _, err := tr.Run(ctx, newLoader(t, 2, 1), newLoader(t, 1, 1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if net.w != 0 {
		t.Fatal("no step should run after cancellation")
	}
}

func TestTrainerDialogueLoss(t *testing.T) {
	net := &dialogueNet{}
	log := &memLog{}
	ev := &scriptedEval{monitor: eval.MetricF1, scores: []float64{0.5}}
	tr, err := New(net, &stepOptimizer{net: &net.counterNet}, ev, heads, Options{
		Epochs: 1, Patience: 1, Monitor: eval.MetricF1, EpochLog: log,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// the second dialogue is one turn short, so its last row is padding
	if _, err := tr.Run(context.Background(), newDialogueLoader(t, [][]int{{0, 1}, {1}}, 2), newLoader(t, 1, 1)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(log.entries) != 1 || math.Abs(log.entries[0].TrainLoss-math.Ln2) > 1e-12 {
		t.Fatalf("expected train loss ln2, got %+v", log.entries)
	}
	if len(net.grads) != 1 {
		t.Fatalf("expected one backward call, got %d", len(net.grads))
	}
	g := net.grads[0]
	if diff := cmp.Diff([]int{4, 2}, g.Shape); diff != "" {
		t.Fatalf("gradient shape mismatch (-want +got):\n%s", diff)
	}
	want := []float64{-1.0 / 6, 1.0 / 6, 1.0 / 6, -1.0 / 6, 1.0 / 6, -1.0 / 6, 0, 0}
	for i, v := range want {
		if math.Abs(g.Data[i]-v) > 1e-12 {
			t.Fatalf("gradient %v, want %v", g.Data, want)
		}
	}
}

func TestNewRejectsUnknownMonitor(t *testing.T) {
	if _, err := New(&counterNet{}, nil, nil, heads, Options{Epochs: 1, Patience: 1, Monitor: "auroc"}); !errors.Is(err, eval.ErrUnknownMonitor) {
		t.Fatalf("expected ErrUnknownMonitor, got %v", err)
	}
}

// #endregion trainer-tests
