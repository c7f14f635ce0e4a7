package method

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/config"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/dataset"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/eval"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/logging"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/pipeline"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/textfeat"
)

// #region helpers
func feature(tok int) textfeat.Feature {
	return textfeat.Feature{
		InputIDs:   []int{2, tok, 3, 0},
		InputMask:  []int{1, 1, 1, 0},
		SegmentIDs: []int{0, 0, 0, 0},
	}
}

// split builds a dataset where class c is signalled by token 5+c.
func split(t *testing.T, labels []int, tokens []int) *dataset.Dataset {
	t.Helper()
	text := make([]textfeat.Feature, len(labels))
	for i := range labels {
		text[i] = feature(tokens[i])
	}
	d, err := dataset.New(labels, text)
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}
	return d
}

func testData(t *testing.T) *pipeline.Data {
	t.Helper()
	trainSet := split(t, []int{0, 1, 0, 1, 0, 1, 0, 1}, []int{5, 6, 5, 6, 5, 6, 5, 6})
	return &pipeline.Data{
		Splits: dataset.Splits{
			dataset.SplitTrain: trainSet,
			dataset.SplitDev:   split(t, []int{0, 1, 0, 1}, []int{5, 6, 5, 6}),
			// the last two rows are OOD (MIntRec OOD id is 20) with an unseen token
			dataset.SplitTest: split(t, []int{0, 1, 20, 20}, []int{5, 6, 9, 9}),
		},
		NumTrainExamples: trainSet.Len(),
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Train.Epochs = 4
	cfg.Train.WaitPatience = 2
	cfg.Train.LR = 0.5
	cfg.Train.WeightDecay = 0
	cfg.Train.BatchSize = 2
	cfg.Train.EvalBatchSize = 2
	cfg.Train.TestBatchSize = 3
	cfg.Train.Workers = 2
	cfg.Train.Prefetch = 2
	cfg.Backend.FeatSize = 16
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return &cfg
}

func newManager(t *testing.T, cfg *config.Config, data *pipeline.Data, store *checkpoint.Store) *Manager {
	t.Helper()
	fam, err := FamilyFor(cfg)
	if err != nil {
		t.Fatalf("FamilyFor: %v", err)
	}
	b, err := NewBackend(context.Background(), cfg, fam, data)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return NewManager(cfg, fam, b, data, store)
}

func openStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	s, err := checkpoint.Open(filepath.Join(t.TempDir(), "model.db"))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// #endregion helpers

// #region family-tests
func TestFamilyFor(t *testing.T) {
	cfg := config.Default()
	fam, err := FamilyFor(&cfg)
	if err != nil {
		t.Fatalf("FamilyFor: %v", err)
	}
	if fam.Heads.Logits != "mm" || !fam.Heads.FirstToken || fam.Clip || fam.Schedule != ScheduleWarmupLinear {
		t.Fatalf("unexpected mag_bert family %+v", fam)
	}

	cfg.Method = config.MethodMulT
	cfg.Train.GradClip = 0.8
	fam, _ = FamilyFor(&cfg)
	if fam.Heads.Features != "last_hiddens" || !fam.Clip || fam.GradClip != 0.8 || fam.Schedule != SchedulePlateau {
		t.Fatalf("unexpected mult family %+v", fam)
	}

	cfg.Train.GradClip = -1
	fam, _ = FamilyFor(&cfg)
	if fam.Clip {
		t.Fatal("grad_clip -1 should disable clipping")
	}

	cfg.Method = "bogus"
	if _, err := FamilyFor(&cfg); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

// #endregion family-tests

// #region manager-tests
func TestTrainSavesBestAndTests(t *testing.T) {
	cfg := testConfig(t)
	cfg.OOD.TestOOD = true
	store := openStore(t)
	m := newManager(t, cfg, testData(t), store)

	rs, err := m.Train(context.Background())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	rec, saved, err := store.Active()
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if rec.RunID != m.RunID() || rec.Epoch != rs.BestEpoch || !saved.BitEqual(rs.Best) {
		t.Fatalf("saved checkpoint does not match the best epoch: %+v", rec)
	}
	epochs, err := logging.ListEpochs(store.DB(), m.RunID())
	if err != nil {
		t.Fatalf("ListEpochs: %v", err)
	}
	if len(epochs) != rs.Epoch {
		t.Fatalf("expected %d epoch rows, got %d", rs.Epoch, len(epochs))
	}

	res, err := m.Test(context.Background())
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	for _, k := range []string{eval.MetricAcc, eval.MetricF1, eval.MetricLoss, "best_eval_score", "ood_auroc"} {
		if _, ok := res[k]; !ok {
			t.Errorf("missing %q in %v", k, res)
		}
	}
	if res[eval.MetricAcc] != 1 {
		t.Errorf("expected IND test accuracy 1, got %g", res[eval.MetricAcc])
	}
	for k := range res {
		if k == "auroc" || k == "ood_ood_auroc" {
			t.Errorf("OOD key %q should carry exactly one ood_ prefix", k)
		}
	}
}

func TestTestRestoresActiveCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	store := openStore(t)
	data := testData(t)

	first := newManager(t, cfg, data, store)
	rs, err := first.Train(context.Background())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}

	second := newManager(t, cfg, data, store)
	res, err := second.Test(context.Background())
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if _, ok := res["best_eval_score"]; ok {
		t.Error("best_eval_score is only reported after in-process training")
	}
	got, err := second.backend.Net.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if !got.BitEqual(rs.Best) {
		t.Fatal("restored parameters differ from the saved snapshot")
	}
}

func TestTestWithoutCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	m := newManager(t, cfg, testData(t), nil)
	if _, err := m.Test(context.Background()); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
	if _, err := newManager(t, cfg, testData(t), openStore(t)).Test(context.Background()); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint on empty store, got %v", err)
	}
}

func TestTrainMissingDevSplit(t *testing.T) {
	cfg := testConfig(t)
	data := testData(t)
	delete(data.Splits, dataset.SplitDev)
	if _, err := newManager(t, cfg, data, nil).Train(context.Background()); !errors.Is(err, ErrMissingSplit) {
		t.Fatalf("expected ErrMissingSplit, got %v", err)
	}
}

// #endregion manager-tests
