package method

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/batch"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/config"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/dataset"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/eval"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/logging"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/ood"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/optim"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/pipeline"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/train"
)

var (
	ErrMissingSplit = errors.New("required split not built")
	ErrNoCheckpoint = errors.New("no trained model to test")
)

// #region manager
// Manager runs one family's train and test protocol over prepared data.
type Manager struct {
	cfg     *config.Config
	family  Family
	backend *Backend
	data    *pipeline.Data
	store   *checkpoint.Store // may be nil
	runID   string
	log     *logrus.Entry

	trained   bool
	bestScore float64
}

// NewManager binds the collaborators. store may be nil, in which case
// nothing is saved or restored.
func NewManager(cfg *config.Config, fam Family, backend *Backend, data *pipeline.Data, store *checkpoint.Store) *Manager {
	runID := uuid.New().String()
	return &Manager{
		cfg:     cfg,
		family:  fam,
		backend: backend,
		data:    data,
		store:   store,
		runID:   runID,
		log:     logging.New("method").WithFields(logrus.Fields{"method": fam.Method, "run_id": runID}),
	}
}

// RunID identifies this manager's epoch log rows and checkpoints.
func (m *Manager) RunID() string { return m.runID }

func (m *Manager) split(name string) (*dataset.Dataset, error) {
	d, ok := m.data.Splits[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingSplit, name)
	}
	return d, nil
}

func (m *Manager) loader(d *dataset.Dataset, batchSize int, shuffle bool) *batch.Loader {
	opts := []batch.Option{
		batch.WithWorkers(m.cfg.Train.Workers),
		batch.WithPrefetch(m.cfg.Train.Prefetch),
	}
	if shuffle {
		opts = append(opts, batch.WithShuffle(m.cfg.Train.Seed))
	}
	return batch.NewLoader(d, batchSize, opts...)
}

func (m *Manager) pass() *eval.Pass {
	return eval.NewPass(m.backend.Net, m.family.Heads, m.cfg.OODLabelID())
}

// #endregion manager

// #region train
// Train runs the training loop on train/dev and leaves the best epoch's
// parameters loaded. With save_model the snapshot is committed to the store.
func (m *Manager) Train(ctx context.Context) (train.RunState, error) {
	trainSet, err := m.split(dataset.SplitTrain)
	if err != nil {
		return train.RunState{}, err
	}
	devSet, err := m.split(dataset.SplitDev)
	if err != nil {
		return train.RunState{}, err
	}

	opts := train.Options{
		Epochs:   m.cfg.Train.Epochs,
		Patience: m.cfg.Train.WaitPatience,
		Monitor:  m.cfg.Train.EvalMonitor,
		Clip:     m.family.Clip,
		GradClip: m.family.GradClip,
		RunID:    m.runID,
	}
	switch m.family.Schedule {
	case ScheduleWarmupLinear:
		s, err := optim.NewWarmupLinear(ctx, m.backend.Opt, m.data.NumTrainExamples, m.cfg.Train.BatchSize, m.cfg.Train.Epochs, m.cfg.Train.WarmupProportion)
		if err != nil {
			return train.RunState{}, err
		}
		opts.BatchSchedule = s
	case SchedulePlateau:
		opts.EpochSchedule = optim.NewPlateau(m.backend.Opt, m.cfg.Train.WaitPatience)
	}
	if m.store != nil {
		opts.EpochLog = logging.EpochLog{DB: m.store.DB()}
	}

	t, err := train.New(m.backend.Net, m.backend.Opt, m.pass(), m.family.Heads, opts)
	if err != nil {
		return train.RunState{}, err
	}
	m.log.WithField("train", trainSet.Len()).Info("training start")
	rs, err := t.Run(ctx,
		m.loader(trainSet, m.cfg.Train.BatchSize, true),
		m.loader(devSet, m.cfg.Train.EvalBatchSize, false),
	)
	if err != nil {
		return rs, err
	}
	m.trained = true
	m.bestScore = rs.BestScore

	if m.cfg.Train.SaveModel && m.store != nil {
		rec, err := m.store.Commit(checkpoint.Record{
			RunID:   m.runID,
			Epoch:   rs.BestEpoch,
			Monitor: m.cfg.Train.EvalMonitor,
			Score:   rs.BestScore,
		}, rs.Best)
		if err != nil {
			return rs, fmt.Errorf("save model: %w", err)
		}
		m.log.WithField("version", rec.VersionID).Info("saved best model")
	}
	m.log.WithFields(logrus.Fields{"best_epoch": rs.BestEpoch, "best_score": rs.BestScore}).Info("training complete")
	return rs, nil
}

// #endregion train

// #region test
// Test scores the test split on IND rows only and adds best_eval_score after
// an in-process training run. With test_ood it also adds the OOD scorer's
// results, each key prefixed "ood_" so that scorer metrics such as "f1" or
// "acc" never overwrite the IND ones. Without a training run the active
// checkpoint is restored first.
func (m *Manager) Test(ctx context.Context) (eval.Metrics, error) {
	if !m.trained {
		if err := m.restore(ctx); err != nil {
			return nil, err
		}
	}
	testSet, err := m.split(dataset.SplitTest)
	if err != nil {
		return nil, err
	}
	testSrc := m.loader(testSet, m.cfg.Train.TestBatchSize, false)

	pass := m.pass()
	_, metrics, err := pass.Run(ctx, testSrc, eval.ModeIND)
	if err != nil {
		return nil, fmt.Errorf("test pass: %w", err)
	}
	results := make(eval.Metrics, len(metrics)+1)
	for k, v := range metrics {
		results[k] = v
	}
	if m.trained {
		results["best_eval_score"] = math.Round(m.bestScore*1e4) / 1e4
	}

	if m.cfg.OOD.TestOOD {
		trainSet, err := m.split(dataset.SplitTrain)
		if err != nil {
			return nil, err
		}
		o := ood.NewOrchestrator(m.cfg, pass, m.backend.Net, m.backend.Classifier, m.backend.Detector)
		scores, err := o.Run(ctx, m.loader(trainSet, m.cfg.Train.EvalBatchSize, false), testSrc)
		if err != nil {
			return nil, fmt.Errorf("ood test: %w", err)
		}
		for k, v := range scores {
			results["ood_"+k] = v
		}
	}

	entry := m.log.WithField("split", dataset.SplitTest)
	for _, k := range results.Keys() {
		entry = entry.WithField(k, results[k])
	}
	entry.Info("test results")
	return results, nil
}

func (m *Manager) restore(ctx context.Context) error {
	if m.store == nil {
		return ErrNoCheckpoint
	}
	rec, p, err := m.store.Active()
	if errors.Is(err, checkpoint.ErrNoActive) {
		return ErrNoCheckpoint
	}
	if err != nil {
		return err
	}
	if err := m.backend.Net.LoadState(ctx, p); err != nil {
		return fmt.Errorf("restore %s: %w", rec.VersionID, err)
	}
	m.log.WithField("version", rec.VersionID).Info("restored checkpoint")
	return nil
}

// #endregion test
