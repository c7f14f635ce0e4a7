// Package pipeline assembles datasets for every configured split: examples
// are extracted, encoded, mapped to class ids and joined with modality tables.
package pipeline

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/config"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/dataset"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/example"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/logging"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/textfeat"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/tokenizer"
)

// #region data
// Data is everything downstream components need from the input side.
type Data struct {
	Splits  dataset.Splits
	Derived textfeat.Derived
	// NumTrainExamples sizes the warmup schedule.
	NumTrainExamples int
}

// #endregion data

// #region tokenizer
// NewTokenizer loads the WordPiece vocabulary and wraps it in an LRU cache
// when cache_size is positive.
func NewTokenizer(cfg *config.Config) (tokenizer.Tokenizer, error) {
	wp, err := tokenizer.LoadWordPiece(cfg.Text.VocabPath, cfg.Text.DoLowerCase)
	if err != nil {
		return nil, err
	}
	if cfg.Text.CacheSize <= 0 {
		return wp, nil
	}
	return tokenizer.NewCached(wp, cfg.Text.CacheSize)
}

// #endregion tokenizer

// #region builder
type builder struct {
	cfg    *config.Config
	spec   config.DatasetSpec
	proc   *example.Processor
	enc    textfeat.SplitEncoder
	labels map[string]int
	video  map[string]*dataset.DenseTable
	audio  map[string]*dataset.DenseTable
	log    *logrus.Entry
}

// Build runs extraction and encoding for the configured splits.
func Build(cfg *config.Config, tok tokenizer.Tokenizer) (*Data, error) {
	spec := cfg.DatasetSpec()
	if !spec.HasLabelColumn() && !cfg.Data.Clustering {
		return nil, fmt.Errorf("%w: %s has no label column, only clustering data can be built", config.ErrInvalid, cfg.Data.Dataset)
	}

	b := &builder{
		cfg:    cfg,
		spec:   spec,
		proc:   example.NewProcessor(spec, true),
		labels: spec.LabelIndex(),
		log:    logging.New("pipeline"),
	}
	if err := b.loadTables(); err != nil {
		return nil, err
	}

	if cfg.Data.Clustering {
		return b.clustering(tok)
	}

	switch cfg.Text.Encoding {
	case config.EncodingConditional:
		enc, err := textfeat.NewConditionalEncoder(tok, cfg.Text.SeqLen, cfg.Text.LabelLen, spec)
		if err != nil {
			return nil, err
		}
		b.enc = enc
	default:
		b.enc = textfeat.NewEncoder(tok, cfg.Text.SeqLen)
	}

	var splits []example.Split
	if cfg.Data.Train {
		splits = append(splits, example.SplitTrain, example.SplitDev)
	}
	if cfg.Data.Test {
		splits = append(splits, example.SplitTest)
	}
	if cfg.Data.Augment {
		splits = append(splits, example.SplitAug)
	}

	enc, derived, err := textfeat.EncodeSplits(b.proc, cfg.TextDataPath(), b.enc, splits...)
	if err != nil {
		return nil, err
	}
	out, err := b.datasets(enc, "")
	if err != nil {
		return nil, err
	}
	if aug, ok := out[dataset.SplitAug]; ok {
		if err := mergeAugment(out, aug); err != nil {
			return nil, err
		}
	}

	if cfg.OOD.TrainOOD || cfg.OOD.TestOOD {
		oodSplits, err := b.oodSplits()
		if err != nil {
			return nil, err
		}
		if out, err = dataset.ExtendWithOOD(out, oodSplits, cfg.OOD.TrainOOD, cfg.OOD.TestOOD); err != nil {
			return nil, err
		}
	}

	data := &Data{Splits: out, Derived: derived}
	if d, ok := out[dataset.SplitTrain]; ok {
		data.NumTrainExamples = d.Len()
	}
	b.logSplits(out)
	return data, nil
}

// mergeAugment appends the augmented examples to the train split, or makes
// them the train split when none was built. The aug entry is removed.
func mergeAugment(s dataset.Splits, aug *dataset.Dataset) error {
	if train, ok := s[dataset.SplitTrain]; ok {
		merged, err := dataset.Concat(train, aug)
		if err != nil {
			return fmt.Errorf("merge augmented split: %w", err)
		}
		aug = merged
	}
	s[dataset.SplitTrain] = aug
	delete(s, dataset.SplitAug)
	return nil
}

func (b *builder) clustering(tok tokenizer.Tokenizer) (*Data, error) {
	enc := textfeat.NewEncoder(tok, b.cfg.Text.SeqLen)
	feats, err := textfeat.EncodeClustering(b.proc, b.cfg.TextDataPath(), enc)
	if err != nil {
		return nil, err
	}
	out, err := b.datasets(feats, "")
	if err != nil {
		return nil, err
	}
	b.logSplits(out)
	return &Data{Splits: out, Derived: enc.Derived(), NumTrainExamples: out[dataset.SplitTrain].Len()}, nil
}

// #endregion builder

// #region splits
var splitNames = map[example.Split]string{
	example.SplitTrain: dataset.SplitTrain,
	example.SplitDev:   dataset.SplitDev,
	example.SplitTest:  dataset.SplitTest,
	example.SplitAug:   dataset.SplitAug,
}

// datasets turns encoded splits into containers. Modality tables are looked
// up under prefix+split name.
func (b *builder) datasets(enc textfeat.Outputs, prefix string) (dataset.Splits, error) {
	out := make(dataset.Splits, len(enc))
	for s, feats := range enc {
		name := splitNames[s]
		var opts []dataset.Option
		if b.video != nil {
			t, ok := b.video[prefix+name]
			if !ok {
				return nil, fmt.Errorf("%w: video features missing split %q", dataset.ErrLengthMismatch, prefix+name)
			}
			opts = append(opts, dataset.WithVideo(t))
		}
		if b.audio != nil {
			t, ok := b.audio[prefix+name]
			if !ok {
				return nil, fmt.Errorf("%w: audio features missing split %q", dataset.ErrLengthMismatch, prefix+name)
			}
			opts = append(opts, dataset.WithAudio(t))
		}
		if feats.HasConditional() {
			opts = append(opts, dataset.WithConditional(feats.Conditional, feats.ConditionIdx))
		}

		d, err := dataset.New(b.labelIDs(feats.Labels), feats.Features, opts...)
		if err != nil {
			return nil, fmt.Errorf("build %s split: %w", prefix+name, err)
		}
		out[name] = d
	}
	return out, nil
}

// labelIDs maps raw labels to class ids. Labels outside the IND table,
// including absent ones, take the OOD id.
func (b *builder) labelIDs(raw []string) []int {
	oodID := b.cfg.OODLabelID()
	ids := make([]int, len(raw))
	for i, l := range raw {
		id, ok := b.labels[l]
		if !ok {
			id = oodID
		}
		ids[i] = id
	}
	return ids
}

// oodSplits encodes the OOD dataset's train, dev and test files. A missing
// file leaves that split out.
func (b *builder) oodSplits() (dataset.Splits, error) {
	if b.cfg.OOD.DataPath == "" {
		return dataset.Splits{}, nil
	}
	enc := textfeat.Outputs{}
	for _, s := range []example.Split{example.SplitTrain, example.SplitDev, example.SplitTest} {
		out, _, err := textfeat.EncodeSplits(b.proc, b.cfg.OOD.DataPath, b.enc, s)
		if errors.Is(err, fs.ErrNotExist) {
			b.log.WithField("split", s).Warn("ood split not found, skipping")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ood %s: %w", s, err)
		}
		enc[s] = out[s]
	}
	return b.datasets(enc, "ood_")
}

// #endregion splits

// #region modality
func (b *builder) loadTables() error {
	var err error
	if p := b.cfg.Data.VideoFeatsPath; p != "" {
		if b.video, err = dataset.LoadTables(p); err != nil {
			return err
		}
	}
	if p := b.cfg.Data.AudioFeatsPath; p != "" {
		if b.audio, err = dataset.LoadTables(p); err != nil {
			return err
		}
	}
	return nil
}

// #endregion modality

func (b *builder) logSplits(s dataset.Splits) {
	fields := logrus.Fields{}
	for name, d := range s {
		fields[name] = humanize.Comma(int64(d.Len()))
	}
	b.log.WithFields(fields).Info("datasets ready")
}
