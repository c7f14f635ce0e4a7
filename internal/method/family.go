// Package method binds a model family's protocol to the shared training
// and evaluation machinery.
package method

import (
	"context"
	"fmt"
	"io"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/codec"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/config"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/dataset"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/eval"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/linear"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/model"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/ood"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/optim"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/pipeline"
)

// #region family
// Schedule names a learning-rate discipline.
type Schedule int

const (
	ScheduleWarmupLinear Schedule = iota // stepped per batch
	SchedulePlateau                      // stepped per epoch
)

// Family is the per-method protocol: which heads to read, whether to clip
// gradients and how the learning rate moves.
type Family struct {
	Method   config.Method
	Heads    eval.Heads
	Clip     bool
	GradClip float64
	Schedule Schedule
}

// FamilyFor resolves the family table for cfg.Method.
func FamilyFor(cfg *config.Config) (Family, error) {
	switch cfg.Method {
	case config.MethodMAGBERT:
		return Family{
			Method:   cfg.Method,
			Heads:    eval.Heads{Logits: "mm", Features: "h", FirstToken: true},
			Schedule: ScheduleWarmupLinear,
		}, nil
	case config.MethodMulT:
		return Family{
			Method:   cfg.Method,
			Heads:    eval.Heads{Logits: "logits", Features: "last_hiddens"},
			Clip:     cfg.Train.GradClip != -1,
			GradClip: cfg.Train.GradClip,
			Schedule: SchedulePlateau,
		}, nil
	}
	return Family{}, fmt.Errorf("%w: unknown method %q", config.ErrInvalid, cfg.Method)
}

// #endregion family

// #region backend
// Backend is a network with its optimizer and the OOD scorers that go with
// it. Close releases any connection.
type Backend struct {
	Net        model.Network
	Opt        optim.Optimizer
	Classifier ood.OpenSetClassifier
	Detector   ood.Detector
	io.Closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewBackend builds the configured backend. The local backend is sized from
// the first training sample's modality rows.
func NewBackend(ctx context.Context, cfg *config.Config, fam Family, data *pipeline.Data) (*Backend, error) {
	switch cfg.Backend.Kind {
	case config.BackendRemote:
		c, err := codec.NewBackendClient(cfg.Backend.Addr)
		if err != nil {
			return nil, err
		}
		if err := c.Init(ctx, cfg); err != nil {
			c.Close()
			return nil, err
		}
		return &Backend{Net: c, Opt: c, Classifier: c, Detector: c, Closer: c}, nil

	case config.BackendLocal:
		lc := linear.Config{
			NumLabels:        cfg.NumLabels(),
			TextDim:          cfg.Backend.FeatSize,
			LogitsKey:        fam.Heads.Logits,
			FeaturesKey:      fam.Heads.Features,
			SequenceFeatures: fam.Heads.FirstToken,
		}
		lc.VideoDim, lc.AudioDim = modalityDims(data.Splits)
		net, err := linear.New(lc)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Net:        net,
			Opt:        linear.NewSGD(net, cfg.Train.LR, cfg.Train.WeightDecay),
			Classifier: ood.ThresholdClassifier{Threshold: 0.5},
			Detector:   ood.LogitDetector{},
			Closer:     nopCloser{},
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalid, cfg.Backend.Kind)
}

// modalityDims reads row widths from any non-empty split.
func modalityDims(s dataset.Splits) (video, audio int) {
	for _, name := range []string{dataset.SplitTrain, dataset.SplitTest, dataset.SplitDev} {
		d, ok := s[name]
		if !ok || d.Len() == 0 {
			continue
		}
		smp := d.Get(0)
		if len(smp.Video) > 0 {
			video = len(smp.Video[0])
		}
		if len(smp.Audio) > 0 {
			audio = len(smp.Audio[0])
		}
		return video, audio
	}
	return 0, 0
}

// #endregion backend
