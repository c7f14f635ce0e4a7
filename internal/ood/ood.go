// Package ood packages evaluation outputs for open-set classification and
// out-of-distribution detection scorers.
package ood

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/config"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/eval"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/logging"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/model"
)

// #region contracts
var ErrLinearProbeRequired = errors.New("ood method needs a linear probe but the network exposes none")

// OpenSetInputs is the open-set classifier bundle. Logits are the sigmoid
// view of the raw logits.
type OpenSetInputs struct {
	TrainLogits *mat.Dense
	TrainLabels []int
	TestLogits  *mat.Dense
	TestLabels  []int
	OODLabelID  int
}

// DetectInputs is the detector bundle. The train features, probe weight
// and bias are set only for feature-space methods.
type DetectInputs struct {
	Method       config.OODMethod
	TestLogits   *mat.Dense
	TestFeatures *mat.Dense
	TestLabels   []int
	TestPreds    []int
	OODLabelID   int

	TrainFeatures *mat.Dense
	TrainLabels   []int
	Weight        *mat.Dense
	Bias          []float64
}

// OpenSetClassifier scores open-set predictions.
type OpenSetClassifier interface {
	Classify(ctx context.Context, in OpenSetInputs) (map[string]float64, error)
}

// Detector scores OOD detection.
type Detector interface {
	Detect(ctx context.Context, in DetectInputs) (map[string]float64, error)
}

// Collector runs the network over a split; *eval.Pass implements it.
type Collector interface {
	Collect(ctx context.Context, src eval.BatchSource) (*eval.Outputs, error)
}

// #endregion contracts

// #region orchestrator
// Orchestrator selects one of the two scoring modes and assembles its inputs.
// It holds no scoring logic.
type Orchestrator struct {
	mode       config.TestMode
	method     config.OODMethod
	oodLabelID int
	collector  Collector
	net        model.Network
	classifier OpenSetClassifier
	detector   Detector
	log        *logrus.Entry
}

// NewOrchestrator binds the scorers. Either scorer may be nil when its mode
// is not selected.
func NewOrchestrator(cfg *config.Config, collector Collector, net model.Network, classifier OpenSetClassifier, detector Detector) *Orchestrator {
	return &Orchestrator{
		mode:       cfg.OOD.TestMode,
		method:     cfg.OOD.Method,
		oodLabelID: cfg.OODLabelID(),
		collector:  collector,
		net:        net,
		classifier: classifier,
		detector:   detector,
		log:        logging.New("ood"),
	}
}

// Run scores the test split, using the train split where the mode needs it.
func (o *Orchestrator) Run(ctx context.Context, train, test eval.BatchSource) (map[string]float64, error) {
	switch o.mode {
	case config.TestModeOpenSet:
		return o.openSet(ctx, train, test)
	case config.TestModeDetection:
		return o.detect(ctx, train, test)
	default:
		return nil, fmt.Errorf("%w: unknown ood test mode %q", config.ErrInvalid, o.mode)
	}
}

func (o *Orchestrator) openSet(ctx context.Context, train, test eval.BatchSource) (map[string]float64, error) {
	if o.classifier == nil {
		return nil, fmt.Errorf("%w: no open-set classifier configured", config.ErrInvalid)
	}
	testOut, err := o.collector.Collect(ctx, test)
	if err != nil {
		return nil, fmt.Errorf("ood test outputs: %w", err)
	}
	trainOut, err := o.collector.Collect(ctx, train)
	if err != nil {
		return nil, fmt.Errorf("ood train outputs: %w", err)
	}
	o.log.WithField("test_rows", testOut.Len()).Info("running open-set classification")
	return o.classifier.Classify(ctx, OpenSetInputs{
		TrainLogits: trainOut.Sigmoid,
		TrainLabels: trainOut.Labels,
		TestLogits:  testOut.Sigmoid,
		TestLabels:  testOut.Labels,
		OODLabelID:  o.oodLabelID,
	})
}

func (o *Orchestrator) detect(ctx context.Context, train, test eval.BatchSource) (map[string]float64, error) {
	if o.detector == nil {
		return nil, fmt.Errorf("%w: no ood detector configured", config.ErrInvalid)
	}

	// the probe requirement is checked before any pass or scorer runs
	var prober model.LinearProber
	if o.method.NeedsFeatureSpace() {
		p, ok := o.net.(model.LinearProber)
		if !ok {
			return nil, fmt.Errorf("%w: method %s", ErrLinearProbeRequired, o.method)
		}
		prober = p
	}

	testOut, err := o.collector.Collect(ctx, test)
	if err != nil {
		return nil, fmt.Errorf("ood test outputs: %w", err)
	}
	in := DetectInputs{
		Method:       o.method,
		TestLogits:   testOut.Logits,
		TestFeatures: testOut.Features,
		TestLabels:   testOut.Labels,
		TestPreds:    testOut.Preds,
		OODLabelID:   o.oodLabelID,
	}

	if prober != nil {
		trainOut, err := o.collector.Collect(ctx, train)
		if err != nil {
			return nil, fmt.Errorf("ood train outputs: %w", err)
		}
		w, b, err := prober.LinearProbe(ctx)
		if err != nil {
			return nil, fmt.Errorf("linear probe: %w", err)
		}
		in.TrainFeatures = trainOut.Features
		in.TrainLabels = trainOut.Labels
		in.Weight = w
		in.Bias = b
	}

	o.log.WithFields(logrus.Fields{"method": o.method, "test_rows": testOut.Len()}).Info("running ood detection")
	return o.detector.Detect(ctx, in)
}

// #endregion orchestrator
