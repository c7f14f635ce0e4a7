package model

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/batch"
)

// #region network
// Network is a trainable classifier backend.
//
// Backward receives the loss gradient with respect to the logits head of
// the most recent training Forward. ClipGradValue clamps accumulated
// gradients to [-clip, clip]. State returns a snapshot the caller owns;
// LoadState replaces all parameters.
type Network interface {
	Forward(ctx context.Context, in *batch.Batch, train bool) (Output, error)
	Backward(ctx context.Context, dLogits Tensor) error
	ClipGradValue(ctx context.Context, clip float64) error
	State(ctx context.Context) (Params, error)
	LoadState(ctx context.Context, p Params) error
}

// LinearProber exposes the classifier head applied to pooled features.
// weight is [C,D] and bias has length C.
type LinearProber interface {
	LinearProbe(ctx context.Context) (weight *mat.Dense, bias []float64, err error)
}

// #endregion network
