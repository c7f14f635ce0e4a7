package linear

import (
	"context"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// #region sgd
// SGD is stochastic gradient descent with decoupled weight decay on the
// weight matrix.
type SGD struct {
	net         *Network
	lr          float64
	weightDecay float64
}

// NewSGD binds an optimizer to net.
func NewSGD(net *Network, lr, weightDecay float64) *SGD {
	return &SGD{net: net, lr: lr, weightDecay: weightDecay}
}

// ZeroGrad implements optim.Optimizer.
func (s *SGD) ZeroGrad(context.Context) error {
	s.net.gw.Zero()
	for i := range s.net.gb {
		s.net.gb[i] = 0
	}
	return nil
}

// Step implements optim.Optimizer.
func (s *SGD) Step(context.Context) error {
	if s.weightDecay != 0 {
		s.net.w.Scale(1-s.lr*s.weightDecay, s.net.w)
	}
	var step mat.Dense
	step.Scale(s.lr, s.net.gw)
	s.net.w.Sub(s.net.w, &step)
	floats.AddScaled(s.net.b, -s.lr, s.net.gb)
	return nil
}

// LearningRate implements optim.Optimizer.
func (s *SGD) LearningRate() float64 { return s.lr }

// SetLearningRate implements optim.Optimizer.
func (s *SGD) SetLearningRate(_ context.Context, lr float64) error {
	s.lr = lr
	return nil
}

// #endregion sgd
