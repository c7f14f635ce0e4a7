// Package codec is the gRPC client for a remote model backend. It exposes the
// backend as a network, optimizer and OOD scorer.
package codec

import (
	"context"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/batch"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/config"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/model"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/ood"
)

// #region methods
const service = "/mmintent.Backend/"

const (
	MethodInit            = service + "Init"
	MethodForward         = service + "Forward"
	MethodBackward        = service + "Backward"
	MethodClipGradValue   = service + "ClipGradValue"
	MethodState           = service + "State"
	MethodLoadState       = service + "LoadState"
	MethodLinearProbe     = service + "LinearProbe"
	MethodZeroGrad        = service + "ZeroGrad"
	MethodStep            = service + "Step"
	MethodSetLearningRate = service + "SetLearningRate"
	MethodOpenSetClassify = service + "OpenSetClassify"
	MethodDetectOOD       = service + "DetectOOD"
)

// #endregion methods

// #region client-struct
// BackendClient wraps the gRPC connection to the model service.
type BackendClient struct {
	conn   *grpc.ClientConn
	client grpc.ClientConnInterface

	mu sync.Mutex
	lr float64
}

// #endregion client-struct

// #region constructor
// NewBackendClient connects to the model service.
func NewBackendClient(addr string) (*BackendClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &BackendClient{conn: conn, client: conn}, nil
}

// NewBackendClientWithConn creates a BackendClient over an injected
// connection. Used for testing without a real server.
func NewBackendClientWithConn(cc grpc.ClientConnInterface) *BackendClient {
	return &BackendClient{client: cc}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *BackendClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region call
func (c *BackendClient) call(ctx context.Context, method string, req map[string]*structpb.Value) (*structpb.Struct, error) {
	in := &structpb.Struct{Fields: req}
	if in.Fields == nil {
		in.Fields = map[string]*structpb.Value{}
	}
	out := &structpb.Struct{}
	if err := c.client.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BackendClient) setLR(resp *structpb.Struct) {
	v, ok := resp.GetFields()["lr"]
	if !ok {
		return
	}
	if n, ok := v.GetKind().(*structpb.Value_NumberValue); ok {
		c.mu.Lock()
		c.lr = n.NumberValue
		c.mu.Unlock()
	}
}

// #endregion call

// #region init
// Init builds the model on the service side. The service answers with the
// optimizer's base learning rate.
func (c *BackendClient) Init(ctx context.Context, cfg *config.Config) error {
	resp, err := c.call(ctx, MethodInit, map[string]*structpb.Value{
		"method":       structpb.NewStringValue(string(cfg.Method)),
		"dataset":      structpb.NewStringValue(string(cfg.Data.Dataset)),
		"backbone":     structpb.NewStringValue(cfg.Text.Backbone),
		"num_labels":   num(cfg.NumLabels()),
		"seq_len":      num(cfg.Text.SeqLen),
		"feat_size":    num(cfg.Backend.FeatSize),
		"lr":           num(cfg.Train.LR),
		"weight_decay": num(cfg.Train.WeightDecay),
		"seed":         num(float64(cfg.Train.Seed)),
	})
	if err != nil {
		return fmt.Errorf("init rpc: %w", err)
	}
	c.setLR(resp)
	return nil
}

// #endregion init

// #region network
// Forward implements model.Network.
func (c *BackendClient) Forward(ctx context.Context, in *batch.Batch, train bool) (model.Output, error) {
	resp, err := c.call(ctx, MethodForward, map[string]*structpb.Value{
		"train": structpb.NewBoolValue(train),
		"batch": encodeBatch(in),
	})
	if err != nil {
		return nil, fmt.Errorf("forward rpc: %w", err)
	}
	v, err := field(resp, "outputs")
	if err != nil {
		return nil, fmt.Errorf("forward rpc: %w", err)
	}
	out, err := decodeTensorMap(v)
	if err != nil {
		return nil, fmt.Errorf("forward rpc: %w", err)
	}
	return model.Output(out), nil
}

// Backward implements model.Network.
func (c *BackendClient) Backward(ctx context.Context, dLogits model.Tensor) error {
	if _, err := c.call(ctx, MethodBackward, map[string]*structpb.Value{"grad": tensorValue(dLogits)}); err != nil {
		return fmt.Errorf("backward rpc: %w", err)
	}
	return nil
}

// ClipGradValue implements model.Network.
func (c *BackendClient) ClipGradValue(ctx context.Context, clip float64) error {
	if _, err := c.call(ctx, MethodClipGradValue, map[string]*structpb.Value{"clip": num(clip)}); err != nil {
		return fmt.Errorf("clip grad rpc: %w", err)
	}
	return nil
}

// State implements model.Network.
func (c *BackendClient) State(ctx context.Context) (model.Params, error) {
	resp, err := c.call(ctx, MethodState, nil)
	if err != nil {
		return nil, fmt.Errorf("state rpc: %w", err)
	}
	v, err := field(resp, "params")
	if err != nil {
		return nil, fmt.Errorf("state rpc: %w", err)
	}
	p, err := decodeTensorMap(v)
	if err != nil {
		return nil, fmt.Errorf("state rpc: %w", err)
	}
	return model.Params(p), nil
}

// LoadState implements model.Network.
func (c *BackendClient) LoadState(ctx context.Context, p model.Params) error {
	if _, err := c.call(ctx, MethodLoadState, map[string]*structpb.Value{"params": tensorMap(p)}); err != nil {
		return fmt.Errorf("load state rpc: %w", err)
	}
	return nil
}

// LinearProbe implements model.LinearProber.
func (c *BackendClient) LinearProbe(ctx context.Context) (*mat.Dense, []float64, error) {
	resp, err := c.call(ctx, MethodLinearProbe, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("linear probe rpc: %w", err)
	}
	wv, err := field(resp, "weight")
	if err != nil {
		return nil, nil, fmt.Errorf("linear probe rpc: %w", err)
	}
	bv, err := field(resp, "bias")
	if err != nil {
		return nil, nil, fmt.Errorf("linear probe rpc: %w", err)
	}
	wt, err := decodeTensor(wv)
	if err != nil {
		return nil, nil, fmt.Errorf("linear probe weight: %w", err)
	}
	w, err := wt.Dense()
	if err != nil {
		return nil, nil, fmt.Errorf("linear probe weight: %w", err)
	}
	bias, err := decodeFloats(bv)
	if err != nil {
		return nil, nil, fmt.Errorf("linear probe bias: %w", err)
	}
	return w, bias, nil
}

// #endregion network

// #region optimizer
// ZeroGrad implements optim.Optimizer.
func (c *BackendClient) ZeroGrad(ctx context.Context) error {
	if _, err := c.call(ctx, MethodZeroGrad, nil); err != nil {
		return fmt.Errorf("zero grad rpc: %w", err)
	}
	return nil
}

// Step implements optim.Optimizer.
func (c *BackendClient) Step(ctx context.Context) error {
	resp, err := c.call(ctx, MethodStep, nil)
	if err != nil {
		return fmt.Errorf("step rpc: %w", err)
	}
	c.setLR(resp)
	return nil
}

// LearningRate is the last rate reported by or sent to the service.
func (c *BackendClient) LearningRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lr
}

// SetLearningRate implements optim.Optimizer.
func (c *BackendClient) SetLearningRate(ctx context.Context, lr float64) error {
	if _, err := c.call(ctx, MethodSetLearningRate, map[string]*structpb.Value{"lr": num(lr)}); err != nil {
		return fmt.Errorf("set lr rpc: %w", err)
	}
	c.mu.Lock()
	c.lr = lr
	c.mu.Unlock()
	return nil
}

// #endregion optimizer

// #region ood
func matrixValue(m *mat.Dense) *structpb.Value {
	if m == nil {
		return structpb.NewNullValue()
	}
	return tensorValue(model.FromDense(m))
}

// Classify implements ood.OpenSetClassifier.
func (c *BackendClient) Classify(ctx context.Context, in ood.OpenSetInputs) (map[string]float64, error) {
	resp, err := c.call(ctx, MethodOpenSetClassify, map[string]*structpb.Value{
		"train_logits": matrixValue(in.TrainLogits),
		"train_labels": numList(in.TrainLabels),
		"test_logits":  matrixValue(in.TestLogits),
		"test_labels":  numList(in.TestLabels),
		"ood_label_id": num(in.OODLabelID),
	})
	if err != nil {
		return nil, fmt.Errorf("open-set rpc: %w", err)
	}
	return scores(resp)
}

// Detect implements ood.Detector.
func (c *BackendClient) Detect(ctx context.Context, in ood.DetectInputs) (map[string]float64, error) {
	req := map[string]*structpb.Value{
		"method":        structpb.NewStringValue(string(in.Method)),
		"test_logits":   matrixValue(in.TestLogits),
		"test_features": matrixValue(in.TestFeatures),
		"test_labels":   numList(in.TestLabels),
		"test_preds":    numList(in.TestPreds),
		"ood_label_id":  num(in.OODLabelID),
	}
	if in.Weight != nil {
		req["train_features"] = matrixValue(in.TrainFeatures)
		req["train_labels"] = numList(in.TrainLabels)
		req["weight"] = matrixValue(in.Weight)
		req["bias"] = numList(in.Bias)
	}
	resp, err := c.call(ctx, MethodDetectOOD, req)
	if err != nil {
		return nil, fmt.Errorf("detect rpc: %w", err)
	}
	return scores(resp)
}

func scores(resp *structpb.Struct) (map[string]float64, error) {
	v, err := field(resp, "scores")
	if err != nil {
		return nil, err
	}
	return decodeScores(v)
}

// #endregion ood
