package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/batch"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/model"
)

// Messages on the wire are google.protobuf.Struct values. Tensors are
// {"shape": [...], "data": [...]}; float64 values travel as proto doubles
// and round-trip bit for bit.

var ErrMalformed = errors.New("malformed backend message")

// #region encode
func num[T int | float64](x T) *structpb.Value {
	return structpb.NewNumberValue(float64(x))
}

func numList[T int | float64](xs []T) *structpb.Value {
	vals := make([]*structpb.Value, len(xs))
	for i, x := range xs {
		vals[i] = num(x)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func nest[T any](xs []T, f func(T) *structpb.Value) *structpb.Value {
	vals := make([]*structpb.Value, len(xs))
	for i, x := range xs {
		vals[i] = f(x)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func ints2(x [][]int) *structpb.Value         { return nest(x, numList[int]) }
func ints3(x [][][]int) *structpb.Value       { return nest(x, ints2) }
func floats2(x [][]float64) *structpb.Value   { return nest(x, numList[float64]) }
func floats3(x [][][]float64) *structpb.Value { return nest(x, floats2) }

func tensorValue(t model.Tensor) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"shape": numList(t.Shape),
		"data":  numList(t.Data),
	}})
}

func tensorMap[M ~map[string]model.Tensor](m M) *structpb.Value {
	fields := make(map[string]*structpb.Value, len(m))
	for k, t := range m {
		fields[k] = tensorValue(t)
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

// encodeBatch drops absent modalities.
func encodeBatch(b *batch.Batch) *structpb.Value {
	f := map[string]*structpb.Value{
		"indices": numList(b.Indices),
		"labels":  numList(b.Labels),
	}
	if b.Text != nil {
		f["text"] = ints3(b.Text)
	}
	if b.Conditional != nil {
		f["conditional"] = ints3(b.Conditional)
		f["condition_idx"] = numList(b.ConditionIdx)
	}
	if b.Video != nil {
		f["video"] = floats3(b.Video)
	}
	if b.Audio != nil {
		f["audio"] = floats3(b.Audio)
	}
	if b.MultiTurn() {
		f["turns"] = nest(b.Turns, ints3)
		f["turn_labels"] = ints2(b.TurnLabels)
		f["speakers"] = ints2(b.Speakers)
		f["umask"] = ints2(b.UMask)
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: f})
}

// #endregion encode

// #region decode
func field(s *structpb.Struct, key string) (*structpb.Value, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformed, key)
	}
	return v, nil
}

func decodeFloats(v *structpb.Value) ([]float64, error) {
	l := v.GetListValue()
	if l == nil {
		return nil, fmt.Errorf("%w: expected list", ErrMalformed)
	}
	out := make([]float64, len(l.GetValues()))
	for i, x := range l.GetValues() {
		n, ok := x.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("%w: expected number at %d", ErrMalformed, i)
		}
		out[i] = n.NumberValue
	}
	return out, nil
}

func decodeTensor(v *structpb.Value) (model.Tensor, error) {
	s := v.GetStructValue()
	if s == nil {
		return model.Tensor{}, fmt.Errorf("%w: tensor is not an object", ErrMalformed)
	}
	sv, err := field(s, "shape")
	if err != nil {
		return model.Tensor{}, err
	}
	dv, err := field(s, "data")
	if err != nil {
		return model.Tensor{}, err
	}
	dims, err := decodeFloats(sv)
	if err != nil {
		return model.Tensor{}, err
	}
	data, err := decodeFloats(dv)
	if err != nil {
		return model.Tensor{}, err
	}
	shape := make([]int, len(dims))
	for i, d := range dims {
		shape[i] = int(d)
	}
	return model.NewTensor(shape, data)
}

func decodeTensorMap(v *structpb.Value) (map[string]model.Tensor, error) {
	s := v.GetStructValue()
	if s == nil {
		return nil, fmt.Errorf("%w: tensor map is not an object", ErrMalformed)
	}
	out := make(map[string]model.Tensor, len(s.GetFields()))
	for k, tv := range s.GetFields() {
		t, err := decodeTensor(tv)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", k, err)
		}
		out[k] = t
	}
	return out, nil
}

func decodeScores(v *structpb.Value) (map[string]float64, error) {
	s := v.GetStructValue()
	if s == nil {
		return nil, fmt.Errorf("%w: scores are not an object", ErrMalformed)
	}
	out := make(map[string]float64, len(s.GetFields()))
	for k, x := range s.GetFields() {
		n, ok := x.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("%w: score %q is not a number", ErrMalformed, k)
		}
		out[k] = n.NumberValue
	}
	return out, nil
}

// #endregion decode
