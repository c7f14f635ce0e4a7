package textfeat

import (
	"fmt"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/example"
)

// #region splits
// Outputs maps each encoded split to its features.
type Outputs map[example.Split]Encoded

// Reader is the subset of example.Processor used to load splits.
type Reader interface {
	Examples(dir string, split example.Split) ([]example.Example, error)
}

// EncodeSplits reads and encodes each requested split. Every split present
// in splits gets an entry, including the augmented split.
func EncodeSplits(r Reader, dir string, enc SplitEncoder, splits ...example.Split) (Outputs, Derived, error) {
	out := make(Outputs, len(splits))
	for _, s := range splits {
		exs, err := r.Examples(dir, s)
		if err != nil {
			return nil, Derived{}, err
		}
		feats, err := enc.EncodeExamples(exs)
		if err != nil {
			return nil, Derived{}, fmt.Errorf("encode %s split: %w", s, err)
		}
		if prev, ok := out[s]; ok {
			prev.append(feats)
			feats = prev
		}
		out[s] = feats
	}
	return out, enc.Derived(), nil
}

// EncodeClustering builds the unsupervised clustering splits: train holds
// train and dev examples, test holds the test examples.
func EncodeClustering(r Reader, dir string, enc *Encoder) (Outputs, error) {
	train, err := r.Examples(dir, example.SplitTrain)
	if err != nil {
		return nil, err
	}
	dev, err := r.Examples(dir, example.SplitDev)
	if err != nil {
		return nil, err
	}
	test, err := r.Examples(dir, example.SplitTest)
	if err != nil {
		return nil, err
	}

	trainFeats, err := enc.EncodeExamples(append(train, dev...))
	if err != nil {
		return nil, fmt.Errorf("encode clustering train split: %w", err)
	}
	testFeats, err := enc.EncodeExamples(test)
	if err != nil {
		return nil, fmt.Errorf("encode clustering test split: %w", err)
	}
	return Outputs{example.SplitTrain: trainFeats, example.SplitTest: testFeats}, nil
}

// #endregion splits
