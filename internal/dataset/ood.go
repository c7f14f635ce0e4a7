package dataset

import "fmt"

// #region splits
// Split names used in a Splits set.
const (
	SplitTrain    = "train"
	SplitDev      = "dev"
	SplitTest     = "test"
	SplitAug      = "aug"
	SplitOODTrain = "ood_train"
	SplitOODDev   = "ood_dev"
)

// Splits maps split names to datasets. Absent splits are simply missing.
type Splits map[string]*Dataset

// #endregion splits

// #region concat
// Concat appends b's samples after a's. Both must carry the same
// modalities; neither input is modified.
func Concat(a, b *Dataset) (*Dataset, error) {
	if a.multiTurn || b.multiTurn {
		return nil, fmt.Errorf("%w: concat of multi-turn datasets", ErrLengthMismatch)
	}
	if a.HasVideo() != b.HasVideo() || a.HasAudio() != b.HasAudio() || a.HasConditional() != b.HasConditional() {
		return nil, fmt.Errorf("%w: concat of datasets with different modalities", ErrLengthMismatch)
	}

	labels := append(append([]int(nil), a.labels...), b.labels...)
	text := append(append(a.text[:0:0], a.text...), b.text...)

	var opts []Option
	if a.video != nil {
		opts = append(opts, WithVideo(concatTable{head: a.video, tail: b.video}))
	}
	if a.audio != nil {
		opts = append(opts, WithAudio(concatTable{head: a.audio, tail: b.audio}))
	}
	if a.cond != nil {
		cond := append(append(a.cond[:0:0], a.cond...), b.cond...)
		idx := append(append([]int(nil), a.condIdx...), b.condIdx...)
		opts = append(opts, WithConditional(cond, idx))
	}
	return New(labels, text, opts...)
}

// #endregion concat

// #region ood
// ExtendWithOOD merges OOD splits into s. With testOOD the OOD test samples
// are appended to the test split; with trainOOD the OOD train and dev
// splits are added as ood_train and ood_dev. A missing OOD split is skipped.
func ExtendWithOOD(s Splits, ood Splits, trainOOD, testOOD bool) (Splits, error) {
	out := make(Splits, len(s)+2)
	for k, v := range s {
		out[k] = v
	}

	if trainOOD {
		if d, ok := ood[SplitTrain]; ok {
			out[SplitOODTrain] = d
		}
		if d, ok := ood[SplitDev]; ok {
			out[SplitOODDev] = d
		}
	}

	if testOOD {
		test, ok := s[SplitTest]
		oodTest, oodOK := ood[SplitTest]
		switch {
		case ok && oodOK:
			merged, err := Concat(test, oodTest)
			if err != nil {
				return nil, fmt.Errorf("extend test split: %w", err)
			}
			out[SplitTest] = merged
		case oodOK:
			out[SplitTest] = oodTest
		}
	}
	return out, nil
}

// #endregion ood
