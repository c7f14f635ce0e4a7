package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/config"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/dataset"
)

// #region helpers
func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

// meldTSV renders rows in the MELD-DA layout: text in column 2, label in 3.
func meldTSV(rows ...[2]string) string {
	var sb strings.Builder
	sb.WriteString("id\tdialogue\ttext\tlabel\n")
	for i, r := range rows {
		sb.WriteString(strings.Join([]string{"r", string(rune('0' + i)), r[0], r[1]}, "\t"))
		sb.WriteString("\n")
	}
	return sb.String()
}

func meldConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	vocab := writeFile(t, dir, "vocab.txt", strings.Join([]string{
		"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]", "hello", "there", "how", "are", "you",
	}, "\n"))
	writeFile(t, dir, "train.tsv", meldTSV([2]string{"hello there", "g"}, [2]string{"how are you", "q"}, [2]string{"hello", "zzz"}))
	writeFile(t, dir, "dev.tsv", meldTSV([2]string{"hello", "g"}))
	writeFile(t, dir, "test.tsv", meldTSV([2]string{"you", "oth"}, [2]string{"are you", "q"}))

	cfg := config.Default()
	cfg.Data.Dataset = config.DatasetMELDDA
	cfg.Data.Path = dir
	cfg.Text.VocabPath = vocab
	cfg.Text.SeqLen = 8
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return &cfg
}

func build(t *testing.T, cfg *config.Config) *Data {
	t.Helper()
	tok, err := NewTokenizer(cfg)
	if err != nil {
		t.Fatalf("NewTokenizer: %v", err)
	}
	data, err := Build(cfg, tok)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return data
}

// #endregion helpers

// #region build-tests
func TestBuildStandardSplits(t *testing.T) {
	cfg := meldConfig(t, t.TempDir())
	data := build(t, cfg)

	if data.NumTrainExamples != 3 {
		t.Fatalf("expected 3 train examples, got %d", data.NumTrainExamples)
	}
	// unknown labels take the OOD id, which MELD-DA lists as "oth" = 11
	if diff := cmp.Diff([]int{0, 1, 11}, data.Splits[dataset.SplitTrain].Labels()); diff != "" {
		t.Fatalf("train labels (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{11, 1}, data.Splits[dataset.SplitTest].Labels()); diff != "" {
		t.Fatalf("test labels (-want +got):\n%s", diff)
	}

	s := data.Splits[dataset.SplitTrain].Get(0)
	if diff := cmp.Diff([]int{2, 5, 6, 3, 0, 0, 0, 0}, s.Text[0]); diff != "" {
		t.Fatalf("input ids (-want +got):\n%s", diff)
	}
	if data.Derived.MaxConsSeqLen != 0 {
		t.Fatalf("standard encoding should not derive a conditional length, got %d", data.Derived.MaxConsSeqLen)
	}
}

func TestBuildConditional(t *testing.T) {
	dir := t.TempDir()
	cfg := meldConfig(t, dir)
	// every label needs a description under conditional encoding
	writeFile(t, dir, "train.tsv", meldTSV([2]string{"hello there", "g"}, [2]string{"how are you", "q"}, [2]string{"hello", "o"}))
	cfg.Text.Encoding = config.EncodingConditional
	cfg.Text.LabelLen = 12
	data := build(t, cfg)

	if data.Derived.MaxConsSeqLen != 8+3+12 {
		t.Fatalf("expected L'=23, got %d", data.Derived.MaxConsSeqLen)
	}
	d := data.Splits[dataset.SplitTrain]
	if !d.HasConditional() {
		t.Fatal("expected conditional features")
	}
	if got := d.Get(0).ConditionIdx; got != 1+2+3 {
		t.Fatalf("expected condition index 6, got %d", got)
	}
}

func TestBuildAugmentAndOOD(t *testing.T) {
	dir := t.TempDir()
	cfg := meldConfig(t, dir)
	writeFile(t, dir, "augment_train.tsv", meldTSV([2]string{"hello you", "g"}))
	oodDir := filepath.Join(dir, "ood")
	writeFile(t, oodDir, "test.tsv", meldTSV([2]string{"there", "oth"}))
	cfg.Data.Augment = true
	cfg.OOD.DataPath = oodDir
	cfg.OOD.TestOOD = true
	cfg.OOD.TrainOOD = true

	data := build(t, cfg)

	if _, ok := data.Splits[dataset.SplitAug]; ok {
		t.Fatal("augmented split should be merged into train")
	}
	if data.NumTrainExamples != 4 {
		t.Fatalf("expected 4 train examples with augmentation, got %d", data.NumTrainExamples)
	}
	if diff := cmp.Diff([]int{0, 1, 11, 0}, data.Splits[dataset.SplitTrain].Labels()); diff != "" {
		t.Fatalf("augmented train labels (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{11, 1, 11}, data.Splits[dataset.SplitTest].Labels()); diff != "" {
		t.Fatalf("extended test labels (-want +got):\n%s", diff)
	}
	if _, ok := data.Splits[dataset.SplitOODTrain]; ok {
		t.Fatal("missing ood train file should leave the split out")
	}
}

func TestBuildAugmentWithoutTrain(t *testing.T) {
	dir := t.TempDir()
	cfg := meldConfig(t, dir)
	writeFile(t, dir, "augment_train.tsv", meldTSV([2]string{"hello you", "g"}, [2]string{"are you", "q"}))
	cfg.Data.Train = false
	cfg.Data.Augment = true

	data := build(t, cfg)

	if data.NumTrainExamples != 2 {
		t.Fatalf("expected the augmented split to become train, got %d examples", data.NumTrainExamples)
	}
	if _, ok := data.Splits[dataset.SplitDev]; ok {
		t.Fatal("dev should not be built without train")
	}
}

func TestBuildVideoTables(t *testing.T) {
	dir := t.TempDir()
	cfg := meldConfig(t, dir)
	cfg.Data.VideoFeatsPath = writeFile(t, dir, "video.json", `{
		"train": [[[1,2]], [[3,4]], [[5,6]]],
		"dev":   [[[7,8]]],
		"test":  [[[9,10]], [[11,12]]]
	}`)
	data := build(t, cfg)

	s := data.Splits[dataset.SplitTest].Get(1)
	if diff := cmp.Diff([][]float64{{11, 12}}, s.Video); diff != "" {
		t.Fatalf("video row (-want +got):\n%s", diff)
	}
}

func TestBuildVideoTableMissingSplit(t *testing.T) {
	dir := t.TempDir()
	cfg := meldConfig(t, dir)
	cfg.Data.VideoFeatsPath = writeFile(t, dir, "video.json", `{"train": [[[1]], [[2]], [[3]]]}`)
	tok, err := NewTokenizer(cfg)
	if err != nil {
		t.Fatalf("NewTokenizer: %v", err)
	}
	if _, err := Build(cfg, tok); !errors.Is(err, dataset.ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestBuildUnlabeledDataset(t *testing.T) {
	dir := t.TempDir()
	cfg := meldConfig(t, dir)
	cfg.Data.Dataset = config.DatasetMIntRec2
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	tok, err := NewTokenizer(cfg)
	if err != nil {
		t.Fatalf("NewTokenizer: %v", err)
	}
	if _, err := Build(cfg, tok); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}

	// clustering needs no labels: train is train plus dev
	cfg.Data.Clustering = true
	data, err := Build(cfg, tok)
	if err != nil {
		t.Fatalf("Build clustering: %v", err)
	}
	if data.NumTrainExamples != 4 {
		t.Fatalf("expected 4 clustering train examples, got %d", data.NumTrainExamples)
	}
}

// #endregion build-tests
