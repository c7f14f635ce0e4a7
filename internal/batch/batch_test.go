package batch

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/dataset"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/textfeat"
)

// #region helpers
func feat(id int) textfeat.Feature {
	return textfeat.Feature{
		InputIDs:   []int{101, id, 102},
		InputMask:  []int{1, 1, 1},
		SegmentIDs: []int{0, 0, 0},
	}
}

func newDataset(t *testing.T, n int) *dataset.Dataset {
	t.Helper()
	labels := make([]int, n)
	text := make([]textfeat.Feature, n)
	for i := range n {
		labels[i] = i
		text[i] = feat(i)
	}
	d, err := dataset.New(labels, text)
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}
	return d
}

func drain(t *testing.T, it *Iter) [][]int {
	t.Helper()
	var out [][]int
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, b.Labels)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	return out
}

// failingSource returns a ragged sample at index bad.
type failingSource struct {
	*dataset.Dataset
	bad int
}

func (f failingSource) Get(i int) dataset.Sample {
	s := f.Dataset.Get(i)
	if i == f.bad {
		s.Text = [][]int{{1}, {1}, {1}}
	}
	return s
}

// #endregion helpers

// #region loader-tests
func TestLoaderIdentityOrder(t *testing.T) {
	l := NewLoader(newDataset(t, 7), 3, WithWorkers(4), WithPrefetch(2))
	if l.NumBatches() != 3 {
		t.Fatalf("expected 3 batches, got %d", l.NumBatches())
	}
	got := drain(t, l.Epoch(context.Background(), 0))
	want := [][]int{{0, 1, 2}, {3, 4, 5}, {6}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("batches mismatch (-want +got):\n%s", diff)
	}
}

func TestLoaderShuffleReproducible(t *testing.T) {
	d := newDataset(t, 50)
	a := NewLoader(d, 8, WithShuffle(42), WithWorkers(8), WithPrefetch(3))
	b := NewLoader(d, 8, WithShuffle(42), WithWorkers(1), WithPrefetch(1))

	first := drain(t, a.Epoch(context.Background(), 1))
	second := drain(t, b.Epoch(context.Background(), 1))
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("same seed and epoch gave different order (-a +b):\n%s", diff)
	}
	if cmp.Equal(a.Order(1), a.Order(2)) {
		t.Fatal("expected different order across epochs")
	}

	seen := make(map[int]bool)
	for _, bt := range first {
		for _, l := range bt {
			seen[l] = true
		}
	}
	if len(seen) != 50 {
		t.Fatalf("expected every sample once, saw %d", len(seen))
	}
}

func TestLoaderEmpty(t *testing.T) {
	l := NewLoader(newDataset(t, 0), 4)
	if got := drain(t, l.Epoch(context.Background(), 0)); len(got) != 0 {
		t.Fatalf("expected no batches, got %v", got)
	}
}

func TestLoaderSurfacesCollateError(t *testing.T) {
	src := failingSource{Dataset: newDataset(t, 6), bad: 4}
	it := NewLoader(src, 2, WithWorkers(2)).Epoch(context.Background(), 0)
	for {
		if _, ok := it.Next(); !ok {
			break
		}
	}
	if err := it.Err(); !errors.Is(err, ErrRagged) {
		t.Fatalf("expected ErrRagged, got %v", err)
	}
}

func TestLoaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	it := NewLoader(newDataset(t, 100), 1, WithPrefetch(1)).Epoch(ctx, 0)
	n := 0
	for {
		if _, ok := it.Next(); !ok {
			break
		}
		n++
	}
	if n == 100 {
		t.Fatal("expected cancellation to stop the epoch early")
	}
	if err := it.Err(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIterCloseEarly(t *testing.T) {
	it := NewLoader(newDataset(t, 20), 2, WithWorkers(2), WithPrefetch(2)).Epoch(context.Background(), 0)
	if _, ok := it.Next(); !ok {
		t.Fatal("expected a batch")
	}
	it.Close()
}

// #endregion loader-tests

// #region collate-tests
func TestCollatePadsSequences(t *testing.T) {
	samples := []dataset.Sample{
		{Text: feat(1).Stack(), Label: 1, Video: [][]float64{{1, 2}}},
		{Text: feat(2).Stack(), Label: 2, Video: [][]float64{{3, 4}, {5, 6}}},
	}
	b, err := Collate(samples, []int{5, 9})
	if err != nil {
		t.Fatalf("Collate: %v", err)
	}
	want := [][][]float64{{{1, 2}, {0, 0}}, {{3, 4}, {5, 6}}}
	if diff := cmp.Diff(want, b.Video); diff != "" {
		t.Fatalf("video mismatch (-want +got):\n%s", diff)
	}
	if b.Audio != nil {
		t.Fatal("absent modality should stay nil")
	}
	if b.Size() != 2 || b.Labels[1] != 2 {
		t.Fatalf("unexpected batch: %+v", b)
	}
}

func TestCollateMultiTurn(t *testing.T) {
	samples := []dataset.Sample{
		{Turns: [][][]int{feat(1).Stack(), feat(2).Stack()}, TurnLabels: []int{3, 4}, Speakers: []int{0, 1}, UMask: []int{1, 1}},
		{Turns: [][][]int{feat(3).Stack()}, TurnLabels: []int{5}, Speakers: []int{2}, UMask: []int{1}},
	}
	b, err := Collate(samples, []int{0, 1})
	if err != nil {
		t.Fatalf("Collate: %v", err)
	}
	if !b.MultiTurn() {
		t.Fatal("expected multi-turn batch")
	}
	if diff := cmp.Diff([][]int{{3, 4}, {5, PadLabel}}, b.TurnLabels); diff != "" {
		t.Fatalf("labels mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]int{{1, 1}, {1, 0}}, b.UMask); diff != "" {
		t.Fatalf("umask mismatch (-want +got):\n%s", diff)
	}
	if len(b.Turns[1][1][0]) != 3 {
		t.Fatalf("padded turn should have seq len 3, got %d", len(b.Turns[1][1][0]))
	}
}

func TestCollateRejectsRaggedWidth(t *testing.T) {
	samples := []dataset.Sample{
		{Text: feat(1).Stack(), Audio: [][]float64{{1, 2}}},
		{Text: feat(2).Stack(), Audio: [][]float64{{3}}},
	}
	if _, err := Collate(samples, []int{0, 1}); !errors.Is(err, ErrRagged) {
		t.Fatalf("expected ErrRagged, got %v", err)
	}
}


func TestFlatLabels(t *testing.T) {
	single := &Batch{Indices: []int{0, 1}, Labels: []int{2, 0}}
	if diff := cmp.Diff([]int{2, 0}, single.FlatLabels()); diff != "" {
		t.Fatalf("single-turn labels mismatch (-want +got):\n%s", diff)
	}

	samples := []dataset.Sample{
		{Turns: [][][]int{feat(1).Stack(), feat(2).Stack()}, TurnLabels: []int{3, 4}, Speakers: []int{0, 1}, UMask: []int{1, 1}},
		{Turns: [][][]int{feat(3).Stack()}, TurnLabels: []int{5}, Speakers: []int{2}, UMask: []int{1}},
	}
	b, err := Collate(samples, []int{0, 1})
	if err != nil {
		t.Fatalf("Collate: %v", err)
	}
	if b.Labels != nil {
		t.Fatalf("dialogue batch should not set Labels, got %v", b.Labels)
	}
	if diff := cmp.Diff([]int{3, 4, 5, PadLabel}, b.FlatLabels()); diff != "" {
		t.Fatalf("flattened labels mismatch (-want +got):\n%s", diff)
	}
}

// #endregion collate-tests
