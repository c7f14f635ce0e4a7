package report_test

import (
	"strings"
	"testing"
	"time"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/logging"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/model"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/replay"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/report"
)

func TestMetrics_SortedASCII(t *testing.T) {
	out := report.Metrics(map[string]float64{"f1": 0.5, "acc": 0.91234, "ood_auroc": 1}, report.ASCII)

	for _, want := range []string{"acc", "0.9123", "f1", "0.5000", "ood_auroc", "1.0000"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Index(out, "acc") > strings.Index(out, "f1") || strings.Index(out, "f1") > strings.Index(out, "ood_auroc") {
		t.Errorf("expected keys in sorted order:\n%s", out)
	}
	if !strings.Contains(out, "───") {
		t.Errorf("expected box-drawing characters in ASCII output:\n%s", out)
	}
}

func TestMetrics_Markdown(t *testing.T) {
	out := report.Metrics(map[string]float64{"acc": 0.5}, report.Markdown)
	if !strings.Contains(out, "| acc") {
		t.Errorf("expected markdown row with '| acc':\n%s", out)
	}
	if !strings.Contains(out, "---") {
		t.Errorf("expected markdown separator:\n%s", out)
	}
}

func TestParseMode(t *testing.T) {
	tests := map[string]report.Mode{
		"markdown": report.Markdown,
		"md":       report.Markdown,
		"ascii":    report.ASCII,
		"":         report.ASCII,
	}
	for in, want := range tests {
		if got := report.ParseMode(in); got != want {
			t.Errorf("ParseMode(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestEpochs(t *testing.T) {
	out := report.Epochs([]logging.EpochEntry{
		{Epoch: 1, TrainLoss: 1.5, EvalScore: 0.4, BestScore: 0.4, Monitor: "f1", Decision: logging.DecisionImproved, LearningRate: 2e-5},
		{Epoch: 2, TrainLoss: 1.1, EvalScore: 0.3, BestScore: 0.4, Monitor: "f1", Decision: logging.DecisionPatience},
	}, report.Markdown)

	for _, want := range []string{"improved", "patience", "1.5000", "2e-05", "f1"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestCheckpoints_MarksActive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recs := []checkpoint.Record{
		{VersionID: "bbbbbbbb-2222", ParentID: "aaaaaaaa-1111", RunID: "run-0002", Epoch: 4, Monitor: "f1", Score: 0.8, CreatedAt: now.Add(-time.Hour)},
		{VersionID: "aaaaaaaa-1111", RunID: "run-0001", Epoch: 2, Monitor: "f1", Score: 0.6},
	}
	out := report.Checkpoints(recs, "bbbbbbbb-2222", now, report.Markdown)

	if !strings.Contains(out, "| * | bbbbbbbb |") {
		t.Errorf("expected active marker on newest version:\n%s", out)
	}
	if strings.Contains(out, "bbbbbbbb-2222") {
		t.Errorf("expected shortened version ids:\n%s", out)
	}
	if !strings.Contains(out, "1 hour ago") {
		t.Errorf("expected humanized age:\n%s", out)
	}
	if !strings.Contains(out, "0.8000") {
		t.Errorf("expected score column:\n%s", out)
	}
}

func TestReplay_FlagsDivergence(t *testing.T) {
	results := replay.Replay([]replay.EpochScore{
		{Epoch: 1, Score: 0.5, Decision: logging.DecisionImproved},
		{Epoch: 2, Score: 0.4, Decision: logging.DecisionImproved},
	}, replay.Config{Patience: 3, Monitor: "f1"})

	out := report.Replay(results, report.Markdown)
	lines := strings.Split(out, "\n")
	var flagged int
	for _, l := range lines {
		if strings.Contains(l, "!") {
			flagged++
		}
	}
	if flagged != 1 {
		t.Errorf("expected one flagged row, got %d:\n%s", flagged, out)
	}

	sum := report.Summary(replay.Summarize(results), report.Markdown)
	if !strings.Contains(sum, "never") {
		t.Errorf("expected stopped_at 'never' in summary:\n%s", sum)
	}
}

func TestSplitSizes(t *testing.T) {
	out := report.SplitSizes(map[string]int{"train": 1334, "dev": 445, "test": 445}, report.ASCII)
	if !strings.Contains(out, "1,334") {
		t.Errorf("expected comma-grouped count:\n%s", out)
	}
	if !strings.Contains(out, "2,224") {
		t.Errorf("expected total footer:\n%s", out)
	}
	if strings.Index(out, "dev") > strings.Index(out, "train") {
		t.Errorf("expected splits in name order:\n%s", out)
	}
}

func TestShortIDAndAge(t *testing.T) {
	if got := report.ShortID("0123456789"); got != "01234567" {
		t.Errorf("ShortID = %q", got)
	}
	if got := report.ShortID("abc"); got != "abc" {
		t.Errorf("ShortID = %q", got)
	}
	if got := report.FmtAge(time.Time{}, time.Now()); got != "-" {
		t.Errorf("FmtAge(zero) = %q", got)
	}
}

func TestParams(t *testing.T) {
	out := report.Params(model.Params{
		"weight": {Shape: []int{2, 2}, Data: []float64{3, 0, 0, 4}},
		"bias":   {Shape: []int{2}, Data: []float64{0, 0}},
	}, report.Markdown)

	if !strings.Contains(out, "| weight | [2 2] | 4 | 5.0000 |") {
		t.Errorf("expected weight row with norm 5:\n%s", out)
	}
	if strings.Index(out, "bias") > strings.Index(out, "weight") {
		t.Errorf("expected params in name order:\n%s", out)
	}
}
