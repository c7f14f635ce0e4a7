package replay

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/logging"
)

// helper: scores with no logged decisions.
func scores(vals ...float64) []EpochScore {
	out := make([]EpochScore, len(vals))
	for i, v := range vals {
		out[i] = EpochScore{Epoch: i + 1, Score: v}
	}
	return out
}

func decisions(results []Result) []logging.Decision {
	out := make([]logging.Decision, len(results))
	for i, r := range results {
		out[i] = r.Decision
	}
	return out
}

func TestReplay_StopsAtPatience(t *testing.T) {
	results := Replay(scores(0.5, 0.7, 0.6, 0.6, 0.9), Config{Patience: 2, Monitor: "f1"})

	want := []logging.Decision{
		logging.DecisionImproved, logging.DecisionImproved,
		logging.DecisionPatience, logging.DecisionStop,
	}
	if diff := cmp.Diff(want, decisions(results)); diff != "" {
		t.Fatalf("decisions (-want +got):\n%s", diff)
	}

	s := Summarize(results)
	if s.TotalEpochs != 4 || s.StoppedAt != 4 || s.BestEpoch != 2 || s.BestScore != 0.7 {
		t.Fatalf("unexpected summary %+v", s)
	}
}

func TestReplay_LargerPatienceChangesOutcome(t *testing.T) {
	results := Replay(scores(0.5, 0.7, 0.6, 0.6, 0.9), Config{Patience: 3, Monitor: "f1"})
	s := Summarize(results)
	if s.StoppedAt != 0 || s.BestEpoch != 5 || s.Improved != 3 {
		t.Fatalf("unexpected summary %+v", s)
	}
}

func TestReplay_ZeroScoreNeverImproves(t *testing.T) {
	// the initial best for maximized monitors is 1e-6
	results := Replay(scores(0, 0), Config{Patience: 2, Monitor: "acc"})
	s := Summarize(results)
	if s.Improved != 0 || s.StoppedAt != 2 || s.BestEpoch != 0 {
		t.Fatalf("unexpected summary %+v", s)
	}
}

func TestReplay_FlagsDivergence(t *testing.T) {
	epochs := []EpochScore{
		{Epoch: 1, Score: 0.4, Decision: logging.DecisionImproved},
		{Epoch: 2, Score: 0.3, Decision: logging.DecisionStop},
	}
	results := Replay(epochs, Config{Patience: 2, Monitor: "f1"})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Diverged || !results[1].Diverged {
		t.Fatalf("expected only epoch 2 to diverge: %+v", results)
	}
	if Summarize(results).Divergences != 1 {
		t.Fatal("expected one divergence in the summary")
	}
}

func TestFromEpochLog(t *testing.T) {
	got := FromEpochLog([]logging.EpochEntry{
		{RunID: "r", Epoch: 1, EvalScore: 0.25, Decision: logging.DecisionImproved},
	})
	want := []EpochScore{{Epoch: 1, Score: 0.25, Decision: logging.DecisionImproved}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}
