// Package replay re-runs early stopping over logged per-epoch scores, so a
// different patience or monitor can be evaluated without retraining.
package replay

import (
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/logging"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/model"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/train"
)

// #region types
// EpochScore is a single logged epoch.
type EpochScore struct {
	Epoch    int
	Score    float64
	Decision logging.Decision // decision recorded during the run, "" if unknown
}

// Config is the early-stopping policy to replay with.
type Config struct {
	Patience int
	Monitor  string
}

// Result captures the replayed decision for one epoch.
type Result struct {
	Epoch    int
	Score    float64
	Decision logging.Decision
	Logged   logging.Decision
	// Diverged is set when a logged decision exists and differs.
	Diverged bool
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	TotalEpochs int
	Improved    int
	Patience    int
	StoppedAt   int // 0 when patience never ran out
	BestEpoch   int
	BestScore   float64
	Divergences int
}

// #endregion types

// #region replay
// Replay feeds scores through a fresh early-stopping policy in epoch order
// and stops at the first stop decision, as the trainer would.
func Replay(epochs []EpochScore, cfg Config) []Result {
	early := train.NewEarlyStopping(cfg.Patience, cfg.Monitor)
	noSnapshot := func() (model.Params, error) { return nil, nil }

	results := make([]Result, 0, len(epochs))
	for _, e := range epochs {
		// Observe only fails when the snapshot does
		d, _ := early.Observe(e.Epoch, e.Score, noSnapshot)
		results = append(results, Result{
			Epoch:    e.Epoch,
			Score:    e.Score,
			Decision: d,
			Logged:   e.Decision,
			Diverged: e.Decision != "" && e.Decision != d,
		})
		if d == logging.DecisionStop {
			break
		}
	}
	return results
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []Result) Summary {
	s := Summary{TotalEpochs: len(results)}
	for _, r := range results {
		switch r.Decision {
		case logging.DecisionImproved:
			s.Improved++
			s.BestEpoch = r.Epoch
			s.BestScore = r.Score
		case logging.DecisionPatience:
			s.Patience++
		case logging.DecisionStop:
			s.StoppedAt = r.Epoch
		}
		if r.Diverged {
			s.Divergences++
		}
	}
	return s
}

// FromEpochLog converts epoch_log rows into replay input.
func FromEpochLog(entries []logging.EpochEntry) []EpochScore {
	out := make([]EpochScore, len(entries))
	for i, e := range entries {
		out[i] = EpochScore{Epoch: e.Epoch, Score: e.EvalScore, Decision: e.Decision}
	}
	return out
}

// #endregion replay
