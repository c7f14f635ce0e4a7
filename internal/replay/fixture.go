package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/logging"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string          `json:"description"`
	Config      FixtureConfig   `json:"config"`
	Epochs      []FixtureEpoch  `json:"epochs"`
	Expected    FixtureExpected `json:"expected"`
}

// FixtureConfig mirrors Config with JSON tags.
type FixtureConfig struct {
	Patience int    `json:"patience"`
	Monitor  string `json:"monitor"`
}

// FixtureEpoch mirrors EpochScore with JSON tags.
type FixtureEpoch struct {
	Epoch    int     `json:"epoch"`
	Score    float64 `json:"eval_score"`
	Decision string  `json:"decision"`
}

// FixtureExpected is the outcome the replay must reproduce.
type FixtureExpected struct {
	StoppedAt int `json:"stopped_at"`
	BestEpoch int `json:"best_epoch"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// WriteFixture writes f as indented JSON.
func WriteFixture(path string, f Fixture) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// ToConfig converts a FixtureConfig to a replay Config.
func (fc FixtureConfig) ToConfig() Config {
	return Config{Patience: fc.Patience, Monitor: fc.Monitor}
}

// ToEpochScores converts the fixture epochs to replay input.
func (f *Fixture) ToEpochScores() []EpochScore {
	out := make([]EpochScore, len(f.Epochs))
	for i, e := range f.Epochs {
		out[i] = EpochScore{Epoch: e.Epoch, Score: e.Score, Decision: logging.Decision(e.Decision)}
	}
	return out
}

// Check replays the fixture and reports the first mismatch with Expected.
func (f *Fixture) Check() (Summary, error) {
	s := Summarize(Replay(f.ToEpochScores(), f.Config.ToConfig()))
	if s.StoppedAt != f.Expected.StoppedAt {
		return s, fmt.Errorf("stopped at epoch %d, expected %d", s.StoppedAt, f.Expected.StoppedAt)
	}
	if s.BestEpoch != f.Expected.BestEpoch {
		return s, fmt.Errorf("best epoch %d, expected %d", s.BestEpoch, f.Expected.BestEpoch)
	}
	return s, nil
}

// ExportFixture builds a fixture from a logged run. Expected values are the
// ones the run actually produced.
func ExportFixture(description string, cfg Config, entries []logging.EpochEntry) Fixture {
	f := Fixture{
		Description: description,
		Config:      FixtureConfig{Patience: cfg.Patience, Monitor: cfg.Monitor},
	}
	for _, e := range entries {
		f.Epochs = append(f.Epochs, FixtureEpoch{Epoch: e.Epoch, Score: e.EvalScore, Decision: string(e.Decision)})
		switch e.Decision {
		case logging.DecisionImproved:
			f.Expected.BestEpoch = e.Epoch
		case logging.DecisionStop:
			f.Expected.StoppedAt = e.Epoch
		}
	}
	return f
}

// #endregion fixture-loader
