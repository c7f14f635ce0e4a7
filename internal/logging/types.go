package logging

import "time"

// #region decisions
// Decision records what early stopping did with an epoch's score.
type Decision string

const (
	DecisionImproved Decision = "improved"
	DecisionPatience Decision = "patience"
	DecisionStop     Decision = "stop"
)

// #endregion decisions

// #region epoch-entry
// EpochEntry is a single row in the epoch_log table.
type EpochEntry struct {
	RunID        string
	Epoch        int // 1-based
	TrainLoss    float64
	EvalScore    float64
	BestScore    float64
	Monitor      string
	Decision     Decision
	LearningRate float64
	CreatedAt    time.Time
}

// #endregion epoch-entry
