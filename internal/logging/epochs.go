package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region schema
// Schema creates the epoch_log table. Stores that share a database with the
// epoch log run it as part of their migrations.
const Schema = `
CREATE TABLE IF NOT EXISTS epoch_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	epoch         INTEGER NOT NULL,
	train_loss    REAL NOT NULL,
	eval_score    REAL NOT NULL,
	best_score    REAL NOT NULL,
	monitor       TEXT NOT NULL,
	decision      TEXT NOT NULL,
	learning_rate REAL,
	created_at    TEXT NOT NULL
);
`

// #endregion schema

// #region log-epoch
// LogEpoch writes one epoch's outcome to the epoch_log table.
func LogEpoch(db *sql.DB, entry EpochEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO epoch_log (run_id, epoch, train_loss, eval_score, best_score, monitor, decision, learning_rate, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.Epoch,
		entry.TrainLoss,
		entry.EvalScore,
		entry.BestScore,
		entry.Monitor,
		string(entry.Decision),
		nullIfZero(entry.LearningRate),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log epoch: %w", err)
	}
	return nil
}

// EpochLog binds LogEpoch to a database so it can be handed to the trainer.
type EpochLog struct {
	DB *sql.DB
}

// LogEpoch writes entry to l.DB.
func (l EpochLog) LogEpoch(entry EpochEntry) error {
	return LogEpoch(l.DB, entry)
}

// #endregion log-epoch

// #region list-epochs
// ListEpochs returns a run's epochs in order.
func ListEpochs(db *sql.DB, runID string) ([]EpochEntry, error) {
	rows, err := db.Query(
		`SELECT run_id, epoch, train_loss, eval_score, best_score, monitor, decision, learning_rate, created_at
		 FROM epoch_log WHERE run_id = ? ORDER BY epoch ASC, id ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	defer rows.Close()

	var entries []EpochEntry
	for rows.Next() {
		var e EpochEntry
		var decision, createdStr string
		var lr sql.NullFloat64
		if err := rows.Scan(&e.RunID, &e.Epoch, &e.TrainLoss, &e.EvalScore, &e.BestScore,
			&e.Monitor, &decision, &lr, &createdStr); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		e.Decision = Decision(decision)
		if lr.Valid {
			e.LearningRate = lr.Float64
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListRuns returns run ids that have logged epochs, most recent first.
func ListRuns(db *sql.DB, limit int) ([]string, error) {
	rows, err := db.Query(
		`SELECT run_id FROM epoch_log GROUP BY run_id ORDER BY MAX(created_at) DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}

// #endregion list-epochs

// #region helpers
func nullIfZero(f float64) interface{} {
	if f == 0 {
		return nil
	}
	return f
}

// #endregion helpers
