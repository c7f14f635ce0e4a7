package checkpoint

import "time"

// #region record
// Record describes one saved parameter snapshot.
type Record struct {
	VersionID string
	ParentID  string
	RunID     string
	Epoch     int // epoch the snapshot was taken at, 0 when unknown
	Monitor   string
	Score     float64
	Metrics   map[string]float64
	CreatedAt time.Time
}

// #endregion record
