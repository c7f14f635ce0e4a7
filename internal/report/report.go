package report

import (
	"fmt"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/floats"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/logging"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/model"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/replay"
)

// #region helpers
// FmtScore prints a metric with four decimals, matching the rounding of
// reported scores.
func FmtScore(v float64) string {
	return fmt.Sprintf("%.4f", v)
}

// FmtAge formats t relative to now, or "-" for the zero time.
func FmtAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// ShortID keeps the first eight characters of a version or run id.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// #endregion helpers

// #region metrics
// Metrics renders one metric per row in key order.
func Metrics(m map[string]float64, mode Mode) string {
	t := NewTable(mode)
	t.Header("Metric", "Value")
	t.AlignRight(2)
	for _, k := range sortedKeys(m) {
		t.Row(k, FmtScore(m[k]))
	}
	return t.String()
}

// #endregion metrics

// #region epochs
// Epochs renders a run's epoch log.
func Epochs(entries []logging.EpochEntry, mode Mode) string {
	t := NewTable(mode)
	t.Header("Epoch", "Train loss", "Eval", "Best", "Decision", "LR")
	t.AlignRight(1, 2, 3, 4, 6)
	for _, e := range entries {
		lr := "-"
		if e.LearningRate != 0 {
			lr = fmt.Sprintf("%.3g", e.LearningRate)
		}
		t.Row(e.Epoch, FmtScore(e.TrainLoss), FmtScore(e.EvalScore), FmtScore(e.BestScore), string(e.Decision), lr)
	}
	if len(entries) > 0 {
		t.Footer("", "", "", "", "monitor", entries[0].Monitor)
	}
	return t.String()
}

// #endregion epochs

// #region checkpoints
// Checkpoints renders stored snapshots, newest first as listed by the store.
func Checkpoints(recs []checkpoint.Record, active string, now time.Time, mode Mode) string {
	t := NewTable(mode)
	t.Header("", "Version", "Parent", "Run", "Epoch", "Monitor", "Score", "Created")
	t.AlignRight(5, 7)
	for _, r := range recs {
		mark := ""
		if r.VersionID == active {
			mark = "*"
		}
		parent := ShortID(r.ParentID)
		if parent == "" {
			parent = "-"
		}
		t.Row(mark, ShortID(r.VersionID), parent, ShortID(r.RunID), r.Epoch, r.Monitor, FmtScore(r.Score), FmtAge(r.CreatedAt, now))
	}
	t.Footer("", "", "", "", "", "total", humanize.Comma(int64(len(recs))), "")
	return t.String()
}

// #endregion checkpoints

// #region params
// Params renders one row per parameter with its shape, size and L2 norm.
func Params(p model.Params, mode Mode) string {
	t := NewTable(mode)
	t.Header("Param", "Shape", "Size", "Norm")
	t.AlignRight(3, 4)
	total := 0
	for _, name := range p.Names() {
		v := p[name]
		total += len(v.Data)
		t.Row(name, fmt.Sprint(v.Shape), humanize.Comma(int64(len(v.Data))), FmtScore(floats.Norm(v.Data, 2)))
	}
	t.Footer("", "total", humanize.Comma(int64(total)), "")
	return t.String()
}

// #endregion params

// #region replay
// Replay renders replayed decisions next to the logged ones. Diverging
// rows are flagged with "!".
func Replay(results []replay.Result, mode Mode) string {
	t := NewTable(mode)
	t.Header("Epoch", "Score", "Replayed", "Logged", "")
	t.AlignRight(1, 2)
	for _, r := range results {
		flag := ""
		if r.Diverged {
			flag = "!"
		}
		logged := string(r.Logged)
		if logged == "" {
			logged = "-"
		}
		t.Row(r.Epoch, FmtScore(r.Score), string(r.Decision), logged, flag)
	}
	return t.String()
}

// Summary renders replay totals as a two-column table.
func Summary(s replay.Summary, mode Mode) string {
	t := NewTable(mode)
	t.Header("Field", "Value")
	stopped := "never"
	if s.StoppedAt > 0 {
		stopped = fmt.Sprint(s.StoppedAt)
	}
	rows := [][2]string{
		{"epochs", fmt.Sprint(s.TotalEpochs)},
		{"improved", fmt.Sprint(s.Improved)},
		{"patience", fmt.Sprint(s.Patience)},
		{"stopped_at", stopped},
		{"best_epoch", fmt.Sprint(s.BestEpoch)},
		{"best_score", FmtScore(s.BestScore)},
		{"divergences", fmt.Sprint(s.Divergences)},
	}
	for _, r := range rows {
		t.Row(r[0], r[1])
	}
	return t.String()
}

// #endregion replay

// #region split-sizes
// SplitSizes renders sample counts per split in name order.
func SplitSizes(sizes map[string]int, mode Mode) string {
	t := NewTable(mode)
	t.Header("Split", "Samples")
	t.AlignRight(2)
	names := make([]string, 0, len(sizes))
	total := 0
	for k, n := range sizes {
		names = append(names, k)
		total += n
	}
	slices.Sort(names)
	for _, k := range names {
		t.Row(k, humanize.Comma(int64(sizes[k])))
	}
	t.Footer("total", humanize.Comma(int64(total)))
	return t.String()
}

// #endregion split-sizes
