package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/logging"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/report"
)

// #region main
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	dbPath  string
	format  string
	jsonOut bool
}

func newRootCmd() *cobra.Command {
	rf := &rootFlags{}
	root := &cobra.Command{
		Use:          "inspect",
		Short:        "Inspect checkpoints and epoch logs in a model database",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&rf.dbPath, "db", "outputs/model.db", "path to the model database")
	pf.StringVar(&rf.format, "format", "ascii", "table format: ascii or markdown")
	pf.BoolVar(&rf.jsonOut, "json", false, "output as JSON instead of a table")

	root.AddCommand(
		newCheckpointsCmd(rf),
		newShowCmd(rf),
		newRunsCmd(rf),
		newEpochsCmd(rf),
		newRollbackCmd(rf),
	)
	return root
}

func (rf *rootFlags) open() (*checkpoint.Store, error) {
	if _, err := os.Stat(rf.dbPath); err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return checkpoint.Open(rf.dbPath)
}

// #endregion main

// #region checkpoints
type checkpointRow struct {
	VersionID string             `json:"version_id"`
	ParentID  string             `json:"parent_id,omitempty"`
	RunID     string             `json:"run_id"`
	Epoch     int                `json:"epoch"`
	Monitor   string             `json:"monitor"`
	Score     float64            `json:"score"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Active    bool               `json:"active"`
	CreatedAt string             `json:"created_at"`
}

func toRow(r checkpoint.Record, active string) checkpointRow {
	return checkpointRow{
		VersionID: r.VersionID,
		ParentID:  r.ParentID,
		RunID:     r.RunID,
		Epoch:     r.Epoch,
		Monitor:   r.Monitor,
		Score:     r.Score,
		Metrics:   r.Metrics,
		Active:    r.VersionID == active,
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
	}
}

// activeID is "" when nothing has been committed yet.
func activeID(store *checkpoint.Store) (string, error) {
	rec, _, err := store.Active()
	if errors.Is(err, checkpoint.ErrNoActive) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.VersionID, nil
}

func newCheckpointsCmd(rf *rootFlags) *cobra.Command {
	var last int
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List the most recent checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := rf.open()
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.List(last)
			if err != nil {
				return err
			}
			active, err := activeID(store)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rf.jsonOut {
				rows := make([]checkpointRow, len(recs))
				for i, r := range recs {
					rows[i] = toRow(r, active)
				}
				return printJSON(out, rows)
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no checkpoints found")
				return nil
			}
			fmt.Fprintln(out, report.Checkpoints(recs, active, time.Now(), report.ParseMode(rf.format)))
			return nil
		},
	}
	cmd.Flags().IntVar(&last, "last", 20, "show N most recent checkpoints")
	return cmd
}

func newShowCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <version>",
		Short: "Show one checkpoint with its parameter norms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := rf.open()
			if err != nil {
				return err
			}
			defer store.Close()

			rec, params, err := store.Load(args[0])
			if err != nil {
				return err
			}
			active, err := activeID(store)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rf.jsonOut {
				return printJSON(out, toRow(rec, active))
			}

			mode := report.ParseMode(rf.format)
			fmt.Fprintln(out, report.Checkpoints([]checkpoint.Record{rec}, active, time.Now(), mode))
			if len(rec.Metrics) > 0 {
				fmt.Fprintln(out, report.Metrics(rec.Metrics, mode))
			}
			fmt.Fprintln(out, report.Params(params, mode))
			return nil
		},
	}
}

// #endregion checkpoints

// #region epochs
func newRunsCmd(rf *rootFlags) *cobra.Command {
	var last int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List run ids with logged epochs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := rf.open()
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := logging.ListRuns(store.DB(), last)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rf.jsonOut {
				return printJSON(out, runs)
			}
			for _, r := range runs {
				fmt.Fprintln(out, r)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&last, "last", 10, "show N most recent runs")
	return cmd
}

func newEpochsCmd(rf *rootFlags) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "epochs",
		Short: "Show the epoch log of a run (default: the latest)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := rf.open()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := loadEpochs(store, runID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rf.jsonOut {
				return printJSON(out, entries)
			}
			fmt.Fprintln(out, report.Epochs(entries, report.ParseMode(rf.format)))
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	return cmd
}

// loadEpochs reads a run's epochs, resolving "" to the latest run.
func loadEpochs(store *checkpoint.Store, runID string) ([]logging.EpochEntry, error) {
	if runID == "" {
		runs, err := logging.ListRuns(store.DB(), 1)
		if err != nil {
			return nil, err
		}
		if len(runs) == 0 {
			return nil, errors.New("no runs logged")
		}
		runID = runs[0]
	}
	entries, err := logging.ListEpochs(store.DB(), runID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("run %s has no logged epochs", runID)
	}
	return entries, nil
}

// #endregion epochs

// #region rollback
func newRollbackCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <version>",
		Short: "Make an earlier checkpoint the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := rf.open()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Rollback(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "active checkpoint: %s\n", args[0])
			return nil
		},
	}
}

// #endregion rollback

// #region output
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// #endregion output
