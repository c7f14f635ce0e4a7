package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/config"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/logging"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/replay"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/report"
)

// #region main
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var errDiverged = errors.New("replayed decisions diverge from the log")

type runFlags struct {
	dbPath   string
	runID    string
	patience int
	monitor  string
	format   string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "replay",
		Short:        "Replay early stopping over logged epochs",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	root.AddCommand(newRunCmd(), newFixtureCmd(), newExportCmd())
	return root
}

func addRunFlags(cmd *cobra.Command, rf *runFlags) {
	f := cmd.Flags()
	f.StringVar(&rf.dbPath, "db", "outputs/model.db", "path to the model database")
	f.StringVar(&rf.runID, "run", "", "run id (default: the latest run)")
	f.IntVar(&rf.patience, "patience", config.Default().Train.WaitPatience, "early stopping patience")
	f.StringVar(&rf.monitor, "monitor", "", "monitor metric (default: the logged one)")
}

// #endregion main

// #region db-extract
// loadRun reads a run's epoch log and fills in the monitor from it when
// none was given.
func loadRun(rf *runFlags) ([]logging.EpochEntry, replay.Config, error) {
	if _, err := os.Stat(rf.dbPath); err != nil {
		return nil, replay.Config{}, fmt.Errorf("open db: %w", err)
	}
	store, err := checkpoint.Open(rf.dbPath)
	if err != nil {
		return nil, replay.Config{}, err
	}
	defer store.Close()

	runID := rf.runID
	if runID == "" {
		runs, err := logging.ListRuns(store.DB(), 1)
		if err != nil {
			return nil, replay.Config{}, err
		}
		if len(runs) == 0 {
			return nil, replay.Config{}, errors.New("no runs logged")
		}
		runID = runs[0]
	}
	entries, err := logging.ListEpochs(store.DB(), runID)
	if err != nil {
		return nil, replay.Config{}, err
	}
	if len(entries) == 0 {
		return nil, replay.Config{}, fmt.Errorf("run %s has no logged epochs", runID)
	}

	cfg := replay.Config{Patience: rf.patience, Monitor: rf.monitor}
	if cfg.Monitor == "" {
		cfg.Monitor = entries[0].Monitor
	}
	if cfg.Patience <= 0 {
		return nil, replay.Config{}, fmt.Errorf("patience must be positive, got %d", cfg.Patience)
	}
	return entries, cfg, nil
}

// #endregion db-extract

// #region commands
func newRunCmd() *cobra.Command {
	rf := &runFlags{}
	var strict bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a logged run with the given patience and monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, cfg, err := loadRun(rf)
			if err != nil {
				return err
			}
			results := replay.Replay(replay.FromEpochLog(entries), cfg)
			summary := replay.Summarize(results)

			mode := report.ParseMode(rf.format)
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, report.Replay(results, mode))
			fmt.Fprintln(out, report.Summary(summary, mode))
			if strict && summary.Divergences > 0 {
				return fmt.Errorf("%w: %d of %d epochs", errDiverged, summary.Divergences, summary.TotalEpochs)
			}
			return nil
		},
	}
	addRunFlags(cmd, rf)
	cmd.Flags().StringVar(&rf.format, "format", "ascii", "table format: ascii or markdown")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when a replayed decision differs from the log")
	return cmd
}

func newFixtureCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "fixture <path>",
		Short: "Replay a JSON fixture and check its expected outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := replay.LoadFixture(args[0])
			if err != nil {
				return err
			}
			summary, err := f.Check()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", f.Description)
			fmt.Fprintln(out, report.Summary(summary, report.ParseMode(format)))
			if err != nil {
				return fmt.Errorf("fixture %s: %w", args[0], err)
			}
			fmt.Fprintln(out, "PASS")
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "ascii", "table format: ascii or markdown")
	return cmd
}

func newExportCmd() *cobra.Command {
	rf := &runFlags{}
	var outPath, description string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a logged run as a replay fixture",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, cfg, err := loadRun(rf)
			if err != nil {
				return err
			}
			if description == "" {
				description = fmt.Sprintf("run %s, monitor %s, patience %d", entries[0].RunID, cfg.Monitor, cfg.Patience)
			}
			if err := replay.WriteFixture(outPath, replay.ExportFixture(description, cfg, entries)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d epochs to %s\n", len(entries), outPath)
			return nil
		},
	}
	addRunFlags(cmd, rf)
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output fixture JSON path")
	cmd.Flags().StringVar(&description, "description", "", "fixture description")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// #endregion commands
