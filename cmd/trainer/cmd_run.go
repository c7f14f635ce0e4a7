package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/config"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/logging"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/method"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/pipeline"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/report"
)

// #region commands
func newTrainCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train on train/dev, then score the test split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, rf)
		},
	}
}

func newTestCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Restore the active checkpoint and score the test split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cmd.Flags().Set("train", "false"); err != nil {
				return err
			}
			return runPipeline(cmd, rf)
		},
	}
}

// #endregion commands

// #region load
func loadConfig(cmd *cobra.Command, rf *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(rf.configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	return cfg, nil
}

func buildData(cfg *config.Config) (*pipeline.Data, error) {
	tok, err := pipeline.NewTokenizer(cfg)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}
	return pipeline.Build(cfg, tok)
}

// #endregion load

// #region run
func runPipeline(cmd *cobra.Command, rf *rootFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	cfg, err := loadConfig(cmd, rf)
	if err != nil {
		return err
	}
	log := logging.New("trainer")
	start := time.Now()

	data, err := buildData(cfg)
	if err != nil {
		return err
	}
	fam, err := method.FamilyFor(cfg)
	if err != nil {
		return err
	}
	backend, err := method.NewBackend(ctx, cfg, fam, data)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	defer backend.Close()

	if err := cfg.WriteYAML(filepath.Join(cfg.Output.Path, "config.yaml")); err != nil {
		return err
	}
	store, err := checkpoint.Open(cfg.ModelPath())
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := method.NewManager(cfg, fam, backend, data, store)
	log = log.WithFields(logrus.Fields{"run_id": mgr.RunID(), "method": cfg.Method, "dataset": cfg.Data.Dataset})
	out := cmd.OutOrStdout()

	if cfg.Train.Enabled {
		rs, err := mgr.Train(ctx)
		if err != nil {
			return fmt.Errorf("train: %w", err)
		}
		entries, err := logging.ListEpochs(store.DB(), mgr.RunID())
		if err != nil {
			return err
		}
		fmt.Fprintln(out, report.Epochs(entries, rf.mode()))
		log.WithFields(logrus.Fields{"best_epoch": rs.BestEpoch, "stopped": rs.Stopped}).Info("training finished")
	}

	if cfg.Data.Test {
		results, err := mgr.Test(ctx)
		if err != nil {
			return fmt.Errorf("test: %w", err)
		}
		fmt.Fprintln(out, report.Metrics(results, rf.mode()))
	}
	log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("done")
	return nil
}

// #endregion run
