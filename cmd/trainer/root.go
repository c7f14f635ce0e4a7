package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/config"
	"github.com/danielpatrickdp/mmintent/go-trainer/internal/report"
)

// version is set at build time via -ldflags.
var version = "dev"

// #region root
type rootFlags struct {
	configPath string
	format     string
}

func (f *rootFlags) mode() report.Mode {
	return report.ParseMode(f.format)
}

func newRootCmd() *cobra.Command {
	rf := &rootFlags{}
	root := &cobra.Command{
		Use:   "trainer",
		Short: "Train and evaluate multimodal intent classifiers",
		Long: "trainer builds text, video and audio datasets from a benchmark directory,\n" +
			"trains a fusion model with early stopping and reports IND and OOD scores.",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		Version: version,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&rf.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&rf.format, "format", "ascii", "result table format: ascii or markdown")
	addConfigFlags(pf)

	root.AddCommand(newTrainCmd(rf), newTestCmd(rf), newEncodeCmd(rf))
	return root
}

// #endregion root

// #region config-flags
// addConfigFlags registers the flags config.Load binds to config keys.
// Defaults mirror config.Default so help output is accurate; viper only
// takes a flag's value when it was set explicitly.
func addConfigFlags(f *pflag.FlagSet) {
	d := config.Default()
	f.String("dataset", string(d.Data.Dataset), "benchmark: MIntRec, MIntRec2.0, MELD-DA or IEMOCAP-DA")
	f.String("data-path", d.Data.Path, "dataset directory")
	f.String("method", string(d.Method), "model family: mag_bert or mult")
	f.String("encoding", string(d.Text.Encoding), "text encoding: standard or conditional")
	f.String("vocab", d.Text.VocabPath, "WordPiece vocabulary file")
	f.Int("epochs", d.Train.Epochs, "maximum training epochs")
	f.Int("batch-size", d.Train.BatchSize, "training batch size")
	f.Float64("lr", d.Train.LR, "learning rate")
	f.Int64("seed", d.Train.Seed, "shuffle seed")
	f.Bool("train", d.Train.Enabled, "run the training loop")
	f.Bool("save-model", d.Train.SaveModel, "commit the best parameters to the checkpoint store")
	f.Bool("test-ood", d.OOD.TestOOD, "score OOD samples at test time")
	f.String("test-mode", string(d.OOD.TestMode), "OOD mode: ood_cls or ood_det")
	f.String("ood-method", string(d.OOD.Method), "OOD detection method")
	f.String("backend", string(d.Backend.Kind), "network backend: local or remote")
	f.String("addr", d.Backend.Addr, "remote backend address")
	f.String("output", d.Output.Path, "output directory")
	f.String("log-level", d.Log.Level, "log level")
	f.String("log-format", d.Log.Format, "log format: text or json")
	f.String("eval-monitor", d.Train.EvalMonitor, "early stopping metric")
}

// #endregion config-flags
