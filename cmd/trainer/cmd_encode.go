package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/report"
)

func newEncodeCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "encode",
		Short: "Build and encode the configured splits without training",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, rf)
			if err != nil {
				return err
			}
			data, err := buildData(cfg)
			if err != nil {
				return err
			}

			sizes := make(map[string]int, len(data.Splits))
			for name, d := range data.Splits {
				sizes[name] = d.Len()
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, report.SplitSizes(sizes, rf.mode()))
			if n := data.Derived.MaxConsSeqLen; n > 0 {
				fmt.Fprintf(out, "conditional sequence length: %d\n", n)
			}
			return nil
		},
	}
}
