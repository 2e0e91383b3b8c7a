package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tmarsden/acolyte/cli"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify every configured agent command is runnable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prereqs := cli.FromProfiles(profiles)
		if len(prereqs) == 0 {
			ui.Info("no agent profiles configured")
			return nil
		}

		results := cli.CheckAll(prereqs)
		fmt.Fprint(ui.Out, cli.FormatCheckResults(results))
		for _, r := range results {
			if !r.Found {
				return fmt.Errorf("%d of %d agent commands missing", countMissing(results), len(results))
			}
		}
		return nil
	},
}

func countMissing(results []cli.CheckResult) int {
	n := 0
	for _, r := range results {
		if !r.Found {
			n++
		}
	}
	return n
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
