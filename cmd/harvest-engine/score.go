// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score every record against the configured keywords",
	Long: `Score rates each record between 0 and 1 by the positive keywords found in
its title and abstract, less a penalty for each negative keyword, and saves
the score with the matched keywords. Keywords come from scoring.positive and
scoring.negative in the configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.pipe.ScoreAll(ctx)
		fmt.Fprintf(os.Stdout, "Scored %d record(s)\n", n)
		return err
	},
}

func init() {
	scoreCmd.Flags().StringSlice("positive", nil, "positive keywords (overrides scoring.positive)")
	scoreCmd.Flags().StringSlice("negative", nil, "negative keywords (overrides scoring.negative)")
	bindFlag(scoreCmd.Flags().Lookup("positive"), "scoring.positive")
	bindFlag(scoreCmd.Flags().Lookup("negative"), "scoring.negative")

	rootCmd.AddCommand(scoreCmd)
}
