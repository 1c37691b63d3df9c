package main

import (
	"os"

	"github.com/spf13/cobra"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Run alpha over every processed date not completed yet, oldest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, env, done, err := runContext(cmd.Context())
		if err != nil {
			return err
		}
		defer done()

		results, err := env.Orchestrator.RunAllDates(ctx)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, results)
	},
}

func init() {
	rootCmd.AddCommand(backfillCmd)
}
