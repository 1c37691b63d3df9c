package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/model"
)

var dailyCmd = &cobra.Command{
	Use:   "daily [YYYYMMDD]",
	Short: "Run the daily pass: collect, process, then alpha over pending dates",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := model.ResolveDate(args, time.Now())
		if err != nil {
			return err
		}

		ctx, env, done, err := runContext(cmd.Context())
		if err != nil {
			return err
		}
		defer done()

		if err := env.Orchestrator.Daily(ctx, date); err != nil {
			return err
		}
		zap.L().Info("daily run finished", zap.String("date", date))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dailyCmd)
}
