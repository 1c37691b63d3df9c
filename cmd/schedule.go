package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var scheduleServe bool

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the orchestrator: daily cron, threshold ticks and retention cleanup",
	Long: "Runs the daily pass on orchestrator.daily_cron (UTC), checks the content " +
		"and news thresholds every orchestrator.poll_interval and delivers pending " +
		"digests. The first SIGINT/SIGTERM stops at the next chunk boundary; a second " +
		"one cancels in-flight work.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, env, done, err := runContext(cmd.Context())
		if err != nil {
			return err
		}
		defer done()

		// The status server and the health checker outlive the first signal
		// until the orchestrator has drained.
		srvCtx, stopServer := context.WithCancel(ctx)
		defer stopServer()

		var g errgroup.Group
		g.Go(func() error {
			defer stopServer()
			return env.Orchestrator.Start(ctx)
		})
		if scheduleServe || cfg.Server.Enabled {
			srv := newStatusServer(env)
			g.Go(func() error {
				return srv.ListenAndServe(srvCtx)
			})
		}

		if cfg.Monitoring.WebhookURL != "" {
			checker := newHealthChecker(env)
			g.Go(func() error {
				checker.Run(srvCtx)
				return nil
			})
		}

		err = g.Wait()
		zap.L().Info("scheduler stopped")
		return err
	},
}

func init() {
	scheduleCmd.Flags().BoolVar(&scheduleServe, "serve", false, "also run the status API (server.enabled)")
	rootCmd.AddCommand(scheduleCmd)
}
