package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/internal/stage"
)

// stageCommand builds "<name> [date]", which runs one chunked stage once.
func stageCommand(name, short string, pick func(*appEnv) stage.Stage) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [YYYYMMDD]",
		Short: short,
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

			res, err := env.Orchestrator.RunStage(ctx, pick(env), date)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, res)
		},
	}
}

var collectCmd = &cobra.Command{
	Use:   "collect [YYYYMMDD]",
	Short: "Fetch every column's tweets for a date into raw files",
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

		res, err := env.Orchestrator.Collect(ctx, date)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, res)
	},
}

func init() {
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(
		stageCommand("process", "Normalize and deduplicate a date's raw tweets",
			func(e *appEnv) stage.Stage { return e.Process }),
		stageCommand("alpha", "Keep the processed tweets that carry actionable alpha",
			func(e *appEnv) stage.Stage { return e.Alpha }),
		stageCommand("content", "Reduce filtered tweets to their relevant verbatim span",
			func(e *appEnv) stage.Stage { return e.Content }),
		stageCommand("news", "Categorize summaries into per-category digest sections",
			func(e *appEnv) stage.Stage { return e.News }),
		stageCommand("send", "Publish pending digest sections to chat channels",
			func(e *appEnv) stage.Stage { return e.Send }),
	)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// runContext wires signal handling and the environment for long-running
// commands.
func runContext(parent context.Context) (context.Context, *appEnv, func(), error) {
	ctx, sd, stop := stage.WatchSignals(parent)
	env, err := initEnv(ctx, sd)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, env, func() {
		env.Close()
		stop()
	}, nil
}
