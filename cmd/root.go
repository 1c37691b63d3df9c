package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "tweet-digest",
	Short: "Resumable tweet digest pipeline",
	Long:  "Collects tweets per column, filters them for alpha with an LLM, summarizes and categorizes the survivors, and publishes per-category digests to Telegram and Discord.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
