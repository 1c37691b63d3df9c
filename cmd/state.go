package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tweet-digest/internal/stage"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and repair stage checkpoints",
}

// -- state show --

var stateShowCmd = &cobra.Command{
	Use:   "show [stage]",
	Short: "Show the checkpoint of one or every stage",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer env.Close()

		stages := env.stages()
		if len(args) == 1 {
			st, err := env.stageByName(args[0])
			if err != nil {
				return err
			}
			stages = []stage.Stage{st}
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "STAGE\tDATE\tCHUNK\tCOMPLETED\tPROGRESS\tUPDATED")
		for _, st := range stages {
			s, ok := st.State()
			if !ok {
				fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\n", st.Name())
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%t\t%.0f%%\t%s\n",
				st.Name(), s.LastProcessedDate, s.LastChunk, s.TotalChunks,
				s.Completed, s.Progress()*100, s.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	},
}

// -- state reset --

var stateResetClear bool

var stateResetCmd = &cobra.Command{
	Use:   "reset <stage>",
	Short: "Delete a stage checkpoint so its next run starts fresh",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.stageByName(args[0])
		if err != nil {
			return err
		}
		if err := st.Reset(); err != nil {
			return eris.Wrapf(err, "reset %s", st.Name())
		}
		if stateResetClear {
			if err := st.ClearOutput(); err != nil {
				return eris.Wrapf(err, "clear %s output", st.Name())
			}
		}
		fmt.Fprintf(os.Stderr, "Reset %s.\n", st.Name())
		return nil
	},
}

// -- state recover --

var stateRecoverCmd = &cobra.Command{
	Use:   "recover <stage>",
	Short: "Restore a missing checkpoint from the stage output file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.stageByName(args[0])
		if err != nil {
			return err
		}
		s, err := st.Recover()
		if err != nil {
			return eris.Wrapf(err, "recover %s", st.Name())
		}
		return printJSON(os.Stdout, s)
	},
}

func init() {
	stateResetCmd.Flags().BoolVar(&stateResetClear, "clear-output", false, "also delete the stage output file")
	stateCmd.AddCommand(stateShowCmd, stateResetCmd, stateRecoverCmd)
	rootCmd.AddCommand(stateCmd)
}
