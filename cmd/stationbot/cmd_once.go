package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daviddao/stationbot/pkg/detect"
	"github.com/daviddao/stationbot/pkg/stream"
)

func newOnceCmd(cfgPath *string) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:       "once <welcome|backup>",
		Short:     "Run a single stream cycle and exit",
		Long:      "Fetch, diff and dispatch one stream exactly as a scheduled tick would,\nthen print the cycle report.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"welcome", "backup"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.WithoutCancel(cmd.Context())
			a, err := newApp(ctx, *cfgPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			var st *stream.Stream
			switch args[0] {
			case "welcome":
				st, err = a.welcomeStream()
			case "backup":
				st, err = a.backupStream()
			default:
				return fmt.Errorf("once: unknown stream %q (want welcome or backup)", args[0])
			}
			if err != nil {
				return fmt.Errorf("once: %w", err)
			}

			rep, err := st.RunCycle(ctx)
			warning := errors.Is(err, detect.ErrDeltaTooLarge)
			if err != nil && !warning {
				return fmt.Errorf("once: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				printJSON(out, rep)
				return nil
			}
			fmt.Fprintf(out, "cycle %s (%s): fetched %d\n", rep.CycleID, rep.Stream, rep.Fetched)
			switch {
			case rep.FirstRun:
				fmt.Fprintf(out, "  first run, baseline %s\n", rep.Watermark)
			case rep.Tripped:
				fmt.Fprintf(out, "  WARNING: %v\n", err)
			case len(rep.Delta) == 0:
				fmt.Fprintln(out, "  nothing new")
			default:
				fmt.Fprintf(out, "  new: %s\n  sent %d, failed %d, watermark %s\n",
					strings.Join(rep.Delta, " "), rep.Sent, rep.Failed, rep.Watermark)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}
