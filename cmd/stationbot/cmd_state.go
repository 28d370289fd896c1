package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/daviddao/stationbot/pkg/backup"
	"github.com/daviddao/stationbot/pkg/config"
	"github.com/daviddao/stationbot/pkg/store"
)

func newStateCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or repair persisted watermarks",
		Long: `Read and write the bot_state table directly.

Setting a watermark moves a stream's cursor: the next cycle announces
only what is newer than the new value. Setting ranking_last_date to a
date suppresses the ranking post for that date.`,
	}
	cmd.AddCommand(
		newStateListCmd(cfgPath),
		newStateGetCmd(cfgPath),
		newStateSetCmd(cfgPath),
	)
	return cmd
}

// openStateOnly opens the store without contacting the instance.
func openStateOnly(ctx context.Context, cfgPath string) (store.StoreInterface, error) {
	cfg, err := config.Read(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.ValidateState(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return openState(ctx, cfg)
}

func newStateListCmd(cfgPath *string) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every stored watermark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openStateOnly(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()

			rows, err := st.List(ctx)
			if err != nil {
				return fmt.Errorf("state list: %w", err)
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				printJSON(out, rows)
				return nil
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, "no watermarks stored (every stream will baseline on its first run)")
				return nil
			}
			for _, r := range rows {
				if age := describeValue(r.Value, time.Now()); age != "" {
					fmt.Fprintf(out, "%-24s %s  (%s)\n", r.Key, r.Value, age)
				} else {
					fmt.Fprintf(out, "%-24s %s\n", r.Key, r.Value)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}

func newStateGetCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one watermark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStateOnly(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()

			v, ok, err := st.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("state get: %w", err)
			}
			if !ok {
				return fmt.Errorf("state get: %q is not set", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func newStateSetCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Overwrite one watermark",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], strings.TrimSpace(args[1])
			if value == "" {
				return fmt.Errorf("state set: empty value for %q", key)
			}
			ctx := cmd.Context()
			st, err := openStateOnly(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()

			prev, had, err := st.Get(ctx, key)
			if err != nil {
				return fmt.Errorf("state set: %w", err)
			}
			if err := st.Set(ctx, key, value); err != nil {
				return fmt.Errorf("state set: %w", err)
			}
			if had {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", key, prev, value)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: (unset) -> %s\n", key, value)
			}
			return nil
		},
	}
}

// describeValue returns a relative age for values that carry a time:
// backup artifact IDs and calendar dates. Other values yield "".
func describeValue(v string, now time.Time) string {
	if prefix, _, ok := strings.Cut(v, "/"); ok {
		if t, err := time.Parse(backup.IDLayout, prefix); err == nil {
			return humanize.RelTime(t, now, "ago", "from now")
		}
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return humanize.RelTime(t, now, "ago", "from now")
	}
	return ""
}
