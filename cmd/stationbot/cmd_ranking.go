package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRankingCmd(cfgPath *string) *cobra.Command {
	var (
		date    string
		post    bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "ranking",
		Short: "Compute the daily post-count ranking",
		Long: `Page through the local timeline for one day and print the ranking.

With --post the ranking is also published, unless it was already posted
for that date.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.WithoutCancel(cmd.Context())
			a, err := newApp(ctx, *cfgPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			job := a.rankingJob()
			if date == "" {
				date = job.Today()
			}
			if _, err := time.Parse(time.DateOnly, date); err != nil {
				return fmt.Errorf("ranking: --date must be YYYY-MM-DD: %w", err)
			}

			if post {
				if err := job.RunFor(ctx, date); err != nil {
					return fmt.Errorf("ranking: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "posted ranking for %s\n", date)
				return nil
			}

			r, err := job.Build(ctx, date)
			if err != nil {
				return fmt.Errorf("ranking: %w", err)
			}
			if jsonOut {
				printJSON(cmd.OutOrStdout(), r)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.Text(r))
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date to rank, YYYY-MM-DD in the configured time zone (default today)")
	cmd.Flags().BoolVar(&post, "post", false, "publish the ranking")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output (without --post)")
	return cmd
}
