package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/stationbot/pkg/backup"
	"github.com/daviddao/stationbot/pkg/metrics"
	"github.com/daviddao/stationbot/pkg/schedule"
)

// runService schedules every enabled job and blocks until a shutdown
// signal, then waits for running jobs to finish.
func runService(cmd *cobra.Command, cfgPath string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cmd, cfgPath)
}

func serve(ctx context.Context, cmd *cobra.Command, cfgPath string) error {
	a, err := newApp(ctx, cfgPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	a.metrics = metrics.New()

	lg := a.logger("schedule")
	sched := schedule.New(a.loc, lg, a.metrics)

	if a.cfg.Welcome.Enabled {
		st, err := a.welcomeStream()
		if err != nil {
			return err
		}
		w := a.cfg.Welcome
		if _, err := sched.Every("welcome", w.Interval.Duration, w.InitialDelay.Duration, cycleJob(st)); err != nil {
			return err
		}
	}

	if a.cfg.Backup.Enabled {
		st, err := a.backupStream()
		if err != nil {
			return err
		}
		b := a.cfg.Backup
		tr, err := sched.Every("backup", b.Interval.Duration, a.cfg.Welcome.InitialDelay.Duration, cycleJob(st))
		if err != nil {
			return err
		}
		if b.Watch {
			// A burst settles once it has been quiet for the settle period,
			// so the nudge waits at least that long.
			debounce := b.Settle.Duration + time.Second
			go func() {
				if err := backup.Watch(ctx, b.Dir, debounce, st.Logger, func() { sched.Nudge(tr) }); err != nil {
					st.Logger.Printf("directory watch disabled, polling only: %v", err)
				}
			}()
		}
	}

	if a.cfg.Ranking.Enabled {
		if _, err := sched.Daily("ranking", a.cfg.Ranking.Schedule, rankingJobFunc(a.rankingJob())); err != nil {
			return err
		}
	}

	a.metrics.Serve(ctx, a.cfg.Metrics.Addr, lg)
	sched.Start(ctx)
	lg.Printf("stationbot %s started as @%s", version, a.self.Username)

	<-ctx.Done()
	lg.Printf("shutting down, waiting for running jobs")
	sched.Stop()
	lg.Printf("stopped")
	return nil
}
