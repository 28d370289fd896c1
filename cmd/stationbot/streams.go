package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/daviddao/stationbot/pkg/backup"
	"github.com/daviddao/stationbot/pkg/detect"
	"github.com/daviddao/stationbot/pkg/dispatch"
	"github.com/daviddao/stationbot/pkg/misskey"
	"github.com/daviddao/stationbot/pkg/model"
	"github.com/daviddao/stationbot/pkg/rank"
	"github.com/daviddao/stationbot/pkg/schedule"
	"github.com/daviddao/stationbot/pkg/stream"
)

// bot_state keys. These match the database written by earlier releases.
const (
	keyWelcome = "last_welcome_user_id"
	keyBackup  = "last_backup_artifact"
)

type welcomeData struct {
	Username string
	Host     string
}

func (a *app) welcomeStream() (*stream.Stream, error) {
	w := a.cfg.Welcome
	tmpl, err := a.cfg.WelcomeTemplate()
	if err != nil {
		return nil, err
	}
	lg := a.logger("welcome")
	return &stream.Stream{
		Name: "welcome",
		Key:  keyWelcome,
		Source: detect.SourceFunc(func(ctx context.Context) ([]model.Candidate, error) {
			// "+createdAt" is newest first; the default order is oldest first,
			// which would pin the page to the earliest accounts.
			return a.client.Users(ctx, misskey.UsersQuery{Limit: w.Limit, Origin: "local", State: "all", Sort: "+createdAt"})
		}),
		Store:      a.store,
		Detector:   detect.Detector{Self: a.self},
		Ceiling:    w.Ceiling,
		Dispatcher: &dispatch.Dispatcher{Delay: w.Delay.Duration, Logger: lg},
		Action: func(ctx context.Context, c model.Candidate) error {
			var b strings.Builder
			if err := tmpl.Execute(&b, welcomeData{Username: c.Label, Host: a.client.Host()}); err != nil {
				return fmt.Errorf("render welcome: %w", err)
			}
			id, err := a.client.CreateNote(ctx, b.String(), w.Visibility)
			if err != nil {
				return err
			}
			lg.Printf("welcomed @%s (note %s)", c.Label, id)
			return nil
		},
		Logger:  lg,
		Metrics: a.metrics,
	}, nil
}

func (a *app) backupStream() (*stream.Stream, error) {
	b := a.cfg.Backup
	if b.Dir == "" {
		return nil, errors.New("backup stream needs backup.dir or STATIONBOT_BACKUP_DIR")
	}
	lg := a.logger("backup")
	return &stream.Stream{
		Name:       "backup",
		Key:        keyBackup,
		Source:     &backup.Dir{Path: b.Dir, Pattern: b.Pattern, Settle: b.Settle.Duration},
		Store:      a.store,
		Ceiling:    b.Ceiling,
		Dispatcher: &dispatch.Dispatcher{Delay: b.Delay.Duration, Logger: lg},
		Action: func(ctx context.Context, c model.Candidate) error {
			_, err := a.client.CreateNote(ctx, backup.Notice(c, a.loc), b.Visibility)
			return err
		},
		Logger:  lg,
		Metrics: a.metrics,
	}, nil
}

func (a *app) rankingJob() *rank.Job {
	r := a.cfg.Ranking
	lg := a.logger("ranking")
	return &rank.Job{
		Aggregator: &rank.Aggregator{
			Timeline: a.client,
			Self:     a.self,
			Logger:   lg,
			Metrics:  a.metrics,
		},
		Store: a.store,
		Post: func(ctx context.Context, text string) error {
			_, err := a.client.CreateNote(ctx, text, r.Visibility)
			return err
		},
		Location:     a.loc,
		CutoffHour:   r.CutoffHour,
		CutoffMinute: r.CutoffMinute,
		Options: rank.Options{
			IncludeReplies: r.IncludeReplies,
			IncludeRenotes: r.IncludeRenotes,
			ExcludeBots:    r.ExcludeBots,
			ExcludeSelf:    true,
			PageSize:       r.PageSize,
			PageDelay:      r.PageDelay.Duration,
			TopN:           r.TopN,
		},
		Hashtags: r.Hashtags,
		Logger:   lg,
		Metrics:  a.metrics,
	}
}

// cycleJob adapts a stream to the scheduler. A guard trip has already
// been logged as a warning by the stream; storage failures are returned so
// the trigger logs them.
func cycleJob(s *stream.Stream) schedule.JobFunc {
	return func(ctx context.Context) error {
		_, err := s.RunCycle(ctx)
		if errors.Is(err, stream.ErrStorage) {
			return err
		}
		if errors.Is(err, detect.ErrDeltaTooLarge) {
			return nil
		}
		return err
	}
}

func rankingJobFunc(j *rank.Job) schedule.JobFunc {
	return func(ctx context.Context) error {
		err := j.Run(ctx)
		if errors.Is(err, rank.ErrAlreadyPosted) {
			j.Logger.Printf("%v; skipping", err)
			return nil
		}
		return err
	}
}
