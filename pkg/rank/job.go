package rank

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/daviddao/stationbot/pkg/clock"
	"github.com/daviddao/stationbot/pkg/metrics"
	"github.com/daviddao/stationbot/pkg/model"
	"github.com/daviddao/stationbot/pkg/store"
)

// LastDateKey is the bot_state key recording the last posted date.
const LastDateKey = "ranking_last_date"

// ErrAlreadyPosted is returned when the ranking for a date was already
// posted.
var ErrAlreadyPosted = errors.New("ranking already posted for this date")

// PostFunc publishes rendered text.
type PostFunc func(ctx context.Context, text string) error

// Job posts at most one ranking per calendar date.
type Job struct {
	Aggregator   *Aggregator
	Store        store.WatermarkStore
	Post         PostFunc
	Location     *time.Location
	CutoffHour   int
	CutoffMinute int
	Options      Options
	Hashtags     string
	Clock        clock.Clock
	Logger       *log.Logger
	Metrics      *metrics.Metrics
}

func (j *Job) logger() *log.Logger {
	if j.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return j.Logger
}

func (j *Job) location() *time.Location {
	if j.Location == nil {
		return time.Local
	}
	return j.Location
}

// Today returns the current date key in the job's location.
func (j *Job) Today() string {
	return clock.OrReal(j.Clock).Now().In(j.location()).Format(time.DateOnly)
}

// Build aggregates the window for dateKey without posting.
func (j *Job) Build(ctx context.Context, dateKey string) (model.Ranking, error) {
	w, err := WindowFor(dateKey, j.location(), j.CutoffHour, j.CutoffMinute)
	if err != nil {
		return model.Ranking{}, err
	}
	r, err := j.Aggregator.Aggregate(ctx, w, j.Options)
	if err != nil {
		return model.Ranking{}, fmt.Errorf("aggregate %s: %w", dateKey, err)
	}
	r.DateKey = dateKey
	return r, nil
}

// Text renders r with the job's options.
func (j *Job) Text(r model.Ranking) string {
	return Render(r, j.Options.withDefaults().TopN, j.Hashtags)
}

// Run builds and posts the ranking for today.
func (j *Job) Run(ctx context.Context) error {
	return j.RunFor(ctx, j.Today())
}

// RunFor builds and posts the ranking for dateKey unless it was already
// posted. The date is recorded only after a successful post.
func (j *Job) RunFor(ctx context.Context, dateKey string) error {
	lg := j.logger()

	last, ok, err := j.Store.Get(ctx, LastDateKey)
	if err != nil {
		j.Metrics.RankingRun("error")
		return fmt.Errorf("read %s: %w", LastDateKey, err)
	}
	if ok && last == dateKey {
		j.Metrics.RankingRun("duplicate")
		return fmt.Errorf("%s: %w", dateKey, ErrAlreadyPosted)
	}

	lg.Printf("building daily ranking for %s", dateKey)
	r, err := j.Build(ctx, dateKey)
	if err != nil {
		j.Metrics.RankingRun("error")
		return err
	}

	if err := j.Post(ctx, j.Text(r)); err != nil {
		j.Metrics.RankingRun("error")
		return fmt.Errorf("post ranking %s: %w", dateKey, err)
	}
	if err := j.Store.Set(ctx, LastDateKey, dateKey); err != nil {
		j.Metrics.RankingRun("error")
		return fmt.Errorf("record %s: %w", LastDateKey, err)
	}
	j.Metrics.RankingRun("posted")
	lg.Printf("posted ranking for %s (%d author(s), %d page(s))", dateKey, r.TotalActors, r.Pages)
	return nil
}
