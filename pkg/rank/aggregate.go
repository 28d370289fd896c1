// Package rank computes the daily post-count leaderboard.
//
// The local timeline is paged newest-first between the window's start and
// end, each page continuing below the last identifier of the previous one.
// Every note inside [Start, End) that passes the filters adds one to its
// author's count. The whole window is read before anything is ranked, and
// a single failed page abandons the run.
package rank

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/daviddao/stationbot/pkg/clock"
	"github.com/daviddao/stationbot/pkg/metrics"
	"github.com/daviddao/stationbot/pkg/model"
)

// Timeline fetches one page of local notes.
type Timeline interface {
	LocalTimeline(ctx context.Context, q model.PageQuery) ([]model.Note, error)
}

// Options controls filtering, paging and truncation.
type Options struct {
	IncludeReplies bool
	IncludeRenotes bool
	ExcludeBots    bool
	ExcludeSelf    bool
	PageSize       int
	PageDelay      time.Duration
	TopN           int
}

// DefaultOptions mirrors the scheduled daily job.
func DefaultOptions() Options {
	return Options{
		IncludeReplies: true,
		IncludeRenotes: true,
		ExcludeBots:    true,
		ExcludeSelf:    true,
		PageSize:       100,
		PageDelay:      200 * time.Millisecond,
		TopN:           10,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.PageDelay < 0 {
		o.PageDelay = 0
	}
	if o.TopN <= 0 {
		o.TopN = d.TopN
	}
	return o
}

// Aggregator pages a timeline and tallies notes per author.
type Aggregator struct {
	Timeline Timeline
	Self     model.Identity
	Clock    clock.Clock
	Logger   *log.Logger
	Metrics  *metrics.Metrics
}

func (a *Aggregator) logger() *log.Logger {
	if a.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return a.Logger
}

func (a *Aggregator) keep(n model.Note, w model.Window, o Options) bool {
	switch {
	case !w.Contains(n.CreatedAt):
		return false
	case n.Host != "":
		return false
	case n.IsReply && !o.IncludeReplies:
		return false
	case n.IsRenote && !o.IncludeRenotes:
		return false
	case o.ExcludeSelf && a.Self.ID != "" && n.ActorID == a.Self.ID:
		return false
	case o.ExcludeBots && n.IsBot:
		return false
	}
	return true
}

// Aggregate reads every page of w and returns the ranked rows. DateKey is
// left for the caller to fill in.
func (a *Aggregator) Aggregate(ctx context.Context, w model.Window, opts Options) (model.Ranking, error) {
	opts = opts.withDefaults()
	clk := clock.OrReal(a.Clock)
	lg := a.logger()

	counts := make(map[string]*model.CountRow)
	var order []string
	cursor := ""
	pages := 0

	for {
		if pages > 0 {
			clk.Sleep(opts.PageDelay)
		}
		notes, err := a.Timeline.LocalTimeline(ctx, model.PageQuery{
			Limit:       opts.PageSize,
			WithReplies: opts.IncludeReplies,
			WithRenotes: opts.IncludeRenotes,
			SinceDate:   w.Start,
			UntilDate:   w.End,
			UntilID:     cursor,
		})
		if err != nil {
			return model.Ranking{}, fmt.Errorf("timeline page %d: %w", pages+1, err)
		}
		pages++
		a.Metrics.RankingPage()
		if len(notes) == 0 {
			break
		}

		for _, n := range notes {
			if !a.keep(n, w, opts) {
				continue
			}
			row, ok := counts[n.ActorID]
			if !ok {
				row = &model.CountRow{ActorID: n.ActorID}
				counts[n.ActorID] = row
				order = append(order, n.ActorID)
			}
			row.Username = n.Username
			row.DisplayName = n.DisplayName
			row.Count++
		}

		last := notes[len(notes)-1].ID
		if last == "" || last == cursor {
			break
		}
		cursor = last
	}

	rows := make([]model.CountRow, 0, len(order))
	for _, id := range order {
		rows = append(rows, *counts[id])
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Count > rows[j].Count })
	total := len(rows)
	if len(rows) > opts.TopN {
		rows = rows[:opts.TopN]
	}

	lg.Printf("read %d page(s), %d author(s) in window", pages, total)
	return model.Ranking{Window: w, Rows: rows, TotalActors: total, Pages: pages}, nil
}

// WindowFor returns [00:00, cutoff) of dateKey (2006-01-02) in loc.
func WindowFor(dateKey string, loc *time.Location, cutoffHour, cutoffMinute int) (model.Window, error) {
	if loc == nil {
		loc = time.Local
	}
	day, err := time.ParseInLocation(time.DateOnly, dateKey, loc)
	if err != nil {
		return model.Window{}, fmt.Errorf("parse date %q: %w", dateKey, err)
	}
	end := time.Date(day.Year(), day.Month(), day.Day(), cutoffHour, cutoffMinute, 0, 0, loc)
	return model.Window{Start: day, End: end}, nil
}
