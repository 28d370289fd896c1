// Package dispatch runs one side effect per delta item, in order, under a
// fixed pacing delay.
//
// The remote rate limit is not observable from here, so the dispatcher
// never runs two actions at once and always waits Delay between actions,
// whether the previous one succeeded or not. A failed item is logged and
// counted, then dropped: it is not retried and, because the stream's
// watermark still advances past it, it will not resurface on the next
// poll. Delivery is best-effort.
package dispatch

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/daviddao/stationbot/pkg/clock"
	"github.com/daviddao/stationbot/pkg/model"
)

// DefaultDelay is the pause between two consecutive actions.
const DefaultDelay = 3 * time.Second

// Action performs the external write for one item.
type Action func(ctx context.Context, c model.Candidate) error

// Outcome records what happened to one item.
type Outcome struct {
	Candidate model.Candidate
	Err       error
}

// Summary is the result of one Run.
type Summary struct {
	Sent     int
	Failed   int
	Outcomes []Outcome
}

// Dispatcher paces actions. The zero value uses DefaultDelay, the wall
// clock and a discarding logger.
type Dispatcher struct {
	Delay  time.Duration
	Clock  clock.Clock
	Logger *log.Logger
}

func (d *Dispatcher) delay() time.Duration {
	if d.Delay <= 0 {
		return DefaultDelay
	}
	return d.Delay
}

func (d *Dispatcher) logger() *log.Logger {
	if d.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return d.Logger
}

// Run invokes act for every item of batch in order. batch must already be
// oldest-first. Run does not stop early on failure or cancellation; the
// caller detaches ctx when a batch must run to completion.
func (d *Dispatcher) Run(ctx context.Context, batch []model.Candidate, act Action) Summary {
	clk := clock.OrReal(d.Clock)
	lg := d.logger()
	sum := Summary{Outcomes: make([]Outcome, 0, len(batch))}

	for i, item := range batch {
		if i > 0 {
			clk.Sleep(d.delay())
		}
		err := act(ctx, item)
		sum.Outcomes = append(sum.Outcomes, Outcome{Candidate: item, Err: err})
		if err != nil {
			sum.Failed++
			lg.Printf("item %d/%d %s (%s) failed: %v", i+1, len(batch), item.ID, item.Label, err)
			continue
		}
		sum.Sent++
		lg.Printf("item %d/%d %s (%s) sent", i+1, len(batch), item.ID, item.Label)
	}
	return sum
}
