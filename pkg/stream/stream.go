// Package stream runs one poll cycle of a watermarked listing:
// fetch, diff, guard, dispatch, persist.
//
// The watermark is read once near the start of a cycle and written once
// near the end. It is written on first run (baseline), on a guard trip
// (re-baseline) and after a non-empty batch has been dispatched. Nothing
// else writes it, so an empty delta leaves state untouched.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"

	"github.com/daviddao/stationbot/pkg/clock"
	"github.com/daviddao/stationbot/pkg/detect"
	"github.com/daviddao/stationbot/pkg/dispatch"
	"github.com/daviddao/stationbot/pkg/metrics"
	"github.com/daviddao/stationbot/pkg/store"
)

// ErrStorage wraps every watermark read or write failure. A cycle that
// returns it has not mutated state.
var ErrStorage = errors.New("watermark storage unavailable")

// Stream is one logical watched listing.
type Stream struct {
	Name       string
	Key        string // bot_state key holding the watermark
	Source     detect.Source
	Store      store.WatermarkStore
	Detector   detect.Detector
	Ceiling    int // 0 means detect.DefaultCeiling
	Dispatcher *dispatch.Dispatcher
	Action     dispatch.Action
	Logger     *log.Logger
	Metrics    *metrics.Metrics
	Clock      clock.Clock
}

// Report summarizes one cycle.
type Report struct {
	CycleID   string   `json:"cycle_id"`
	Stream    string   `json:"stream"`
	Fetched   int      `json:"fetched"`
	FirstRun  bool     `json:"first_run,omitempty"`
	Delta     []string `json:"delta,omitempty"`
	Sent      int      `json:"sent"`
	Failed    int      `json:"failed"`
	Watermark string   `json:"watermark,omitempty"`
	Advanced  bool     `json:"advanced"`
	Tripped   bool     `json:"tripped,omitempty"`
}

func (s *Stream) logger() *log.Logger {
	if s.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return s.Logger
}

func (s *Stream) dispatcher() *dispatch.Dispatcher {
	if s.Dispatcher == nil {
		return &dispatch.Dispatcher{Clock: s.Clock, Logger: s.Logger}
	}
	return s.Dispatcher
}

// RunCycle performs one cycle. A guard trip returns a non-nil error that
// matches detect.ErrDeltaTooLarge together with a valid report; callers
// treat it as a warning. Any other error means the cycle was abandoned.
func (s *Stream) RunCycle(ctx context.Context) (Report, error) {
	clk := clock.OrReal(s.Clock)
	started := clk.Now()
	rep := Report{CycleID: uuid.NewString()[:8], Stream: s.Name}
	lg := s.logger()
	logf := func(format string, args ...any) {
		lg.Printf(rep.CycleID+" "+format, args...)
	}

	result := "error"
	defer func() { s.Metrics.Cycle(s.Name, result, clk.Now().Sub(started)) }()

	cands, err := s.Source.Fetch(ctx)
	if err != nil {
		return rep, fmt.Errorf("%s: fetch: %w", s.Name, err)
	}
	rep.Fetched = len(cands)
	if len(cands) == 0 {
		logf("no candidates returned")
		result = "noop"
		return rep, nil
	}

	stored, ok, err := s.Store.Get(ctx, s.Key)
	if err != nil {
		return rep, fmt.Errorf("%s: %w: %w", s.Name, ErrStorage, err)
	}
	if ok {
		logf("fetched %d, watermark %s", len(cands), stored)
	} else {
		logf("fetched %d, no watermark (first run)", len(cands))
	}

	res := s.Detector.Detect(cands, stored, ok)
	if res.SkippedRemote > 0 || res.SkippedSelf > 0 {
		logf("skipped %d remote, %d self", res.SkippedRemote, res.SkippedSelf)
	}

	if res.FirstRun {
		rep.FirstRun = true
		if err := s.persist(ctx, &rep, res.Watermark); err != nil {
			return rep, err
		}
		logf("baseline set to %s; nothing announced", res.Watermark)
		result = "baseline"
		return rep, nil
	}

	if len(res.Delta) == 0 {
		logf("nothing new since %s", stored)
		result = "noop"
		return rep, nil
	}
	for _, c := range res.Delta {
		rep.Delta = append(rep.Delta, c.ID)
	}

	if gerr := detect.Guard(res, s.Ceiling); gerr != nil {
		rep.Tripped = true
		s.Metrics.GuardTripped(s.Name)
		if err := s.persist(ctx, &rep, res.Watermark); err != nil {
			logf("WARNING: %v; re-baseline to %s failed: %v", gerr, res.Watermark, err)
			return rep, fmt.Errorf("%w (after %v)", err, gerr)
		}
		logf("WARNING: %v; watermark re-baselined to %s", gerr, res.Watermark)
		result = "guard"
		return rep, fmt.Errorf("%s: %w", s.Name, gerr)
	}

	logf("dispatching %d new item(s)", len(res.Delta))
	sum := s.dispatcher().Run(ctx, res.Delta, s.Action)
	rep.Sent, rep.Failed = sum.Sent, sum.Failed
	s.Metrics.Dispatched(s.Name, sum.Sent, sum.Failed)

	if err := s.persist(ctx, &rep, res.Watermark); err != nil {
		return rep, err
	}
	logf("done: %d sent, %d failed; watermark now %s", sum.Sent, sum.Failed, res.Watermark)
	result = "dispatched"
	return rep, nil
}

func (s *Stream) persist(ctx context.Context, rep *Report, value string) error {
	if value == "" {
		return nil
	}
	if err := s.Store.Set(ctx, s.Key, value); err != nil {
		return fmt.Errorf("%s: %w: %w", s.Name, ErrStorage, err)
	}
	rep.Watermark = value
	rep.Advanced = true
	s.Metrics.WatermarkAdvanced(s.Name, clock.OrReal(s.Clock).Now())
	return nil
}
