package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/daviddao/stationbot/pkg/clock"
	"github.com/daviddao/stationbot/pkg/detect"
	"github.com/daviddao/stationbot/pkg/dispatch"
	"github.com/daviddao/stationbot/pkg/model"
	"github.com/daviddao/stationbot/pkg/store"
)

const key = "last_welcome_user_id"

func users(ids ...string) []model.Candidate {
	out := make([]model.Candidate, len(ids))
	for i, id := range ids {
		out[i] = model.Candidate{ID: id, ActorID: id, Label: "user" + id}
	}
	return out
}

type harness struct {
	st    *store.Memory
	clk   *clock.Fake
	page  []model.Candidate
	sent  []string
	fail  map[string]bool
	logs  bytes.Buffer
	strm  *Stream
	fetch error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		st:   store.NewMemory(),
		clk:  clock.NewFake(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)),
		fail: map[string]bool{},
	}
	lg := log.New(&h.logs, "", 0)
	h.strm = &Stream{
		Name: "welcome",
		Key:  key,
		Source: detect.SourceFunc(func(context.Context) ([]model.Candidate, error) {
			return h.page, h.fetch
		}),
		Store:      h.st,
		Dispatcher: &dispatch.Dispatcher{Delay: 3 * time.Second, Clock: h.clk, Logger: lg},
		Action: func(_ context.Context, c model.Candidate) error {
			h.sent = append(h.sent, c.ID)
			if h.fail[c.ID] {
				return errors.New("remote rejected post")
			}
			return nil
		},
		Logger: lg,
		Clock:  h.clk,
	}
	return h
}

func (h *harness) watermark(t *testing.T) string {
	t.Helper()
	v, _, err := h.st.Get(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestRunCycle_FirstRunBaselines(t *testing.T) {
	h := newHarness(t)
	h.page = users("C5", "C4", "C3")

	rep, err := h.strm.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !rep.FirstRun || len(h.sent) != 0 {
		t.Fatalf("first run must only baseline: rep=%+v sent=%v", rep, h.sent)
	}
	if got := h.watermark(t); got != "C5" {
		t.Fatalf("watermark = %q, want C5", got)
	}
	if rep.CycleID == "" {
		t.Fatal("cycle id missing")
	}
}

func TestRunCycle_DispatchesOldestFirstThenAdvances(t *testing.T) {
	h := newHarness(t)
	h.st.Set(context.Background(), key, "C3")
	h.page = users("C6", "C5", "C4", "C3")

	rep, err := h.strm.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(h.sent, ",") != "C4,C5,C6" {
		t.Fatalf("sent = %v, want C4,C5,C6", h.sent)
	}
	if got := h.watermark(t); got != "C6" {
		t.Fatalf("watermark = %q, want C6", got)
	}
	if rep.Sent != 3 || !rep.Advanced {
		t.Fatalf("report = %+v", rep)
	}
	if n := len(h.clk.Sleeps()); n != 2 {
		t.Fatalf("sleeps = %d, want 2", n)
	}

	// Same page again: nothing new, no write.
	before := h.st.Writes()
	h.sent = nil
	rep, err = h.strm.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(h.sent) != 0 || rep.Advanced {
		t.Fatalf("second cycle must be a no-op: sent=%v rep=%+v", h.sent, rep)
	}
	if h.st.Writes() != before {
		t.Fatal("no-op cycle wrote the watermark")
	}
}

func TestRunCycle_FailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t)
	h.st.Set(context.Background(), key, "C1")
	h.page = users("C4", "C3", "C2", "C1")
	h.fail["C3"] = true

	rep, err := h.strm.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(h.sent, ",") != "C2,C3,C4" {
		t.Fatalf("sent = %v", h.sent)
	}
	if rep.Sent != 2 || rep.Failed != 1 {
		t.Fatalf("sent=%d failed=%d, want 2/1", rep.Sent, rep.Failed)
	}
	if got := h.watermark(t); got != "C4" {
		t.Fatalf("watermark = %q, want C4 despite the failure", got)
	}
}

func TestRunCycle_GuardRebaselines(t *testing.T) {
	h := newHarness(t)
	h.st.Set(context.Background(), key, "C1")
	for i := 99; i >= 2; i-- {
		h.page = append(h.page, users(fmt.Sprintf("C%d", i))...)
	}

	rep, err := h.strm.RunCycle(context.Background())
	if !errors.Is(err, detect.ErrDeltaTooLarge) {
		t.Fatalf("err = %v, want ErrDeltaTooLarge", err)
	}
	if len(h.sent) != 0 {
		t.Fatalf("guard trip dispatched %d items", len(h.sent))
	}
	if got := h.watermark(t); got != "C99" {
		t.Fatalf("watermark = %q, want C99", got)
	}
	if !rep.Tripped || len(rep.Delta) != 98 {
		t.Fatalf("report = tripped %v delta %d", rep.Tripped, len(rep.Delta))
	}
	if !strings.Contains(h.logs.String(), "WARNING") {
		t.Fatalf("guard trip not logged as a warning:\n%s", h.logs.String())
	}
}

func TestRunCycle_GuardRebaselineWriteFails(t *testing.T) {
	h := newHarness(t)
	h.st.Set(context.Background(), key, "C1")
	for i := 99; i >= 2; i-- {
		h.page = append(h.page, users(fmt.Sprintf("C%d", i))...)
	}
	h.strm.Store = &brokenStore{Memory: h.st, setErr: errors.New("disk full")}

	rep, err := h.strm.RunCycle(context.Background())
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
	if errors.Is(err, detect.ErrDeltaTooLarge) {
		t.Fatal("failed re-baseline must not read as a plain guard warning")
	}
	if len(h.sent) != 0 || rep.Advanced {
		t.Fatalf("sent %d, advanced %v", len(h.sent), rep.Advanced)
	}
	if got := h.watermark(t); got != "C1" {
		t.Fatalf("watermark = %q, want unchanged C1", got)
	}
	if !strings.Contains(h.logs.String(), "disk full") {
		t.Fatalf("write failure not logged:\n%s", h.logs.String())
	}
}

func TestRunCycle_SkippedOnlyDoesNotWrite(t *testing.T) {
	h := newHarness(t)
	h.strm.Detector = detect.Detector{Self: model.Identity{ID: "C4"}}
	h.st.Set(context.Background(), key, "C3")
	h.page = users("C4", "C3")

	before := h.st.Writes()
	rep, err := h.strm.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(h.sent) != 0 || rep.Advanced || h.st.Writes() != before {
		t.Fatalf("self-only delta must not dispatch or write: rep=%+v", rep)
	}
	if got := h.watermark(t); got != "C3" {
		t.Fatalf("watermark = %q, want C3", got)
	}
}

func TestRunCycle_EmptyFetch(t *testing.T) {
	h := newHarness(t)
	rep, err := h.strm.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Fetched != 0 || h.st.Writes() != 0 {
		t.Fatalf("empty fetch should be a no-op: %+v", rep)
	}
}

func TestRunCycle_FetchError(t *testing.T) {
	h := newHarness(t)
	h.fetch = errors.New("connection refused")
	_, err := h.strm.RunCycle(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("err = %v", err)
	}
	if h.st.Writes() != 0 {
		t.Fatal("fetch error must not write")
	}
}

// brokenStore fails Get or Set on demand.
type brokenStore struct {
	*store.Memory
	getErr, setErr error
}

func (b *brokenStore) Get(ctx context.Context, k string) (string, bool, error) {
	if b.getErr != nil {
		return "", false, b.getErr
	}
	return b.Memory.Get(ctx, k)
}

func (b *brokenStore) Set(ctx context.Context, k, v string) error {
	if b.setErr != nil {
		return b.setErr
	}
	return b.Memory.Set(ctx, k, v)
}

func TestRunCycle_StorageUnavailableAborts(t *testing.T) {
	h := newHarness(t)
	h.page = users("C6", "C5")
	bs := &brokenStore{Memory: h.st, getErr: errors.New("database is locked")}
	h.strm.Store = bs

	_, err := h.strm.RunCycle(context.Background())
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
	if len(h.sent) != 0 || h.st.Writes() != 0 {
		t.Fatal("storage failure must abort before dispatching or writing")
	}
}

func TestRunCycle_WriteFailureAfterDispatch(t *testing.T) {
	h := newHarness(t)
	h.st.Set(context.Background(), key, "C3")
	h.page = users("C5", "C4", "C3")
	bs := &brokenStore{Memory: h.st, setErr: errors.New("disk full")}
	h.strm.Store = bs

	rep, err := h.strm.RunCycle(context.Background())
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
	if rep.Advanced {
		t.Fatal("report claims the watermark advanced")
	}
	if got := h.watermark(t); got != "C3" {
		t.Fatalf("watermark = %q, want unchanged C3", got)
	}
}
