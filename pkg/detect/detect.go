// Package detect computes "new since last check" for a polled listing.
//
// The remote API has no change feed. Each poll fetches one bounded page,
// ranks it by identifier and diffs it against the stored watermark:
//
//	newest ─────────────────────────────► oldest
//	[ C6  C5  C4 ] [ C3  C2 ... ]
//	   delta         ≤ watermark (C3), scan stops here
//
// Identifiers are issued monotonically, so the first one at or below the
// watermark ends the scan. Entities that arrive faster than one page per
// poll interval fall off the page and are never seen; that loss is
// accepted rather than papered over with pagination.
package detect

import (
	"context"
	"sort"
	"strings"

	"github.com/daviddao/stationbot/pkg/model"
)

// Source fetches one bounded page of candidates.
type Source interface {
	Fetch(ctx context.Context) ([]model.Candidate, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]model.Candidate, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context) ([]model.Candidate, error) { return f(ctx) }

// Result is the outcome of one diff.
type Result struct {
	// Delta holds the candidates to act on, oldest first.
	Delta []model.Candidate
	// Watermark is the value to persist once the batch is handled. It is
	// the newest fetched identifier when that is newer than the stored
	// one, and empty when nothing should be written.
	Watermark string
	// FirstRun is set when no watermark existed; Delta is then empty and
	// Watermark is the baseline.
	FirstRun      bool
	Fetched       int
	SkippedRemote int
	SkippedSelf   int
}

// Detector diffs candidate pages against a watermark.
type Detector struct {
	// Self is excluded from every delta.
	Self model.Identity
	// Compare orders identifiers. Nil means strings.Compare.
	Compare func(a, b string) int
}

func (d Detector) compare(a, b string) int {
	if d.Compare != nil {
		return d.Compare(a, b)
	}
	return strings.Compare(a, b)
}

// Detect diffs cands against stored. hasStored is false when the stream
// has never been baselined. cands is not modified.
func (d Detector) Detect(cands []model.Candidate, stored string, hasStored bool) Result {
	res := Result{Fetched: len(cands)}
	if len(cands) == 0 {
		return res
	}

	sorted := make([]model.Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		return d.compare(sorted[i].ID, sorted[j].ID) > 0
	})
	newest := sorted[0].ID

	if !hasStored {
		res.FirstRun = true
		res.Watermark = newest
		return res
	}

	var fresh []model.Candidate
	for _, c := range sorted {
		if d.compare(c.ID, stored) <= 0 {
			break
		}
		if !c.Local() {
			res.SkippedRemote++
			continue
		}
		if c.IsSelf(d.Self) {
			res.SkippedSelf++
			continue
		}
		fresh = append(fresh, c)
	}

	if d.compare(newest, stored) > 0 {
		res.Watermark = newest
	}

	// Dispatch order is creation order.
	for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	}
	res.Delta = fresh
	return res
}
