// Package model defines the core domain types for stationbot.
//
// Stationbot watches a Misskey instance and reacts to two kinds of change:
//
//   - Streams: an external listing (users, backup files) is polled on an
//     interval and diffed against a persisted watermark. Everything strictly
//     newer than the watermark is a delta batch; the watermark then advances
//     so nothing is announced twice across restarts.
//
//   - Windows: a time-bounded listing (the local timeline for one day) is
//     paginated to completion and reduced to a ranked count per actor.
//
// Identifiers are compared as strings. The identifier schemes in use are
// fixed-width and time-prefixed, so byte-wise order matches issue order.
package model

import "time"

// Watermark is one row of persisted stream state. Key names a logical
// stream; Value is the last processed identifier (identity streams) or an
// ISO date (calendar streams).
type Watermark struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Identity is the bot's own account, fetched once at startup.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Candidate is a snapshot of an external entity fetched during a poll.
type Candidate struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id,omitempty"`
	Label     string    `json:"label"`
	Host      string    `json:"host,omitempty"` // empty for local origin
	IsBot     bool      `json:"is_bot,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size,omitempty"` // file streams only
}

// Local reports whether the candidate originates on this instance.
func (c Candidate) Local() bool { return c.Host == "" }

// IsSelf reports whether the candidate is the bot's own account.
func (c Candidate) IsSelf(self Identity) bool {
	return self.ID != "" && c.ActorID == self.ID
}

// Note is a timeline entry as seen by the windowed aggregator.
type Note struct {
	ID          string    `json:"id"`
	ActorID     string    `json:"actor_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	Host        string    `json:"host,omitempty"`
	IsBot       bool      `json:"is_bot,omitempty"`
	IsReply     bool      `json:"is_reply,omitempty"`
	IsRenote    bool      `json:"is_renote,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window. Start is inclusive,
// End is exclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// PageQuery describes one page of a time-bounded listing, newest first.
type PageQuery struct {
	Limit       int
	WithReplies bool
	WithRenotes bool
	SinceDate   time.Time
	UntilDate   time.Time
	UntilID     string // empty on the first page
}

// CountRow is the per-actor tally inside one window.
type CountRow struct {
	ActorID     string `json:"actor_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Count       int    `json:"count"`
}

// Label returns the display name, falling back to the username.
func (r CountRow) Label() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.Username
}

// Ranking is the reduced result of one windowed aggregation.
type Ranking struct {
	DateKey     string     `json:"date"`
	Window      Window     `json:"window"`
	Rows        []CountRow `json:"rows"`
	TotalActors int        `json:"total_actors"`
	Pages       int        `json:"pages"`
}
