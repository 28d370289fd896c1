package model

import (
	"testing"
	"time"
)

func TestWindow_Contains(t *testing.T) {
	jst := time.FixedZone("JST", 9*60*60)
	w := Window{
		Start: time.Date(2026, 2, 1, 0, 0, 0, 0, jst),
		End:   time.Date(2026, 2, 1, 23, 30, 0, 0, jst),
	}
	cases := []struct {
		name   string
		at     time.Time
		expect bool
	}{
		{"exactly start", w.Start, true},
		{"just before start", w.Start.Add(-time.Nanosecond), false},
		{"middle", time.Date(2026, 2, 1, 12, 0, 0, 0, jst), true},
		{"one second before end", time.Date(2026, 2, 1, 23, 29, 59, 0, jst), true},
		{"exactly end", w.End, false},
		{"after end", w.End.Add(time.Minute), false},
		{"same instant in UTC", w.Start.UTC(), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := w.Contains(tc.at); got != tc.expect {
				t.Fatalf("Contains(%v) = %v, want %v", tc.at, got, tc.expect)
			}
		})
	}
}

func TestCandidate_Local(t *testing.T) {
	if !(Candidate{ID: "a"}).Local() {
		t.Fatal("candidate without host should be local")
	}
	if (Candidate{ID: "a", Host: "remote.example"}).Local() {
		t.Fatal("candidate with host should be foreign")
	}
}

func TestCandidate_IsSelf(t *testing.T) {
	self := Identity{ID: "bot1", Username: "welcome"}
	if !(Candidate{ActorID: "bot1"}).IsSelf(self) {
		t.Fatal("matching actor should be self")
	}
	if (Candidate{ActorID: "u2"}).IsSelf(self) {
		t.Fatal("other actor should not be self")
	}
	if (Candidate{ActorID: ""}).IsSelf(Identity{}) {
		t.Fatal("empty identity must never match")
	}
}

func TestCountRow_Label(t *testing.T) {
	if got := (CountRow{Username: "alice", DisplayName: "Alice"}).Label(); got != "Alice" {
		t.Fatalf("Label = %q, want Alice", got)
	}
	if got := (CountRow{Username: "alice"}).Label(); got != "alice" {
		t.Fatalf("Label fallback = %q, want alice", got)
	}
}
