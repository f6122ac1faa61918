package model

import (
	"testing"
	"time"
)

func TestUnreadCount(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "1", SenderID: "bob", CreatedAt: base},
		{ID: "2", SenderID: "alice", CreatedAt: base.Add(time.Minute)},
		{ID: "3", SenderID: "bob", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "4", SenderID: "carol", CreatedAt: base.Add(3 * time.Minute)},
	}

	tests := []struct {
		name       string
		lastReadAt *time.Time
		want       int
	}{
		{name: "never read", lastReadAt: nil, want: 3},
		{name: "before everything", lastReadAt: ptr(base.Add(-time.Second)), want: 3},
		{name: "watermark equal to a message", lastReadAt: ptr(base), want: 2},
		{name: "mid conversation", lastReadAt: ptr(base.Add(90 * time.Second)), want: 2},
		{name: "caught up", lastReadAt: ptr(base.Add(3 * time.Minute)), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UnreadCount(msgs, "alice", tt.lastReadAt); got != tt.want {
				t.Errorf("UnreadCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSortMessages(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "c", CreatedAt: base.Add(2 * time.Second)},
		{ID: "b", CreatedAt: base},
		{ID: "d", CreatedAt: base.Add(time.Second)},
		{ID: "a", CreatedAt: base},
	}

	SortMessages(msgs)

	want := []string{"a", "b", "d", "c"}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("position %d = %s, want %s (got %v)", i, msgs[i].ID, id, ids(msgs))
		}
	}
}

func TestDirectPairKey(t *testing.T) {
	lo1, hi1 := DirectPairKey("bob", "alice")
	lo2, hi2 := DirectPairKey("alice", "bob")
	if lo1 != lo2 || hi1 != hi2 {
		t.Fatalf("DirectPairKey not symmetric: (%s,%s) vs (%s,%s)", lo1, hi1, lo2, hi2)
	}
	if lo1 != "alice" || hi1 != "bob" {
		t.Errorf("DirectPairKey = (%s,%s), want (alice,bob)", lo1, hi1)
	}
}

func TestInitials(t *testing.T) {
	tests := map[string]string{
		"Ada Lovelace":        "AL",
		"grace":               "G",
		"  ken  thompson x ":  "KT",
		"":                    "?",
		"Design, Sales & Ops": "DS",
	}
	for in, want := range tests {
		if got := Initials(in); got != want {
			t.Errorf("Initials(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("away")
	if err != nil {
		t.Fatalf("ParseStatus() error = %v", err)
	}
	if st != StatusAway {
		t.Errorf("ParseStatus() = %s, want %s", st, StatusAway)
	}
	if _, err := ParseStatus("invisible"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func ptr(t time.Time) *time.Time { return &t }

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].ID
	}
	return out
}
