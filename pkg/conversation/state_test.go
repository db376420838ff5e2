package conversation

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"threadloom/pkg/channel"
)

func tsList(msgs []channel.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.TS())
	}
	return out
}

func TestAppendSortsAndDeduplicates(t *testing.T) {
	var state State

	added := state.Append([]channel.Message{
		{"ts": "100.000200", "text": "b"},
		{"ts": "100.000100", "text": "a"},
	})
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}

	added = state.Append([]channel.Message{
		{"ts": "100.000100", "text": "a again"},
		{"ts": "99.999999", "text": "older"},
		{"text": "no ts"},
	})
	if added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}

	want := []string{"99.999999", "100.000100", "100.000200"}
	if diff := cmp.Diff(want, tsList(state.Messages)); diff != "" {
		t.Fatalf("transcript mismatch (-want +got):\n%s", diff)
	}
	if state.Messages[1].Text() != "a" {
		t.Fatalf("recorded message was replaced: %q", state.Messages[1].Text())
	}
	if state.LastTS() != "100.000200" {
		t.Fatalf("LastTS = %q", state.LastTS())
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	batch := []channel.Message{{"ts": "1.1"}, {"ts": "1.2"}}

	var once, twice State
	once.Append(batch)
	twice.Append(batch)
	twice.Append(batch)

	if diff := cmp.Diff(tsList(once.Messages), tsList(twice.Messages)); diff != "" {
		t.Fatalf("repeated append changed the transcript (-once +twice):\n%s", diff)
	}
}

func TestCompareTS(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"100.000100", "100.000200", -1},
		{"99.9", "100.0", -1},
		{"100.5", "100.500000", 0},
		{"1700000001.000001", "1700000000.999999", 1},
		{"100", "100.000001", -1},
	}
	for _, tt := range tests {
		if got := CompareTS(tt.a, tt.b); got != tt.want {
			t.Fatalf("CompareTS(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestInstanceID(t *testing.T) {
	if got := InstanceID("1700000000.000100"); got != "thread-1700000000-000100" {
		t.Fatalf("InstanceID = %q", got)
	}
	if InstanceID("1.2") != InstanceID("1.2") {
		t.Fatal("InstanceID is not deterministic")
	}
}

func TestHumanInterval(t *testing.T) {
	tests := map[int]string{
		3600:  "hour",
		1800:  "30 minutes",
		86400: "day",
		45:    "45 seconds",
		7200:  "2 hours",
	}
	for seconds, want := range tests {
		if got := humanInterval(seconds); got != want {
			t.Fatalf("humanInterval(%d) = %q, want %q", seconds, got, want)
		}
	}
}
