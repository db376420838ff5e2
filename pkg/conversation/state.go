package conversation

import (
	"sort"
	"strings"

	"threadloom/pkg/channel"
)

// State is the accumulated thread history of one conversation instance.
type State struct {
	Messages []channel.Message
}

// Append adds every message whose ts is not recorded yet and keeps the history sorted by
// ts. Messages without a ts are ignored. It returns how many messages were added.
func (s *State) Append(msgs []channel.Message) int {
	seen := make(map[string]struct{}, len(s.Messages))
	for _, msg := range s.Messages {
		seen[msg.TS()] = struct{}{}
	}

	added := 0
	for _, msg := range msgs {
		ts := msg.TS()
		if ts == "" {
			continue
		}
		if _, ok := seen[ts]; ok {
			continue
		}
		seen[ts] = struct{}{}
		s.Messages = append(s.Messages, msg)
		added++
	}

	if added > 0 {
		sort.SliceStable(s.Messages, func(i, j int) bool {
			return CompareTS(s.Messages[i].TS(), s.Messages[j].TS()) < 0
		})
	}
	return added
}

// LastTS returns the ts of the newest recorded message, or "" when there is none.
func (s *State) LastTS() string {
	if len(s.Messages) == 0 {
		return ""
	}
	return s.Messages[len(s.Messages)-1].TS()
}

// Snapshot returns a copy of the recorded messages.
func (s *State) Snapshot() []channel.Message {
	out := make([]channel.Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// CompareTS orders platform timestamps ("seconds.micros") numerically.
func CompareTS(a, b string) int {
	aSec, aFrac, _ := strings.Cut(a, ".")
	bSec, bFrac, _ := strings.Cut(b, ".")

	if c := compareDigits(aSec, bSec); c != 0 {
		return c
	}

	// Fractions compare digit by digit after right-padding to equal length.
	for len(aFrac) < len(bFrac) {
		aFrac += "0"
	}
	for len(bFrac) < len(aFrac) {
		bFrac += "0"
	}
	return strings.Compare(aFrac, bFrac)
}

func compareDigits(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
