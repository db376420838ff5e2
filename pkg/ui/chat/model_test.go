package chat

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"threadloom/pkg/bus"
)

func TestApplyOutboundTracksThread(t *testing.T) {
	t.Parallel()

	m := newModel(context.Background(), Options{Channel: "console"})

	m.applyOutbound(bus.OutboundMessage{Kind: bus.OutboundReactionAdded, Channel: "console", TS: "1700000000.000001", Reaction: "eyes"})
	if !m.working {
		t.Fatal("expected working after reaction added")
	}
	if m.threadTS != "1700000000.000001" {
		t.Fatalf("threadTS = %q", m.threadTS)
	}

	m.applyOutbound(bus.OutboundMessage{Kind: bus.OutboundReply, Channel: "console", ThreadTS: "1700000000.000001", TS: "1700000000.000002", Text: "hello"})
	if m.working {
		t.Fatal("expected reply to clear working")
	}
	if m.replies != 1 || len(m.messages) != 1 || m.messages[0].role != "assistant" || m.messages[0].content != "hello" {
		t.Fatalf("messages = %+v, replies %d", m.messages, m.replies)
	}

	m.applyOutbound(bus.OutboundMessage{Kind: bus.OutboundDeleted, Channel: "console", TS: "1700000000.000002"})
	if m.messages[0].role != "deleted" {
		t.Fatalf("role after delete = %q, want deleted", m.messages[0].role)
	}
}

func TestApplyOutboundIgnoresOtherChannels(t *testing.T) {
	t.Parallel()

	m := newModel(context.Background(), Options{Channel: "console"})
	m.applyOutbound(bus.OutboundMessage{Kind: bus.OutboundReply, Channel: "elsewhere", Text: "nope"})
	if len(m.messages) != 0 || m.replies != 0 {
		t.Fatalf("expected other channel to be ignored, got %+v", m.messages)
	}
}

func TestReactionRemovedClearsWorking(t *testing.T) {
	t.Parallel()

	m := newModel(context.Background(), Options{Channel: "console"})
	m.applyOutbound(bus.OutboundMessage{Kind: bus.OutboundReactionAdded, Channel: "console", TS: "1.0"})
	m.applyOutbound(bus.OutboundMessage{Kind: bus.OutboundReactionRemoved, Channel: "console", TS: "1.0"})
	if m.working {
		t.Fatal("expected working to clear when the reaction is removed")
	}
}

func TestStartNewThreadResets(t *testing.T) {
	t.Parallel()

	resets := 0
	m := newModel(context.Background(), Options{Channel: "console", Reset: func() { resets++ }})
	m.threadTS = "1.0"
	m.working = true

	m.startNewThread()
	if resets != 1 || m.threadTS != "" || m.working {
		t.Fatalf("after reset: resets=%d threadTS=%q working=%v", resets, m.threadTS, m.working)
	}
}

func TestCommands(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"exit", "/exit", " QUIT ", ":q"} {
		if !isExitCommand(input) {
			t.Fatalf("isExitCommand(%q) = false", input)
		}
	}
	if isExitCommand("quit now") {
		t.Fatal("isExitCommand(\"quit now\") = true")
	}
	if !isNewThreadCommand(" /NEW ") || isNewThreadCommand("new") {
		t.Fatal("isNewThreadCommand mismatch")
	}
}

func TestHandleViewportMouse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		button     tea.MouseButton
		action     tea.MouseAction
		startAbove int
		wantHandle bool
		wantFollow bool
	}{
		{name: "wheel up pins view", button: tea.MouseButtonWheelUp, action: tea.MouseActionPress, wantHandle: true, wantFollow: false},
		{name: "wheel down to bottom follows", button: tea.MouseButtonWheelDown, action: tea.MouseActionPress, startAbove: 1, wantHandle: true, wantFollow: true},
		{name: "wheel down short of bottom", button: tea.MouseButtonWheelDown, action: tea.MouseActionPress, startAbove: 10, wantHandle: true, wantFollow: false},
		{name: "left click ignored", button: tea.MouseButtonLeft, action: tea.MouseActionPress, wantFollow: true},
		{name: "wheel release ignored", button: tea.MouseButtonWheelUp, action: tea.MouseActionRelease, wantFollow: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := newModel(context.Background(), Options{})
			m.viewport.Width = 40
			m.viewport.Height = 5
			m.viewport.SetContent(strings.Repeat("line\n", 40))
			m.viewport.GotoBottom()
			m.viewport.SetYOffset(m.viewport.YOffset - tc.startAbove)
			m.followLog = tc.startAbove == 0

			handled := m.handleViewportMouse(tea.MouseMsg{Action: tc.action, Button: tc.button})
			if handled != tc.wantHandle {
				t.Fatalf("handled = %v, want %v", handled, tc.wantHandle)
			}
			if m.followLog != tc.wantFollow {
				t.Fatalf("followLog = %v, want %v", m.followLog, tc.wantFollow)
			}
		})
	}
}
