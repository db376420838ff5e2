package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"threadloom/pkg/bus"
	"threadloom/pkg/channel"
)

func TestSayAndFetchReplies(t *testing.T) {
	g := New(nil)
	g.pageSize = 2

	root := g.Say("C1", "U1", "<@U_THREADLOOM> hi", "")
	if root.Kind != channel.AppMention {
		t.Fatalf("root kind = %q, want app_mention", root.Kind)
	}
	g.Say("C1", "U2", "unrelated", "")
	r1 := g.Say("C1", "U1", "first", root.TS)
	r2 := g.Say("C1", "U1", "second", root.TS)
	if r1.Kind != channel.ChannelMessage || r1.ThreadKey() != root.TS {
		t.Fatalf("reply event = %+v", r1)
	}

	msgs, err := g.FetchReplies(context.Background(), "C1", root.TS, "")
	if err != nil {
		t.Fatalf("FetchReplies error: %v", err)
	}
	var got []string
	for _, m := range msgs {
		got = append(got, m.TS())
	}
	if diff := cmp.Diff([]string{root.TS, r1.TS, r2.TS}, got); diff != "" {
		t.Fatalf("thread ts mismatch (-want +got):\n%s", diff)
	}

	msgs, err = g.FetchReplies(context.Background(), "C1", root.TS, r1.TS)
	if err != nil {
		t.Fatalf("FetchReplies error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].TS() != r1.TS {
		t.Fatalf("oldest-bounded fetch = %v, want from %s", msgs, r1.TS)
	}
	if g.Calls("fetch_replies") != 2 {
		t.Fatalf("fetch calls = %d, want 2", g.Calls("fetch_replies"))
	}
}

func TestReactionsAreIdempotent(t *testing.T) {
	g := New(nil)
	ref := channel.MessageRef{Channel: "C1", TS: "1.000001"}

	for range 2 {
		if err := g.AddReaction(context.Background(), ref, "eyes"); err != nil {
			t.Fatalf("AddReaction error: %v", err)
		}
	}
	if diff := cmp.Diff([]string{"eyes"}, g.Reactions(ref)); diff != "" {
		t.Fatalf("reactions mismatch (-want +got):\n%s", diff)
	}

	for range 2 {
		if err := g.RemoveReaction(context.Background(), ref, "eyes"); err != nil {
			t.Fatalf("RemoveReaction error: %v", err)
		}
	}
	if len(g.Reactions(ref)) != 0 {
		t.Fatalf("reactions = %v, want none", g.Reactions(ref))
	}
}

func TestPostMessageAndFailures(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	g := New(mb)

	root := g.Say("C1", "U1", "hi", "")
	g.FailNext("post_message", errors.New("ratelimited"))

	thread := channel.MessageRef{Channel: "C1", TS: root.TS}
	if _, err := g.PostMessage(context.Background(), thread, channel.TextContent("hello")); err == nil {
		t.Fatal("expected scripted failure")
	}

	receipt, err := g.PostMessage(context.Background(), thread, channel.TextContent("hello"))
	if err != nil {
		t.Fatalf("PostMessage error: %v", err)
	}
	if receipt.Channel != "C1" || receipt.TS == "" {
		t.Fatalf("receipt = %+v", receipt)
	}

	posts := g.Posts()
	if len(posts) != 1 || posts[0].Content.Text != "hello" {
		t.Fatalf("posts = %+v", posts)
	}
	if msgs := g.Thread("C1", root.TS); len(msgs) != 2 || msgs[1]["bot_id"] != botID {
		t.Fatalf("thread = %v, want bot reply appended", msgs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, ok := mb.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("expected outbound reply")
	}
	if out.Kind != bus.OutboundReply || out.Text != "hello" || out.ThreadTS != root.TS {
		t.Fatalf("outbound = %+v", out)
	}

	if _, err := g.PostMessage(context.Background(), thread, channel.Content{}); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestConsoleStartsThreadThenReplies(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	g := New(nil)
	console := NewConsole(g, mb, nil)

	events := make(chan channel.ThreadEvent, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = console.Run(ctx, func(_ context.Context, event channel.ThreadEvent) error {
			events <- event
			return nil
		})
	}()

	mb.PublishInbound(ctx, bus.InboundMessage{Channel: "C1", User: "U1", Text: "hello"})
	mb.PublishInbound(ctx, bus.InboundMessage{Channel: "C1", User: "U1", Text: "more"})

	first := <-events
	second := <-events
	if first.Kind != channel.AppMention {
		t.Fatalf("first kind = %q, want app_mention", first.Kind)
	}
	if second.Kind != channel.ChannelMessage || second.ThreadTS != first.TS {
		t.Fatalf("second = %+v, want reply in %s", second, first.TS)
	}
	if console.Thread("C1") != first.TS {
		t.Fatalf("console thread = %q, want %q", console.Thread("C1"), first.TS)
	}
}
