// Package channel defines the chat data model and the gateway contract the orchestrator
// uses to read threads and perform visible effects.
package channel

import (
	"context"
	"strings"
)

// EventKind tags a ThreadEvent.
type EventKind string

const (
	AppMention     EventKind = "app_mention"
	ChannelMessage EventKind = "message"
)

// ThreadEvent is one admitted chat event. It is immutable after creation.
type ThreadEvent struct {
	Kind     EventKind `json:"kind" cbor:"kind"`
	Channel  string    `json:"channel" cbor:"channel"`
	User     string    `json:"user,omitempty" cbor:"user,omitempty"`
	Text     string    `json:"text,omitempty" cbor:"text,omitempty"`
	TS       string    `json:"ts" cbor:"ts"`
	ThreadTS string    `json:"thread_ts,omitempty" cbor:"thread_ts,omitempty"`
	EventTS  string    `json:"event_ts,omitempty" cbor:"event_ts,omitempty"`
	EventID  string    `json:"event_id,omitempty" cbor:"event_id,omitempty"`
}

// ThreadKey identifies the thread the event belongs to: the parent ts for replies, the
// event's own ts for top-level messages.
func (e ThreadEvent) ThreadKey() string {
	if e.ThreadTS != "" {
		return e.ThreadTS
	}
	return e.TS
}

// ThreadRef addresses the thread of the event.
func (e ThreadEvent) ThreadRef() MessageRef {
	return MessageRef{Channel: e.Channel, TS: e.ThreadKey()}
}

// Message is a raw message record as returned by the platform.
type Message map[string]any

// TS returns the message timestamp, or "" when missing.
func (m Message) TS() string {
	ts, _ := m["ts"].(string)
	return ts
}

// Text returns the message text, or "" when missing.
func (m Message) Text() string {
	text, _ := m["text"].(string)
	return text
}

// Content is a reply body: markdown text or a list of layout blocks, never both.
type Content struct {
	Text   string           `json:"text,omitempty" cbor:"text,omitempty"`
	Blocks []map[string]any `json:"blocks,omitempty" cbor:"blocks,omitempty"`
}

// TextContent builds text content.
func TextContent(text string) Content { return Content{Text: text} }

// IsEmpty reports whether there is nothing to post.
func (c Content) IsEmpty() bool {
	return len(c.Blocks) == 0 && strings.TrimSpace(c.Text) == ""
}

// MessageRef addresses a message (or a thread, by its parent ts) in a channel.
type MessageRef struct {
	Channel string `json:"channel" cbor:"channel"`
	TS      string `json:"ts" cbor:"ts"`
}

// Receipt identifies a posted message.
type Receipt struct {
	Channel string `json:"channel" cbor:"channel"`
	TS      string `json:"ts" cbor:"ts"`
}

// Gateway performs reads and visible effects against the chat platform.
//
// FetchReplies follows pagination until exhausted and returns messages in platform order,
// starting at oldestTS (inclusive). AddReaction and RemoveReaction treat an already
// present or already absent reaction as success. PostMessage posts into the thread
// addressed by thread.TS.
type Gateway interface {
	FetchReplies(ctx context.Context, channel, threadTS, oldestTS string) ([]Message, error)
	PostMessage(ctx context.Context, thread MessageRef, content Content) (Receipt, error)
	AddReaction(ctx context.Context, ref MessageRef, name string) error
	RemoveReaction(ctx context.Context, ref MessageRef, name string) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
}

// Handler admits one thread event.
type Handler func(context.Context, ThreadEvent) error

// Adapter feeds events from one transport into a Handler until ctx is done.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}
