// Package local is an in-memory chat platform. It backs the terminal console and the
// orchestrator tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"threadloom/pkg/bus"
	"threadloom/pkg/channel"
)

const (
	BotUserID = "U_THREADLOOM"
	botID     = "B_THREADLOOM"
)

// Gateway is a channel.Gateway over in-memory threads.
type Gateway struct {
	mu        sync.Mutex
	bus       *bus.MessageBus
	epoch     int64
	seq       int64
	messages  map[string][]channel.Message
	reactions map[channel.MessageRef][]string
	posts     []Post
	calls     map[string]int
	failures  map[string][]error
	pageSize  int
}

// Post is a message posted through the gateway.
type Post struct {
	Thread  channel.MessageRef
	Content channel.Content
	TS      string
}

// New returns an empty platform. When mb is non-nil, visible effects are published on it
// as outbound messages.
func New(mb *bus.MessageBus) *Gateway {
	return &Gateway{
		bus:       mb,
		epoch:     1700000000,
		messages:  make(map[string][]channel.Message),
		reactions: make(map[channel.MessageRef][]string),
		calls:     make(map[string]int),
		failures:  make(map[string][]error),
		pageSize:  50,
	}
}

func (g *Gateway) nextTSLocked() string {
	g.seq++
	return fmt.Sprintf("%d.%06d", g.epoch+g.seq/1_000_000, g.seq%1_000_000)
}

// Say records a user message and returns the event the platform would deliver: an app
// mention for a new thread, a channel message for a reply.
func (g *Gateway) Say(channelID, user, text, threadTS string) channel.ThreadEvent {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.nextTSLocked()
	msg := channel.Message{"type": "message", "user": user, "text": text, "ts": ts}
	kind := channel.AppMention
	if threadTS != "" {
		msg["thread_ts"] = threadTS
		kind = channel.ChannelMessage
	}
	g.messages[channelID] = append(g.messages[channelID], msg)

	return channel.ThreadEvent{
		Kind:     kind,
		Channel:  channelID,
		User:     user,
		Text:     text,
		TS:       ts,
		ThreadTS: threadTS,
		EventTS:  ts,
		EventID:  "Ev" + ts,
	}
}

// Put stores msg in channelID as is. Tests use it to seed threads with fixed timestamps.
func (g *Gateway) Put(channelID string, msg channel.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages[channelID] = append(g.messages[channelID], cloneMessage(msg))
}

// FailNext makes the next calls to op ("fetch_replies", "post_message", "add_reaction",
// "remove_reaction") return errs in order.
func (g *Gateway) FailNext(op string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = append(g.failures[op], errs...)
}

func (g *Gateway) enterLocked(op string) error {
	g.calls[op]++
	queue := g.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	g.failures[op] = queue[1:]
	return err
}

func (g *Gateway) FetchReplies(ctx context.Context, channelID, threadTS, oldestTS string) ([]channel.Message, error) {
	return g.collect(ctx, channelID, threadTS, oldestTS, true)
}

func (g *Gateway) collect(ctx context.Context, channelID, threadTS, oldestTS string, counted bool) ([]channel.Message, error) {
	var out []channel.Message
	cursor := ""
	for {
		page, next, err := g.fetchPage(ctx, channelID, threadTS, oldestTS, cursor, counted)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// fetchPage mimics cursor pagination: the cursor is the ts of the last returned message.
func (g *Gateway) fetchPage(ctx context.Context, channelID, threadTS, oldestTS, cursor string, counted bool) ([]channel.Message, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if cursor == "" && counted {
		if err := g.enterLocked("fetch_replies"); err != nil {
			return nil, "", err
		}
	}

	var page []channel.Message
	for _, msg := range g.messages[channelID] {
		ts := msg.TS()
		parent, _ := msg["thread_ts"].(string)
		if ts != threadTS && parent != threadTS {
			continue
		}
		if ts < oldestTS || (cursor != "" && ts <= cursor) {
			continue
		}
		page = append(page, cloneMessage(msg))
		if len(page) == g.pageSize {
			return page, ts, nil
		}
	}
	return page, "", nil
}

func (g *Gateway) PostMessage(ctx context.Context, thread channel.MessageRef, content channel.Content) (channel.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return channel.Receipt{}, err
	}
	if content.IsEmpty() {
		return channel.Receipt{}, errors.New("no_text")
	}

	g.mu.Lock()
	if err := g.enterLocked("post_message"); err != nil {
		g.mu.Unlock()
		return channel.Receipt{}, err
	}

	ts := g.nextTSLocked()
	msg := channel.Message{"type": "message", "user": BotUserID, "bot_id": botID, "ts": ts, "thread_ts": thread.TS}
	if len(content.Blocks) > 0 {
		blocks := make([]any, 0, len(content.Blocks))
		for _, block := range content.Blocks {
			blocks = append(blocks, block)
		}
		msg["blocks"] = blocks
	} else {
		msg["text"] = content.Text
	}
	g.messages[thread.Channel] = append(g.messages[thread.Channel], msg)
	g.posts = append(g.posts, Post{Thread: thread, Content: content, TS: ts})
	g.mu.Unlock()

	g.emit(ctx, bus.OutboundMessage{Kind: bus.OutboundReply, Channel: thread.Channel, ThreadTS: thread.TS, TS: ts, Text: renderContent(content)})
	return channel.Receipt{Channel: thread.Channel, TS: ts}, nil
}

func (g *Gateway) AddReaction(ctx context.Context, ref channel.MessageRef, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	if err := g.enterLocked("add_reaction"); err != nil {
		g.mu.Unlock()
		return err
	}
	current := g.reactions[ref]
	added := !slices.Contains(current, name)
	if added {
		g.reactions[ref] = append(current, name)
	}
	g.mu.Unlock()

	if added {
		g.emit(ctx, bus.OutboundMessage{Kind: bus.OutboundReactionAdded, Channel: ref.Channel, TS: ref.TS, Reaction: name})
	}
	return nil
}

func (g *Gateway) RemoveReaction(ctx context.Context, ref channel.MessageRef, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	if err := g.enterLocked("remove_reaction"); err != nil {
		g.mu.Unlock()
		return err
	}
	current := g.reactions[ref]
	idx := slices.Index(current, name)
	if idx >= 0 {
		g.reactions[ref] = slices.Delete(current, idx, idx+1)
	}
	g.mu.Unlock()

	if idx >= 0 {
		g.emit(ctx, bus.OutboundMessage{Kind: bus.OutboundReactionRemoved, Channel: ref.Channel, TS: ref.TS, Reaction: name})
	}
	return nil
}

func (g *Gateway) DeleteMessage(ctx context.Context, ref channel.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	g.calls["delete_message"]++
	msgs := g.messages[ref.Channel]
	idx := slices.IndexFunc(msgs, func(m channel.Message) bool { return m.TS() == ref.TS })
	if idx < 0 {
		g.mu.Unlock()
		return errors.New("message_not_found")
	}
	g.messages[ref.Channel] = slices.Delete(msgs, idx, idx+1)
	g.mu.Unlock()

	g.emit(ctx, bus.OutboundMessage{Kind: bus.OutboundDeleted, Channel: ref.Channel, TS: ref.TS})
	return nil
}

func (g *Gateway) emit(ctx context.Context, msg bus.OutboundMessage) {
	if g.bus == nil {
		return
	}
	g.bus.PublishOutbound(context.WithoutCancel(ctx), msg)
}

// Posts returns every message posted through the gateway, in order.
func (g *Gateway) Posts() []Post {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.posts)
}

// Reactions returns the reactions currently on ref, sorted.
func (g *Gateway) Reactions(ref channel.MessageRef) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := slices.Clone(g.reactions[ref])
	sort.Strings(out)
	return out
}

// Calls returns how many times op was invoked.
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// Thread returns every message of a thread in platform order.
func (g *Gateway) Thread(channelID, threadTS string) []channel.Message {
	msgs, _ := g.collect(context.Background(), channelID, threadTS, "", false)
	return msgs
}

func cloneMessage(msg channel.Message) channel.Message {
	out := make(channel.Message, len(msg))
	for k, v := range msg {
		out[k] = v
	}
	return out
}

func renderContent(content channel.Content) string {
	if content.Text != "" {
		return content.Text
	}
	return fmt.Sprintf("[%d block(s)]", len(content.Blocks))
}

// Console feeds lines published on the bus inbound queue into a Handler. The first line
// of a channel starts a thread with an app mention; later lines reply in that thread.
type Console struct {
	gateway *Gateway
	bus     *bus.MessageBus
	log     *slog.Logger

	mu      sync.Mutex
	threads map[string]string
}

func NewConsole(gateway *Gateway, mb *bus.MessageBus, log *slog.Logger) *Console {
	if log == nil {
		log = slog.Default()
	}
	return &Console{
		gateway: gateway,
		bus:     mb,
		log:     log.With("component", "channel.local"),
		threads: make(map[string]string),
	}
}

func (c *Console) Name() string { return "local" }

// Thread returns the thread ts of channelID, or "" before the first line.
func (c *Console) Thread(channelID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threads[channelID]
}

// Reset forgets the current thread of channelID so the next line starts a new one.
func (c *Console) Reset(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.threads, channelID)
}

func (c *Console) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	for {
		in, ok := c.bus.ConsumeInbound(ctx)
		if !ok {
			return ctx.Err()
		}

		c.mu.Lock()
		threadTS := in.ThreadTS
		if threadTS == "" {
			threadTS = c.threads[in.Channel]
		}
		event := c.gateway.Say(in.Channel, in.User, in.Text, threadTS)
		if threadTS == "" {
			c.threads[in.Channel] = event.TS
		}
		c.mu.Unlock()

		if err := handler(ctx, event); err != nil {
			c.log.Warn("event not admitted", "channel", event.Channel, "ts", event.TS, "error", err)
		}
	}
}
