// Package bus connects the pieces of one threadloom process: console lines flow in,
// gateway effects flow out, and engine lifecycle events fan out to observers.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[uint64]*subscription
	nextID      uint64
	dropped     atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundMessage, defaultBufferSize),
		outbound:    make(chan OutboundMessage, defaultBufferSize),
		subscribers: make(map[uint64]*subscription),
		done:        make(chan struct{}),
	}
}

// PublishInbound queues a console line. It blocks while the queue is full and returns
// false once ctx is done or the bus is closed.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	return send(ctx, mb.done, mb.inbound, msg)
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return receive(ctx, mb.done, mb.inbound)
}

// PublishOutbound reports a visible gateway effect. Like PublishInbound it blocks on a
// full queue.
func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	return send(ctx, mb.done, mb.outbound, msg)
}

func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return receive(ctx, mb.done, mb.outbound)
}

// Dropped returns how many events were discarded because a subscriber was full.
func (mb *MessageBus) Dropped() int64 {
	if mb == nil {
		return 0
	}
	return mb.dropped.Load()
}

// Close stops all operations and closes event subscriptions. It is safe to call twice.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, sub := range mb.subscribers {
			close(sub.ch)
			delete(mb.subscribers, id)
		}
		mb.mu.Unlock()
	})
}

func (mb *MessageBus) closed() bool {
	select {
	case <-mb.done:
		return true
	default:
		return false
	}
}

func send[T any](ctx context.Context, done <-chan struct{}, ch chan<- T, msg T) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	// A closed bus or cancelled ctx wins over a free buffer slot.
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	case ch <- msg:
		return true
	}
}

func receive[T any](ctx context.Context, done <-chan struct{}, ch <-chan T) (T, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	var zero T
	select {
	case <-ctx.Done():
		return zero, false
	case <-done:
		return zero, false
	case msg := <-ch:
		return msg, true
	}
}
