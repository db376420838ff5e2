package bus

import (
	"context"
	"slices"
	"sync"
	"time"
)

type EventType string

const (
	EventInstanceStarted   EventType = "instance_started"
	EventInstanceCompleted EventType = "instance_completed"
	EventInstanceFailed    EventType = "instance_failed"
	EventInstanceEvicted   EventType = "instance_evicted"
	EventInstanceArchived  EventType = "instance_archived"
	EventSignalAccepted    EventType = "signal_accepted"
	EventSignalDropped     EventType = "signal_dropped"
	EventActivityRetried   EventType = "activity_retried"
	EventActivityFailed    EventType = "activity_failed"
	EventReplyPosted       EventType = "reply_posted"
)

// Event is a lifecycle notification from the engine or a workflow. Fields that do not
// apply to a type are left empty.
type Event struct {
	Type       EventType         `json:"type"`
	At         time.Time         `json:"at"`
	InstanceID string            `json:"instance_id,omitempty"`
	Workflow   string            `json:"workflow,omitempty"`
	Channel    string            `json:"channel,omitempty"`
	ThreadTS   string            `json:"thread_ts,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
	Error      string            `json:"error,omitempty"`
}

type subscription struct {
	ch    chan Event
	types []EventType
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// PublishEvent fans event out to every interested subscriber. It never blocks: a full
// subscriber misses the event and Dropped grows. It reports false when the bus is nil,
// closed, or ctx is done.
func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if mb == nil {
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		return false
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed() {
		return false
	}

	for _, sub := range mb.subscribers {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			mb.dropped.Add(1)
		}
	}
	return true
}

// SubscribeEvents returns a channel of events, limited to types when any are given. The
// channel is closed by the returned cancel func, by ctx, or by Close.
func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int, types ...EventType) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	sub := &subscription{ch: make(chan Event, buffer), types: slices.Clone(types)}

	mb.mu.Lock()
	if mb.closed() {
		mb.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := mb.nextID
	mb.nextID++
	mb.subscribers[id] = sub
	mb.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			mb.mu.Lock()
			if _, ok := mb.subscribers[id]; ok {
				delete(mb.subscribers, id)
				close(sub.ch)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-mb.done:
		}
		cancel()
	}()

	return sub.ch, cancel
}
