package gateway

import (
	"context"
	"log/slog"

	"threadloom/pkg/bus"
)

func observeEvents(ctx context.Context, messageBus *bus.MessageBus) {
	log := slog.Default().With("component", "bus.events")
	events, unsubscribe := messageBus.SubscribeEvents(ctx, 64)
	defer unsubscribe()
	defer func() {
		if dropped := messageBus.Dropped(); dropped > 0 {
			log.Warn("Events dropped by slow subscribers", "count", dropped)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

// logEvent keeps one attribute set for every event type so lines can be correlated by
// instance and thread.
func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"instance_id", event.InstanceID,
		"workflow", event.Workflow,
		"timestamp", event.At.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
	if event.Channel != "" {
		attrs = append(attrs, "channel", event.Channel, "thread_ts", event.ThreadTS)
	}
	if event.RequestID != "" {
		attrs = append(attrs, "request_id", event.RequestID)
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case bus.EventInstanceFailed, bus.EventActivityFailed:
		log.Error("Orchestrator event", append(attrs, "error", event.Error)...)
	case bus.EventSignalDropped, bus.EventActivityRetried:
		if event.Error != "" {
			attrs = append(attrs, "error", event.Error)
		}
		log.Warn("Orchestrator event", attrs...)
	case bus.EventInstanceStarted,
		bus.EventInstanceCompleted,
		bus.EventSignalAccepted,
		bus.EventReplyPosted:
		log.Info("Orchestrator event", attrs...)
	default:
		log.Debug("Orchestrator event", attrs...)
	}
}
