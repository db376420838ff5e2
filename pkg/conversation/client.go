package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"threadloom/pkg/bus"
	"threadloom/pkg/channel"
	"threadloom/pkg/durable"
)

// ErrNoInstance is returned when a thread reply arrives for a thread without an open
// conversation.
var ErrNoInstance = errors.New("conversation: no instance for thread")

// Engine is the part of *durable.Engine the client uses.
type Engine interface {
	SignalWithStart(ctx context.Context, id, workflow string, input any, sig durable.SignalRequest) (durable.Delivery, error)
	Signal(ctx context.Context, id string, sig durable.SignalRequest) (durable.Delivery, error)
	Query(ctx context.Context, id, name string) (any, error)
}

// Client admits thread events into conversation instances.
type Client struct {
	engine Engine
	bus    *bus.MessageBus
	log    *slog.Logger
}

func NewClient(engine Engine, mb *bus.MessageBus) *Client {
	return &Client{
		engine: engine,
		bus:    mb,
		log:    slog.Default().With("component", "conversation.client"),
	}
}

// Submit enqueues event on its thread's instance and returns without waiting for it to
// be handled. A mention starts the instance when needed; a reply to a thread without an
// open instance is dropped with ErrNoInstance. The platform event id, when present, makes
// redelivery of the same event a no-op.
func (c *Client) Submit(ctx context.Context, event channel.ThreadEvent) (durable.Delivery, error) {
	id := InstanceID(event.ThreadKey())
	sig := durable.SignalRequest{Name: SignalSubmit, Key: event.EventID, Payload: event}

	switch event.Kind {
	case channel.AppMention:
		delivery, err := c.engine.SignalWithStart(ctx, id, WorkflowName, nil, sig)
		if err != nil {
			return durable.Delivery{}, fmt.Errorf("submit mention to %s: %w", id, err)
		}
		return delivery, nil

	case channel.ChannelMessage:
		delivery, err := c.engine.Signal(ctx, id, sig)
		if errors.Is(err, durable.ErrInstanceNotFound) || errors.Is(err, durable.ErrInstanceClosed) {
			c.drop(ctx, id, event, err)
			return durable.Delivery{}, fmt.Errorf("%w: %s", ErrNoInstance, id)
		}
		if err != nil {
			return durable.Delivery{}, fmt.Errorf("submit message to %s: %w", id, err)
		}
		return delivery, nil

	default:
		return durable.Delivery{}, fmt.Errorf("unsupported event kind %q", event.Kind)
	}
}

func (c *Client) drop(ctx context.Context, id string, event channel.ThreadEvent, cause error) {
	c.log.Info("Dropping message for thread without conversation", "instance_id", id, "channel", event.Channel, "ts", event.TS, "reason", cause)
	c.bus.PublishEvent(ctx, bus.Event{
		Type:       bus.EventSignalDropped,
		InstanceID: id,
		Workflow:   WorkflowName,
		Channel:    event.Channel,
		ThreadTS:   event.ThreadKey(),
		Payload:    map[string]string{"ts": event.TS, "event_id": event.EventID},
		Error:      cause.Error(),
	})
}

// Transcript returns the recorded history of the conversation on threadKey.
func (c *Client) Transcript(ctx context.Context, threadKey string) ([]channel.Message, error) {
	value, err := c.engine.Query(ctx, InstanceID(threadKey), QueryTranscript)
	if err != nil {
		return nil, err
	}
	msgs, ok := value.([]channel.Message)
	if !ok {
		return nil, fmt.Errorf("unexpected transcript type %T", value)
	}
	return msgs, nil
}
