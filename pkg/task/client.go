package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"threadloom/pkg/durable"
	"threadloom/pkg/responder"
)

// Engine is the part of *durable.Engine the task client uses.
type Engine interface {
	Start(ctx context.Context, id, workflow string, input any) error
	Signal(ctx context.Context, id string, sig durable.SignalRequest) (durable.Delivery, error)
	Describe(ctx context.Context, id string) (durable.Description, error)
}

// Client starts and stops task instances.
type Client struct {
	engine     Engine
	responders Responders
	log        *slog.Logger
}

func NewClient(engine Engine, responders Responders) *Client {
	return &Client{
		engine:     engine,
		responders: responders,
		log:        slog.Default().With("component", "task.client"),
	}
}

// RunOneShot starts a oneshot instance and returns its id.
func (c *Client) RunOneShot(ctx context.Context, in OneShotInput) (string, error) {
	if strings.TrimSpace(in.Kind) == "" || strings.TrimSpace(in.Query) == "" {
		return "", errors.New("kind and query are required")
	}

	id := NewOneShotID()
	if err := c.engine.Start(ctx, id, OneShotWorkflow, in); err != nil {
		return "", fmt.Errorf("start oneshot task: %w", err)
	}
	c.log.Info("Oneshot task started", "instance_id", id, "kind", in.Kind, "role", in.Role)
	return id, nil
}

// StartPeriodic validates in and starts a periodic instance under id. Starting an id that
// already runs the same task succeeds, so the call can be retried; an id running anything
// else fails with ErrTaskConflict.
func (c *Client) StartPeriodic(ctx context.Context, id string, in PeriodicInput) error {
	if err := c.Validate(in); err != nil {
		return err
	}

	err := c.engine.Start(ctx, id, PeriodicWorkflow, in)
	if errors.Is(err, durable.ErrInstanceExists) {
		return c.checkRunning(ctx, id, in)
	}
	if err != nil {
		return fmt.Errorf("start periodic task: %w", err)
	}

	c.log.Info("Periodic task started", "instance_id", id, "kind", in.Kind, "role", in.Role, "interval_seconds", in.IntervalSeconds)
	return nil
}

func (c *Client) checkRunning(ctx context.Context, id string, in PeriodicInput) error {
	desc, err := c.engine.Describe(ctx, id)
	if err != nil {
		return fmt.Errorf("describe periodic task %s: %w", id, err)
	}
	if desc.Workflow != PeriodicWorkflow {
		return fmt.Errorf("%w: %s is a %s instance", ErrTaskConflict, id, desc.Workflow)
	}

	var running PeriodicInput
	if err := durable.Decode(desc.Input, &running); err != nil {
		return fmt.Errorf("decode input of %s: %w", id, err)
	}
	if !running.Same(in) {
		return fmt.Errorf("%w: %s runs %s/%s %q every %ds", ErrTaskConflict, id, running.Kind, running.Role, running.Query, running.IntervalSeconds)
	}
	return nil
}

// Validate rejects periodic requests for unknown or direct kinds and non-positive intervals.
func (c *Client) Validate(in PeriodicInput) error {
	if in.IntervalSeconds <= 0 {
		return ErrInvalidInterval
	}
	if strings.TrimSpace(in.Query) == "" {
		return errors.New("query is required")
	}

	resolved, err := c.responders.Resolve(in.Kind, in.Role)
	if err != nil {
		return err
	}
	if resolved == responder.Direct {
		return fmt.Errorf("%s/%s: %w", in.Kind, in.Role, ErrDirectKind)
	}
	return nil
}

// Stop asks a periodic instance to finish after its current run.
func (c *Client) Stop(ctx context.Context, id, reason string) error {
	_, err := c.engine.Signal(ctx, id, durable.SignalRequest{Name: SignalStop, Payload: reason})
	return err
}
