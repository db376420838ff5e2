package durable

import (
	"fmt"
	"log/slog"
	"time"
)

// WorkflowFunc is deterministic workflow code. Every effect and every observation of the
// outside world must go through the Context so replay reproduces the same decisions.
type WorkflowFunc func(wf *Context) error

// QueryHandler returns a read-only view of workflow state.
type QueryHandler func() (any, error)

// Context is the handle workflow code uses for activities, signals, timers and queries.
// It must only be used from the workflow goroutine.
type Context struct {
	rt *runtime
}

func (c *Context) InstanceID() string { return c.rt.id }

func (c *Context) Workflow() string { return c.rt.workflow }

// Input decodes the start input into v.
func (c *Context) Input(v any) error {
	if err := Decode(c.rt.input, v); err != nil {
		return fmt.Errorf("decode input of %s: %w", c.rt.id, err)
	}
	return nil
}

// Logger returns a logger that stays silent while journaled history is replayed.
func (c *Context) Logger() *slog.Logger { return c.rt.log }

// IsReplaying reports whether the next step will be served from the journal.
func (c *Context) IsReplaying() bool { return c.rt.replaying() }

// SetQueryHandler registers fn under name. Handlers run while workflow code is blocked.
func (c *Context) SetQueryHandler(name string, fn QueryHandler) {
	c.rt.queries[name] = fn
}

// PendingSignals counts delivered signals called name that have not been received yet.
// The count is not journaled, so it may only feed query handlers.
func (c *Context) PendingSignals(name string) int {
	c.rt.sigMu.Lock()
	defer c.rt.sigMu.Unlock()
	return c.rt.pendingLocked(name)
}

// Receive blocks until a signal called name is available and decodes its payload into v.
func (c *Context) Receive(name string, v any) error {
	rt := c.rt

	if step, ok := rt.next(name, StepReceive); ok {
		return c.decodeJournaled(step, v)
	}

	sig, _ := rt.wait(name, nil, true)
	rt.record(Step{Kind: StepReceive, Name: name, SignalSeq: sig.Seq})
	rt.consume(sig.Seq)
	return c.decodeSignal(sig, v)
}

// TryReceive takes a signal called name if one is already pending. It never blocks.
func (c *Context) TryReceive(name string, v any) (bool, error) {
	rt := c.rt

	if step, ok := rt.next(name, StepReceive); ok {
		if step.SignalSeq == 0 {
			return false, nil
		}
		return true, c.decodeJournaled(step, v)
	}

	rt.sigMu.Lock()
	sig, ok := rt.takeSignalLocked(name)
	rt.sigMu.Unlock()

	if !ok {
		rt.record(Step{Kind: StepReceive, Name: name})
		return false, nil
	}

	rt.record(Step{Kind: StepReceive, Name: name, SignalSeq: sig.Seq})
	rt.consume(sig.Seq)
	return true, c.decodeSignal(sig, v)
}

// ReceiveTimeout waits up to d for a signal called name. It reports false when the
// durable timer fired first. The deadline survives restarts.
func (c *Context) ReceiveTimeout(name string, v any, d time.Duration) (bool, error) {
	rt := c.rt
	e := rt.engine

	if step, ok := rt.next(name, StepReceive, StepTimer); ok {
		if step.Kind == StepTimer {
			return false, nil
		}
		return true, c.decodeJournaled(step, v)
	}

	deadline := rt.wakeAt
	if deadline.IsZero() {
		deadline = e.clock.Now().Add(d)
		rt.persistWakeAt(deadline)
	}

	timer := e.clock.NewTimer(deadline.Sub(e.clock.Now()))
	defer timer.Stop()

	sig, outcome := rt.wait(name, timer.C, false)
	rt.persistWakeAt(time.Time{})

	if outcome == waitTimer {
		rt.record(Step{Kind: StepTimer, Name: name})
		return false, nil
	}

	rt.record(Step{Kind: StepReceive, Name: name, SignalSeq: sig.Seq})
	rt.consume(sig.Seq)
	return true, c.decodeSignal(sig, v)
}

// Now returns the journaled wall-clock time.
func (c *Context) Now() time.Time {
	rt := c.rt

	if step, ok := rt.next("now", StepNow); ok {
		var at time.Time
		if err := Decode(step.Payload, &at); err != nil {
			panic(divergence{err: fmt.Errorf("%w: decode journaled time: %v", ErrNonDeterministic, err)})
		}
		return at
	}

	at := rt.engine.clock.Now().UTC()
	payload, err := Encode(at)
	if err != nil {
		panic(fmt.Sprintf("durable: encode time: %v", err))
	}
	rt.record(Step{Kind: StepNow, Name: "now", Payload: payload})
	return at
}

func (c *Context) decodeJournaled(step Step, v any) error {
	sig, err := c.rt.signalBySeq(step.SignalSeq)
	if err != nil {
		panic(divergence{err: err})
	}
	c.rt.consume(sig.Seq)
	return c.decodeSignal(sig, v)
}

func (c *Context) decodeSignal(sig Signal, v any) error {
	if err := Decode(sig.Payload, v); err != nil {
		return fmt.Errorf("decode signal %s #%d: %w", sig.Name, sig.Seq, err)
	}
	return nil
}
