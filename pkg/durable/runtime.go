package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"threadloom/pkg/bus"
	"threadloom/pkg/clock"
	"threadloom/pkg/logger"
)

// unwind stops a workflow goroutine without recording an outcome. The instance status is
// owned by whoever triggered it (eviction, termination, shutdown, a journal failure, or
// the end of a read-only replay).
type unwind struct {
	reason string
}

const (
	unwindEvicted    = "evicted"
	unwindTerminated = "terminated"
	unwindShutdown   = "shutdown"
	unwindJournal    = "journal write failed"
	unwindReplayEnd  = "replay reached the journal frontier"
)

type divergence struct {
	err error
}

// runtime is the in-memory execution of one instance.
type runtime struct {
	engine   *Engine
	id       string
	workflow string
	fn       WorkflowFunc
	input    []byte
	log      *slog.Logger

	replayOnly bool

	loadOnce sync.Once
	loadErr  error

	ctx    context.Context
	cancel context.CancelFunc

	// state is held while workflow code runs and released while it blocks live, so
	// queries observe the state between steps.
	state   sync.Mutex
	steps   []Step
	cursor  int
	wakeAt  time.Time
	queries map[string]QueryHandler

	sigMu    sync.Mutex
	signals  []Signal
	consumed map[int64]bool
	notify   chan struct{}
	parked   bool
	closed   bool
	evictCh  chan struct{}
}

func newRuntime(e *Engine, id string) *runtime {
	rt := &runtime{
		engine:   e,
		id:       id,
		queries:  make(map[string]QueryHandler),
		consumed: make(map[int64]bool),
		notify:   make(chan struct{}, 1),
		evictCh:  make(chan struct{}),
	}
	rt.log = logger.Gated(e.log.With("instance_id", id), func() bool { return !rt.replayOnly && !rt.replaying() })
	return rt
}

// load reads the journal of a running (or, for replay-only runtimes, any) instance.
func (rt *runtime) load(ctx context.Context) error {
	e := rt.engine

	inst, err := e.store.GetInstance(ctx, rt.id)
	if err != nil {
		return err
	}
	if !rt.replayOnly && !inst.Status.Open() {
		return fmt.Errorf("%w: %s is %s", ErrInstanceClosed, rt.id, inst.Status)
	}

	fn, ok := e.workflowFunc(inst.Workflow)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, inst.Workflow)
	}

	steps, err := e.store.Steps(ctx, rt.id)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}
	signals, err := e.store.Signals(ctx, rt.id)
	if err != nil {
		return fmt.Errorf("load signals: %w", err)
	}

	rt.workflow = inst.Workflow
	rt.fn = fn
	rt.input = inst.Input
	rt.steps = steps
	rt.wakeAt = inst.WakeAt
	rt.signals = signals
	for _, step := range steps {
		if step.SignalSeq > 0 {
			rt.consumed[step.SignalSeq] = true
		}
	}
	rt.parked = inst.Parked
	rt.log = rt.log.With("workflow", inst.Workflow)

	return nil
}

func (rt *runtime) replaying() bool {
	return rt.cursor < len(rt.steps)
}

// next returns the journaled step at the cursor, or false when execution is live.
func (rt *runtime) next(name string, kinds ...StepKind) (Step, bool) {
	if rt.cursor >= len(rt.steps) {
		if rt.replayOnly {
			panic(unwind{reason: unwindReplayEnd})
		}
		return Step{}, false
	}

	step := rt.steps[rt.cursor]
	matched := false
	for _, kind := range kinds {
		if step.Kind == kind {
			matched = true
			break
		}
	}
	if !matched || step.Name != name {
		panic(divergence{err: fmt.Errorf("%w: step %d is %s %q, workflow asked for %v %q",
			ErrNonDeterministic, step.Seq, step.Kind, step.Name, kinds, name)})
	}

	rt.cursor++
	return step, true
}

// record appends a live step to the journal.
func (rt *runtime) record(step Step) Step {
	e := rt.engine

	step.Seq = int64(len(rt.steps)) + 1
	step.RecordedAt = e.clock.Now().UTC()

	ctx := context.WithoutCancel(rt.ctx)
	if err := e.store.AppendStep(ctx, rt.id, step); err != nil {
		rt.log.Error("journal step failed", "step", step.Seq, "kind", step.Kind, "name", step.Name, "error", err)
		panic(unwind{reason: unwindJournal})
	}

	rt.steps = append(rt.steps, step)
	rt.cursor = len(rt.steps)
	return step
}

func (rt *runtime) signalBySeq(seq int64) (Signal, error) {
	rt.sigMu.Lock()
	defer rt.sigMu.Unlock()

	for _, sig := range rt.signals {
		if sig.Seq == seq {
			return sig, nil
		}
	}
	return Signal{}, fmt.Errorf("%w: journaled signal %d is missing", ErrNonDeterministic, seq)
}

// takeSignalLocked returns the first unconsumed signal called name. Caller holds sigMu.
func (rt *runtime) takeSignalLocked(name string) (Signal, bool) {
	for _, sig := range rt.signals {
		if sig.Name == name && !rt.consumed[sig.Seq] {
			return sig, true
		}
	}
	return Signal{}, false
}

func (rt *runtime) pendingLocked(name string) int {
	count := 0
	for _, sig := range rt.signals {
		if rt.consumed[sig.Seq] {
			continue
		}
		if name == "" || sig.Name == name {
			count++
		}
	}
	return count
}

func (rt *runtime) consume(seq int64) {
	rt.sigMu.Lock()
	rt.consumed[seq] = true
	rt.sigMu.Unlock()
}

// deliver adds a signal journaled by the engine. Caller holds sigMu.
func (rt *runtime) deliverLocked(sig Signal) {
	rt.signals = append(rt.signals, sig)
	select {
	case rt.notify <- struct{}{}:
	default:
	}
}

// waitOutcome is what a live wait ended with.
type waitOutcome int

const (
	waitSignal waitOutcome = iota
	waitTimer
)

// wait blocks until a signal called name is available or timer fires. The state lock is
// released for the duration. parkable waits may be unloaded after the idle timeout.
func (rt *runtime) wait(name string, timer <-chan time.Time, parkable bool) (Signal, waitOutcome) {
	e := rt.engine

	var idle *clock.Timer
	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()

	parkedHere := false
	for {
		rt.sigMu.Lock()
		sig, ok := rt.takeSignalLocked(name)
		if ok {
			rt.parked = false
		} else if parkable {
			rt.parked = true
		}
		rt.sigMu.Unlock()

		if ok {
			if parkedHere {
				rt.persistParked(false)
			}
			return sig, waitSignal
		}

		if parkable && !parkedHere {
			parkedHere = true
			rt.persistParked(true)
			if e.opts.IdleTimeout > 0 {
				idle = e.clock.NewTimer(e.opts.IdleTimeout)
			}
		}

		var idleC <-chan time.Time
		if idle != nil {
			idleC = idle.C
		}

		rt.state.Unlock()
		select {
		case <-rt.notify:
			rt.state.Lock()
		case <-timer:
			rt.state.Lock()
			return Signal{}, waitTimer
		case <-idleC:
			idle = nil
			e.unload(rt, false)
			rt.state.Lock()
		case <-rt.evictCh:
			rt.state.Lock()
			panic(unwind{reason: unwindEvicted})
		case <-rt.ctx.Done():
			rt.state.Lock()
			panic(unwind{reason: rt.stopReason()})
		}
	}
}

func (rt *runtime) persistParked(parked bool) {
	ctx := context.WithoutCancel(rt.ctx)
	if err := rt.engine.store.UpdateInstance(ctx, rt.id, InstanceUpdate{Parked: &parked}); err != nil {
		rt.log.Warn("persist parked flag failed", "error", err)
	}
}

func (rt *runtime) persistWakeAt(at time.Time) {
	rt.wakeAt = at
	ctx := context.WithoutCancel(rt.ctx)
	if err := rt.engine.store.UpdateInstance(ctx, rt.id, InstanceUpdate{WakeAt: &at}); err != nil {
		rt.log.Warn("persist timer deadline failed", "error", err)
	}
}

// stopReason classifies a canceled runtime context.
func (rt *runtime) stopReason() string {
	rt.sigMu.Lock()
	defer rt.sigMu.Unlock()
	if rt.closed {
		return unwindTerminated
	}
	return unwindShutdown
}

// execute runs workflow code, converting unwinding panics into return values.
func (rt *runtime) execute() (stopped *unwind, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch v := r.(type) {
		case unwind:
			stopped = &v
		case divergence:
			err = v.err
		default:
			err = fmt.Errorf("workflow panic: %v", r)
		}
	}()

	return nil, rt.fn(&Context{rt: rt})
}

// run is the goroutine of a loaded instance. The state lock is held on entry.
func (rt *runtime) run() {
	e := rt.engine
	defer e.wg.Done()

	stopped, err := rt.execute()
	rt.state.Unlock()

	if stopped != nil {
		switch stopped.reason {
		case unwindEvicted:
			rt.log.Debug("instance unloaded", "steps", len(rt.steps))
		case unwindShutdown, unwindTerminated:
		default:
			rt.log.Warn("instance stopped", "reason", stopped.reason)
			e.detach(rt)
		}
		return
	}

	status := StatusCompleted
	message := ""
	if err != nil {
		status = StatusFailed
		message = err.Error()
	}

	if !e.finish(rt, status, message) {
		return
	}

	if err != nil {
		rt.log.Error("instance failed", "error", err)
		e.publish(rt.id, rt.workflow, bus.EventInstanceFailed, nil, err)
		return
	}
	rt.log.Info("instance completed", "steps", len(rt.steps))
	e.publish(rt.id, rt.workflow, bus.EventInstanceCompleted, nil, nil)
}

// replay re-executes a closed instance up to its journal frontier on the calling goroutine.
func (rt *runtime) replay() error {
	stopped, err := rt.execute()
	if stopped != nil && stopped.reason != unwindReplayEnd {
		return fmt.Errorf("replay stopped: %s", stopped.reason)
	}
	if err != nil && errors.Is(err, ErrNonDeterministic) {
		return err
	}
	return nil
}
