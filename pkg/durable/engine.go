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
)

// Options configures an Engine. Store is required.
type Options struct {
	Store  Store
	Bus    *bus.MessageBus
	Logger *slog.Logger
	Clock  clock.Clock

	// IdleTimeout unloads instances parked in Receive for this long. Zero disables it.
	IdleTimeout time.Duration
	// ArchiveAfter archives parked instances untouched for this long. Zero disables it.
	ArchiveAfter    time.Duration
	JanitorInterval time.Duration
}

// SignalRequest is a signal to deliver. A non-empty Key makes delivery idempotent.
type SignalRequest struct {
	Name    string
	Key     string
	Payload any
}

// Delivery describes what a signal call did.
type Delivery struct {
	Started   bool
	Duplicate bool
	Seq       int64
}

// Description is an instance header plus its in-process state.
type Description struct {
	Instance
	Loaded bool `json:"loaded"`
}

// Engine runs workflow instances on top of a Store.
type Engine struct {
	store Store
	bus   *bus.MessageBus
	log   *slog.Logger
	clock clock.Clock
	opts  Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	workflows map[string]WorkflowFunc
	runtimes  map[string]*runtime
	closed    bool
	running   bool
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("durable: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:     opts.Store,
		bus:       opts.Bus,
		log:       opts.Logger.With("component", "durable.engine"),
		clock:     opts.Clock,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		workflows: make(map[string]WorkflowFunc),
		runtimes:  make(map[string]*runtime),
	}, nil
}

// Register makes fn available under name. Register before starting or loading instances.
func (e *Engine) Register(name string, fn WorkflowFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[name] = fn
}

func (e *Engine) workflowFunc(name string) (WorkflowFunc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn, ok := e.workflows[name]
	return fn, ok
}

// Start creates and runs a new instance. It fails with ErrInstanceExists while an open
// instance has the same id; a closed one is replaced.
func (e *Engine) Start(ctx context.Context, id, workflow string, input any) error {
	_, err := e.create(ctx, id, workflow, input, nil)
	return err
}

// SignalWithStart delivers sig, creating the instance first when it is absent or closed.
func (e *Engine) SignalWithStart(ctx context.Context, id, workflow string, input any, sig SignalRequest) (Delivery, error) {
	for {
		delivery, err := e.Signal(ctx, id, sig)
		if err == nil {
			return delivery, nil
		}
		if !errors.Is(err, ErrInstanceNotFound) && !errors.Is(err, ErrInstanceClosed) {
			return Delivery{}, err
		}

		delivery, err = e.create(ctx, id, workflow, input, &sig)
		if errors.Is(err, ErrInstanceExists) {
			// Lost a race with another starter; the instance is open now.
			continue
		}
		return delivery, err
	}
}

func (e *Engine) create(ctx context.Context, id, workflow string, input any, sig *SignalRequest) (Delivery, error) {
	if err := e.checkOpen(); err != nil {
		return Delivery{}, err
	}
	if _, ok := e.workflowFunc(workflow); !ok {
		return Delivery{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflow)
	}

	encoded, err := Encode(input)
	if err != nil {
		return Delivery{}, fmt.Errorf("encode input: %w", err)
	}

	now := e.clock.Now().UTC()
	inst := Instance{
		ID:        id,
		Workflow:  workflow,
		Status:    StatusRunning,
		Input:     encoded,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var startSignal *Signal
	if sig != nil {
		payload, err := Encode(sig.Payload)
		if err != nil {
			return Delivery{}, fmt.Errorf("encode signal %s: %w", sig.Name, err)
		}
		startSignal = &Signal{Name: sig.Name, Key: sig.Key, Payload: payload, ReceivedAt: now}
	}

	if _, err := e.store.CreateInstance(ctx, inst, startSignal); err != nil {
		return Delivery{}, err
	}

	e.log.Info("instance started", "instance_id", id, "workflow", workflow)
	e.publish(id, workflow, bus.EventInstanceStarted, nil, nil)

	delivery := Delivery{Started: true}
	if startSignal != nil {
		delivery.Seq = 1
		e.publish(id, workflow, bus.EventSignalAccepted, map[string]string{"signal": sig.Name, "seq": "1"}, nil)
	}

	if _, err := e.acquire(ctx, id); err != nil {
		return delivery, fmt.Errorf("load started instance: %w", err)
	}
	return delivery, nil
}

// Signal journals sig for an open instance and wakes it, loading it if needed.
func (e *Engine) Signal(ctx context.Context, id string, sig SignalRequest) (Delivery, error) {
	payload, err := Encode(sig.Payload)
	if err != nil {
		return Delivery{}, fmt.Errorf("encode signal %s: %w", sig.Name, err)
	}

	for {
		rt, err := e.acquire(ctx, id)
		if err != nil {
			return Delivery{}, err
		}

		rt.sigMu.Lock()
		if rt.closed {
			rt.sigMu.Unlock()
			continue
		}

		stored, duplicate, err := e.store.AppendSignal(ctx, id, Signal{
			Name:       sig.Name,
			Key:        sig.Key,
			Payload:    payload,
			ReceivedAt: e.clock.Now().UTC(),
		})
		if err != nil {
			rt.sigMu.Unlock()
			return Delivery{}, fmt.Errorf("journal signal: %w", err)
		}
		if !duplicate {
			rt.deliverLocked(stored)
		}
		rt.sigMu.Unlock()

		if duplicate {
			e.log.Debug("duplicate signal ignored", "instance_id", id, "signal", sig.Name, "key", sig.Key)
			return Delivery{Duplicate: true, Seq: stored.Seq}, nil
		}

		e.publish(id, rt.workflow, bus.EventSignalAccepted, map[string]string{
			"signal": sig.Name,
			"seq":    fmt.Sprint(stored.Seq),
		}, nil)
		return Delivery{Seq: stored.Seq}, nil
	}
}

// acquire returns the loaded runtime of a running instance, loading and starting it first
// when needed. Concurrent callers share one load.
func (e *Engine) acquire(ctx context.Context, id string) (*runtime, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	rt, ok := e.runtimes[id]
	if !ok {
		rt = newRuntime(e, id)
		e.runtimes[id] = rt
	}
	e.mu.Unlock()

	rt.loadOnce.Do(func() {
		rt.loadErr = rt.load(ctx)
		if rt.loadErr != nil {
			e.mu.Lock()
			if e.runtimes[id] == rt {
				delete(e.runtimes, id)
			}
			e.mu.Unlock()
			return
		}
		rt.loadErr = e.startRuntime(rt)
	})
	if rt.loadErr != nil {
		return nil, rt.loadErr
	}
	return rt, nil
}

func (e *Engine) startRuntime(rt *runtime) error {
	e.mu.Lock()
	if e.closed {
		if e.runtimes[rt.id] == rt {
			delete(e.runtimes, rt.id)
		}
		e.mu.Unlock()
		return ErrEngineClosed
	}
	rt.ctx, rt.cancel = context.WithCancel(e.ctx)
	e.wg.Add(1)
	e.mu.Unlock()

	rt.state.Lock()
	if len(rt.steps) > 0 {
		rt.log.Debug("replaying instance", "steps", len(rt.steps))
	}
	go rt.run()
	return nil
}

// finish closes rt with a terminal status. It reports false when rt was already closed.
func (e *Engine) finish(rt *runtime, status Status, message string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt.sigMu.Lock()
	defer rt.sigMu.Unlock()

	if rt.closed {
		return false
	}

	update := InstanceUpdate{Status: &status}
	if message != "" {
		update.Error = &message
	}
	if err := e.store.UpdateInstance(context.WithoutCancel(rt.ctx), rt.id, update); err != nil {
		e.log.Error("persist instance status failed", "instance_id", rt.id, "status", status, "error", err)
	}

	rt.closed = true
	if e.runtimes[rt.id] == rt {
		delete(e.runtimes, rt.id)
	}
	rt.cancel()
	return true
}

// detach drops rt from the runtime table without changing the instance status.
func (e *Engine) detach(rt *runtime) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt.sigMu.Lock()
	defer rt.sigMu.Unlock()

	rt.closed = true
	if e.runtimes[rt.id] == rt {
		delete(e.runtimes, rt.id)
	}
}

// unload evicts a parked runtime with no pending signals. With archive set the instance is
// also closed as archived. It reports whether rt was unloaded.
func (e *Engine) unload(rt *runtime, archive bool) bool {
	e.mu.Lock()
	rt.sigMu.Lock()

	if rt.closed || !rt.parked || rt.pendingLocked("") > 0 {
		rt.sigMu.Unlock()
		e.mu.Unlock()
		return false
	}

	if archive {
		status := StatusArchived
		if err := e.store.UpdateInstance(context.WithoutCancel(rt.ctx), rt.id, InstanceUpdate{Status: &status}); err != nil {
			rt.sigMu.Unlock()
			e.mu.Unlock()
			e.log.Warn("archive instance failed", "instance_id", rt.id, "error", err)
			return false
		}
	}

	rt.closed = true
	if e.runtimes[rt.id] == rt {
		delete(e.runtimes, rt.id)
	}
	close(rt.evictCh)
	rt.sigMu.Unlock()
	e.mu.Unlock()

	if archive {
		e.log.Info("instance archived", "instance_id", rt.id)
		e.publish(rt.id, rt.workflow, bus.EventInstanceArchived, nil, nil)
	} else {
		e.log.Debug("instance evicted", "instance_id", rt.id)
		e.publish(rt.id, rt.workflow, bus.EventInstanceEvicted, nil, nil)
	}
	return true
}

// Query runs the named query handler of an instance. Closed instances are replayed from
// their journal to rebuild state.
func (e *Engine) Query(ctx context.Context, id, name string) (any, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	if !inst.Status.Open() {
		return e.queryClosed(ctx, id, name)
	}

	rt, err := e.acquire(ctx, id)
	if errors.Is(err, ErrInstanceClosed) {
		return e.queryClosed(ctx, id, name)
	}
	if err != nil {
		return nil, err
	}

	rt.state.Lock()
	defer rt.state.Unlock()
	return runQuery(rt, name)
}

func (e *Engine) queryClosed(ctx context.Context, id, name string) (any, error) {
	rt := newRuntime(e, id)
	rt.replayOnly = true
	if err := rt.load(ctx); err != nil {
		return nil, err
	}
	rt.ctx, rt.cancel = context.WithCancel(ctx)
	defer rt.cancel()

	if err := rt.replay(); err != nil {
		return nil, err
	}
	return runQuery(rt, name)
}

func runQuery(rt *runtime, name string) (any, error) {
	handler, ok := rt.queries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownQuery, name, rt.id)
	}
	return handler()
}

// Describe returns the header of an instance.
func (e *Engine) Describe(ctx context.Context, id string) (Description, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return Description{}, err
	}

	e.mu.Lock()
	_, loaded := e.runtimes[id]
	e.mu.Unlock()

	return Description{Instance: inst, Loaded: loaded}, nil
}

func (e *Engine) List(ctx context.Context, filter ListFilter) ([]Instance, error) {
	return e.store.ListInstances(ctx, filter)
}

// Terminate closes an open instance without running any more workflow code.
func (e *Engine) Terminate(ctx context.Context, id, reason string) error {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if !inst.Status.Open() {
		return fmt.Errorf("%w: %s is %s", ErrInstanceClosed, id, inst.Status)
	}

	for {
		e.mu.Lock()
		rt, loaded := e.runtimes[id]
		if !loaded {
			status := StatusTerminated
			err := e.store.UpdateInstance(ctx, id, InstanceUpdate{Status: &status, Error: &reason})
			e.mu.Unlock()
			if err != nil {
				return fmt.Errorf("terminate %s: %w", id, err)
			}
			e.log.Info("instance terminated", "instance_id", id, "reason", reason)
			return nil
		}
		e.mu.Unlock()

		// Claim a runtime that is still waiting for its load so it never starts.
		rt.loadOnce.Do(func() {
			rt.loadErr = fmt.Errorf("%w: %s was terminated", ErrInstanceClosed, id)
			e.mu.Lock()
			if e.runtimes[id] == rt {
				delete(e.runtimes, id)
			}
			e.mu.Unlock()
		})
		if rt.loadErr != nil {
			continue
		}

		if !e.finish(rt, StatusTerminated, reason) {
			return fmt.Errorf("%w: %s", ErrInstanceClosed, id)
		}
		e.log.Info("instance terminated", "instance_id", id, "reason", reason)
		return nil
	}
}

// Run resumes instances with outstanding work, then archives idle instances until ctx is
// done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	if err := e.resume(ctx); err != nil {
		return err
	}

	ticker := e.clock.NewTicker(e.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.archiveIdle(ctx); err != nil {
				e.log.Warn("archive sweep failed", "error", err)
			}
		}
	}
}

// Running reports whether Run is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running && !e.closed
}

func (e *Engine) resume(ctx context.Context) error {
	instances, err := e.store.ListInstances(ctx, ListFilter{Status: StatusRunning})
	if err != nil {
		return fmt.Errorf("list running instances: %w", err)
	}

	resumed := 0
	for _, inst := range instances {
		if inst.Parked && inst.Pending() == 0 && inst.WakeAt.IsZero() {
			continue
		}
		if _, err := e.acquire(ctx, inst.ID); err != nil {
			e.log.Warn("resume instance failed", "instance_id", inst.ID, "error", err)
			continue
		}
		resumed++
	}

	e.log.Info("engine started", "running", len(instances), "resumed", resumed)
	return nil
}

// archiveIdle closes parked instances whose last activity is older than ArchiveAfter.
func (e *Engine) archiveIdle(ctx context.Context) error {
	if e.opts.ArchiveAfter <= 0 {
		return nil
	}

	instances, err := e.store.ListInstances(ctx, ListFilter{Status: StatusRunning})
	if err != nil {
		return err
	}

	cutoff := e.clock.Now().Add(-e.opts.ArchiveAfter)
	for _, inst := range instances {
		if !inst.Parked || inst.Pending() > 0 || !inst.WakeAt.IsZero() || inst.UpdatedAt.After(cutoff) {
			continue
		}

		e.mu.Lock()
		rt, loaded := e.runtimes[inst.ID]
		e.mu.Unlock()

		if loaded {
			e.unload(rt, true)
			continue
		}
		e.archiveUnloaded(ctx, inst)
	}
	return nil
}

func (e *Engine) archiveUnloaded(ctx context.Context, inst Instance) {
	e.mu.Lock()
	if _, loaded := e.runtimes[inst.ID]; loaded {
		e.mu.Unlock()
		return
	}

	status := StatusArchived
	err := e.store.UpdateInstance(ctx, inst.ID, InstanceUpdate{Status: &status})
	e.mu.Unlock()

	if err != nil {
		e.log.Warn("archive instance failed", "instance_id", inst.ID, "error", err)
		return
	}
	e.log.Info("instance archived", "instance_id", inst.ID)
	e.publish(inst.ID, inst.Workflow, bus.EventInstanceArchived, nil, nil)
}

// Close stops every loaded instance, leaving them running in the store, and waits for
// their goroutines.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	return nil
}

func (e *Engine) publish(id, workflow string, eventType bus.EventType, payload map[string]string, err error) {
	if e.bus == nil {
		return
	}
	event := bus.Event{
		Type:       eventType,
		At:         e.clock.Now().UTC(),
		InstanceID: id,
		Workflow:   workflow,
		Payload:    payload,
	}
	if err != nil {
		event.Error = err.Error()
	}
	e.bus.PublishEvent(context.Background(), event)
}
