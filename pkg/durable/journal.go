package durable

import (
	"context"
	"time"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
	StatusArchived   Status = "archived"
)

// Open reports whether the instance still accepts signals.
func (s Status) Open() bool { return s == StatusRunning }

// Instance is the durable header of one workflow instance.
type Instance struct {
	ID       string
	Workflow string
	Status   Status
	Input    []byte
	Error    string

	// Signals and Consumed count delivered and consumed signals; the difference is the
	// pending queue length.
	Signals  int64
	Consumed int64
	Steps    int64

	// Parked is set while the workflow waits in Receive on an empty queue.
	Parked bool
	// WakeAt is the deadline of the armed durable timer, zero when none.
	WakeAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Pending returns the number of signals not yet consumed by the workflow.
func (i Instance) Pending() int64 { return i.Signals - i.Consumed }

// Signal is one journaled signal delivery.
type Signal struct {
	Seq        int64
	Name       string
	Key        string
	Payload    []byte
	ReceivedAt time.Time
}

// StepKind classifies journaled workflow steps.
type StepKind string

const (
	StepActivity StepKind = "activity"
	StepReceive  StepKind = "receive"
	StepTimer    StepKind = "timer"
	StepNow      StepKind = "now"
)

// Step is one journaled decision of workflow code, in execution order.
type Step struct {
	Seq       int64
	Kind      StepKind
	Name      string
	Payload   []byte
	Error     string
	ErrorType string
	// SignalSeq is the consumed signal for receive steps, 0 when none was available.
	SignalSeq  int64
	Attempts   int
	RecordedAt time.Time
}

// ListFilter narrows ListInstances.
type ListFilter struct {
	Workflow string
	Status   Status
	Limit    int
}

// Store persists instance headers, signals and steps.
//
// CreateInstance fails with ErrInstanceExists if an open instance has the same ID. A
// closed instance with the same ID is replaced, history included. startSignal, when
// non-nil, is journaled in the same transaction.
//
// AppendSignal returns duplicate=true without writing when sig.Key is non-empty and a
// signal with that key already exists for the instance.
//
// AppendStep fails if a step with the same Seq exists.
type Store interface {
	CreateInstance(ctx context.Context, inst Instance, startSignal *Signal) (Instance, error)
	GetInstance(ctx context.Context, id string) (Instance, error)
	ListInstances(ctx context.Context, filter ListFilter) ([]Instance, error)
	UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error
	AppendSignal(ctx context.Context, id string, sig Signal) (Signal, bool, error)
	Signals(ctx context.Context, id string) ([]Signal, error)
	AppendStep(ctx context.Context, id string, step Step) error
	Steps(ctx context.Context, id string) ([]Step, error)
	Close() error
}

// InstanceUpdate lists header fields to change; nil fields are left alone.
type InstanceUpdate struct {
	Status *Status
	Error  *string
	Parked *bool
	WakeAt *time.Time
}
