// Package task runs responders outside a conversation: once, or on a fixed interval until
// stopped.
package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"threadloom/pkg/channel"
	"threadloom/pkg/config"
	"threadloom/pkg/durable"
	"threadloom/pkg/responder"
	"threadloom/pkg/retry"
)

const (
	OneShotWorkflow  = "oneshot"
	PeriodicWorkflow = "periodic"

	SignalStop = "stop"

	QueryLatestResponse = "latest_response"
	QueryExecutionCount = "execution_count"
	QueryHistory        = "history"

	// ErrTypeUnknownKind is the journaled error type of an unresolvable kind/role.
	ErrTypeUnknownKind = "UnknownKind"
	// ErrTypeUnschedulable is the journaled error type of a rejected periodic request.
	ErrTypeUnschedulable = "Unschedulable"
)

var (
	ErrDirectKind      = errors.New("direct responders cannot run periodically")
	ErrInvalidInterval = errors.New("interval_seconds must be positive")
	// ErrTaskConflict reports an id already taken by a different running task.
	ErrTaskConflict = errors.New("task id is running a different task")
)

// OneShotInput starts a oneshot instance.
type OneShotInput struct {
	Kind    string `json:"kind" cbor:"kind"`
	Role    string `json:"role,omitempty" cbor:"role,omitempty"`
	Query   string `json:"query" cbor:"query"`
	Context string `json:"context,omitempty" cbor:"context,omitempty"`
}

// PeriodicInput starts a periodic instance. When Reply is set every answer is posted to
// that thread.
type PeriodicInput struct {
	Kind            string              `json:"kind" cbor:"kind"`
	Role            string              `json:"role,omitempty" cbor:"role,omitempty"`
	Query           string              `json:"query" cbor:"query"`
	IntervalSeconds int                 `json:"interval_seconds" cbor:"interval_seconds"`
	Context         string              `json:"context,omitempty" cbor:"context,omitempty"`
	Reply           *channel.MessageRef `json:"reply,omitempty" cbor:"reply,omitempty"`
}

// Interval returns the wait between runs.
func (in PeriodicInput) Interval() time.Duration {
	return time.Duration(in.IntervalSeconds) * time.Second
}

// Same reports whether in and other describe the same task.
func (in PeriodicInput) Same(other PeriodicInput) bool {
	if in.Kind != other.Kind || in.Role != other.Role || in.Query != other.Query ||
		in.IntervalSeconds != other.IntervalSeconds || in.Context != other.Context {
		return false
	}
	if in.Reply == nil || other.Reply == nil {
		return in.Reply == other.Reply
	}
	return *in.Reply == *other.Reply
}

// LatestResponse is the most recent answer of a task instance.
type LatestResponse struct {
	Content channel.Content `json:"content"`
	Kind    string          `json:"kind"`
	Role    string          `json:"role"`
	At      time.Time       `json:"at"`
}

// HistoryEntry is one turn of a periodic instance: the query as "user", the answer as
// "assistant".
type HistoryEntry struct {
	Role    string          `json:"role"`
	Content channel.Content `json:"content"`
	At      time.Time       `json:"at"`
}

// Responders resolves and invokes responders. *responder.Registry implements it.
type Responders interface {
	Resolve(kind, role string) (responder.Responder, error)
	Invoke(ctx context.Context, kind, role string, req responder.Request) (responder.Result, error)
}

// ActivityOptions groups the per-activity budgets used by task and conversation workflows.
type ActivityOptions struct {
	Chat      durable.ActivityOptions
	Responder durable.ActivityOptions
}

// ActivityOptionsFromConfig derives activity budgets from the engine settings.
func ActivityOptionsFromConfig(cfg config.EngineConfig) ActivityOptions {
	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Multiplier:  cfg.Retry.Multiplier,
		Jitter:      cfg.Retry.Jitter,
	}
	return ActivityOptions{
		Chat:      durable.ActivityOptions{Timeout: cfg.ChatTimeout, Retry: policy},
		Responder: durable.ActivityOptions{Timeout: cfg.ResponderTimeout, Retry: policy},
	}
}

// Invoke runs the invoke_responder activity. An unknown kind/role is journaled as a
// non-retryable ErrTypeUnknownKind failure.
func Invoke(wf *durable.Context, responders Responders, opts durable.ActivityOptions, kind, role string, req responder.Request) (channel.Content, error) {
	return durable.ExecuteActivity(wf, "invoke_responder", opts, func(ctx context.Context) (channel.Content, error) {
		res, err := responders.Invoke(ctx, kind, role, req)
		if errors.Is(err, responder.ErrUnknownKind) {
			return channel.Content{}, durable.NonRetryable(ErrTypeUnknownKind, err)
		}
		if err != nil {
			return channel.Content{}, err
		}
		return res.Content, nil
	})
}

// UserVisibleError returns the text posted in place of an answer when err should be
// reported to the thread instead of failing the instance.
func UserVisibleError(err error) (string, bool) {
	var appErr *durable.ApplicationError
	if !errors.As(err, &appErr) {
		return "", false
	}
	switch appErr.Type {
	case ErrTypeUnknownKind, ErrTypeUnschedulable:
		return "Error: " + appErr.Message, true
	default:
		return "", false
	}
}

// NewOneShotID returns a fresh oneshot instance id.
func NewOneShotID() string {
	return "task-" + uuid.NewString()
}

// NewPeriodicID returns a fresh periodic instance id.
func NewPeriodicID() string {
	return "periodic-" + uuid.NewString()
}

// PeriodicID returns a fresh id for a periodic instance started from parent. It is not
// deterministic; workflows call it inside an activity.
func PeriodicID(parent string) string {
	return fmt.Sprintf("periodic-%s-%s", strings.TrimSpace(parent), uuid.NewString())
}
