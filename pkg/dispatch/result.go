// Package dispatch holds the routing decision types and the routers that produce them.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"threadloom/pkg/channel"
)

// ErrUnhandledResult reports a routing result the orchestrator does not know how to act on.
var ErrUnhandledResult = errors.New("dispatch: unhandled result")

// Router decides how to react to a thread. It sees only the serialized transcript.
type Router interface {
	Route(ctx context.Context, transcript string) (Result, error)
}

// Result is exactly one of NoResponse, DirectResponse or DelegationRequest.
type Result interface {
	isResult()
}

// NoResponse means the latest messages are not addressed to the bot.
type NoResponse struct{}

// DirectResponse is posted to the thread as is.
type DirectResponse struct {
	Content channel.Content
}

// DelegationRequest hands the thread to a responder. ThreadContext is filled in by the
// orchestrator after routing, never by a router.
type DelegationRequest struct {
	Kind          string
	Role          string
	Query         string
	ExtraInfo     string
	ThreadContext string
	Schedule      *Schedule
}

// Schedule asks for the responder to run repeatedly instead of once.
type Schedule struct {
	IntervalSeconds int
}

func (NoResponse) isResult()        {}
func (DirectResponse) isResult()    {}
func (DelegationRequest) isResult() {}

// Envelope discriminator values.
const (
	TypeNoResponse        = "no-response"
	TypeDirectResponse    = "direct-response"
	TypeDelegationRequest = "delegation-request"
)

// Envelope is the serialized form of a Result, as journaled by the orchestrator.
type Envelope struct {
	Type            string          `json:"type" cbor:"type"`
	Content         channel.Content `json:"content,omitzero" cbor:"content,omitempty"`
	Kind            string          `json:"kind,omitempty" cbor:"kind,omitempty"`
	Role            string          `json:"role,omitempty" cbor:"role,omitempty"`
	Query           string          `json:"query,omitempty" cbor:"query,omitempty"`
	ExtraInfo       string          `json:"extra_info,omitempty" cbor:"extra_info,omitempty"`
	ThreadContext   string          `json:"thread_context,omitempty" cbor:"thread_context,omitempty"`
	IntervalSeconds int             `json:"interval_seconds,omitempty" cbor:"interval_seconds,omitempty"`
}

// Wrap converts a Result into its Envelope.
func Wrap(r Result) (Envelope, error) {
	switch v := r.(type) {
	case NoResponse:
		return Envelope{Type: TypeNoResponse}, nil
	case DirectResponse:
		return Envelope{Type: TypeDirectResponse, Content: v.Content}, nil
	case DelegationRequest:
		env := Envelope{
			Type:          TypeDelegationRequest,
			Kind:          v.Kind,
			Role:          v.Role,
			Query:         v.Query,
			ExtraInfo:     v.ExtraInfo,
			ThreadContext: v.ThreadContext,
		}
		if v.Schedule != nil {
			env.IntervalSeconds = v.Schedule.IntervalSeconds
		}
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("%w: %T", ErrUnhandledResult, r)
	}
}

// Result converts the envelope back. An unknown discriminator is ErrUnhandledResult.
func (e Envelope) Result() (Result, error) {
	switch e.Type {
	case TypeNoResponse:
		return NoResponse{}, nil
	case TypeDirectResponse:
		return DirectResponse{Content: e.Content}, nil
	case TypeDelegationRequest:
		req := DelegationRequest{
			Kind:          e.Kind,
			Role:          e.Role,
			Query:         e.Query,
			ExtraInfo:     e.ExtraInfo,
			ThreadContext: e.ThreadContext,
		}
		if e.IntervalSeconds > 0 {
			req.Schedule = &Schedule{IntervalSeconds: e.IntervalSeconds}
		}
		return req, nil
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnhandledResult, e.Type)
	}
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, transcript string) (Result, error)

func (f RouterFunc) Route(ctx context.Context, transcript string) (Result, error) {
	return f(ctx, transcript)
}
