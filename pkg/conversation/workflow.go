// Package conversation turns the events of one chat thread into a durable instance that
// keeps the thread history, asks the router what to do and posts the outcome.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"threadloom/pkg/bus"
	"threadloom/pkg/channel"
	"threadloom/pkg/config"
	"threadloom/pkg/dispatch"
	"threadloom/pkg/durable"
	"threadloom/pkg/responder"
	"threadloom/pkg/task"
)

const (
	WorkflowName = "conversation"
	SignalSubmit = "submit"

	QueryTranscript = "transcript"
	QueryPending    = "pending"
	QueryProcessed  = "processed"
	QueryPolicy     = "policy"

	DefaultWorkingReaction = "hourglass_flowing_sand"
)

// InstanceID maps a thread key to its conversation instance id.
func InstanceID(threadKey string) string {
	return "thread-" + strings.ReplaceAll(threadKey, ".", "-")
}

// Responders resolves and invokes delegated responders. *responder.Registry implements it.
type Responders = task.Responders

// PeriodicStarter starts periodic task instances. *task.Client implements it.
type PeriodicStarter interface {
	StartPeriodic(ctx context.Context, id string, in task.PeriodicInput) error
}

// Policy is the reaction behaviour of one conversation. It is recorded when the instance
// starts and kept for its whole life, so configuration changes apply to new threads only.
type Policy struct {
	WorkingReaction            string `json:"working_reaction" cbor:"working_reaction"`
	RemoveReactionOnNoResponse bool   `json:"remove_reaction_on_no_response" cbor:"remove_reaction_on_no_response"`
}

// Options are the orchestrator policy knobs.
type Options struct {
	WorkingReaction            string
	RemoveReactionOnNoResponse bool
	Activities                 task.ActivityOptions
}

// OptionsFromConfig reads Options from the process configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WorkingReaction:            cfg.Slack.WorkingReaction,
		RemoveReactionOnNoResponse: cfg.Conversation.RemoveReactionOnNoResponse,
		Activities:                 task.ActivityOptionsFromConfig(cfg.Engine),
	}
}

// Orchestrator runs conversation instances.
type Orchestrator struct {
	gateway    channel.Gateway
	router     dispatch.Router
	responders Responders
	periodic   PeriodicStarter
	bus        *bus.MessageBus
	opts       Options
}

// New returns an Orchestrator. periodic may be nil, in which case scheduled delegations
// are answered with an error message. mb may be nil.
func New(gateway channel.Gateway, router dispatch.Router, responders Responders, periodic PeriodicStarter, mb *bus.MessageBus, opts Options) *Orchestrator {
	if opts.WorkingReaction == "" {
		opts.WorkingReaction = DefaultWorkingReaction
	}
	return &Orchestrator{
		gateway:    gateway,
		router:     router,
		responders: responders,
		periodic:   periodic,
		bus:        mb,
		opts:       opts,
	}
}

// Policy returns the policy new conversations start with.
func (o *Orchestrator) Policy() Policy {
	return Policy{
		WorkingReaction:            o.opts.WorkingReaction,
		RemoveReactionOnNoResponse: o.opts.RemoveReactionOnNoResponse,
	}
}

// Register adds the conversation workflow to engine.
func (o *Orchestrator) Register(engine *durable.Engine) {
	engine.Register(WorkflowName, o.Run)
}

// Run is the conversation workflow. It waits for submitted events and handles them one at
// a time in arrival order, draining whatever queued up before waiting again. It returns
// only on a fatal error.
func (o *Orchestrator) Run(wf *durable.Context) error {
	var (
		state     State
		processed int
	)
	wf.SetQueryHandler(QueryTranscript, func() (any, error) { return state.Snapshot(), nil })
	wf.SetQueryHandler(QueryPending, func() (any, error) { return wf.PendingSignals(SignalSubmit), nil })
	wf.SetQueryHandler(QueryProcessed, func() (any, error) { return processed, nil })

	policy, err := durable.ExecuteActivity(wf, "load_policy", o.opts.Activities.Chat, func(context.Context) (Policy, error) {
		return o.Policy(), nil
	})
	if err != nil {
		return err
	}
	wf.SetQueryHandler(QueryPolicy, func() (any, error) { return policy, nil })

	for {
		var event channel.ThreadEvent
		if err := wf.Receive(SignalSubmit, &event); err != nil {
			return err
		}

		for {
			if err := o.handleOne(wf, policy, &state, event); err != nil {
				return err
			}
			processed++

			ok, err := wf.TryReceive(SignalSubmit, &event)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		}
	}
}

func (o *Orchestrator) handleOne(wf *durable.Context, policy Policy, state *State, event channel.ThreadEvent) error {
	log := wf.Logger().With("channel", event.Channel, "thread_ts", event.ThreadKey(), "ts", event.TS)
	chat := o.opts.Activities.Chat

	ref := state.LastTS()
	if ref == "" {
		ref = event.EventTS
	}
	if ref == "" {
		ref = event.TS
	}
	target := channel.MessageRef{Channel: event.Channel, TS: ref}
	thread := event.ThreadRef()

	if _, err := durable.ExecuteActivity(wf, "add_reaction", chat, func(ctx context.Context) (bool, error) {
		return true, o.gateway.AddReaction(ctx, target, policy.WorkingReaction)
	}); err != nil {
		return err
	}

	replies, err := durable.ExecuteActivity(wf, "fetch_replies", chat, func(ctx context.Context) ([]channel.Message, error) {
		return o.gateway.FetchReplies(ctx, event.Channel, thread.TS, ref)
	})
	if err != nil {
		return err
	}
	added := state.Append(replies)

	transcript, err := json.MarshalIndent(state.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("serialize transcript: %w", err)
	}
	log.Debug("Routing thread", "messages", len(state.Messages), "added", added)

	envelope, err := durable.ExecuteActivity(wf, "route", o.opts.Activities.Responder, func(ctx context.Context) (dispatch.Envelope, error) {
		result, err := o.router.Route(ctx, string(transcript))
		if err != nil {
			return dispatch.Envelope{}, err
		}
		return dispatch.Wrap(result)
	})
	if err != nil {
		return err
	}

	result, err := envelope.Result()
	if err != nil {
		return err
	}

	if _, ok := result.(dispatch.NoResponse); ok {
		log.Info("Router chose not to respond")
		if policy.RemoveReactionOnNoResponse {
			return o.removeReaction(wf, policy, target)
		}
		return nil
	}

	if err := o.removeReaction(wf, policy, target); err != nil {
		return err
	}

	var content channel.Content
	switch r := result.(type) {
	case dispatch.DirectResponse:
		content = r.Content
	case dispatch.DelegationRequest:
		r.ThreadContext = string(transcript)
		content, err = o.delegate(wf, thread, r)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %T", dispatch.ErrUnhandledResult, result)
	}

	receipt, err := durable.ExecuteActivity(wf, "post_message", chat, func(ctx context.Context) (channel.Receipt, error) {
		receipt, err := o.gateway.PostMessage(ctx, thread, content)
		if err != nil {
			return channel.Receipt{}, err
		}
		o.bus.PublishEvent(ctx, bus.Event{
			Type:       bus.EventReplyPosted,
			InstanceID: wf.InstanceID(),
			Workflow:   WorkflowName,
			Channel:    thread.Channel,
			ThreadTS:   thread.TS,
			Payload:    map[string]string{"ts": receipt.TS},
		})
		return receipt, nil
	})
	if err != nil {
		return err
	}

	log.Info("Reply posted", "reply_ts", receipt.TS)
	return nil
}

func (o *Orchestrator) removeReaction(wf *durable.Context, policy Policy, target channel.MessageRef) error {
	_, err := durable.ExecuteActivity(wf, "remove_reaction", o.opts.Activities.Chat, func(ctx context.Context) (bool, error) {
		return true, o.gateway.RemoveReaction(ctx, target, policy.WorkingReaction)
	})
	return err
}

// delegate resolves a delegation into the content to post. Unknown kinds and rejected
// schedules come back as error text.
func (o *Orchestrator) delegate(wf *durable.Context, thread channel.MessageRef, req dispatch.DelegationRequest) (channel.Content, error) {
	if req.Schedule != nil {
		text, err := o.schedule(wf, thread, req)
		return channel.TextContent(text), err
	}

	content, err := task.Invoke(wf, o.responders, o.opts.Activities.Responder, req.Kind, req.Role, responder.Request{
		Query:         req.Query,
		ExtraInfo:     req.ExtraInfo,
		ThreadContext: req.ThreadContext,
	})
	if err != nil {
		if text, ok := task.UserVisibleError(err); ok {
			wf.Logger().Warn("Delegation failed", "kind", req.Kind, "role", req.Role, "error", err)
			return channel.TextContent(text), nil
		}
		return channel.Content{}, err
	}
	return content, nil
}

func (o *Orchestrator) schedule(wf *durable.Context, thread channel.MessageRef, req dispatch.DelegationRequest) (string, error) {
	role := req.Role
	if role == "" {
		role = responder.DefaultRole
	}

	// Drawn once and journaled, so retries and replays of start_periodic reuse the id.
	id, err := durable.ExecuteActivity(wf, "new_task_id", o.opts.Activities.Chat, func(context.Context) (string, error) {
		return task.PeriodicID(wf.InstanceID()), nil
	})
	if err != nil {
		return "", err
	}

	_, err = durable.ExecuteActivity(wf, "start_periodic", o.opts.Activities.Chat, func(ctx context.Context) (string, error) {
		if o.periodic == nil {
			return "", durable.NonRetryable(task.ErrTypeUnschedulable, errors.New("periodic tasks are not available"))
		}
		err := o.periodic.StartPeriodic(ctx, id, task.PeriodicInput{
			Kind:            req.Kind,
			Role:            role,
			Query:           req.Query,
			IntervalSeconds: req.Schedule.IntervalSeconds,
			Context:         req.ExtraInfo,
			Reply:           &thread,
		})
		switch {
		case errors.Is(err, responder.ErrUnknownKind):
			return "", durable.NonRetryable(task.ErrTypeUnknownKind, err)
		case errors.Is(err, task.ErrDirectKind), errors.Is(err, task.ErrInvalidInterval), errors.Is(err, task.ErrTaskConflict):
			return "", durable.NonRetryable(task.ErrTypeUnschedulable, err)
		case err != nil:
			return "", err
		}
		return id, nil
	})
	if err != nil {
		if text, ok := task.UserVisibleError(err); ok {
			return text, nil
		}
		return "", err
	}

	return fmt.Sprintf("Scheduled %s/%s every %s (task %s). Each run will be posted in this thread.",
		req.Kind, role, humanInterval(req.Schedule.IntervalSeconds), id), nil
}

func humanInterval(seconds int) string {
	switch {
	case seconds%86400 == 0:
		return plural(seconds/86400, "day")
	case seconds%3600 == 0:
		return plural(seconds/3600, "hour")
	case seconds%60 == 0:
		return plural(seconds/60, "minute")
	default:
		return plural(seconds, "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
