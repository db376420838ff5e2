package task

import (
	"context"
	"errors"
	"log/slog"

	"threadloom/pkg/channel"
	"threadloom/pkg/durable"
	"threadloom/pkg/responder"
)

// Runner holds the collaborators of the task workflows.
type Runner struct {
	responders Responders
	gateway    channel.Gateway
	opts       ActivityOptions
}

// NewRunner returns a Runner. gateway may be nil when no instance posts replies.
func NewRunner(responders Responders, gateway channel.Gateway, opts ActivityOptions) *Runner {
	return &Runner{responders: responders, gateway: gateway, opts: opts}
}

// Register adds the oneshot and periodic workflows to engine.
func (r *Runner) Register(engine *durable.Engine) {
	engine.Register(OneShotWorkflow, r.OneShot)
	engine.Register(PeriodicWorkflow, r.Periodic)
}

// OneShot invokes a responder once and keeps the answer for the latest_response query.
func (r *Runner) OneShot(wf *durable.Context) error {
	var in OneShotInput
	if err := wf.Input(&in); err != nil {
		return err
	}

	var latest *LatestResponse
	wf.SetQueryHandler(QueryLatestResponse, func() (any, error) { return latest, nil })

	log := wf.Logger().With("kind", in.Kind, "role", in.Role)
	log.Info("Running oneshot task")

	content, err := Invoke(wf, r.responders, r.opts.Responder, in.Kind, in.Role, responder.Request{
		Query:     in.Query,
		ExtraInfo: in.Context,
	})
	if err != nil {
		text, ok := UserVisibleError(err)
		if !ok {
			text = "Error: " + err.Error()
		}
		content = channel.TextContent(text)
		log.Error("Oneshot task failed", "error", err)
	}

	latest = &LatestResponse{Content: content, Kind: in.Kind, Role: in.Role, At: wf.Now()}
	return nil
}

// Periodic invokes a responder every IntervalSeconds until a stop signal arrives. A failed
// run is logged and the loop continues.
func (r *Runner) Periodic(wf *durable.Context) error {
	var in PeriodicInput
	if err := wf.Input(&in); err != nil {
		return err
	}

	var (
		count   int
		history []HistoryEntry
		latest  *LatestResponse
	)
	wf.SetQueryHandler(QueryExecutionCount, func() (any, error) { return count, nil })
	wf.SetQueryHandler(QueryHistory, func() (any, error) { return append([]HistoryEntry(nil), history...), nil })
	wf.SetQueryHandler(QueryLatestResponse, func() (any, error) { return latest, nil })

	log := wf.Logger().With("kind", in.Kind, "role", in.Role, "interval_seconds", in.IntervalSeconds)

	if in.IntervalSeconds <= 0 {
		log.Error("Periodic task has no interval")
		return nil
	}

	check, err := durable.ExecuteActivity(wf, "check_responder", r.opts.Chat, func(ctx context.Context) (string, error) {
		return r.check(in.Kind, in.Role)
	})
	if err != nil {
		return err
	}
	if check != "" {
		log.Error("Periodic task cannot run", "reason", check)
		return nil
	}

	log.Info("Starting periodic task")

	for {
		count++
		history = append(history, HistoryEntry{Role: "user", Content: channel.TextContent(in.Query), At: wf.Now()})

		content, err := Invoke(wf, r.responders, r.opts.Responder, in.Kind, in.Role, responder.Request{
			Query:     in.Query,
			ExtraInfo: in.Context,
		})
		if err != nil {
			log.Error("Periodic run failed", "execution", count, "error", err)
		} else {
			at := wf.Now()
			history = append(history, HistoryEntry{Role: "assistant", Content: content, At: at})
			latest = &LatestResponse{Content: content, Kind: in.Kind, Role: in.Role, At: at}
			r.post(wf, in.Reply, content, log)
		}

		var reason string
		stopped, err := wf.ReceiveTimeout(SignalStop, &reason, in.Interval())
		if err != nil {
			return err
		}
		if stopped {
			log.Info("Periodic task stopped", "executions", count, "reason", reason)
			return nil
		}
	}
}

// check returns "" when kind/role can run periodically, otherwise the reason it cannot.
func (r *Runner) check(kind, role string) (string, error) {
	resolved, err := r.responders.Resolve(kind, role)
	if errors.Is(err, responder.ErrUnknownKind) {
		return err.Error(), nil
	}
	if err != nil {
		return "", err
	}
	if resolved == responder.Direct {
		return ErrDirectKind.Error(), nil
	}
	return "", nil
}

func (r *Runner) post(wf *durable.Context, reply *channel.MessageRef, content channel.Content, log *slog.Logger) {
	if reply == nil || r.gateway == nil {
		return
	}

	_, err := durable.ExecuteActivity(wf, "post_message", r.opts.Chat, func(ctx context.Context) (channel.Receipt, error) {
		return r.gateway.PostMessage(ctx, *reply, content)
	})
	if err != nil {
		log.Warn("Posting periodic answer failed", "error", err)
	}
}
