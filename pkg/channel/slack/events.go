package slack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"threadloom/pkg/channel"
	"threadloom/pkg/config"
)

const maxEventBody = 1 << 20

// ErrInvalidSignature is returned for requests that fail signing-secret verification.
var ErrInvalidSignature = errors.New("invalid slack request signature")

// Receiver is the Events API endpoint. It verifies the request signature, answers URL
// verification challenges and admits app mentions and thread replies into a Handler.
type Receiver struct {
	signingSecret string
	botUserID     string
	handler       channel.Handler
	log           *slog.Logger
}

func NewReceiver(cfg config.SlackConfig, handler channel.Handler) (*Receiver, error) {
	secret := strings.TrimSpace(cfg.SigningSecret)
	if secret == "" {
		return nil, errors.New("slack.signing_secret is required")
	}
	if handler == nil {
		return nil, errors.New("event handler is required")
	}
	return &Receiver{
		signingSecret: secret,
		botUserID:     strings.TrimSpace(cfg.BotUserID),
		handler:       handler,
		log:           slog.Default().With("component", "channel.slack.events"),
	}, nil
}

func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxEventBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if err := r.verify(req.Header, body); err != nil {
		r.log.Warn("Rejected event request", "error", err, "remote", req.RemoteAddr)
		http.Error(w, ErrInvalidSignature.Error(), http.StatusUnauthorized)
		return
	}

	outer, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		r.log.Warn("Malformed event payload", "error", err)
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}

	switch outer.Type {
	case slackevents.URLVerification:
		challenge, ok := outer.Data.(*slackevents.EventsAPIURLVerificationEvent)
		if !ok {
			http.Error(w, "malformed challenge", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": challenge.Challenge})
		return

	case slackevents.CallbackEvent:
		var eventID string
		if cb, ok := outer.Data.(*slackevents.EventsAPICallbackEvent); ok {
			eventID = cb.EventID
		}
		if ev, ok := r.translate(eventID, outer.InnerEvent); ok {
			r.admit(req.Context(), ev)
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (r *Receiver) verify(header http.Header, body []byte) error {
	sv, err := slack.NewSecretsVerifier(header, r.signingSecret)
	if err != nil {
		return err
	}
	if _, err := sv.Write(body); err != nil {
		return err
	}
	return sv.Ensure()
}

// admit hands the event to the handler. Admission failures are logged and still
// acknowledged so Slack does not redeliver a request that was understood.
func (r *Receiver) admit(ctx context.Context, ev channel.ThreadEvent) {
	if err := r.handler(context.WithoutCancel(ctx), ev); err != nil {
		r.log.Info("Event not admitted", "kind", ev.Kind, "channel", ev.Channel, "thread_ts", ev.ThreadKey(), "event_id", ev.EventID, "error", err)
		return
	}
	r.log.Debug("Admitted event", "kind", ev.Kind, "channel", ev.Channel, "thread_ts", ev.ThreadKey(), "event_id", ev.EventID, "text", previewText(ev.Text))
}

// translate maps an inner event to a ThreadEvent. Bot traffic, edits and other subtypes,
// top-level channel chatter and messages that mention the bot (delivered again as
// app_mention) are ignored.
func (r *Receiver) translate(eventID string, inner slackevents.EventsAPIInnerEvent) (channel.ThreadEvent, bool) {
	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		if ev.BotID != "" || r.isSelf(ev.User) {
			return channel.ThreadEvent{}, false
		}
		return channel.ThreadEvent{
			Kind:     channel.AppMention,
			Channel:  ev.Channel,
			User:     ev.User,
			Text:     ev.Text,
			TS:       ev.TimeStamp,
			ThreadTS: ev.ThreadTimeStamp,
			EventTS:  ev.EventTimeStamp,
			EventID:  eventID,
		}, true

	case *slackevents.MessageEvent:
		switch {
		case ev.SubType != "", ev.BotID != "", ev.User == "", r.isSelf(ev.User):
			return channel.ThreadEvent{}, false
		case ev.ThreadTimeStamp == "" || ev.ThreadTimeStamp == ev.TimeStamp:
			return channel.ThreadEvent{}, false
		case r.mentionsSelf(ev.Text):
			return channel.ThreadEvent{}, false
		}
		return channel.ThreadEvent{
			Kind:     channel.ChannelMessage,
			Channel:  ev.Channel,
			User:     ev.User,
			Text:     ev.Text,
			TS:       ev.TimeStamp,
			ThreadTS: ev.ThreadTimeStamp,
			EventTS:  ev.EventTimeStamp,
			EventID:  eventID,
		}, true
	}
	return channel.ThreadEvent{}, false
}

func (r *Receiver) isSelf(user string) bool {
	return r.botUserID != "" && user == r.botUserID
}

func (r *Receiver) mentionsSelf(text string) bool {
	return r.botUserID != "" && strings.Contains(text, "<@"+r.botUserID+">")
}
