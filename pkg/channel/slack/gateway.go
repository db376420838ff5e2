// Package slack connects threadloom to Slack: a rate-limited Web API gateway for reads and
// visible effects, and a signed Events API receiver for inbound events.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"threadloom/pkg/channel"
	"threadloom/pkg/config"
)

const (
	repliesPageSize       = 200
	defaultRequestTimeout = 5 * time.Second
	messagePreviewLimit   = 240
)

// Gateway implements channel.Gateway on the Slack Web API.
type Gateway struct {
	api     *slack.Client
	limiter *rate.Limiter
	timeout time.Duration
	log     *slog.Logger
}

// NewGateway validates cfg and returns a gateway. Every Web API call waits on a shared
// token bucket of RequestsPerSecond with Burst.
func NewGateway(cfg config.SlackConfig) (*Gateway, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		return nil, errors.New("slack.bot_token is required")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	opts := []slack.Option{slack.OptionHTTPClient(&http.Client{Timeout: timeout})}
	if apiURL := strings.TrimSpace(cfg.APIURL); apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}

	return &Gateway{
		api:     slack.New(token, opts...),
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
		log:     slog.Default().With("component", "channel.slack"),
	}, nil
}

// call waits for a rate-limit token and bounds fn by the per-call timeout.
func (g *Gateway) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return fn(callCtx)
}

func (g *Gateway) FetchReplies(ctx context.Context, channelID, threadTS, oldestTS string) ([]channel.Message, error) {
	var (
		out    []channel.Message
		cursor string
	)

	for {
		var (
			page []slack.Message
			next string
		)
		err := g.call(ctx, func(ctx context.Context) error {
			var err error
			page, _, next, err = g.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
				ChannelID: channelID,
				Timestamp: threadTS,
				Oldest:    oldestTS,
				Inclusive: true,
				Cursor:    cursor,
				Limit:     repliesPageSize,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("conversations.replies %s/%s: %w", channelID, threadTS, err)
		}

		for _, msg := range page {
			record, err := toRecord(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, record)
		}

		if next == "" {
			break
		}
		cursor = next
	}

	g.log.Debug("Fetched thread replies", "channel", channelID, "thread_ts", threadTS, "oldest", oldestTS, "count", len(out))
	return out, nil
}

func (g *Gateway) PostMessage(ctx context.Context, thread channel.MessageRef, content channel.Content) (channel.Receipt, error) {
	opts := []slack.MsgOption{slack.MsgOptionTS(thread.TS)}
	switch {
	case len(content.Blocks) > 0:
		blocks, err := toBlocks(content.Blocks)
		if err != nil {
			return channel.Receipt{}, err
		}
		opts = append(opts, slack.MsgOptionBlocks(blocks.BlockSet...))
	case strings.TrimSpace(content.Text) != "":
		opts = append(opts, slack.MsgOptionText(content.Text, false))
	default:
		return channel.Receipt{}, errors.New("content is empty")
	}

	var receipt channel.Receipt
	err := g.call(ctx, func(ctx context.Context) error {
		channelID, ts, err := g.api.PostMessageContext(ctx, thread.Channel, opts...)
		receipt = channel.Receipt{Channel: channelID, TS: ts}
		return err
	})
	if err != nil {
		return channel.Receipt{}, fmt.Errorf("chat.postMessage %s/%s: %w", thread.Channel, thread.TS, err)
	}

	g.log.Info("Posted reply", "channel", thread.Channel, "thread_ts", thread.TS, "ts", receipt.TS, "content", previewText(content.Text))
	return receipt, nil
}

func (g *Gateway) AddReaction(ctx context.Context, ref channel.MessageRef, name string) error {
	err := g.call(ctx, func(ctx context.Context) error {
		return g.api.AddReactionContext(ctx, name, slack.NewRefToMessage(ref.Channel, ref.TS))
	})
	if isSlackError(err, "already_reacted") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reactions.add %s: %w", name, err)
	}
	return nil
}

func (g *Gateway) RemoveReaction(ctx context.Context, ref channel.MessageRef, name string) error {
	err := g.call(ctx, func(ctx context.Context) error {
		return g.api.RemoveReactionContext(ctx, name, slack.NewRefToMessage(ref.Channel, ref.TS))
	})
	if isSlackError(err, "no_reaction") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reactions.remove %s: %w", name, err)
	}
	return nil
}

func (g *Gateway) DeleteMessage(ctx context.Context, ref channel.MessageRef) error {
	err := g.call(ctx, func(ctx context.Context) error {
		_, _, err := g.api.DeleteMessageContext(ctx, ref.Channel, ref.TS)
		return err
	})
	if err != nil {
		return fmt.Errorf("chat.delete %s/%s: %w", ref.Channel, ref.TS, err)
	}
	return nil
}

func isSlackError(err error, code string) bool {
	var apiErr slack.SlackErrorResponse
	return errors.As(err, &apiErr) && apiErr.Err == code
}

// toRecord converts a typed API message back into its raw field map.
func toRecord(msg slack.Message) (channel.Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.Timestamp, err)
	}
	var record channel.Message
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", msg.Timestamp, err)
	}
	return record, nil
}

func toBlocks(raw []map[string]any) (slack.Blocks, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return slack.Blocks{}, fmt.Errorf("encode blocks: %w", err)
	}
	var blocks slack.Blocks
	if err := json.Unmarshal(data, &blocks); err != nil {
		return slack.Blocks{}, fmt.Errorf("decode blocks: %w", err)
	}
	return blocks, nil
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}
	return trimmed[:messagePreviewLimit] + "..."
}
