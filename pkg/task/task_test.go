package task_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"threadloom/pkg/channel"
	"threadloom/pkg/channel/local"
	"threadloom/pkg/clock"
	"threadloom/pkg/durable"
	"threadloom/pkg/durable/memstore"
	"threadloom/pkg/responder"
	"threadloom/pkg/retry"
	"threadloom/pkg/task"
)

const waitFor = 2 * time.Second

const testCatalog = `
kinds:
  research:
    description: Research.
    backend: openai
    roles:
      default:
        description: Default.
  echo:
    description: Echo.
    direct: true
    roles:
      default:
        description: Default.
`

type harness struct {
	engine  *durable.Engine
	gateway *local.Gateway
	client  *task.Client
	calls   *atomic.Int32
}

func newHarness(t *testing.T, clk clock.Clock, respond responder.ResponderFunc) harness {
	t.Helper()

	catalog, err := responder.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	calls := &atomic.Int32{}
	registry := responder.NewRegistry(catalog, func(string, responder.KindSpec, string) (responder.Responder, error) {
		return responder.ResponderFunc(func(ctx context.Context, req responder.Request) (responder.Result, error) {
			calls.Add(1)
			return respond(ctx, req)
		}), nil
	})

	engine, err := durable.New(durable.Options{Store: memstore.New(), Clock: clk})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	gateway := local.New(nil)
	opts := durable.ActivityOptions{Retry: retry.Policy{MaxAttempts: 1}}
	task.NewRunner(registry, gateway, task.ActivityOptions{Chat: opts, Responder: opts}).Register(engine)

	return harness{engine: engine, gateway: gateway, client: task.NewClient(engine, registry), calls: calls}
}

func answer(text string) responder.ResponderFunc {
	return func(context.Context, responder.Request) (responder.Result, error) {
		return responder.Result{Content: channel.TextContent(text)}, nil
	}
}

func waitStatus(t *testing.T, engine *durable.Engine, id string, want durable.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		desc, err := engine.Describe(context.Background(), id)
		return err == nil && desc.Status == want
	}, waitFor, 5*time.Millisecond)
}

func latest(t *testing.T, engine *durable.Engine, id string) *task.LatestResponse {
	t.Helper()
	value, err := engine.Query(context.Background(), id, task.QueryLatestResponse)
	require.NoError(t, err)
	return value.(*task.LatestResponse)
}

func TestOneShotStoresLatestResponse(t *testing.T) {
	h := newHarness(t, nil, answer("Try Taco X"))

	id, err := h.client.RunOneShot(context.Background(), task.OneShotInput{Kind: "research", Query: "best tacos nearby"})
	require.NoError(t, err)
	require.Regexp(t, `^task-[0-9a-f-]{36}$`, id)

	waitStatus(t, h.engine, id, durable.StatusCompleted)

	got := latest(t, h.engine, id)
	require.Equal(t, "Try Taco X", got.Content.Text)
	require.Equal(t, "research", got.Kind)
	require.False(t, got.At.IsZero())
	require.Equal(t, int32(1), h.calls.Load())
}

func TestOneShotUnknownKindBecomesErrorContent(t *testing.T) {
	h := newHarness(t, nil, answer("unused"))

	id, err := h.client.RunOneShot(context.Background(), task.OneShotInput{Kind: "jira", Role: "triage", Query: "q"})
	require.NoError(t, err)

	waitStatus(t, h.engine, id, durable.StatusCompleted)
	require.Equal(t, "Error: responder jira/triage not found in registry", latest(t, h.engine, id).Content.Text)
}

func TestOneShotRequiresKindAndQuery(t *testing.T) {
	h := newHarness(t, nil, answer("unused"))

	_, err := h.client.RunOneShot(context.Background(), task.OneShotInput{Kind: "research"})
	require.Error(t, err)
}

func TestPeriodicRunsPostsAndStops(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	var n atomic.Int32
	h := newHarness(t, fake, func(context.Context, responder.Request) (responder.Result, error) {
		return responder.Result{Content: channel.TextContent(fmt.Sprintf("run %d", n.Add(1)))}, nil
	})

	reply := &channel.MessageRef{Channel: "C1", TS: "100.000100"}
	in := task.PeriodicInput{Kind: "research", Query: "check the queue", IntervalSeconds: 60, Reply: reply}
	require.NoError(t, h.client.StartPeriodic(context.Background(), "periodic-1", in))
	// Retried starts are accepted.
	require.NoError(t, h.client.StartPeriodic(context.Background(), "periodic-1", in))

	require.Eventually(t, func() bool { return len(h.gateway.Posts()) == 1 }, waitFor, 5*time.Millisecond)

	fake.WaitForTimers(1)
	fake.Advance(time.Minute)
	require.Eventually(t, func() bool { return len(h.gateway.Posts()) == 2 }, waitFor, 5*time.Millisecond)

	count, err := h.engine.Query(context.Background(), "periodic-1", task.QueryExecutionCount)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	fake.WaitForTimers(1)
	require.NoError(t, h.client.Stop(context.Background(), "periodic-1", "operator"))
	waitStatus(t, h.engine, "periodic-1", durable.StatusCompleted)

	posts := h.gateway.Posts()
	require.Equal(t, "run 1", posts[0].Content.Text)
	require.Equal(t, "run 2", posts[1].Content.Text)
	require.Equal(t, *reply, posts[1].Thread)

	value, err := h.engine.Query(context.Background(), "periodic-1", task.QueryHistory)
	require.NoError(t, err)
	history := value.([]task.HistoryEntry)
	require.Len(t, history, 4)
	require.Equal(t, "user", history[0].Role)
	require.Equal(t, "assistant", history[3].Role)
}

func TestPeriodicContinuesAfterFailedRun(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	var n atomic.Int32
	h := newHarness(t, fake, func(context.Context, responder.Request) (responder.Result, error) {
		if n.Add(1) == 1 {
			return responder.Result{}, errors.New("model overloaded")
		}
		return responder.Result{Content: channel.TextContent("recovered")}, nil
	})

	in := task.PeriodicInput{Kind: "research", Query: "q", IntervalSeconds: 30}
	require.NoError(t, h.client.StartPeriodic(context.Background(), "periodic-2", in))

	fake.WaitForTimers(1)
	require.Nil(t, latest(t, h.engine, "periodic-2"))

	fake.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		got := latest(t, h.engine, "periodic-2")
		return got != nil && got.Content.Text == "recovered"
	}, waitFor, 5*time.Millisecond)
}

func TestValidateRejectsUnschedulableRequests(t *testing.T) {
	h := newHarness(t, nil, answer("unused"))

	err := h.client.Validate(task.PeriodicInput{Kind: "echo", Query: "q", IntervalSeconds: 10})
	require.ErrorIs(t, err, task.ErrDirectKind)

	err = h.client.Validate(task.PeriodicInput{Kind: "jira", Query: "q", IntervalSeconds: 10})
	require.ErrorIs(t, err, responder.ErrUnknownKind)

	err = h.client.Validate(task.PeriodicInput{Kind: "research", Query: "q"})
	require.ErrorIs(t, err, task.ErrInvalidInterval)
}

func TestUserVisibleError(t *testing.T) {
	text, ok := task.UserVisibleError(&durable.ApplicationError{Type: task.ErrTypeUnknownKind, Message: "responder x/y not found in registry"})
	require.True(t, ok)
	require.Equal(t, "Error: responder x/y not found in registry", text)

	_, ok = task.UserVisibleError(&durable.ActivityError{Activity: "invoke_responder", Attempts: 3, Message: "boom"})
	require.False(t, ok)
}

func TestPeriodicIDIsUniquePerCall(t *testing.T) {
	first := task.PeriodicID("thread-100-000100")
	second := task.PeriodicID("thread-100-000100")
	require.Regexp(t, `^periodic-thread-100-000100-[0-9a-f-]{36}$`, first)
	require.NotEqual(t, first, second)
}

func TestStartPeriodicRejectsDifferentTaskUnderRunningID(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := newHarness(t, fake, answer("ok"))
	ctx := context.Background()

	reply := &channel.MessageRef{Channel: "C1", TS: "100.000100"}
	in := task.PeriodicInput{Kind: "research", Query: "review PRs", IntervalSeconds: 3600, Reply: reply}
	require.NoError(t, h.client.StartPeriodic(ctx, "periodic-3", in))

	same := in
	same.Reply = &channel.MessageRef{Channel: "C1", TS: "100.000100"}
	require.NoError(t, h.client.StartPeriodic(ctx, "periodic-3", same))

	other := task.PeriodicInput{Kind: "research", Query: "find tacos", IntervalSeconds: 86400, Reply: reply}
	err := h.client.StartPeriodic(ctx, "periodic-3", other)
	require.ErrorIs(t, err, task.ErrTaskConflict)
	require.Contains(t, err.Error(), `"review PRs"`)
}

func TestPeriodicPostsBlocksUnchanged(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	blocks := []map[string]any{{"type": "section", "text": map[string]any{"type": "mrkdwn", "text": "*3 open PRs*"}}}
	h := newHarness(t, fake, func(context.Context, responder.Request) (responder.Result, error) {
		return responder.Result{Content: channel.Content{Blocks: blocks}}, nil
	})

	reply := &channel.MessageRef{Channel: "C1", TS: "100.000100"}
	in := task.PeriodicInput{Kind: "research", Query: "summarize PRs", IntervalSeconds: 60, Reply: reply}
	require.NoError(t, h.client.StartPeriodic(context.Background(), "periodic-4", in))

	require.Eventually(t, func() bool { return len(h.gateway.Posts()) == 1 }, waitFor, 5*time.Millisecond)
	post := h.gateway.Posts()[0]
	require.Equal(t, blocks, post.Content.Blocks)
	require.Empty(t, post.Content.Text)

	got := latest(t, h.engine, "periodic-4")
	require.Equal(t, blocks, got.Content.Blocks)
}
