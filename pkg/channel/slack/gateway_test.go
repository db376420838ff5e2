package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"threadloom/pkg/channel"
	"threadloom/pkg/config"
)

type fakeAPI struct {
	mu       sync.Mutex
	calls    map[string][]map[string]string
	handlers map[string]func(form map[string]string) any
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Gateway) {
	t.Helper()

	api := &fakeAPI{
		calls:    map[string][]map[string]string{},
		handlers: map[string]func(map[string]string) any{},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		method := strings.TrimPrefix(r.URL.Path, "/")
		form := map[string]string{}
		for key := range r.Form {
			form[key] = r.Form.Get(key)
		}

		api.mu.Lock()
		api.calls[method] = append(api.calls[method], form)
		handler := api.handlers[method]
		api.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if handler == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
			return
		}
		_ = json.NewEncoder(w).Encode(handler(form))
	}))
	t.Cleanup(server.Close)

	gw, err := NewGateway(config.SlackConfig{BotToken: "xoxb-test", APIURL: server.URL})
	if err != nil {
		t.Fatalf("NewGateway error: %v", err)
	}
	return api, gw
}

func (f *fakeAPI) handle(method string, fn func(form map[string]string) any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
}

func (f *fakeAPI) callsTo(method string) []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.calls[method]...)
}

func TestNewGatewayRequiresToken(t *testing.T) {
	if _, err := NewGateway(config.SlackConfig{BotToken: " "}); err == nil {
		t.Fatal("expected error when bot token is missing")
	}
}

func TestFetchRepliesFollowsCursor(t *testing.T) {
	api, gw := newFakeAPI(t)
	api.handle("conversations.replies", func(form map[string]string) any {
		if form["cursor"] == "" {
			return map[string]any{
				"ok":                true,
				"has_more":          true,
				"messages":          []map[string]any{{"type": "message", "ts": "100.000001", "text": "hello"}},
				"response_metadata": map[string]any{"next_cursor": "page-2"},
			}
		}
		return map[string]any{
			"ok":       true,
			"messages": []map[string]any{{"type": "message", "ts": "100.000002", "text": "again", "user": "U1"}},
		}
	})

	msgs, err := gw.FetchReplies(context.Background(), "C1", "100.000001", "100.000001")
	if err != nil {
		t.Fatalf("FetchReplies error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("FetchReplies len = %d, want 2", len(msgs))
	}
	if msgs[0].TS() != "100.000001" || msgs[1].Text() != "again" {
		t.Fatalf("FetchReplies = %+v", msgs)
	}

	calls := api.callsTo("conversations.replies")
	if len(calls) != 2 {
		t.Fatalf("replies calls = %d, want 2", len(calls))
	}
	first := calls[0]
	if first["channel"] != "C1" || first["ts"] != "100.000001" || first["oldest"] != "100.000001" || first["inclusive"] != "1" {
		t.Fatalf("first replies call = %+v", first)
	}
	if calls[1]["cursor"] != "page-2" {
		t.Fatalf("second replies cursor = %q, want page-2", calls[1]["cursor"])
	}
}

func TestPostMessageIntoThread(t *testing.T) {
	api, gw := newFakeAPI(t)
	api.handle("chat.postMessage", func(form map[string]string) any {
		return map[string]any{"ok": true, "channel": form["channel"], "ts": "100.000005"}
	})

	receipt, err := gw.PostMessage(context.Background(), channel.MessageRef{Channel: "C1", TS: "100.000001"}, channel.TextContent("answer"))
	if err != nil {
		t.Fatalf("PostMessage error: %v", err)
	}
	if receipt != (channel.Receipt{Channel: "C1", TS: "100.000005"}) {
		t.Fatalf("receipt = %+v", receipt)
	}

	calls := api.callsTo("chat.postMessage")
	if len(calls) != 1 {
		t.Fatalf("post calls = %d, want 1", len(calls))
	}
	if calls[0]["thread_ts"] != "100.000001" || calls[0]["text"] != "answer" {
		t.Fatalf("post form = %+v", calls[0])
	}
}

func TestPostMessageBlocks(t *testing.T) {
	api, gw := newFakeAPI(t)
	api.handle("chat.postMessage", func(form map[string]string) any {
		return map[string]any{"ok": true, "channel": "C1", "ts": "100.000006"}
	})

	content := channel.Content{Blocks: []map[string]any{{"type": "divider"}}}
	if _, err := gw.PostMessage(context.Background(), channel.MessageRef{Channel: "C1", TS: "100.000001"}, content); err != nil {
		t.Fatalf("PostMessage error: %v", err)
	}
	calls := api.callsTo("chat.postMessage")
	if len(calls) != 1 || !strings.Contains(calls[0]["blocks"], "divider") {
		t.Fatalf("post form = %+v, want divider block", calls)
	}
}

func TestPostMessageRejectsEmptyContent(t *testing.T) {
	_, gw := newFakeAPI(t)
	if _, err := gw.PostMessage(context.Background(), channel.MessageRef{Channel: "C1", TS: "1.0"}, channel.Content{}); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestReactionsAreIdempotent(t *testing.T) {
	api, gw := newFakeAPI(t)
	api.handle("reactions.add", func(map[string]string) any {
		return map[string]any{"ok": false, "error": "already_reacted"}
	})
	api.handle("reactions.remove", func(map[string]string) any {
		return map[string]any{"ok": false, "error": "no_reaction"}
	})

	ref := channel.MessageRef{Channel: "C1", TS: "100.000001"}
	if err := gw.AddReaction(context.Background(), ref, "eyes"); err != nil {
		t.Fatalf("AddReaction error: %v", err)
	}
	if err := gw.RemoveReaction(context.Background(), ref, "eyes"); err != nil {
		t.Fatalf("RemoveReaction error: %v", err)
	}

	add := api.callsTo("reactions.add")
	if len(add) != 1 || add[0]["name"] != "eyes" || add[0]["timestamp"] != "100.000001" {
		t.Fatalf("reactions.add form = %+v", add)
	}
}

func TestReactionErrorsSurface(t *testing.T) {
	api, gw := newFakeAPI(t)
	api.handle("reactions.add", func(map[string]string) any {
		return map[string]any{"ok": false, "error": "channel_not_found"}
	})

	err := gw.AddReaction(context.Background(), channel.MessageRef{Channel: "C1", TS: "1.0"}, "eyes")
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("AddReaction error = %v, want channel_not_found", err)
	}
}

func TestDeleteMessage(t *testing.T) {
	api, gw := newFakeAPI(t)
	if err := gw.DeleteMessage(context.Background(), channel.MessageRef{Channel: "C1", TS: "100.000005"}); err != nil {
		t.Fatalf("DeleteMessage error: %v", err)
	}
	calls := api.callsTo("chat.delete")
	if len(calls) != 1 || calls[0]["ts"] != "100.000005" {
		t.Fatalf("chat.delete form = %+v", calls)
	}
}

func TestPreviewText(t *testing.T) {
	if got := previewText(" hello "); got != "hello" {
		t.Fatalf("previewText short = %q, want %q", got, "hello")
	}
	got := previewText(strings.Repeat("a", messagePreviewLimit+20))
	if len(got) != messagePreviewLimit+3 || !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q", got)
	}
}
