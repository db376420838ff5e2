package responder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadloom/pkg/channel"
	providertypes "threadloom/pkg/provider/types"
)

type fakeClient struct {
	text string
	err  error
	last providertypes.Request
}

func (f *fakeClient) Health(context.Context) error { return nil }

func (f *fakeClient) Complete(ctx context.Context, req providertypes.Request) (providertypes.PromptResult, error) {
	f.last = req
	providertypes.EmitToolEvent(ctx, providertypes.ToolEvent{Kind: "call", Tool: "read_file"})
	if f.err != nil {
		return providertypes.PromptResult{}, f.err
	}
	return providertypes.PromptResult{Text: f.text}, nil
}

func TestEmbeddedCatalogLoads(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)

	for _, kind := range []string{"web_research", "github", "slack"} {
		assert.Contains(t, catalog.Kinds, kind)
	}
	for _, role := range []string{"default", "implementer", "reviewer", "fixer", "verifier", "analyzer", "documenter"} {
		assert.Contains(t, catalog.Kinds["github"].Roles, role)
	}
	assert.True(t, catalog.Kinds["slack"].Direct)
	assert.Equal(t, "repository", catalog.Kinds["github"].Tools)
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `
kinds:
  echo:
    description: Echo.
    direct: true
    roles:
      default:
        description: Echo back.
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, catalog.Kinds, 1)
}

func TestParseCatalogRejectsInvalidKinds(t *testing.T) {
	_, err := ParseCatalog([]byte(`
kinds:
  broken:
    backend: carrier-pigeon
    tools: shell
    roles: {}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defines no roles")
	assert.Contains(t, err.Error(), "unsupported backend")
	assert.Contains(t, err.Error(), "unknown tool set")

	_, err = ParseCatalog([]byte("kinds: {}"))
	require.Error(t, err)
}

func TestInstructionsForJoinsBaseAndRole(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)

	got := catalog.Kinds["github"].InstructionsFor("reviewer")
	assert.Contains(t, got, "read-only access")
	assert.Contains(t, got, "REVIEWER")
	assert.NotContains(t, got, "IMPLEMENTER")
}

func TestGuideListsKindsAndRoles(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)

	guide := catalog.Guide()
	assert.Contains(t, guide, `kind "github"`)
	assert.Contains(t, guide, `role "fixer"`)
	assert.Less(t, strings.Index(guide, `kind "github"`), strings.Index(guide, `kind "slack"`))
}

func TestResolveUnknownKind(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)
	registry := NewRegistry(catalog, nil)

	_, err = registry.Resolve("jira", "triage")
	require.ErrorIs(t, err, ErrUnknownKind)
	assert.Equal(t, "responder jira/triage not found in registry", err.Error())

	var unknown *UnknownKindError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "jira", unknown.Kind)
}

func TestResolveCachesAndFallsBackToDefaultRole(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)

	var builds atomic.Int32
	var roles []string
	registry := NewRegistry(catalog, func(kind string, spec KindSpec, role string) (Responder, error) {
		builds.Add(1)
		roles = append(roles, role)
		return ResponderFunc(func(context.Context, Request) (Result, error) {
			return Result{Content: channel.TextContent(kind + ":" + role)}, nil
		}), nil
	})

	first, err := registry.Resolve("github", "reviewer")
	require.NoError(t, err)
	second, err := registry.Resolve("github", "reviewer")
	require.NoError(t, err)
	assert.Equal(t, int32(1), builds.Load())

	out1, _ := first.Respond(context.Background(), Request{})
	out2, _ := second.Respond(context.Background(), Request{})
	assert.Equal(t, out1, out2)

	res, err := registry.Invoke(context.Background(), "github", "astrologer", Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "github:default", res.Content.Text)
	assert.Equal(t, []string{"reviewer", "default"}, roles)
}

func TestResolveSlackIsDirect(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)
	registry := NewRegistry(catalog, func(string, KindSpec, string) (Responder, error) {
		t.Fatal("factory must not run for direct kinds")
		return nil, nil
	})

	responder, err := registry.Resolve("slack", "")
	require.NoError(t, err)
	assert.Equal(t, Direct, responder)

	res, err := registry.Invoke(context.Background(), "slack", "default", Request{Query: "posting this as is"})
	require.NoError(t, err)
	assert.Equal(t, "posting this as is", res.Content.Text)

	_, err = registry.Invoke(context.Background(), "slack", "default", Request{Query: "  "})
	require.ErrorIs(t, err, ErrEmptyContent)
}

func TestInvokeRejectsEmptyContent(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)
	registry := NewRegistry(catalog, func(string, KindSpec, string) (Responder, error) {
		return ResponderFunc(func(context.Context, Request) (Result, error) {
			return Result{Content: channel.TextContent("\n")}, nil
		}), nil
	})

	_, err = registry.Invoke(context.Background(), "web_research", "", Request{Query: "q"})
	require.ErrorIs(t, err, ErrEmptyContent)
}

func TestInvokePropagatesBuildError(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)
	boom := errors.New("no api key")
	registry := NewRegistry(catalog, func(string, KindSpec, string) (Responder, error) {
		return nil, boom
	})

	_, err = registry.Invoke(context.Background(), "web_research", "default", Request{Query: "q"})
	require.ErrorIs(t, err, boom)
}

func TestLLMResponderSendsInstructionsAndPrompt(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)

	client := &fakeClient{text: "  looks fine  "}
	responder := NewLLMResponder(client, "github", catalog.Kinds["github"], "verifier")

	res, err := responder.Respond(context.Background(), Request{
		Query:         "verify the retry change",
		ExtraInfo:     "PR 42",
		ThreadContext: "U1: please check",
		Deps:          map[string]string{"repository": "acme/api"},
	})
	require.NoError(t, err)
	assert.Equal(t, "looks fine", res.Content.Text)
	assert.Contains(t, client.last.System, "VERIFIER")
	assert.Equal(t, "openai/gpt-5-mini", client.last.Model)
	assert.Contains(t, client.last.Prompt, "verify the retry change")
	assert.Contains(t, client.last.Prompt, "- repository: acme/api")
	assert.Contains(t, client.last.Prompt, "U1: please check")
}

func TestLLMResponderAddsKindDeps(t *testing.T) {
	client := &fakeClient{text: "ok"}
	spec := KindSpec{Deps: map[string]string{"repository": "/srv/checkout", "branch": "main"}}
	responder := NewLLMResponder(client, "github", spec, DefaultRole)

	_, err := responder.Respond(context.Background(), Request{
		Query: "what changed?",
		Deps:  map[string]string{"branch": "release"},
	})
	require.NoError(t, err)
	assert.Contains(t, client.last.Prompt, "- repository: /srv/checkout")
	assert.Contains(t, client.last.Prompt, "- branch: release")
	assert.NotContains(t, client.last.Prompt, "- branch: main")
	assert.Equal(t, "main", spec.Deps["branch"])
}

func TestLLMResponderReturnsBlocks(t *testing.T) {
	tests := []struct {
		name string
		text string
		want channel.Content
	}{
		{name: "markdown", text: " *done* ", want: channel.TextContent("*done*")},
		{name: "link", text: "[docs](https://example.com)", want: channel.TextContent("[docs](https://example.com)")},
		{name: "empty array", text: "[]", want: channel.TextContent("[]")},
		{
			name: "blocks",
			text: `[{"type":"section","text":{"type":"mrkdwn","text":"Taco X"}}]`,
			want: channel.Content{Blocks: []map[string]any{{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": "Taco X"},
			}}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			responder := NewLLMResponder(&fakeClient{text: tc.text}, "web_research", KindSpec{}, DefaultRole)
			res, err := responder.Respond(context.Background(), Request{Query: "q"})
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Content)
		})
	}
}

func TestInvokePassesBlocksThrough(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)
	blocks := []map[string]any{{"type": "divider"}}
	registry := NewRegistry(catalog, func(string, KindSpec, string) (Responder, error) {
		return ResponderFunc(func(context.Context, Request) (Result, error) {
			return Result{Content: channel.Content{Blocks: blocks}}, nil
		}), nil
	})

	res, err := registry.Invoke(context.Background(), "web_research", "", Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, blocks, res.Content.Blocks)
	assert.Empty(t, res.Content.Text)
}

func TestLLMResponderRequiresQuery(t *testing.T) {
	responder := NewLLMResponder(&fakeClient{}, "web_research", KindSpec{}, DefaultRole)
	_, err := responder.Respond(context.Background(), Request{})
	require.Error(t, err)
}

func TestBuildPromptOrder(t *testing.T) {
	got := BuildPrompt(Request{
		Query:         "q",
		ExtraInfo:     "extra",
		ThreadContext: "thread",
		Deps:          map[string]string{"b": "2", "a": "1"},
	})
	want := "q\n\nAdditional information:\nextra\n\nContext:\n- a: 1\n- b: 2\n\n\nConversation so far:\nthread"
	assert.Equal(t, want, got)

	assert.Equal(t, "only", BuildPrompt(Request{Query: " only "}))
}
