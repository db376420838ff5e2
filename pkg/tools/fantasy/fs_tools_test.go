package fantasy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	core "charm.land/fantasy"

	providertypes "threadloom/pkg/provider/types"
	fstools "threadloom/pkg/tools/fs"
	"threadloom/pkg/workspace"
)

func TestBuildRepositoryToolsRegistersExpectedNames(t *testing.T) {
	tools, _ := mustTools(t)
	if len(tools) != 3 {
		t.Fatalf("tool count = %d, want 3", len(tools))
	}

	want := []string{"read_file", "list_dir", "search_text"}
	for i := range want {
		if tools[i].Info().Name != want[i] {
			t.Fatalf("tool[%d] name = %q, want %q", i, tools[i].Info().Name, want[i])
		}
		if tools[i].Info().Parallel {
			t.Fatalf("tool %q unexpectedly marked parallel", tools[i].Info().Name)
		}
	}
}

func TestSearchToolSchemaRequiresQuery(t *testing.T) {
	tools, _ := mustTools(t)
	required := mustTool(t, tools, "search_text").Info().Required

	hasQuery := false
	for _, field := range required {
		if field == "query" {
			hasQuery = true
		}
	}
	if !hasQuery {
		t.Fatalf("required fields = %v, expected query", required)
	}
}

func TestRecoverableToolErrorsUseTextErrorResponse(t *testing.T) {
	tools, _ := mustTools(t)
	readTool := mustTool(t, tools, "read_file")

	input, _ := json.Marshal(readFileInput{Path: "missing.txt"})
	response, runErr := readTool.Run(context.Background(), core.ToolCall{Input: string(input)})
	if runErr != nil {
		t.Fatalf("tool run should not fail fatally: %v", runErr)
	}
	if !response.IsError {
		t.Fatal("expected IsError=true for recoverable failure")
	}
	if !strings.Contains(response.Content, workspace.ErrorPathNotFound) {
		t.Fatalf("response content = %q, missing category", response.Content)
	}
}

func TestReadAndSearchToolResponses(t *testing.T) {
	tools, guard := mustTools(t)
	if err := os.WriteFile(filepath.Join(guard.Root(), "demo.txt"), []byte("hello\nrouter here\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	var events []providertypes.ToolEvent
	ctx := providertypes.WithToolEventHandler(context.Background(), func(event providertypes.ToolEvent) {
		events = append(events, event)
	})

	readInput, _ := json.Marshal(readFileInput{Path: "demo.txt"})
	readResponse, err := mustTool(t, tools, "read_file").Run(ctx, core.ToolCall{Input: string(readInput)})
	if err != nil {
		t.Fatalf("read tool error: %v", err)
	}
	if readResponse.IsError || !strings.Contains(readResponse.Content, "hello") {
		t.Fatalf("read response = %q, expected content", readResponse.Content)
	}

	searchInput, _ := json.Marshal(searchTextInput{Query: "router"})
	searchResponse, err := mustTool(t, tools, "search_text").Run(ctx, core.ToolCall{Input: string(searchInput)})
	if err != nil {
		t.Fatalf("search tool error: %v", err)
	}
	if !strings.Contains(searchResponse.Content, "demo.txt:2: router here") {
		t.Fatalf("search response = %q, expected match line", searchResponse.Content)
	}

	if len(events) != 4 {
		t.Fatalf("tool events = %d, want call+result per tool", len(events))
	}
	if events[0].Kind != "call" || events[1].Kind != "result" {
		t.Fatalf("event kinds = %q, %q", events[0].Kind, events[1].Kind)
	}
}

func TestBuildRepositoryToolsNilInputs(t *testing.T) {
	if tools := BuildRepositoryTools(nil, nil); tools != nil {
		t.Fatalf("tools = %d, want nil", len(tools))
	}
}

func mustTools(t *testing.T) ([]core.AgentTool, *workspace.Guard) {
	t.Helper()

	guard, err := workspace.NewGuard(t.TempDir())
	if err != nil {
		t.Fatalf("NewGuard error: %v", err)
	}

	return BuildRepositoryTools(fstools.NewService(guard), guard), guard
}

func mustTool(t *testing.T, tools []core.AgentTool, name string) core.AgentTool {
	t.Helper()

	for _, tool := range tools {
		if tool.Info().Name == name {
			return tool
		}
	}

	t.Fatalf("tool %q not found", name)
	return nil
}
