package fantasy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	core "charm.land/fantasy"

	providertypes "threadloom/pkg/provider/types"
	fstools "threadloom/pkg/tools/fs"
	"threadloom/pkg/workspace"
)

type readFileInput struct {
	Path string `json:"path" description:"File path relative to the repository root."`
}

type listDirInput struct {
	Path string `json:"path,omitempty" description:"Directory path relative to the repository root. Defaults to '.' when omitted."`
}

type searchTextInput struct {
	Query string `json:"query" description:"Exact text to look for (case-sensitive)."`
	Path  string `json:"path,omitempty" description:"Directory to search, relative to the repository root. Defaults to '.'."`
}

// BuildRepositoryTools constructs the read-only repository tools given to code-aware
// responders.
func BuildRepositoryTools(service *fstools.Service, guard *workspace.Guard) []core.AgentTool {
	if service == nil || guard == nil {
		return nil
	}

	return []core.AgentTool{
		core.NewAgentTool("read_file", "Read a UTF-8 text file from the repository.", func(ctx context.Context, input readFileInput, _ core.ToolCall) (core.ToolResponse, error) {
			return runTool(ctx, "read_file", input.Path, input, func() (string, string, error) {
				result, err := service.ReadFile(ctx, input.Path)
				if err != nil {
					return "", "", err
				}
				summary := fmt.Sprintf("ok: read %d bytes from %s", result.Bytes, safeRelPath(guard, result.Path))
				return summary, summary + "\n" + result.Content, nil
			})
		}),
		core.NewAgentTool("list_dir", "List directory entries in the repository.", func(ctx context.Context, input listDirInput, _ core.ToolCall) (core.ToolResponse, error) {
			return runTool(ctx, "list_dir", input.Path, input, func() (string, string, error) {
				result, err := service.ListDir(ctx, input.Path)
				if err != nil {
					return "", "", err
				}

				summary := fmt.Sprintf("ok: listed %d entries in %s", len(result.Entries), safeRelPath(guard, result.Path))
				if result.Truncated {
					summary = fmt.Sprintf("%s (truncated from %d)", summary, result.Total)
				}
				var b strings.Builder
				b.WriteString(summary)
				for _, entry := range result.Entries {
					fmt.Fprintf(&b, "\n- %s\t%s\t%d", entry.Name, entry.Type, entry.Size)
				}
				return summary, b.String(), nil
			})
		}),
		core.NewAgentTool("search_text", "Search repository files for lines containing exact text.", func(ctx context.Context, input searchTextInput, _ core.ToolCall) (core.ToolResponse, error) {
			return runTool(ctx, "search_text", input.Path, input, func() (string, string, error) {
				result, err := service.SearchText(ctx, input.Path, input.Query)
				if err != nil {
					return "", "", err
				}

				summary := fmt.Sprintf("ok: %d match(es) in %d file(s) scanned", len(result.Matches), result.Scanned)
				if result.Truncated {
					summary += " (truncated)"
				}
				var b strings.Builder
				b.WriteString(summary)
				for _, match := range result.Matches {
					fmt.Fprintf(&b, "\n%s:%d: %s", match.Path, match.Line, match.Text)
				}
				return summary, b.String(), nil
			})
		}),
	}
}

// runTool wraps one tool execution with logging and tool events. op returns a short
// summary for events and the full text for the model.
func runTool(ctx context.Context, name string, target string, input any, op func() (string, string, error)) (core.ToolResponse, error) {
	start := time.Now()
	providertypes.EmitToolEvent(ctx, providertypes.ToolEvent{Kind: providertypes.ToolCall, Tool: name, Payload: toolEventPayload(input)})

	summary, text, err := op()
	elapsed := time.Since(start)
	if err != nil {
		logToolResult(name, target, false, elapsed, workspace.CategoryFromError(err))
		providertypes.EmitToolEvent(ctx, providertypes.ToolEvent{Kind: providertypes.ToolResult, Tool: name, Payload: err.Error(), DurationMs: elapsed.Milliseconds()})
		return toolErrorResponse(err), nil
	}

	logToolResult(name, target, true, elapsed, "")
	providertypes.EmitToolEvent(ctx, providertypes.ToolEvent{Kind: providertypes.ToolResult, Tool: name, Payload: summary, DurationMs: elapsed.Milliseconds()})
	return core.NewTextResponse(text), nil
}

func toolErrorResponse(err error) core.ToolResponse {
	if err == nil {
		return core.NewTextErrorResponse(workspace.ErrorIO + ": unknown error")
	}

	category := workspace.CategoryFromError(err)
	if category == "" {
		category = workspace.ErrorIO
	}

	message := err.Error()
	if !strings.Contains(message, category+":") && !strings.HasPrefix(message, category) {
		message = category + ": " + message
	}

	return core.NewTextErrorResponse(message)
}

func safeRelPath(guard *workspace.Guard, path string) string {
	if guard == nil {
		return filepath.Clean(path)
	}

	return guard.RelPath(path)
}

func logToolResult(toolName string, targetPath string, success bool, duration time.Duration, errorCategory string) {
	attrs := []any{
		"component", "tools.fantasy",
		"tool", toolName,
		"path", filepath.Clean(strings.TrimSpace(targetPath)),
		"success", success,
		"duration_ms", duration.Milliseconds(),
	}
	if errorCategory != "" {
		attrs = append(attrs, "error_category", errorCategory)
	}

	slog.Default().Debug("Repository tool execution", attrs...)
}

func toolEventPayload(input any) string {
	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}

	return string(payload)
}
