package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/toolrun/internal/domain"
	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/tools"
)

type fakeCatalog struct {
	tools  []domain.Tool
	params map[string]any
	actor  string
	result *sandbox.Result
	err    error
}

func (f *fakeCatalog) List(context.Context) ([]domain.Tool, error) { return f.tools, nil }

func (f *fakeCatalog) Run(ctx context.Context, _ uuid.UUID, params map[string]any) (*sandbox.Result, error) {
	f.params = params
	f.actor = tools.UserIDFromContext(ctx)
	return f.result, f.err
}

func newTestServer(t *testing.T, cat *fakeCatalog) *Server {
	t.Helper()
	s := NewServer(cat, "toolrun", "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	call(t, s, `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`)
	return s
}

// call sends one JSON-RPC message and returns the response re-encoded as a map.
func call(t *testing.T, s *Server, msg string) map[string]any {
	t.Helper()
	resp := s.MCPServer().HandleMessage(context.Background(), json.RawMessage(msg))
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func catalogTools() []domain.Tool {
	return []domain.Tool{
		{
			ID: uuid.New(), Name: "Weather", ToolName: "weather_lookup", Description: "Current weather", Enabled: true,
			Parameters: []domain.ToolParameter{{Name: "city", Type: domain.ParamString, Required: true}},
		},
		{ID: uuid.New(), Name: "Disabled", ToolName: "off_tool", Enabled: false},
	}
}

func TestServer_ListsEnabledTools(t *testing.T) {
	s := newTestServer(t, &fakeCatalog{tools: catalogTools()})

	resp := call(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	result, _ := resp["result"].(map[string]any)
	list, _ := result["tools"].([]any)
	if len(list) != 1 {
		t.Fatalf("tools = %v, want exactly the enabled tool", resp)
	}
	tool := list[0].(map[string]any)
	if tool["name"] != "weather_lookup" || tool["description"] != "Current weather" {
		t.Errorf("tool = %v", tool)
	}
	schema := tool["inputSchema"].(map[string]any)
	if req, _ := schema["required"].([]any); len(req) != 1 || req[0] != "city" {
		t.Errorf("schema = %v", schema)
	}
}

func TestServer_CallRunsTool(t *testing.T) {
	cat := &fakeCatalog{tools: catalogTools(), result: &sandbox.Result{Value: map[string]any{"temp": 21.5}}}
	s := newTestServer(t, cat)

	resp := call(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"weather_lookup","arguments":{"city":"Paris"}}}`)
	if cat.params["city"] != "Paris" || cat.actor != ActorID {
		t.Errorf("run params = %v actor = %q", cat.params, cat.actor)
	}
	text := firstText(t, resp)
	if text != `{"temp":21.5}` {
		t.Errorf("text = %q", text)
	}
}

func TestServer_CallReportsErrors(t *testing.T) {
	tests := []struct {
		name   string
		result *sandbox.Result
		err    error
		want   string
	}{
		{"timeout", &sandbox.Result{TimedOut: true, Error: sandbox.TimeoutMessage}, nil, sandbox.TimeoutMessage},
		{"run error", nil, errors.New("tool is disabled"), "tool is disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeCatalog{tools: catalogTools(), result: tt.result, err: tt.err})
			resp := call(t, s, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"weather_lookup","arguments":{"city":"x"}}}`)
			result := resp["result"].(map[string]any)
			if result["isError"] != true {
				t.Errorf("isError = %v", result["isError"])
			}
			if text := firstText(t, resp); !strings.Contains(text, tt.want) {
				t.Errorf("text = %q, want %q", text, tt.want)
			}
		})
	}
}

func TestServer_RefreshReplacesTools(t *testing.T) {
	cat := &fakeCatalog{tools: catalogTools()}
	s := newTestServer(t, cat)

	cat.tools = []domain.Tool{{ID: uuid.New(), Name: "New", ToolName: "new_tool", Enabled: true}}
	n, err := s.Refresh(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Refresh() = %d, %v", n, err)
	}
	resp := call(t, s, `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`)
	list := resp["result"].(map[string]any)["tools"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["name"] != "new_tool" {
		t.Errorf("tools after refresh = %v", list)
	}
}

func firstText(t *testing.T, resp map[string]any) string {
	t.Helper()
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("no result in %v", resp)
	}
	content, _ := result["content"].([]any)
	if len(content) == 0 {
		t.Fatalf("empty content in %v", result)
	}
	text, _ := content[0].(map[string]any)["text"].(string)
	return text
}
