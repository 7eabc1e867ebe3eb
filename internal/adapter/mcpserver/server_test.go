package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawbridge/internal/adapter/catalog"
	"clawbridge/internal/domain"
)

type call struct {
	method string
	params any
}

// fakeCaller records every forwarded request and answers from respond.
type fakeCaller struct {
	mu      sync.Mutex
	calls   []call
	respond func(method string, params any) (json.RawMessage, error)
}

func (f *fakeCaller) Request(_ context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{method, params})
	f.mu.Unlock()
	if f.respond == nil {
		return json.RawMessage(`{}`), nil
	}
	return f.respond(method, params)
}

func (f *fakeCaller) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type memAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	err    error
}

func (m *memAudit) Log(_ context.Context, e domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memAudit) Close() error { return nil }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(caller domain.Caller, opts Options) *Server {
	return New(catalog.Default(), caller, opts, testLogger())
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	default:
		t.Fatalf("unexpected content type %T", res.Content[0])
		return ""
	}
}

func TestCallTool_SuccessRendersIndentedJSON(t *testing.T) {
	caller := &fakeCaller{respond: func(string, any) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true,"nodes":[1,2]}`), nil
	}}
	s := newTestServer(caller, Options{})

	res := s.CallTool(context.Background(), "clawdbot_status", nil)
	assert.False(t, res.IsError)
	assert.Equal(t, "{\n  \"ok\": true,\n  \"nodes\": [\n    1,\n    2\n  ]\n}", resultText(t, res))

	calls := caller.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "status", calls[0].method)
	assert.Equal(t, map[string]any{}, calls[0].params, "nil arguments are sent as an empty object")
}

func TestCallTool_ForwardsArguments(t *testing.T) {
	caller := &fakeCaller{}
	s := newTestServer(caller, Options{})

	args := map[string]any{"channel": "telegram", "to": "42", "text": "hello"}
	res := s.CallTool(context.Background(), "clawdbot_chat_send", args)
	require.False(t, res.IsError, resultText(t, res))

	calls := caller.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "chat.send", calls[0].method)
	assert.Equal(t, args, calls[0].params)
}

func TestCallTool_ScalarAndNullPayloads(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`"pong"`, `"pong"`},
		{`42`, `42`},
		{`null`, `null`},
		{``, `null`},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			caller := &fakeCaller{respond: func(string, any) (json.RawMessage, error) {
				return json.RawMessage(tt.payload), nil
			}}
			res := newTestServer(caller, Options{}).CallTool(context.Background(), "clawdbot_health", nil)
			assert.False(t, res.IsError)
			assert.Equal(t, tt.want, resultText(t, res))
		})
	}
}

func TestCallTool_RemoteError(t *testing.T) {
	caller := &fakeCaller{respond: func(method string, _ any) (json.RawMessage, error) {
		return nil, domain.NewRemoteError(method, &domain.FrameError{Code: "NOT_FOUND", Message: "no such skill"})
	}}
	s := newTestServer(caller, Options{})

	res := s.CallTool(context.Background(), "clawdbot_skills_install", map[string]any{"name": "weather"})
	assert.True(t, res.IsError)
	assert.Equal(t, "Error: no such skill (NOT_FOUND)", resultText(t, res))
}

func TestCallTool_TransportError(t *testing.T) {
	caller := &fakeCaller{respond: func(string, any) (json.RawMessage, error) {
		return nil, fmt.Errorf("%w: status", domain.ErrRequestTimeout)
	}}
	res := newTestServer(caller, Options{}).CallTool(context.Background(), "clawdbot_status", nil)
	assert.True(t, res.IsError)
	assert.Equal(t, "Error: request timed out: status", resultText(t, res))
}

func TestCallTool_InvalidArgumentsNeverForwarded(t *testing.T) {
	caller := &fakeCaller{}
	s := newTestServer(caller, Options{})

	res := s.CallTool(context.Background(), "clawdbot_agent", map[string]any{"model": "x"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "Error: invalid tool arguments")
	assert.Empty(t, caller.recorded())
}

func TestCallTool_UnknownToolNeverForwarded(t *testing.T) {
	caller := &fakeCaller{}
	s := newTestServer(caller, Options{})

	res := s.CallTool(context.Background(), "clawdbot_missing", nil)
	assert.True(t, res.IsError)
	assert.Equal(t, "Error: unknown tool: clawdbot_missing", resultText(t, res))
	assert.Empty(t, caller.recorded())
}

func TestCallTool_MalformedPayload(t *testing.T) {
	caller := &fakeCaller{respond: func(string, any) (json.RawMessage, error) {
		return json.RawMessage(`{broken`), nil
	}}
	res := newTestServer(caller, Options{}).CallTool(context.Background(), "clawdbot_status", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "Error: render result")
}

func TestCallTool_Audit(t *testing.T) {
	audit := &memAudit{}
	caller := &fakeCaller{respond: func(method string, _ any) (json.RawMessage, error) {
		if method == "cron.remove" {
			return nil, domain.NewRemoteError(method, &domain.FrameError{Code: "NOT_FOUND", Message: "missing"})
		}
		return json.RawMessage(`[]`), nil
	}}
	s := newTestServer(caller, Options{Audit: audit})

	s.CallTool(context.Background(), "clawdbot_cron_list", nil)
	s.CallTool(context.Background(), "clawdbot_cron_remove", map[string]any{"name": "daily"})

	require.Len(t, audit.events, 2)
	ok, failed := audit.events[0], audit.events[1]

	assert.Equal(t, domain.AuditToolCall, ok.Type)
	assert.Equal(t, domain.OutcomeSuccess, ok.Outcome)
	assert.Equal(t, "clawdbot_cron_list", ok.Tool)
	assert.Equal(t, "cron.list", ok.Method)
	assert.GreaterOrEqual(t, ok.DurationMS, int64(0))
	assert.Empty(t, ok.ErrorCode)

	assert.Equal(t, domain.OutcomeFailure, failed.Outcome)
	assert.Equal(t, domain.CodeRemote, failed.ErrorCode)
	assert.Equal(t, "missing (NOT_FOUND)", failed.Error)
}

func TestCallTool_AuditFailureDoesNotFailCall(t *testing.T) {
	audit := &memAudit{err: errors.New("disk full")}
	s := newTestServer(&fakeCaller{}, Options{Audit: audit})

	res := s.CallTool(context.Background(), "clawdbot_health", nil)
	assert.False(t, res.IsError)
	assert.Len(t, audit.events, 1)
}

func startInProcess(t *testing.T, s *Server) *client.Client {
	t.Helper()
	ctx := context.Background()

	c, err := client.NewInProcessClient(s.MCP())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Start(ctx))

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test-client", Version: "0.0.1"}
	res, err := c.Initialize(ctx, initReq)
	require.NoError(t, err)
	assert.Equal(t, DefaultName, res.ServerInfo.Name)
	assert.Equal(t, DefaultVersion, res.ServerInfo.Version)
	return c
}

func TestMCP_ListTools(t *testing.T) {
	c := startInProcess(t, newTestServer(&fakeCaller{}, Options{}))

	res, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)
	require.Len(t, res.Tools, 18)

	byName := make(map[string]mcp.Tool, len(res.Tools))
	for _, tool := range res.Tools {
		byName[tool.Name] = tool
	}
	agent, ok := byName["clawdbot_agent"]
	require.True(t, ok)
	assert.Equal(t, []string{"message"}, agent.InputSchema.Required)
	assert.Contains(t, agent.InputSchema.Properties, "sessionId")
}

func TestMCP_CallTool(t *testing.T) {
	caller := &fakeCaller{respond: func(method string, params any) (json.RawMessage, error) {
		return json.Marshal(map[string]any{"method": method, "params": params})
	}}
	c := startInProcess(t, newTestServer(caller, Options{}))

	req := mcp.CallToolRequest{}
	req.Params.Name = "clawdbot_memory_search"
	req.Params.Arguments = map[string]any{"query": "trip", "limit": 3}

	res, err := c.CallTool(context.Background(), req)
	require.NoError(t, err)
	require.False(t, res.IsError)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &got))
	assert.Equal(t, "memory.search", got["method"])
	assert.Equal(t, map[string]any{"query": "trip", "limit": float64(3)}, got["params"])
}

func TestMCP_CallToolErrorIsResultNotProtocolError(t *testing.T) {
	caller := &fakeCaller{respond: func(string, any) (json.RawMessage, error) {
		return nil, domain.ErrConnectionClosed
	}}
	c := startInProcess(t, newTestServer(caller, Options{}))

	req := mcp.CallToolRequest{}
	req.Params.Name = "clawdbot_health"
	res, err := c.CallTool(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "Error: connection closed", resultText(t, res))
}

func TestServeStdio(t *testing.T) {
	s := newTestServer(&fakeCaller{}, Options{Name: "bridge-test", Version: "9.9.9"})

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.ServeStdio(ctx, inR, outW)
		outW.Close()
	}()

	responses := bufio.NewReader(outR)
	send := func(msg string) map[string]any {
		t.Helper()
		_, err := io.WriteString(inW, msg+"\n")
		require.NoError(t, err)
		line, err := responses.ReadBytes('\n')
		require.NoError(t, err)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(line, &resp))
		return resp
	}

	resp := send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`)
	result, ok := resp["result"].(map[string]any)
	require.True(t, ok, "initialize response: %v", resp)
	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, "bridge-test", info["name"])
	assert.Equal(t, "9.9.9", info["version"])

	resp = send(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	result, ok = resp["result"].(map[string]any)
	require.True(t, ok, "tools/list response: %v", resp)
	assert.Len(t, result["tools"], 18)

	cancel()
	inW.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeStdio did not return")
	}
}
