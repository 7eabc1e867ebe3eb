// Package mcpserver exposes the tool catalog over MCP and forwards each
// tool call to the gateway.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/trace"

	"clawbridge/internal/adapter/catalog"
	"clawbridge/internal/domain"
	"clawbridge/internal/infra/tracer"
)

// Default server identity reported during MCP initialization.
const (
	DefaultName    = "clawdbot-mcp-bridge"
	DefaultVersion = "1.0.0"
)

// Options configures the MCP server.
type Options struct {
	Name         string
	Version      string
	Instructions string
	Audit        domain.AuditLogger // nil disables auditing
}

// Server adapts a Caller to the MCP tool protocol.
type Server struct {
	mcp     *server.MCPServer
	catalog *catalog.Catalog
	caller  domain.Caller
	audit   domain.AuditLogger
	logger  *slog.Logger
}

// New registers every catalog entry as an MCP tool backed by caller.
func New(cat *catalog.Catalog, caller domain.Caller, opts Options, logger *slog.Logger) *Server {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}

	serverOpts := []server.ServerOption{
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	}
	if opts.Instructions != "" {
		serverOpts = append(serverOpts, server.WithInstructions(opts.Instructions))
	}

	s := &Server{
		mcp:     server.NewMCPServer(opts.Name, opts.Version, serverOpts...),
		catalog: cat,
		caller:  caller,
		audit:   opts.Audit,
		logger:  logger,
	}
	for _, e := range cat.Entries() {
		s.mcp.AddTool(e.Tool, s.handle)
	}
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio serves MCP over the given streams until ctx is cancelled or
// in reaches EOF.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.CallTool(ctx, req.Params.Name, req.GetArguments()), nil
}

// CallTool validates args, forwards the call and renders the outcome as a
// tool result. Failures come back as error results, never as Go errors.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) *mcp.CallToolResult {
	ctx, span := tracer.StartSpan(ctx, "mcp.call_tool",
		trace.WithAttributes(tracer.KeyTool.String(name)))
	defer span.End()

	start := time.Now()
	method, text, err := s.forward(ctx, name, args)
	elapsed := time.Since(start)

	if method != "" {
		span.SetAttributes(tracer.KeyMethod.String(method))
	}
	s.record(ctx, name, method, elapsed, err)
	tracer.Finish(span, err)

	if err != nil {
		s.logger.WarnContext(ctx, "tool call failed",
			"tool", name,
			"method", method,
			"code", domain.ErrorCodeOf(err),
			"error", err,
		)
		return mcp.NewToolResultError("Error: " + err.Error())
	}
	s.logger.DebugContext(ctx, "tool call", "tool", name, "method", method, "duration", elapsed)
	return mcp.NewToolResultText(text)
}

func (s *Server) forward(ctx context.Context, name string, args map[string]any) (string, string, error) {
	entry, err := s.catalog.Lookup(name)
	if err != nil {
		return "", "", err
	}
	if err := s.catalog.Validate(name, args); err != nil {
		return entry.Method, "", err
	}
	if args == nil {
		args = map[string]any{}
	}

	payload, err := s.caller.Request(ctx, entry.Method, args)
	if err != nil {
		return entry.Method, "", err
	}
	text, err := indent(payload)
	if err != nil {
		return entry.Method, "", err
	}
	return entry.Method, text, nil
}

// indent renders payload as JSON with two-space indentation. An empty
// payload renders as null.
func indent(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		return "null", nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return "", domain.WrapOp("render result", err)
	}
	return buf.String(), nil
}

func (s *Server) record(ctx context.Context, tool, method string, elapsed time.Duration, callErr error) {
	if s.audit == nil {
		return
	}
	event := domain.NewToolCallEvent(tool, method, elapsed, callErr)
	if err := s.audit.Log(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "audit write failed", "tool", tool, "error", err)
	}
}
