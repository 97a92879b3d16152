// Package mcp exposes the session tools over the Model Context
// Protocol so coding agents can drive terminals programmatically.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/notch-ai/autosteer/internal/session"
	"github.com/notch-ai/autosteer/internal/term"
)

type Config struct {
	Registry *session.Registry
	Pool     *term.Pool
	Logger   *slog.Logger
	Version  string
}

type Server struct {
	registry *session.Registry
	pool     *term.Pool
	logger   *slog.Logger
	mcp      *server.MCPServer
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		registry: cfg.Registry,
		pool:     cfg.Pool,
		logger:   logger,
	}

	m := server.NewMCPServer("autosteer", cfg.Version,
		server.WithToolCapabilities(false),
	)
	s.registerTools(m)
	s.mcp = m
	return s
}

// ServeStdio blocks serving MCP requests on stdin/stdout.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server started")
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools(m *server.MCPServer) {
	m.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Create a new terminal session and start its process"),
		mcp.WithString("name", mcp.Description("Display name for the session")),
		mcp.WithString("command", mcp.Description("Command to run; defaults to the login shell")),
		mcp.WithString("workingDir", mcp.Description("Working directory; defaults to the home directory")),
	), s.handleCreateSession)

	m.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List all terminal sessions"),
	), s.handleListSessions)

	m.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Get one session's record and attach state"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Session ID")),
	), s.handleGetSession)

	m.AddTool(mcp.NewTool("destroy_session",
		mcp.WithDescription("Destroy a session, its terminal and its saved buffer"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Session ID")),
	), s.handleDestroySession)

	m.AddTool(mcp.NewTool("write_session",
		mcp.WithDescription("Send input to a session's terminal"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("data", mcp.Required(), mcp.Description("Text to send; include a trailing newline to run a command")),
	), s.handleWriteSession)

	m.AddTool(mcp.NewTool("resize_session",
		mcp.WithDescription("Resize a session's terminal"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithNumber("cols", mcp.Required(), mcp.Description("Column count, 1 to 1000")),
		mcp.WithNumber("rows", mcp.Required(), mcp.Description("Row count, 1 to 1000")),
	), s.handleResizeSession)

	m.AddTool(mcp.NewTool("read_buffer",
		mcp.WithDescription("Read a session's terminal scrollback"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithNumber("lines", mcp.Description("Return only the last N lines; everything when omitted")),
	), s.handleReadBuffer)
}

func (s *Server) handleCreateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	desc := session.Descriptor{
		Name:       req.GetString("name", ""),
		Command:    req.GetString("command", ""),
		WorkingDir: req.GetString("workingDir", ""),
	}

	rec, err := s.registry.Create(desc)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, _, err := s.pool.CreateOrAttach(rec.ID, nil); err != nil {
		_ = s.registry.Destroy(rec.ID)
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Info("mcp session created", "id", rec.ID)
	return jsonResult(rec)
}

func (s *Server) handleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"sessions": s.registry.All()})
}

func (s *Server) handleGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, ok := s.registry.Get(id)
	if !ok {
		return mcp.NewToolResultError("session not found: " + id), nil
	}

	state := "none"
	if a, found := s.pool.Get(id); found {
		state = a.State().String()
	}
	return jsonResult(map[string]any{"session": rec, "attachState": state})
}

func (s *Server) handleDestroySession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.pool.Destroy(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.logger.Info("mcp session destroyed", "id", id)
	return mcp.NewToolResultText("destroyed " + id), nil
}

func (s *Server) handleWriteSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := req.RequireString("data")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.pool.Write(id, []byte(data)); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("ok"), nil
}

func (s *Server) handleResizeSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cols, err := req.RequireInt("cols")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rows, err := req.RequireInt("rows")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if cols < 1 || cols > 1000 || rows < 1 || rows > 1000 {
		return mcp.NewToolResultError("cols and rows must be between 1 and 1000"), nil
	}

	if err := s.pool.Resize(id, uint16(cols), uint16(rows)); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("ok"), nil
}

func (s *Server) handleReadBuffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// prefer the live terminal, fall back to the saved snapshot
	st, err := s.pool.Capture(id)
	if err != nil {
		st, err = s.registry.RestoreState(id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	if n := req.GetInt("lines", 0); n > 0 && n < len(st.Scrollback) {
		return mcp.NewToolResultText(strings.Join(st.Scrollback[len(st.Scrollback)-n:], "\n")), nil
	}
	return mcp.NewToolResultText(st.Content), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
