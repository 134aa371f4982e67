// Package mcpserver exposes persisted sessions, chunks and transcripts as
// MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-ingest/internal/chunker"
	"github.com/loqalabs/loqa-ingest/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Queries is the read side of the store.
type Queries interface {
	GetSession(ctx context.Context, id string) (store.Session, error)
	ListChunks(ctx context.Context, sessionID string) ([]chunker.Chunk, error)
	GetTranscript(ctx context.Context, sessionID string) (store.Transcript, error)
}

// New registers the query tools on a fresh MCP server.
func New(q Queries, version string, logger *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer("loqa-ingest", version, server.WithToolCapabilities(false))
	h := &handlers{q: q, logger: logger.With(slog.String("component", "mcp"))}

	sessionArg := mcp.WithString("session_id", mcp.Required(), mcp.Description("Session identifier"))

	s.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Get a session's status, language, tier and received bytes"),
		sessionArg,
	), h.getSession)

	s.AddTool(mcp.NewTool("list_chunks",
		mcp.WithDescription("List a session's chunks in sequence order"),
		sessionArg,
	), h.listChunks)

	s.AddTool(mcp.NewTool("get_transcript",
		mcp.WithDescription("Get the full transcript of a closed session"),
		sessionArg,
	), h.getTranscript)

	return s
}

// ServeStdio serves the tools over stdin/stdout until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

type handlers struct {
	q      Queries
	logger *slog.Logger
}

func (h *handlers) getSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := h.q.GetSession(ctx, id)
	return h.result("get_session", id, sess, err)
}

func (h *handlers) listChunks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	chunks, err := h.q.ListChunks(ctx, id)
	if err == nil && chunks == nil {
		chunks = []chunker.Chunk{}
	}
	return h.result("list_chunks", id, chunks, err)
}

func (h *handlers) getTranscript(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tr, err := h.q.GetTranscript(ctx, id)
	return h.result("get_transcript", id, tr, err)
}

func (h *handlers) result(tool, sessionID string, v any, err error) (*mcp.CallToolResult, error) {
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("session %s not found", sessionID)), nil
	}
	if err != nil {
		h.logger.Error("tool failed", slog.String("tool", tool), slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", tool, err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
