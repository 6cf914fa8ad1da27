package toolsurface

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/InstruktAI/teleclaude/internal/model"
)

// NewMCPServer exposes the same eight spec.md §4.7 operations as MCP tools,
// so an AI agent already speaking MCP can drive sessions without the
// length-prefixed socket protocol. Every MCP-calling agent is treated as
// OriginAgentOfSession, with the caller's session id taken from the MCP
// request's session (see callerFromMCPRequest).
func NewMCPServer(s *Surface, name, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_computers",
		Description: "List known computers on the mesh and their liveness.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in struct{}) (*mcp.CallToolResult, []ComputerInfo, error) {
		out, err := s.ListComputers(ctx)
		return nil, out, err
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_projects",
		Description: "List known project paths on a computer.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in struct {
		Computer string `json:"computer"`
	}) (*mcp.CallToolResult, []ProjectInfo, error) {
		out, err := s.ListProjects(ctx, in.Computer)
		return nil, out, err
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List sessions, optionally filtered by computer, status, role, or agent.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in model.Filter) (*mcp.CallToolResult, []model.SessionSummary, error) {
		out, err := s.ListSessions(ctx, in)
		return nil, out, err
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_session",
		Description: "Start a new session on a computer, optionally as a delegated child of the calling session.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in StartSessionArgs) (*mcp.CallToolResult, struct {
		SessionID string `json:"session_id"`
	}, error) {
		caller := callerFromMCPRequest(req)
		if in.ParentSessionID == "" {
			in.ParentSessionID = caller.CallerSessionID
		}
		sessionID, err := s.StartSession(ctx, in, caller)
		return nil, struct {
			SessionID string `json:"session_id"`
		}{SessionID: sessionID}, err
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "send_message",
		Description: "Send input to a session and collect output for up to interest_window_seconds (default 15).",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in struct {
		SessionID             string `json:"session_id"`
		Message               string `json:"message"`
		InterestWindowSeconds int    `json:"interest_window_seconds,omitempty"`
	}) (*mcp.CallToolResult, []model.OutputChunk, error) {
		out, err := s.SendMessage(ctx, in.SessionID, in.Message, in.InterestWindowSeconds)
		return nil, out, err
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_session_status",
		Description: "Get a session's current status and any output chunks produced since since_sequence.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in struct {
		SessionID     string `json:"session_id"`
		SinceSequence int64  `json:"since_sequence,omitempty"`
	}) (*mcp.CallToolResult, SessionStatusResult, error) {
		out, err := s.GetSessionStatus(ctx, in.SessionID, in.SinceSequence)
		return nil, out, err
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "end_session",
		Description: "End a session. Callers may only end sessions they themselves started.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in struct {
		SessionID string `json:"session_id"`
	}) (*mcp.CallToolResult, struct{}, error) {
		err := s.EndSession(ctx, in.SessionID, callerFromMCPRequest(req))
		return nil, struct{}{}, err
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "observe_session",
		Description: "Observe a session's output from from_sequence without sending input; interest_window_seconds=0 waits indefinitely.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in struct {
		SessionID             string `json:"session_id"`
		FromSequence          int64  `json:"from_sequence,omitempty"`
		InterestWindowSeconds int    `json:"interest_window_seconds,omitempty"`
	}) (*mcp.CallToolResult, []model.OutputChunk, error) {
		out, err := s.ObserveSession(ctx, in.SessionID, in.FromSequence, in.InterestWindowSeconds)
		return nil, out, err
	})

	return server
}

// callerFromMCPRequest treats every MCP caller as an agent acting on
// behalf of whatever session its own tool invocation is scoped to, per
// SPEC_FULL.md §4.7's MCP-exposure note. The SDK surfaces the session
// association through the request's session rather than a bespoke
// header, so an MCP-originated call always carries OriginAgentOfSession.
func callerFromMCPRequest(req *mcp.CallToolRequest) Caller {
	callerSessionID := ""
	if req != nil && req.Session != nil {
		callerSessionID = req.Session.ID()
	}
	return Caller{Origin: OriginAgentOfSession, CallerSessionID: callerSessionID}
}
