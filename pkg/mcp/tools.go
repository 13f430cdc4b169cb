package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/procflow/internal/diagram"
	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// handleStart launches a token.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("ref")
	if err != nil {
		return mcp.NewToolResultError("ref is required"), nil
	}
	params := mcp.ParseStringMap(req, "params", nil)
	clientID := req.GetString("client_id", "")

	tc, err := s.launcher.Launch(ctx, ref, params, engine.LaunchOptions{
		Priority:  req.GetInt("priority", 0),
		QueueType: "mcp",
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}

	if clientID != "" {
		s.captureSession(ctx, clientID)
		s.sessions.Own(tc.ID, clientID)
	}
	s.logger.Info("token started", "token_id", tc.ID, "ref", ref, "client_id", clientID)
	return marshalResult(tc)
}

// handleStatus returns a token with its enabled workflow tasks.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tokenID, err := req.RequireString("token_id")
	if err != nil {
		return mcp.NewToolResultError("token_id is required"), nil
	}

	tc, err := s.launcher.Token(ctx, tokenID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	tasks, err := s.launcher.Tasks(ctx, store.TaskCriteria{TokenID: tokenID, Status: schema.TaskStatusEnabled})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task query failed: %v", err)), nil
	}
	if tasks == nil {
		tasks = []*store.WorkflowTask{}
	}
	return marshalResult(map[string]any{"token": tc, "tasks": tasks})
}

func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tokenID, err := req.RequireString("token_id")
	if err != nil {
		return mcp.NewToolResultError("token_id is required"), nil
	}
	tc, err := s.launcher.Resume(ctx, tokenID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", err)), nil
	}
	return marshalResult(tc)
}

func (s *Server) handleTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.launcher.Tasks(ctx, store.TaskCriteria{
		TokenID: req.GetString("token_id", ""),
		Status:  schema.WorkflowTaskStatus(req.GetString("status", "")),
		RoleID:  req.GetString("role", ""),
		UserID:  req.GetString("user", ""),
		Limit:   req.GetInt("limit", 50),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if tasks == nil {
		tasks = []*store.WorkflowTask{}
	}
	return marshalResult(map[string]any{"tasks": tasks})
}

// handleResumeTask completes a workflow task. The token continues at the
// named exit socket once a runner picks it up.
func (s *Server) handleResumeTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	socket, err := req.RequireString("socket")
	if err != nil {
		return mcp.NewToolResultError("socket is required"), nil
	}

	tc, err := s.launcher.ResumeTask(ctx, taskID, socket, req.GetString("user_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume task failed: %v", err)), nil
	}
	return marshalResult(tc)
}

// handleDiagram draws a process, overlaid with a token when one is given.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be mermaid or image"), nil
	}

	ref := req.GetString("ref", "")
	tokenID := req.GetString("token_id", "")
	if ref == "" && tokenID == "" {
		return mcp.NewToolResultError("at least one of ref or token_id is required"), nil
	}

	var tc *store.TokenContext
	if tokenID != "" {
		if tc, err = s.launcher.Token(ctx, tokenID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("token not found: %v", err)), nil
		}
		if ref == "" {
			ref = tc.Process
		}
	}

	p, err := s.models.Process(ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("process lookup failed: %v", err)), nil
	}
	dm, err := diagram.Build(p, tc, diagram.Options{})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	if format == "mermaid" {
		return mcp.NewToolResultText(diagram.RenderMermaid(dm)), nil
	}
	png, err := diagram.RenderImage(ctx, dm, diagram.FormatPNG)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
	}
	return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
}

// --- Internal helpers ---

// captureSession maps the client ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
