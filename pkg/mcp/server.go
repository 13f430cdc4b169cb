package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/model"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Launcher *engine.Launcher
	Models   model.Manager
	Logger   *slog.Logger
}

// Server wraps an MCP server with procflow tool handlers.
type Server struct {
	launcher  *engine.Launcher
	models    model.Manager
	sessions  *SessionRegistry
	notifier  *Notifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		launcher: deps.Launcher,
		models:   deps.Models,
		sessions: NewSessionRegistry(),
		logger:   logging.OrNop(deps.Logger).With("component", "mcp"),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"procflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Procflow executes process models as tokens. Use procflow.start to start a token, procflow.status to inspect it, procflow.tasks to list human tasks, procflow.resume_task to complete one, procflow.resume to wake a suspended token and procflow.diagram to draw a process."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, s.sessions, s.logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns the engine observer pushing token updates to clients.
func (s *Server) Notifier() *Notifier {
	return s.notifier
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: tasksTool(), Handler: s.handleTasks},
		{Tool: resumeTaskTool(), Handler: s.handleResumeTask},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("procflow.start",
		mcp.WithDescription("Start a token at a process or socket"),
		mcp.WithString("ref", mcp.Required(), mcp.Description("Process qualifier (/Model/Process) or socket reference")),
		mcp.WithObject("params", mcp.Description("Start socket parameters or process variables by name")),
		mcp.WithNumber("priority", mcp.Description("Token priority, higher runs first")),
		mcp.WithString("client_id", mcp.Description("Caller ID; token updates are pushed to its session")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("procflow.status",
		mcp.WithDescription("Get a token with its open workflow tasks"),
		mcp.WithString("token_id", mcp.Required(), mcp.Description("ID of the token")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("procflow.resume",
		mcp.WithDescription("Resume a suspended token"),
		mcp.WithString("token_id", mcp.Required(), mcp.Description("ID of the token")),
	)
}

func tasksTool() mcp.Tool {
	return mcp.NewTool("procflow.tasks",
		mcp.WithDescription("List workflow tasks"),
		mcp.WithString("token_id", mcp.Description("Only tasks of this token")),
		mcp.WithString("status", mcp.Enum("enabled", "resumed", "completed"), mcp.Description("Task status")),
		mcp.WithString("role", mcp.Description("Role the task is assigned to")),
		mcp.WithString("user", mcp.Description("User the task is assigned to")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of tasks (default 50)")),
	)
}

func resumeTaskTool() mcp.Tool {
	return mcp.NewTool("procflow.resume_task",
		mcp.WithDescription("Complete a workflow task and continue its token at the chosen socket"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the workflow task")),
		mcp.WithString("socket", mcp.Required(), mcp.Description("Exit socket name of the workflow node")),
		mcp.WithString("user_id", mcp.Description("User accepting the task")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("procflow.diagram",
		mcp.WithDescription("Draw a process as a Mermaid flowchart or base64 PNG image"),
		mcp.WithString("ref", mcp.Description("Process qualifier (/Model/Process)")),
		mcp.WithString("token_id", mcp.Description("Token to overlay; its process is drawn when ref is empty")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("mermaid", "image"),
			mcp.Description("Output format: mermaid (flowchart syntax) or image (base64 PNG)"),
		),
	)
}
