// Package mcp exposes the coordinator over the Model Context Protocol so
// agents can register workflows, start runs and inspect their traces.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/weftflow/weft/internal/coordinator"
	"github.com/weftflow/weft/internal/scheduler"
)

// WeftServerDeps holds the dependencies for creating a WeftServer.
type WeftServerDeps struct {
	Coordinator *coordinator.Coordinator
	Scheduler   *scheduler.Scheduler
	Logger      *slog.Logger
}

// WeftServer wraps an MCP server with weft-specific tool handlers.
type WeftServer struct {
	coord     *coordinator.Coordinator
	sched     *scheduler.Scheduler
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewWeftServer creates a new WeftServer with all 6 tools registered.
func NewWeftServer(deps WeftServerDeps) *WeftServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &WeftServer{
		coord:  deps.Coordinator,
		sched:  deps.Scheduler,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"weft",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Weft coordinates workflow runs over declarative graphs. Use weft.define to register a workflow, weft.run to start a run, weft.schedule to start runs on a cron expression, weft.status to check progress, weft.trace to read the sequenced execution trace, and weft.cancel to terminate a run."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *WeftServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *WeftServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *WeftServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: traceTool(), Handler: s.handleTrace},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("weft.define",
		mcp.WithDescription("Register a workflow definition under its id and version"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (nodes, transitions, schemas)")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("weft.run",
		mcp.WithDescription("Start a run of a registered workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithString("version", mcp.Description("Workflow version (default: 1)")),
		mcp.WithObject("input", mcp.Description("Run input document, validated against the workflow's input schema")),
		mcp.WithString("wait", mcp.Enum("true", "false"), mcp.Description("Block until the run reaches a terminal status (default: true)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("weft.schedule",
		mcp.WithDescription("Register a cron schedule that starts runs of a workflow"),
		mcp.WithString("cron_expression", mcp.Required(), mcp.Description("Five-field cron expression, e.g. 0 3 * * *")),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to start")),
		mcp.WithString("version", mcp.Description("Workflow version (default: 1)")),
		mcp.WithObject("input", mcp.Description("Run input document passed to every scheduled run")),
		mcp.WithString("job_id", mcp.Description("Stable job identifier (default: generated)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("weft.status",
		mcp.WithDescription("Get a run's status and tokens"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func traceTool() mcp.Tool {
	return mcp.NewTool("weft.trace",
		mcp.WithDescription("Read a run's sequenced execution trace"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
		mcp.WithString("kind", mcp.Description("Only return events of this kind, e.g. routing.complete")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("weft.cancel",
		mcp.WithDescription("Cancel a live run and everything below it"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}
