package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/sopflow/internal/gateway"
	"github.com/kalambet/sopflow/internal/orchestrator"
	"github.com/kalambet/sopflow/internal/storage"
	"github.com/kalambet/sopflow/internal/synth"
)

// MCPDeps holds dependencies for the MCP server. Every tool runs as Actor.
type MCPDeps struct {
	Engine Engine
	Actor  orchestrator.Actor
}

// NewMCPServer creates an MCP server with the process documentation tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"sopflow",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("sopflow documents business processes through a guided conversation and generates SOPs."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("start_process",
			mcp.WithDescription("Create a new process and start its documentation conversation."),
			mcp.WithString("name", mcp.Description("Process name"), mcp.Required()),
			mcp.WithString("description", mcp.Description("Short description of the process")),
		),
		mcpStartProcess(deps),
	)

	s.AddTool(
		mcp.NewTool("list_processes",
			mcp.WithDescription("List your most recent processes."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListProcesses(deps),
	)

	s.AddTool(
		mcp.NewTool("send_turn",
			mcp.WithDescription("Send a message in a process conversation. Long or generation requests are queued and return a job id."),
			mcp.WithString("process_id", mcp.Description("Process id"), mcp.Required()),
			mcp.WithString("message", mcp.Description("Your message"), mcp.Required()),
			mcp.WithBoolean("async", mcp.Description("Always queue the turn")),
		),
		mcpSendTurn(deps),
	)

	s.AddTool(
		mcp.NewTool("get_history",
			mcp.WithDescription("Return the conversation for a process in order."),
			mcp.WithString("process_id", mcp.Description("Process id"), mcp.Required()),
		),
		mcpGetHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_conversation",
			mcp.WithDescription("Delete the conversation for a process so it starts fresh."),
			mcp.WithString("process_id", mcp.Description("Process id"), mcp.Required()),
		),
		mcpClearConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_steps",
			mcp.WithDescription("Extract the process steps from the conversation and submit them for approval."),
			mcp.WithString("process_id", mcp.Description("Process id"), mcp.Required()),
		),
		mcpProcessOp(deps, func(ctx context.Context, id string) (any, error) {
			steps, err := deps.Engine.GenerateSteps(ctx, deps.Actor, id)
			return map[string]any{"steps": steps}, err
		}),
	)

	s.AddTool(
		mcp.NewTool("analyze_process",
			mcp.WithDescription("Review the process steps for gaps, issues and improvements."),
			mcp.WithString("process_id", mcp.Description("Process id"), mcp.Required()),
		),
		mcpProcessOp(deps, func(ctx context.Context, id string) (any, error) {
			return deps.Engine.Analyze(ctx, deps.Actor, id)
		}),
	)

	s.AddTool(
		mcp.NewTool("generate_sop",
			mcp.WithDescription("Generate the next SOP version for a process."),
			mcp.WithString("process_id", mcp.Description("Process id"), mcp.Required()),
		),
		mcpProcessOp(deps, func(ctx context.Context, id string) (any, error) {
			return deps.Engine.GenerateSOP(ctx, deps.Actor, id)
		}),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Return the status, progress and result of a queued turn."),
			mcp.WithString("job_id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	return s
}

func mcpStartProcess(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		started, err := deps.Engine.StartConversation(ctx, deps.Actor, orchestrator.StartInput{
			Name:        name,
			Description: req.GetString("description", ""),
		})
		if err != nil {
			return mcpEngineError(err), nil
		}
		return mcpJSON(started), nil
	}
}

func mcpListProcesses(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := deps.Engine.ListProcesses(ctx, deps.Actor, req.GetInt("limit", 20))
		if err != nil {
			return mcpEngineError(err), nil
		}
		out := make([]ProcessView, len(list))
		for i, p := range list {
			out[i] = processView(p)
		}
		return mcpJSON(out), nil
	}
}

func mcpSendTurn(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("process_id")
		if err != nil {
			return mcpError("process_id is required"), nil
		}
		msg, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		if req.GetBool("async", false) {
			jobID, err := deps.Engine.EnqueueHeavyTurn(ctx, deps.Actor, id, msg)
			if err != nil {
				return mcpEngineError(err), nil
			}
			return mcpText(fmt.Sprintf("Queued as job %s", jobID)), nil
		}

		res, err := deps.Engine.SendTurn(ctx, deps.Actor, id, msg)
		if err != nil {
			return mcpEngineError(err), nil
		}
		if res.JobID != "" {
			return mcpText(fmt.Sprintf("Queued as job %s", res.JobID)), nil
		}
		return mcpText(res.Reply), nil
	}
}

func mcpGetHistory(deps MCPDeps) server.ToolHandlerFunc {
	return mcpProcessOp(deps, func(ctx context.Context, id string) (any, error) {
		msgs, err := deps.Engine.GetHistory(ctx, deps.Actor, id)
		return messageViews(msgs), err
	})
}

func mcpClearConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("process_id")
		if err != nil {
			return mcpError("process_id is required"), nil
		}
		if err := deps.Engine.ClearConversation(ctx, deps.Actor, id); err != nil {
			return mcpEngineError(err), nil
		}
		return mcpText("Conversation cleared"), nil
	}
}

// mcpProcessOp adapts a process-scoped operation returning a JSON payload.
func mcpProcessOp(deps MCPDeps, op func(ctx context.Context, processID string) (any, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("process_id")
		if err != nil {
			return mcpError("process_id is required"), nil
		}
		v, err := op(ctx, id)
		if err != nil {
			return mcpEngineError(err), nil
		}
		return mcpJSON(v), nil
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		job, err := deps.Engine.GetJobStatus(ctx, deps.Actor, id)
		if err != nil {
			return mcpEngineError(err), nil
		}
		return mcpJSON(jobView(job)), nil
	}
}

func mcpEngineError(err error) *mcp.CallToolResult {
	var malformed *synth.MalformedExtractionError
	switch {
	case errors.Is(err, orchestrator.ErrAccessDenied):
		return mcpError("access denied")
	case errors.Is(err, storage.ErrNotFound):
		return mcpError(fmt.Sprintf("not found: %v", err))
	case errors.Is(err, gateway.ErrProviderExhausted):
		return mcpError("the model provider is unavailable, try again later")
	case errors.As(err, &malformed):
		return mcpError(fmt.Sprintf("%v\n\nRaw reply:\n%s", malformed, malformed.Raw))
	default:
		return mcpError(err.Error())
	}
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
