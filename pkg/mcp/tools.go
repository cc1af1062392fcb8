package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/weftflow/weft/internal/scheduler"
	"github.com/weftflow/weft/pkg/schema"
)

// handleDefine registers a workflow definition.
func (s *WeftServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	data, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition is not serializable: %v", err)), nil
	}
	var def schema.WorkflowDef
	if err := json.Unmarshal(data, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition does not parse: %v", err)), nil
	}

	if err := s.coord.RegisterWorkflow(&def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition rejected: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": def.ID,
		"version":     def.Version,
	})
}

// handleRun starts a run, by default waiting for its terminal status.
func (s *WeftServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	version, err := strconv.Atoi(req.GetString("version", "1"))
	if err != nil {
		return mcp.NewToolResultError("version must be an integer"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	wait := req.GetString("wait", "true") != "false"

	runID, runErr := s.coord.StartRun(ctx, workflowID, version, input)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run rejected: %v", runErr)), nil
	}

	if !wait {
		return marshalResult(map[string]any{
			"run_id": runID,
			"status": string(schema.RunStatusRunning),
		})
	}

	result, waitErr := s.coord.Wait(ctx, runID)
	if waitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("wait failed: %v", waitErr)), nil
	}

	response := map[string]any{
		"run_id": runID,
		"status": string(result.Status),
		"output": result.Output,
	}
	if result.Err != nil {
		response["error"] = result.Err.Error()
	}
	return marshalResult(response)
}

// handleSchedule registers a cron job starting runs of a workflow.
func (s *WeftServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr, err := req.RequireString("cron_expression")
	if err != nil {
		return mcp.NewToolResultError("cron_expression is required"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	version, err := strconv.Atoi(req.GetString("version", "1"))
	if err != nil {
		return mcp.NewToolResultError("version must be an integer"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	jobID := req.GetString("job_id", "")
	if jobID == "" {
		jobID = uuid.NewString()
	}

	job := &scheduler.Job{
		ID:              jobID,
		CronExpression:  cronExpr,
		WorkflowID:      workflowID,
		WorkflowVersion: version,
		Input:           input,
	}
	if addErr := s.sched.AddJob(job); addErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("schedule rejected: %v", addErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"job_id":      jobID,
		"next_run_at": job.NextRunAt,
	})
}

// handleStatus returns a run's status and token states.
func (s *WeftServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	status, ok := s.coord.Status(runID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown run %q", runID)), nil
	}
	tokens, _ := s.coord.Tokens(runID)

	return marshalResult(map[string]any{
		"run_id": runID,
		"status": string(status),
		"tokens": tokens,
	})
}

// handleTrace returns a run's trace, optionally filtered by kind.
func (s *WeftServer) handleTrace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	kind := req.GetString("kind", "")

	events, ok := s.coord.Trace(runID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown run %q", runID)), nil
	}
	if kind != "" {
		filtered := events[:0:0]
		for _, e := range events {
			if e.Kind == kind {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	return marshalResult(map[string]any{
		"run_id": runID,
		"events": events,
	})
}

// handleCancel terminates a run.
func (s *WeftServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if cancelErr := s.coord.Cancel(ctx, runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
