package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentfusion/internal/contextclient"
	"github.com/agentfusion/internal/orchestrator"
	"github.com/agentfusion/internal/types"
)

// directivesSchema is shared by the task-creation tools
const directivesSchema = `{
	"type": "object",
	"properties": {
		"forceConsensus":   {"type": "boolean"},
		"preventConsensus": {"type": "boolean"},
		"skipConsensus":    {"type": "boolean"},
		"assignToAgent":    {"type": "string"},
		"isEmergency":      {"type": "boolean"},
		"multiStage":       {"type": "boolean"},
		"originalText":     {"type": "string"},
		"notes":            {"type": "string"}
	}
}`

// registerTools installs the full tool surface over the orchestrator
// and the context provider.
func registerTools(reg *ToolRegistry, orch *orchestrator.Orchestrator, ctxp contextclient.Provider) error {
	tools := []ToolDefinition{
		{
			Name:        "create_consensus_task",
			Description: "Open a task for multi-agent collaboration; routing picks the strategy.",
			Schema: `{
				"type": "object",
				"properties": {
					"title":          {"type": "string", "minLength": 1},
					"description":    {"type": "string"},
					"roleInWorkflow": {"type": "string", "enum": ["EXECUTION", "REVIEW", "FOLLOW_UP"]},
					"type":           {"type": "string"},
					"complexity":     {"type": "integer", "minimum": 1, "maximum": 10},
					"risk":           {"type": "integer", "minimum": 1, "maximum": 10},
					"directives":     ` + directivesSchema + `
				},
				"required": ["title"]
			}`,
			Handler: func(callerID string, raw json.RawMessage) (interface{}, error) {
				var params types.CreateTaskParams
				if err := json.Unmarshal(raw, &params); err != nil {
					return nil, types.InvalidArgf("params", "%v", err)
				}
				return orch.CreateTask(&params, callerID)
			},
		},
		{
			Name:        "create_simple_task",
			Description: "Open a low-ceremony task; defaults lean toward solo execution.",
			Schema: `{
				"type": "object",
				"properties": {
					"title":          {"type": "string", "minLength": 1},
					"description":    {"type": "string"},
					"roleInWorkflow": {"type": "string", "enum": ["EXECUTION", "REVIEW", "FOLLOW_UP"]},
					"type":           {"type": "string"},
					"complexity":     {"type": "integer", "minimum": 1, "maximum": 10},
					"risk":           {"type": "integer", "minimum": 1, "maximum": 10},
					"skipConsensus":  {"type": "boolean"},
					"directives":     ` + directivesSchema + `
				},
				"required": ["title"]
			}`,
			Handler: func(callerID string, raw json.RawMessage) (interface{}, error) {
				var params types.CreateTaskParams
				if err := json.Unmarshal(raw, &params); err != nil {
					return nil, types.InvalidArgf("params", "%v", err)
				}
				result, err := orch.CreateTask(&params, callerID)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"taskId": result.TaskID,
					"status": result.Status,
				}, nil
			},
		},
		{
			Name:        "assign_task",
			Description: "Hand a task directly to a named agent.",
			Schema: `{
				"type": "object",
				"properties": {
					"title":       {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"targetAgent": {"type": "string", "minLength": 1},
					"type":        {"type": "string"},
					"directives":  ` + directivesSchema + `
				},
				"required": ["title", "targetAgent"]
			}`,
			Handler: func(callerID string, raw json.RawMessage) (interface{}, error) {
				var params types.CreateTaskParams
				if err := json.Unmarshal(raw, &params); err != nil {
					return nil, types.InvalidArgf("params", "%v", err)
				}
				result, err := orch.CreateTask(&params, callerID)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"taskId": result.TaskID,
					"status": result.Status,
				}, nil
			},
		},
		{
			Name:        "get_pending_tasks",
			Description: "List tasks awaiting the calling agent's action.",
			Schema: `{
				"type": "object",
				"properties": {
					"agentId": {"type": "string"}
				}
			}`,
			Handler: func(callerID string, raw json.RawMessage) (interface{}, error) {
				var params struct {
					AgentID string `json:"agentId"`
				}
				json.Unmarshal(raw, &params)
				agentID := params.AgentID
				if agentID == "" {
					agentID = callerID
				}
				tasks, err := orch.GetPending(agentID)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"tasks": tasks}, nil
			},
		},
		{
			Name:        "get_task_status",
			Description: "Fetch a task's current status and assignees.",
			Schema: `{
				"type": "object",
				"properties": {
					"taskId": {"type": "string", "minLength": 1}
				},
				"required": ["taskId"]
			}`,
			Handler: func(callerID string, raw json.RawMessage) (interface{}, error) {
				var params struct {
					TaskID string `json:"taskId"`
				}
				if err := json.Unmarshal(raw, &params); err != nil {
					return nil, types.InvalidArgf("params", "%v", err)
				}
				task, err := orch.GetStatus(params.TaskID)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"taskId":    task.ID,
					"status":    task.Status,
					"type":      task.Type,
					"assignees": task.Assignees,
					"createdAt": task.CreatedAt,
					"updatedAt": task.UpdatedAt,
				}, nil
			},
		},
		{
			Name:        "continue_task",
			Description: "Resume a task: full snapshot with proposals and history.",
			Schema: `{
				"type": "object",
				"properties": {
					"taskId": {"type": "string", "minLength": 1}
				},
				"required": ["taskId"]
			}`,
			Handler: func(callerID string, raw json.RawMessage) (interface{}, error) {
				var params struct {
					TaskID string `json:"taskId"`
				}
				if err := json.Unmarshal(raw, &params); err != nil {
					return nil, types.InvalidArgf("params", "%v", err)
				}
				return orch.Continue(params.TaskID)
			},
		},
		{
			Name:        "respond_to_task",
			Description: "Retrieve task context and record the agent's response in one call.",
			Schema: `{
				"type": "object",
				"properties": {
					"taskId": {"type": "string", "minLength": 1},
					"response": {
						"type": "object",
						"properties": {
							"content":    {"type": "string", "minLength": 1},
							"inputType":  {"type": "string"},
							"confidence": {"type": "number", "minimum": 0, "maximum": 1},
							"metadata":   {"type": "object"}
						},
						"required": ["content"]
					},
					"agentId":   {"type": "string"},
					"maxTokens": {"type": "integer", "minimum": 1}
				},
				"required": ["taskId", "response"]
			}`,
			Handler: func(callerID string, raw json.RawMessage) (interface{}, error) {
				var params types.RespondToTaskParams
				if err := json.Unmarshal(raw, &params); err != nil {
					return nil, types.InvalidArgf("params", "%v", err)
				}
				if params.AgentID == "" {
					params.AgentID = callerID
				}
				snippets, proposalID, err := orch.Respond(&params)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"proposalId": proposalID,
					"context":    snippets,
				}, nil
			},
		},
		{
			Name:        "submit_input",
			Description: "Submit a proposal for a waiting task. Identical resubmission is a no-op.",
			Schema: `{
				"type": "object",
				"properties": {
					"taskId":     {"type": "string", "minLength": 1},
					"agentId":    {"type": "string", "minLength": 1},
					"inputType":  {"type": "string"},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1},
					"content":    {"type": "string", "minLength": 1},
					"tokensIn":   {"type": "integer", "minimum": 0},
					"tokensOut":  {"type": "integer", "minimum": 0},
					"revisionOf": {"type": "string"}
				},
				"required": ["taskId", "agentId", "content"]
			}`,
			Handler: func(callerID string, raw json.RawMessage) (interface{}, error) {
				var params types.SubmitInputParams
				if err := json.Unmarshal(raw, &params); err != nil {
					return nil, types.InvalidArgf("params", "%v", err)
				}
				proposalID, err := orch.SubmitInput(&params)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"proposalId": proposalID}, nil
			},
		},
		{
			Name:        "complete_task",
			Description: "Finalize a task with the creator's explicit decision.",
			Schema: `{
				"type": "object",
				"properties": {
					"taskId":        {"type": "string", "minLength": 1},
					"resultSummary": {"type": "string"},
					"decision": {
						"type": "object",
						"properties": {
							"considered":    {"type": "array", "items": {"type": "string"}},
							"selected":      {"type": "string"},
							"agreementRate": {"type": "number", "minimum": 0, "maximum": 1},
							"rationale":     {"type": "string"}
						}
					}
				},
				"required": ["taskId"]
			}`,
			Handler: func(callerID string, raw json.RawMessage) (interface{}, error) {
				var params types.CompleteTaskParams
				if err := json.Unmarshal(raw, &params); err != nil {
					return nil, types.InvalidArgf("params", "%v", err)
				}
				task, err := orch.Complete(&params, callerID)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"taskId": task.ID,
					"status": task.Status,
				}, nil
			},
		},
		{
			Name:        "cancel_task",
			Description: "Cancel a non-terminal task and release its consensus expectation.",
			Schema: `{
				"type": "object",
				"properties": {
					"taskId": {"type": "string", "minLength": 1},
					"reason": {"type": "string"}
				},
				"required": ["taskId"]
			}`,
			Handler: func(callerID string, raw json.RawMessage) (interface{}, error) {
				var params struct {
					TaskID string `json:"taskId"`
					Reason string `json:"reason"`
				}
				if err := json.Unmarshal(raw, &params); err != nil {
					return nil, types.InvalidArgf("params", "%v", err)
				}
				if err := orch.Cancel(params.TaskID, params.Reason); err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"taskId": params.TaskID,
					"status": types.StatusCancelled,
				}, nil
			},
		},
		{
			Name:        "query_context",
			Description: "Query the context-retrieval subsystem for relevant snippets.",
			Schema: `{
				"type": "object",
				"properties": {
					"query":  {"type": "string", "minLength": 1},
					"scope":  {"type": "string"},
					"budget": {"type": "integer", "minimum": 1}
				},
				"required": ["query"]
			}`,
			Handler: func(callerID string, raw json.RawMessage) (interface{}, error) {
				var params types.ContextQueryParams
				if err := json.Unmarshal(raw, &params); err != nil {
					return nil, types.InvalidArgf("params", "%v", err)
				}
				snippets, err := ctxp.Query(context.Background(), params.Query, params.Scope, params.Budget)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"snippets": snippets}, nil
			},
		},
		{
			Name:        "refresh_context",
			Description: "Ask the context provider to re-index a scope.",
			Schema: `{
				"type": "object",
				"properties": {
					"scope": {"type": "string"}
				}
			}`,
			Handler: func(callerID string, raw json.RawMessage) (interface{}, error) {
				var params struct {
					Scope string `json:"scope"`
				}
				json.Unmarshal(raw, &params)
				if err := ctxp.Refresh(context.Background(), params.Scope); err != nil {
					return nil, err
				}
				return map[string]interface{}{"refreshed": true}, nil
			},
		},
		{
			Name:        "rebuild_context",
			Description: "Start a full context index rebuild.",
			Schema:      `{"type": "object"}`,
			Handler: func(callerID string, raw json.RawMessage) (interface{}, error) {
				jobID, err := ctxp.Rebuild(context.Background())
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"jobId": jobID}, nil
			},
		},
		{
			Name:        "get_rebuild_status",
			Description: "Report progress of a context rebuild job.",
			Schema: `{
				"type": "object",
				"properties": {
					"jobId": {"type": "string", "minLength": 1}
				},
				"required": ["jobId"]
			}`,
			Handler: func(callerID string, raw json.RawMessage) (interface{}, error) {
				var params struct {
					JobID string `json:"jobId"`
				}
				if err := json.Unmarshal(raw, &params); err != nil {
					return nil, types.InvalidArgf("params", "%v", err)
				}
				return ctxp.RebuildStatus(context.Background(), params.JobID)
			},
		},
		{
			Name:        "get_context_stats",
			Description: "Context provider index statistics.",
			Schema:      `{"type": "object"}`,
			Handler: func(callerID string, raw json.RawMessage) (interface{}, error) {
				return ctxp.Stats(context.Background())
			},
		},
	}

	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool: %w", err)
		}
	}
	return nil
}
