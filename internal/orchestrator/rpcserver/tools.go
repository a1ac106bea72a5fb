package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/barkain/madrox/internal/orchestrator/broker"
	"github.com/barkain/madrox/internal/orchestrator/lifecycle"
	"github.com/barkain/madrox/internal/orchestrator/orcherr"
	"github.com/barkain/madrox/internal/orchestrator/pane"
	"github.com/barkain/madrox/internal/orchestrator/registry"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// defaultSendTimeout and defaultCoordinateTimeout bound RPC calls that
// don't specify a timeout_seconds argument.
const (
	defaultSendTimeout       = 30 * time.Second
	defaultCoordinateTimeout = 60 * time.Second
)

// envelope is the "success bool + message + error.kind" response shape
// every RPC response follows.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Error   *errorField `json:"error,omitempty"`
	Data    any         `json:"data,omitempty"`
}

type errorField struct {
	Kind string `json:"kind"`
}

func ok(data any) *mcp.CallToolResult {
	return toResult(envelope{Success: true, Data: data})
}

func fail(err error) *mcp.CallToolResult {
	return toResult(envelope{Success: false, Message: err.Error(), Error: &errorField{Kind: orcherr.Kind(err)}})
}

func toResult(e envelope) *mcp.CallToolResult {
	body, marshalErr := json.MarshalIndent(e, "", "  ")
	if marshalErr != nil {
		return mcp.NewToolResultError(marshalErr.Error())
	}
	return mcp.NewToolResultText(string(body))
}

// registerTools wires the fixed tool catalogue directly onto the
// already-built orchestrator components in deps — no HTTP round-trip.
func registerTools(s *server.MCPServer, d deps) {
	s.AddTool(
		mcp.NewTool("spawn",
			mcp.WithDescription("Spawn a new Claude CLI or Codex CLI agent instance into its own multiplexer pane."),
			mcp.WithString("name", mcp.Description("Display name for the new instance")),
			mcp.WithString("role", mcp.Required(), mcp.Description("Role the instance is spawned for (e.g. technical_lead, general)")),
			mcp.WithString("kind", mcp.Description("Agent CLI kind: claude or codex (default claude)")),
			mcp.WithString("model", mcp.Description("Model identifier override")),
			mcp.WithString("system_prompt", mcp.Description("Explicit system prompt; otherwise composed from role")),
			mcp.WithString("initial_prompt", mcp.Description("First user message sent once the instance is ready")),
			mcp.WithString("parent_id", mcp.Description("Explicit parent instance id; auto-detected if omitted")),
			mcp.WithBoolean("wait_for_ready", mcp.Description("Block until the instance reports ready before returning")),
		),
		spawnHandler(d),
	)

	s.AddTool(
		mcp.NewTool("send_to_instance",
			mcp.WithDescription("Send a message to a running instance and optionally wait for its reply."),
			mcp.WithString("instance_id", mcp.Required()),
			mcp.WithString("message", mcp.Required()),
			mcp.WithBoolean("wait_for_response", mcp.Description("Wait for a bidirectional reply or pane-scrape completion (default true)")),
			mcp.WithNumber("timeout_seconds", mcp.Description("Reply budget in seconds (default 30)")),
		),
		sendToInstanceHandler(d),
	)

	s.AddTool(
		mcp.NewTool("get_instance_output",
			mcp.WithDescription("Capture an instance's current pane scrollback."),
			mcp.WithString("instance_id", mcp.Required()),
			mcp.WithNumber("lines", mcp.Description("Number of trailing lines to return; 0 captures the full scrollback")),
		),
		getInstanceOutputHandler(d),
	)

	s.AddTool(
		mcp.NewTool("coordinate_instances",
			mcp.WithDescription("Fan a task description out to several instances sequentially, in parallel, or by consensus."),
			mcp.WithString("coordinator_id", mcp.Required()),
			mcp.WithArray("participant_ids", mcp.Required(), mcp.Description("Instance ids to coordinate")),
			mcp.WithString("task_description", mcp.Required()),
			mcp.WithString("kind", mcp.Description("sequential | parallel | consensus (default parallel)")),
			mcp.WithNumber("timeout_seconds", mcp.Description("Per-participant reply budget in seconds (default 60)")),
		),
		coordinateInstancesHandler(d),
	)

	s.AddTool(
		mcp.NewTool("terminate_instance",
			mcp.WithDescription("Terminate an instance and its entire subtree, children first."),
			mcp.WithString("instance_id", mcp.Required()),
			mcp.WithBoolean("force", mcp.Description("Terminate even if the instance is busy")),
		),
		terminateInstanceHandler(d),
	)

	s.AddTool(
		mcp.NewTool("get_instance_status",
			mcp.WithDescription("Return one instance's status, or every instance's status if instance_id is omitted."),
			mcp.WithString("instance_id", mcp.Description("Instance id; all instances are returned if omitted")),
		),
		getInstanceStatusHandler(d),
	)

	s.AddTool(
		mcp.NewTool("reply_to_caller",
			mcp.WithDescription("Deliver an instance's reply back to whoever is awaiting it via correlation id."),
			mcp.WithString("instance_id", mcp.Required()),
			mcp.WithString("reply_message", mcp.Required()),
			mcp.WithString("correlation_id", mcp.Description("Correlation id from the [MSG:<id>] envelope this reply answers")),
		),
		replyToCallerHandler(d),
	)

	s.AddTool(
		mcp.NewTool("interrupt_instance",
			mcp.WithDescription("Send an interrupt keystroke to a busy instance, returning it to idle."),
			mcp.WithString("instance_id", mcp.Required()),
		),
		interruptInstanceHandler(d),
	)

	s.AddTool(
		mcp.NewTool("broadcast_to_children",
			mcp.WithDescription("Send the same message to every direct child of an instance."),
			mcp.WithString("parent_id", mcp.Required()),
			mcp.WithString("message", mcp.Required()),
			mcp.WithBoolean("wait_for_response", mcp.Description("Wait for each child's reply (default true)")),
			mcp.WithNumber("timeout_seconds", mcp.Description("Per-child reply budget in seconds (default 60)")),
		),
		broadcastToChildrenHandler(d),
	)

	s.AddTool(
		mcp.NewTool("spawn_team_from_template",
			mcp.WithDescription("Parse a named team template and spawn a supervisor plus its members."),
			mcp.WithString("template_name", mcp.Required()),
			mcp.WithString("task_description", mcp.Required()),
			mcp.WithString("caller_id", mcp.Description("Instance id invoking this tool; becomes the supervisor's parent")),
		),
		spawnTeamFromTemplateHandler(d),
	)
}

func spawnHandler(d deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		role, err := req.RequireString("role")
		if err != nil {
			return fail(err), nil
		}
		kind := registry.KindClaude
		if req.GetString("kind", "claude") == "codex" {
			kind = registry.KindCodex
		}

		id, spawnErr := d.lifecycle.Spawn(ctx, lifecycle.SpawnRequest{
			Name:          req.GetString("name", ""),
			Role:          role,
			Kind:          kind,
			Model:         req.GetString("model", ""),
			SystemPrompt:  req.GetString("system_prompt", ""),
			InitialPrompt: req.GetString("initial_prompt", ""),
			ParentID:      req.GetString("parent_id", ""),
			WaitForReady:  req.GetBool("wait_for_ready", false),
		})
		if spawnErr != nil {
			d.log.Warn("spawn failed", zap.Error(spawnErr))
			return fail(spawnErr), nil
		}
		return ok(map[string]string{"instance_id": id}), nil
	}
}

func sendToInstanceHandler(d deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		instanceID, err := req.RequireString("instance_id")
		if err != nil {
			return fail(err), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return fail(err), nil
		}
		timeout := secondsOr(req.GetArguments(), "timeout_seconds", defaultSendTimeout)

		result, sendErr := d.broker.Send(ctx, broker.SendRequest{
			RecipientID:     instanceID,
			Message:         message,
			WaitForResponse: req.GetBool("wait_for_response", true),
			Timeout:         timeout,
		})
		if sendErr != nil {
			return fail(sendErr), nil
		}
		return ok(result), nil
	}
}

func getInstanceOutputHandler(d deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		instanceID, err := req.RequireString("instance_id")
		if err != nil {
			return fail(err), nil
		}
		if _, err := d.reg.Get(instanceID); err != nil {
			return fail(err), nil
		}

		lines := int(req.GetFloat("lines", 0))
		c := pane.Capture{Mode: pane.CaptureAllScrollback}
		if lines > 0 {
			c = pane.Capture{Mode: pane.CaptureLastN, N: lines}
		}
		output, captureErr := d.mux.CapturePane(ctx, instanceID, c)
		if captureErr != nil {
			return fail(fmt.Errorf("%w: %s", orcherr.ErrMultiplexer, captureErr.Error())), nil
		}

		resp := map[string]any{"instance_id": instanceID, "output": output}
		if d.generator != nil {
			if summary, found := d.generator.Get(instanceID); found {
				resp["summary"] = summary
			}
		}
		return ok(resp), nil
	}
}

func coordinateInstancesHandler(d deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		coordinatorID, err := req.RequireString("coordinator_id")
		if err != nil {
			return fail(err), nil
		}
		taskDescription, err := req.RequireString("task_description")
		if err != nil {
			return fail(err), nil
		}
		participantIDs, err := stringSlice(req.GetArguments(), "participant_ids")
		if err != nil {
			return fail(err), nil
		}

		kind := registry.CoordinationKind(req.GetString("kind", string(registry.CoordinationParallel)))
		timeout := secondsOr(req.GetArguments(), "timeout_seconds", defaultCoordinateTimeout)

		task, coordErr := d.broker.Coordinate(ctx, coordinatorID, participantIDs, kind, taskDescription, timeout)
		if coordErr != nil {
			return fail(coordErr), nil
		}
		return ok(task), nil
	}
}

func terminateInstanceHandler(d deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		instanceID, err := req.RequireString("instance_id")
		if err != nil {
			return fail(err), nil
		}
		force := req.GetBool("force", false)

		termErr := d.lifecycle.Terminate(ctx, instanceID, force, d.broker.Cleanup)
		if termErr != nil {
			return fail(termErr), nil
		}
		return ok(map[string]string{"instance_id": instanceID, "state": string(registry.StateTerminated)}), nil
	}
}

func getInstanceStatusHandler(d deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if instanceID := req.GetString("instance_id", ""); instanceID != "" {
			inst, err := d.reg.Get(instanceID)
			if err != nil {
				return fail(err), nil
			}
			resp := map[string]any{"instance": inst}
			if d.health != nil && !inst.State.IsTerminal() {
				resp["pane_health"] = d.health.CheckPane(ctx, instanceID)
			}
			if d.generator != nil {
				if summary, found := d.generator.Get(instanceID); found {
					resp["activity_summary"] = summary
				}
			}
			return ok(resp), nil
		}
		return ok(d.reg.List()), nil
	}
}

func replyToCallerHandler(d deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		instanceID, err := req.RequireString("instance_id")
		if err != nil {
			return fail(err), nil
		}
		replyMessage, err := req.RequireString("reply_message")
		if err != nil {
			return fail(err), nil
		}
		correlationID := req.GetString("correlation_id", "")

		status, replyErr := d.broker.ReplyToCaller(ctx, instanceID, replyMessage, correlationID)
		if replyErr != nil {
			return fail(replyErr), nil
		}
		return ok(map[string]string{"status": status}), nil
	}
}

func interruptInstanceHandler(d deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		instanceID, err := req.RequireString("instance_id")
		if err != nil {
			return fail(err), nil
		}
		confirmed, interruptErr := d.lifecycle.Interrupt(ctx, instanceID)
		if interruptErr != nil {
			return fail(interruptErr), nil
		}
		return ok(map[string]bool{"confirmed": confirmed}), nil
	}
}

func broadcastToChildrenHandler(d deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		parentID, err := req.RequireString("parent_id")
		if err != nil {
			return fail(err), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return fail(err), nil
		}
		timeout := secondsOr(req.GetArguments(), "timeout_seconds", defaultCoordinateTimeout)

		results := d.broker.BroadcastToChildren(ctx, parentID, message, req.GetBool("wait_for_response", true), timeout)
		return ok(results), nil
	}
}

func spawnTeamFromTemplateHandler(d deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if d.templates == nil || d.prompts == nil {
			return fail(fmt.Errorf("%w: team templates are not configured", orcherr.ErrTemplateMalformed)), nil
		}
		templateName, err := req.RequireString("template_name")
		if err != nil {
			return fail(err), nil
		}
		taskDescription, err := req.RequireString("task_description")
		if err != nil {
			return fail(err), nil
		}

		templateText, loadErr := d.prompts.LoadTemplate(templateName)
		if loadErr != nil {
			return fail(fmt.Errorf("%w: %s", orcherr.ErrTemplateMalformed, loadErr.Error())), nil
		}

		instructions, spawnErr := d.templates.SpawnTeam(ctx, req.GetString("caller_id", ""), templateText, taskDescription)
		if spawnErr != nil {
			return fail(spawnErr), nil
		}
		return ok(map[string]string{"instructions": instructions}), nil
	}
}

// secondsOr reads a numeric "timeout_seconds"-style argument and converts
// it to a time.Duration, falling back to def when absent.
func secondsOr(args map[string]any, key string, def time.Duration) time.Duration {
	raw, present := args[key]
	if !present {
		return def
	}
	switch v := raw.(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	default:
		return def
	}
}

// stringSlice extracts a JSON array argument as []string.
func stringSlice(args map[string]any, key string) ([]string, error) {
	raw, present := args[key]
	if !present {
		return nil, fmt.Errorf("%s is required", key)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array", key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s entries must be strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}
