// Package lifecycle implements the Lifecycle Manager: spawn, terminate,
// and interrupt instances; parent-id resolution and auto-detection;
// resource-limit enforcement; cascade termination.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/barkain/madrox/internal/common/config"
	"github.com/barkain/madrox/internal/common/logger"
	"github.com/barkain/madrox/internal/events"
	"github.com/barkain/madrox/internal/events/bus"
	"github.com/barkain/madrox/internal/orchestrator/capture"
	"github.com/barkain/madrox/internal/orchestrator/keystroke"
	"github.com/barkain/madrox/internal/orchestrator/orcherr"
	"github.com/barkain/madrox/internal/orchestrator/pane"
	"github.com/barkain/madrox/internal/orchestrator/prompts"
	"github.com/barkain/madrox/internal/orchestrator/registry"
	"github.com/barkain/madrox/internal/orchestrator/toolserver"
	"github.com/barkain/madrox/internal/orchestrator/tracing"
	"github.com/barkain/madrox/internal/sysprompt"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// readyPollInterval and readyPollDeadline bound the post-spawn
// ready-marker poll.
const (
	readyPollInterval = 150 * time.Millisecond
	readyPollDeadline = 6 * time.Second
)

// RootDisplayName is the conventional name a caller passes to explicitly
// request the forest's root instance (parent auto-detection strategy 3's
// one exception).
const RootDisplayName = "main-orchestrator"

// SpawnRequest is the input to Spawn.
type SpawnRequest struct {
	Name             string
	Role             string
	Kind             registry.Kind
	Model            string
	SystemPrompt     string
	InitialPrompt    string
	ParentID         string
	ResourceLimits   registry.ResourceLimits
	ToolServerWiring map[string]registry.ToolServerEntry
	BypassIsolation  bool
	WaitForReady     bool
	SandboxMode      string // codex-only
	Profile          string // codex-only
}

// Manager implements spawn/terminate/interrupt over a registry.Registry,
// a pane.Multiplexer, and a toolserver.Configurator.
type Manager struct {
	reg    *registry.Registry
	mux    pane.Multiplexer
	pacer  *keystroke.Pacer
	tools  *toolserver.Configurator
	loader *prompts.Loader
	events bus.EventBus
	log    *logger.Logger
	cfg    config.OrchestratorConfig
	mplex  config.MultiplexerConfig

	claudeBin string
	codexBin  string
}

// New builds a Manager. claudeBin/codexBin are the CLI executable names
// launched for each instance kind.
func New(reg *registry.Registry, mux pane.Multiplexer, tools *toolserver.Configurator, loader *prompts.Loader, eventBus bus.EventBus, log *logger.Logger, cfg config.OrchestratorConfig, mplex config.MultiplexerConfig, claudeBin, codexBin string) *Manager {
	return &Manager{
		reg:       reg,
		mux:       mux,
		pacer:     keystroke.New(mux),
		tools:     tools,
		loader:    loader,
		events:    eventBus,
		log:       log.WithFields(zap.String("component", "lifecycle.Manager")),
		cfg:       cfg,
		mplex:     mplex,
		claudeBin: claudeBin,
		codexBin:  codexBin,
	}
}

// Spawn creates and launches a new instance. When req.WaitForReady is
// false, the id is returned immediately and the remaining setup continues
// in the background.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	ctx, span := tracing.TraceSpawn(ctx, req.Role, string(req.Kind), req.ParentID)
	id, err := m.spawn(ctx, req)
	tracing.EndWithResult(span, "", err)
	return id, err
}

func (m *Manager) spawn(ctx context.Context, req SpawnRequest) (string, error) {
	if m.reg.NonTerminatedCount() >= m.cfg.MaxInstances {
		return "", fmt.Errorf("%w: %d non-terminated instances at limit %d", orcherr.ErrCapacityExceeded, m.reg.NonTerminatedCount(), m.cfg.MaxInstances)
	}

	parentID, err := m.resolveParent(req)
	if err != nil {
		m.publishSupervisor(ctx, events.ParentUnresolvable, map[string]any{
			"role":   req.Role,
			"kind":   string(req.Kind),
			"reason": err.Error(),
		})
		return "", err
	}

	id := uuid.New().String()
	workspace := filepath.Join(m.cfg.WorkspaceBaseDir, id)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, ".instance_id"), []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("write instance id file: %w", err)
	}

	inst := registry.Instance{
		ID:               id,
		DisplayName:      displayName(req, id),
		Role:             req.Role,
		Kind:             req.Kind,
		Model:            req.Model,
		State:            registry.StateInitializing,
		WorkspacePath:    workspace,
		CreatedAt:        time.Now(),
		LastActivityAt:   time.Now(),
		ParentID:         parentID,
		ResourceLimits:   req.ResourceLimits,
		InitialPrompt:    req.InitialPrompt,
		ToolServerWiring: req.ToolServerWiring,
	}
	if err := m.reg.Create(inst); err != nil {
		return "", err
	}

	finish := func() error { return m.continueSpawn(ctx, id, req) }
	if req.WaitForReady {
		if err := finish(); err != nil {
			_ = m.reg.Transition(id, registry.StateError)
			_ = m.reg.SetErrorMessage(id, err.Error())
			return id, err
		}
		return id, nil
	}

	go func() {
		if err := finish(); err != nil {
			m.log.Error("background spawn failed", zap.String("instance_id", id), zap.Error(err))
			_ = m.reg.Transition(id, registry.StateError)
			_ = m.reg.SetErrorMessage(id, err.Error())
		}
	}()
	return id, nil
}

// continueSpawn runs the rest of the spawn procedure: wiring tool
// servers, opening the multiplexer session, launching the agent CLI,
// waiting for it to signal readiness, and delivering the initial prompt.
func (m *Manager) continueSpawn(ctx context.Context, id string, req SpawnRequest) error {
	inst, err := m.reg.Get(id)
	if err != nil {
		return err
	}

	// The record's ParentID is the resolved one, which req.ParentID is not
	// when the parent was auto-detected.
	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = m.loader.Load(req.Role)
	}
	systemPrompt = sysprompt.InjectBidirectionalProtocol(id, req.Role, inst.ParentID, systemPrompt)

	session, err := m.mux.CreateSession(ctx, id, inst.WorkspacePath, m.mplex.DefaultCols, m.mplex.DefaultRows)
	if err != nil {
		return fmt.Errorf("%w: create session: %w", orcherr.ErrMultiplexer, err)
	}

	// Wiring happens between session creation and CLI launch: the codex
	// path types "mcp add" shell commands into the pane, which must reach
	// the shell, not the agent's input box.
	wiring, err := m.tools.Materialize(ctx, inst, req.ToolServerWiring, id)
	if err != nil {
		return err
	}
	if err := m.reg.SetToolServerWiring(id, wiring); err != nil {
		return err
	}

	launchCmd := m.launchCommand(req, inst)
	if err := m.mux.SendKeys(ctx, session.Pane, launchCmd, true); err != nil {
		return fmt.Errorf("%w: launch agent: %w", orcherr.ErrMultiplexer, err)
	}

	if m.waitForReady(ctx, session.Pane, req.Kind) {
		m.publish(ctx, events.InstanceReady, id, map[string]any{"kind": string(req.Kind)})
	}

	switch req.Kind {
	case registry.KindCodex:
		sysInfo := fmt.Sprintf("[system-information] instance_id=%s parent_id=%s\n%s", id, parentOrNone(inst.ParentID), systemPrompt)
		if err := m.sendUserMessage(ctx, session.Pane, sysInfo); err != nil {
			return err
		}
		if req.InitialPrompt != "" {
			if err := m.sendUserMessage(ctx, session.Pane, req.InitialPrompt); err != nil {
				return err
			}
		}
	case registry.KindClaude:
		if err := m.reg.SetPendingSystemPrompt(id, systemPrompt); err != nil {
			return err
		}
	}

	if err := m.reg.Transition(id, registry.StateRunning); err != nil {
		return err
	}
	if err := m.reg.Transition(id, registry.StateIdle); err != nil {
		return err
	}

	m.publish(ctx, events.InstanceSpawned, id, map[string]any{"role": req.Role, "kind": string(req.Kind), "parent_id": inst.ParentID})
	return nil
}

func (m *Manager) launchCommand(req SpawnRequest, inst registry.Instance) string {
	switch req.Kind {
	case registry.KindCodex:
		cmd := m.codexBin
		if req.SandboxMode != "" {
			cmd += " --sandbox " + req.SandboxMode
		}
		if req.Profile != "" {
			cmd += " --profile " + req.Profile
		}
		if req.BypassIsolation {
			cmd += " --dangerously-bypass-approvals-and-sandbox"
		}
		return cmd
	default:
		cmd := m.claudeBin + " --mcp-config " + filepath.Join(inst.WorkspacePath, "mcp-config.json") + " --setting-sources project"
		if req.BypassIsolation {
			cmd += " --dangerously-skip-permissions"
		}
		return cmd
	}
}

// waitForReady polls captured pane text for a kind-specific ready marker,
// reporting whether it was observed; the spawn proceeds with a logged
// warning if the deadline elapses first.
func (m *Manager) waitForReady(ctx context.Context, paneName string, kind registry.Kind) bool {
	deadline := time.Now().Add(readyPollDeadline)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			text, err := m.mux.CapturePane(ctx, paneName, pane.Capture{Mode: pane.CaptureVisible})
			if err != nil {
				continue
			}
			if capture.DetectText(kind, text) == capture.ReadinessReady {
				return true
			}
		}
	}
	m.log.Warn("ready marker not observed within deadline, proceeding anyway", zap.String("pane", paneName))
	return false
}

// sendUserMessage delivers text through the keystroke pacer: spawn-time
// payloads (the codex system-information message, initial prompts) are
// multiline and must not trip the agent UI's paste detection.
func (m *Manager) sendUserMessage(ctx context.Context, paneName, text string) error {
	return m.pacer.Send(ctx, paneName, text, true)
}

// resolveParent resolves the new instance's parent: an explicit
// parent_id wins; otherwise auto-detection falls back to the currently
// busy instance, then the most recently active one.
func (m *Manager) resolveParent(req SpawnRequest) (string, error) {
	if req.ParentID != "" {
		if _, err := m.reg.Get(req.ParentID); err != nil {
			return "", fmt.Errorf("%w: explicit parent %s: %w", orcherr.ErrParentUnresolvable, req.ParentID, err)
		}
		return req.ParentID, nil
	}

	if m.reg.RootID() == "" && req.Name == RootDisplayName {
		return "", nil
	}

	if id, ok := m.reg.FindBusy(); ok {
		return id, nil
	}
	if id, ok := m.reg.MostRecentlyActive(); ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: no parent_id was given and auto-detection found no busy or recently-active instance to infer one from; pass an explicit parent_id, or spawn from within a managed instance so it can be auto-detected as the caller", orcherr.ErrParentUnresolvable)
}

func displayName(req SpawnRequest, id string) string {
	if req.Name != "" {
		return req.Name
	}
	return req.Role + "-" + id[:8]
}

func parentOrNone(id string) string {
	if id == "" {
		return "none"
	}
	return id
}

// publishSupervisor emits an audit event on the supervisor-wide subject,
// for conditions not attributable to one existing instance.
func (m *Manager) publishSupervisor(ctx context.Context, eventType string, data map[string]any) {
	if m.events == nil {
		return
	}
	evt := bus.NewEvent(eventType, "lifecycle.Manager", data)
	if err := m.events.Publish(ctx, events.BuildSupervisorSubject(), evt); err != nil {
		m.log.Warn("failed to publish audit event", zap.String("type", eventType), zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, eventType, instanceID string, data map[string]any) {
	if m.events == nil {
		return
	}
	payload := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["instance_id"] = instanceID
	evt := bus.NewEvent(eventType, "lifecycle.Manager", payload)
	if err := m.events.Publish(ctx, events.BuildInstanceSubject(instanceID), evt); err != nil {
		m.log.Warn("failed to publish audit event", zap.String("type", eventType), zap.Error(err))
	}
}
