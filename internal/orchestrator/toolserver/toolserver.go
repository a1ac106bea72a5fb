// Package toolserver materializes an instance's tool-server wiring at spawn
// time: for Claude-kind agents, a JSON mcpServers document written into the
// workspace; for Codex-kind agents, a sequence of "mcp add" keystrokes for
// stdio servers plus an exclusive-open TOML merge into the user-level config
// file for http servers.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/barkain/madrox/internal/common/config"
	"github.com/barkain/madrox/internal/orchestrator/keystroke"
	"github.com/barkain/madrox/internal/orchestrator/orcherr"
	"github.com/barkain/madrox/internal/orchestrator/pane"
	"github.com/barkain/madrox/internal/orchestrator/registry"
	"github.com/gofrs/flock"
	"github.com/pelletier/go-toml/v2"
)

// marshalIndentedJSON renders v as pretty-printed JSON, keeping the
// written config files human-inspectable.
func marshalIndentedJSON(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// SelfServerName is the conventional name of the orchestrator's own tool
// server. Auto-injected if the caller's wiring map doesn't already name it.
const SelfServerName = "self"

// filesystemSettle and commandSettle are the pauses between successive
// wiring operations: long enough for the agent CLI (or
// Codex's own mcp-add subprocess) to notice the filesystem change or finish
// executing the shell command before the next keystroke sequence begins.
const (
	filesystemSettle = 50 * time.Millisecond
	commandSettle    = 200 * time.Millisecond
)

// mcpConfigFileName is the file the Claude CLI is launched with a flag
// pointing at (see lifecycle.Manager's spawn flags).
const mcpConfigFileName = "mcp-config.json"

// codexConfigRelPath is where Codex reads MCP server configuration from at
// startup, relative to its home directory.
const codexConfigRelPath = ".codex/config.toml"

// Configurator materializes tool-server wiring for both agent kinds.
type Configurator struct {
	mux       pane.Multiplexer
	pacer     *keystroke.Pacer
	codexBin  string
	homeDir   string
	daemonCfg config.DaemonConfig
	selfBin   string
}

// New builds a Configurator. codexBin is the executable name Codex agents
// invoke for "mcp add" (e.g. "codex"). homeDir overrides the user home
// directory Codex's config.toml lives under; empty uses os.UserHomeDir.
// selfBin is the orchestrator's own self-mcp-server executable, launched as
// a stdio subprocess by the auto-injected "self" entry; empty defaults to
// DefaultSelfBin.
func New(mux pane.Multiplexer, codexBin, homeDir string, daemonCfg config.DaemonConfig, selfBin string) *Configurator {
	if selfBin == "" {
		selfBin = DefaultSelfBin
	}
	return &Configurator{
		mux:       mux,
		pacer:     keystroke.New(mux),
		codexBin:  codexBin,
		homeDir:   homeDir,
		daemonCfg: daemonCfg,
		selfBin:   selfBin,
	}
}

// DefaultSelfBin is the executable name the orchestrator's own binary is
// expected to be reachable as on an agent's PATH when no override is given
// (see cmd/orchestrator-selfmcp).
const DefaultSelfBin = "orchestrator-selfmcp"

// Materialize writes/sends the wiring for one spawning instance. wiring is
// the caller-supplied map (possibly nil/empty); the "self" entry is injected
// automatically if not already present.
func (c *Configurator) Materialize(ctx context.Context, inst registry.Instance, wiring map[string]registry.ToolServerEntry, paneName string) (map[string]registry.ToolServerEntry, error) {
	merged := make(map[string]registry.ToolServerEntry, len(wiring)+1)
	for k, v := range wiring {
		merged[k] = v
	}
	if _, present := merged[SelfServerName]; !present {
		merged[SelfServerName] = c.selfEntry(inst)
	}

	switch inst.Kind {
	case registry.KindClaude:
		if err := c.writeClaudeConfig(inst.WorkspacePath, merged); err != nil {
			return nil, fmt.Errorf("%w: claude mcp config: %w", orcherr.ErrToolWiring, err)
		}
	case registry.KindCodex:
		if err := c.wireCodex(ctx, paneName, merged); err != nil {
			return nil, fmt.Errorf("%w: codex mcp wiring: %w", orcherr.ErrToolWiring, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown instance kind %q", orcherr.ErrToolWiring, inst.Kind)
	}

	return merged, nil
}

// selfEntry builds the auto-injected "self" server entry: stdio carrying
// daemon connection credentials via environment for Codex agents, http
// pointing at the orchestrator's own endpoint for Claude agents.
func (c *Configurator) selfEntry(inst registry.Instance) registry.ToolServerEntry {
	authKey := c.daemonCfg.AuthKeyBase64
	switch inst.Kind {
	case registry.KindCodex:
		addr := c.daemonCfg.SocketPath
		network := "unix"
		if addr == "" {
			addr = fmt.Sprintf("%s:%d", c.daemonCfg.Host, c.daemonCfg.Port)
			network = "tcp"
		}
		return registry.ToolServerEntry{
			Command: c.selfBin,
			Args:    nil,
			Env: map[string]string{
				"MADROX_DAEMON_ADDR":     addr,
				"MADROX_DAEMON_NETWORK":  network,
				"MADROX_DAEMON_AUTH_KEY": authKey,
				"MADROX_INSTANCE_ID":     inst.ID,
			},
		}
	default:
		return registry.ToolServerEntry{
			Type: "http",
			URL:  fmt.Sprintf("http://%s:%d/mcp/self?instance_id=%s&auth=%s", c.daemonCfg.Host, c.daemonCfg.Port, inst.ID, authKey),
		}
	}
}

// claudeMCPDoc is the shape written to mcp-config.json: a flat map of server
// name to either a stdio entry (command/args/env) or an http entry
// (type/url), with no discriminator field present on stdio entries.
type claudeMCPDoc struct {
	MCPServers map[string]any `json:"mcpServers"`
}

func (c *Configurator) writeClaudeConfig(workspace string, wiring map[string]registry.ToolServerEntry) error {
	servers := make(map[string]any, len(wiring))
	for name, entry := range wiring {
		if entry.Type == "http" {
			servers[name] = map[string]any{
				"type": "http",
				"url":  entry.URL,
			}
			continue
		}
		stdio := map[string]any{
			"command": entry.Command,
		}
		if len(entry.Args) > 0 {
			stdio["args"] = entry.Args
		}
		if len(entry.Env) > 0 {
			stdio["env"] = entry.Env
		}
		servers[name] = stdio
	}

	doc := claudeMCPDoc{MCPServers: servers}
	path := filepath.Join(workspace, mcpConfigFileName)
	data, err := marshalIndentedJSON(doc)
	if err != nil {
		return fmt.Errorf("marshal mcp config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write mcp config: %w", err)
	}
	time.Sleep(filesystemSettle)
	return nil
}

func (c *Configurator) wireCodex(ctx context.Context, paneName string, wiring map[string]registry.ToolServerEntry) error {
	names := make([]string, 0, len(wiring))
	for name := range wiring {
		names = append(names, name)
	}
	sort.Strings(names)

	var httpEntries []namedEntry
	for _, name := range names {
		entry := wiring[name]
		if entry.Type == "http" {
			httpEntries = append(httpEntries, namedEntry{name: name, entry: entry})
			continue
		}
		cmd := c.codexBin + " " + buildMCPAddCommand(name, entry)
		if err := c.pacer.Send(ctx, paneName, cmd, true); err != nil {
			return fmt.Errorf("send mcp add for %q: %w", name, err)
		}
		time.Sleep(commandSettle)
	}

	if len(httpEntries) > 0 {
		if err := c.mergeCodexTOML(httpEntries); err != nil {
			return err
		}
		time.Sleep(filesystemSettle)
	}
	return nil
}

type namedEntry struct {
	name  string
	entry registry.ToolServerEntry
}

// buildMCPAddCommand renders "mcp add <name> <command> <args…> [--env K=V]*";
// the caller prepends the codex binary name.
func buildMCPAddCommand(name string, entry registry.ToolServerEntry) string {
	var b strings.Builder
	b.WriteString("mcp add ")
	b.WriteString(name)
	b.WriteString(" ")
	b.WriteString(entry.Command)
	for _, a := range entry.Args {
		b.WriteString(" ")
		b.WriteString(a)
	}
	envNames := make([]string, 0, len(entry.Env))
	for k := range entry.Env {
		envNames = append(envNames, k)
	}
	sort.Strings(envNames)
	for _, k := range envNames {
		b.WriteString(" --env ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(entry.Env[k])
	}
	return b.String()
}

// mergeCodexTOML merges http-kind entries into ~/.codex/config.toml's
// mcp_servers table, preserving existing unrelated fields, under an
// exclusive file lock.
func (c *Configurator) mergeCodexTOML(entries []namedEntry) error {
	homeDir := c.homeDir
	if homeDir == "" {
		var err error
		homeDir, err = os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve codex home dir: %w", err)
		}
	}
	configPath := filepath.Join(homeDir, codexConfigRelPath)
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("create codex config dir: %w", err)
	}

	lock := flock.New(configPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock codex config: %w", err)
	}
	defer lock.Unlock()

	existing, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read existing codex config: %w", err)
	}

	raw := map[string]any{}
	if len(existing) > 0 {
		if err := toml.Unmarshal(existing, &raw); err != nil {
			raw = map[string]any{}
		}
	}

	servers, ok := raw["mcp_servers"].(map[string]any)
	if !ok {
		servers = map[string]any{}
	}
	for _, ne := range entries {
		safe := sanitizeTOMLKey(ne.name)
		servers[safe] = map[string]any{"url": ne.entry.URL}
	}
	raw["mcp_servers"] = servers

	out, err := toml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal codex config: %w", err)
	}
	if err := os.WriteFile(configPath, out, 0o644); err != nil {
		return fmt.Errorf("write codex config: %w", err)
	}
	return nil
}

// sanitizeTOMLKey replaces characters that would not form a valid bare TOML
// key with underscores.
func sanitizeTOMLKey(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "server"
	}
	return b.String()
}
