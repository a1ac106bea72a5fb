package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/barkain/madrox/internal/common/config"
	"github.com/barkain/madrox/internal/common/logger"
	"github.com/barkain/madrox/internal/events/bus"
	"github.com/barkain/madrox/internal/orchestrator/pane"
	"github.com/barkain/madrox/internal/orchestrator/prompts"
	"github.com/barkain/madrox/internal/orchestrator/registry"
	"github.com/barkain/madrox/internal/orchestrator/toolserver"
)

func newTestManager(t *testing.T) (*Manager, *pane.FakeMultiplexer) {
	t.Helper()
	mux := pane.NewFakeMultiplexer()
	reg := registry.New()
	tools := toolserver.New(mux, "codex", t.TempDir(), config.DaemonConfig{}, "")
	loader := prompts.New("")
	log := logger.Default()
	cfg := config.OrchestratorConfig{
		MaxInstances:     10,
		WorkspaceBaseDir: t.TempDir(),
	}
	mplex := config.MultiplexerConfig{DefaultCols: 80, DefaultRows: 24}
	m := New(reg, mux, tools, loader, bus.NewMemoryEventBus(log), log, cfg, mplex, "claude", "codex")
	return m, mux
}

// spawnReady launches req in the background and, once the fake session
// exists, feeds back the kind-specific ready marker so waitForReady
// returns well before its deadline.
func spawnReady(t *testing.T, m *Manager, mux *pane.FakeMultiplexer, req SpawnRequest) string {
	t.Helper()
	req.WaitForReady = false
	id, err := m.Spawn(context.Background(), req)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if active, err := mux.PaneActive(context.Background(), id); err == nil && active {
			marker := "codex> send a message"
			if req.Kind == registry.KindClaude {
				marker = `Try "help me"`
			}
			mux.AppendOutput(id, marker)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := m.reg.Get(id)
		if err == nil && inst.State == registry.StateIdle {
			return id
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("instance %s never reached idle", id)
	return id
}

func TestSpawnRootThenChildAutoParents(t *testing.T) {
	m, mux := newTestManager(t)

	rootID := spawnReady(t, m, mux, SpawnRequest{Name: RootDisplayName, Role: "technical_lead", Kind: registry.KindCodex})

	// Auto-detection strategy 1 picks the currently-busy instance as the
	// new child's parent; simulate the root mid-turn.
	if err := m.reg.Transition(rootID, registry.StateBusy); err != nil {
		t.Fatalf("Transition root to busy: %v", err)
	}

	childID := spawnReady(t, m, mux, SpawnRequest{Role: "general", Kind: registry.KindCodex})

	child, err := m.reg.Get(childID)
	if err != nil {
		t.Fatalf("Get child: %v", err)
	}
	if child.ParentID != rootID {
		t.Fatalf("expected auto-detected parent %s, got %s", rootID, child.ParentID)
	}

	sent := mux.SentText(childID)
	if len(sent) == 0 {
		t.Fatalf("expected at least one keystroke payload sent to child pane")
	}
}

func TestSpawnWithoutRootAndNoExplicitParentFails(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Spawn(context.Background(), SpawnRequest{Role: "general", Kind: registry.KindCodex, WaitForReady: true})
	if err == nil {
		t.Fatalf("expected parent-unresolvable error when registry is empty and name is not %q", RootDisplayName)
	}
}

func TestSpawnRespectsCapacityLimit(t *testing.T) {
	m, mux := newTestManager(t)
	m.cfg.MaxInstances = 1
	spawnReady(t, m, mux, SpawnRequest{Name: RootDisplayName, Role: "technical_lead", Kind: registry.KindCodex})

	_, err := m.Spawn(context.Background(), SpawnRequest{Role: "general", Kind: registry.KindCodex, WaitForReady: true})
	if err == nil {
		t.Fatalf("expected capacity-exceeded error")
	}
}

func TestTerminateCascadesToChildrenAndRemovesWorkspace(t *testing.T) {
	m, mux := newTestManager(t)
	rootID := spawnReady(t, m, mux, SpawnRequest{Name: RootDisplayName, Role: "technical_lead", Kind: registry.KindCodex})
	childID := spawnReady(t, m, mux, SpawnRequest{Role: "general", Kind: registry.KindCodex, ParentID: rootID})

	childInst, err := m.reg.Get(childID)
	if err != nil {
		t.Fatalf("Get child: %v", err)
	}

	if err := m.Terminate(context.Background(), rootID, false, nil); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	root, err := m.reg.Get(rootID)
	if err != nil {
		t.Fatalf("Get root: %v", err)
	}
	if root.State != registry.StateTerminated {
		t.Fatalf("expected root terminated, got %s", root.State)
	}
	child, err := m.reg.Get(childID)
	if err != nil {
		t.Fatalf("Get child after cascade: %v", err)
	}
	if child.State != registry.StateTerminated {
		t.Fatalf("expected child terminated by cascade, got %s", child.State)
	}

	if _, err := os.Stat(childInst.WorkspacePath); !os.IsNotExist(err) {
		t.Fatalf("expected workspace %s removed, stat err=%v", childInst.WorkspacePath, err)
	}
}

func TestTerminateBusyWithoutForceFails(t *testing.T) {
	m, mux := newTestManager(t)
	id := spawnReady(t, m, mux, SpawnRequest{Name: RootDisplayName, Role: "technical_lead", Kind: registry.KindCodex})
	if err := m.reg.Transition(id, registry.StateBusy); err != nil {
		t.Fatalf("Transition to busy: %v", err)
	}

	if err := m.Terminate(context.Background(), id, false, nil); err == nil {
		t.Fatalf("expected busy-without-force termination to fail")
	}

	if err := m.Terminate(context.Background(), id, true, nil); err != nil {
		t.Fatalf("forced Terminate: %v", err)
	}
}

func TestTerminatePreservesArtifactsWhenConfigured(t *testing.T) {
	m, mux := newTestManager(t)
	m.cfg.PreserveArtifacts = true
	m.cfg.ArtifactsDir = t.TempDir()

	id := spawnReady(t, m, mux, SpawnRequest{Name: RootDisplayName, Role: "technical_lead", Kind: registry.KindCodex})
	inst, err := m.reg.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	marker := filepath.Join(inst.WorkspacePath, "notes.txt")
	if err := os.WriteFile(marker, []byte("scratch notes"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	if err := m.Terminate(context.Background(), id, false, nil); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	archived := filepath.Join(m.cfg.ArtifactsDir, id, "notes.txt")
	data, err := os.ReadFile(archived)
	if err != nil {
		t.Fatalf("expected archived file at %s: %v", archived, err)
	}
	if string(data) != "scratch notes" {
		t.Fatalf("archived content mismatch: %q", data)
	}

	metaPath := filepath.Join(m.cfg.ArtifactsDir, id, "metadata.json")
	meta, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("expected metadata sidecar at %s: %v", metaPath, err)
	}
	if !strings.Contains(string(meta), id) {
		t.Fatalf("metadata sidecar missing instance id: %s", meta)
	}
}

func TestInterruptSendsKeyAndReturnsToIdle(t *testing.T) {
	m, mux := newTestManager(t)
	id := spawnReady(t, m, mux, SpawnRequest{Name: RootDisplayName, Role: "technical_lead", Kind: registry.KindCodex})
	if err := m.reg.Transition(id, registry.StateBusy); err != nil {
		t.Fatalf("Transition to busy: %v", err)
	}
	mux.AppendOutput(id, "Interrupted by user")

	confirmed, err := m.Interrupt(context.Background(), id)
	if err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if !confirmed {
		t.Fatalf("expected interrupt confirmation from cancellation marker")
	}

	inst, err := m.reg.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.State != registry.StateIdle {
		t.Fatalf("expected idle after interrupt, got %s", inst.State)
	}
}

func TestResourceSweepTerminatesOnTimeout(t *testing.T) {
	m, mux := newTestManager(t)
	id := spawnReady(t, m, mux, SpawnRequest{
		Name: RootDisplayName, Role: "technical_lead", Kind: registry.KindCodex,
		ResourceLimits: registry.ResourceLimits{TimeoutMinutes: time.Millisecond},
	})
	time.Sleep(5 * time.Millisecond)

	m.sweepOnce(context.Background(), nil)

	inst, err := m.reg.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.State != registry.StateTerminated {
		t.Fatalf("expected sweep to terminate timed-out instance, got %s", inst.State)
	}
}
