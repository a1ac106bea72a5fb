package template

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/barkain/madrox/internal/common/config"
	"github.com/barkain/madrox/internal/common/logger"
	"github.com/barkain/madrox/internal/events/bus"
	"github.com/barkain/madrox/internal/orchestrator/lifecycle"
	"github.com/barkain/madrox/internal/orchestrator/pane"
	"github.com/barkain/madrox/internal/orchestrator/prompts"
	"github.com/barkain/madrox/internal/orchestrator/registry"
	"github.com/barkain/madrox/internal/orchestrator/toolserver"
)

const sampleTemplate = `
## Team Metadata
supervisor_role: architect
estimated_duration: 2-4 hours
team_size: 3

## Supervisor Instructions
You are the team supervisor.

## Team Members
### Backend Developer
Role: backend_developer
Responsibilities: API development

### Frontend Developer
Role: frontend_developer
Responsibilities: UI development
`

func TestParseExtractsMetadataAndMembers(t *testing.T) {
	p := Parse(sampleTemplate)
	if p.SupervisorRole != "architect" {
		t.Fatalf("expected explicit supervisor_role to win, got %q", p.SupervisorRole)
	}
	if p.Duration != "2-4 hours" {
		t.Fatalf("unexpected duration %q", p.Duration)
	}
	if p.TeamSize != 3 {
		t.Fatalf("expected team_size 3, got %d", p.TeamSize)
	}
	if len(p.Members) != 2 {
		t.Fatalf("expected 2 members, got %d: %+v", len(p.Members), p.Members)
	}
	if p.Members[0].Name != "Backend Developer" || p.Members[0].Role != "backend_developer" {
		t.Fatalf("unexpected first member: %+v", p.Members[0])
	}
	if p.Members[1].Name != "Frontend Developer" || p.Members[1].Role != "frontend_developer" {
		t.Fatalf("unexpected second member: %+v", p.Members[1])
	}
}

func TestParseAppliesDefaultsWhenMetadataMissing(t *testing.T) {
	p := Parse("## Team Members\n### Solo Engineer\n")
	if p.TeamSize != DefaultTeamSize {
		t.Fatalf("expected default team size, got %d", p.TeamSize)
	}
	if p.Duration != DefaultDuration {
		t.Fatalf("expected default duration, got %q", p.Duration)
	}
	if p.SupervisorRole != DefaultSupervisorRole {
		t.Fatalf("expected default supervisor role, got %q", p.SupervisorRole)
	}
	if len(p.Members) != 1 || p.Members[0].Role != DefaultSupervisorRole {
		t.Fatalf("expected one member defaulted to the general role, got %+v", p.Members)
	}
}

func TestParseMapsLeadHeadingToCanonicalRole(t *testing.T) {
	p := Parse("## Security Lead\nYou own security review.\n\n## Team Members\n### Reviewer\nRole: general\n")
	if p.SupervisorRole != "security_lead" {
		t.Fatalf("expected Security Lead heading to map to security_lead, got %q", p.SupervisorRole)
	}
}

// feedReadyMarkers runs in the background for the life of a test, watching
// every pane a FakeMultiplexer session opens and feeding back the codex
// ready marker as soon as it goes active, so every spawn's (async)
// waitForReady settles quickly instead of riding out its poll deadline.
// Mirrors lifecycle_test.go's spawnReady helper, generalized to watch an
// arbitrary, growing set of ids (SpawnTeam spawns the supervisor and each
// member under ids this test never sees ahead of time).
func feedReadyMarkers(t *testing.T, reg *registry.Registry, mux *pane.FakeMultiplexer, stop <-chan struct{}) {
	t.Helper()
	fed := map[string]bool{}
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, inst := range reg.List() {
				if fed[inst.ID] {
					continue
				}
				if active, err := mux.PaneActive(context.Background(), inst.ID); err == nil && active {
					mux.AppendOutput(inst.ID, "codex> send a message")
					fed[inst.ID] = true
				}
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
}

func newTestSpawner(t *testing.T) (*Spawner, string) {
	t.Helper()
	mux := pane.NewFakeMultiplexer()
	reg := registry.New()
	tools := toolserver.New(mux, "codex", t.TempDir(), config.DaemonConfig{}, "")
	loader := prompts.New("")
	log := logger.Default()
	cfg := config.OrchestratorConfig{MaxInstances: 20, WorkspaceBaseDir: t.TempDir()}
	mplex := config.MultiplexerConfig{DefaultCols: 80, DefaultRows: 24}
	mgr := lifecycle.New(reg, mux, tools, loader, bus.NewMemoryEventBus(log), log, cfg, mplex, "claude", "codex")

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	feedReadyMarkers(t, reg, mux, stop)

	// A fresh registry has no root yet, and resolveParent only auto-roots a
	// spawn explicitly named RootDisplayName; spawn that root first so
	// SpawnTeam has a caller to parent the team supervisor under.
	rootID, err := mgr.Spawn(context.Background(), lifecycle.SpawnRequest{
		Name:         lifecycle.RootDisplayName,
		Role:         "general",
		Kind:         registry.KindCodex,
		WaitForReady: true,
	})
	if err != nil {
		t.Fatalf("spawn root instance: %v", err)
	}
	return New(mgr), rootID
}

func TestSpawnTeamCreatesSupervisorThenChildren(t *testing.T) {
	s, rootID := newTestSpawner(t)
	instruction, err := s.SpawnTeam(context.Background(), rootID, sampleTemplate, "Build a web app")
	if err != nil {
		t.Fatalf("SpawnTeam: %v", err)
	}
	if !strings.Contains(instruction, "Supervisor ID:") {
		t.Fatalf("expected rendered instruction to name the supervisor id, got %q", instruction)
	}
	if !strings.Contains(instruction, "2 members spawned") {
		t.Fatalf("expected both members reflected in the instruction, got %q", instruction)
	}
}

func TestSpawnTeamRejectsTemplateWithNoMembers(t *testing.T) {
	s, rootID := newTestSpawner(t)
	_, err := s.SpawnTeam(context.Background(), rootID, "## Team Metadata\nteam_size: 2\n", "task")
	if err == nil {
		t.Fatalf("expected an error for a template with no team members")
	}
}
