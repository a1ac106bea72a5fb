package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/barkain/madrox/internal/orchestrator/orcherr"
)

func newRootInstance(id string) Instance {
	return Instance{
		ID:        id,
		Role:      "main-orchestrator",
		Kind:      KindClaude,
		State:     StateInitializing,
		CreatedAt: time.Now(),
	}
}

func newChildInstance(id, parentID string) Instance {
	return Instance{
		ID:        id,
		Role:      "worker",
		Kind:      KindCodex,
		ParentID:  parentID,
		State:     StateInitializing,
		CreatedAt: time.Now(),
	}
}

func TestCreateRequiresResolvableParent(t *testing.T) {
	r := New()
	if err := r.Create(newChildInstance("worker-1", "ghost")); !errors.Is(err, orcherr.ErrParentUnresolvable) {
		t.Fatalf("expected ErrParentUnresolvable, got %v", err)
	}
}

func TestCreateSingleRoot(t *testing.T) {
	r := New()
	if err := r.Create(newRootInstance("main")); err != nil {
		t.Fatalf("unexpected error creating root: %v", err)
	}
	if err := r.Create(newRootInstance("main-2")); !errors.Is(err, orcherr.ErrParentUnresolvable) {
		t.Fatalf("expected second live root to be rejected, got %v", err)
	}
}

func TestCreateAllowsNewRootAfterPriorRootTerminated(t *testing.T) {
	r := New()
	if err := r.Create(newRootInstance("main")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Transition("main", StateRunning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Transition("main", StateTerminated); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Create(newRootInstance("main-2")); err != nil {
		t.Fatalf("expected new root to be accepted once prior root terminated, got %v", err)
	}
}

func TestForestInvariant(t *testing.T) {
	r := New()
	mustCreate(t, r, newRootInstance("A"))
	mustCreate(t, r, newChildInstance("B", "A"))
	mustCreate(t, r, newChildInstance("C", "B"))

	children := r.Children("A")
	if len(children) != 1 || children[0] != "B" {
		t.Fatalf("expected A's only child to be B, got %v", children)
	}
	children = r.Children("B")
	if len(children) != 1 || children[0] != "C" {
		t.Fatalf("expected B's only child to be C, got %v", children)
	}
}

func TestTransitionRejectsInvalidMoves(t *testing.T) {
	r := New()
	mustCreate(t, r, newRootInstance("A"))

	if err := r.Transition("A", StateBusy); !errors.Is(err, orcherr.ErrInstanceWrongState) {
		t.Fatalf("expected ErrInstanceWrongState moving initializing -> busy directly, got %v", err)
	}

	if err := r.Transition("A", StateRunning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Transition("A", StateIdle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Transition("A", StateBusy); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Transition("A", StateIdle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Transition("A", StateTerminated); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Transition("A", StateRunning); !errors.Is(err, orcherr.ErrInstanceWrongState) {
		t.Fatalf("expected terminated instance to reject further transitions, got %v", err)
	}
}

func TestDebitUsageIsMonotoneAndFreezesAtTermination(t *testing.T) {
	r := New()
	mustCreate(t, r, newRootInstance("A"))
	mustTransition(t, r, "A", StateRunning)

	if err := r.DebitUsage("A", 10, 0.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.DebitUsage("A", 5, 0.25); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inst, err := r.Get("A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.CumulativeTokens != 15 || inst.CumulativeCost != 0.75 || inst.RequestCount != 2 {
		t.Fatalf("unexpected counters: %+v", inst)
	}

	mustTransition(t, r, "A", StateTerminated)
	if err := r.DebitUsage("A", 1, 0.01); !errors.Is(err, orcherr.ErrInstanceWrongState) {
		t.Fatalf("expected debit on terminated instance to fail, got %v", err)
	}

	inst, err = r.Get("A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.CumulativeTokens != 15 || inst.CumulativeCost != 0.75 {
		t.Fatalf("counters must freeze after termination, got %+v", inst)
	}
}

func TestPendingSystemPromptRoundTrip(t *testing.T) {
	r := New()
	mustCreate(t, r, newRootInstance("A"))

	if _, pending, err := r.TakePendingSystemPrompt("A"); err != nil || pending {
		t.Fatalf("expected no pending prompt initially, got pending=%v err=%v", pending, err)
	}

	if err := r.SetPendingSystemPrompt("A", "you are a helper"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prompt, pending, err := r.TakePendingSystemPrompt("A")
	if err != nil || !pending || prompt != "you are a helper" {
		t.Fatalf("unexpected take result: prompt=%q pending=%v err=%v", prompt, pending, err)
	}

	if _, pending, _ := r.TakePendingSystemPrompt("A"); pending {
		t.Fatalf("expected pending flag to clear after first take")
	}
}

func TestFindBusyAndMostRecentlyActive(t *testing.T) {
	r := New()
	mustCreate(t, r, newRootInstance("A"))
	mustCreate(t, r, newChildInstance("B", "A"))
	mustTransition(t, r, "A", StateRunning)
	mustTransition(t, r, "B", StateRunning)

	if _, ok := r.FindBusy(); ok {
		t.Fatalf("expected no busy instance yet")
	}

	mustTransition(t, r, "B", StateBusy)
	id, ok := r.FindBusy()
	if !ok || id != "B" {
		t.Fatalf("expected B to be reported busy, got id=%q ok=%v", id, ok)
	}

	if err := r.DebitUsage("A", 1, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(time.Millisecond)
	if err := r.DebitUsage("B", 1, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mostRecent, ok := r.MostRecentlyActive()
	if !ok || mostRecent != "B" {
		t.Fatalf("expected B to be most recently active, got id=%q ok=%v", mostRecent, ok)
	}
}

func mustCreate(t *testing.T, r *Registry, inst Instance) {
	t.Helper()
	if err := r.Create(inst); err != nil {
		t.Fatalf("unexpected error creating %s: %v", inst.ID, err)
	}
}

func mustTransition(t *testing.T, r *Registry, id string, to State) {
	t.Helper()
	if err := r.Transition(id, to); err != nil {
		t.Fatalf("unexpected error transitioning %s to %s: %v", id, to, err)
	}
}
