package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/barkain/madrox/internal/orchestrator/orcherr"
)

// Registry is the single in-memory owner of Instance Records. Mutation only
// happens through its methods; callers outside the owning loop take a read
// lock and receive a cloned copy, keeping their hold on the lock to a short
// critical section.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	rootID    string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{instances: make(map[string]*Instance)}
}

// Create inserts a new instance record. For a non-root instance, parentID
// must already exist in the registry (possibly terminated); the root
// instance is the single record with an empty parentID and at most one may
// exist and be non-terminated.
func (r *Registry) Create(inst Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[inst.ID]; exists {
		return fmt.Errorf("instance %s already registered", inst.ID)
	}

	if inst.ParentID == "" {
		if r.rootID != "" {
			if existing, ok := r.instances[r.rootID]; ok && !existing.State.IsTerminal() {
				return fmt.Errorf("%w: a root instance %s is already active", orcherr.ErrParentUnresolvable, r.rootID)
			}
		}
		r.rootID = inst.ID
	} else if _, ok := r.instances[inst.ParentID]; !ok {
		return fmt.Errorf("%w: parent %s not found", orcherr.ErrParentUnresolvable, inst.ParentID)
	}

	stored := inst
	r.instances[inst.ID] = &stored
	return nil
}

// Get returns a cloned copy of the instance, safe to use outside the lock.
func (r *Registry) Get(id string) (Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", orcherr.ErrInstanceNotFound, id)
	}
	return inst.Clone(), nil
}

// List returns cloned copies of every instance, in no particular order.
func (r *Registry) List() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.Clone())
	}
	return out
}

// Children returns the ids of instances whose ParentID equals parentID,
// regardless of their current state.
func (r *Registry) Children(parentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, inst := range r.instances {
		if inst.ParentID == parentID {
			out = append(out, id)
		}
	}
	return out
}

// NonTerminatedCount returns how many instances are not in state
// terminated, used by the capacity check in Spawn.
func (r *Registry) NonTerminatedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, inst := range r.instances {
		if !inst.State.IsTerminal() {
			n++
		}
	}
	return n
}

// RootID returns the id of the registry's root instance, or "" if none has
// been created yet.
func (r *Registry) RootID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rootID
}

// FindBusy returns the id of an instance currently in state busy, used by
// parent auto-detection strategy 1. When more than one instance is busy,
// the choice among them is unspecified and may misattribute the parent.
func (r *Registry) FindBusy() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, inst := range r.instances {
		if inst.State == StateBusy {
			return id, true
		}
	}
	return "", false
}

// MostRecentlyActive returns the id of the instance with the greatest
// LastActivityAt among those with RequestCount > 0, used by parent
// auto-detection strategy 2.
func (r *Registry) MostRecentlyActive() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var bestID string
	var bestAt time.Time
	found := false
	for id, inst := range r.instances {
		if inst.RequestCount <= 0 {
			continue
		}
		if !found || inst.LastActivityAt.After(bestAt) {
			bestID, bestAt, found = id, inst.LastActivityAt, true
		}
	}
	return bestID, found
}

// Transition moves an instance to a new state, validating the FSM:
// initializing -> running -> (idle <-> busy) -> terminated, with error
// reachable from any pre-terminal state.
func (r *Registry) Transition(id string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", orcherr.ErrInstanceNotFound, id)
	}
	if inst.State.IsTerminal() {
		return fmt.Errorf("%w: %s is terminated", orcherr.ErrInstanceWrongState, id)
	}
	if !legalTransition(inst.State, to) {
		return fmt.Errorf("%w: %s cannot move from %s to %s", orcherr.ErrInstanceWrongState, id, inst.State, to)
	}
	inst.State = to
	if to == StateTerminated {
		inst.TerminatedAt = time.Now()
	}
	return nil
}

func legalTransition(from, to State) bool {
	if from == to {
		return true
	}
	if to == StateError {
		return from != StateTerminated
	}
	if to == StateTerminated {
		return true
	}
	switch from {
	case StateInitializing:
		return to == StateRunning
	case StateRunning:
		return to == StateIdle || to == StateBusy
	case StateIdle:
		return to == StateBusy
	case StateBusy:
		return to == StateIdle
	case StateError:
		return false
	default:
		return false
	}
}

// TouchActivity stamps LastActivityAt = now for an instance.
func (r *Registry) TouchActivity(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", orcherr.ErrInstanceNotFound, id)
	}
	inst.LastActivityAt = time.Now()
	return nil
}

// DebitUsage adds to an instance's cumulative token/cost counters and bumps
// its request count. Counters are monotone non-decreasing and are the only
// field this method mutates besides LastActivityAt. Terminated instances
// are rejected: counters freeze once an instance is terminated.
func (r *Registry) DebitUsage(id string, tokens int64, cost float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", orcherr.ErrInstanceNotFound, id)
	}
	if inst.State.IsTerminal() {
		return fmt.Errorf("%w: %s is terminated", orcherr.ErrInstanceWrongState, id)
	}
	if tokens < 0 || cost < 0 {
		return fmt.Errorf("debit amounts must be non-negative")
	}
	inst.CumulativeTokens += tokens
	inst.CumulativeCost += cost
	inst.RequestCount++
	inst.LastActivityAt = time.Now()
	return nil
}

// SetPendingSystemPrompt stores a composed system prompt a Claude-kind
// instance has not yet seen; the Broker clears it via
// TakePendingSystemPrompt when prepending it to the first outbound
// message.
func (r *Registry) SetPendingSystemPrompt(id, prompt string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", orcherr.ErrInstanceNotFound, id)
	}
	inst.PendingSystemPrompt = prompt
	inst.HasPendingPrompt = true
	return nil
}

// TakePendingSystemPrompt atomically reads and clears the pending system
// prompt flag, returning the prompt text and whether one was pending.
func (r *Registry) TakePendingSystemPrompt(id string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", orcherr.ErrInstanceNotFound, id)
	}
	if !inst.HasPendingPrompt {
		return "", false, nil
	}
	prompt := inst.PendingSystemPrompt
	inst.PendingSystemPrompt = ""
	inst.HasPendingPrompt = false
	return prompt, true, nil
}

// SetToolServerWiring stores the materialized tool-server wiring on an
// instance record, including auto-injected entries the spawn request
// itself did not name.
func (r *Registry) SetToolServerWiring(id string, wiring map[string]ToolServerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", orcherr.ErrInstanceNotFound, id)
	}
	inst.ToolServerWiring = wiring
	return nil
}

// SetErrorMessage records a non-fatal degradation notice on an instance,
// used by the health supervisor when the shared-state daemon degrades.
func (r *Registry) SetErrorMessage(id, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", orcherr.ErrInstanceNotFound, id)
	}
	inst.ErrorMessage = msg
	return nil
}

// Remove deletes an instance record outright. Termination does not call
// it; normal termination keeps the record
// (in state terminated) rather than deleting it, so get_instance_status and
// parent-id resolution keep working for already-terminated parents.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, id)
	if r.rootID == id {
		r.rootID = ""
	}
}
