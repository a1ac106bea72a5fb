// Package orcherr defines the structured error kinds shared across the
// orchestrator's components. Every kind is a sentinel error that call sites
// wrap with fmt.Errorf("...: %w", ...) and that the RPC boundary unwraps
// with errors.Is to populate the error.kind field of a tool response.
package orcherr

import "errors"

var (
	// ErrCapacityExceeded is returned when spawning would exceed the
	// configured maximum instance count.
	ErrCapacityExceeded = errors.New("instance capacity exceeded")

	// ErrParentUnresolvable is returned when a spawn request names a
	// parent instance id the registry has no record of (a terminated
	// parent is accepted), when no parent is named and auto-detection
	// finds none, or when a second non-terminated root would be created.
	ErrParentUnresolvable = errors.New("parent instance unresolvable")

	// ErrInstanceNotFound is returned when an operation names an instance
	// id the registry has no record of.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceWrongState is returned when an operation is attempted
	// against an instance whose current state does not permit it (for
	// example, sending to a terminated instance).
	ErrInstanceWrongState = errors.New("instance is not in a valid state for this operation")

	// ErrTimeout is returned when a bounded wait (reply queue receive,
	// readiness poll, health check) exceeds its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrMultiplexer is returned when the terminal multiplexer adapter
	// fails to create, kill, or interact with a session or pane.
	ErrMultiplexer = errors.New("multiplexer operation failed")

	// ErrToolWiring is returned when writing an agent's tool-server
	// configuration fails (JSON config write, TOML merge, mcp add command).
	ErrToolWiring = errors.New("tool server wiring failed")

	// ErrDaemonDown is returned when the shared-state daemon client
	// cannot reach the daemon and no in-process fallback is usable.
	ErrDaemonDown = errors.New("shared-state daemon unreachable")

	// ErrQuotaExceeded is returned when an instance's resource limits
	// (token budget, cost budget, idle timeout) have been exhausted.
	ErrQuotaExceeded = errors.New("resource quota exceeded")

	// ErrTemplateMalformed is returned when a team template cannot be
	// loaded or declares no team members, and by the Broker for an unknown
	// coordination kind.
	ErrTemplateMalformed = errors.New("team template malformed")
)

// Kind returns the canonical string used in the error.kind field of an RPC
// error response for a given wrapped error. Returns "" when err does not
// wrap any of the known sentinel kinds.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrParentUnresolvable):
		return "parent_unresolvable"
	case errors.Is(err, ErrInstanceNotFound):
		return "instance_not_found"
	case errors.Is(err, ErrInstanceWrongState):
		return "instance_wrong_state"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrMultiplexer):
		return "multiplexer_error"
	case errors.Is(err, ErrToolWiring):
		return "tool_wiring_error"
	case errors.Is(err, ErrDaemonDown):
		return "daemon_down"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrTemplateMalformed):
		return "template_malformed"
	default:
		return ""
	}
}
