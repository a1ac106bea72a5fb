// Package registry holds the in-memory Instance Registry: one record per
// managed agent, the parent/child forest over those records, and the small
// set of transient entities (envelopes, reply queues, position records,
// coordination tasks) the rest of the orchestrator threads through it.
package registry

import "time"

// Kind identifies which agent CLI an instance is running.
type Kind string

const (
	KindClaude Kind = "claude"
	KindCodex  Kind = "codex"
)

// State is the instance lifecycle state. See the FSM description on
// Registry.Transition for the legal transitions between these values.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning       State = "running"
	StateIdle          State = "idle"
	StateBusy          State = "busy"
	StateError         State = "error"
	StateTerminated    State = "terminated"
)

// ResourceLimits bounds how long and how much an instance may consume
// before lifecycle.Manager's resource-limit sweep terminates it.
type ResourceLimits struct {
	MaxTokens      int64         `json:"max_tokens,omitempty"`
	MaxCost        float64       `json:"max_cost,omitempty"`
	TimeoutMinutes time.Duration `json:"timeout,omitempty"`
}

// ToolServerEntry is one entry of an instance's tool-server wiring map, as
// handed to the toolserver configurator at spawn time.
type ToolServerEntry struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Type    string            `json:"type,omitempty"` // "http" when set; absent for stdio
	URL     string            `json:"url,omitempty"`
}

// Instance is one managed agent's record. The registry is the only
// component allowed to mutate one in place; everyone else receives copies
// taken under a read lock.
type Instance struct {
	ID             string
	DisplayName    string
	Role           string
	Kind           Kind
	Model          string
	State          State
	WorkspacePath  string
	CreatedAt      time.Time
	LastActivityAt time.Time
	TerminatedAt   time.Time

	// ParentID is empty for the single root (main orchestrator) instance.
	// Every other instance must have a non-empty ParentID that names a
	// record in the registry, possibly already terminated.
	ParentID string

	CumulativeTokens int64
	CumulativeCost   float64
	RequestCount     int64

	ResourceLimits ResourceLimits

	// PendingSystemPrompt holds a composed system prompt a Claude-kind
	// instance has not yet been given; the Broker prepends it to the
	// first outbound message and clears the flag.
	PendingSystemPrompt string
	HasPendingPrompt    bool

	InitialPrompt string

	ToolServerWiring map[string]ToolServerEntry

	ErrorMessage string
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// registry's lock (map fields are copied, not aliased).
func (i Instance) Clone() Instance {
	out := i
	if i.ToolServerWiring != nil {
		out.ToolServerWiring = make(map[string]ToolServerEntry, len(i.ToolServerWiring))
		for k, v := range i.ToolServerWiring {
			out.ToolServerWiring[k] = v
		}
	}
	return out
}

// IsTerminal reports whether state permits no further transitions:
// only "terminated" is terminal.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// CanAcceptRequests reports whether new Send() traffic may be routed to an
// instance in this state.
func (s State) CanAcceptRequests() bool {
	return s == StateRunning || s == StateIdle
}

// EnvelopeStatus is the delivery status of a Message Envelope. Transitions
// are monotonic along sent -> delivered -> {replied|timeout|error}.
type EnvelopeStatus string

const (
	EnvelopeSent      EnvelopeStatus = "sent"
	EnvelopeDelivered EnvelopeStatus = "delivered"
	EnvelopeReplied   EnvelopeStatus = "replied"
	EnvelopeTimeout   EnvelopeStatus = "timeout"
	EnvelopeError     EnvelopeStatus = "error"
)

// Envelope is one outbound request's bookkeeping record.
type Envelope struct {
	CorrelationID string
	SenderID      string // "coordinator" or an instance id
	RecipientID   string
	Content       string
	SentAt        time.Time
	Status        EnvelopeStatus
	RepliedAt     time.Time
	ReplyContent  string
}

// ReplyPayload is one message enqueued onto a recipient's reply queue.
type ReplyPayload struct {
	SenderID      string
	ReplyMessage  string
	CorrelationID string
	Timestamp     time.Time
}

// PositionRecord tracks how far the activity-summary sweep has read into
// one instance's captured-pane log.
type PositionRecord struct {
	InstanceID        string    `json:"instance_id"`
	LogKind           string    `json:"log_kind"`
	FilePath          string    `json:"file_path"`
	LastByteOffset    int64     `json:"last_byte_offset"`
	LastLineNumber    int64     `json:"last_line_number"`
	LastReadTimestamp time.Time `json:"last_read_timestamp"`
	PrefixChecksum    uint32    `json:"prefix_checksum"`
}

// CoordinationKind selects how Broker.Coordinate fans work out.
type CoordinationKind string

const (
	CoordinationSequential CoordinationKind = "sequential"
	CoordinationParallel   CoordinationKind = "parallel"
	CoordinationConsensus  CoordinationKind = "consensus"
)

// CoordinationStatus is the lifecycle of a CoordinationTask.
type CoordinationStatus string

const (
	CoordinationPending   CoordinationStatus = "pending"
	CoordinationRunning   CoordinationStatus = "running"
	CoordinationCompleted CoordinationStatus = "completed"
	CoordinationFailed    CoordinationStatus = "failed"
)

// CoordinationTask is a transient, never-persisted record of one
// coordinate_instances call.
type CoordinationTask struct {
	TaskID         string
	CoordinatorID  string
	ParticipantIDs []string
	Kind           CoordinationKind
	Status         CoordinationStatus
	Results        map[string]string // recipient_id -> reply
}
