package daemon

import "encoding/json"

// Wire message types for the line-oriented JSON protocol RemoteClient
// speaks over a TCP or unix-domain socket.
const (
	wireTypeRequest  = "request"
	wireTypeResponse = "response"
	wireTypeError    = "error"
)

// Actions the daemon server understands, one per Client method.
const (
	actionCreateQueue     = "create_response_queue"
	actionEnqueue         = "enqueue"
	actionDequeue         = "dequeue"
	actionRegisterMessage = "register_message"
	actionUpdateStatus    = "update_message_status"
	actionCleanup         = "cleanup_instance"
	actionHealthCheck     = "health_check"
)

// wireMessage is one line of the protocol: a request, its response, or an
// error, correlated by ID.
type wireMessage struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// handshakeMessage is the single line sent immediately after dialing,
// authenticating the connection with the shared base64 key every spawned
// instance also receives via environment.
type handshakeMessage struct {
	AuthKeyBase64 string `json:"auth_key_base64"`
}

type dequeueRequest struct {
	ID        string `json:"id"`
	TimeoutMs int64  `json:"timeout_ms"`
}

type registerMessageRequest struct {
	CorrelationID string          `json:"correlation_id"`
	Envelope      json.RawMessage `json:"envelope"`
}

type updateStatusRequest struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	ReplyContent  string `json:"reply_content,omitempty"`
}
