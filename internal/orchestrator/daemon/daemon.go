// Package daemon implements the Shared-State Daemon Client: the contract
// the Messaging Broker uses to keep reply queues and message
// envelopes in a place multiple orchestrator processes (including spawned
// stdio subprocesses) can reach, plus the in-process fallback used when no
// daemon is configured or it has been judged unhealthy.
package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/barkain/madrox/internal/orchestrator/registry"
)

// errNotConnected is returned by RemoteClient methods called before Dial or
// after the connection has dropped and not yet been re-established.
var errNotConnected = errors.New("daemon: not connected")

// HealthResult is the outcome of one liveness ping.
type HealthResult struct {
	Healthy        bool
	ResponseTimeMs int64
	Error          string
}

// Client is the contract the Broker depends on. RemoteClient talks to an
// out-of-process daemon over TCP or a unix socket; InProcessClient keeps the
// same state in local maps and channels for single-process deployments and
// tests.
type Client interface {
	// CreateResponseQueue ensures a bounded FIFO exists for id. Idempotent.
	CreateResponseQueue(ctx context.Context, id string) error
	// Enqueue appends a reply payload to id's queue, blocking up to a
	// bounded-put deadline (~5s) if the queue is full.
	Enqueue(ctx context.Context, id string, payload registry.ReplyPayload) error
	// Dequeue waits up to timeout for a payload on id's queue. Returns
	// (nil, nil) on timeout with no payload, not an error.
	Dequeue(ctx context.Context, id string, timeout time.Duration) (*registry.ReplyPayload, error)

	// RegisterMessage records a freshly-sent envelope. KeyError-equivalent
	// misses (unknown cid on later calls) are tolerated, never fatal — a
	// stdio subprocess instance may not share this registry.
	RegisterMessage(ctx context.Context, correlationID string, envelope registry.Envelope) error
	// UpdateMessageStatus transitions an envelope's status, recording a
	// reply and its timestamp when replying. A miss on an unknown
	// correlation id is silently ignored.
	UpdateMessageStatus(ctx context.Context, correlationID string, status registry.EnvelopeStatus, replyContent string) error

	// CleanupInstance drops id's queue and any envelopes addressed to or
	// from it.
	CleanupInstance(ctx context.Context, id string) error

	// HealthCheck performs one round-trip ping, bounded by timeout.
	HealthCheck(ctx context.Context, timeout time.Duration) (HealthResult, error)

	// Close releases any underlying connection. Safe to call more than once.
	Close() error
}
