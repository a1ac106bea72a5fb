package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/barkain/madrox/internal/common/logger"
	"github.com/barkain/madrox/internal/orchestrator/registry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RemoteClient talks to an out-of-process shared-state daemon over a plain
// TCP or unix-domain socket, one JSON object per line, correlated by
// request id, with an auth-key handshake performed immediately after
// dialing.
type RemoteClient struct {
	network string // "tcp" or "unix"
	address string
	authKey string
	logger  *logger.Logger

	connMu  sync.RWMutex
	conn    net.Conn
	writer  *bufio.Writer
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan wireMessage
}

// NewRemoteClient builds a client for the given transport. network is
// "tcp" or "unix"; address is "host:port" or a socket path accordingly.
func NewRemoteClient(network, address, authKeyBase64 string, log *logger.Logger) *RemoteClient {
	return &RemoteClient{
		network: network,
		address: address,
		authKey: authKeyBase64,
		logger:  log.WithFields(zap.String("component", "daemon.RemoteClient")),
		pending: make(map[string]chan wireMessage),
	}
}

// Dial connects and performs the auth handshake. Must be called once
// before any other method.
func (c *RemoteClient) Dial(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, c.network, c.address)
	if err != nil {
		return fmt.Errorf("dial daemon at %s %s: %w", c.network, c.address, err)
	}

	writer := bufio.NewWriter(conn)
	hs, err := json.Marshal(handshakeMessage{AuthKeyBase64: c.authKey})
	if err != nil {
		conn.Close()
		return fmt.Errorf("marshal handshake: %w", err)
	}
	if _, err := writer.Write(append(hs, '\n')); err != nil || writer.Flush() != nil {
		conn.Close()
		return fmt.Errorf("send handshake: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.writer = writer
	c.connMu.Unlock()

	go c.readLoop(conn)
	c.logger.Info("connected to shared-state daemon", zap.String("network", c.network), zap.String("address", c.address))
	return nil
}

func (c *RemoteClient) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var msg wireMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			c.logger.Warn("malformed daemon message", zap.Error(err))
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
	}
	c.handleDisconnect()
}

func (c *RemoteClient) handleDisconnect() {
	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- wireMessage{ID: id, Type: wireTypeError, Error: "connection lost"}
		delete(c.pending, id)
	}
}

// request sends one action+payload and awaits its correlated response.
func (c *RemoteClient) request(ctx context.Context, action string, payload any) (wireMessage, error) {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return wireMessage{}, fmt.Errorf("%w: not connected", errNotConnected)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return wireMessage{}, fmt.Errorf("marshal request payload: %w", err)
	}
	id := uuid.New().String()
	msg := wireMessage{ID: id, Type: wireTypeRequest, Action: action, Payload: body}
	line, err := json.Marshal(msg)
	if err != nil {
		return wireMessage{}, fmt.Errorf("marshal request: %w", err)
	}

	respCh := make(chan wireMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	_, werr := c.writer.Write(append(line, '\n'))
	if werr == nil {
		werr = c.writer.Flush()
	}
	c.writeMu.Unlock()
	if werr != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return wireMessage{}, fmt.Errorf("write request: %w", werr)
	}

	select {
	case resp := <-respCh:
		if resp.Type == wireTypeError {
			return resp, fmt.Errorf("daemon error: %s", resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return wireMessage{}, ctx.Err()
	}
}

func (c *RemoteClient) CreateResponseQueue(ctx context.Context, id string) error {
	_, err := c.request(ctx, actionCreateQueue, map[string]string{"id": id})
	return err
}

func (c *RemoteClient) Enqueue(ctx context.Context, id string, payload registry.ReplyPayload) error {
	_, err := c.request(ctx, actionEnqueue, struct {
		ID      string                `json:"id"`
		Payload registry.ReplyPayload `json:"payload"`
	}{ID: id, Payload: payload})
	return err
}

func (c *RemoteClient) Dequeue(ctx context.Context, id string, timeout time.Duration) (*registry.ReplyPayload, error) {
	resp, err := c.request(ctx, actionDequeue, dequeueRequest{ID: id, TimeoutMs: timeout.Milliseconds()})
	if err != nil {
		return nil, err
	}
	if len(resp.Payload) == 0 || string(resp.Payload) == "null" {
		return nil, nil
	}
	var payload registry.ReplyPayload
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal dequeue response: %w", err)
	}
	return &payload, nil
}

func (c *RemoteClient) RegisterMessage(ctx context.Context, correlationID string, envelope registry.Envelope) error {
	envBytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = c.request(ctx, actionRegisterMessage, registerMessageRequest{CorrelationID: correlationID, Envelope: envBytes})
	return err
}

func (c *RemoteClient) UpdateMessageStatus(ctx context.Context, correlationID string, status registry.EnvelopeStatus, replyContent string) error {
	_, err := c.request(ctx, actionUpdateStatus, updateStatusRequest{
		CorrelationID: correlationID,
		Status:        string(status),
		ReplyContent:  replyContent,
	})
	return err
}

func (c *RemoteClient) CleanupInstance(ctx context.Context, id string) error {
	_, err := c.request(ctx, actionCleanup, map[string]string{"id": id})
	return err
}

func (c *RemoteClient) HealthCheck(ctx context.Context, timeout time.Duration) (HealthResult, error) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := c.request(callCtx, actionHealthCheck, struct{}{})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return HealthResult{Healthy: false, ResponseTimeMs: elapsed, Error: err.Error()}, nil
	}
	return HealthResult{Healthy: true, ResponseTimeMs: elapsed}, nil
}

func (c *RemoteClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

var _ Client = (*RemoteClient)(nil)
