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
	"go.uber.org/zap"
)

// Server is the out-of-process counterpart to RemoteClient: it accepts
// connections speaking the same line-oriented JSON protocol, checks the
// handshake's auth key, and dispatches each action onto a shared
// InProcessClient — so every connected caller (the main orchestrator
// process and every spawned stdio subprocess) sees one consistent set of
// reply queues and envelopes.
type Server struct {
	network string
	address string
	authKey string
	backing *InProcessClient
	log     *logger.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds a Server backed by a fresh InProcessClient. network is
// "tcp" or "unix"; address is "host:port" or a socket path accordingly.
func NewServer(network, address, authKeyBase64 string, log *logger.Logger) *Server {
	return &Server{
		network: network,
		address: address,
		authKey: authKeyBase64,
		backing: NewInProcessClient(),
		log:     log.WithFields(zap.String("component", "daemon.Server")),
	}
}

// Backing returns the InProcessClient the server dispatches onto, so the
// same process's own Broker can share state with remotely-connected
// callers without an extra network hop.
func (s *Server) Backing() *InProcessClient {
	return s.backing
}

// Serve listens and accepts connections until ctx is canceled or Close is
// called.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen(s.network, s.address)
	if err != nil {
		return fmt.Errorf("listen on %s %s: %w", s.network, s.address, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info("shared-state daemon listening", zap.String("network", s.network), zap.String("address", s.address))
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	if !scanner.Scan() {
		return
	}
	var hs handshakeMessage
	if err := json.Unmarshal(scanner.Bytes(), &hs); err != nil || hs.AuthKeyBase64 != s.authKey {
		s.log.Warn("rejected daemon connection: bad handshake")
		return
	}

	writer := bufio.NewWriter(conn)
	var writeMu sync.Mutex
	writeLine := func(msg wireMessage) {
		line, err := json.Marshal(msg)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := writer.Write(append(line, '\n')); err != nil {
			return
		}
		_ = writer.Flush()
	}

	for scanner.Scan() {
		var req wireMessage
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		go func(req wireMessage) {
			resp := s.dispatch(ctx, req)
			writeLine(resp)
		}(req)
	}
}

func (s *Server) dispatch(ctx context.Context, req wireMessage) wireMessage {
	switch req.Action {
	case actionCreateQueue:
		var p struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(req.Payload, &p)
		if err := s.backing.CreateResponseQueue(ctx, p.ID); err != nil {
			return errResp(req.ID, err)
		}
		return okResp(req.ID, nil)

	case actionEnqueue:
		var p struct {
			ID      string                `json:"id"`
			Payload registry.ReplyPayload `json:"payload"`
		}
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errResp(req.ID, err)
		}
		if err := s.backing.Enqueue(ctx, p.ID, p.Payload); err != nil {
			return errResp(req.ID, err)
		}
		return okResp(req.ID, nil)

	case actionDequeue:
		var p dequeueRequest
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errResp(req.ID, err)
		}
		payload, err := s.backing.Dequeue(ctx, p.ID, time.Duration(p.TimeoutMs)*time.Millisecond)
		if err != nil {
			return errResp(req.ID, err)
		}
		return okResp(req.ID, payload)

	case actionRegisterMessage:
		var p registerMessageRequest
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errResp(req.ID, err)
		}
		var envelope registry.Envelope
		if err := json.Unmarshal(p.Envelope, &envelope); err != nil {
			return errResp(req.ID, err)
		}
		if err := s.backing.RegisterMessage(ctx, p.CorrelationID, envelope); err != nil {
			return errResp(req.ID, err)
		}
		return okResp(req.ID, nil)

	case actionUpdateStatus:
		var p updateStatusRequest
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errResp(req.ID, err)
		}
		if err := s.backing.UpdateMessageStatus(ctx, p.CorrelationID, registry.EnvelopeStatus(p.Status), p.ReplyContent); err != nil {
			return errResp(req.ID, err)
		}
		return okResp(req.ID, nil)

	case actionCleanup:
		var p struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(req.Payload, &p)
		if err := s.backing.CleanupInstance(ctx, p.ID); err != nil {
			return errResp(req.ID, err)
		}
		return okResp(req.ID, nil)

	case actionHealthCheck:
		return okResp(req.ID, nil)

	default:
		return wireMessage{ID: req.ID, Type: wireTypeError, Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
}

func okResp(id string, data any) wireMessage {
	if data == nil {
		return wireMessage{ID: id, Type: wireTypeResponse}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return wireMessage{ID: id, Type: wireTypeError, Error: err.Error()}
	}
	return wireMessage{ID: id, Type: wireTypeResponse, Payload: body}
}

func errResp(id string, err error) wireMessage {
	return wireMessage{ID: id, Type: wireTypeError, Error: err.Error()}
}
