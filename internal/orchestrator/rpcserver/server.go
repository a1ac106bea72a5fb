// Package rpcserver exposes the orchestrator's fixed tool catalogue over
// both SSE and Streamable HTTP transports. Handlers call straight into the
// already-built lifecycle.Manager, broker.Broker, registry.Registry,
// health.Supervisor, and template.Spawner — there is no backend to dial.
package rpcserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/barkain/madrox/internal/common/logger"
	"github.com/barkain/madrox/internal/orchestrator/broker"
	"github.com/barkain/madrox/internal/orchestrator/health"
	"github.com/barkain/madrox/internal/orchestrator/lifecycle"
	"github.com/barkain/madrox/internal/orchestrator/monitoring"
	"github.com/barkain/madrox/internal/orchestrator/pane"
	"github.com/barkain/madrox/internal/orchestrator/registry"
	"github.com/barkain/madrox/internal/orchestrator/template"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// Config holds the RPC surface's bind configuration.
type Config struct {
	Port int
}

// deps bundles every component a tool handler may need to call into. One
// instance is shared by every handler registered on the MCP server.
type deps struct {
	reg       *registry.Registry
	lifecycle *lifecycle.Manager
	broker    *broker.Broker
	health    *health.Supervisor
	mux       pane.Multiplexer
	generator *monitoring.Generator
	templates *template.Spawner
	prompts   PromptLookup
	log       *logger.Logger
}

// PromptLookup resolves a named team template to its raw text;
// template.Loader is the on-disk implementation.
type PromptLookup interface {
	LoadTemplate(name string) (string, error)
}

// Server wraps the SSE and Streamable HTTP transports with a Start/Stop
// lifecycle around a shared http.Server multiplexing both transports on
// one port.
type Server struct {
	cfg                  Config
	deps                 deps
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	log                  *logger.Logger
}

// New builds a Server over the already-constructed orchestrator
// components. templates may be nil if template-backed team spawning is
// unavailable (no templates directory configured).
func New(cfg Config, reg *registry.Registry, lifecycleMgr *lifecycle.Manager, brk *broker.Broker, sup *health.Supervisor, mux pane.Multiplexer, gen *monitoring.Generator, templates *template.Spawner, prompts PromptLookup, log *logger.Logger) *Server {
	return &Server{
		cfg: cfg,
		deps: deps{
			reg:       reg,
			lifecycle: lifecycleMgr,
			broker:    brk,
			health:    sup,
			mux:       mux,
			generator: gen,
			templates: templates,
			prompts:   prompts,
			log:       log.WithFields(zap.String("component", "rpcserver")),
		},
		log: log.WithFields(zap.String("component", "rpcserver.Server")),
	}
}

// Start starts both transports on the same port and returns once listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("rpc server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"madrox-orchestrator",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, s.deps)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)
	mux.Handle("/mcp/self", s.streamableHTTPServer)
	mux.HandleFunc("/health", s.handleHealth)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.log.Info("rpc server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("rpc server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down both transports and the underlying listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown rpc http server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.log.Warn("failed to shutdown sse server", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.log.Warn("failed to shutdown streamable http server", zap.Error(err))
		}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","service":"madrox-orchestrator"}`))
}
