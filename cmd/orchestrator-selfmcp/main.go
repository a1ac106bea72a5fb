// Command orchestrator-selfmcp is the auto-injected "self" tool server a
// Codex-kind instance spawns as a stdio subprocess. It dials the
// shared-state daemon its parent orchestrator process is serving, using
// the address, transport, and auth key carried in via environment, and
// exposes the reply_to_caller tool so the agent can answer a pending
// bidirectional message without shelling back into its own pane.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/barkain/madrox/internal/common/logger"
	"github.com/barkain/madrox/internal/orchestrator/daemon"
	"github.com/barkain/madrox/internal/orchestrator/registry"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// dialTimeout bounds the initial connection to the parent orchestrator's
// shared-state daemon.
const dialTimeout = 5 * time.Second

func main() {
	log := logger.Default()

	addr := os.Getenv("MADROX_DAEMON_ADDR")
	network := envOr("MADROX_DAEMON_NETWORK", "tcp")
	authKey := os.Getenv("MADROX_DAEMON_AUTH_KEY")
	instanceID := os.Getenv("MADROX_INSTANCE_ID")
	if addr == "" || instanceID == "" {
		fmt.Fprintln(os.Stderr, "orchestrator-selfmcp: MADROX_DAEMON_ADDR and MADROX_INSTANCE_ID must be set")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := daemon.NewRemoteClient(network, addr, authKey, log)
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()
	if err := client.Dial(dialCtx); err != nil {
		log.Fatal("failed to connect to orchestrator daemon", zap.Error(err))
	}
	defer client.Close()

	mcpServer := server.NewMCPServer("madrox-self", "1.0.0", server.WithToolCapabilities(true))
	registerSelfTools(mcpServer, client, instanceID, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		log.Error("stdio server error", zap.Error(err))
	}
}

// registerSelfTools exposes reply_to_caller directly against the daemon
// client, the only tool a stdio "self" server needs: everything else an
// instance does goes through the pane, not this side channel.
func registerSelfTools(s *server.MCPServer, client *daemon.RemoteClient, instanceID string, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("reply_to_caller",
			mcp.WithDescription("Deliver a reply to whoever is awaiting this agent's response, matched by correlation id."),
			mcp.WithString("reply_message", mcp.Required()),
			mcp.WithString("correlation_id", mcp.Description("Correlation id from the [MSG:<id>] envelope this reply answers")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			replyMessage, err := req.RequireString("reply_message")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			correlationID := req.GetString("correlation_id", "")

			if correlationID != "" {
				if err := client.UpdateMessageStatus(ctx, correlationID, registry.EnvelopeReplied, replyMessage); err != nil {
					log.Warn("self server: update message status failed", zap.Error(err))
				}
			}
			if err := client.Enqueue(ctx, instanceID, registry.ReplyPayload{
				SenderID:      instanceID,
				CorrelationID: correlationID,
				ReplyMessage:  replyMessage,
				Timestamp:     time.Now(),
			}); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("failed to deliver reply: %v", err)), nil
			}
			return mcp.NewToolResultText("reply delivered"), nil
		},
	)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
