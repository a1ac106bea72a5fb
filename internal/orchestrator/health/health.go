// Package health implements the Health Supervisor: a daemon liveness loop
// that degrades shared-state usage after repeated failures, and an
// on-demand pane-health check. The per-instance resource sweep is not in
// this package; lifecycle.Manager.RunResourceSweep runs it.
package health

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/barkain/madrox/internal/common/logger"
	"github.com/barkain/madrox/internal/events"
	"github.com/barkain/madrox/internal/events/bus"
	"github.com/barkain/madrox/internal/orchestrator/daemon"
	"github.com/barkain/madrox/internal/orchestrator/pane"
	"github.com/barkain/madrox/internal/orchestrator/registry"
	"go.uber.org/zap"
)

// livenessInterval and livenessTimeout govern the daemon liveness check:
// ping every ~30s with a 5s timeout.
const (
	livenessInterval = 30 * time.Second
	livenessTimeout  = 5 * time.Second
	// failureThreshold is the number of consecutive liveness failures that
	// triggers graceful degradation.
	failureThreshold = 3
)

// degrader is the subset of broker.Broker the liveness loop needs: disabling
// the remote client once the daemon is judged dead. A narrow interface
// (rather than importing the broker package directly) keeps health free of
// a dependency cycle risk.
type degrader interface {
	DisableRemoteClient()
}

// Supervisor runs the orchestrator's health loops.
type Supervisor struct {
	reg    *registry.Registry
	mux    pane.Multiplexer
	broker degrader
	client daemon.Client
	events bus.EventBus
	log    *logger.Logger

	consecutiveFailures int
}

// New builds a Supervisor. client may be nil when no shared-state daemon is
// configured, in which case RunDaemonLivenessLoop returns immediately: there
// is nothing to monitor.
func New(reg *registry.Registry, mux pane.Multiplexer, brk degrader, client daemon.Client, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		reg:    reg,
		mux:    mux,
		broker: brk,
		client: client,
		events: eventBus,
		log:    log.WithFields(zap.String("component", "health.Supervisor")),
	}
}

// RunDaemonLivenessLoop polls the shared-state daemon's health until it is
// declared failed (and shared-state usage disabled) or ctx is canceled —
// the loop is not restarted automatically once it exits.
func (s *Supervisor) RunDaemonLivenessLoop(ctx context.Context) {
	if s.client == nil {
		return
	}
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.checkOnce(ctx) {
				return
			}
		}
	}
}

// checkOnce performs one liveness ping and returns true if the daemon has
// just been declared failed (and the loop should stop).
func (s *Supervisor) checkOnce(ctx context.Context) bool {
	result, err := s.client.HealthCheck(ctx, livenessTimeout)
	if err == nil && result.Healthy {
		if s.consecutiveFailures > 0 {
			s.log.Info("daemon liveness recovered", zap.Int("prior_failures", s.consecutiveFailures))
		}
		s.consecutiveFailures = 0
		return false
	}

	s.consecutiveFailures++
	reason := result.Error
	if err != nil {
		reason = err.Error()
	}
	logFailure(s.log, s.consecutiveFailures, reason)

	if s.consecutiveFailures < failureThreshold {
		return false
	}

	s.degrade(ctx, reason)
	return true
}

// logFailure escalates severity with the consecutive failure count.
func logFailure(log *logger.Logger, count int, reason string) {
	switch {
	case count >= failureThreshold:
		log.Error("daemon liveness check failed", zap.Int("consecutive_failures", count), zap.String("reason", reason))
	case count == 2:
		log.Warn("daemon liveness check failed", zap.Int("consecutive_failures", count), zap.String("reason", reason))
	default:
		log.Info("daemon liveness check failed", zap.Int("consecutive_failures", count), zap.String("reason", reason))
	}
}

// degrade declares the daemon failed: publish an audit event, disable the
// remote client, and mark every non-terminated instance with a
// reduced-functionality error message.
func (s *Supervisor) degrade(ctx context.Context, reason string) {
	s.log.Error("shared-state daemon declared failed, degrading to in-process fallback",
		zap.Int("consecutive_failures", s.consecutiveFailures), zap.String("reason", reason))

	if s.broker != nil {
		s.broker.DisableRemoteClient()
	}

	const degradedMessage = "shared-state daemon unreachable; running with reduced cross-process messaging functionality"
	for _, inst := range s.reg.List() {
		if inst.State.IsTerminal() {
			continue
		}
		if err := s.reg.SetErrorMessage(inst.ID, degradedMessage); err != nil {
			s.log.Warn("failed to record degraded-daemon error message", zap.String("instance_id", inst.ID), zap.Error(err))
		}
	}

	if s.events != nil {
		evt := bus.NewEvent(events.ManagerDaemonFailure, "health.Supervisor", map[string]interface{}{
			"consecutive_failures": s.consecutiveFailures,
			"reason":               reason,
		})
		if err := s.events.Publish(ctx, events.BuildSupervisorSubject(), evt); err != nil {
			s.log.Warn("failed to publish daemon-degraded audit event", zap.Error(err))
		}
	}
}

// PaneHealth is an on-demand check that a pane is active and its backing
// process still exists.
type PaneHealth struct {
	Healthy       bool   `json:"healthy"`
	ProcessID     int    `json:"process_id,omitempty"`
	ProcessStatus string `json:"process_status,omitempty"`
	Error         string `json:"error,omitempty"`
}

// CheckPane runs the on-demand pane-health check.
func (s *Supervisor) CheckPane(ctx context.Context, paneName string) PaneHealth {
	active, err := s.mux.PaneActive(ctx, paneName)
	if err != nil {
		return PaneHealth{Healthy: false, Error: err.Error()}
	}
	if !active {
		return PaneHealth{Healthy: false, Error: "pane is not active"}
	}
	pid, err := s.mux.PanePID(ctx, paneName)
	if err != nil {
		return PaneHealth{Healthy: false, Error: err.Error()}
	}
	if !pidExists(pid) {
		return PaneHealth{Healthy: false, ProcessID: pid, Error: fmt.Sprintf("process %d no longer exists", pid)}
	}
	return PaneHealth{Healthy: true, ProcessID: pid, ProcessStatus: "running"}
}

// pidExists probes the OS process table with signal 0.
func pidExists(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
