package lifecycle

import (
	"context"
	"time"

	"github.com/barkain/madrox/internal/events"
	"github.com/barkain/madrox/internal/orchestrator/registry"
	"go.uber.org/zap"
)

// sweepInterval is how often RunResourceSweep's ticker checks instances
// against their resource limits.
const sweepInterval = 30 * time.Second

// RunResourceSweep blocks, checking every instance's resource limits on
// sweepInterval until ctx is canceled. Instances already terminated are
// skipped; everything else is force-terminated the moment it crosses its
// timeout, token, or cost limit.
func (m *Manager) RunResourceSweep(ctx context.Context, cleanup Cleanup) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx, cleanup)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context, cleanup Cleanup) {
	now := time.Now()
	for _, inst := range m.reg.List() {
		if inst.State.IsTerminal() {
			continue
		}
		reason, over := overLimit(inst, now)
		if !over {
			continue
		}
		m.log.Info("resource limit exceeded, force-terminating",
			zap.String("instance_id", inst.ID), zap.String("reason", reason))
		m.publish(ctx, events.QuotaExceeded, inst.ID, map[string]any{
			"reason":            reason,
			"cumulative_tokens": inst.CumulativeTokens,
			"cumulative_cost":   inst.CumulativeCost,
		})
		if err := m.Terminate(ctx, inst.ID, true, cleanup); err != nil {
			m.log.Error("resource-limit termination failed", zap.String("instance_id", inst.ID), zap.Error(err))
		}
	}
}

func overLimit(inst registry.Instance, now time.Time) (string, bool) {
	limits := inst.ResourceLimits
	if limits.TimeoutMinutes > 0 && now.Sub(inst.LastActivityAt) > limits.TimeoutMinutes {
		return "idle timeout exceeded", true
	}
	if limits.MaxTokens > 0 && inst.CumulativeTokens > limits.MaxTokens {
		return "token budget exceeded", true
	}
	if limits.MaxCost > 0 && inst.CumulativeCost > limits.MaxCost {
		return "cost budget exceeded", true
	}
	return "", false
}
