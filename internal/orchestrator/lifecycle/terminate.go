package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/barkain/madrox/internal/events"
	"github.com/barkain/madrox/internal/orchestrator/orcherr"
	"github.com/barkain/madrox/internal/orchestrator/pane"
	"github.com/barkain/madrox/internal/orchestrator/registry"
	"github.com/barkain/madrox/internal/orchestrator/tracing"
)

// Cleanup is invoked by Terminate after killing the session and marking
// the instance terminated, giving the caller (typically the Broker) a hook
// to drop queues/envelopes for the id. Passing a nil func is fine;
// Terminate then only handles the registry/pane side.
type Cleanup func(ctx context.Context, id string) error

// Terminate tears down an instance and cascades to its children. Children
// are terminated first (force=true), errors collected without aborting
// the cascade.
func (m *Manager) Terminate(ctx context.Context, id string, force bool, cleanup Cleanup) error {
	ctx, span := tracing.TraceTerminate(ctx, id, force)
	err := m.terminate(ctx, id, force, cleanup)
	tracing.EndWithResult(span, "", err)
	return err
}

func (m *Manager) terminate(ctx context.Context, id string, force bool, cleanup Cleanup) error {
	inst, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	if inst.State.IsTerminal() {
		return nil
	}
	if inst.State == registry.StateBusy && !force {
		return fmt.Errorf("%w: %s is busy", orcherr.ErrInstanceWrongState, id)
	}

	var errs []error
	for _, childID := range m.reg.Children(id) {
		child, err := m.reg.Get(childID)
		if err != nil || child.State.IsTerminal() {
			continue
		}
		if err := m.Terminate(ctx, childID, true, cleanup); err != nil {
			errs = append(errs, err)
		}
	}

	if err := m.mux.KillSession(ctx, id); err != nil {
		if _, notFound := err.(*pane.ErrSessionNotFound); !notFound {
			errs = append(errs, fmt.Errorf("%w: kill session: %w", orcherr.ErrMultiplexer, err))
		}
	}

	if err := m.reg.Transition(id, registry.StateTerminated); err != nil {
		errs = append(errs, err)
	}

	if cleanup != nil {
		if err := cleanup(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("cleanup shared-state resources: %w", err))
		}
	}

	if m.cfg.PreserveArtifacts {
		if err := archiveWorkspace(inst, m.cfg.ArtifactPatterns, filepath.Join(m.cfg.ArtifactsDir, id)); err != nil {
			errs = append(errs, fmt.Errorf("archive workspace: %w", err))
		}
	}

	if err := removeWorkspace(inst.WorkspacePath); err != nil {
		errs = append(errs, err)
	}

	m.publish(ctx, events.InstanceTerminated, id, map[string]any{"forced": force, "error_count": len(errs)})

	if len(errs) > 0 {
		return fmt.Errorf("termination of %s completed with %d error(s): %w", id, len(errs), errs[0])
	}
	return nil
}

// Interrupt sends the interrupt key, waits briefly, confirms by scanning
// for a cancellation marker, transitions the instance to idle, and
// reports whether confirmation was observed.
func (m *Manager) Interrupt(ctx context.Context, id string) (bool, error) {
	inst, err := m.reg.Get(id)
	if err != nil {
		return false, err
	}
	if inst.State.IsTerminal() {
		return false, fmt.Errorf("%w: %s is terminated", orcherr.ErrInstanceWrongState, id)
	}

	if err := m.mux.SendKey(ctx, id, pane.KeyInterrupt); err != nil {
		return false, fmt.Errorf("%w: send interrupt: %w", orcherr.ErrMultiplexer, err)
	}

	confirmed := m.waitForInterruptConfirmation(ctx, id)

	if err := m.reg.Transition(id, registry.StateIdle); err != nil {
		return confirmed, err
	}
	m.publish(ctx, events.InstanceInterrupted, id, map[string]any{"confirmed": confirmed})
	return confirmed, nil
}

func (m *Manager) waitForInterruptConfirmation(ctx context.Context, paneName string) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	text, err := m.mux.CapturePane(ctx, paneName, pane.Capture{Mode: pane.CaptureLastN, N: 20})
	if err != nil {
		return false
	}
	return containsCancellationMarker(text)
}

// cancellationMarkers mirrors the small set of strings each CLI prints
// after honoring an interrupt (e.g. "Interrupted by user").
var cancellationMarkers = []string{"Interrupted", "interrupted", "cancelled", "canceled"}

func containsCancellationMarker(text string) bool {
	for _, marker := range cancellationMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// archiveWorkspace copies files under inst.WorkspacePath whose base name
// matches one of patterns (every file when patterns is empty) into dst,
// alongside a JSON metadata sidecar
// describing the terminated instance. A missing workspace is not an
// error. Gated on the orchestrator's preserveArtifacts setting.
func archiveWorkspace(inst registry.Instance, patterns []string, dst string) error {
	src := inst.WorkspacePath
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return writeArchiveMetadata(inst, dst)
	}

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !matchesAny(patterns, d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
	if err != nil {
		return err
	}
	return writeArchiveMetadata(inst, dst)
}

func matchesAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, err := filepath.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// archiveMetadata is the JSON sidecar written next to a terminated
// instance's copied artifact files.
type archiveMetadata struct {
	InstanceID       string    `json:"instance_id"`
	DisplayName      string    `json:"display_name"`
	Role             string    `json:"role"`
	Kind             string    `json:"kind"`
	Model            string    `json:"model"`
	ParentID         string    `json:"parent_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	TerminatedAt     time.Time `json:"terminated_at"`
	CumulativeTokens int64     `json:"cumulative_tokens"`
	CumulativeCost   float64   `json:"cumulative_cost"`
	RequestCount     int64     `json:"request_count"`
}

func writeArchiveMetadata(inst registry.Instance, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	meta := archiveMetadata{
		InstanceID:       inst.ID,
		DisplayName:      inst.DisplayName,
		Role:             inst.Role,
		Kind:             string(inst.Kind),
		Model:            inst.Model,
		ParentID:         inst.ParentID,
		CreatedAt:        inst.CreatedAt,
		TerminatedAt:     inst.TerminatedAt,
		CumulativeTokens: inst.CumulativeTokens,
		CumulativeCost:   inst.CumulativeCost,
		RequestCount:     inst.RequestCount,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dst, "metadata.json"), data, 0o644)
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// removeWorkspace deletes an instance's workspace directory. A missing
// directory is not an error.
func removeWorkspace(path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace %s: %w", path, err)
	}
	return nil
}
