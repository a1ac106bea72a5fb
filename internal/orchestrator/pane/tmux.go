package pane

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/barkain/madrox/internal/common/logger"
	"github.com/barkain/madrox/internal/orchestrator/orcherr"
	"go.uber.org/zap"
)

// tmuxKeys maps the named Key symbols to what tmux send-keys expects.
var tmuxKeys = map[Key]string{
	KeySubmit:          "Enter",
	KeyNewlineNoSubmit: "C-q Enter", // literal newline without submitting
	KeyInterrupt:       "C-c",
}

// TmuxMultiplexer implements Multiplexer by shelling out to a
// tmux-compatible binary. It is the only component that invokes the
// multiplexer binary directly.
type TmuxMultiplexer struct {
	binary string
	logger *logger.Logger
}

// NewTmuxMultiplexer returns a Multiplexer backed by the given binary
// (commonly "tmux", but the name is configurable so a drop-in compatible
// binary can be substituted).
func NewTmuxMultiplexer(binary string, log *logger.Logger) *TmuxMultiplexer {
	if binary == "" {
		binary = "tmux"
	}
	return &TmuxMultiplexer{
		binary: binary,
		logger: log.WithFields(zap.String("component", "tmux-multiplexer")),
	}
}

func (t *TmuxMultiplexer) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, t.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	t.logger.Debug("running multiplexer command", zap.Strings("args", args))

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%w: %s: %s", orcherr.ErrMultiplexer, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// CreateSession starts a new detached tmux session sized cols x rows,
// running in workdir. The pane id returned is the session's sole window's
// sole pane, since madrox never splits a session into multiple panes.
func (t *TmuxMultiplexer) CreateSession(ctx context.Context, name, workdir string, cols, rows int) (Session, error) {
	_, err := t.run(ctx, "new-session", "-d", "-s", name, "-c", workdir,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	if err != nil {
		return Session{}, err
	}
	return Session{Name: name, Pane: name}, nil
}

// KillSession kills the session, idempotently: tmux's own "session not
// found" error is swallowed rather than surfaced.
func (t *TmuxMultiplexer) KillSession(ctx context.Context, name string) error {
	_, err := t.run(ctx, "kill-session", "-t", name)
	if err != nil && strings.Contains(err.Error(), "session not found") {
		return nil
	}
	return err
}

// SendKeys delivers a literal line of text to the pane, optionally
// followed by the submit key. Keystroke Pacer is the caller that decides
// timing and segmentation; this method only delivers one already-paced
// chunk.
func (t *TmuxMultiplexer) SendKeys(ctx context.Context, paneName string, text string, submit bool) error {
	if text != "" {
		if _, err := t.run(ctx, "send-keys", "-t", paneName, "-l", "--", text); err != nil {
			return err
		}
	}
	if submit {
		return t.SendKey(ctx, paneName, KeySubmit)
	}
	return nil
}

// SendKey delivers one named key symbol to the pane.
func (t *TmuxMultiplexer) SendKey(ctx context.Context, paneName string, key Key) error {
	tmuxKey, ok := tmuxKeys[key]
	if !ok {
		return fmt.Errorf("%w: unknown key %q", orcherr.ErrMultiplexer, key)
	}
	args := append([]string{"send-keys", "-t", paneName}, strings.Fields(tmuxKey)...)
	_, err := t.run(ctx, args...)
	return err
}

// CapturePane returns the requested slice of the pane's rendered contents.
func (t *TmuxMultiplexer) CapturePane(ctx context.Context, paneName string, c Capture) (string, error) {
	args := []string{"capture-pane", "-p", "-t", paneName}
	switch c.Mode {
	case CaptureVisible:
		// default capture-pane behavior
	case CaptureLastN:
		n := c.N
		if n <= 0 {
			n = 1
		}
		args = append(args, "-S", fmt.Sprintf("-%d", n))
	case CaptureAllScrollback:
		args = append(args, "-S", "-")
	}
	return t.run(ctx, args...)
}

// PanePID returns the OS pid of the process running in the pane.
func (t *TmuxMultiplexer) PanePID(ctx context.Context, paneName string) (int, error) {
	out, err := t.run(ctx, "display-message", "-p", "-t", paneName, "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	pid, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return 0, fmt.Errorf("%w: unparseable pane pid %q", orcherr.ErrMultiplexer, out)
	}
	return pid, nil
}

// PaneActive reports whether the pane's process is still alive.
func (t *TmuxMultiplexer) PaneActive(ctx context.Context, paneName string) (bool, error) {
	out, err := t.run(ctx, "display-message", "-p", "-t", paneName, "#{pane_dead}")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "1", nil
}
