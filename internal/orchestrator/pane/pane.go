// Package pane provides the Multiplexer Adapter: the only component
// permitted to talk to the underlying terminal multiplexer. It exposes a
// small capability surface (create/kill session, send keys, capture pane,
// pid/active queries) behind an interface so the rest of the orchestrator
// never shells out to tmux directly.
package pane

import (
	"context"
	"fmt"
)

// CaptureMode selects how much of a pane's history CapturePane returns.
type CaptureMode int

const (
	// CaptureVisible returns only the currently visible screen.
	CaptureVisible CaptureMode = iota
	// CaptureLastN returns the last N lines of scrollback.
	CaptureLastN
	// CaptureAllScrollback returns the entire available scrollback buffer.
	CaptureAllScrollback
)

// Capture describes one CapturePane request.
type Capture struct {
	Mode CaptureMode
	// N is the line count for CaptureLastN; ignored otherwise.
	N int
}

// Key is a named key symbol send_keys may deliver instead of literal text.
type Key string

const (
	KeySubmit         Key = "submit"
	KeyNewlineNoSubmit Key = "newline-no-submit"
	KeyInterrupt      Key = "interrupt"
)

// Session identifies a created multiplexer session and its single pane.
// Madrox spawns exactly one pane per session, so the two ids are kept
// distinct only because the underlying multiplexer's addressing scheme
// (session:window.pane) requires it.
type Session struct {
	Name string
	Pane string
}

// Multiplexer is the capability contract the rest of the orchestrator
// depends on. The real implementation shells out to a tmux-compatible
// binary; a second, PTY-backed implementation exists purely so tests can
// exercise the adapter's callers without a real tmux binary on PATH.
type Multiplexer interface {
	CreateSession(ctx context.Context, name, workdir string, cols, rows int) (Session, error)
	KillSession(ctx context.Context, name string) error
	SendKeys(ctx context.Context, pane string, text string, submit bool) error
	SendKey(ctx context.Context, pane string, key Key) error
	CapturePane(ctx context.Context, pane string, c Capture) (string, error)
	PanePID(ctx context.Context, pane string) (int, error)
	PaneActive(ctx context.Context, pane string) (bool, error)
}

// ErrSessionNotFound is returned by KillSession/CapturePane/etc. for an
// unknown session; KillSession treats it as success (idempotent kill).
type ErrSessionNotFound struct {
	Name string
}

func (e *ErrSessionNotFound) Error() string {
	return fmt.Sprintf("multiplexer session %q not found", e.Name)
}
