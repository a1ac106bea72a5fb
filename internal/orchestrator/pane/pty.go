//go:build !windows

package pane

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/barkain/madrox/internal/common/logger"
	"github.com/barkain/madrox/internal/orchestrator/orcherr"
	"github.com/creack/pty"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"
)

// ptySession is one session created by PTYMultiplexer: a real child
// process attached to a real PTY, with its output continuously fed into a
// headless vt10x terminal so CapturePane can render a screen without
// shelling out to anything.
type ptySession struct {
	name string
	cmd  *exec.Cmd
	f    *os.File

	mu       sync.Mutex
	term     vt10x.Terminal
	scroll   bytes.Buffer // raw bytes, for CaptureAllScrollback
	cols     int
	rows     int
	dead     bool
}

// PTYMultiplexer implements Multiplexer over real Unix PTYs instead of a
// tmux binary. It exists so the orchestrator's test suite can exercise the
// full adapter contract (including vt10x-based capture) without requiring
// a real tmux install in CI.
type PTYMultiplexer struct {
	logger *logger.Logger
	launch func(workdir string) *exec.Cmd

	mu       sync.Mutex
	sessions map[string]*ptySession
}

// NewPTYMultiplexer returns a Multiplexer that starts launch(workdir) under
// a PTY for every CreateSession call. launch is supplied by the caller
// (normally the lifecycle manager composing the agent CLI's argv).
func NewPTYMultiplexer(launch func(workdir string) *exec.Cmd, log *logger.Logger) *PTYMultiplexer {
	return &PTYMultiplexer{
		logger:   log.WithFields(zap.String("component", "pty-multiplexer")),
		launch:   launch,
		sessions: make(map[string]*ptySession),
	}
}

func (m *PTYMultiplexer) CreateSession(ctx context.Context, name, workdir string, cols, rows int) (Session, error) {
	cmd := m.launch(workdir)
	cmd.Dir = workdir

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return Session{}, fmt.Errorf("%w: %s", orcherr.ErrMultiplexer, err)
	}

	sess := &ptySession{
		name: name,
		cmd:  cmd,
		f:    f,
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}

	go sess.pump()

	m.mu.Lock()
	m.sessions[name] = sess
	m.mu.Unlock()

	return Session{Name: name, Pane: name}, nil
}

// pump continuously reads PTY output into the vt10x terminal and the raw
// scrollback buffer until the PTY closes.
func (s *ptySession) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := s.f.Read(buf)
		if n > 0 {
			s.mu.Lock()
			_, _ = s.term.Write(buf[:n])
			s.scroll.Write(buf[:n])
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			s.dead = true
			s.mu.Unlock()
			return
		}
	}
}

func (m *PTYMultiplexer) get(name string) (*ptySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[name]
	if !ok {
		return nil, &ErrSessionNotFound{Name: name}
	}
	return sess, nil
}

func (m *PTYMultiplexer) KillSession(ctx context.Context, name string) error {
	m.mu.Lock()
	sess, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	m.mu.Unlock()
	if !ok {
		return nil // idempotent
	}
	_ = sess.f.Close()
	if sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
	}
	return nil
}

func (m *PTYMultiplexer) SendKeys(ctx context.Context, paneName string, text string, submit bool) error {
	sess, err := m.get(paneName)
	if err != nil {
		return err
	}
	if text != "" {
		if _, werr := sess.f.Write([]byte(text)); werr != nil {
			return fmt.Errorf("%w: %s", orcherr.ErrMultiplexer, werr)
		}
	}
	if submit {
		return m.SendKey(ctx, paneName, KeySubmit)
	}
	return nil
}

func (m *PTYMultiplexer) SendKey(ctx context.Context, paneName string, key Key) error {
	sess, err := m.get(paneName)
	if err != nil {
		return err
	}
	var payload []byte
	switch key {
	case KeySubmit:
		payload = []byte("\r")
	case KeyNewlineNoSubmit:
		payload = []byte("\n")
	case KeyInterrupt:
		payload = []byte{0x03}
	default:
		return fmt.Errorf("%w: unknown key %q", orcherr.ErrMultiplexer, key)
	}
	if _, werr := sess.f.Write(payload); werr != nil {
		return fmt.Errorf("%w: %s", orcherr.ErrMultiplexer, werr)
	}
	return nil
}

func (m *PTYMultiplexer) CapturePane(ctx context.Context, paneName string, c Capture) (string, error) {
	sess, err := m.get(paneName)
	if err != nil {
		return "", err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if c.Mode == CaptureAllScrollback {
		return sess.scroll.String(), nil
	}

	rows := sess.rows
	if c.Mode == CaptureLastN && c.N > 0 && c.N < rows {
		rows = c.N
	}
	var lines []string
	for row := 0; row < sess.rows; row++ {
		var chars []rune
		for col := 0; col < sess.cols; col++ {
			g := sess.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines = append(lines, strings.TrimRight(string(chars), " "))
	}
	if rows < len(lines) {
		lines = lines[len(lines)-rows:]
	}
	return strings.Join(lines, "\n"), nil
}

func (m *PTYMultiplexer) PanePID(ctx context.Context, paneName string) (int, error) {
	sess, err := m.get(paneName)
	if err != nil {
		return 0, err
	}
	if sess.cmd.Process == nil {
		return 0, fmt.Errorf("%w: process not started for %s", orcherr.ErrMultiplexer, paneName)
	}
	return sess.cmd.Process.Pid, nil
}

func (m *PTYMultiplexer) PaneActive(ctx context.Context, paneName string) (bool, error) {
	sess, err := m.get(paneName)
	if err != nil {
		return false, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return !sess.dead, nil
}
