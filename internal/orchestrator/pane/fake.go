package pane

import (
	"context"
	"os"
	"strings"
	"sync"
)

// fakeSession is the in-memory state backing FakeMultiplexer.
type fakeSession struct {
	lines  []string
	pid    int
	active bool
	dead   bool
}

// FakeMultiplexer is a pure in-memory Multiplexer with no subprocess or PTY
// involved at all, for tests of components above the adapter boundary
// (lifecycle manager, broker) that only need to observe what was sent and
// control what capture returns, without caring how a real pane renders.
type FakeMultiplexer struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	sent     map[string][]string // pane -> every literal text sent, in order
}

// NewFakeMultiplexer returns an empty FakeMultiplexer.
func NewFakeMultiplexer() *FakeMultiplexer {
	return &FakeMultiplexer{
		sessions: make(map[string]*fakeSession),
		sent:     make(map[string][]string),
	}
}

func (f *FakeMultiplexer) CreateSession(ctx context.Context, name, workdir string, cols, rows int) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// The test process's own pid: callers that cross-check the pane pid
	// against the OS process table need one that actually exists.
	f.sessions[name] = &fakeSession{active: true, pid: os.Getpid()}
	return Session{Name: name, Pane: name}, nil
}

func (f *FakeMultiplexer) KillSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}

func (f *FakeMultiplexer) SendKeys(ctx context.Context, pane string, text string, submit bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[pane]
	if !ok {
		return &ErrSessionNotFound{Name: pane}
	}
	if text != "" {
		f.sent[pane] = append(f.sent[pane], text)
		sess.lines = append(sess.lines, text)
	}
	if submit {
		sess.lines = append(sess.lines, "")
	}
	return nil
}

func (f *FakeMultiplexer) SendKey(ctx context.Context, pane string, key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[pane]
	if !ok {
		return &ErrSessionNotFound{Name: pane}
	}
	if key == KeyInterrupt {
		sess.lines = append(sess.lines, "^C")
	}
	return nil
}

func (f *FakeMultiplexer) CapturePane(ctx context.Context, pane string, c Capture) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[pane]
	if !ok {
		return "", &ErrSessionNotFound{Name: pane}
	}
	lines := sess.lines
	if c.Mode == CaptureLastN && c.N > 0 && c.N < len(lines) {
		lines = lines[len(lines)-c.N:]
	}
	return strings.Join(lines, "\n"), nil
}

func (f *FakeMultiplexer) PanePID(ctx context.Context, pane string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[pane]
	if !ok {
		return 0, &ErrSessionNotFound{Name: pane}
	}
	return sess.pid, nil
}

func (f *FakeMultiplexer) PaneActive(ctx context.Context, pane string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[pane]
	if !ok {
		return false, &ErrSessionNotFound{Name: pane}
	}
	return sess.active && !sess.dead, nil
}

// AppendOutput simulates the agent CLI writing text to the pane, for tests
// that drive completion-detection polling.
func (f *FakeMultiplexer) AppendOutput(pane, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[pane]
	if !ok {
		return
	}
	sess.lines = append(sess.lines, text)
}

// SentText returns every literal text payload SendKeys delivered to pane,
// in delivery order, for assertions in keystroke-pacing tests.
func (f *FakeMultiplexer) SentText(pane string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent[pane]))
	copy(out, f.sent[pane])
	return out
}
