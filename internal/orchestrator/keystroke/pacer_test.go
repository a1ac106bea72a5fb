package keystroke

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/barkain/madrox/internal/orchestrator/pane"
)

func newTestPane(t *testing.T) (*pane.FakeMultiplexer, string) {
	t.Helper()
	mux := pane.NewFakeMultiplexer()
	if _, err := mux.CreateSession(context.Background(), "p1", "/tmp", 80, 24); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return mux, "p1"
}

func TestDelayForThresholds(t *testing.T) {
	cases := []struct {
		size     int
		expected time.Duration
	}{
		{512, smallDelay},
		{1024, smallDelay},
		{1025, mediumDelay},
		{3072, mediumDelay},
		{3073, largeDelay},
	}
	for _, tc := range cases {
		if got := delayFor(tc.size); got != tc.expected {
			t.Fatalf("delayFor(%d) = %v, want %v", tc.size, got, tc.expected)
		}
	}
}

func TestSendEmptyTextEmitsOnlySubmit(t *testing.T) {
	mux, paneName := newTestPane(t)
	p := New(mux)

	if err := p.Send(context.Background(), paneName, "", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent := mux.SentText(paneName); len(sent) != 0 {
		t.Fatalf("expected no literal text sent for empty payload, got %v", sent)
	}
}

func TestSendSplitsOnLineFeeds(t *testing.T) {
	mux, paneName := newTestPane(t)
	p := New(mux)

	if err := p.Send(context.Background(), paneName, "line one\nline two\nline three", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := mux.SentText(paneName)
	want := []string{"line one", "line two", "line three"}
	if len(sent) != len(want) {
		t.Fatalf("expected %d literal sends, got %d: %v", len(want), len(sent), sent)
	}
	for i, w := range want {
		if sent[i] != w {
			t.Fatalf("segment %d = %q, want %q", i, sent[i], w)
		}
	}
}

func TestSendTimingRespectsPerKeystrokeDelay(t *testing.T) {
	mux, paneName := newTestPane(t)
	p := New(mux)

	payload := strings.Repeat("a\n", 10) + "a" // 11 keystrokes, 10 newline separators
	start := time.Now()
	if err := p.Send(context.Background(), paneName, payload, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	elapsed := time.Since(start)

	// 11 literal sends + 10 newline-no-submit keys, all at smallDelay.
	minExpected := time.Duration(20) * smallDelay
	if elapsed < minExpected {
		t.Fatalf("elapsed %v shorter than expected minimum %v", elapsed, minExpected)
	}
}
