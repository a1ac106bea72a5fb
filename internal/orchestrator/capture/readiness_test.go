package capture

import (
	"testing"

	"github.com/barkain/madrox/internal/orchestrator/registry"
)

func TestDetectTextClaudeMarkers(t *testing.T) {
	cases := []struct {
		name string
		text string
		want ReadinessState
	}{
		{"welcome banner", "Welcome to Claude Code\n", ReadinessReady},
		{"idle prompt", "  > \n", ReadinessReady},
		{"working spinner", "✻ Thinking… (esc to interrupt)\n", ReadinessWorking},
		{"no markers", "compiling project\n", ReadinessUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectText(registry.KindClaude, tc.text); got != tc.want {
				t.Fatalf("DetectText(claude, %q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestDetectTextCodexMarkers(t *testing.T) {
	if got := DetectText(registry.KindCodex, "codex>"); got != ReadinessReady {
		t.Fatalf("expected codex prompt to read as ready, got %v", got)
	}
	if got := DetectText(registry.KindCodex, "Thinking..."); got != ReadinessWorking {
		t.Fatalf("expected codex thinking marker to read as working, got %v", got)
	}
}

func TestDetectTextUnknownKind(t *testing.T) {
	if got := DetectText(registry.Kind("mystery"), "codex>"); got != ReadinessUnknown {
		t.Fatalf("expected unknown kind to read as unknown, got %v", got)
	}
}

func TestReadinessDetectorRendersFedBytes(t *testing.T) {
	d := NewReadinessDetector(80, 24)
	// Raw PTY bytes, including an escape sequence the regexes must never
	// see un-rendered: the emulator consumes it while laying out the grid.
	d.Feed([]byte("\x1b[2Jcodex> send a message"))
	if got := d.Detect(registry.KindCodex); got != ReadinessReady {
		t.Fatalf("expected ready after feeding the codex prompt, got %v", got)
	}
	if got := d.Detect(registry.KindClaude); got == ReadinessReady {
		t.Fatalf("codex prompt must not satisfy the claude markers")
	}
}
