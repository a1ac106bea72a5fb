package capture

import (
	"regexp"
	"strings"

	"github.com/barkain/madrox/internal/orchestrator/registry"
	"github.com/tuzig/vt10x"
)

// ReadinessState is the coarse state a ReadinessDetector reports, distinct
// from registry.State: it describes what the pane's rendered UI looks
// like, not the instance's own FSM state.
type ReadinessState string

const (
	ReadinessUnknown ReadinessState = "unknown"
	ReadinessReady   ReadinessState = "ready"
	ReadinessWorking ReadinessState = "working"
)

// claudeReadyPrompt and codexReadyPrompt match the handful of prompt
// strings each CLI's idle input box shows when waiting for input.
var (
	claudeReadyPrompt = regexp.MustCompile(`(?i)(Try\s+"|Welcome to Claude Code|>\s*$)`)
	claudeWorking     = regexp.MustCompile(`[✻✽✶∴·]\s+.+[…\.]+\s*\((esc|ctrl\+c)\s+to\s+interrupt`)

	codexReadyPrompt = regexp.MustCompile(`(?i)(codex>|send a message)`)
	codexWorking     = regexp.MustCompile(`(?i)(thinking|working)\.\.\.`)
)

// ReadinessDetector renders scraped pane bytes through a headless vt10x
// terminal and scans the result for kind-specific ready/working markers —
// a more robust alternative to matching raw bytes (which may still carry
// unprocessed ANSI escapes) for the lifecycle manager's post-spawn
// readiness poll and the broker's completion-detection poll.
type ReadinessDetector struct {
	term vt10x.Terminal
	cols int
	rows int
}

// NewReadinessDetector creates a detector with a headless terminal sized
// cols x rows.
func NewReadinessDetector(cols, rows int) *ReadinessDetector {
	return &ReadinessDetector{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

// Feed writes freshly captured pane bytes into the terminal emulator.
func (d *ReadinessDetector) Feed(data []byte) {
	_, _ = d.term.Write(data)
}

// lines renders the current screen into plain text lines.
func (d *ReadinessDetector) lines() []string {
	out := make([]string, d.rows)
	for row := 0; row < d.rows; row++ {
		var chars []rune
		for col := 0; col < d.cols; col++ {
			g := d.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		out[row] = strings.TrimRight(string(chars), " ")
	}
	return out
}

// DetectText scans already-rendered pane text (for example tmux's own
// capture-pane output, which needs no vt10x rendering) for kind's
// ready/working markers. Used by callers that capture through
// pane.Multiplexer.CapturePane rather than feeding raw bytes into a
// ReadinessDetector.
func DetectText(kind registry.Kind, text string) ReadinessState {
	var ready, working *regexp.Regexp
	switch kind {
	case registry.KindClaude:
		ready, working = claudeReadyPrompt, claudeWorking
	case registry.KindCodex:
		ready, working = codexReadyPrompt, codexWorking
	default:
		return ReadinessUnknown
	}

	lines := strings.Split(text, "\n")
	for _, line := range lines {
		if working.MatchString(line) {
			return ReadinessWorking
		}
	}
	for _, line := range lines {
		if ready.MatchString(line) {
			return ReadinessReady
		}
	}
	return ReadinessUnknown
}

// Detect scans the current screen for kind's ready/working markers.
func (d *ReadinessDetector) Detect(kind registry.Kind) ReadinessState {
	var ready, working *regexp.Regexp
	switch kind {
	case registry.KindClaude:
		ready, working = claudeReadyPrompt, claudeWorking
	case registry.KindCodex:
		ready, working = codexReadyPrompt, codexWorking
	default:
		return ReadinessUnknown
	}

	for _, line := range d.lines() {
		if working.MatchString(line) {
			return ReadinessWorking
		}
	}
	for _, line := range d.lines() {
		if ready.MatchString(line) {
			return ReadinessReady
		}
	}
	return ReadinessUnknown
}
