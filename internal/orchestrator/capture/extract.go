// Package capture implements the Capture-Extractor: turning a raw pane
// scrape into a best-effort rendering of the assistant's textual response
// by stripping interactive-UI chrome, plus a vt10x-backed readiness/state
// detector the lifecycle manager and broker consult as an alternative to
// raw-byte regex matching on a scrollback dump.
package capture

import (
	"regexp"
	"strings"
)

var blankRunCollapse = regexp.MustCompile(`\n{3,}`)

// statusBarMarkers are substrings that, together with a "%" on the same
// line, identify a token-usage/status-bar line to drop. Matching is
// case-insensitive, mirroring the original extractor's `.lower()` check.
var statusBarMarkers = []string{"tokens", "usage"}

// ExtractResponse strips interactive-UI decoration from a pane capture and
// removes the most recently echoed user message, if present, leaving a
// best-effort rendering of the assistant's reply. lastUserMessage may be
// empty when there is no prior outbound message to strip (for example, the
// very first poll after spawn).
func ExtractResponse(fullOutput, lastUserMessage string) string {
	lines := strings.Split(fullOutput, "\n")
	content := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "╭") || strings.HasPrefix(trimmed, "╰") {
			continue
		}
		if strings.HasPrefix(trimmed, "│") && strings.HasSuffix(trimmed, "│") && len(trimmed) >= 2 {
			inner := strings.TrimSpace(trimmed[len("│") : len(trimmed)-len("│")])
			if inner != "" {
				content = append(content, inner)
			}
			continue
		}
		if isStatusBarLine(line) {
			continue
		}
		content = append(content, line)
	}

	response := strings.Join(content, "\n")

	if lastUserMessage != "" {
		response = strings.TrimSpace(strings.ReplaceAll(response, lastUserMessage, ""))
	}

	response = blankRunCollapse.ReplaceAllString(response, "\n\n")

	return strings.TrimSpace(response)
}

// isStatusBarLine reports whether line looks like a token-usage/status-bar
// line: it contains a "%" and one of the known usage markers.
func isStatusBarLine(line string) bool {
	if !strings.Contains(line, "%") {
		return false
	}
	lower := strings.ToLower(line)
	for _, marker := range statusBarMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
