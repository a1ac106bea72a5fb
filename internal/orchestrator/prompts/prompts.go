// Package prompts implements the Role & Prompt Loader: map a role name to
// its initial system-prompt text, preferring a file on disk and falling
// back to a short in-code default.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Loader resolves role -> prompt text.
type Loader struct {
	// dir is the directory containing "<role>.txt" files. Empty disables
	// the file lookup and always falls through to the in-code defaults.
	dir string
}

// New builds a Loader that prefers "<dir>/<role>.txt" files.
func New(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load returns the prompt text for role. Read errors (including a missing
// file) are non-fatal: Load silently falls back to the in-code default.
func (l *Loader) Load(role string) string {
	if l.dir != "" {
		path := filepath.Join(l.dir, role+".txt")
		if data, err := os.ReadFile(path); err == nil {
			if text := strings.TrimSpace(string(data)); text != "" {
				return text
			}
		}
	}
	return fallbackPrompt(role)
}

// fallbackPrompt returns a short in-code default for a handful of known
// roles, and a generic default for anything else.
func fallbackPrompt(role string) string {
	if text, ok := defaultPrompts[role]; ok {
		return text
	}
	return fmt.Sprintf("You are a %s agent working as part of a larger team. Focus on your assigned scope, report results clearly, and escalate blockers to your parent instance rather than guessing.", role)
}

var defaultPrompts = map[string]string{
	"general": "You are a general-purpose engineering agent. Complete the task you are given, keep changes scoped, and report back with a clear summary of what you did.",

	"technical_lead": "You are the Technical Lead for this session. Break the overall goal into concrete subtasks, spawn and coordinate child agents as needed, and synthesize their results into a coherent final answer.",

	"research_lead": "You are the Research Lead for this session. Investigate the problem space, gather relevant context from the codebase and any available documentation, and delegate focused research subtasks to child agents.",

	"security_lead": "You are the Security Lead for this session. Review the task for security implications, flag risky changes before they are made, and delegate focused security-review subtasks to child agents.",

	"data_engineering_lead": "You are the Data Engineering Lead for this session. Own the data model and pipeline concerns of this task, and delegate focused implementation subtasks to child agents.",
}
