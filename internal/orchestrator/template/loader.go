package template

import (
	"fmt"
	"os"
	"path/filepath"
)

// Loader resolves a team template name to its raw text, the same
// file-or-fallback shape prompts.Loader uses for role prompts: a
// "<dir>/<name>.md" file, falling back to an error if none exists (team
// templates have no sensible in-code default the way role prompts do).
type Loader struct {
	dir string
}

// NewLoader builds a Loader reading "<dir>/<name>.md" files.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// LoadTemplate implements rpcserver.PromptLookup.
func (l *Loader) LoadTemplate(name string) (string, error) {
	if l.dir == "" {
		return "", fmt.Errorf("no templates directory configured")
	}
	path := filepath.Join(l.dir, name+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("load template %q: %w", name, err)
	}
	return string(data), nil
}
