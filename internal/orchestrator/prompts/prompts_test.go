package prompts

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPrefersFileOverFallback(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "general.txt"), []byte("custom prompt text\n"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	l := New(dir)
	got := l.Load("general")
	if got != "custom prompt text" {
		t.Fatalf("got %q", got)
	}
}

func TestLoadFallsBackOnMissingFile(t *testing.T) {
	l := New(t.TempDir())
	got := l.Load("general")
	if got != defaultPrompts["general"] {
		t.Fatalf("got %q", got)
	}
}

func TestLoadFallsBackOnUnknownRole(t *testing.T) {
	l := New("")
	got := l.Load("some-new-role")
	if got == "" {
		t.Fatalf("expected a non-empty generic fallback")
	}
}

func TestLoadFallsBackOnEmptyFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "general.txt"), []byte("   \n"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	l := New(dir)
	got := l.Load("general")
	if got != defaultPrompts["general"] {
		t.Fatalf("expected fallback for blank file, got %q", got)
	}
}
