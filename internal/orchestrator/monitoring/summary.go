package monitoring

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/barkain/madrox/internal/common/logger"
	"github.com/barkain/madrox/internal/orchestrator/pane"
	"github.com/barkain/madrox/internal/orchestrator/registry"
	"go.uber.org/zap"
)

// errorMarkers are substrings a line is checked against (case-insensitive)
// when rolling up ErrorCount. Intentionally coarse: this is a bookkeeping
// signal for the auxiliary activity summary, not a diagnostic classifier.
var errorMarkers = []string{"error", "traceback", "exception", "panic"}

// Summary is the rolled-up bookkeeping state for one instance's captured
// output. Deliberately simple: no LLM call to infer an on-track status or
// free-text recommendation, since this rollup never backs
// cumulative_tokens/cumulative_cost and an extra round-trip per sweep tick
// isn't worth the cost or the added failure mode.
type Summary struct {
	InstanceID  string    `json:"instance_id"`
	WordCount   int64     `json:"word_count"`
	LineCount   int64     `json:"line_count"`
	ErrorCount  int64     `json:"error_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// Generator sweeps every tracked instance's pane output, appends newly
// captured content to an on-disk log under the instance's workspace, and
// incrementally tails that log via LogReader to keep a running
// word/line/error-count rollup.
type Generator struct {
	reg    *registry.Registry
	mux    pane.Multiplexer
	reader *LogReader
	log    *logger.Logger

	mu        sync.Mutex
	summaries map[string]Summary
	// lastCaptureLen tracks the previous full-scrollback capture length per
	// instance, so each sweep only appends the suffix that's actually new
	// rather than re-writing the whole capture to disk every tick.
	lastCaptureLen map[string]int
}

// NewGenerator builds a Generator over an existing PositionTracker.
func NewGenerator(reg *registry.Registry, mux pane.Multiplexer, tracker *PositionTracker, log *logger.Logger) *Generator {
	return &Generator{
		reg:            reg,
		mux:            mux,
		reader:         NewLogReader(tracker),
		log:            log.WithFields(zap.String("component", "monitoring.Generator")),
		summaries:      make(map[string]Summary),
		lastCaptureLen: make(map[string]int),
	}
}

// Sweep captures every non-terminated instance's pane once, appends any new
// output to its on-disk log, and folds the newly-tailed lines into that
// instance's running Summary.
func (g *Generator) Sweep(ctx context.Context) {
	for _, inst := range g.reg.List() {
		if inst.State.IsTerminal() {
			continue
		}
		if err := g.sweepOne(ctx, inst); err != nil {
			g.log.Warn("activity summary sweep failed", zap.String("instance_id", inst.ID), zap.Error(err))
		}
	}
}

func (g *Generator) sweepOne(ctx context.Context, inst registry.Instance) error {
	full, err := g.mux.CapturePane(ctx, inst.ID, pane.Capture{Mode: pane.CaptureAllScrollback})
	if err != nil {
		return err
	}

	logPath := filepath.Join(inst.WorkspacePath, "tmux_output.log")
	g.mu.Lock()
	priorLen := g.lastCaptureLen[inst.ID]
	g.mu.Unlock()

	if len(full) > priorLen {
		suffix := full[priorLen:]
		if err := appendToLog(logPath, suffix); err != nil {
			return err
		}
		g.mu.Lock()
		g.lastCaptureLen[inst.ID] = len(full)
		g.mu.Unlock()
	}

	newLines, _, err := g.reader.ReadNew(inst.ID, "tmux_output", logPath)
	if err != nil {
		return err
	}
	if len(newLines) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.summaries[inst.ID]
	s.InstanceID = inst.ID
	for _, line := range newLines {
		s.LineCount++
		s.WordCount += int64(len(strings.Fields(line)))
		if containsErrorMarker(line) {
			s.ErrorCount++
		}
	}
	s.LastUpdated = time.Now()
	g.summaries[inst.ID] = s
	return nil
}

// Get returns the current rollup for an instance, and false if nothing has
// been swept for it yet.
func (g *Generator) Get(instanceID string) (Summary, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.summaries[instanceID]
	return s, ok
}

func containsErrorMarker(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range errorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func appendToLog(path, content string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	_, err = f.WriteString(content)
	return err
}
