// Package monitoring implements the Position Tracker and activity-summary
// sweep: a file-locked JSON document (github.com/gofrs/flock guarding
// concurrent readers/writers) that records, per instance and log kind,
// how far the summary generator has read. This is bookkeeping only: it
// never backs cumulative_tokens/cumulative_cost.
package monitoring

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/barkain/madrox/internal/orchestrator/registry"
	"github.com/gofrs/flock"
)

// positionKey identifies one (instance, log kind) tuple's tracked position.
type positionKey struct {
	InstanceID string
	LogKind    string
}

// PositionTracker persists PositionRecords as one JSON document under
// state_dir, guarded by an advisory file lock so multiple orchestrator
// processes sharing a state directory don't corrupt each other's writes.
// Mirrors position_tracker.py's shared-lock-for-read,
// exclusive-lock-for-write, write-temp-then-rename shape.
type PositionTracker struct {
	mu        sync.Mutex
	stateFile string
	lockFile  string
	positions map[positionKey]registry.PositionRecord
}

// NewPositionTracker creates the state directory if needed and loads any
// existing positions document.
func NewPositionTracker(stateDir string) (*PositionTracker, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create monitoring state dir: %w", err)
	}
	t := &PositionTracker{
		stateFile: filepath.Join(stateDir, "monitor_positions.json"),
		lockFile:  filepath.Join(stateDir, "monitor_positions.lock"),
		positions: make(map[positionKey]registry.PositionRecord),
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

// load reads the positions document under a shared lock. A missing file
// starts fresh; a corrupted file is treated the same way rather than
// failing construction, matching the original's "log and start fresh"
// recovery.
func (t *PositionTracker) load() error {
	if _, err := os.Stat(t.stateFile); os.IsNotExist(err) {
		return nil
	}

	lock := flock.New(t.lockFile)
	if err := lock.RLock(); err != nil {
		return fmt.Errorf("lock monitoring state for read: %w", err)
	}
	defer lock.Unlock()

	raw, err := os.ReadFile(t.stateFile)
	if err != nil {
		return nil
	}

	var records map[string]registry.PositionRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil
	}
	for _, rec := range records {
		t.positions[positionKey{InstanceID: rec.InstanceID, LogKind: rec.LogKind}] = rec
	}
	return nil
}

// save writes the full positions document under an exclusive lock,
// temp-file-then-rename for atomicity.
func (t *PositionTracker) save() error {
	lock := flock.New(t.lockFile)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock monitoring state for write: %w", err)
	}
	defer lock.Unlock()

	records := make(map[string]registry.PositionRecord, len(t.positions))
	for key, rec := range t.positions {
		records[key.InstanceID+":"+key.LogKind] = rec
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal monitoring positions: %w", err)
	}

	tmp := t.stateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write monitoring positions temp file: %w", err)
	}
	return os.Rename(tmp, t.stateFile)
}

// GetPosition returns the tracked position for (instanceID, logKind), and
// false if none has been recorded yet.
func (t *PositionTracker) GetPosition(instanceID, logKind string) (registry.PositionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.positions[positionKey{InstanceID: instanceID, LogKind: logKind}]
	return rec, ok
}

// UpdatePosition records a new position and persists it to disk.
func (t *PositionTracker) UpdatePosition(rec registry.PositionRecord) error {
	t.mu.Lock()
	t.positions[positionKey{InstanceID: rec.InstanceID, LogKind: rec.LogKind}] = rec
	t.mu.Unlock()
	return t.save()
}

// RemovePosition drops tracking for an instance's log, typically called on
// termination.
func (t *PositionTracker) RemovePosition(instanceID, logKind string) error {
	t.mu.Lock()
	delete(t.positions, positionKey{InstanceID: instanceID, LogKind: logKind})
	t.mu.Unlock()
	return t.save()
}
