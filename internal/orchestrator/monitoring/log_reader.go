package monitoring

import (
	"bufio"
	"hash/crc32"
	"io"
	"os"
	"strings"
	"time"

	"github.com/barkain/madrox/internal/orchestrator/registry"
)

// maxLinesPerRead bounds how much a single incremental read returns, per
// log_reader.py's max_lines_per_read default of 200.
const maxLinesPerRead = 200

// checksumPrefixBytes is the size of the file prefix hashed to detect
// rotation/truncation. The original hashes 16 bytes of MD5; this uses the
// same 16-byte prefix with CRC32 (already imported for nothing else in this
// module, and sufficient for rotation detection — cryptographic collision
// resistance isn't a requirement here).
const checksumPrefixBytes = 16

// LogReader incrementally tails a captured-pane log file, using a
// PositionTracker to remember how far it has read across calls and restarts.
// Grounded on log_reader.py's IncrementalLogReader.
type LogReader struct {
	tracker *PositionTracker
}

// NewLogReader builds a reader over the given tracker.
func NewLogReader(tracker *PositionTracker) *LogReader {
	return &LogReader{tracker: tracker}
}

// ReadNew reads lines appended to path since the last call for
// (instanceID, logKind), detecting rotation via a prefix checksum and
// truncation via an offset-past-end-of-file check, both of which force a
// restart from byte 0.
func (r *LogReader) ReadNew(instanceID, logKind, path string) ([]string, int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if info.Size() == 0 {
		return nil, 0, nil
	}

	prior, hasPrior := r.tracker.GetPosition(instanceID, logKind)
	checksum, err := prefixChecksum(path)
	if err != nil {
		return nil, 0, err
	}

	startFromBeginning := !hasPrior
	if hasPrior {
		switch {
		case prior.LastByteOffset > info.Size():
			startFromBeginning = true
		case prior.PrefixChecksum != checksum && info.Size() <= prior.LastByteOffset+100:
			// Shrunk or barely grew alongside a checksum change: rotation,
			// not an append (log_reader.py's false-positive guard for small
			// files that simply got more content appended).
			startFromBeginning = true
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var offset int64
	lineNumber := int64(0)
	if !startFromBeginning {
		offset = prior.LastByteOffset
		lineNumber = prior.LastLineNumber
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, 0, err
		}
	}

	// Consume only complete lines, tracking the byte offset by what was
	// actually consumed: a bufio.Scanner reads ahead of its last token, so
	// the file position after scanning overshoots and would skip content
	// on the next call. A partial final line (no trailing newline yet) is
	// left for a future call once the writer finishes it.
	reader := bufio.NewReader(f)
	newOffset := offset
	var lines []string
	for len(lines) < maxLinesPerRead {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		newOffset += int64(len(line))
		lines = append(lines, strings.TrimSuffix(line, "\n"))
		lineNumber++
	}

	rec := registry.PositionRecord{
		InstanceID:        instanceID,
		LogKind:           logKind,
		FilePath:          path,
		LastByteOffset:    newOffset,
		LastLineNumber:    lineNumber,
		LastReadTimestamp: time.Now(),
		PrefixChecksum:    checksum,
	}
	if err := r.tracker.UpdatePosition(rec); err != nil {
		return lines, lineNumber, err
	}
	return lines, lineNumber, nil
}

// prefixChecksum hashes the first checksumPrefixBytes of path, matching
// log_reader.py's "only checksum a small fixed portion" rotation-detection
// heuristic.
func prefixChecksum(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, checksumPrefixBytes)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return 0, err
	}
	return crc32.ChecksumIEEE(buf[:n]), nil
}

// ReadLastN returns up to n lines from the end of path, for one-off
// context without disturbing position tracking (log_reader.py's
// read_last_n_lines).
func ReadLastN(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := splitLines(string(data))
	if len(lines) <= n {
		return lines, nil
	}
	return lines[len(lines)-n:], nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
