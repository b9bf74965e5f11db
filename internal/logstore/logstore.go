// Package logstore persists capped per-run log artifacts on disk.
package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/regintel/crawl-engine/internal/engine"
)

const truncationMarker = "... (older lines truncated)"

// Store writes run logs under a root directory, one file per run, capped at
// maxBytes with the oldest lines dropped first.
type Store struct {
	root     string
	maxBytes int64
	logger   *zap.Logger
}

// New returns a Store rooted at dir.
func New(root string, maxBytes int64, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create log root %s: %w", root, err)
	}
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: root, maxBytes: maxBytes, logger: logger}, nil
}

// Root returns the artifact root directory.
func (s *Store) Root() string {
	return s.root
}

// Open creates the log artifact for one run. scope groups files by owner
// (job ID or pipeline run ID).
func (s *Store) Open(scope, runID string) (engine.RunLog, error) {
	dir := filepath.Join(s.root, sanitize(scope))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	return &RunLog{
		path:     filepath.Join(dir, sanitize(runID)+".log"),
		maxBytes: s.maxBytes,
		logger:   s.logger,
	}, nil
}

// Tail returns up to limit lines from the end of the artifact at path and
// whether earlier lines were omitted.
func (s *Store) Tail(path string, limit int) ([]string, bool, error) {
	// Refuse paths that escape the artifact root.
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false, fmt.Errorf("resolve log path: %w", err)
	}
	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return nil, false, fmt.Errorf("resolve log root: %w", err)
	}
	if !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return nil, false, fmt.Errorf("log path %s outside artifact root", path)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, false, fmt.Errorf("read log %s: %w", path, err)
	}
	lines := splitLines(string(data))
	if limit <= 0 || limit >= len(lines) {
		return lines, false, nil
	}
	return lines[len(lines)-limit:], true, nil
}

// Clear removes every artifact directory under the root and returns the
// removed paths.
func (s *Store) Clear() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read log root %s: %w", s.root, err)
	}
	var cleared []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			return cleared, fmt.Errorf("remove log dir %s: %w", dir, err)
		}
		cleared = append(cleared, dir)
	}
	return cleared, nil
}

// RunLog buffers lines for one execution and flushes them to disk on Close.
// Buffering keeps the oldest-truncation cap cheap: lines are dropped from the
// front as soon as the cap is exceeded.
type RunLog struct {
	mu        sync.Mutex
	path      string
	maxBytes  int64
	size      int64
	lines     []string
	truncated bool
	logger    *zap.Logger
	closed    bool
}

// Append adds lines to the buffer, dropping the oldest once over the cap.
func (l *RunLog) Append(lines ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	for _, line := range lines {
		l.lines = append(l.lines, line)
		l.size += int64(len(line)) + 1
	}
	for l.size > l.maxBytes && len(l.lines) > 1 {
		l.size -= int64(len(l.lines[0])) + 1
		l.lines = l.lines[1:]
		l.truncated = true
	}
}

// Path returns the artifact location the log flushes to.
func (l *RunLog) Path() string {
	return l.path
}

// Close flushes buffered lines to disk. A write failure is logged but never
// fails the run that produced the log.
func (l *RunLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	out := l.lines
	if l.truncated {
		out = append([]string{truncationMarker}, out...)
	}
	if err := os.WriteFile(l.path, []byte(strings.Join(out, "\n")+"\n"), 0o600); err != nil {
		l.logger.Warn("run log flush failed", zap.String("path", l.path), zap.Error(err))
		return fmt.Errorf("write log %s: %w", l.path, err)
	}
	return nil
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func sanitize(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")
	out := replacer.Replace(name)
	if out == "" {
		out = "run"
	}
	return out
}
