package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// stateDir is where snapshots live: an explicit env override, or a dot
// directory under the user's config dir.
func stateDir() string {
	if v := strings.TrimSpace(os.Getenv("MCPFLEET_STATE_HOME")); v != "" {
		return filepath.Clean(v)
	}
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "mcpfleet", ".state")
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "mcpfleet", ".state")
}

// resolveUnder anchors a configured snapshot path inside the state dir. The
// check is purely lexical and happens before any filesystem work: absolute
// paths and upward traversal are refused outright.
func resolveUnder(home, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("snapshot path must be relative to %s: %s", home, rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("snapshot path escapes %s: %s", home, rel)
	}
	return filepath.Join(home, clean), nil
}

// replaceFile swaps the target atomically: the payload is staged in a
// random-named temp file in the same directory, then renamed over the
// target. Readers never observe a partial write.
func replaceFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// snapshotWriter persists the live aggregated catalog under the state dir so
// the dashboard and operators can inspect what downstream currently sees.
// Alongside the live file it keeps a bounded run of timestamped copies; the
// run is tracked in memory, so history from earlier processes is left alone
// rather than scanned and reaped.
type snapshotWriter struct {
	home    string
	base    string // relative to home, e.g. "catalog/live.json"
	history int

	mu       sync.Mutex
	recent   []string // stamped copies written by this process, oldest first
	lastPath string
	lastAt   time.Time
}

func newSnapshotWriter(base string, history int) *snapshotWriter {
	if strings.TrimSpace(base) == "" {
		return nil
	}
	return &snapshotWriter{home: stateDir(), base: base, history: history}
}

func (s *snapshotWriter) write(tools []map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, err := resolveUnder(s.home, s.base)
	if err != nil {
		return "", err
	}
	stamp := time.Now().UTC()
	data, err := json.MarshalIndent(map[string]any{
		"generatedAt": stamp.Format(time.RFC3339Nano),
		"tools":       tools,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	data = append(data, '\n')
	if err := replaceFile(live, data); err != nil {
		return "", err
	}
	if s.history > 0 {
		stamped := strings.TrimSuffix(live, ".json") + "-" + stamp.Format("20060102T150405") + ".json"
		if err := replaceFile(stamped, data); err == nil {
			s.rememberLocked(stamped)
		}
	}
	s.lastPath = live
	s.lastAt = stamp
	return live, nil
}

// rememberLocked appends one stamped copy to the run and drops the oldest
// once the run exceeds the configured depth. Same-second rewrites land on
// the same name and are not double-counted.
func (s *snapshotWriter) rememberLocked(path string) {
	for _, known := range s.recent {
		if known == path {
			return
		}
	}
	s.recent = append(s.recent, path)
	for len(s.recent) > s.history {
		_ = os.Remove(s.recent[0])
		s.recent = s.recent[1:]
	}
}

func (s *snapshotWriter) last() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPath, s.lastAt
}

// writeCatalogSnapshot is called after each successful tools aggregation.
func (p *Proxy) writeCatalogSnapshot(tools []map[string]any) {
	if p.snapshots == nil {
		return
	}
	if _, err := p.snapshots.write(tools); err != nil {
		logger.Warn().Err(err).Msg("catalog snapshot write failed")
	}
}
