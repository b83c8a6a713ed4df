// Package filestore implements persistence.Store as one append-only
// .ndjson log per loop, grounded on the live.json/progress.ndjson pattern:
// the latest line is the authoritative full snapshot, older lines are kept
// for audit up to a bounded count. Each line carries a blake3 hash of its
// snapshot, so a truncated or corrupted tail line is detected and skipped
// on load. The bounded ring buffers (RecentIterations, Commits) are also
// written on every save to a msgpack-encoded sidecar file per loop,
// alongside the full JSON snapshot line.
package filestore

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/ralphloop/ralph/internal/loopstate"
)

// maxRetainedLines bounds how many snapshot lines are kept per loop log:
// once the log holds more valid lines, it is rewritten with only the newest
// maxRetainedLines of them.
const maxRetainedLines = 200

type line struct {
	Hash  string          `json:"hash"`
	State json.RawMessage `json:"state"`
}

type ringBuffers struct {
	RecentIterations []loopstate.IterationSummary `msgpack:"recentIterations"`
	Commits          []loopstate.GitCommit        `msgpack:"commits"`
}

// Store is a filesystem-backed persistence.Store. One loop's history lives
// at <root>/<loopID>.ndjson, with a binary sidecar at
// <root>/<loopID>.rings.msgpack.
type Store struct {
	mu   sync.Mutex
	root string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) logPath(loopID string) string {
	return filepath.Join(s.root, loopID+".ndjson")
}

func (s *Store) ringsPath(loopID string) string {
	return filepath.Join(s.root, loopID+".rings.msgpack")
}

func hashState(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// SaveLoopState appends snapshot as the new authoritative line for loopID,
// compacting older lines once the log exceeds maxRetainedLines. The bounded
// ring buffers are additionally written to a msgpack sidecar.
func (s *Store) SaveLoopState(loopID string, snapshot *loopstate.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("filestore: marshal snapshot: %w", err)
	}
	rec := line{Hash: hashState(raw), State: raw}
	recBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("filestore: marshal record: %w", err)
	}

	f, err := os.OpenFile(s.logPath(loopID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("filestore: open log: %w", err)
	}
	_, werr := f.Write(append(recBytes, '\n'))
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("filestore: append: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("filestore: close: %w", cerr)
	}

	if err := s.compactIfNeeded(loopID); err != nil {
		return err
	}

	rings := ringBuffers{}
	if len(snapshot.RecentIterations) > 0 {
		rings.RecentIterations = snapshot.RecentIterations
	}
	if snapshot.Git != nil {
		rings.Commits = snapshot.Git.Commits
	}
	ringBytes, err := msgpack.Marshal(&rings)
	if err != nil {
		return fmt.Errorf("filestore: marshal rings: %w", err)
	}
	if err := os.WriteFile(s.ringsPath(loopID), ringBytes, 0o644); err != nil {
		return fmt.Errorf("filestore: write rings sidecar: %w", err)
	}
	return nil
}

func (s *Store) compactIfNeeded(loopID string) error {
	path := s.logPath(loopID)
	lines, err := readValidLines(path)
	if err != nil {
		return err
	}
	if len(lines) <= maxRetainedLines {
		return nil
	}
	kept := lines[len(lines)-maxRetainedLines:]
	var b strings.Builder
	for _, l := range kept {
		b.Write(l)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// readValidLines reads every syntactically-valid, hash-verified line from
// path, skipping (not failing on) a corrupted tail.
func readValidLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestore: open: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var out [][]byte
	for sc.Scan() {
		raw := sc.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var rec line
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if hashState(rec.State) != rec.Hash {
			continue
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		out = append(out, cp)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("filestore: scan: %w", err)
	}
	return out, nil
}

func lastSnapshot(path string) (*loopstate.State, bool, error) {
	lines, err := readValidLines(path)
	if err != nil {
		return nil, false, err
	}
	if len(lines) == 0 {
		return nil, false, nil
	}
	var rec line
	if err := json.Unmarshal(lines[len(lines)-1], &rec); err != nil {
		return nil, false, fmt.Errorf("filestore: decode last record: %w", err)
	}
	var st loopstate.State
	if err := json.Unmarshal(rec.State, &st); err != nil {
		return nil, false, fmt.Errorf("filestore: decode state: %w", err)
	}
	return &st, true, nil
}

// LoadAll returns every non-deleted loop's most recent snapshot, keyed by
// loop ID (derived from each log file's base name).
func (s *Store) LoadAll() (map[string]*loopstate.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*loopstate.State{}, nil
		}
		return nil, fmt.Errorf("filestore: read dir: %w", err)
	}

	out := map[string]*loopstate.State{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ndjson") {
			continue
		}
		loopID := strings.TrimSuffix(e.Name(), ".ndjson")
		st, ok, err := lastSnapshot(filepath.Join(s.root, e.Name()))
		if err != nil {
			return nil, err
		}
		if !ok || st.Status == "deleted" {
			continue
		}
		out[loopID] = st
	}
	return out, nil
}

// Delete removes loopID's log and sidecar files.
func (s *Store) Delete(loopID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.logPath(loopID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: delete log: %w", err)
	}
	if err := os.Remove(s.ringsPath(loopID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: delete rings sidecar: %w", err)
	}
	return nil
}

// LoadRings reads back the msgpack ring-buffer sidecar for loopID, if
// present. Used for operability tooling; LoadAll already has the rings
// embedded in the latest JSON snapshot.
func LoadRings(root, loopID string) (recentIterations []loopstate.IterationSummary, commits []loopstate.GitCommit, err error) {
	path := filepath.Join(root, loopID+".rings.msgpack")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("filestore: read rings sidecar: %w", err)
	}
	var rings ringBuffers
	if err := msgpack.Unmarshal(b, &rings); err != nil {
		return nil, nil, fmt.Errorf("filestore: decode rings sidecar: %w", err)
	}
	return rings.RecentIterations, rings.Commits, nil
}
