// Package persist stores database snapshots as JSON files, one per hosted
// database. The host saves synchronously on publish/delete and periodically
// on commit; restarts load these and replay the commit log tail.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"pkt.systems/pslog"
	"pkt.systems/shellrelay/core"
	"pkt.systems/shellrelay/schema"
)

// ErrNotFound indicates no snapshot exists for the requested database.
var ErrNotFound = errors.New("database state not found")

// Store persists database states to disk.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a store rooted at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads one database state from disk.
func (s *Store) Load(name schema.DatabaseName) (core.DatabaseState, error) {
	path := s.pathFor(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.DatabaseState{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if s.log != nil {
			s.log.Warn("state load failed", "db", name, "err", err)
		}
		return core.DatabaseState{}, err
	}
	var state core.DatabaseState
	if err := json.Unmarshal(data, &state); err != nil {
		if s.log != nil {
			s.log.Warn("state load failed", "db", name, "err", err)
		}
		return core.DatabaseState{}, fmt.Errorf("decode state %s: %w", name, err)
	}
	if s.log != nil {
		s.log.Debug("state load ok", "db", name, "seq", state.Seq)
	}
	return state, nil
}

// Save writes one database state to disk atomically.
func (s *Store) Save(state core.DatabaseState) error {
	path := s.pathFor(state.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return s.saveFailed(state.Name, err)
	}
	// Compact marshal keeps row bytes identical across save/load cycles;
	// indentation would rewrite the embedded raw rows.
	data, err := json.Marshal(state)
	if err != nil {
		return s.saveFailed(state.Name, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.tmp")
	if err != nil {
		return s.saveFailed(state.Name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return s.saveFailed(state.Name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return s.saveFailed(state.Name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return s.saveFailed(state.Name, err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return s.saveFailed(state.Name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return s.saveFailed(state.Name, err)
	}
	if s.log != nil {
		s.log.Trace("state save ok", "db", state.Name, "seq", state.Seq)
	}
	return nil
}

func (s *Store) saveFailed(name schema.DatabaseName, err error) error {
	if s.log != nil {
		s.log.Warn("state save failed", "db", name, "err", err)
	}
	return err
}

// Delete removes one database state. Deleting a missing state is not an error.
func (s *Store) Delete(name schema.DatabaseName) error {
	err := os.Remove(s.pathFor(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if s.log != nil {
		s.log.Debug("state deleted", "db", name)
	}
	return nil
}

// List returns the names of all persisted databases, sorted.
func (s *Store) List() ([]schema.DatabaseName, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]schema.DatabaseName, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), ".json")
		name, err := schema.NormalizeDatabaseName(stem)
		if err != nil {
			if s.log != nil {
				s.log.Warn("state file ignored", "file", entry.Name())
			}
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names, nil
}

func (s *Store) pathFor(name schema.DatabaseName) string {
	stem := sanitize(string(name))
	if stem == "" {
		stem = "unknown"
	}
	return filepath.Join(s.dir, stem+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
