// Package persist stores per-notebook state on disk as JSON.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"pkt.systems/kernelx/schema"
	"pkt.systems/pslog"
)

// NotebookSnapshot is the persisted state of one notebook.
type NotebookSnapshot struct {
	NotebookID schema.NotebookID `json:"notebook_id"`
	History    []string          `json:"history,omitempty"`
	SavedAt    time.Time         `json:"saved_at"`
}

// Store keeps one JSON file per notebook under a directory.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore creates dir when needed. logger may be nil.
func NewStore(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{dir: dir, log: logger.With("state_dir", dir)}, nil
}

// Load reads the snapshot of id. A missing file reports false.
func (s *Store) Load(id schema.NotebookID) (NotebookSnapshot, bool, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Debug("state load miss", "notebook", id)
			return NotebookSnapshot{}, false, nil
		}
		s.log.Warn("state load failed", "notebook", id, "err", err)
		return NotebookSnapshot{}, false, err
	}
	var snapshot NotebookSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.log.Warn("state load failed", "notebook", id, "err", err)
		return NotebookSnapshot{}, false, err
	}
	s.log.Debug("state load ok", "notebook", id, "history", len(snapshot.History))
	return snapshot, true, nil
}

// Save replaces the snapshot of id atomically.
func (s *Store) Save(id schema.NotebookID, snapshot NotebookSnapshot) error {
	snapshot.NotebookID = id
	if snapshot.SavedAt.IsZero() {
		snapshot.SavedAt = time.Now().UTC()
	}
	if err := s.write(s.pathFor(id), snapshot); err != nil {
		s.log.Warn("state save failed", "notebook", id, "err", err)
		return err
	}
	s.log.Trace("state save ok", "notebook", id, "history", len(snapshot.History))
	return nil
}

func (s *Store) write(path string, snapshot NotebookSnapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.json")
	if err != nil {
		return err
	}
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		return cleanup(err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return cleanup(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return cleanup(err)
	}
	return nil
}

func (s *Store) pathFor(id schema.NotebookID) string {
	name := sanitize(string(id))
	if name == "" {
		name = "default"
	}
	return filepath.Join(s.dir, name+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
