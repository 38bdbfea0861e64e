// Package admin implements the mapping document admin HTTP API: draft/active
// configuration editing, schema validation, and a bounded deploy history with
// rollback. Grounded on original_source/lib/MappingAdminRouter.cpp and
// original_source/mqttintegrator/admin/MappingStore.{h,cpp}.
package admin

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHistoryLimit is the number of deploy history entries retained before
// the oldest is evicted. Resolved per spec.md §9's Open Question on history
// retention.
const DefaultHistoryLimit = 50

// HistoryEntry records one deployed configuration version.
type HistoryEntry struct {
	ID       string          `json:"id"`
	Comment  string          `json:"comment"`
	Date     time.Time       `json:"date"`
	Snapshot json.RawMessage `json:"-"`
}

// Store manages one mapping document's draft, active, and history files on
// disk. Grounded on MappingStore's load/save/modify-under-mutex shape and its
// temp-file+rename atomic write, generalized with a second "draft" file (the
// router's GET/PATCH /config edits the draft, POST /config/deploy promotes it
// to active) and a capped history list.
type Store struct {
	mu           sync.Mutex
	path         string
	historyLimit int
	history      []HistoryEntry
}

// NewStore returns a Store rooted at path (the active configuration file);
// path+".draft" holds in-progress edits.
func NewStore(path string) *Store {
	return &Store{path: path, historyLimit: DefaultHistoryLimit}
}

// WithHistoryLimit overrides the default history retention cap.
func (s *Store) WithHistoryLimit(n int) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyLimit = n
	return s
}

func (s *Store) draftPath() string {
	return s.path + ".draft"
}

// ReadDraftOrActive returns the draft file's contents if one exists,
// otherwise the active configuration. Grounded on
// JsonMappingReader::readDraftOrActive.
func (s *Store) ReadDraftOrActive() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readDraftOrActiveLocked()
}

func (s *Store) readDraftOrActiveLocked() (json.RawMessage, error) {
	if b, err := os.ReadFile(s.draftPath()); err == nil {
		return json.RawMessage(b), nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("admin: read active config: %w", err)
	}
	return json.RawMessage(b), nil
}

// SaveDraft atomically writes content to the draft file.
func (s *Store) SaveDraft(content json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return atomicWriteFile(s.draftPath(), content)
}

// DeployDraft promotes the draft (or, if no draft exists, the current
// active configuration) to active and appends a history entry, evicting the
// oldest entry once historyLimit is exceeded.
func (s *Store) DeployDraft(comment string) (HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := s.readDraftOrActiveLocked()
	if err != nil {
		return HistoryEntry{}, err
	}
	if err := atomicWriteFile(s.path, content); err != nil {
		return HistoryEntry{}, err
	}
	_ = os.Remove(s.draftPath())

	entry := HistoryEntry{
		ID:       uuid.NewString(),
		Comment:  comment,
		Date:     nowFunc(),
		Snapshot: content,
	}
	s.history = append(s.history, entry)
	if len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
	return entry, nil
}

// RollbackTo restores the active configuration to the snapshot recorded
// under versionID and records the rollback itself as a new history entry
// (history is append-only, mirroring the deploy log rather than rewinding
// it).
func (s *Store) RollbackTo(versionID string) (HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *HistoryEntry
	for i := range s.history {
		if s.history[i].ID == versionID {
			target = &s.history[i]
			break
		}
	}
	if target == nil {
		return HistoryEntry{}, fmt.Errorf("admin: unknown version_id %q", versionID)
	}
	if err := atomicWriteFile(s.path, target.Snapshot); err != nil {
		return HistoryEntry{}, err
	}
	_ = os.Remove(s.draftPath())

	entry := HistoryEntry{
		ID:       uuid.NewString(),
		Comment:  fmt.Sprintf("rollback to %s", versionID),
		Date:     nowFunc(),
		Snapshot: target.Snapshot,
	}
	s.history = append(s.history, entry)
	if len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
	return entry, nil
}

// History returns every retained deploy/rollback entry, oldest first.
func (s *Store) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// nowFunc is a seam for deterministic tests.
var nowFunc = time.Now

func atomicWriteFile(path string, content []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("admin: create temp file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("admin: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("admin: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("admin: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("admin: rename temp file: %w", err)
	}
	return nil
}
