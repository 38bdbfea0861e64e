package session

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend persists every session to a single file in the MQSS\0 binary
// format (see fileformat.go), rewritten in full on every mutation via a
// temp-file-plus-rename sequence so a crash mid-write never corrupts the
// previous durable state.
type FileBackend struct {
	mu       sync.Mutex
	path     string
	sessions map[string]*Session
}

// OpenFileBackend loads path if it exists, or starts from an empty store if
// it does not. A file that exists but fails to parse (bad magic, truncated
// record, unsupported version) is logged and treated as empty rather than
// causing startup to fail — a corrupt session store must not block the
// broker from starting.
func OpenFileBackend(path string) (*FileBackend, error) {
	b := &FileBackend{path: path, sessions: make(map[string]*Session)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, err
	}

	sessions, err := decodeFile(data)
	if err != nil {
		slog.Warn("session store file is corrupt, starting with an empty store", "path", path, "error", err)
		return b, nil
	}
	b.sessions = sessions
	return b, nil
}

func (b *FileBackend) Load(clientID string) (*Session, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[clientID]
	return sess, ok, nil
}

func (b *FileBackend) Save(sess *Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sess.ClientID] = cloneSession(sess)
	return b.flushLocked()
}

func (b *FileBackend) Delete(clientID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, clientID)
	return b.flushLocked()
}

func (b *FileBackend) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		out = append(out, id)
	}
	return out, nil
}

// flushLocked rewrites the whole backing file. Callers must hold b.mu.
func (b *FileBackend) flushLocked() error {
	data := encodeFile(b.sessions)

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, b.path)
}
