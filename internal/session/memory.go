package session

import "maps"

// MemoryBackend is a non-durable Backend used by tests and by roles started
// with an empty session-store path; sessions vanish when the process exits.
type MemoryBackend struct {
	sessions map[string]*Session
}

// NewMemoryBackend returns an empty in-memory Backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{sessions: make(map[string]*Session)}
}

func (b *MemoryBackend) Load(clientID string) (*Session, bool, error) {
	sess, ok := b.sessions[clientID]
	return sess, ok, nil
}

func (b *MemoryBackend) Save(sess *Session) error {
	b.sessions[sess.ClientID] = cloneSession(sess)
	return nil
}

func (b *MemoryBackend) Delete(clientID string) error {
	delete(b.sessions, clientID)
	return nil
}

func (b *MemoryBackend) List() ([]string, error) {
	out := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		out = append(out, id)
	}
	return out, nil
}

func cloneSession(sess *Session) *Session {
	clone := &Session{
		ClientID:      sess.ClientID,
		Subscriptions: append([]Subscription(nil), sess.Subscriptions...),
		InflightOut:   make(map[uint16]*InflightOut, len(sess.InflightOut)),
		InflightIn:    make(map[uint16]*InflightIn, len(sess.InflightIn)),
		PendingQueue:  append([]*QueuedPublish(nil), sess.PendingQueue...),
	}
	maps.Copy(clone.InflightOut, sess.InflightOut)
	maps.Copy(clone.InflightIn, sess.InflightIn)
	return clone
}
