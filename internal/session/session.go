// Package session implements persistent client session state: retained
// subscriptions and in-flight QoS 1/2 deliveries for non-clean MQTT
// sessions, durable across broker restarts via a pluggable Backend.
package session

import (
	"sync"

	"github.com/mqttsuite/mqttsuite/internal/mqttproto"
)

// InflightState is the delivery state of one in-flight QoS 1/2 message.
type InflightState byte

const (
	StateSent        InflightState = iota // PUBLISH sent, awaiting PUBACK/PUBREC
	StatePubRecSent                       // PUBREC sent (inbound QoS 2), awaiting PUBREL
	StatePubRelSent                       // PUBREL sent (outbound QoS 2), awaiting PUBCOMP
)

// InflightOut is a message this broker sent to a client and is still
// waiting to be fully acknowledged.
type InflightOut struct {
	PacketID uint16
	Topic    string
	Payload  []byte
	QoS      mqttproto.QoS
	Retain   bool
	State    InflightState
}

// InflightIn is a QoS 2 message a client sent that this broker has stored
// under its packet ID on PUBREC and has not yet forwarded to subscribers:
// it is dispatched exactly once, on the matching PUBREL, then discarded.
type InflightIn struct {
	PacketID uint16
	Topic    string
	Payload  []byte
	QoS      mqttproto.QoS
	Retain   bool
	State    InflightState
}

// QueuedPublish is a message queued for offline delivery to a non-clean
// session's client once it reconnects.
type QueuedPublish struct {
	Topic   string
	Payload []byte
	QoS     mqttproto.QoS
	Retain  bool
}

// Subscription is a client's retained subscription filter and granted QoS.
type Subscription struct {
	Filter string
	QoS    mqttproto.QoS
}

// Session holds everything a non-clean MQTT session must survive a
// disconnect and broker restart with: subscriptions, in-flight deliveries
// in both directions, and messages queued while the client was offline.
type Session struct {
	ClientID      string
	Subscriptions []Subscription
	InflightOut   map[uint16]*InflightOut
	InflightIn    map[uint16]*InflightIn
	PendingQueue  []*QueuedPublish
}

// NewSession returns an empty session for clientID.
func NewSession(clientID string) *Session {
	return &Session{
		ClientID:    clientID,
		InflightOut: make(map[uint16]*InflightOut),
		InflightIn:  make(map[uint16]*InflightIn),
	}
}

// Backend persists sessions. The file backend (OpenFileBackend) and the in-memory
// backend (NewMemoryBackend) implement it identically from the Store's
// point of view.
type Backend interface {
	Load(clientID string) (*Session, bool, error)
	Save(sess *Session) error
	Delete(clientID string) error
	List() ([]string, error)
}

// Store is the broker's live view of all non-clean sessions, backed by a
// Backend for durability. All access is single-writer, guarded by mu,
// matching the broker's single-writer-per-store concurrency model.
type Store struct {
	mu      sync.Mutex
	backend Backend
	live    map[string]*Session
}

// Open creates a Store over backend, eagerly loading every persisted
// session into memory.
func Open(backend Backend) (*Store, error) {
	s := &Store{backend: backend, live: make(map[string]*Session)}
	ids, err := backend.List()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		sess, ok, err := backend.Load(id)
		if err != nil {
			return nil, err
		}
		if ok {
			s.live[id] = sess
		}
	}
	return s, nil
}

// Get returns the live session for clientID, if one is registered.
func (s *Store) Get(clientID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.live[clientID]
	return sess, ok
}

// OpenSession returns the existing session for clientID, or creates and persists
// a new empty one. Used on CONNECT with CleanSession false.
func (s *Store) OpenSession(clientID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.live[clientID]; ok {
		return sess, nil
	}
	sess := NewSession(clientID)
	s.live[clientID] = sess
	if err := s.backend.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Persist writes sess's current state to the backend. Call after any
// mutation (subscribe, inflight state transition, queued publish) that must
// survive a crash.
func (s *Store) Persist(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[sess.ClientID] = sess
	return s.backend.Save(sess)
}

// Purge discards clientID's session entirely. Called when a client
// reconnects with CleanSession true, or disconnects a clean session.
func (s *Store) Purge(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, clientID)
	return s.backend.Delete(clientID)
}

// Enumerate returns every client ID with a currently live session.
func (s *Store) Enumerate() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.live))
	for id := range s.live {
		out = append(out, id)
	}
	return out
}
