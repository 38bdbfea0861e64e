// Package retained implements the broker's retained-message store: the one
// most recent retained PUBLISH per topic name, delivered to new subscribers
// whose filter matches it.
package retained

import (
	"github.com/mqttsuite/mqttsuite/internal/mqttproto"
	"github.com/mqttsuite/mqttsuite/internal/topic"
)

// Entry is one retained message.
type Entry struct {
	Topic   string
	Payload []byte
	QoS     mqttproto.QoS
}

// Store holds the current retained message for every topic name that has
// one. A PUBLISH with the retain flag set and an empty payload deletes the
// retained message for its topic rather than storing an empty one.
type Store struct {
	trie *topic.Trie[*Entry]
}

// New returns an empty retained-message store.
func New() *Store {
	return &Store{trie: topic.NewTrie[*Entry]()}
}

// Put stores or deletes the retained message for name, per MQTT 3.1.1
// §3.3.1.3: an empty payload clears any existing retained message instead
// of storing one.
func (s *Store) Put(name string, payload []byte, qos mqttproto.QoS) {
	s.trie.Remove(name, func(*Entry) bool { return true })
	if len(payload) == 0 {
		return
	}
	s.trie.Insert(name, &Entry{Topic: name, Payload: payload, QoS: qos})
}

// Match returns every retained entry whose topic name matches filter,
// delivered to a client immediately after a successful SUBSCRIBE.
func (s *Store) Match(filter string) []*Entry {
	return s.trie.MatchFilter(filter)
}
