// Package bridgefabric implements the bridge layer: each Bridge groups a set
// of broker connections ("legs") that should mirror publishes to one
// another, with loop prevention so a message forwarded onto one leg is never
// reflected back to the leg it arrived from. Grounded on
// original_source/mqttbridge/lib/Bridge.{h,cpp}.
package bridgefabric

import (
	"sync"

	"github.com/mqttsuite/mqttsuite/internal/mqttproto"
)

// Leg is anything a Bridge can forward a publish to: one connected broker
// endpoint. cmd/mqttbridge's clientLeg adapts an *mqttclient.Client to it;
// tests use a recording fake.
type Leg interface {
	// SendPublish forwards one message to this leg.
	SendPublish(topic string, payload []byte, qos mqttproto.QoS, retain bool) error
}

// Bridge mirrors publishes between its attached legs, excluding the leg a
// publish originated from so bridged brokers never loop a message back to
// itself. Grounded 1:1 on Bridge::publish's originMqtt exclusion.
type Bridge struct {
	name string

	mu   sync.RWMutex
	legs []Leg
}

// NewBridge returns an empty, named Bridge.
func NewBridge(name string) *Bridge {
	return &Bridge{name: name}
}

// Name returns the bridge's configured name.
func (b *Bridge) Name() string {
	return b.name
}

// Attach adds a leg to the bridge's forwarding set.
func (b *Bridge) Attach(leg Leg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.legs = append(b.legs, leg)
}

// Detach removes a leg from the bridge's forwarding set. A leg not currently
// attached is a no-op.
func (b *Bridge) Detach(leg Leg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.legs {
		if l == leg {
			b.legs = append(b.legs[:i], b.legs[i+1:]...)
			return
		}
	}
}

// Legs returns a snapshot of the bridge's currently attached legs.
func (b *Bridge) Legs() []Leg {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Leg, len(b.legs))
	copy(out, b.legs)
	return out
}

// Publish forwards a message received on origin to every other attached leg.
// origin itself is skipped, preventing the message from looping back to the
// broker it came from.
func (b *Bridge) Publish(origin Leg, topic string, payload []byte, qos mqttproto.QoS, retain bool) {
	for _, leg := range b.Legs() {
		if leg == origin {
			continue
		}
		_ = leg.SendPublish(topic, payload, qos, retain)
	}
}
