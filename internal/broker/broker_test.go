package broker

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mqttsuite/mqttsuite/internal/conn"
	"github.com/mqttsuite/mqttsuite/internal/mqttproto"
	"github.com/mqttsuite/mqttsuite/internal/retained"
	"github.com/mqttsuite/mqttsuite/internal/session"
)

type testClient struct {
	conn *conn.Conn

	mu      sync.Mutex
	packets []mqttproto.Packet
	closed  chan struct{}
}

func newTestClient(nc net.Conn) *testClient {
	tc := &testClient{closed: make(chan struct{})}
	tc.conn = conn.New(nc, conn.RoleClient, tc)
	return tc
}

func (tc *testClient) HandlePacket(c *conn.Conn, pkt mqttproto.Packet) error {
	tc.mu.Lock()
	tc.packets = append(tc.packets, pkt)
	tc.mu.Unlock()
	return nil
}

func (tc *testClient) HandleClose(c *conn.Conn, err error) {
	close(tc.closed)
}

func (tc *testClient) waitFor(t *testing.T, n int) []mqttproto.Packet {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		tc.mu.Lock()
		got := len(tc.packets)
		tc.mu.Unlock()
		if got >= n {
			tc.mu.Lock()
			out := append([]mqttproto.Packet(nil), tc.packets...)
			tc.mu.Unlock()
			return out
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d packets, have %d", n, got)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	store, err := session.Open(session.NewMemoryBackend())
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	return New(store, retained.New())
}

func connectClient(t *testing.T, b *Broker, clientID string, clean bool) *testClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	go b.ServeConn(serverSide)

	tc := newTestClient(clientSide)
	if err := tc.conn.Send(&mqttproto.Connect{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		CleanSession:  clean,
		ClientID:      clientID,
		KeepAlive:     60,
	}); err != nil {
		t.Fatalf("send connect: %v", err)
	}
	pkts := tc.waitFor(t, 1)
	ack, ok := pkts[0].(*mqttproto.ConnAck)
	if !ok || ack.ReturnCode != mqttproto.ConnAckAccepted {
		t.Fatalf("expected accepted CONNACK, got %+v", pkts[0])
	}
	return tc
}

func TestConnectAndPublishFanOut(t *testing.T) {
	b := newTestBroker(t)

	sub := connectClient(t, b, "subscriber", true)
	if err := sub.conn.Send(&mqttproto.Subscribe{
		PacketID:      1,
		Subscriptions: []mqttproto.Subscription{{Filter: "a/b", QoS: mqttproto.QoS0}},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.waitFor(t, 2) // CONNACK, SUBACK

	pub := connectClient(t, b, "publisher", true)
	if err := pub.conn.Send(&mqttproto.Publish{
		QoS:     mqttproto.QoS0,
		Topic:   "a/b",
		Payload: []byte("hello"),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := sub.waitFor(t, 3)
	last := got[2].(*mqttproto.Publish)
	if last.Topic != "a/b" || string(last.Payload) != "hello" {
		t.Fatalf("unexpected publish delivered: %+v", last)
	}
}

func TestRetainedDeliveredOnSubscribe(t *testing.T) {
	b := newTestBroker(t)

	pub := connectClient(t, b, "publisher", true)
	if err := pub.conn.Send(&mqttproto.Publish{
		QoS:     mqttproto.QoS0,
		Retain:  true,
		Topic:   "status/online",
		Payload: []byte("yes"),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	sub := connectClient(t, b, "late-subscriber", true)
	if err := sub.conn.Send(&mqttproto.Subscribe{
		PacketID:      1,
		Subscriptions: []mqttproto.Subscription{{Filter: "status/+", QoS: mqttproto.QoS0}},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	got := sub.waitFor(t, 3) // CONNACK, SUBACK, retained PUBLISH
	retainedPub, ok := got[2].(*mqttproto.Publish)
	if !ok || retainedPub.Topic != "status/online" || !retainedPub.Retain {
		t.Fatalf("expected retained publish, got %+v", got[2])
	}
}

func TestQoS1DeliveryIsAcknowledged(t *testing.T) {
	b := newTestBroker(t)

	pub := connectClient(t, b, "publisher", true)
	if err := pub.conn.Send(&mqttproto.Publish{
		QoS:      mqttproto.QoS1,
		Topic:    "a/b",
		PacketID: 5,
		Payload:  []byte("at-least-once"),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := pub.waitFor(t, 2) // CONNACK, PUBACK
	ack, ok := got[1].(*mqttproto.PubAck)
	if !ok || ack.PacketID != 5 {
		t.Fatalf("expected PUBACK for packet 5, got %+v", got[1])
	}
}

func TestNonCleanSessionSurvivesReconnect(t *testing.T) {
	b := newTestBroker(t)

	sub := connectClient(t, b, "durable", false)
	if err := sub.conn.Send(&mqttproto.Subscribe{
		PacketID:      1,
		Subscriptions: []mqttproto.Subscription{{Filter: "a/b", QoS: mqttproto.QoS0}},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.waitFor(t, 2)
	sub.conn.Close()
	<-sub.closed

	time.Sleep(20 * time.Millisecond)

	reconnected := connectClient(t, b, "durable", false)
	pkts := reconnected.waitFor(t, 1)
	ack := pkts[0].(*mqttproto.ConnAck)
	if !ack.SessionPresent {
		t.Fatal("expected session-present on reconnect with a prior non-clean session")
	}
}

func TestQoS2NotDispatchedUntilPubRel(t *testing.T) {
	b := newTestBroker(t)

	sub := connectClient(t, b, "subscriber", true)
	if err := sub.conn.Send(&mqttproto.Subscribe{
		PacketID:      1,
		Subscriptions: []mqttproto.Subscription{{Filter: "a/b", QoS: mqttproto.QoS2}},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.waitFor(t, 2) // CONNACK, SUBACK

	pub := connectClient(t, b, "publisher", true)
	if err := pub.conn.Send(&mqttproto.Publish{
		QoS:      mqttproto.QoS2,
		Topic:    "a/b",
		PacketID: 7,
		Payload:  []byte("exactly-once"),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := pub.waitFor(t, 2) // CONNACK, PUBREC
	if _, ok := got[1].(*mqttproto.PubRec); !ok {
		t.Fatalf("expected PUBREC, got %+v", got[1])
	}

	time.Sleep(20 * time.Millisecond)
	sub.mu.Lock()
	n := len(sub.packets)
	sub.mu.Unlock()
	if n != 2 { // only CONNACK, SUBACK so far: no dispatch before PUBREL
		t.Fatalf("expected no publish dispatched before PUBREL, got %d packets", n)
	}

	// A DUP-resent PUBLISH before PUBREL must not cause a second dispatch
	// once PUBREL finally arrives.
	if err := pub.conn.Send(&mqttproto.Publish{
		Dup:      true,
		QoS:      mqttproto.QoS2,
		Topic:    "a/b",
		PacketID: 7,
		Payload:  []byte("exactly-once"),
	}); err != nil {
		t.Fatalf("resend publish: %v", err)
	}
	pub.waitFor(t, 3) // CONNACK, PUBREC, PUBREC (2nd)

	if err := pub.conn.Send(&mqttproto.PubRel{PacketID: 7}); err != nil {
		t.Fatalf("pubrel: %v", err)
	}
	pub.waitFor(t, 4) // ..., PUBCOMP

	got = sub.waitFor(t, 3) // CONNACK, SUBACK, PUBLISH
	delivered := got[2].(*mqttproto.Publish)
	if string(delivered.Payload) != "exactly-once" {
		t.Fatalf("unexpected payload: %+v", delivered)
	}

	time.Sleep(20 * time.Millisecond)
	sub.mu.Lock()
	n = len(sub.packets)
	sub.mu.Unlock()
	if n != 3 {
		t.Fatalf("expected exactly one dispatched publish despite DUP resend, got %d packets", n)
	}
}

func TestOfflineNonCleanSubscriberQueuesAndRedeliversOnReconnect(t *testing.T) {
	b := newTestBroker(t)

	sub := connectClient(t, b, "durable-sub", false)
	if err := sub.conn.Send(&mqttproto.Subscribe{
		PacketID:      1,
		Subscriptions: []mqttproto.Subscription{{Filter: "a/b", QoS: mqttproto.QoS1}},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.waitFor(t, 2) // CONNACK, SUBACK
	sub.conn.Close()
	<-sub.closed
	time.Sleep(20 * time.Millisecond)

	pub := connectClient(t, b, "publisher", true)
	if err := pub.conn.Send(&mqttproto.Publish{
		QoS:     mqttproto.QoS1,
		Topic:   "a/b",
		Payload: []byte("while-offline"),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	reconnected := connectClient(t, b, "durable-sub", false)
	got := reconnected.waitFor(t, 2) // CONNACK, redelivered PUBLISH
	delivered, ok := got[1].(*mqttproto.Publish)
	if !ok || delivered.Topic != "a/b" || string(delivered.Payload) != "while-offline" {
		t.Fatalf("expected queued publish to be redelivered on reconnect, got %+v", got[1])
	}
}

func TestInflightOutReplayedWithDupOnReconnect(t *testing.T) {
	b := newTestBroker(t)

	sub := connectClient(t, b, "durable-qos1", false)
	if err := sub.conn.Send(&mqttproto.Subscribe{
		PacketID:      1,
		Subscriptions: []mqttproto.Subscription{{Filter: "a/b", QoS: mqttproto.QoS1}},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.waitFor(t, 2) // CONNACK, SUBACK

	pub := connectClient(t, b, "publisher", true)
	if err := pub.conn.Send(&mqttproto.Publish{
		QoS:     mqttproto.QoS1,
		Topic:   "a/b",
		Payload: []byte("needs-ack"),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub.waitFor(t, 3) // CONNACK, SUBACK, PUBLISH; deliberately never PUBACK it
	sub.conn.Close()
	<-sub.closed
	time.Sleep(20 * time.Millisecond)

	reconnected := connectClient(t, b, "durable-qos1", false)
	got := reconnected.waitFor(t, 2) // CONNACK, replayed PUBLISH
	replayed, ok := got[1].(*mqttproto.Publish)
	if !ok || !replayed.Dup || string(replayed.Payload) != "needs-ack" {
		t.Fatalf("expected DUP-flagged replay of unacknowledged publish, got %+v", got[1])
	}
}
