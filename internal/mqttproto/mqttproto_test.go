package mqttproto

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, pkt Packet) Packet {
	t.Helper()
	encoded := pkt.Encode()
	got, err := Decode(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return got
}

func TestConnectRoundTrip(t *testing.T) {
	in := &Connect{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		CleanSession:  true,
		KeepAlive:     60,
		ClientID:      "client-1",
		HasWill:       true,
		WillTopic:     "last/will",
		WillMessage:   []byte("bye"),
		WillQoS:       QoS1,
		WillRetain:    true,
		HasUsername:   true,
		Username:      "alice",
		HasPassword:   true,
		Password:      []byte("secret"),
	}
	out, ok := roundTrip(t, in).(*Connect)
	if !ok {
		t.Fatalf("wrong type")
	}
	if out.ClientID != in.ClientID || out.WillTopic != in.WillTopic || !bytes.Equal(out.WillMessage, in.WillMessage) {
		t.Fatalf("mismatch: %+v", out)
	}
	if out.WillQoS != QoS1 || !out.WillRetain || !out.HasUsername || out.Username != "alice" {
		t.Fatalf("flags mismatch: %+v", out)
	}
}

func TestConnAckRoundTrip(t *testing.T) {
	in := &ConnAck{SessionPresent: true, ReturnCode: ConnAckAccepted}
	out, ok := roundTrip(t, in).(*ConnAck)
	if !ok || !out.SessionPresent || out.ReturnCode != ConnAckAccepted {
		t.Fatalf("mismatch: %+v", out)
	}
}

func TestPublishRoundTripQoS(t *testing.T) {
	for _, qos := range []QoS{QoS0, QoS1, QoS2} {
		in := &Publish{QoS: qos, Retain: true, Topic: "a/b", PacketID: 42, Payload: []byte("hello")}
		out, ok := roundTrip(t, in).(*Publish)
		if !ok {
			t.Fatalf("wrong type")
		}
		if out.Topic != in.Topic || !bytes.Equal(out.Payload, in.Payload) || out.QoS != qos || !out.Retain {
			t.Fatalf("mismatch at qos %d: %+v", qos, out)
		}
		if qos > QoS0 && out.PacketID != 42 {
			t.Fatalf("packet id lost at qos %d", qos)
		}
	}
}

func TestPubAckRelRecCompRoundTrip(t *testing.T) {
	if out, _ := roundTrip(t, &PubAck{PacketID: 7}).(*PubAck); out == nil || out.PacketID != 7 {
		t.Fatalf("PubAck mismatch")
	}
	if out, _ := roundTrip(t, &PubRec{PacketID: 7}).(*PubRec); out == nil || out.PacketID != 7 {
		t.Fatalf("PubRec mismatch")
	}
	if out, _ := roundTrip(t, &PubRel{PacketID: 7}).(*PubRel); out == nil || out.PacketID != 7 {
		t.Fatalf("PubRel mismatch")
	}
	if out, _ := roundTrip(t, &PubComp{PacketID: 7}).(*PubComp); out == nil || out.PacketID != 7 {
		t.Fatalf("PubComp mismatch")
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	in := &Subscribe{PacketID: 9, Subscriptions: []Subscription{
		{Filter: "a/b", QoS: QoS0},
		{Filter: "a/+/c", QoS: QoS2},
	}}
	out, ok := roundTrip(t, in).(*Subscribe)
	if !ok || len(out.Subscriptions) != 2 || out.Subscriptions[1].QoS != QoS2 {
		t.Fatalf("mismatch: %+v", out)
	}
}

func TestSubAckRoundTrip(t *testing.T) {
	in := &SubAck{PacketID: 9, ReturnCodes: []byte{0, 1, SubAckFailure}}
	out, ok := roundTrip(t, in).(*SubAck)
	if !ok || len(out.ReturnCodes) != 3 || out.ReturnCodes[2] != SubAckFailure {
		t.Fatalf("mismatch: %+v", out)
	}
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	in := &Unsubscribe{PacketID: 3, Filters: []string{"a/b", "c/#"}}
	out, ok := roundTrip(t, in).(*Unsubscribe)
	if !ok || len(out.Filters) != 2 || out.Filters[1] != "c/#" {
		t.Fatalf("mismatch: %+v", out)
	}
	if o, _ := roundTrip(t, &UnsubAck{PacketID: 3}).(*UnsubAck); o == nil || o.PacketID != 3 {
		t.Fatalf("UnsubAck mismatch")
	}
}

func TestPingAndDisconnectRoundTrip(t *testing.T) {
	if _, ok := roundTrip(t, &PingReq{}).(*PingReq); !ok {
		t.Fatal("PingReq mismatch")
	}
	if _, ok := roundTrip(t, &PingResp{}).(*PingResp); !ok {
		t.Fatal("PingResp mismatch")
	}
	if _, ok := roundTrip(t, &Disconnect{}).(*Disconnect); !ok {
		t.Fatal("Disconnect mismatch")
	}
}

func TestMalformedPublishQoS3(t *testing.T) {
	raw := []byte{byte(TypePublish)<<4 | 0x06, 4, 0, 2, 'a', 'b'}
	_, err := Decode(bytes.NewReader(raw))
	if err == nil {
		t.Fatal("expected error for QoS 3 publish")
	}
}

func TestMalformedRemainingLengthTooLong(t *testing.T) {
	raw := []byte{byte(TypePingReq) << 4, 0xFF, 0xFF, 0xFF, 0xFF}
	_, err := Decode(bytes.NewReader(raw))
	if err == nil {
		t.Fatal("expected error for oversized remaining length")
	}
}

func TestParserFeedSplitAcrossCalls(t *testing.T) {
	pkt := &Publish{QoS: QoS1, Topic: "x/y", PacketID: 5, Payload: []byte("data")}
	encoded := pkt.Encode()

	var p Parser
	mid := len(encoded) / 2
	got1, err := p.Feed(encoded[:mid])
	if err != nil {
		t.Fatalf("Feed 1: %v", err)
	}
	if len(got1) != 0 {
		t.Fatalf("expected no packets yet, got %d", len(got1))
	}
	got2, err := p.Feed(encoded[mid:])
	if err != nil {
		t.Fatalf("Feed 2: %v", err)
	}
	if len(got2) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(got2))
	}
	out, ok := got2[0].(*Publish)
	if !ok || out.Topic != "x/y" || !bytes.Equal(out.Payload, []byte("data")) {
		t.Fatalf("mismatch: %+v", out)
	}
}

func TestParserFeedMultiplePacketsOneCall(t *testing.T) {
	var buf bytes.Buffer
	buf.Write((&PingReq{}).Encode())
	buf.Write((&PingReq{}).Encode())
	buf.Write((&Disconnect{}).Encode())

	var p Parser
	got, err := p.Feed(buf.Bytes())
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(got))
	}
	if p.Pending() != 0 {
		t.Fatalf("expected parser drained, pending=%d", p.Pending())
	}
}
