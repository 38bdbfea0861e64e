package retained

import (
	"testing"

	"github.com/mqttsuite/mqttsuite/internal/mqttproto"
)

func TestPutAndMatch(t *testing.T) {
	s := New()
	s.Put("a/b/c", []byte("hello"), mqttproto.QoS1)
	s.Put("a/b/d", []byte("world"), mqttproto.QoS0)

	got := s.Match("a/b/+")
	if len(got) != 2 {
		t.Fatalf("expected 2 retained entries, got %d", len(got))
	}

	got = s.Match("a/b/c")
	if len(got) != 1 || string(got[0].Payload) != "hello" {
		t.Fatalf("expected hello, got %v", got)
	}
}

func TestEmptyPayloadDeletes(t *testing.T) {
	s := New()
	s.Put("a/b", []byte("x"), mqttproto.QoS0)
	if got := s.Match("a/b"); len(got) != 1 {
		t.Fatalf("expected retained message before delete, got %v", got)
	}

	s.Put("a/b", nil, mqttproto.QoS0)
	if got := s.Match("a/b"); len(got) != 0 {
		t.Fatalf("expected no retained message after empty-payload publish, got %v", got)
	}
}

func TestMatchDollarExclusion(t *testing.T) {
	s := New()
	s.Put("$SYS/broker/version", []byte("1.0"), mqttproto.QoS0)
	s.Put("a/b", []byte("x"), mqttproto.QoS0)

	if got := s.Match("#"); len(got) != 1 {
		t.Fatalf("bare # must not match $SYS retained messages, got %v", got)
	}
	if got := s.Match("$SYS/#"); len(got) != 1 {
		t.Fatalf("expected $SYS/# to match the sys entry, got %v", got)
	}
}
