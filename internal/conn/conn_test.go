package conn

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mqttsuite/mqttsuite/internal/mqttproto"
)

type recordingHandler struct {
	mu      sync.Mutex
	packets []mqttproto.Packet
	closed  chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan struct{})}
}

func (h *recordingHandler) HandlePacket(c *Conn, pkt mqttproto.Packet) error {
	h.mu.Lock()
	h.packets = append(h.packets, pkt)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) HandleClose(c *Conn, err error) {
	close(h.closed)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.packets)
}

func TestConnSendAndReceive(t *testing.T) {
	server, client := net.Pipe()

	serverHandler := newRecordingHandler()
	serverConn := New(server, RoleServer, serverHandler)
	defer serverConn.Close()

	go func() {
		pkt := &mqttproto.PingReq{}
		client.Write(pkt.Encode())
	}()

	deadline := time.After(2 * time.Second)
	for serverHandler.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for packet")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	client.Close()
	<-serverHandler.closed
}

func TestConnCloseIsIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	h := newRecordingHandler()
	c := New(server, RoleServer, h)
	c.Close()
	c.Close()
}
