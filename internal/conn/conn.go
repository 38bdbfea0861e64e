// Package conn implements the per-socket connection runtime shared by every
// role: the broker drives server-role connections, while the integrator,
// bridge fabric, and the pub/sub CLIs drive client-role connections through
// the same read/write/keep-alive machinery.
package conn

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mqttsuite/mqttsuite/internal/mqttproto"
)

// Role distinguishes which side of the MQTT exchange a Conn plays.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Outbound is a rewrite capability a connection can carry without the
// connection runtime knowing anything about mapping; installed by
// Conn.SetMapper. Conn only stores it: neither the read loop nor the write
// loop calls Rewrite, and no type in this module implements the interface
// (cmd/mqttintegrator calls mapping.Engine.Match directly).
type Outbound interface {
	// Rewrite returns zero or more rewritten publishes to send in place of
	// one inbound PUBLISH.
	Rewrite(topic string, payload []byte, qos mqttproto.QoS, retain bool) []RewrittenPublish
}

// RewrittenPublish is one mapping-engine output.
type RewrittenPublish struct {
	Topic   string
	Payload []byte
	QoS     mqttproto.QoS
	Retain  bool
}

// Handler reacts to packets arriving on a Conn. Exactly one handler call is
// in flight at a time per Conn, in arrival order.
type Handler interface {
	HandlePacket(c *Conn, pkt mqttproto.Packet) error
	HandleClose(c *Conn, err error)
}

// Conn wraps one network connection (TCP, TLS, Unix, or WebSocket — see
// internal/transport) and owns its read loop, write queue, and keep-alive
// timer. The zero-allocation, netpoller-parked blocking Read is the
// idiomatic Go equivalent of the reactor's non-blocking read callback: one
// goroutine per connection, no shared event loop.
type Conn struct {
	nc      net.Conn
	role    Role
	handler Handler

	mu       sync.Mutex
	mapper   Outbound
	closed   bool
	closeErr error

	sendCh    chan []byte
	doneCh    chan struct{}
	closeOnce sync.Once

	keepAlive time.Duration
	lastRecv  atomicTime

	ClientID string // set by the handler once CONNECT/CONNACK is processed
}

// New wraps nc and starts its read and write goroutines. handler.HandlePacket
// is called for every decoded packet; handler.HandleClose is called exactly
// once when the connection terminates, for any reason.
func New(nc net.Conn, role Role, handler Handler) *Conn {
	c := &Conn{
		nc:      nc,
		role:    role,
		handler: handler,
		sendCh:  make(chan []byte, 64),
		doneCh:  make(chan struct{}),
	}
	c.lastRecv.set(time.Now())
	go c.writeLoop()
	go c.readLoop()
	return c
}

// SetMapper stores an Outbound rewrite capability on this connection. The
// stored value is not consulted when packets are read or written.
func (c *Conn) SetMapper(m Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mapper = m
}

// SetKeepAlive configures the connection's keep-alive policing interval.
// Per MQTT 3.1.1 §3.1.2.10, a server must disconnect a client that sends no
// control packet within one and a half times the keep-alive interval; a
// zero interval disables policing.
func (c *Conn) SetKeepAlive(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepAlive = d
}

// Send queues pkt for writing. Send never blocks the caller on network I/O;
// it blocks only if the send queue itself is full, signalling backpressure.
func (c *Conn) Send(pkt mqttproto.Packet) error {
	select {
	case <-c.doneCh:
		return net.ErrClosed
	default:
	}
	select {
	case c.sendCh <- pkt.Encode():
		return nil
	case <-c.doneCh:
		return net.ErrClosed
	}
}

// Close tears the connection down. Safe to call more than once and from any
// goroutine.
func (c *Conn) Close() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.doneCh) })
	err := c.nc.Close()
	if !already {
		c.handler.HandleClose(c, nil)
	}
	return err
}

// RemoteAddr returns the underlying socket's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Role reports whether this Conn is playing the server or client role.
func (c *Conn) Role() Role { return c.role }

func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.sendCh:
			if _, err := c.nc.Write(data); err != nil {
				c.terminate(err)
				return
			}
		case <-c.doneCh:
			return
		}
	}
}

func (c *Conn) readLoop() {
	var parser mqttproto.Parser
	buf := make([]byte, 4096)

	for {
		deadline := c.readDeadline()
		if !deadline.IsZero() {
			c.nc.SetReadDeadline(deadline)
		}

		n, err := c.nc.Read(buf)
		if err != nil {
			c.terminate(err)
			return
		}
		c.lastRecv.set(time.Now())

		packets, err := parser.Feed(buf[:n])
		if err != nil {
			slog.Debug("conn: malformed packet, closing connection", "remote", c.nc.RemoteAddr(), "error", err)
			c.terminate(err)
			return
		}

		for _, pkt := range packets {
			if err := c.handler.HandlePacket(c, pkt); err != nil {
				c.terminate(err)
				return
			}
		}
	}
}

func (c *Conn) readDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keepAlive <= 0 {
		return time.Time{}
	}
	return c.lastRecv.get().Add(c.keepAlive * 3 / 2)
}

func (c *Conn) terminate(err error) {
	if errors.Is(err, io.EOF) {
		err = nil
	}
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.closeErr = err
	c.mu.Unlock()

	c.nc.Close()
	c.closeOnce.Do(func() { close(c.doneCh) })
	if !already {
		c.handler.HandleClose(c, err)
	}
}

// atomicTime is a tiny mutex-guarded time.Time; time.Time itself is not
// safe for concurrent access without one, and sync/atomic has no Time type.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
