// Package mqttclient implements the client side of the CONNECT/CONNACK
// handshake and publish/subscribe bookkeeping shared by every role binary
// that talks to a broker as a client rather than running one:
// mqttintegrator, mqttbridge, mqttpub, and mqttsub all dial the same way.
package mqttclient

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mqttsuite/mqttsuite/internal/conn"
	"github.com/mqttsuite/mqttsuite/internal/mqttproto"
)

// Options configures a client-role CONNECT.
type Options struct {
	ClientID     string
	Username     string
	Password     []byte
	HasUsername  bool
	HasPassword  bool
	CleanSession bool
	KeepAlive    uint16 // seconds; 0 disables keep-alive pings
	WillTopic    string
	WillMessage  []byte
	WillQoS      mqttproto.QoS
	WillRetain   bool
}

// PublishFunc receives every PUBLISH the broker sends this client.
type PublishFunc func(topic string, payload []byte, qos mqttproto.QoS, retain bool)

// Client is a connected, handshaken MQTT client-role connection.
type Client struct {
	conn     *conn.Conn
	onPub    PublishFunc
	opts     Options
	stopPing chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	nextID  uint16
	connAck chan *mqttproto.ConnAck
	subAcks map[uint16]chan *mqttproto.SubAck
}

// Dial performs the CONNECT/CONNACK handshake over nc (already established
// by internal/transport.Dial) and returns a live Client whose onPublish
// callback fires for every inbound PUBLISH. onPublish may be nil for a
// client that only publishes (e.g. mqttpub).
func Dial(ctx context.Context, nc net.Conn, opts Options, onPub PublishFunc) (*Client, error) {
	c := &Client{
		opts:    opts,
		onPub:   onPub,
		connAck: make(chan *mqttproto.ConnAck, 1),
		subAcks: make(map[uint16]chan *mqttproto.SubAck),
	}
	c.conn = conn.New(nc, conn.RoleClient, c)

	connect := &mqttproto.Connect{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		CleanSession:  opts.CleanSession,
		KeepAlive:     opts.KeepAlive,
		ClientID:      opts.ClientID,
		Username:      opts.Username,
		HasUsername:   opts.HasUsername,
		Password:      opts.Password,
		HasPassword:   opts.HasPassword,
		HasWill:       opts.WillTopic != "",
		WillTopic:     opts.WillTopic,
		WillMessage:   opts.WillMessage,
		WillQoS:       opts.WillQoS,
		WillRetain:    opts.WillRetain,
	}
	if err := c.conn.Send(connect); err != nil {
		c.conn.Close()
		return nil, err
	}

	select {
	case ack := <-c.connAck:
		if ack.ReturnCode != 0 {
			c.conn.Close()
			return nil, fmt.Errorf("mqttclient: broker refused connection, return code %d", ack.ReturnCode)
		}
	case <-ctx.Done():
		c.conn.Close()
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		c.conn.Close()
		return nil, fmt.Errorf("mqttclient: timed out waiting for CONNACK")
	}

	if opts.KeepAlive > 0 {
		c.stopPing = make(chan struct{})
		c.conn.SetKeepAlive(time.Duration(opts.KeepAlive) * time.Second)
		go c.pingLoop(time.Duration(opts.KeepAlive) * time.Second)
	}

	return c, nil
}

func (c *Client) pingLoop(interval time.Duration) {
	// Ping at half the keep-alive interval so a single dropped send still
	// leaves margin before the broker's own 1.5x keep-alive deadline.
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = c.conn.Send(&mqttproto.PingReq{})
		case <-c.stopPing:
			return
		}
	}
}

// Close disconnects the client.
func (c *Client) Close() error {
	c.stopPinger()
	_ = c.conn.Send(&mqttproto.Disconnect{})
	return c.conn.Close()
}

func (c *Client) stopPinger() {
	if c.stopPing == nil {
		return
	}
	c.stopOnce.Do(func() { close(c.stopPing) })
}

// Publish sends a PUBLISH. QoS 1/2 acknowledgement tracking is intentionally
// fire-and-forget here: the broker still runs its own inflight state
// machine against the session it holds for this client ID, matching how
// mqttpub and the mapping/bridge roles only need "send it" semantics rather
// than a blocking round trip.
func (c *Client) Publish(topic string, payload []byte, qos mqttproto.QoS, retain bool) error {
	pkt := &mqttproto.Publish{
		QoS:     qos,
		Retain:  retain,
		Topic:   topic,
		Payload: payload,
	}
	if qos > mqttproto.QoS0 {
		pkt.PacketID = c.allocID()
	}
	return c.conn.Send(pkt)
}

// Subscribe sends a SUBSCRIBE for filters and blocks until the matching
// SUBACK arrives or ctx is done.
func (c *Client) Subscribe(ctx context.Context, filters []mqttproto.Subscription) (*mqttproto.SubAck, error) {
	id := c.allocID()
	ch := make(chan *mqttproto.SubAck, 1)
	c.mu.Lock()
	c.subAcks[id] = ch
	c.mu.Unlock()

	if err := c.conn.Send(&mqttproto.Subscribe{PacketID: id, Subscriptions: filters}); err != nil {
		return nil, err
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("mqttclient: timed out waiting for SUBACK")
	}
}

func (c *Client) allocID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	return c.nextID
}

// HandlePacket implements conn.Handler.
func (c *Client) HandlePacket(_ *conn.Conn, pkt mqttproto.Packet) error {
	switch p := pkt.(type) {
	case *mqttproto.ConnAck:
		select {
		case c.connAck <- p:
		default:
		}
	case *mqttproto.SubAck:
		c.mu.Lock()
		ch := c.subAcks[p.PacketID]
		delete(c.subAcks, p.PacketID)
		c.mu.Unlock()
		if ch != nil {
			ch <- p
		}
	case *mqttproto.Publish:
		if c.onPub != nil {
			c.onPub(p.Topic, p.Payload, p.QoS, p.Retain)
		}
		if p.QoS == mqttproto.QoS1 {
			_ = c.conn.Send(&mqttproto.PubAck{PacketID: p.PacketID})
		} else if p.QoS == mqttproto.QoS2 {
			_ = c.conn.Send(&mqttproto.PubRec{PacketID: p.PacketID})
		}
	case *mqttproto.PubRel:
		_ = c.conn.Send(&mqttproto.PubComp{PacketID: p.PacketID})
	case *mqttproto.PingResp:
		// no-op; receipt alone confirms liveness
	}
	return nil
}

// HandleClose implements conn.Handler.
func (c *Client) HandleClose(_ *conn.Conn, err error) {
	c.stopPinger()
}
