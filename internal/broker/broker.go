// Package broker implements the MQTT 3.1.1 broker core: CONNECT handshake
// and duplicate-client-id eviction, publish dispatch through the
// subscription trie, retained-message delivery on subscribe, and the QoS
// 0/1/2 delivery state machines in both directions.
package broker

import (
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mqttsuite/mqttsuite/internal/conn"
	"github.com/mqttsuite/mqttsuite/internal/mqttproto"
	"github.com/mqttsuite/mqttsuite/internal/retained"
	"github.com/mqttsuite/mqttsuite/internal/session"
	"github.com/mqttsuite/mqttsuite/internal/topic"
)

// Authenticator validates CONNECT credentials. The zero value (nil) accepts
// every client, mirroring the teacher's AllowAll default.
type Authenticator interface {
	Authenticate(clientID, username string, password []byte) bool
}

// AllowAll accepts every client unconditionally.
type AllowAll struct{}

func (AllowAll) Authenticate(string, string, []byte) bool { return true }

// subscriber is one live, connected client eligible to receive publishes.
type subscriber struct {
	clientID string
	conn     *conn.Conn
	qos      mqttproto.QoS // granted QoS for this particular filter
}

type client struct {
	clientID string
	conn     *conn.Conn
	session  *session.Session
	clean    bool

	will      *mqttproto.Connect // non-nil if a will is armed
	nextPktID uint16
}

// Broker is the shared, single-writer core driving every accepted
// connection. As in the source's single-threaded reactor, all mutation of
// the subscription trie, the client registry, and $SYS counters happens
// under one mutex; only the per-connection goroutines run concurrently.
type Broker struct {
	Authenticator    Authenticator
	Sessions         *session.Store
	Retained         *retained.Store
	SysEventsEnabled bool

	mu            sync.Mutex
	subscriptions *topic.Trie[*subscriber]
	clients       map[string]*client

	statsClientsConnected  int
	statsMessagesPublished uint64
}

// New constructs a Broker. sessions and retained must not be nil.
func New(sessions *session.Store, retained *retained.Store) *Broker {
	return &Broker{
		Sessions:      sessions,
		Retained:      retained,
		subscriptions: topic.NewTrie[*subscriber](),
		clients:       make(map[string]*client),
	}
}

// Serve accepts connections from ln until it is closed or the context used
// to construct ln's listener cancels; each connection runs on its own
// goroutine.
func (b *Broker) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go b.handleConnection(nc)
	}
}

// ServeConn runs the broker's connection state machine over a single
// already-accepted connection. Useful for transports (or tests) that
// obtain connections outside of a net.Listener, such as net.Pipe pairs.
func (b *Broker) ServeConn(nc net.Conn) {
	b.handleConnection(nc)
}

func (b *Broker) handleConnection(nc net.Conn) {
	h := &connHandler{broker: b}
	c := conn.New(nc, conn.RoleServer, h)
	h.conn = c
}

// connHandler adapts conn.Handler to the broker's per-client state machine.
type connHandler struct {
	broker *Broker
	conn   *conn.Conn
	client *client
}

func (h *connHandler) HandlePacket(c *conn.Conn, pkt mqttproto.Packet) error {
	b := h.broker

	if h.client == nil {
		connect, ok := pkt.(*mqttproto.Connect)
		if !ok {
			slog.Debug("broker: first packet was not CONNECT, closing", "remote", c.RemoteAddr())
			c.Close()
			return nil
		}
		return b.handleConnect(h, c, connect)
	}

	switch p := pkt.(type) {
	case *mqttproto.Publish:
		return b.handlePublish(h, p)
	case *mqttproto.PubAck:
		b.handlePubAck(h, p)
	case *mqttproto.PubRec:
		return b.handlePubRec(h, p)
	case *mqttproto.PubRel:
		return b.handlePubRel(h, p)
	case *mqttproto.PubComp:
		b.handlePubComp(h, p)
	case *mqttproto.Subscribe:
		return b.handleSubscribe(h, p)
	case *mqttproto.Unsubscribe:
		return b.handleUnsubscribe(h, p)
	case *mqttproto.PingReq:
		return c.Send(&mqttproto.PingResp{})
	case *mqttproto.Disconnect:
		h.client.will = nil // graceful disconnect disarms the will
		c.Close()
	default:
		slog.Debug("broker: unexpected packet type after CONNECT", "type", mqttproto.TypeName(pkt.Type()))
	}
	return nil
}

func (h *connHandler) HandleClose(c *conn.Conn, err error) {
	b := h.broker
	if h.client == nil {
		return
	}
	b.mu.Lock()
	cur, ok := b.clients[h.client.clientID]
	sameConn := ok && cur.conn == c
	if sameConn {
		delete(b.clients, h.client.clientID)
		b.statsClientsConnected--
	}
	b.mu.Unlock()

	if !sameConn {
		return // superseded by a newer connection for this client id
	}

	if h.client.clean {
		b.Sessions.Purge(h.client.clientID)
	} else {
		// Drop this client's entries from the live subscription trie so a
		// publish arriving while it's offline doesn't try to deliver to the
		// now-dead conn; dispatch falls back to session.PendingQueue for it
		// instead. The session itself (subscriptions, inflight state) stays
		// in the Store for the next reconnect.
		clientID := h.client.clientID
		b.mu.Lock()
		for _, sub := range h.client.session.Subscriptions {
			b.subscriptions.Remove(sub.Filter, func(s *subscriber) bool { return s.clientID == clientID })
		}
		b.mu.Unlock()
	}
	if h.client.will != nil {
		b.deliverWill(h.client.will)
	}
	slog.Info("broker: client disconnected", "clientID", h.client.clientID)
}

func (b *Broker) handleConnect(h *connHandler, c *conn.Conn, p *mqttproto.Connect) error {
	auth := b.Authenticator
	if auth == nil {
		auth = AllowAll{}
	}

	if p.ProtocolName != "MQTT" || p.ProtocolLevel != 4 {
		c.Send(&mqttproto.ConnAck{ReturnCode: mqttproto.ConnAckBadProtocol})
		c.Close()
		return nil
	}
	if p.ClientID == "" && !p.CleanSession {
		c.Send(&mqttproto.ConnAck{ReturnCode: mqttproto.ConnAckClientIDRejected})
		c.Close()
		return nil
	}
	if !auth.Authenticate(p.ClientID, p.Username, p.Password) {
		c.Send(&mqttproto.ConnAck{ReturnCode: mqttproto.ConnAckBadCredentials})
		c.Close()
		return nil
	}

	clientID := p.ClientID

	b.mu.Lock()
	old, exists := b.clients[clientID]
	b.mu.Unlock()
	if exists {
		old.conn.Close() // triggers old connHandler.HandleClose, which sends its will
	}

	sessionPresent := false
	var sess *session.Session
	if p.CleanSession {
		b.Sessions.Purge(clientID)
		sess = session.NewSession(clientID) // in-memory only, never persisted
	} else {
		var err error
		sess, err = b.Sessions.OpenSession(clientID)
		if err != nil {
			return err
		}
		sessionPresent = len(sess.Subscriptions) > 0 || len(sess.InflightOut) > 0 || len(sess.PendingQueue) > 0
		for _, sub := range sess.Subscriptions {
			b.subscriptions.Insert(sub.Filter, &subscriber{clientID: clientID, conn: c, qos: sub.QoS})
		}
	}

	cl := &client{clientID: clientID, conn: c, session: sess, clean: p.CleanSession}
	if p.HasWill {
		cl.will = p
	}
	h.client = cl
	c.ClientID = clientID
	c.SetKeepAlive(time.Duration(p.KeepAlive) * time.Second)

	b.mu.Lock()
	b.clients[clientID] = cl
	b.statsClientsConnected++
	b.mu.Unlock()

	slog.Info("broker: client connected", "clientID", clientID, "cleanSession", p.CleanSession)
	if err := c.Send(&mqttproto.ConnAck{SessionPresent: sessionPresent, ReturnCode: mqttproto.ConnAckAccepted}); err != nil {
		return err
	}

	if !p.CleanSession {
		b.resumeSession(c, sess)
	}
	return nil
}

// resumeSession replays a reconnecting non-clean session's undelivered
// state: every still-inflight outbound publish is resent with DUP=1 (at
// the same protocol step it was left at), and every publish queued while
// the client was offline is delivered and cleared. Grounded on spec.md's
// at-least-once-across-reconnect and offline-delivery requirements (§3,
// §8).
func (b *Broker) resumeSession(c *conn.Conn, sess *session.Session) {
	for _, out := range sess.InflightOut {
		switch out.State {
		case session.StatePubRelSent:
			c.Send(&mqttproto.PubRel{PacketID: out.PacketID})
		default:
			c.Send(&mqttproto.Publish{
				PacketID: out.PacketID,
				QoS:      out.QoS,
				Retain:   out.Retain,
				Dup:      true,
				Topic:    out.Topic,
				Payload:  out.Payload,
			})
		}
	}

	if len(sess.PendingQueue) == 0 {
		return
	}
	queue := sess.PendingQueue
	sess.PendingQueue = nil
	b.Sessions.Persist(sess)
	for _, q := range queue {
		b.deliverTo(c, sess.ClientID, q.Topic, q.Payload, q.QoS, q.Retain)
	}
}

func (b *Broker) handlePublish(h *connHandler, p *mqttproto.Publish) error {
	if p.QoS == mqttproto.QoS2 {
		// Store-and-forward-once (MQTT 3.1.1 §4.3.3): a QoS 2 publish is not
		// dispatched on receipt, only stored under its packet ID; it is
		// forwarded exactly once, when the matching PUBREL arrives, so a
		// DUP-redelivered PUBLISH never dispatches twice.
		h.client.session.InflightIn[p.PacketID] = &session.InflightIn{
			PacketID: p.PacketID,
			Topic:    p.Topic,
			Payload:  p.Payload,
			QoS:      p.QoS,
			Retain:   p.Retain,
			State:    session.StatePubRecSent,
		}
		b.persistIfDurable(h.client)
		return h.conn.Send(&mqttproto.PubRec{PacketID: p.PacketID})
	}

	if p.Retain {
		b.Retained.Put(p.Topic, p.Payload, p.QoS)
	}

	b.dispatch(p.Topic, p.Payload, p.QoS, p.Retain)

	b.mu.Lock()
	b.statsMessagesPublished++
	b.mu.Unlock()

	if p.QoS == mqttproto.QoS1 {
		return h.conn.Send(&mqttproto.PubAck{PacketID: p.PacketID})
	}
	return nil
}

// dispatch fans a publish out to every matching live subscriber, applying
// the min(publisher QoS, subscriber granted QoS) rule per subscriber (MQTT
// 3.1.1 §4.3), then queues the same publish for every non-clean session
// that matches but is currently offline, so it is still delivered at least
// once when that client reconnects.
func (b *Broker) dispatch(topicName string, payload []byte, qos mqttproto.QoS, retain bool) {
	b.mu.Lock()
	subs := b.subscriptions.MatchAll(topicName)
	b.mu.Unlock()

	seen := make(map[string]bool, len(subs))
	for _, sub := range subs {
		if seen[sub.clientID] {
			continue
		}
		seen[sub.clientID] = true

		effectiveQoS := qos
		if sub.qos < effectiveQoS {
			effectiveQoS = sub.qos
		}
		b.deliverTo(sub.conn, sub.clientID, topicName, payload, effectiveQoS, retain)
	}

	b.queueForOfflineSubscribers(topicName, payload, qos, retain, seen)
}

// queueForOfflineSubscribers appends a pending publish for every durable
// session whose recorded subscriptions match topicName but which has no
// live connection right now (excluded via delivered, the set of client IDs
// dispatch already reached through the live trie).
func (b *Broker) queueForOfflineSubscribers(topicName string, payload []byte, qos mqttproto.QoS, retain bool, delivered map[string]bool) {
	for _, clientID := range b.Sessions.Enumerate() {
		if delivered[clientID] {
			continue
		}
		b.mu.Lock()
		_, live := b.clients[clientID]
		b.mu.Unlock()
		if live {
			continue
		}
		sess, ok := b.Sessions.Get(clientID)
		if !ok {
			continue
		}
		for _, sub := range sess.Subscriptions {
			if !topic.Matches(sub.Filter, topicName) {
				continue
			}
			effectiveQoS := qos
			if sub.QoS < effectiveQoS {
				effectiveQoS = sub.QoS
			}
			sess.PendingQueue = append(sess.PendingQueue, &session.QueuedPublish{
				Topic:   topicName,
				Payload: payload,
				QoS:     effectiveQoS,
				Retain:  retain,
			})
			b.Sessions.Persist(sess)
			break
		}
	}
}

func (b *Broker) deliverTo(c *conn.Conn, clientID, topicName string, payload []byte, qos mqttproto.QoS, retain bool) {
	pkt := &mqttproto.Publish{
		QoS:     qos,
		Retain:  retain,
		Topic:   topicName,
		Payload: payload,
	}
	b.mu.Lock()
	cl, ok := b.clients[clientID]
	if ok && qos > mqttproto.QoS0 {
		cl.nextPktID++
		if cl.nextPktID == 0 {
			cl.nextPktID = 1
		}
		pkt.PacketID = cl.nextPktID
	}
	b.mu.Unlock()
	if ok && qos > mqttproto.QoS0 {
		cl.session.InflightOut[pkt.PacketID] = &session.InflightOut{
			PacketID: pkt.PacketID,
			Topic:    pkt.Topic,
			Payload:  pkt.Payload,
			QoS:      pkt.QoS,
			Retain:   pkt.Retain,
			State:    session.StateSent,
		}
		b.persistIfDurable(cl)
	}
	if err := c.Send(pkt); err != nil {
		slog.Debug("broker: publish delivery failed", "clientID", clientID, "error", err)
	}
}

// persistIfDurable writes cl's session to the Store's backend, unless cl is
// a clean session, whose state must not survive a disconnect.
func (b *Broker) persistIfDurable(cl *client) {
	if cl.clean {
		return
	}
	b.Sessions.Persist(cl.session)
}

func (b *Broker) handlePubAck(h *connHandler, p *mqttproto.PubAck) {
	delete(h.client.session.InflightOut, p.PacketID)
	b.persistIfDurable(h.client)
}

func (b *Broker) handlePubRec(h *connHandler, p *mqttproto.PubRec) error {
	if out, exists := h.client.session.InflightOut[p.PacketID]; exists {
		out.State = session.StatePubRelSent
		b.persistIfDurable(h.client)
	}
	return h.conn.Send(&mqttproto.PubRel{PacketID: p.PacketID})
}

func (b *Broker) handlePubRel(h *connHandler, p *mqttproto.PubRel) error {
	in, exists := h.client.session.InflightIn[p.PacketID]
	if exists {
		delete(h.client.session.InflightIn, p.PacketID)
		b.persistIfDurable(h.client)
	}
	if err := h.conn.Send(&mqttproto.PubComp{PacketID: p.PacketID}); err != nil {
		return err
	}
	if exists {
		if in.Retain {
			b.Retained.Put(in.Topic, in.Payload, in.QoS)
		}
		b.dispatch(in.Topic, in.Payload, in.QoS, in.Retain)
		b.mu.Lock()
		b.statsMessagesPublished++
		b.mu.Unlock()
	}
	return nil
}

func (b *Broker) handlePubComp(h *connHandler, p *mqttproto.PubComp) {
	delete(h.client.session.InflightOut, p.PacketID)
	b.persistIfDurable(h.client)
}

func (b *Broker) handleSubscribe(h *connHandler, p *mqttproto.Subscribe) error {
	codes := make([]byte, len(p.Subscriptions))
	for i, s := range p.Subscriptions {
		if !topic.ValidFilter(s.Filter) {
			codes[i] = mqttproto.SubAckFailure
			continue
		}

		b.mu.Lock()
		b.subscriptions.Insert(s.Filter, &subscriber{clientID: h.client.clientID, conn: h.conn, qos: s.QoS})
		b.mu.Unlock()

		if sess, ok := b.Sessions.Get(h.client.clientID); ok {
			sess.Subscriptions = append(sess.Subscriptions, session.Subscription{Filter: s.Filter, QoS: s.QoS})
			b.Sessions.Persist(sess)
		}

		codes[i] = byte(s.QoS)
	}

	if err := h.conn.Send(&mqttproto.SubAck{PacketID: p.PacketID, ReturnCodes: codes}); err != nil {
		return err
	}

	for i, s := range p.Subscriptions {
		if codes[i] == mqttproto.SubAckFailure {
			continue
		}
		for _, entry := range b.Retained.Match(s.Filter) {
			qos := entry.QoS
			if s.QoS < qos {
				qos = s.QoS
			}
			b.deliverTo(h.conn, h.client.clientID, entry.Topic, entry.Payload, qos, true)
		}
	}
	return nil
}

func (b *Broker) handleUnsubscribe(h *connHandler, p *mqttproto.Unsubscribe) error {
	for _, filter := range p.Filters {
		b.mu.Lock()
		b.subscriptions.Remove(filter, func(s *subscriber) bool { return s.clientID == h.client.clientID })
		b.mu.Unlock()

		if sess, ok := b.Sessions.Get(h.client.clientID); ok {
			kept := sess.Subscriptions[:0:0]
			for _, s := range sess.Subscriptions {
				if s.Filter != filter {
					kept = append(kept, s)
				}
			}
			sess.Subscriptions = kept
			b.Sessions.Persist(sess)
		}
	}
	return h.conn.Send(&mqttproto.UnsubAck{PacketID: p.PacketID})
}

func (b *Broker) deliverWill(will *mqttproto.Connect) {
	if will.WillRetain {
		b.Retained.Put(will.WillTopic, will.WillMessage, will.WillQoS)
	}
	b.dispatch(will.WillTopic, will.WillMessage, will.WillQoS, will.WillRetain)
}

// Stats returns the broker's $SYS counters: currently connected clients and
// the lifetime count of publishes dispatched.
func (b *Broker) Stats() (clientsConnected int, messagesPublished uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsClientsConnected, b.statsMessagesPublished
}

// PublishSysStats publishes the $SYS/broker/* counters once. No code in this
// module calls it on a timer, and SysEventsEnabled does not gate it.
func (b *Broker) PublishSysStats() {
	clients, messages := b.Stats()
	b.dispatch("$SYS/broker/clients/connected", []byte(strconv.Itoa(clients)), mqttproto.QoS0, false)
	b.dispatch("$SYS/broker/messages/published", []byte(strconv.FormatUint(messages, 10)), mqttproto.QoS0, false)
}
