package mqttproto

// Connect is the CONNECT control packet (MQTT 3.1.1 §3.1).
type Connect struct {
	ProtocolName  string
	ProtocolLevel byte
	CleanSession  bool
	KeepAlive     uint16
	ClientID      string
	WillTopic     string
	WillMessage   []byte
	WillQoS       QoS
	WillRetain    bool
	HasWill       bool
	Username      string
	HasUsername   bool
	Password      []byte
	HasPassword   bool
}

func (p *Connect) Type() byte { return TypeConnect }

func (p *Connect) Encode() []byte {
	protoName := p.ProtocolName
	if protoName == "" {
		protoName = "MQTT"
	}
	var body []byte
	body = writeString(body, protoName)
	body = append(body, p.ProtocolLevel)

	var flags byte
	if p.CleanSession {
		flags |= 0x02
	}
	if p.HasWill {
		flags |= 0x04
		flags |= byte(p.WillQoS) << 3
		if p.WillRetain {
			flags |= 0x20
		}
	}
	if p.HasPassword {
		flags |= 0x40
	}
	if p.HasUsername {
		flags |= 0x80
	}
	body = append(body, flags)
	body = writeUint16(body, p.KeepAlive)
	body = writeString(body, p.ClientID)
	if p.HasWill {
		body = writeString(body, p.WillTopic)
		body = writeBytes(body, p.WillMessage)
	}
	if p.HasUsername {
		body = writeString(body, p.Username)
	}
	if p.HasPassword {
		body = writeBytes(body, p.Password)
	}
	return fixedHeader(TypeConnect, 0, body)
}

func decodeConnect(body []byte) (*Connect, error) {
	name, off, err := readString(body, 0)
	if err != nil {
		return nil, err
	}
	if off+2 > len(body) {
		return nil, malformed("CONNECT truncated before protocol level/flags")
	}
	level := body[off]
	off++
	flags := body[off]
	off++
	if flags&0x01 != 0 {
		return nil, malformed("CONNECT reserved flag bit set")
	}
	keepAlive, off, err := readUint16(body, off)
	if err != nil {
		return nil, err
	}
	clientID, off, err := readString(body, off)
	if err != nil {
		return nil, err
	}
	p := &Connect{
		ProtocolName:  name,
		ProtocolLevel: level,
		CleanSession:  flags&0x02 != 0,
		KeepAlive:     keepAlive,
		ClientID:      clientID,
		HasWill:       flags&0x04 != 0,
		WillQoS:       QoS((flags >> 3) & 0x03),
		WillRetain:    flags&0x20 != 0,
		HasPassword:   flags&0x40 != 0,
		HasUsername:   flags&0x80 != 0,
	}
	if p.HasWill {
		p.WillTopic, off, err = readString(body, off)
		if err != nil {
			return nil, err
		}
		var willMsg []byte
		willMsg, off, err = readBytesField(body, off)
		if err != nil {
			return nil, err
		}
		p.WillMessage = append([]byte(nil), willMsg...)
	} else if flags&0x20 != 0 || flags&0x18 != 0 {
		return nil, malformed("CONNECT will flags set without will flag")
	}
	if p.HasUsername {
		p.Username, off, err = readString(body, off)
		if err != nil {
			return nil, err
		}
	}
	if p.HasPassword {
		var pass []byte
		pass, off, err = readBytesField(body, off)
		if err != nil {
			return nil, err
		}
		p.Password = append([]byte(nil), pass...)
	}
	return p, nil
}

// ConnAck is the CONNACK control packet (MQTT 3.1.1 §3.2).
type ConnAck struct {
	SessionPresent bool
	ReturnCode     byte
}

func (p *ConnAck) Type() byte { return TypeConnAck }

func (p *ConnAck) Encode() []byte {
	var flags byte
	if p.SessionPresent {
		flags = 0x01
	}
	body := []byte{flags, p.ReturnCode}
	return fixedHeader(TypeConnAck, 0, body)
}

func decodeConnAck(body []byte) (*ConnAck, error) {
	if len(body) != 2 {
		return nil, malformed("CONNACK must have 2-byte body")
	}
	if body[0]&0xFE != 0 {
		return nil, malformed("CONNACK reserved bits set")
	}
	return &ConnAck{SessionPresent: body[0]&0x01 != 0, ReturnCode: body[1]}, nil
}

// Publish is the PUBLISH control packet (MQTT 3.1.1 §3.3).
type Publish struct {
	Dup      bool
	QoS      QoS
	Retain   bool
	Topic    string
	PacketID uint16 // only meaningful when QoS > 0
	Payload  []byte
}

func (p *Publish) Type() byte { return TypePublish }

func (p *Publish) Encode() []byte {
	var flags byte
	if p.Dup {
		flags |= 0x08
	}
	flags |= byte(p.QoS) << 1
	if p.Retain {
		flags |= 0x01
	}
	var body []byte
	body = writeString(body, p.Topic)
	if p.QoS > QoS0 {
		body = writeUint16(body, p.PacketID)
	}
	body = append(body, p.Payload...)
	return fixedHeader(TypePublish, flags, body)
}

func decodePublish(flags byte, body []byte) (*Publish, error) {
	qos := QoS((flags >> 1) & 0x03)
	if qos == 3 {
		return nil, malformed("PUBLISH has invalid QoS 3")
	}
	dup := flags&0x08 != 0
	if qos == QoS0 && dup {
		return nil, malformed("PUBLISH DUP set with QoS 0")
	}
	topic, off, err := readString(body, 0)
	if err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, malformed("PUBLISH topic name must not be empty")
	}
	var pktID uint16
	if qos > QoS0 {
		pktID, off, err = readUint16(body, off)
		if err != nil {
			return nil, err
		}
	}
	return &Publish{
		Dup:      dup,
		QoS:      qos,
		Retain:   flags&0x01 != 0,
		Topic:    topic,
		PacketID: pktID,
		Payload:  append([]byte(nil), body[off:]...),
	}, nil
}

// PubAck acknowledges a QoS 1 PUBLISH.
type PubAck struct{ PacketID uint16 }

func (p *PubAck) Type() byte   { return TypePubAck }
func (p *PubAck) Encode() []byte { return fixedHeader(TypePubAck, 0, writeUint16(nil, p.PacketID)) }

// PubRec is the first acknowledgement of a QoS 2 PUBLISH.
type PubRec struct{ PacketID uint16 }

func (p *PubRec) Type() byte   { return TypePubRec }
func (p *PubRec) Encode() []byte { return fixedHeader(TypePubRec, 0, writeUint16(nil, p.PacketID)) }

// PubRel is the second step of a QoS 2 exchange.
type PubRel struct{ PacketID uint16 }

func (p *PubRel) Type() byte   { return TypePubRel }
func (p *PubRel) Encode() []byte { return fixedHeader(TypePubRel, 0x02, writeUint16(nil, p.PacketID)) }

// PubComp is the final step of a QoS 2 exchange.
type PubComp struct{ PacketID uint16 }

func (p *PubComp) Type() byte   { return TypePubComp }
func (p *PubComp) Encode() []byte { return fixedHeader(TypePubComp, 0, writeUint16(nil, p.PacketID)) }

func decodePacketIDOnly(body []byte) (uint16, error) {
	if len(body) != 2 {
		return 0, malformed("expected 2-byte packet identifier body")
	}
	id, _, err := readUint16(body, 0)
	return id, err
}

// Subscription is one (filter, requested max QoS) pair within a SUBSCRIBE.
type Subscription struct {
	Filter string
	QoS    QoS
}

// Subscribe is the SUBSCRIBE control packet (MQTT 3.1.1 §3.8).
type Subscribe struct {
	PacketID      uint16
	Subscriptions []Subscription
}

func (p *Subscribe) Type() byte { return TypeSubscribe }

func (p *Subscribe) Encode() []byte {
	body := writeUint16(nil, p.PacketID)
	for _, s := range p.Subscriptions {
		body = writeString(body, s.Filter)
		body = append(body, byte(s.QoS))
	}
	return fixedHeader(TypeSubscribe, 0x02, body)
}

func decodeSubscribe(body []byte) (*Subscribe, error) {
	pktID, off, err := readUint16(body, 0)
	if err != nil {
		return nil, err
	}
	p := &Subscribe{PacketID: pktID}
	if off >= len(body) {
		return nil, malformed("SUBSCRIBE must contain at least one filter")
	}
	for off < len(body) {
		var filter string
		filter, off, err = readString(body, off)
		if err != nil {
			return nil, err
		}
		if off >= len(body) {
			return nil, malformed("SUBSCRIBE filter missing requested QoS")
		}
		qos := body[off]
		off++
		if qos > 2 {
			return nil, malformed("SUBSCRIBE requested QoS out of range")
		}
		p.Subscriptions = append(p.Subscriptions, Subscription{Filter: filter, QoS: QoS(qos)})
	}
	return p, nil
}

// SubAck is the SUBSCRIBE acknowledgement, one return code per filter in
// the order requested. A return code of SubAckFailure (0x80) denotes a
// refused subscription.
type SubAck struct {
	PacketID    uint16
	ReturnCodes []byte
}

func (p *SubAck) Type() byte { return TypeSubAck }

func (p *SubAck) Encode() []byte {
	body := writeUint16(nil, p.PacketID)
	body = append(body, p.ReturnCodes...)
	return fixedHeader(TypeSubAck, 0, body)
}

func decodeSubAck(body []byte) (*SubAck, error) {
	pktID, off, err := readUint16(body, 0)
	if err != nil {
		return nil, err
	}
	return &SubAck{PacketID: pktID, ReturnCodes: append([]byte(nil), body[off:]...)}, nil
}

// Unsubscribe is the UNSUBSCRIBE control packet (MQTT 3.1.1 §3.10).
type Unsubscribe struct {
	PacketID uint16
	Filters  []string
}

func (p *Unsubscribe) Type() byte { return TypeUnsubscribe }

func (p *Unsubscribe) Encode() []byte {
	body := writeUint16(nil, p.PacketID)
	for _, f := range p.Filters {
		body = writeString(body, f)
	}
	return fixedHeader(TypeUnsubscribe, 0x02, body)
}

func decodeUnsubscribe(body []byte) (*Unsubscribe, error) {
	pktID, off, err := readUint16(body, 0)
	if err != nil {
		return nil, err
	}
	p := &Unsubscribe{PacketID: pktID}
	if off >= len(body) {
		return nil, malformed("UNSUBSCRIBE must contain at least one filter")
	}
	for off < len(body) {
		var filter string
		filter, off, err = readString(body, off)
		if err != nil {
			return nil, err
		}
		p.Filters = append(p.Filters, filter)
	}
	return p, nil
}

// UnsubAck acknowledges an UNSUBSCRIBE.
type UnsubAck struct{ PacketID uint16 }

func (p *UnsubAck) Type() byte   { return TypeUnsubAck }
func (p *UnsubAck) Encode() []byte { return fixedHeader(TypeUnsubAck, 0, writeUint16(nil, p.PacketID)) }

// PingReq is the client-to-server keep-alive ping.
type PingReq struct{}

func (p *PingReq) Type() byte     { return TypePingReq }
func (p *PingReq) Encode() []byte { return fixedHeader(TypePingReq, 0, nil) }

// PingResp is the server-to-client keep-alive response.
type PingResp struct{}

func (p *PingResp) Type() byte     { return TypePingResp }
func (p *PingResp) Encode() []byte { return fixedHeader(TypePingResp, 0, nil) }

// Disconnect is the graceful-close control packet.
type Disconnect struct{}

func (p *Disconnect) Type() byte     { return TypeDisconnect }
func (p *Disconnect) Encode() []byte { return fixedHeader(TypeDisconnect, 0, nil) }
