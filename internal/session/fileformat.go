package session

import (
	"encoding/binary"
	"fmt"

	"github.com/mqttsuite/mqttsuite/internal/mqttproto"
)

// File magic and version for the session store binary format. The format
// is fixed by this package, not negotiated: a version mismatch on load is
// fatal for that file.
var fileMagic = [5]byte{'M', 'Q', 'S', 'S', 0}

const fileVersion byte = 0x01

// encodeFile serialises every session in sessions into the MQSS\0 binary
// format: magic, version, record count, then each session record in turn.
func encodeFile(sessions map[string]*Session) []byte {
	buf := make([]byte, 0, 4096)
	buf = append(buf, fileMagic[:]...)
	buf = append(buf, fileVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(sessions)))
	for _, sess := range sessions {
		buf = encodeSessionRecord(buf, sess)
	}
	return buf
}

func encodeSessionRecord(buf []byte, sess *Session) []byte {
	buf = appendString16(buf, sess.ClientID)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(sess.Subscriptions)))
	for _, sub := range sess.Subscriptions {
		buf = appendString16(buf, sub.Filter)
		buf = append(buf, byte(sub.QoS))
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(sess.InflightOut)))
	for _, out := range sess.InflightOut {
		buf = binary.BigEndian.AppendUint16(buf, out.PacketID)
		buf = append(buf, byte(out.State))
		buf = appendString16(buf, out.Topic)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(out.Payload)))
		buf = append(buf, out.Payload...)
		buf = append(buf, byte(out.QoS))
		buf = append(buf, boolByte(out.Retain))
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(sess.InflightIn)))
	for _, in := range sess.InflightIn {
		buf = binary.BigEndian.AppendUint16(buf, in.PacketID)
		buf = append(buf, byte(in.State))
		buf = appendString16(buf, in.Topic)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(in.Payload)))
		buf = append(buf, in.Payload...)
		buf = append(buf, byte(in.QoS))
		buf = append(buf, boolByte(in.Retain))
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(sess.PendingQueue)))
	for _, q := range sess.PendingQueue {
		buf = appendString16(buf, q.Topic)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(q.Payload)))
		buf = append(buf, q.Payload...)
		buf = append(buf, byte(q.QoS))
		buf = append(buf, boolByte(q.Retain))
	}

	return buf
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// decodeFile parses the MQSS\0 binary format produced by encodeFile.
func decodeFile(data []byte) (map[string]*Session, error) {
	if len(data) < 6 || [5]byte(data[:5]) != fileMagic {
		return nil, fmt.Errorf("session store: bad magic")
	}
	if data[5] != fileVersion {
		return nil, fmt.Errorf("session store: unsupported version %d", data[5])
	}
	off := 6
	if off+4 > len(data) {
		return nil, fmt.Errorf("session store: truncated record count")
	}
	count := binary.BigEndian.Uint32(data[off : off+4])
	off += 4

	sessions := make(map[string]*Session, count)
	for i := uint32(0); i < count; i++ {
		sess, next, err := decodeSessionRecord(data, off)
		if err != nil {
			return nil, fmt.Errorf("session store: record %d: %w", i, err)
		}
		sessions[sess.ClientID] = sess
		off = next
	}
	return sessions, nil
}

func decodeSessionRecord(data []byte, off int) (*Session, int, error) {
	clientID, off, err := readString16(data, off)
	if err != nil {
		return nil, 0, err
	}
	sess := NewSession(clientID)

	subCount, off, err := readUint16At(data, off)
	if err != nil {
		return nil, 0, err
	}
	for i := uint16(0); i < subCount; i++ {
		var filter string
		filter, off, err = readString16(data, off)
		if err != nil {
			return nil, 0, err
		}
		qos, err := readByteAt(data, off)
		if err != nil {
			return nil, 0, err
		}
		off++
		sess.Subscriptions = append(sess.Subscriptions, Subscription{Filter: filter, QoS: mqttproto.QoS(qos)})
	}

	outCount, off, err := readUint16At(data, off)
	if err != nil {
		return nil, 0, err
	}
	for i := uint16(0); i < outCount; i++ {
		var rec *InflightOut
		rec, off, err = decodeInflightOut(data, off)
		if err != nil {
			return nil, 0, err
		}
		sess.InflightOut[rec.PacketID] = rec
	}

	inCount, off, err := readUint16At(data, off)
	if err != nil {
		return nil, 0, err
	}
	for i := uint16(0); i < inCount; i++ {
		pktID, next, err := readUint16At(data, off)
		if err != nil {
			return nil, 0, err
		}
		off = next
		state, err := readByteAt(data, off)
		if err != nil {
			return nil, 0, err
		}
		off++
		var inTopic string
		inTopic, off, err = readString16(data, off)
		if err != nil {
			return nil, 0, err
		}
		payloadLen, next2, err := readUint32At(data, off)
		if err != nil {
			return nil, 0, err
		}
		off = next2
		if off+int(payloadLen) > len(data) {
			return nil, 0, fmt.Errorf("truncated inbound-inflight payload")
		}
		inPayload := append([]byte(nil), data[off:off+int(payloadLen)]...)
		off += int(payloadLen)
		inQoS, err := readByteAt(data, off)
		if err != nil {
			return nil, 0, err
		}
		off++
		inRetain, err := readByteAt(data, off)
		if err != nil {
			return nil, 0, err
		}
		off++
		sess.InflightIn[pktID] = &InflightIn{
			PacketID: pktID,
			Topic:    inTopic,
			Payload:  inPayload,
			QoS:      mqttproto.QoS(inQoS),
			Retain:   inRetain != 0,
			State:    InflightState(state),
		}
	}

	queueCount, off, err := readUint16At(data, off)
	if err != nil {
		return nil, 0, err
	}
	for i := uint16(0); i < queueCount; i++ {
		var topic string
		topic, off, err = readString16(data, off)
		if err != nil {
			return nil, 0, err
		}
		payloadLen, next, err := readUint32At(data, off)
		if err != nil {
			return nil, 0, err
		}
		off = next
		if off+int(payloadLen) > len(data) {
			return nil, 0, fmt.Errorf("truncated queued publish payload")
		}
		payload := append([]byte(nil), data[off:off+int(payloadLen)]...)
		off += int(payloadLen)
		qos, err := readByteAt(data, off)
		if err != nil {
			return nil, 0, err
		}
		off++
		retain, err := readByteAt(data, off)
		if err != nil {
			return nil, 0, err
		}
		off++
		sess.PendingQueue = append(sess.PendingQueue, &QueuedPublish{
			Topic:   topic,
			Payload: payload,
			QoS:     mqttproto.QoS(qos),
			Retain:  retain != 0,
		})
	}

	return sess, off, nil
}

func decodeInflightOut(data []byte, off int) (*InflightOut, int, error) {
	pktID, off, err := readUint16At(data, off)
	if err != nil {
		return nil, 0, err
	}
	state, err := readByteAt(data, off)
	if err != nil {
		return nil, 0, err
	}
	off++
	topic, off, err := readString16(data, off)
	if err != nil {
		return nil, 0, err
	}
	payloadLen, off, err := readUint32At(data, off)
	if err != nil {
		return nil, 0, err
	}
	if off+int(payloadLen) > len(data) {
		return nil, 0, fmt.Errorf("truncated outbound-inflight payload")
	}
	payload := append([]byte(nil), data[off:off+int(payloadLen)]...)
	off += int(payloadLen)
	qos, err := readByteAt(data, off)
	if err != nil {
		return nil, 0, err
	}
	off++
	retain, err := readByteAt(data, off)
	if err != nil {
		return nil, 0, err
	}
	off++
	return &InflightOut{
		PacketID: pktID,
		Topic:    topic,
		Payload:  payload,
		QoS:      mqttproto.QoS(qos),
		Retain:   retain != 0,
		State:    InflightState(state),
	}, off, nil
}

func readString16(data []byte, off int) (string, int, error) {
	n, off, err := readUint16At(data, off)
	if err != nil {
		return "", 0, err
	}
	if off+int(n) > len(data) {
		return "", 0, fmt.Errorf("truncated string field")
	}
	return string(data[off : off+int(n)]), off + int(n), nil
}

func readUint16At(data []byte, off int) (uint16, int, error) {
	if off+2 > len(data) {
		return 0, 0, fmt.Errorf("truncated uint16 field")
	}
	return binary.BigEndian.Uint16(data[off : off+2]), off + 2, nil
}

func readUint32At(data []byte, off int) (uint32, int, error) {
	if off+4 > len(data) {
		return 0, 0, fmt.Errorf("truncated uint32 field")
	}
	return binary.BigEndian.Uint32(data[off : off+4]), off + 4, nil
}

func readByteAt(data []byte, off int) (byte, error) {
	if off >= len(data) {
		return 0, fmt.Errorf("truncated byte field")
	}
	return data[off], nil
}
