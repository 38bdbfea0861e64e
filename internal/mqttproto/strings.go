package mqttproto

import (
	"encoding/binary"
	"unicode/utf8"
)

func writeString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func writeBytes(buf []byte, b []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(b)))
	return append(buf, b...)
}

func writeUint16(buf []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(buf, v)
}

// readString reads a length-prefixed UTF-8 string from buf at off, returning
// the string, the offset immediately past it, and an error if the buffer is
// too short or the bytes are not valid UTF-8.
func readString(buf []byte, off int) (string, int, error) {
	b, next, err := readBytesField(buf, off)
	if err != nil {
		return "", 0, err
	}
	if !utf8.Valid(b) {
		return "", 0, malformed("string is not valid UTF-8")
	}
	return string(b), next, nil
}

func readBytesField(buf []byte, off int) ([]byte, int, error) {
	if off+2 > len(buf) {
		return nil, 0, malformed("length-prefixed field truncated")
	}
	n := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if off+n > len(buf) {
		return nil, 0, malformed("length-prefixed field truncated")
	}
	return buf[off : off+n], off + n, nil
}

func readUint16(buf []byte, off int) (uint16, int, error) {
	if off+2 > len(buf) {
		return 0, 0, malformed("uint16 field truncated")
	}
	return binary.BigEndian.Uint16(buf[off : off+2]), off + 2, nil
}
