package webrtcsink

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"github.com/xpra-go/dampipe/internal/wire"
)

// Message kinds multiplexed over the single data channel: the server only
// ever sends kindDraw, the client only ever sends kindAck.
const (
	kindDraw byte = 1
	kindAck  byte = 2
)

var errShortFrame = errors.New("webrtcsink: frame too short")

// encodeDraw serializes a wire.Packet into the data channel's binary frame:
// a 1-byte kind tag, fixed-width header fields, a length-prefixed JSON
// ClientOptions blob, and the raw payload, avoiding a full JSON encoding of
// the (potentially large) pixel payload.
func encodeDraw(pkt wire.Packet) ([]byte, error) {
	opts, err := json.Marshal(pkt.ClientOptions)
	if err != nil {
		return nil, err
	}
	encodingBytes := []byte(pkt.Encoding)

	buf := make([]byte, 0, 1+8+4*4+4+2+len(encodingBytes)+2+len(opts)+len(pkt.Payload))
	buf = append(buf, kindDraw)
	buf = appendUint64(buf, pkt.WindowID)
	buf = appendInt32(buf, int32(pkt.X))
	buf = appendInt32(buf, int32(pkt.Y))
	buf = appendInt32(buf, int32(pkt.W))
	buf = appendInt32(buf, int32(pkt.H))
	buf = appendUint32(buf, pkt.PacketSequence)
	buf = appendInt32(buf, int32(pkt.RowStride))
	buf = appendUint16(buf, uint16(len(encodingBytes)))
	buf = append(buf, encodingBytes...)
	buf = appendUint16(buf, uint16(len(opts)))
	buf = append(buf, opts...)
	buf = append(buf, pkt.Payload...)
	return buf, nil
}

// decodeDraw is the client-side counterpart; kept here (rather than in a
// separate client package) since it is only exercised by this package's
// round-trip tests and any future client harness shares the same framing.
func decodeDraw(b []byte) (wire.Packet, error) {
	var pkt wire.Packet
	if len(b) < 1+8+4*4+4+4+2 {
		return pkt, errShortFrame
	}
	if b[0] != kindDraw {
		return pkt, errors.New("webrtcsink: not a draw frame")
	}
	off := 1
	pkt.WindowID, off = readUint64(b, off)
	var x, y, w, h int32
	x, off = readInt32(b, off)
	y, off = readInt32(b, off)
	w, off = readInt32(b, off)
	h, off = readInt32(b, off)
	pkt.X, pkt.Y, pkt.W, pkt.H = int(x), int(y), int(w), int(h)
	pkt.PacketSequence, off = readUint32(b, off)
	var stride int32
	stride, off = readInt32(b, off)
	pkt.RowStride = int(stride)

	encLen, off := readUint16(b, off)
	if off+int(encLen) > len(b) {
		return pkt, errShortFrame
	}
	pkt.Encoding = string(b[off : off+int(encLen)])
	off += int(encLen)

	optLen, off := readUint16(b, off)
	if off+int(optLen) > len(b) {
		return pkt, errShortFrame
	}
	if optLen > 0 {
		if err := json.Unmarshal(b[off:off+int(optLen)], &pkt.ClientOptions); err != nil {
			return pkt, err
		}
	}
	off += int(optLen)
	pkt.Payload = b[off:]
	return pkt, nil
}

// encodeAck/decodeAck use JSON since acks are tiny and infrequent compared
// to draw packets; there is no throughput reason to hand-roll their framing.
func encodeAck(a wire.Ack) ([]byte, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return append([]byte{kindAck}, body...), nil
}

func decodeAck(b []byte) (wire.Ack, error) {
	var a wire.Ack
	if len(b) < 1 || b[0] != kindAck {
		return a, errors.New("webrtcsink: not an ack frame")
	}
	err := json.Unmarshal(b[1:], &a)
	return a, err
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendInt32(b []byte, v int32) []byte {
	return appendUint32(b, uint32(v))
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func readUint64(b []byte, off int) (uint64, int) {
	return binary.BigEndian.Uint64(b[off : off+8]), off + 8
}

func readUint32(b []byte, off int) (uint32, int) {
	return binary.BigEndian.Uint32(b[off : off+4]), off + 4
}

func readInt32(b []byte, off int) (int32, int) {
	v, n := readUint32(b, off)
	return int32(v), n
}

func readUint16(b []byte, off int) (uint16, int) {
	return binary.BigEndian.Uint16(b[off : off+2]), off + 2
}
