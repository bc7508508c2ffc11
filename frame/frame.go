// Package frame implements the binary frame codec carried inside WebSocket
// binary messages between a chatsync client and the gateway. The payload
// that follows the header is JSON (see package wire), optionally zstd
// compressed.
//
// Header layout (31 bytes, big-endian):
//
//	[0]     proto_version   uint8
//	[1]     frame_type      uint8
//	[2]     flags           uint8  (bit0=compressed, bit1=ephemeral)
//	[3-6]   payload_len     uint32
//	[7-22]  frame_id        16 bytes (ULID)
//	[23-30] seq             uint64 (per-channel, server assigned)
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderSize    = 31
	ProtoVersion  = 2
	MaxPayloadLen = 64 * 1024
)

// Frame types. Must fit in uint8.
const (
	TypeConnect       uint8 = 1
	TypeAuthOK        uint8 = 2
	TypeAuthFail      uint8 = 3
	TypeSubscribe     uint8 = 4
	TypeSubscribeOK   uint8 = 5
	TypeSubscribeFail uint8 = 6
	TypeUnsubscribe   uint8 = 7
	TypePublish       uint8 = 8
	TypeDelivery      uint8 = 9
	TypeAck           uint8 = 10
	TypeNack          uint8 = 11
	TypePing          uint8 = 12
	TypePong          uint8 = 13
	TypePresence      uint8 = 14
	TypeClose         uint8 = 15
)

// Flag bits.
const (
	FlagCompressed uint8 = 1 << 0
	FlagEphemeral  uint8 = 1 << 1
)

var (
	ErrBadVersion      = errors.New("frame: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("frame: payload exceeds maximum size")
	ErrShortRead       = errors.New("frame: short read")
)

// Header is the fixed header preceding every frame.
type Header struct {
	Version    uint8
	Type       uint8
	Flags      uint8
	PayloadLen uint32
	FrameID    [16]byte
	Seq        uint64
}

// Encode serialises a header and payload into a single byte slice.
func Encode(h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	h.PayloadLen = uint32(len(payload))
	h.Version = ProtoVersion

	out := make([]byte, HeaderSize+len(payload))
	putHeader(out, h)
	copy(out[HeaderSize:], payload)
	return out, nil
}

// EncodePayload compresses payload when worthwhile and encodes the frame.
// The size limit applies to the uncompressed payload.
func EncodePayload(h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	if compressible(h, payload) {
		if body, ok := Compress(payload); ok {
			h.Flags |= FlagCompressed
			payload = body
		}
	}
	return Encode(h, payload)
}

// Decode parses a byte slice into a header and payload.
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, ErrShortRead
	}
	h, err := parseHeader(data[:HeaderSize])
	if err != nil {
		return Header{}, nil, err
	}
	end := HeaderSize + int(h.PayloadLen)
	if len(data) < end {
		return Header{}, nil, ErrShortRead
	}
	return h, data[HeaderSize:end], nil
}

// DecodePayload decodes a frame and transparently decompresses its payload.
func DecodePayload(data []byte) (Header, []byte, error) {
	h, payload, err := Decode(data)
	if err != nil {
		return Header{}, nil, err
	}
	if h.IsCompressed() {
		payload, err = Decompress(payload)
		if err != nil {
			return Header{}, nil, fmt.Errorf("frame: decompress: %w", err)
		}
		h.Flags &^= FlagCompressed
	}
	return h, payload, nil
}

func putHeader(out []byte, h Header) {
	out[0] = h.Version
	out[1] = h.Type
	out[2] = h.Flags
	binary.BigEndian.PutUint32(out[3:7], h.PayloadLen)
	copy(out[7:23], h.FrameID[:])
	binary.BigEndian.PutUint64(out[23:31], h.Seq)
}

func parseHeader(b []byte) (Header, error) {
	var h Header
	h.Version = b[0]
	if h.Version != ProtoVersion {
		return Header{}, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, h.Version, ProtoVersion)
	}
	h.Type = b[1]
	h.Flags = b[2]
	h.PayloadLen = binary.BigEndian.Uint32(b[3:7])
	copy(h.FrameID[:], b[7:23])
	h.Seq = binary.BigEndian.Uint64(b[23:31])
	if h.PayloadLen > MaxPayloadLen {
		return Header{}, ErrPayloadTooLarge
	}
	return h, nil
}

// IsCompressed returns true if the compressed flag is set.
func (h Header) IsCompressed() bool { return h.Flags&FlagCompressed != 0 }

// IsEphemeral returns true if the ephemeral flag is set. Ephemeral frames
// (keepalives, presence) are never replayed by the gateway.
func (h Header) IsEphemeral() bool { return h.Flags&FlagEphemeral != 0 }

// TypeName returns a printable name for a frame type, used in logs.
func TypeName(t uint8) string {
	switch t {
	case TypeConnect:
		return "connect"
	case TypeAuthOK:
		return "auth_ok"
	case TypeAuthFail:
		return "auth_fail"
	case TypeSubscribe:
		return "subscribe"
	case TypeSubscribeOK:
		return "subscribe_ok"
	case TypeSubscribeFail:
		return "subscribe_fail"
	case TypeUnsubscribe:
		return "unsubscribe"
	case TypePublish:
		return "publish"
	case TypeDelivery:
		return "delivery"
	case TypeAck:
		return "ack"
	case TypeNack:
		return "nack"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypePresence:
		return "presence"
	case TypeClose:
		return "close"
	}
	return fmt.Sprintf("unknown(%d)", t)
}
