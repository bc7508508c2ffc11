package frame

import (
	"errors"

	"github.com/klauspost/compress/zstd"
)

// Chat payloads are usually tiny; only image/file envelopes and large
// signaling offers cross this.
const compressionThreshold = 1024

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadLen))
)

// compressible reports whether a frame with header h may carry a
// compressed body. Keepalives and presence beacons never do.
func compressible(h Header, payload []byte) bool {
	return !h.IsEphemeral() && len(payload) > compressionThreshold
}

// Compress zstd-compresses payload. The original is returned with false
// when compression does not make it smaller.
func Compress(payload []byte) ([]byte, bool) {
	compressed := encoder.EncodeAll(payload, make([]byte, 0, len(payload)))
	if len(compressed) >= len(payload) {
		return payload, false
	}
	return compressed, true
}

// Decompress expands a zstd body. A body that would expand beyond
// MaxPayloadLen is rejected with ErrPayloadTooLarge.
func Decompress(data []byte) ([]byte, error) {
	out, err := decoder.DecodeAll(data, nil)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) || len(out) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	return out, err
}
