package codec

import (
	"bytes"

	"github.com/klauspost/compress/zlib"
	"github.com/xpra-go/dampipe/internal/frame"
)

func init() {
	registerStill(Spec{
		Name:      "rgb32",
		Kind:      KindStill,
		Formats:   []frame.PixelFormat{frame.FormatBGRA32, frame.FormatRGB24},
		Quality:   100,
		Speed:     95,
		SetupCost: 1,
	})
}

// RawEncoder compresses raw pixel bytes with zlib rather than a picture
// codec, matching Xpra's "rgb24"/"rgb32" encodings which are the pixel data
// plus a generic deflate pass rather than a true image format. Uses
// klauspost/compress (already in the retrieval pack's transitive closure
// via helixml-helix) instead of compress/zlib for its faster deflate.
type RawEncoder struct {
	level int
}

// NewRawEncoder builds an encoder at the given zlib compression level
// (0=none, 1=fastest .. 9=best; out-of-range values are clamped).
// CompressRGB builds one per call at the level RawLevelForSpeed picks.
func NewRawEncoder(level int) *RawEncoder {
	if level < zlib.NoCompression {
		level = zlib.NoCompression
	}
	if level > zlib.BestCompression {
		level = zlib.BestCompression
	}
	return &RawEncoder{level: level}
}

func (e *RawEncoder) Encode(img frame.Image) ([]byte, error) {
	return e.EncodeBytes(img.Pixels())
}

// EncodeBytes compresses an arbitrary byte slice, used both for raw pixel
// buffers and for DeltaCache's XOR-delta results, which are plain []byte
// with no frame.Image wrapper.
func (e *RawEncoder) EncodeBytes(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, e.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(p); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// tinyPayload is the size below which compressing at all is optional: the
// zlib header overhead eats most of the gain on buffers this small.
const tinyPayload = 512

// RawLevelForSpeed maps the current speed target to a compression level in
// 0..5: max(min_level, min(5, (110-speed)/20)), where min_level is 0 for
// tiny payloads and 1 otherwise. Higher speed targets get cheaper levels.
func RawLevelForSpeed(speed, payloadSize int) int {
	minLevel := 1
	if payloadSize < tinyPayload {
		minLevel = 0
	}
	level := (110 - speed) / 20
	if level > 5 {
		level = 5
	}
	if level < minLevel {
		level = minLevel
	}
	return level
}

// CompressRGB compresses raw pixel bytes at the level RawLevelForSpeed
// picks, returning the payload plus the level the client must inflate
// with. If compression does not shave at least 32 bytes off the input (or
// the level came out 0), the original bytes are returned with level 0 so
// the client skips inflation entirely.
func CompressRGB(p []byte, speed int) (out []byte, level int, err error) {
	level = RawLevelForSpeed(speed, len(p))
	if level == 0 {
		return p, 0, nil
	}
	enc := NewRawEncoder(level)
	compressed, err := enc.EncodeBytes(p)
	if err != nil {
		return nil, 0, err
	}
	if len(compressed) >= len(p)-32 {
		return p, 0, nil
	}
	return compressed, level, nil
}

// SetLevel adjusts the compression level for subsequent Encode calls
// without reallocating the encoder.
func (e *RawEncoder) SetLevel(level int) {
	if level < zlib.NoCompression {
		level = zlib.NoCompression
	}
	if level > zlib.BestCompression {
		level = zlib.BestCompression
	}
	e.level = level
}
