// Package wire defines the external contracts spec.md §6 describes: the
// upstream framebuffer source the core pulls pixels from, the downstream
// packet sink it pushes encoded updates to, and the wire-level structures
// (packets, acks, capability negotiation) that cross the connection
// boundary. Nothing here touches a concrete transport; internal/transport
// provides the WebRTC-backed implementation.
package wire

import (
	"context"
	"image"

	"github.com/xpra-go/dampipe/internal/frame"
)

// DamageEvent is one notification from the framebuffer source that a
// rectangle of a window's pixels changed.
type DamageEvent struct {
	Rect    image.Rectangle
	Options map[string]any
}

// WindowTraits are the static-ish properties of a window the selector and
// controller read but never mutate.
type WindowTraits struct {
	IsManaged          bool
	IsTray             bool
	IsOverrideRedirect bool
	HasAlpha           bool
	IsFullscreen       bool
	IsMaximized        bool
	Width, Height      int
}

// FramebufferSource is the upstream interface the core consumes. Subscribe
// guarantees AcknowledgeChanges will be called by the core before pixels
// for that window are read again, matching spec.md §6's upstream contract.
type FramebufferSource interface {
	Subscribe(ctx context.Context, windowID uint64) (<-chan DamageEvent, error)
	AcknowledgeChanges(windowID uint64)
	// GetRGBRawData returns the captured pixels for the rectangle, or nil
	// with a nil error if the window is gone (the core treats this as a
	// no-op, never an error).
	GetRGBRawData(windowID uint64, rect image.Rectangle) (frame.Image, error)
	WindowTraits(windowID uint64) (WindowTraits, bool)
}

// ClientOptions rides alongside a Packet's payload, carrying per-packet
// encoder metadata the client needs to decode it (delta base, scaling,
// chosen csc mode, and so on).
type ClientOptions struct {
	Delta       uint32 `json:"delta,omitempty"`
	Store       uint32 `json:"store,omitempty"`
	Quality     uint8  `json:"quality,omitempty"`
	ScaledWidth  uint16 `json:"scaled_width,omitempty"`
	ScaledHeight uint16 `json:"scaled_height,omitempty"`
	CSC         string `json:"csc,omitempty"`
	RGBFormat   string `json:"rgb_format,omitempty"`
	Zlib        uint8  `json:"zlib,omitempty"`
}

// Packet is the wire-level "draw" message spec.md §6 names:
// ["draw", window_id, x, y, w, h, encoding, payload, packet_sequence,
// rowstride_or_zero, client_options]. Framing and on-wire compression are
// the sink's responsibility, not the core's.
type Packet struct {
	WindowID       uint64
	X, Y, W, H     int
	Encoding       string
	Payload        []byte
	PacketSequence uint32
	RowStride      int
	ClientOptions  ClientOptions
}

// PacketSink is the downstream interface the core produces packets to.
// QueuePacket takes start/sent callbacks, each handed the connection's
// cumulative bytes written so far (onStartSend just before the first byte,
// onSent just after the last), so the caller can reconstruct per-packet
// transfer timing and size for its ack records.
type PacketSink interface {
	QueuePacket(pkt Packet, pixelCount int, onStartSend func(bytesSoFar int64), onSent func(bytesSoFar int64)) error
	QueueDamage(closure func())
}

// Ack is the viewer-reported round trip for one packet_sequence.
// DecodeTimeMicros == 0 signals a client-side decode failure, which
// invalidates that window's DeltaCache (spec.md §7).
type Ack struct {
	PacketSequence uint32
	Width, Height  int
	DecodeTimeMicros int64
}

// Capabilities is the client capability map negotiated at connection time
// (spec.md §6), consumed by the selector and controller to restrict which
// encodings and features are offered to this particular client.
type Capabilities struct {
	RGBFormats            []string `json:"rgb_formats"`
	SupportsDelta         []string `json:"supports_delta"`
	EncodingClientOptions bool     `json:"encoding_client_options"`
	RGB24Zlib             bool     `json:"rgb24zlib"`
	Mmap                  bool     `json:"mmap"`
	UsesSwscale           bool     `json:"uses_swscale"`
	CSCModes              []string `json:"csc_modes"`
	VideoScaling          bool     `json:"video_scaling"`
	CSCAtoms              bool     `json:"csc_atoms"`
}

// SupportsEncoding reports whether the client advertised delta support for
// the given still encoding name (png, rgb24, rgb32).
func (c Capabilities) SupportsEncoding(name string) bool {
	for _, e := range c.SupportsDelta {
		if e == name {
			return true
		}
	}
	return false
}
