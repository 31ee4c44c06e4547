// Package frame holds the pixel-data model shared across the pipeline:
// Region (a damaged rectangle), Image (a captured pixel buffer), and
// DamageSequence (the monotonic counter that orders damage events per
// window). spec.md's DATA MODEL described Image duck-typed on whatever the
// capture backend produced; here it is a narrow interface so any capture
// source (NDI, X11, a test fixture) can satisfy it without reflection.
package frame

import "image"

// PixelFormat names a supported raw pixel layout.
type PixelFormat string

const (
	FormatBGRA32 PixelFormat = "bgra32"
	FormatRGB24  PixelFormat = "rgb24"
	FormatUYVY422 PixelFormat = "uyvy422"
	FormatI420   PixelFormat = "i420"
)

// Image is a captured frame buffer. Implementations own their backing
// memory for the lifetime of the call that produced them; callers that need
// to retain pixels past the next capture must copy them.
type Image interface {
	// Bounds is the pixel rectangle this image covers, usually the whole
	// window but potentially a sub-region for partial captures.
	Bounds() image.Rectangle
	// Format reports the raw pixel layout of Pixels().
	Format() PixelFormat
	// Stride is the row pitch in bytes; may exceed Bounds().Dx()*bpp when
	// the capture backend pads rows.
	Stride() int
	// Pixels returns the raw backing buffer for Format()/Stride().
	Pixels() []byte
}

// Region is one damaged rectangle reported by the capture source, with the
// sequence number of the DamageSequence event that produced it.
type Region struct {
	Rect     image.Rectangle
	Sequence uint64
}

// Pixels returns the rectangle's area, used throughout the batching and
// selection logic as a cheap proxy for encoding cost.
func (r Region) Pixels() int {
	return r.Rect.Dx() * r.Rect.Dy()
}

// DamageSequence is a monotonically increasing counter identifying damage
// events for a single window, used to detect and discard stale delayed
// regions (a later damage event superseding an earlier, still-pending one).
type DamageSequence struct {
	next uint64
}

// Next returns the next sequence number, starting at 1 so the zero value
// can mean "no damage observed yet".
func (d *DamageSequence) Next() uint64 {
	d.next++
	return d.next
}

// Current reports the most recently issued sequence number.
func (d *DamageSequence) Current() uint64 { return d.next }
