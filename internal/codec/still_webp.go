//go:build cgo && webp

// WebP still encoder, following the exact cgo-wrapping approach the teacher
// used for libvpx/libaom (internal/stream/vpx.go, aom.go) applied to
// libwebp, since no Go webp library appears anywhere in the retrieval pack
// and the established pattern is to wrap the native encoder directly.
package codec

/*
#cgo LDFLAGS: -lwebp

#include <stdlib.h>
#include <webp/encode.h>
*/
import "C"

import (
	"errors"
	"unsafe"

	"github.com/xpra-go/dampipe/internal/frame"
)

func init() {
	registerStill(Spec{
		Name:      "webp",
		Kind:      KindStill,
		Formats:   []frame.PixelFormat{frame.FormatBGRA32},
		Quality:   90,
		Speed:     60,
		SetupCost: 3,
	})
}

// WebPEncoder wraps libwebp's simple API for BGRA input.
type WebPEncoder struct{}

func NewWebPEncoder() *WebPEncoder { return &WebPEncoder{} }

// Encode compresses a BGRA region at the given quality (0-100).
func (e *WebPEncoder) Encode(img frame.Image, quality int) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	stride := img.Stride()
	px := img.Pixels()
	if len(px) < stride*h {
		return nil, errors.New("webp: short pixel buffer")
	}
	if quality <= 0 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}

	var out *C.uint8_t
	size := C.WebPEncodeBGRA(
		(*C.uint8_t)(unsafe.Pointer(&px[0])),
		C.int(w), C.int(h), C.int(stride),
		C.float(quality),
		&out,
	)
	if size == 0 || out == nil {
		return nil, errors.New("webp: WebPEncodeBGRA failed")
	}
	defer C.WebPFree(unsafe.Pointer(out))
	return C.GoBytes(unsafe.Pointer(out), C.int(size)), nil
}
