//go:build cgo && yuv

// libyuv-accelerated colour-space conversion. Adapted from the teacher's
// internal/stream/yuv_conv_cgo.go, generalized into the Registry so
// EncodingSelector-adjacent code can discover it has a cheaper conversion
// path available instead of calling it by a fixed name.
package csc

/*
#cgo CFLAGS: -I/usr/include -I/usr/local/include
#cgo LDFLAGS: -lyuv

#include <stdint.h>
#include <libyuv.h>
*/
import "C"

import (
	"os"
	"strings"

	"github.com/xpra-go/dampipe/internal/frame"
)

func (r *Registry) register() {
	r.add(Spec{Name: "bgra32->i420 (libyuv)", Input: frame.FormatBGRA32, Output: frame.FormatI420, Quality: 90, Speed: 90, SetupCost: 4, Accelerated: true})
	r.add(Spec{Name: "uyvy422->i420 (libyuv)", Input: frame.FormatUYVY422, Output: frame.FormatI420, Quality: 90, Speed: 92, SetupCost: 3, Accelerated: true})
}

func ColorConversionImpl() string { return "libyuv(" + bgraOrder + ")" }

var bgraOrder = func() string {
	v := strings.ToUpper(strings.TrimSpace(os.Getenv("YUV_BGRA_ORDER")))
	switch v {
	case "RGBA", "ARGB", "ABGR", "BGRA":
		return v
	default:
		return "ARGB"
	}
}()

var swapUV = func() bool {
	v := strings.TrimSpace(os.Getenv("YUV_SWAP_UV"))
	return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
}()

func getYUVScaleFilter() string {
	v := strings.ToUpper(strings.TrimSpace(os.Getenv("YUV_SCALE_FILTER")))
	switch v {
	case "NONE", "LINEAR", "BILINEAR", "BOX":
		return v
	default:
		return "BOX"
	}
}

// BGRAToI420 converts BGRA to I420 using libyuv, honoring YUV_BGRA_ORDER
// and YUV_SWAP_UV the same way the teacher's wrapper did.
func BGRAToI420(bgra []byte, w, h int, y, u, v []byte) {
	if w <= 0 || h <= 0 {
		return
	}
	if len(bgra) < w*h*4 || len(y) < w*h || len(u) < (w/2)*(h/2) || len(v) < (w/2)*(h/2) {
		return
	}
	uptr, vptr := (*C.uint8_t)(&u[0]), (*C.uint8_t)(&v[0])
	if swapUV {
		uptr, vptr = vptr, uptr
	}
	src := (*C.uint8_t)(&bgra[0])
	yptr := (*C.uint8_t)(&y[0])
	switch bgraOrder {
	case "RGBA":
		C.RGBAToI420(src, C.int(w*4), yptr, C.int(w), uptr, C.int(w/2), vptr, C.int(w/2), C.int(w), C.int(h))
	case "ARGB":
		C.ARGBToI420(src, C.int(w*4), yptr, C.int(w), uptr, C.int(w/2), vptr, C.int(w/2), C.int(w), C.int(h))
	case "ABGR":
		C.ABGRToI420(src, C.int(w*4), yptr, C.int(w), uptr, C.int(w/2), vptr, C.int(w/2), C.int(w), C.int(h))
	default:
		C.BGRAToI420(src, C.int(w*4), yptr, C.int(w), uptr, C.int(w/2), vptr, C.int(w/2), C.int(w), C.int(h))
	}
}

// UYVYToI420 converts UYVY 4:2:2 to I420 using libyuv.
func UYVYToI420(src []byte, w, h int, yPlane, uPlane, vPlane []byte) {
	if w <= 0 || h <= 0 {
		return
	}
	if len(src) < w*h*2 || len(yPlane) < w*h || len(uPlane) < (w/2)*(h/2) || len(vPlane) < (w/2)*(h/2) {
		return
	}
	C.UYVYToI420(
		(*C.uint8_t)(&src[0]), C.int(w*2),
		(*C.uint8_t)(&yPlane[0]), C.int(w),
		(*C.uint8_t)(&uPlane[0]), C.int(w/2),
		(*C.uint8_t)(&vPlane[0]), C.int(w/2),
		C.int(w), C.int(h),
	)
}

// I420Scale scales I420 planes from (sw,sh) to (dw,dh) using libyuv's
// chosen filter (env YUV_SCALE_FILTER, default BOX).
func I420Scale(ySrc, uSrc, vSrc []byte, sw, sh int, yDst, uDst, vDst []byte, dw, dh int) {
	if sw <= 0 || sh <= 0 || dw <= 0 || dh <= 0 {
		return
	}
	var fm uint32
	switch getYUVScaleFilter() {
	case "NONE":
		fm = uint32(C.kFilterNone)
	case "LINEAR":
		fm = uint32(C.kFilterLinear)
	case "BILINEAR":
		fm = uint32(C.kFilterBilinear)
	default:
		fm = uint32(C.kFilterBox)
	}
	C.I420Scale(
		(*C.uint8_t)(&ySrc[0]), C.int(sw),
		(*C.uint8_t)(&uSrc[0]), C.int(sw/2),
		(*C.uint8_t)(&vSrc[0]), C.int(sw/2),
		C.int(sw), C.int(sh),
		(*C.uint8_t)(&yDst[0]), C.int(dw),
		(*C.uint8_t)(&uDst[0]), C.int(dw/2),
		(*C.uint8_t)(&vDst[0]), C.int(dw/2),
		C.int(dw), C.int(dh),
		fm,
	)
}

// I420ToBGRA converts I420 planes back to packed BGRA-ordered pixels using
// libyuv.
func I420ToBGRA(y, u, v []byte, w, h int, out []byte) {
	if w <= 0 || h <= 0 {
		return
	}
	if len(y) < w*h || len(u) < (w/2)*(h/2) || len(v) < (w/2)*(h/2) || len(out) < w*h*4 {
		return
	}
	yptr, uptr, vptr := (*C.uint8_t)(&y[0]), (*C.uint8_t)(&u[0]), (*C.uint8_t)(&v[0])
	if swapUV {
		uptr, vptr = vptr, uptr
	}
	dst := (*C.uint8_t)(&out[0])
	switch bgraOrder {
	case "RGBA":
		C.I420ToRGBA(yptr, C.int(w), uptr, C.int(w/2), vptr, C.int(w/2), dst, C.int(w*4), C.int(w), C.int(h))
	case "ARGB":
		C.I420ToARGB(yptr, C.int(w), uptr, C.int(w/2), vptr, C.int(w/2), dst, C.int(w*4), C.int(w), C.int(h))
	case "ABGR":
		C.I420ToABGR(yptr, C.int(w), uptr, C.int(w/2), vptr, C.int(w/2), dst, C.int(w*4), C.int(w), C.int(h))
	default:
		C.I420ToBGRA(yptr, C.int(w), uptr, C.int(w/2), vptr, C.int(w/2), dst, C.int(w*4), C.int(w), C.int(h))
	}
}
