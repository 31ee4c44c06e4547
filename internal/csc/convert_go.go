//go:build !yuv

// Pure-Go colour-space conversion, used when the build doesn't carry the
// cgo+libyuv tag. Adapted from the teacher's internal/stream/bgra_i420.go,
// uyvy_i420.go, and i420_scale_go.go.
package csc

import "github.com/xpra-go/dampipe/internal/frame"

func (r *Registry) register() {
	r.add(Spec{Name: "bgra32->i420 (go)", Input: frame.FormatBGRA32, Output: frame.FormatI420, Quality: 80, Speed: 50, SetupCost: 20})
	r.add(Spec{Name: "uyvy422->i420 (go)", Input: frame.FormatUYVY422, Output: frame.FormatI420, Quality: 80, Speed: 55, SetupCost: 15})
}

// ColorConversionImpl reports the active backend, mirroring the teacher's
// diagnostic of the same name.
func ColorConversionImpl() string { return "pure-go" }

// BGRAToI420 converts a packed BGRA frame (w*h*4 bytes) into planar I420.
// Integer approximation of BT.601 full-range, with 2x2 chroma averaging.
func BGRAToI420(bgra []byte, w, h int, y, u, v []byte) {
	for row := 0; row < h; row++ {
		for x := 0; x < w; x++ {
			off := (row*w + x) * 4
			b := int(bgra[off+0])
			g := int(bgra[off+1])
			r := int(bgra[off+2])
			Y := (66*r + 129*g + 25*b + 128) >> 8
			y[row*w+x] = clamp8(Y + 16)
		}
	}
	for row := 0; row < h; row += 2 {
		for x := 0; x < w; x += 2 {
			var rSum, gSum, bSum int
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					off := ((row+dy)*w + (x + dx)) * 4
					bSum += int(bgra[off+0])
					gSum += int(bgra[off+1])
					rSum += int(bgra[off+2])
				}
			}
			r := rSum >> 2
			g := gSum >> 2
			b := bSum >> 2
			U := ((-38*r - 74*g + 112*b + 128) >> 8) + 128
			V := ((112*r - 94*g - 18*b + 128) >> 8) + 128
			u[(row/2)*(w/2)+(x/2)] = clamp8(U)
			v[(row/2)*(w/2)+(x/2)] = clamp8(V)
		}
	}
}

// UYVYToI420 converts packed UYVY 4:2:2 to planar I420, averaging chroma
// vertically across line pairs. Assumes even width and height.
func UYVYToI420(src []byte, w, h int, yPlane, uPlane, vPlane []byte) {
	halfW := w / 2
	for row := 0; row < h; row++ {
		srcOff := row * w * 2
		yi := row * w
		for x := 0; x < w; x += 2 {
			i := srcOff + x*2
			y0 := src[i+1]
			y1 := src[i+3]
			yPlane[yi+x+0] = y0
			yPlane[yi+x+1] = y1
		}
		if row&1 == 0 && row+1 < h {
			nextSrcOff := srcOff + w*2
			for cx := 0; cx < halfW; cx++ {
				i0 := srcOff + cx*4
				i1 := nextSrcOff + cx*4
				u0, v0 := int(src[i0+0]), int(src[i0+2])
				u1, v1 := int(src[i1+0]), int(src[i1+2])
				uPlane[(row/2)*halfW+cx] = byte((u0 + u1) >> 1)
				vPlane[(row/2)*halfW+cx] = byte((v0 + v1) >> 1)
			}
		}
	}
}

// I420Scale resizes I420 planes from (sw,sh) to (dw,dh) using nearest
// neighbor sampling; the cheap fallback used without libyuv.
func I420Scale(ySrc, uSrc, vSrc []byte, sw, sh int, yDst, uDst, vDst []byte, dw, dh int) {
	if sw <= 0 || sh <= 0 || dw <= 0 || dh <= 0 {
		return
	}
	for y := 0; y < dh; y++ {
		sy := y * sh / dh
		for x := 0; x < dw; x++ {
			sx := x * sw / dw
			yDst[y*dw+x] = ySrc[sy*sw+sx]
		}
	}
	sw2, sh2, dw2, dh2 := sw/2, sh/2, dw/2, dh/2
	for y := 0; y < dh2; y++ {
		sy := y * sh2 / dh2
		for x := 0; x < dw2; x++ {
			sx := x * sw2 / dw2
			uDst[y*dw2+x] = uSrc[sy*sw2+sx]
			vDst[y*dw2+x] = vSrc[sy*sw2+sx]
		}
	}
}

// I420ToBGRA is the reverse of BGRAToI420, used by the mmap fast-path's
// readback diagnostics and by still encoders that accept only packed RGB.
func I420ToBGRA(y, u, v []byte, w, h int, out []byte) {
	for row := 0; row < h; row++ {
		for x := 0; x < w; x++ {
			Y := int(y[row*w+x])
			U := int(u[(row/2)*(w/2)+(x/2)]) - 128
			V := int(v[(row/2)*(w/2)+(x/2)]) - 128
			r := Y + (91881*V)>>16
			g := Y - (22554*U+46802*V)>>16
			b := Y + (116130*U)>>16
			off := (row*w + x) * 4
			out[off+0] = clamp8(b)
			out[off+1] = clamp8(g)
			out[off+2] = clamp8(r)
			out[off+3] = 255
		}
	}
}
