//go:build cgo && x264

// H.264 video encoder via libx264, following the same cgo-wrapping
// approach as the teacher's vpx.go/aom.go but against x264's picture/nal
// API instead of libvpx's packet iterator, since §4.7's selector table
// names x264 explicitly as a streaming video option.
package codec

/*
#cgo LDFLAGS: -lx264

#include <stdlib.h>
#include <string.h>
#include <x264.h>
*/
import "C"

import (
	"errors"
	"unsafe"

	"github.com/xpra-go/dampipe/internal/frame"
)

func init() {
	registerVideo(Spec{
		Name:      "h264",
		Kind:      KindVideo,
		Formats:   []frame.PixelFormat{frame.FormatI420},
		Quality:   90,
		Speed:     65,
		SetupCost: 55,
	})
	registerVideoFactory("h264", func(cfg VideoConfig) (VideoEncoder, error) {
		return NewX264Encoder(cfg)
	})
}

// X264Encoder wraps libx264 tuned for low-latency realtime streaming
// (preset veryfast, tune zerolatency), matching the ffmpeg invocation the
// teacher used in internal/stream/pipeline.go but calling libx264 directly
// instead of shelling out to ffmpeg.
type X264Encoder struct {
	enc  *C.x264_t
	pic  C.x264_picture_t
	w, h int
	pts  int64
	open bool
}

func NewX264Encoder(cfg VideoConfig) (*X264Encoder, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FPS <= 0 {
		return nil, errors.New("codec: invalid x264 config")
	}
	var param C.x264_param_t
	preset := C.CString("veryfast")
	tune := C.CString("zerolatency")
	defer C.free(unsafe.Pointer(preset))
	defer C.free(unsafe.Pointer(tune))
	if C.x264_param_default_preset(&param, preset, tune) != 0 {
		return nil, errors.New("codec: x264_param_default_preset failed")
	}
	param.i_width = C.int(cfg.Width)
	param.i_height = C.int(cfg.Height)
	param.i_fps_num = C.uint32_t(cfg.FPS)
	param.i_fps_den = 1
	param.b_repeat_headers = 1
	param.b_annexb = 1
	if cfg.BitrateKbps > 0 {
		param.rc.i_bitrate = C.int(cfg.BitrateKbps)
		param.rc.i_rc_method = C.X264_RC_ABR
	}
	C.x264_param_apply_profile(&param, C.CString("baseline"))

	enc := C.x264_encoder_open(&param)
	if enc == nil {
		return nil, errors.New("codec: x264_encoder_open failed")
	}
	e := &X264Encoder{enc: enc, w: cfg.Width, h: cfg.Height}
	C.x264_picture_init(&e.pic)
	if C.x264_picture_alloc(&e.pic, C.X264_CSP_I420, C.int(cfg.Width), C.int(cfg.Height)) < 0 {
		C.x264_encoder_close(enc)
		return nil, errors.New("codec: x264_picture_alloc failed")
	}
	e.open = true
	return e, nil
}

func (e *X264Encoder) EncodeI420(y, u, v []byte) (out [][]byte, keyframe bool, err error) {
	if !e.open {
		return nil, false, errors.New("codec: x264 encoder closed")
	}
	if len(y) < e.w*e.h || len(u) < (e.w/2)*(e.h/2) || len(v) < (e.w/2)*(e.h/2) {
		return nil, false, errors.New("codec: bad i420 plane sizes")
	}
	copyPlane(unsafe.Pointer(e.pic.img.plane[0]), int(e.pic.img.i_stride[0]), y, e.w, e.h)
	copyPlane(unsafe.Pointer(e.pic.img.plane[1]), int(e.pic.img.i_stride[1]), u, e.w/2, e.h/2)
	copyPlane(unsafe.Pointer(e.pic.img.plane[2]), int(e.pic.img.i_stride[2]), v, e.w/2, e.h/2)
	e.pic.i_pts = C.int64_t(e.pts)
	e.pts++

	var nals *C.x264_nal_t
	var nalCount C.int
	var picOut C.x264_picture_t
	size := C.x264_encoder_encode(e.enc, &nals, &nalCount, &e.pic, &picOut)
	if size < 0 {
		return nil, false, errors.New("codec: x264_encoder_encode failed")
	}
	if size == 0 {
		return nil, false, nil
	}
	buf := C.GoBytes(unsafe.Pointer(nals.p_payload), size)
	out = append(out, buf)
	keyframe = picOut.b_keyframe != 0
	return out, keyframe, nil
}

func copyPlane(dst unsafe.Pointer, stride int, src []byte, w, h int) {
	for row := 0; row < h; row++ {
		rowDst := unsafe.Add(dst, row*stride)
		rowSrc := src[row*w : row*w+w]
		C.memcpy(rowDst, unsafe.Pointer(&rowSrc[0]), C.size_t(w))
	}
}

func (e *X264Encoder) Close() {
	if e.open {
		C.x264_picture_clean(&e.pic)
		C.x264_encoder_close(e.enc)
		e.open = false
	}
}
