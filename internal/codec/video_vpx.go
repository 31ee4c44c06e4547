//go:build cgo && vpx

// VP8/VP9 video encoder, adapted from the teacher's internal/stream/vpx.go
// cgo wrapper: same struct shape and manual stride-aware C.memcpy plane
// copy, generalized behind the VideoEncoder interface and registered with
// an EncoderSpec instead of being a bare constructor.
package codec

/*
#cgo CFLAGS: -I/usr/include -I/usr/local/include
#cgo LDFLAGS: -lvpx

#include <stdlib.h>
#include <string.h>
#include <vpx/vpx_encoder.h>
#include <vpx/vp8cx.h>

static vpx_codec_iface_t* vpx_iface() { return vpx_codec_vp8_cx(); }
*/
import "C"

import (
	"errors"
	"unsafe"

	"github.com/xpra-go/dampipe/internal/frame"
)

func init() {
	registerVideo(Spec{
		Name:      "vp8",
		Kind:      KindVideo,
		Formats:   []frame.PixelFormat{frame.FormatI420},
		Quality:   75,
		Speed:     80,
		SetupCost: 40,
	})
	registerVideoFactory("vp8", func(cfg VideoConfig) (VideoEncoder, error) {
		return NewVP8Encoder(cfg)
	})
}

// VP8Encoder wraps libvpx's VP8 encoder.
type VP8Encoder struct {
	ctx  C.vpx_codec_ctx_t
	cfg  C.vpx_codec_enc_cfg_t
	img  *C.vpx_image_t
	w, h int
	pts  C.vpx_codec_pts_t
	open bool
}

// NewVP8Encoder creates a realtime one-pass CBR VP8 encoder.
func NewVP8Encoder(cfg VideoConfig) (*VP8Encoder, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FPS <= 0 {
		return nil, errors.New("codec: invalid vp8 config")
	}
	e := &VP8Encoder{w: cfg.Width, h: cfg.Height}
	if C.vpx_codec_enc_config_default(C.vpx_iface(), &e.cfg, 0) != C.VPX_CODEC_OK {
		return nil, errors.New("codec: vpx_codec_enc_config_default failed")
	}
	e.cfg.g_w = C.uint(cfg.Width)
	e.cfg.g_h = C.uint(cfg.Height)
	e.cfg.g_timebase.num = 1
	e.cfg.g_timebase.den = C.int(cfg.FPS)
	if cfg.BitrateKbps > 0 {
		e.cfg.rc_target_bitrate = C.uint(cfg.BitrateKbps)
	}
	e.cfg.g_pass = C.VPX_RC_ONE_PASS
	e.cfg.g_threads = 4
	e.cfg.rc_end_usage = C.VPX_CBR
	e.cfg.kf_mode = C.VPX_KF_AUTO

	if C.vpx_codec_enc_init_ver(&e.ctx, C.vpx_iface(), &e.cfg, 0, C.VPX_ENCODER_ABI_VERSION) != C.VPX_CODEC_OK {
		return nil, errors.New("codec: vpx_codec_enc_init_ver failed")
	}
	e.img = C.vpx_img_alloc(nil, C.VPX_IMG_FMT_I420, C.uint(e.w), C.uint(e.h), 1)
	if e.img == nil {
		e.Close()
		return nil, errors.New("codec: vpx_img_alloc failed")
	}
	e.open = true
	return e, nil
}

func (e *VP8Encoder) EncodeI420(y, u, v []byte) (out [][]byte, keyframe bool, err error) {
	if !e.open {
		return nil, false, errors.New("codec: vp8 encoder closed")
	}
	if len(y) < e.w*e.h || len(u) < (e.w/2)*(e.h/2) || len(v) < (e.w/2)*(e.h/2) {
		return nil, false, errors.New("codec: bad i420 plane sizes")
	}
	yw := int(e.img.stride[0])
	uh := e.h / 2
	uw := int(e.img.stride[1])
	vw := int(e.img.stride[2])

	pY := unsafe.Pointer(e.img.planes[0])
	for row := 0; row < e.h; row++ {
		dst := unsafe.Add(pY, row*yw)
		src := y[row*e.w : row*e.w+e.w]
		C.memcpy(dst, unsafe.Pointer(&src[0]), C.size_t(e.w))
	}
	pU := unsafe.Pointer(e.img.planes[1])
	for row := 0; row < uh; row++ {
		dst := unsafe.Add(pU, row*uw)
		src := u[row*(e.w/2) : row*(e.w/2)+(e.w/2)]
		C.memcpy(dst, unsafe.Pointer(&src[0]), C.size_t(e.w/2))
	}
	pV := unsafe.Pointer(e.img.planes[2])
	for row := 0; row < uh; row++ {
		dst := unsafe.Add(pV, row*vw)
		src := v[row*(e.w/2) : row*(e.w/2)+(e.w/2)]
		C.memcpy(dst, unsafe.Pointer(&src[0]), C.size_t(e.w/2))
	}

	if C.vpx_codec_encode(&e.ctx, e.img, e.pts, 1, 0, C.VPX_DL_REALTIME) != C.VPX_CODEC_OK {
		return nil, false, errors.New("codec: vpx_codec_encode failed")
	}
	e.pts++

	var iter C.vpx_codec_iter_t
	for {
		pkt := C.vpx_codec_get_cx_data(&e.ctx, &iter)
		if pkt == nil {
			break
		}
		if pkt.kind != C.VPX_CODEC_CX_FRAME_PKT {
			continue
		}
		f := (*C.vpx_codec_cx_pkt_t)(pkt)
		frame := (*C.uchar)(f.data.frame.buf)
		size := int(f.data.frame.sz)
		out = append(out, C.GoBytes(unsafe.Pointer(frame), C.int(size)))
		keyframe = keyframe || (f.data.frame.flags&C.VPX_FRAME_IS_KEY) != 0
	}
	return out, keyframe, nil
}

func (e *VP8Encoder) Close() {
	if e.img != nil {
		C.vpx_img_free(e.img)
		e.img = nil
	}
	if e.open {
		C.vpx_codec_destroy(&e.ctx)
		e.open = false
	}
}
