// Package pipeline implements VideoPipeline: the CSC?+VideoEncoder
// assembly spec.md's §4.6 describes, reinitializing either stage when the
// window's size or the selector's chosen codec changes. It generalizes the
// teacher's per-codec pipeline_vpx.go/pipeline_aom.go "start/loop/Stop"
// shape (one struct per codec, each with its own ticker-driven loop) into a
// single type parameterized by a codec.Spec, since the damage pipeline
// pushes frames on damage rather than polling a fixed-fps Source.
package pipeline

import (
	"errors"
	"sync"

	"github.com/xpra-go/dampipe/internal/codec"
	"github.com/xpra-go/dampipe/internal/csc"
	"github.com/xpra-go/dampipe/internal/frame"
)

// Video is a running CSC+encoder assembly for one window. Encode, Reset,
// Close and Dims each hold the Video's own mutex, so concurrent calls are
// serialized.
type Video struct {
	mu sync.Mutex

	cscReg *csc.Registry
	spec   codec.Spec
	cfg    codec.VideoConfig

	enc codec.VideoEncoder

	w, h   int
	format frame.PixelFormat

	y, u, v []byte
	tight   []byte
}

// New builds a Video pipeline for the given codec.Spec; the encoder itself
// is created lazily on the first Encode call once the input's actual
// dimensions are known.
func New(spec codec.Spec, cfg codec.VideoConfig, cscReg *csc.Registry) *Video {
	return &Video{spec: spec, cfg: cfg, cscReg: cscReg}
}

// Spec reports which codec.Spec this pipeline was built for.
func (p *Video) Spec() codec.Spec { return p.spec }

// Dims reports the encoder's current frame size, zero before the first
// Encode call. Used for the edge-resistance term when rescoring candidates.
func (p *Video) Dims() (w, h int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w, p.h
}

// Encode converts img to I420 if needed and feeds it to the underlying
// video encoder, reinitializing the encoder if img's dimensions changed
// since the last call.
func (p *Video) Encode(img frame.Image) (packets [][]byte, keyframe bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, false, errors.New("pipeline: empty image bounds")
	}
	// Native I420 4:2:0 subsampling requires even dimensions.
	w -= w % 2
	h -= h % 2

	if p.enc == nil || w != p.w || h != p.h {
		if p.enc != nil {
			p.enc.Close()
			p.enc = nil
		}
		cfg := p.cfg
		cfg.Width, cfg.Height = w, h
		enc, err := codec.NewVideoEncoder(p.spec.Name, cfg)
		if err != nil {
			return nil, false, err
		}
		p.enc = enc
		p.w, p.h = w, h
		p.y = make([]byte, w*h)
		p.u = make([]byte, (w/2)*(h/2))
		p.v = make([]byte, (w/2)*(h/2))
	}

	if err := p.convertToI420(img); err != nil {
		return nil, false, err
	}
	return p.enc.EncodeI420(p.y, p.u, p.v)
}

func (p *Video) convertToI420(img frame.Image) error {
	if img.Format() == frame.FormatI420 {
		px := img.Pixels()
		ySize := p.w * p.h
		cSize := (p.w / 2) * (p.h / 2)
		if len(px) < ySize+2*cSize {
			return errors.New("pipeline: short i420 buffer")
		}
		copy(p.y, px[:ySize])
		copy(p.u, px[ySize:ySize+cSize])
		copy(p.v, px[ySize+cSize:ySize+2*cSize])
		return nil
	}
	switch img.Format() {
	case frame.FormatBGRA32:
		csc.BGRAToI420(p.tightBGRA(img), p.w, p.h, p.y, p.u, p.v)
	case frame.FormatUYVY422:
		csc.UYVYToI420(img.Pixels(), p.w, p.h, p.y, p.u, p.v)
	default:
		return errors.New("pipeline: unsupported source pixel format for video encoding")
	}
	return nil
}

// tightBGRA repacks the image into a stride-free w*h*4 buffer when the
// source rows are padded or the encode dimensions were evened down below
// the image width; the converters assume a tight layout.
func (p *Video) tightBGRA(img frame.Image) []byte {
	px := img.Pixels()
	srcW := img.Bounds().Dx()
	stride := img.Stride()
	if srcW == p.w && stride == p.w*4 {
		return px
	}
	if p.tight == nil || len(p.tight) != p.w*p.h*4 {
		p.tight = make([]byte, p.w*p.h*4)
	}
	for y := 0; y < p.h; y++ {
		copy(p.tight[y*p.w*4:(y+1)*p.w*4], px[y*stride:y*stride+p.w*4])
	}
	return p.tight
}

// Reset tears down the running encoder so the next Encode call rebuilds it,
// used when the selector switches this window to a different codec.Spec
// entirely (not just a size change).
func (p *Video) Reset(spec codec.Spec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enc != nil {
		p.enc.Close()
		p.enc = nil
	}
	p.spec = spec
}

// Close releases the underlying native encoder, if any.
func (p *Video) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enc != nil {
		p.enc.Close()
		p.enc = nil
	}
}
