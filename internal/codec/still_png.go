package codec

import (
	"bytes"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/png"

	"github.com/xpra-go/dampipe/internal/frame"
)

func init() {
	registerStill(Spec{
		Name:      "png",
		Kind:      KindStill,
		Formats:   []frame.PixelFormat{frame.FormatBGRA32},
		Quality:   100,
		Speed:     20,
		SetupCost: 2,
	})
	registerStill(Spec{
		Name:      "png/L",
		Kind:      KindStill,
		Formats:   []frame.PixelFormat{frame.FormatBGRA32},
		Quality:   50,
		Speed:     30,
		SetupCost: 2,
	})
	registerStill(Spec{
		Name:      "png/P",
		Kind:      KindStill,
		Formats:   []frame.PixelFormat{frame.FormatBGRA32},
		Quality:   60,
		Speed:     30,
		SetupCost: 2,
	})
}

// PNGEncoder lossless-encodes a BGRA region via stdlib image/png. No
// third-party PNG encoder appears anywhere in the retrieval pack, so this
// is one of the few stdlib-only encoders (see DESIGN.md). The optimization
// pass (maximum deflate effort) only pays off when the speed target sits
// near its floor.
type PNGEncoder struct {
	optimize bool
}

func NewPNGEncoder() *PNGEncoder { return &PNGEncoder{} }

// NewPNGEncoderForSpeed enables the optimization pass when the speed
// target is near minimum, trading CPU for payload size.
func NewPNGEncoderForSpeed(speed int) *PNGEncoder {
	return &PNGEncoder{optimize: speed <= 10}
}

func (e *PNGEncoder) Encode(img frame.Image) ([]byte, error) {
	return e.encode(toRGBA(img))
}

func (e *PNGEncoder) encode(m image.Image) ([]byte, error) {
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if e.optimize {
		enc.CompressionLevel = png.BestCompression
	}
	var buf bytes.Buffer
	if err := enc.Encode(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PNGLEncoder is the png/L variant: the region is reduced to 8-bit
// grayscale before encoding, trading colour for a much smaller payload.
type PNGLEncoder struct{}

func NewPNGLEncoder() *PNGLEncoder { return &PNGLEncoder{} }

func (e *PNGLEncoder) Encode(img frame.Image) ([]byte, error) {
	b := img.Bounds()
	px := img.Pixels()
	stride := img.Stride()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := px[y*stride : y*stride+b.Dx()*4]
		for x := 0; x < b.Dx(); x++ {
			off := x * 4
			// BT.601 luma from BGRA.
			lum := (299*int(row[off+2]) + 587*int(row[off+1]) + 114*int(row[off+0])) / 1000
			out.SetGray(x, y, color.Gray{Y: uint8(lum)})
		}
	}
	return encodePNG(out)
}

// PNGPEncoder is the png/P variant: the region is quantized to the
// web-safe palette before encoding.
type PNGPEncoder struct{}

func NewPNGPEncoder() *PNGPEncoder { return &PNGPEncoder{} }

func (e *PNGPEncoder) Encode(img frame.Image) ([]byte, error) {
	rgba := toRGBA(img)
	b := rgba.Bounds()
	out := image.NewPaletted(b, palette.WebSafe)
	draw.FloydSteinberg.Draw(out, b, rgba, image.Point{})
	return encodePNG(out)
}

func toRGBA(img frame.Image) *image.RGBA {
	b := img.Bounds()
	px := img.Pixels()
	stride := img.Stride()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := px[y*stride : y*stride+b.Dx()*4]
		for x := 0; x < b.Dx(); x++ {
			off := x * 4
			out.Set(x, y, color.RGBA{R: row[off+2], G: row[off+1], B: row[off+0], A: row[off+3]})
		}
	}
	return out
}

func encodePNG(m image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
