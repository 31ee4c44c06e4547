package codec

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/xpra-go/dampipe/internal/frame"
)

func init() {
	registerStill(Spec{
		Name:      "jpeg",
		Kind:      KindStill,
		Formats:   []frame.PixelFormat{frame.FormatBGRA32},
		Quality:   70,
		Speed:     70,
		SetupCost: 2,
	})
}

// JPEGEncoder lossy-encodes a BGRA region. Quality is controlled per call
// since the Controller retunes it continuously.
type JPEGEncoder struct{}

func NewJPEGEncoder() *JPEGEncoder { return &JPEGEncoder{} }

func (e *JPEGEncoder) Encode(img frame.Image, quality int) ([]byte, error) {
	if quality < 1 {
		quality = 1
	}
	if quality > 99 {
		quality = 99
	}
	b := img.Bounds()
	px := img.Pixels()
	stride := img.Stride()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := px[y*stride : y*stride+b.Dx()*4]
		for x := 0; x < b.Dx(); x++ {
			off := x * 4
			out.Set(x, y, color.RGBA{R: row[off+2], G: row[off+1], B: row[off+0], A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
