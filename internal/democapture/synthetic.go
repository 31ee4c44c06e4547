// Package democapture is a synthetic wire.FramebufferSource used by
// cmd/damagesrv when no real capture backend is wired in: it renders a
// moving gradient into a fixed-size window and reports the whole window
// damaged every tick. Adapted from the teacher's internal/stream.synthetic
// fallback source, generalized from a ticker-driven stream.Source
// (Next() ([]byte, bool)) into the DamageEvent-subscription shape
// wire.FramebufferSource requires.
package democapture

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/xpra-go/dampipe/internal/frame"
	"github.com/xpra-go/dampipe/internal/wire"
)

// Source is a single synthetic window rendered at a fixed size and frame
// rate. Multiple windows aren't modeled; windowID is accepted everywhere
// wire.FramebufferSource requires it but only one is actually driven.
type Source struct {
	w, h, fps int
	t0        time.Time

	mu   sync.Mutex
	subs map[uint64]chan wire.DamageEvent
}

// New returns a Source rendering at w x h, fps frames per second.
func New(w, h, fps int) *Source {
	return &Source{w: w, h: h, fps: fps, t0: time.Now(), subs: make(map[uint64]chan wire.DamageEvent)}
}

// Subscribe registers windowID for damage notifications; Run delivers one
// full-window DamageEvent per tick to every subscribed window.
func (s *Source) Subscribe(ctx context.Context, windowID uint64) (<-chan wire.DamageEvent, error) {
	ch := make(chan wire.DamageEvent, 4)
	s.mu.Lock()
	s.subs[windowID] = ch
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, windowID)
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// AcknowledgeChanges is a no-op for a synthetic source that never blocks
// waiting for a prior read to finish.
func (s *Source) AcknowledgeChanges(windowID uint64) {}

// WindowTraits reports a plain, non-alpha, non-tray window of the
// configured size.
func (s *Source) WindowTraits(windowID uint64) (wire.WindowTraits, bool) {
	s.mu.Lock()
	_, ok := s.subs[windowID]
	s.mu.Unlock()
	if !ok {
		return wire.WindowTraits{}, false
	}
	return wire.WindowTraits{IsManaged: true, Width: s.w, Height: s.h}, true
}

// GetRGBRawData renders the requested rectangle of the moving gradient
// pattern into a fresh BGRA buffer.
func (s *Source) GetRGBRawData(windowID uint64, rect image.Rectangle) (frame.Image, error) {
	w, h := rect.Dx(), rect.Dy()
	buf := make([]byte, w*h*4)
	now := time.Since(s.t0).Seconds()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx, gy := rect.Min.X+x, rect.Min.Y+y
			off := (y*w + x) * 4
			r := byte((gx + int(now*120)) % 256)
			g := byte((gy + int(now*80)) % 256)
			b := byte((gx + gy + int(now*100)) % 256)
			buf[off+0] = b
			buf[off+1] = g
			buf[off+2] = r
			buf[off+3] = 255
		}
	}
	return syntheticImage{rect: image.Rect(0, 0, w, h), px: buf}, nil
}

// Run ticks at fps, pushing a full-window DamageEvent to every subscribed
// window until ctx is cancelled.
func (s *Source) Run(ctx context.Context) {
	interval := time.Second / time.Duration(max(s.fps, 1))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			for _, ch := range s.subs {
				select {
				case ch <- wire.DamageEvent{Rect: image.Rect(0, 0, s.w, s.h)}:
				default:
				}
			}
			s.mu.Unlock()
		}
	}
}

type syntheticImage struct {
	rect image.Rectangle
	px   []byte
}

func (i syntheticImage) Bounds() image.Rectangle   { return i.rect }
func (i syntheticImage) Format() frame.PixelFormat { return frame.FormatBGRA32 }
func (i syntheticImage) Stride() int               { return i.rect.Dx() * 4 }
func (i syntheticImage) Pixels() []byte            { return i.px }
