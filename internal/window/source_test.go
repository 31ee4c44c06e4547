package window

import (
	"image"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/xpra-go/dampipe/internal/batch"
	"github.com/xpra-go/dampipe/internal/codec"
	"github.com/xpra-go/dampipe/internal/csc"
	"github.com/xpra-go/dampipe/internal/frame"
	"github.com/xpra-go/dampipe/internal/mmapregion"
	"github.com/xpra-go/dampipe/internal/stats"
	"github.com/xpra-go/dampipe/internal/wire"
)

type fakeImage struct {
	w, h int
	fmt  frame.PixelFormat
	px   []byte
}

func (f fakeImage) Bounds() image.Rectangle   { return image.Rect(0, 0, f.w, f.h) }
func (f fakeImage) Format() frame.PixelFormat { return f.fmt }
func (f fakeImage) Stride() int               { return f.w * 4 }
func (f fakeImage) Pixels() []byte            { return f.px }

func bgraImage(w, h int) fakeImage {
	px := make([]byte, w*h*4)
	for i := range px {
		px[i] = byte(i % 251)
	}
	return fakeImage{w: w, h: h, fmt: frame.FormatBGRA32, px: px}
}

type fakeSink struct {
	mu      sync.Mutex
	sent    []sentPacket
	backlog int
	done    chan struct{}
}

type sentPacket struct {
	pkt     wire.Packet
	pixels  int
	isVideo bool
}

func newFakeSink() *fakeSink { return &fakeSink{done: make(chan struct{}, 64)} }

func (f *fakeSink) SendPacket(pkt wire.Packet, pixels int, isVideo bool) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentPacket{pkt: pkt, pixels: pixels, isVideo: isVideo})
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeSink) Backlog(uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backlog
}

func (f *fakeSink) setBacklog(n int) {
	f.mu.Lock()
	f.backlog = n
	f.mu.Unlock()
}

func (f *fakeSink) QueueDamage(fn func()) { fn() }

func (f *fakeSink) waitOne(t *testing.T) sentPacket {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sent packet")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeSink) packets() []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentPacket, len(f.sent))
	copy(out, f.sent)
	return out
}

type sourceOpts struct {
	startDelayMs int
	minDelayMs   int
	traits       Traits
	caps         wire.Capabilities
	mmap         *mmapregion.Ring
	refresh      RefreshSettings
}

func newTestSource(sink AckSink, o sourceOpts) *Source {
	if o.minDelayMs == 0 {
		o.minDelayMs = 5
	}
	if o.startDelayMs == 0 {
		o.startDelayMs = o.minDelayMs
	}
	if o.traits.FixedQuality == 0 {
		o.traits.FixedQuality = -1
	}
	if o.traits.FixedSpeed == 0 {
		o.traits.FixedSpeed = -1
	}
	b := batch.New(batch.Options{
		MaxEvents:    50,
		MinDelayMs:   o.minDelayMs,
		StartDelayMs: o.startDelayMs,
		MaxDelayMs:   500,
		Recalculate:  10 * time.Millisecond,
		RingCapacity: 64,
	})
	return New(Config{
		ID:                         7,
		Log:                        zerolog.Nop(),
		Traits:                     o.traits,
		Caps:                       o.caps,
		Sink:                       sink,
		CscReg:                     csc.NewRegistry(),
		Codecs:                     codec.NewRegistry(),
		StatsRing:                  stats.NewRing(64),
		Batch:                      b,
		Mmap:                       o.mmap,
		Refresh:                    o.refresh,
		NonVideoMaxPixels:          2048,
		NonVideoMaxPixelsOrInitial: 65536,
	})
}

func TestImmediateDispatchAtMinDelayWithNoBacklog(t *testing.T) {
	sink := newFakeSink()
	s := newTestSource(sink, sourceOpts{traits: Traits{Encoding: "rgb32"}})
	defer s.Close()

	s.Damage(image.Rect(100, 100, 102, 102), bgraImage(800, 600))
	pkt := sink.waitOne(t)
	// Dispatched straight from ingress: no delayed region survives.
	require.Equal(t, StateIdle, s.State())
	require.Equal(t, "rgb32", pkt.pkt.Encoding)
	require.Equal(t, 2, pkt.pkt.W)
	require.Equal(t, 2, pkt.pkt.H)
	require.False(t, pkt.isVideo)
}

func TestZeroAreaDamageIsDropped(t *testing.T) {
	sink := newFakeSink()
	s := newTestSource(sink, sourceOpts{traits: Traits{Encoding: "rgb32"}})
	defer s.Close()

	s.Damage(image.Rect(10, 10, 10, 20), bgraImage(100, 100))
	select {
	case <-sink.done:
		t.Fatal("zero-width rectangle must not produce a packet")
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, StateIdle, s.State())
}

func TestDelayedFlowBatchesThenFlushes(t *testing.T) {
	sink := newFakeSink()
	s := newTestSource(sink, sourceOpts{startDelayMs: 30, traits: Traits{Encoding: "rgb32"}})
	defer s.Close()

	s.Damage(image.Rect(0, 0, 8, 8), bgraImage(8, 8))
	require.Equal(t, StateDelayed, s.State())
	pkt := sink.waitOne(t)
	require.Greater(t, len(pkt.pkt.Payload), 0)
	require.Equal(t, StateIdle, s.State())
}

func TestCancelDamageDropsPendingRegionsBeforeFlush(t *testing.T) {
	sink := newFakeSink()
	s := newTestSource(sink, sourceOpts{startDelayMs: 40, traits: Traits{Encoding: "rgb32"}})
	defer s.Close()

	s.Damage(image.Rect(0, 0, 4, 4), bgraImage(4, 4))
	s.CancelDamage()
	require.Equal(t, 0, s.acc.Count())

	select {
	case <-sink.done:
		t.Fatal("expected no packet after CancelDamage")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancellationStampGatesSendExceptMmap(t *testing.T) {
	sink := newFakeSink()
	ring, err := mmapregion.NewHeapRing(1 << 16)
	require.NoError(t, err)
	s := newTestSource(sink, sourceOpts{traits: Traits{Encoding: "rgb32"}})
	defer s.Close()
	s.mmap = ring

	// Issue a few sequences, then sweep them.
	s.seq.Next()
	s.seq.Next()
	s.CancelDamage()

	pkt := wire.Packet{WindowID: 7, W: 1, H: 1, Encoding: "rgb32", Payload: []byte{0}}
	require.NoError(t, s.send(pkt, 1, false, 2, false))
	require.Empty(t, sink.packets(), "cancelled sequence must be dropped")

	pkt.Encoding = "mmap"
	require.NoError(t, s.send(pkt, 1, false, 2, true))
	require.Len(t, sink.packets(), 1, "mmap packets bypass the cancellation stamp")
}

func TestSecondDamageDuringDelayAccumulates(t *testing.T) {
	sink := newFakeSink()
	s := newTestSource(sink, sourceOpts{startDelayMs: 30, traits: Traits{Encoding: "rgb32"}})
	defer s.Close()

	s.Damage(image.Rect(0, 0, 4, 4), bgraImage(64, 64))
	require.Equal(t, StateDelayed, s.State())
	s.Damage(image.Rect(40, 40, 48, 48), bgraImage(64, 64))
	require.Equal(t, StateDelayed, s.State())

	// Disjoint rectangles flush as separate packets in one pass.
	require.Eventually(t, func() bool { return len(sink.packets()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, StateIdle, s.State())
}

func TestBacklogParksExpiredRegionUntilAck(t *testing.T) {
	sink := newFakeSink()
	s := newTestSource(sink, sourceOpts{startDelayMs: 20, traits: Traits{Encoding: "rgb32"}})
	defer s.Close()

	sink.setBacklog(1)
	s.Damage(image.Rect(0, 0, 8, 8), bgraImage(8, 8))
	require.Equal(t, StateDelayed, s.State())

	// Expiry fires but the backlog blocks the send.
	require.Eventually(t, func() bool { return s.State() == StateSending }, time.Second, 5*time.Millisecond)
	require.Empty(t, sink.packets())

	sink.setBacklog(0)
	s.NotifyAck()
	sink.waitOne(t)
	require.Equal(t, StateIdle, s.State())
}

func TestMaxDelayForcesSendDespiteBacklog(t *testing.T) {
	sink := newFakeSink()
	s := newTestSource(sink, sourceOpts{startDelayMs: 10, traits: Traits{Encoding: "rgb32"}})
	defer s.Close()
	s.batchCfg.MaxDelayMs = 60

	sink.setBacklog(3)
	s.Damage(image.Rect(0, 0, 8, 8), bgraImage(8, 8))
	// No ack ever arrives; the max-delay safety timer must force the send.
	sink.waitOne(t)
}

func TestFullWindowPromotionOnManyRectangles(t *testing.T) {
	sink := newFakeSink()
	s := newTestSource(sink, sourceOpts{startDelayMs: 40, traits: Traits{Encoding: "rgb32"}})
	defer s.Close()

	img := bgraImage(800, 600)
	// 61 scattered 2x2 rectangles, far enough apart that Coalesce keeps
	// them distinct.
	for i := 0; i < 61; i++ {
		x := (i % 30) * 26
		y := (i / 30) * 26
		s.Damage(image.Rect(x, y, x+2, y+2), img)
	}
	pkt := sink.waitOne(t)
	require.Len(t, sink.packets(), 1, "count over threshold flushes as one full-window update")
	require.Equal(t, 800, pkt.pkt.W)
	require.Equal(t, 600, pkt.pkt.H)
}

func TestDeltaOptionOnSecondIdenticalFrame(t *testing.T) {
	sink := newFakeSink()
	s := newTestSource(sink, sourceOpts{
		traits: Traits{Encoding: "rgb32"},
		caps:   wire.Capabilities{SupportsDelta: []string{"rgb32"}},
	})
	defer s.Close()

	img := bgraImage(8, 8)
	s.Damage(image.Rect(0, 0, 8, 8), img)
	first := sink.waitOne(t)
	require.Equal(t, "rgb32", first.pkt.Encoding)
	require.Zero(t, first.pkt.ClientOptions.Delta)
	require.NotZero(t, first.pkt.ClientOptions.Store)

	s.Damage(image.Rect(0, 0, 8, 8), img)
	second := sink.waitOne(t)
	require.Equal(t, first.pkt.ClientOptions.Store, second.pkt.ClientOptions.Delta)
	require.NotEqual(t, second.pkt.ClientOptions.Delta, second.pkt.ClientOptions.Store)
}

func TestNoDeltaWithoutClientSupport(t *testing.T) {
	sink := newFakeSink()
	s := newTestSource(sink, sourceOpts{traits: Traits{Encoding: "rgb32"}})
	defer s.Close()

	img := bgraImage(8, 8)
	s.Damage(image.Rect(0, 0, 8, 8), img)
	sink.waitOne(t)
	s.Damage(image.Rect(0, 0, 8, 8), img)
	second := sink.waitOne(t)
	require.Zero(t, second.pkt.ClientOptions.Delta)
	require.Zero(t, second.pkt.ClientOptions.Store)
}

func TestDecodeFailureInvalidatesDelta(t *testing.T) {
	sink := newFakeSink()
	s := newTestSource(sink, sourceOpts{
		traits: Traits{Encoding: "rgb32"},
		caps:   wire.Capabilities{SupportsDelta: []string{"rgb32"}},
	})
	defer s.Close()

	img := bgraImage(8, 8)
	s.Damage(image.Rect(0, 0, 8, 8), img)
	sink.waitOne(t)

	s.InvalidateDelta()

	s.Damage(image.Rect(0, 0, 8, 8), img)
	second := sink.waitOne(t)
	require.Zero(t, second.pkt.ClientOptions.Delta, "no delta after the cache was invalidated")
}

func TestMmapPathCarriesChunkDescriptors(t *testing.T) {
	sink := newFakeSink()
	ring, err := mmapregion.NewHeapRing(1 << 16)
	require.NoError(t, err)
	s := newTestSource(sink, sourceOpts{
		traits: Traits{Encoding: "rgb32"},
		caps:   wire.Capabilities{Mmap: true, RGBFormats: []string{"bgra32"}},
		mmap:   ring,
	})
	defer s.Close()

	free := ring.FreeBytes()
	s.Damage(image.Rect(0, 0, 8, 8), bgraImage(8, 8))
	pkt := sink.waitOne(t)
	require.Equal(t, "mmap", pkt.pkt.Encoding)
	chunks := mmapregion.DecodeChunks(pkt.pkt.Payload)
	require.NotEmpty(t, chunks)
	total := 0
	for _, c := range chunks {
		total += c.Length
	}
	require.Equal(t, 8*8*4, total)
	require.Equal(t, free-total, ring.FreeBytes())
}

type i420Image struct {
	w, h int
	px   []byte
}

func (f i420Image) Bounds() image.Rectangle   { return image.Rect(0, 0, f.w, f.h) }
func (f i420Image) Format() frame.PixelFormat { return frame.FormatI420 }
func (f i420Image) Stride() int               { return f.w }
func (f i420Image) Pixels() []byte            { return f.px }

func newI420Image(w, h int) i420Image {
	px := make([]byte, w*h+2*(w/2)*(h/2))
	for i := range px {
		px[i] = byte(i % 211)
	}
	return i420Image{w: w, h: h, px: px}
}

func TestMmapFormatMismatchReformatsViaCSC(t *testing.T) {
	sink := newFakeSink()
	ring, err := mmapregion.NewHeapRing(1 << 16)
	require.NoError(t, err)
	s := newTestSource(sink, sourceOpts{
		traits: Traits{Encoding: "rgb32"},
		// The viewer only takes bgra32 over mmap; the capture source hands
		// over planar I420, so the frame must be reformatted, not dropped
		// from the mmap path.
		caps: wire.Capabilities{Mmap: true, RGBFormats: []string{"bgra32"}},
		mmap: ring,
	})
	defer s.Close()

	s.Damage(image.Rect(0, 0, 8, 8), newI420Image(8, 8))
	pkt := sink.waitOne(t)
	require.Equal(t, "mmap", pkt.pkt.Encoding)
	require.Equal(t, "bgra32", pkt.pkt.ClientOptions.RGBFormat)
	chunks := mmapregion.DecodeChunks(pkt.pkt.Payload)
	total := 0
	for _, c := range chunks {
		total += c.Length
	}
	require.Equal(t, 8*8*4, total, "the ring carries the converted packed pixels")
}

func TestMmapUnreformattableFormatFallsBackToEncodedPath(t *testing.T) {
	sink := newFakeSink()
	ring, err := mmapregion.NewHeapRing(1 << 16)
	require.NoError(t, err)
	s := newTestSource(sink, sourceOpts{
		traits: Traits{Encoding: "rgb32"},
		// The viewer advertises a format no local conversion can reach, so
		// the mmap path is abandoned entirely.
		caps: wire.Capabilities{Mmap: true, RGBFormats: []string{"rgb24"}},
		mmap: ring,
	})
	defer s.Close()

	s.Damage(image.Rect(0, 0, 8, 8), bgraImage(8, 8))
	pkt := sink.waitOne(t)
	require.Equal(t, "rgb32", pkt.pkt.Encoding)
}

func TestMmapOverrunFallsBackToEncodedPath(t *testing.T) {
	sink := newFakeSink()
	ring, err := mmapregion.NewHeapRing(64) // too small for an 8x8 BGRA frame
	require.NoError(t, err)
	s := newTestSource(sink, sourceOpts{
		traits: Traits{Encoding: "rgb32"},
		caps:   wire.Capabilities{Mmap: true, RGBFormats: []string{"bgra32"}},
		mmap:   ring,
	})
	defer s.Close()

	s.Damage(image.Rect(0, 0, 8, 8), bgraImage(8, 8))
	pkt := sink.waitOne(t)
	require.Equal(t, "rgb32", pkt.pkt.Encoding)
}

func stubVideoRegistry() {
	codec.RegisterVideoEncoder(codec.Spec{
		Name:      "h264",
		Kind:      codec.KindVideo,
		Formats:   []frame.PixelFormat{frame.FormatI420},
		Quality:   90,
		Speed:     65,
		SetupCost: 55,
	}, func(cfg codec.VideoConfig) (codec.VideoEncoder, error) {
		return stubVideoEncoder{}, nil
	})
}

type stubVideoEncoder struct{}

func (stubVideoEncoder) EncodeI420(y, u, v []byte) ([][]byte, bool, error) {
	return [][]byte{{0xde, 0xad}}, true, nil
}
func (stubVideoEncoder) Close() {}

var stubVideoOnce sync.Once

func withStubVideo(t *testing.T, o sourceOpts) (*fakeSink, *Source) {
	t.Helper()
	stubVideoOnce.Do(stubVideoRegistry)
	sink := newFakeSink()
	s := newTestSource(sink, o)
	return sink, s
}

func TestOddDimensionsSplitIntoVideoPlusStrips(t *testing.T) {
	sink, s := withStubVideo(t, sourceOpts{
		startDelayMs: 20,
		traits:       Traits{Encoding: "x264", ClientSupportsVideo: true},
	})
	defer s.Close()

	// 101x51 window, fully damaged: the video core must be 100x50 with a
	// 1-pixel strip down the right edge and another across the bottom.
	s.Damage(image.Rect(0, 0, 101, 51), bgraImage(101, 51))

	require.Eventually(t, func() bool { return len(sink.packets()) == 3 }, 2*time.Second, 5*time.Millisecond)
	pkts := sink.packets()

	require.Equal(t, "h264", pkts[0].pkt.Encoding)
	require.True(t, pkts[0].isVideo)
	require.Equal(t, 100, pkts[0].pkt.W)
	require.Equal(t, 50, pkts[0].pkt.H)

	require.Equal(t, "png", pkts[1].pkt.Encoding)
	require.Equal(t, 1, pkts[1].pkt.W)
	require.Equal(t, 51, pkts[1].pkt.H)

	require.Equal(t, "png", pkts[2].pkt.Encoding)
	require.Equal(t, 101, pkts[2].pkt.W)
	require.Equal(t, 1, pkts[2].pkt.H)
}

func TestVideoDecisionPromotesToFullWindow(t *testing.T) {
	sink, s := withStubVideo(t, sourceOpts{
		startDelayMs: 20,
		traits:       Traits{Encoding: "x264", ClientSupportsVideo: true},
	})
	defer s.Close()

	img := bgraImage(800, 600)
	// About 93% coverage (780x570 of 800x600) across many rectangles: still exactly one video packet
	// covering the whole window.
	for i := 0; i < 10; i++ {
		s.Damage(image.Rect(0, i*57, 780, i*57+57), img)
	}
	pkt := sink.waitOne(t)
	require.True(t, pkt.isVideo)
	require.Equal(t, 800, pkt.pkt.W)
	require.Equal(t, 600, pkt.pkt.H)
	require.Len(t, sink.packets(), 1)
}

func TestMissingVideoCodecFallsBackToLosslessStill(t *testing.T) {
	sink := newFakeSink()
	s := newTestSource(sink, sourceOpts{
		startDelayMs: 20,
		// vp9 has no registered encoder in this test build.
		traits: Traits{Encoding: "vp9", ClientSupportsVideo: true},
	})
	defer s.Close()

	s.Damage(image.Rect(0, 0, 640, 480), bgraImage(640, 480))
	pkt := sink.waitOne(t)
	require.Equal(t, "png", pkt.pkt.Encoding)
	require.False(t, pkt.isVideo)
}

func TestAutoRefreshAfterLowQualityVideoSend(t *testing.T) {
	sink, s := withStubVideo(t, sourceOpts{
		startDelayMs: 10,
		traits: Traits{
			Encoding:            "x264",
			ClientSupportsVideo: true,
			FixedQuality:        50,
			FixedSpeed:          -1,
		},
		refresh: RefreshSettings{Threshold: 90, Quality: 95},
	})
	defer s.Close()

	s.Damage(image.Rect(0, 0, 640, 480), bgraImage(640, 480))
	first := sink.waitOne(t)
	require.True(t, first.isVideo)

	// No further damage: the refresh timer fires and re-sends the full
	// window at the configured refresh quality, losslessly.
	refresh := sink.waitOne(t)
	require.Equal(t, "png", refresh.pkt.Encoding)
	require.Equal(t, uint8(95), refresh.pkt.ClientOptions.Quality)
	require.Equal(t, 640, refresh.pkt.W)
	require.Equal(t, 480, refresh.pkt.H)
}

func TestNewDamageCancelsPendingRefresh(t *testing.T) {
	sink, s := withStubVideo(t, sourceOpts{
		startDelayMs: 10,
		traits: Traits{
			Encoding:            "x264",
			ClientSupportsVideo: true,
			FixedQuality:        50,
			FixedSpeed:          -1,
		},
		refresh: RefreshSettings{Threshold: 90, Quality: 95, Delay: 80 * time.Millisecond},
	})
	defer s.Close()

	s.Damage(image.Rect(0, 0, 640, 480), bgraImage(640, 480))
	sink.waitOne(t)

	// Fresh damage before the refresh timer fires cancels it; the only
	// further packet is the new damage's own video frame.
	time.Sleep(20 * time.Millisecond)
	s.Damage(image.Rect(0, 0, 640, 480), bgraImage(640, 480))
	sink.waitOne(t)

	time.Sleep(150 * time.Millisecond)
	for _, p := range sink.packets() {
		if p.pkt.Encoding == "png" && p.pkt.ClientOptions.Quality == 95 && p.pkt.W == 640 && p.pkt.H == 480 {
			// The second send's own refresh may fire; only a refresh from
			// the cancelled first timer would have arrived this early.
			continue
		}
		require.True(t, p.isVideo, "only video packets expected besides a late refresh")
	}
}

func TestInitialFrameIsConsumedOnlyOnce(t *testing.T) {
	sink := newFakeSink()
	s := newTestSource(sink, sourceOpts{traits: Traits{Encoding: "rgb32"}})
	defer s.Close()

	require.True(t, s.consumeInitialFrame())
	require.False(t, s.consumeInitialFrame())
}
