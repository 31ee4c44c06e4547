package selector

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xpra-go/dampipe/internal/codec"
)

func videoInput() Input {
	return Input{
		CurrentEncoding:            "x264",
		ClientSupportsVideo:        true,
		WindowW:                    800,
		WindowH:                    600,
		RegionW:                    800,
		RegionH:                    600,
		RegionPixels:               800 * 600,
		Batching:                   true,
		NonVideoMaxPixels:          2048,
		NonVideoMaxPixelsOrInitial: 1024 * 64,
		Quality:                    80,
		Speed:                      50,
	}
}

func TestAlphaContentSwitchesToAlphaCapableStill(t *testing.T) {
	in := videoInput()
	in.ImageHasAlpha = true
	d := Decide(in)
	require.Equal(t, codec.KindStill, d.Kind)
	require.True(t, encodingHasAlpha(d.Encoding))
}

func TestTrayIconAlwaysLosslessStill(t *testing.T) {
	in := videoInput()
	in.IsTray = true
	in.RegionW, in.RegionH, in.RegionPixels = 32, 32, 32*32
	d := Decide(in)
	require.Equal(t, codec.KindStill, d.Kind)
	require.Equal(t, "png", d.Encoding)
}

func TestStillCurrentEncodingIsKept(t *testing.T) {
	in := videoInput()
	in.CurrentEncoding = "jpeg"
	d := Decide(in)
	require.Equal(t, codec.KindStill, d.Kind)
	require.Equal(t, "jpeg", d.Encoding)
}

func TestInitialOverrideRedirectFrameDefersVideo(t *testing.T) {
	in := videoInput()
	in.IsInitialFrame = true
	in.IsOverrideRedirect = true
	in.RegionW, in.RegionH, in.RegionPixels = 200, 100, 200*100
	in.WindowW, in.WindowH = 200, 100
	d := Decide(in)
	require.Equal(t, codec.KindStill, d.Kind)
}

func TestDegenerateDimensionsSwitchToStill(t *testing.T) {
	in := videoInput()
	in.RegionW, in.RegionH, in.RegionPixels = 4, 600, 4*600
	d := Decide(in)
	require.Equal(t, codec.KindStill, d.Kind)

	in = videoInput()
	in.RegionW, in.RegionH, in.RegionPixels = 800, 2, 800*2
	d = Decide(in)
	require.Equal(t, codec.KindStill, d.Kind)
}

func TestTinyCoverageSwitchesToStill(t *testing.T) {
	in := videoInput()
	// 40x40 region of an 800x600 window: a third of a percent coverage.
	in.RegionW, in.RegionH, in.RegionPixels = 40, 40, 40*40
	d := Decide(in)
	require.Equal(t, codec.KindStill, d.Kind)
}

func TestLargeRegionKeepsVideoEvenOverNonVideoThreshold(t *testing.T) {
	in := videoInput()
	// Full coverage (800x600 of 800x600): well past max_nonvideo_pixels, stays video.
	d := Decide(in)
	require.Equal(t, codec.KindVideo, d.Kind)
	require.Equal(t, "x264", d.Encoding)
}

func TestHalfCoverageWithoutBatchingSwitchesToStill(t *testing.T) {
	in := videoInput()
	in.Batching = false
	in.RegionW, in.RegionH = 800, 220
	in.RegionPixels = 800 * 220 // ~37% of the window, above the scaled threshold's still-floor
	d := Decide(in)
	require.Equal(t, codec.KindStill, d.Kind)
}

func TestInitialThresholdScalesUpOutsideBatchingMode(t *testing.T) {
	in := videoInput()
	in.Batching = false
	in.IsInitialFrame = true
	in.IsOverrideRedirect = true
	in.WindowW, in.WindowH = 1920, 1080
	in.RegionW, in.RegionH = 1920, 1080
	in.RegionPixels = 1920 * 1080 // above 64KiB pixels, below 64KiB x128
	d := Decide(in)
	require.Equal(t, codec.KindStill, d.Kind)

	// The same frame inside batching mode exceeds the unscaled initial
	// threshold and goes straight to video.
	in.Batching = true
	d = Decide(in)
	require.Equal(t, codec.KindVideo, d.Kind)
}

func TestOddDimensionsFlagSplitForX264(t *testing.T) {
	in := videoInput()
	in.RegionW, in.RegionH = 101, 51
	in.RegionPixels = 101 * 51
	in.WindowW, in.WindowH = 101, 51
	d := Decide(in)
	require.Equal(t, codec.KindVideo, d.Kind)
	require.True(t, d.SplitOdd)
}

func TestEvenDimensionsDoNotSplit(t *testing.T) {
	in := videoInput()
	d := Decide(in)
	require.False(t, d.SplitOdd)
}

func TestClientWithoutVideoSupportGetsStill(t *testing.T) {
	in := videoInput()
	in.ClientSupportsVideo = false
	d := Decide(in)
	require.Equal(t, codec.KindStill, d.Kind)
}

func TestWeightsFollowQualitySpeedTargets(t *testing.T) {
	in := videoInput()
	in.Quality = 100
	in.Speed = 0
	d := Decide(in)
	require.Equal(t, 1.0, d.Weights.QualityWeight)
	require.Equal(t, 0.0, d.Weights.SpeedWeight)
}
