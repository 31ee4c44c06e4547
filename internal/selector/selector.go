// Package selector implements EncodingSelector: the pure decision function
// that picks the concrete encoding for one flush, given the accumulated
// region, the window's traits, and the window's currently configured
// encoding. Thresholds are grounded on Xpra's window_source.py
// (MAX_NONVIDEO_PIXELS=2048, MAX_NONVIDEO_OR_INITIAL_PIXELS=65536, both
// scaled x128 outside batching mode).
package selector

import "github.com/xpra-go/dampipe/internal/codec"

// noBatchScale is the factor both pixel thresholds grow by when the flush
// was not batched: a single immediate region can afford a much larger
// still encode than a stream of batched ones.
const noBatchScale = 128

// Input is everything the selector needs to decide; it takes no pointers
// to mutable pipeline state so the decision is reproducible and testable in
// isolation.
type Input struct {
	// CurrentEncoding is the window's configured encoding ("x264", "vp8",
	// "png", "rgb32", ...); video rows of the decision table only apply
	// when this names a video codec.
	CurrentEncoding string

	ImageHasAlpha      bool
	IsTray             bool
	IsOverrideRedirect bool
	IsInitialFrame     bool

	WindowW, WindowH int
	RegionW, RegionH int
	RegionPixels     int

	// Batching is true when this flush drained a delayed region (as
	// opposed to an immediate dispatch).
	Batching bool

	ClientSupportsVideo        bool
	NonVideoMaxPixels          int
	NonVideoMaxPixelsOrInitial int

	Quality int
	Speed   int
}

// Decision is the selector's output: the encoding to use for this flush,
// its Kind, and the score weights the codec registry applies when several
// implementations serve the same encoding.
type Decision struct {
	Encoding string
	Kind     codec.Kind
	Weights  codec.ScoreWeights
	// SplitOdd is set when the chosen video codec requires even dimensions
	// and the region has an odd width or height: the caller must emit an
	// even-sized video region plus 1-pixel lossless strips for the
	// remainder.
	SplitOdd bool
}

// videoEncodings are the codec names the decision table treats as "video".
var videoEncodings = map[string]bool{
	"x264": true,
	"h264": true,
	"vp8":  true,
	"vp9":  true,
	"vpx":  true,
	"av1":  true,
}

// IsVideoEncoding reports whether name is a streaming video codec.
func IsVideoEncoding(name string) bool { return videoEncodings[name] }

// encodingHasAlpha reports whether the encoding can carry an alpha channel.
func encodingHasAlpha(name string) bool {
	switch name {
	case "png", "rgb32", "webp":
		return true
	}
	return false
}

// needsEvenDimensions reports whether the codec rejects odd widths/heights
// (x264's 4:2:0 subsampling requires both to be even).
func needsEvenDimensions(name string) bool {
	return name == "x264" || name == "h264"
}

// Decide walks the decision table: each row either switches the region to
// a still encoding or keeps the window's current (video) encoding. Rows
// are checked in order; the first match wins.
func Decide(in Input) Decision {
	w := weightsFromTargets(in.Quality, in.Speed)

	still := func(encoding string) Decision {
		return Decision{Encoding: encoding, Kind: codec.KindStill, Weights: w}
	}
	video := func() Decision {
		d := Decision{Encoding: in.CurrentEncoding, Kind: codec.KindVideo, Weights: w}
		if needsEvenDimensions(in.CurrentEncoding) && (in.RegionW%2 == 1 || in.RegionH%2 == 1) {
			d.SplitOdd = true
		}
		return d
	}

	// Alpha content cannot ride an encoding that drops the channel.
	if in.ImageHasAlpha && !encodingHasAlpha(in.CurrentEncoding) {
		return still("png")
	}
	// Tray icons are tiny and updated rarely: lossless still, always.
	if in.IsTray {
		return still("png")
	}
	// A still current encoding stays put; the table's video rows below
	// only arbitrate between video and a temporary still downgrade.
	if !IsVideoEncoding(in.CurrentEncoding) || !in.ClientSupportsVideo {
		if in.CurrentEncoding == "" || IsVideoEncoding(in.CurrentEncoding) {
			return still("rgb32")
		}
		return still(in.CurrentEncoding)
	}

	maxNonVideo := in.NonVideoMaxPixels
	maxInitial := in.NonVideoMaxPixelsOrInitial
	if !in.Batching {
		maxNonVideo *= noBatchScale
		maxInitial *= noBatchScale
	}

	// First frame of an override-redirect window: defer video setup while
	// the window is still small (menus and tooltips usually die before a
	// video stream would pay off).
	if in.IsInitialFrame && in.IsOverrideRedirect && in.RegionPixels < maxInitial {
		return still("png")
	}
	// The scaler cannot handle degenerate shapes.
	if in.RegionW < 8 || in.RegionH <= 2 {
		return still("png")
	}
	windowPixels := in.WindowW * in.WindowH
	if windowPixels > 0 {
		// A region under 1% of the window is noise, not motion.
		if in.RegionPixels*100 < windowPixels {
			return still("png")
		}
	}
	if in.RegionPixels > maxNonVideo {
		return video()
	}
	if windowPixels > 0 && in.RegionPixels*2 < windowPixels && !in.Batching {
		return still("png")
	}
	return video()
}

// weightsFromTargets converts 0-100 quality/speed targets into the score
// weights Registry.Best applies; quality and speed pull in opposite
// directions so a target of (quality=100, speed=0) only rewards quality.
func weightsFromTargets(quality, speed int) codec.ScoreWeights {
	q := clamp(quality)
	s := clamp(speed)
	return codec.ScoreWeights{
		QualityWeight: float64(q) / 100,
		SpeedWeight:   float64(s) / 100,
	}
}

func clamp(x int) int {
	if x < 0 {
		return 0
	}
	if x > 100 {
		return 100
	}
	return x
}
