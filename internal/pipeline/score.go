package pipeline

import (
	"sort"

	"github.com/xpra-go/dampipe/internal/codec"
	"github.com/xpra-go/dampipe/internal/csc"
	"github.com/xpra-go/dampipe/internal/frame"
)

// subsamplingPenalty is how many quality points 4:2:0 chroma subsampling
// costs a candidate whose encoder consumes I420.
const subsamplingPenalty = 15

// Candidate is one scored (CSC?, encoder) assembly for a target frame.
type Candidate struct {
	Csc   *csc.Spec
	Enc   codec.Spec
	Score float64
}

// Live describes the currently running pipeline, for the edge-resistance
// term: candidates that keep the running stages score higher than ones
// that would tear them down.
type Live struct {
	EncName string
	CscName string
	W, H    int
}

// Candidates enumerates every way to encode (srcFormat, w, h) with the
// named output codec: directly when an encoder accepts srcFormat, or via a
// colour-space converter whose output an encoder accepts. The list comes
// back sorted best-first; callers try them in order and fall back to a
// still encoder when all fail.
//
// Each candidate scores (quality_score + speed_score + edge_resistance)/3:
//   - quality_score: 100 minus the distance between the candidate's
//     effective quality (encoder quality, attenuated by chroma subsampling
//     and the CSC's own fidelity) and the controller's target; zero when
//     the effective quality sits below the configured minimum.
//   - speed_score: same shape for speed, with the CSC's throughput
//     multiplied in.
//   - edge_resistance: 100 minus the setup cost of every stage that
//     differs from the live pipeline; keeping a warm stage costs nothing.
func Candidates(codecs *codec.Registry, cscReg *csc.Registry, outCodec string, srcFormat frame.PixelFormat, w, h, targetQuality, targetSpeed, minQuality int, live *Live) []Candidate {
	var out []Candidate
	for _, enc := range codecs.All() {
		if enc.Kind != codec.KindVideo || enc.Name != outCodec || !enc.CanHandle(w, h) {
			continue
		}
		if enc.Accepts(srcFormat) {
			out = append(out, scoreCandidate(nil, enc, srcFormat, targetQuality, targetSpeed, minQuality, w, h, live))
		}
		for _, cs := range cscReg.All() {
			if cs.Input != srcFormat || !enc.Accepts(cs.Output) {
				continue
			}
			cs := cs
			out = append(out, scoreCandidate(&cs, enc, srcFormat, targetQuality, targetSpeed, minQuality, w, h, live))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func scoreCandidate(cs *csc.Spec, enc codec.Spec, srcFormat frame.PixelFormat, targetQuality, targetSpeed, minQuality, w, h int, live *Live) Candidate {
	effQuality := enc.Quality
	effSpeed := enc.Speed
	inputFormat := srcFormat
	if cs != nil {
		inputFormat = cs.Output
	}
	if inputFormat == frame.FormatI420 {
		effQuality -= subsamplingPenalty
	}
	if cs != nil {
		effQuality = effQuality * cs.Quality / 100
		effSpeed = effSpeed * cs.Speed / 100
	}

	qualityScore := 100 - abs(effQuality-targetQuality)
	if effQuality < minQuality {
		// A candidate that can't reach the configured quality floor earns
		// nothing on this axis no matter how close it lands to the target.
		qualityScore = 0
	}
	speedScore := 100 - abs(effSpeed-targetSpeed)

	// Edge resistance: every stage that differs from the live pipeline
	// pays its setup cost; with no live pipeline everything is a new stage.
	edge := 100
	encWarm := live != nil && live.EncName == enc.Name && live.W == w && live.H == h
	if !encWarm {
		edge -= enc.SetupCost
	}
	if cs != nil {
		cscWarm := live != nil && live.CscName == cs.Name
		if !cscWarm {
			edge -= cs.SetupCost
		}
	}

	return Candidate{Csc: cs, Enc: enc, Score: float64(qualityScore+speedScore+edge) / 3}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
