// Package codec implements EncoderRegistry: the catalog of still and video
// encoders available in this build, each described by an EncoderSpec the
// selector scores against a window's current quality/speed targets. Still
// encoders are grounded on stdlib image codecs plus the teacher's
// cgo-native-codec pattern (applied to webp); video encoders adapt the
// teacher's vpx.go/aom.go wrappers and extend the pattern to x264.
package codec

import "github.com/xpra-go/dampipe/internal/frame"

// Kind distinguishes still (single-frame, per-damage-region) encoders from
// video (continuous, whole-window) encoders.
type Kind int

const (
	KindStill Kind = iota
	KindVideo
)

// Spec describes one registered encoder's capabilities and relative cost,
// mirroring spec.md's EncoderSpec: Quality/Speed are the best achievable
// scores (0-100) this encoder can reach, SetupCost is the relative expense
// of creating or reconfiguring an encoder instance (a video encoder costing
// far more than a still one, since it requires a fresh libvpx/libx264
// context).
type Spec struct {
	Name      string
	Kind      Kind
	Formats   []frame.PixelFormat
	Quality   int
	Speed     int
	SetupCost int
	// MaxWidth/MaxHeight bound what the implementation can encode; zero
	// means unlimited.
	MaxWidth  int
	MaxHeight int
}

func (s Spec) accepts(f frame.PixelFormat) bool {
	for _, x := range s.Formats {
		if x == f {
			return true
		}
	}
	return false
}

// Accepts reports whether the encoder takes f as input.
func (s Spec) Accepts(f frame.PixelFormat) bool { return s.accepts(f) }

// CanHandle reports whether a w x h frame fits the encoder's limits.
func (s Spec) CanHandle(w, h int) bool {
	if w <= 0 || h <= 0 {
		return false
	}
	if s.MaxWidth > 0 && w > s.MaxWidth {
		return false
	}
	if s.MaxHeight > 0 && h > s.MaxHeight {
		return false
	}
	return true
}

// Registry is the catalog of Specs compiled into this build. Which video
// encoders are present depends on build tags (cgo, vpx, x264, aom); the
// still encoders png, jpeg and raw are always present, webp only in builds
// with both the cgo and webp tags.
type Registry struct {
	specs []Spec
}

// NewRegistry builds a Registry containing every Spec this build supports.
func NewRegistry() *Registry {
	r := &Registry{}
	r.specs = append(r.specs, stillSpecs()...)
	r.specs = append(r.specs, videoSpecs()...)
	return r
}

// All returns every registered Spec.
func (r *Registry) All() []Spec {
	out := make([]Spec, len(r.specs))
	copy(out, r.specs)
	return out
}

// ScoreWeights controls how Score balances quality against speed; the
// EncodingSelector supplies weights derived from the window's current
// Controller targets.
type ScoreWeights struct {
	QualityWeight float64
	SpeedWeight   float64
}

// Score ranks spec against the given weights, penalized by SetupCost so an
// encoder that would need reinitializing is disfavored relative to one
// already warmed up (spec.SetupCost==0 callers pass when an instance of
// that encoder is already running for this window).
func Score(s Spec, w ScoreWeights, alreadyWarm bool) float64 {
	cost := float64(s.SetupCost)
	if alreadyWarm {
		cost = 0
	}
	return w.QualityWeight*float64(s.Quality) + w.SpeedWeight*float64(s.Speed) - cost
}

// BestNamed returns the highest-scoring Spec with the given name, kind,
// and input format, or false when this build carries no such codec. The
// selector asks for its chosen encoding by name; the caller falls back to
// a lossless still when the name isn't served.
func (r *Registry) BestNamed(kind Kind, name string, format frame.PixelFormat, w ScoreWeights) (Spec, bool) {
	var best Spec
	bestScore := 0.0
	found := false
	for _, s := range r.specs {
		if s.Kind != kind || s.Name != name || !s.accepts(format) {
			continue
		}
		sc := Score(s, w, false)
		if !found || sc > bestScore {
			best, bestScore, found = s, sc, true
		}
	}
	return best, found
}

// Best returns the highest-scoring Spec of the given kind that accepts
// format, or false if none do.
func (r *Registry) Best(kind Kind, format frame.PixelFormat, w ScoreWeights) (Spec, bool) {
	var best Spec
	bestScore := 0.0
	found := false
	for _, s := range r.specs {
		if s.Kind != kind || !s.accepts(format) {
			continue
		}
		sc := Score(s, w, false)
		if !found || sc > bestScore {
			best, bestScore, found = s, sc, true
		}
	}
	return best, found
}
