// Package csc implements colour-space conversion: the CscSpec registry
// spec.md's VideoPipeline consults to turn a captured Image into the
// planar I420 buffers video encoders expect, plus the reverse and scaling
// operations the pipeline needs when client and window geometry differ.
// Conversions are adapted from the teacher's internal/stream converters
// (bgra_i420.go, uyvy_i420.go, i420_scale_go.go); the libyuv-accelerated
// variants live in convert_cgo.go behind the same build tag the teacher used.
package csc

import "github.com/xpra-go/dampipe/internal/frame"

// Spec describes one registered converter: which raw format it consumes,
// its fidelity and throughput on the 0-100 scale the pipeline scorer uses,
// and the relative cost of standing one up, so pipeline assembly can rank
// conversion paths.
type Spec struct {
	Name        string
	Input       frame.PixelFormat
	Output      frame.PixelFormat
	Quality     int
	Speed       int
	SetupCost   int // relative cost, arbitrary units, lower is cheaper
	Accelerated bool
}

// Registry lists the CscSpecs available in this build. Exactly one backend
// registers: the pure-Go converters (convert_go.go) in builds without the
// yuv tag, or the libyuv-accelerated ones (convert_cgo.go) in cgo+yuv builds.
type Registry struct {
	specs []Spec
}

// NewRegistry returns a Registry pre-populated for every PixelFormat this
// build can convert from.
func NewRegistry() *Registry {
	r := &Registry{}
	r.register()
	return r
}

func (r *Registry) add(s Spec) { r.specs = append(r.specs, s) }

// Best returns the lowest-cost Spec that accepts in, or false if none do.
func (r *Registry) Best(in frame.PixelFormat) (Spec, bool) {
	var best Spec
	found := false
	for _, s := range r.specs {
		if s.Input != in {
			continue
		}
		if !found || s.SetupCost < best.SetupCost {
			best = s
			found = true
		}
	}
	return best, found
}

// All returns every registered Spec, for diagnostics/introspection.
func (r *Registry) All() []Spec {
	out := make([]Spec, len(r.specs))
	copy(out, r.specs)
	return out
}

func clamp8(x int) byte {
	if x < 0 {
		return 0
	}
	if x > 255 {
		return 255
	}
	return byte(x)
}
