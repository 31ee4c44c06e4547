package codec

import "sync"

// registeredStill/registeredVideo are populated by each encoder file's
// init(), so which Specs exist depends purely on build tags (cgo, vpx,
// x264, aom, webp) without a central switch statement to keep in sync.
var (
	catalogMu       sync.Mutex
	registeredStill []Spec
	registeredVideo []Spec
	videoFactories  = map[string]func(VideoConfig) (VideoEncoder, error){}
)

// registerVideoFactory lets each build-tagged codec file publish its
// constructor under its Spec.Name, so NewVideoEncoder can look one up
// without the pipeline package needing per-codec build tags of its own.
func registerVideoFactory(name string, f func(VideoConfig) (VideoEncoder, error)) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	videoFactories[name] = f
}

// NewVideoEncoder constructs the named video encoder, or returns
// ErrUnavailable if this build carries no factory for it (e.g. built
// without the matching codec's build tag).
func NewVideoEncoder(name string, cfg VideoConfig) (VideoEncoder, error) {
	catalogMu.Lock()
	f := videoFactories[name]
	catalogMu.Unlock()
	if f == nil {
		return nil, ErrUnavailable
	}
	return f(cfg)
}

// RegisterVideoEncoder publishes a video codec Spec together with its
// constructor, for codec implementations living outside this package
// (and for tests injecting a stub encoder). Build-tagged files in this
// package use the unexported halves directly.
func RegisterVideoEncoder(s Spec, f func(VideoConfig) (VideoEncoder, error)) {
	registerVideo(s)
	registerVideoFactory(s.Name, f)
}

func registerStill(s Spec) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	registeredStill = append(registeredStill, s)
}

func registerVideo(s Spec) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	registeredVideo = append(registeredVideo, s)
}

func stillSpecs() []Spec {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	out := make([]Spec, len(registeredStill))
	copy(out, registeredStill)
	return out
}

func videoSpecs() []Spec {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	out := make([]Spec, len(registeredVideo))
	copy(out, registeredVideo)
	return out
}
