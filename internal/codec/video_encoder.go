package codec

// VideoEncoder is the interface every native video codec wrapper
// (vpx.go, x264.go, aom.go) satisfies. EncodeI420 takes planar I420 input
// (y sized w*h, u/v sized (w/2)*(h/2)) and returns zero or more encoded
// packets (a dropped frame yields zero packets, not an error).
type VideoEncoder interface {
	EncodeI420(y, u, v []byte) (packets [][]byte, keyframe bool, err error)
	Close()
}

// VideoConfig parameterizes a VideoEncoder's construction.
type VideoConfig struct {
	Width, Height int
	FPS           int
	BitrateKbps   int
	Speed         int // cpu_used / preset knob, codec-specific range
}
