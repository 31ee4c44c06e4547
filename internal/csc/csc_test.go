package csc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xpra-go/dampipe/internal/frame"
)

func TestRegistryBestPicksCheapest(t *testing.T) {
	r := NewRegistry()
	spec, ok := r.Best(frame.FormatBGRA32)
	require.True(t, ok)
	require.Equal(t, frame.FormatBGRA32, spec.Input)
}

func TestRegistryBestMissingFormat(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Best(frame.FormatRGB24)
	require.False(t, ok)
}

func TestBGRAToI420GreyLuma(t *testing.T) {
	w, h := 4, 4
	bgra := make([]byte, w*h*4)
	for i := range bgra {
		if i%4 != 3 {
			bgra[i] = 128
		} else {
			bgra[i] = 255
		}
	}
	y := make([]byte, w*h)
	u := make([]byte, (w/2)*(h/2))
	v := make([]byte, (w/2)*(h/2))
	BGRAToI420(bgra, w, h, y, u, v)
	for _, yy := range y {
		require.InDelta(t, 128, int(yy), 20)
	}
}
