package democapture

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xpra-go/dampipe/internal/frame"
)

func TestSubscribeReceivesDamageOnTick(t *testing.T) {
	s := New(16, 16, 50)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, 1)
	require.NoError(t, err)
	go s.Run(ctx)

	select {
	case ev := <-ch:
		require.Equal(t, image.Rect(0, 0, 16, 16), ev.Rect)
	case <-time.After(time.Second):
		t.Fatal("no damage event received")
	}
}

func TestGetRGBRawDataReturnsBGRAImage(t *testing.T) {
	s := New(16, 16, 30)
	img, err := s.GetRGBRawData(1, image.Rect(0, 0, 8, 8))
	require.NoError(t, err)
	require.Equal(t, frame.FormatBGRA32, img.Format())
	require.Len(t, img.Pixels(), 8*8*4)
}

func TestWindowTraitsUnknownWindow(t *testing.T) {
	s := New(16, 16, 30)
	_, ok := s.WindowTraits(99)
	require.False(t, ok)
}
