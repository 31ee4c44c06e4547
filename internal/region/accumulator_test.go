package region

import (
	"image"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xpra-go/dampipe/internal/frame"
)

func rect(x0, y0, x1, y1 int) frame.Region {
	return frame.Region{Rect: image.Rect(x0, y0, x1, y1)}
}

func TestAddAndCount(t *testing.T) {
	a := New()
	a.Add(rect(0, 0, 10, 10))
	a.Add(rect(20, 20, 30, 30))
	require.Equal(t, 2, a.Count())
	require.Equal(t, 200, a.TotalPixels())
}

func TestCoalesceMergesOverlapping(t *testing.T) {
	a := New()
	a.Add(rect(0, 0, 10, 10))
	a.Add(rect(5, 5, 15, 15))
	a.Coalesce()
	require.Equal(t, 1, a.Count())
	require.Equal(t, image.Rect(0, 0, 15, 15), a.Bounds())
}

func TestCoalesceMergesAdjacent(t *testing.T) {
	a := New()
	a.Add(rect(0, 0, 10, 10))
	a.Add(rect(10, 0, 20, 10))
	a.Coalesce()
	require.Equal(t, 1, a.Count())
}

func TestCoalesceLeavesDisjointAlone(t *testing.T) {
	a := New()
	a.Add(rect(0, 0, 10, 10))
	a.Add(rect(1000, 1000, 1010, 1010))
	a.Coalesce()
	require.Equal(t, 2, a.Count())
}

func TestFlushAndClearEmpties(t *testing.T) {
	a := New()
	a.Add(rect(0, 0, 10, 10))
	out := a.FlushAndClear()
	require.Len(t, out, 1)
	require.Equal(t, 0, a.Count())
}

func TestExceedsRectangleThreshold(t *testing.T) {
	a := New()
	for i := 0; i < RectangleThreshold+1; i++ {
		a.Add(rect(i*100, 0, i*100+10, 10))
	}
	require.True(t, a.ExceedsRectangleThreshold())
}
