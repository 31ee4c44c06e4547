// Package region accumulates pending damaged rectangles for a window
// between batch flushes, including the rectangle-merge heuristic Xpra's
// send_delayed_regions applies before the "too many rectangles" check fires
// (SPEC_FULL.md §12).
package region

import (
	"image"
	"sync"

	"github.com/xpra-go/dampipe/internal/frame"
)

// Accumulator holds the pending regions for one window between flushes.
// Regions are kept as a flat list rather than a single bounding box so the
// encoder can later choose to encode the true covered area instead of its
// rectangular envelope when that's cheaper.
type Accumulator struct {
	mu      sync.Mutex
	regions []frame.Region
}

// New returns an empty Accumulator.
func New() *Accumulator { return &Accumulator{} }

// Add appends a damaged region.
func (a *Accumulator) Add(r frame.Region) {
	a.mu.Lock()
	a.regions = append(a.regions, r)
	a.mu.Unlock()
}

// Count reports how many regions are pending.
func (a *Accumulator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.regions)
}

// TotalPixels sums Pixels() across all pending regions, without accounting
// for overlap.
func (a *Accumulator) TotalPixels() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, r := range a.regions {
		total += r.Pixels()
	}
	return total
}

// Bounds returns the smallest rectangle covering every pending region.
func (a *Accumulator) Bounds() image.Rectangle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return boundsOf(a.regions)
}

func boundsOf(regions []frame.Region) image.Rectangle {
	if len(regions) == 0 {
		return image.Rectangle{}
	}
	b := regions[0].Rect
	for _, r := range regions[1:] {
		b = b.Union(r.Rect)
	}
	return b
}

// Coalesce merges adjacent or overlapping rectangles in place, reducing the
// pending rectangle count before a flush decision is made. This follows
// Xpra's send_delayed_regions, which does the same merge pass before
// comparing the rectangle count against its "more than 60 rectangles, just
// send the bounding box" threshold.
func (a *Accumulator) Coalesce() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.regions = coalesce(a.regions)
}

// coalesce repeatedly merges any two rectangles that touch or overlap until
// no further merge is possible. O(n^2) per pass, acceptable for the small
// rectangle counts (tens, not thousands) a single window accumulates
// between flushes.
func coalesce(regions []frame.Region) []frame.Region {
	merged := true
	for merged {
		merged = false
		for i := 0; i < len(regions); i++ {
			for j := i + 1; j < len(regions); j++ {
				if touchesOrOverlaps(regions[i].Rect, regions[j].Rect) {
					regions[i].Rect = regions[i].Rect.Union(regions[j].Rect)
					if regions[j].Sequence > regions[i].Sequence {
						regions[i].Sequence = regions[j].Sequence
					}
					regions = append(regions[:j], regions[j+1:]...)
					merged = true
					break
				}
			}
			if merged {
				break
			}
		}
	}
	return regions
}

func touchesOrOverlaps(a, b image.Rectangle) bool {
	// Grow a by 1px in every direction so adjacent (not just overlapping)
	// rectangles are considered mergeable, matching the original's
	// "adjacent or overlapping" merge criterion.
	grown := image.Rect(a.Min.X-1, a.Min.Y-1, a.Max.X+1, a.Max.Y+1)
	return grown.Overlaps(b) || a.Overlaps(b)
}

// FlushAndClear returns the (optionally coalesced) pending regions and
// clears the accumulator for the next cycle.
func (a *Accumulator) FlushAndClear() []frame.Region {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.regions
	a.regions = nil
	return out
}

// ExceedsRectangleThreshold reports whether the pending rectangle count is
// high enough to give up on per-rectangle encoding; past it window.Source
// sends one full-window update instead. Xpra's threshold is 60.
const RectangleThreshold = 60

func (a *Accumulator) ExceedsRectangleThreshold() bool {
	return a.Count() > RectangleThreshold
}
