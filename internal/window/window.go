// Package window computes which slice of an ordered collection a virtualized
// list renders, and keeps selection bound to entity ids rather than positions.
package window

import "sort"

// Range is a half-open index range [Start, End).
type Range struct {
	Start int
	End   int
}

// Len returns the number of indexes in the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// Contains reports whether i is inside the range.
func (r Range) Contains(i int) bool {
	return i >= r.Start && i < r.End
}

// Geometry describes a uniform-height list surface.
type Geometry struct {
	ItemHeight     int
	ViewportHeight int
	Overscan       int
}

// Compute returns the window for a uniform-height list:
//
//	start   = max(0, floor(scroll/itemHeight) - overscan)
//	visible = ceil(viewport/itemHeight) + 1
//	end     = min(length, start + visible + 2*overscan)
//
// The offset is used as given; only the results are clamped. A start past the
// end of the list is held at length, so an offset beyond the content yields
// the empty range {length, length}. A non-positive itemHeight or length yields
// an empty range.
func Compute(length, itemHeight, viewportHeight, scrollOffset, overscan int) Range {
	if length <= 0 || itemHeight <= 0 {
		return Range{}
	}
	viewportHeight = max(viewportHeight, 0)
	overscan = max(overscan, 0)

	start := max(0, floorDiv(scrollOffset, itemHeight)-overscan)
	visible := ceilDiv(viewportHeight, itemHeight) + 1
	end := min(length, start+visible+2*overscan)
	return Range{Start: min(start, end), End: end}
}

// Compute is the package-level Compute with g's dimensions.
func (g Geometry) Compute(length, scrollOffset int) Range {
	return Compute(length, g.ItemHeight, g.ViewportHeight, scrollOffset, g.Overscan)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Heights holds per-item heights as prefix sums for lists whose items differ
// in height. The zero value is an empty list.
type Heights struct {
	prefix []int // prefix[i] is the top offset of item i; prefix[len] is the total
}

// NewHeights builds prefix sums over heights. Negative heights count as zero.
func NewHeights(heights []int) *Heights {
	h := &Heights{prefix: make([]int, len(heights)+1)}
	for i, v := range heights {
		h.prefix[i+1] = h.prefix[i] + max(v, 0)
	}
	return h
}

// Len returns the number of items.
func (h *Heights) Len() int {
	if len(h.prefix) == 0 {
		return 0
	}
	return len(h.prefix) - 1
}

// Total returns the combined height of all items.
func (h *Heights) Total() int {
	if len(h.prefix) == 0 {
		return 0
	}
	return h.prefix[len(h.prefix)-1]
}

// Offset returns the top offset of item i. Indexes outside [0, Len()] are
// clamped, so Offset(Len()) is the total height.
func (h *Heights) Offset(i int) int {
	if len(h.prefix) == 0 {
		return 0
	}
	return h.prefix[min(max(i, 0), len(h.prefix)-1)]
}

// Height returns the height of item i, or 0 when i is out of range.
func (h *Heights) Height(i int) int {
	if i < 0 || i >= h.Len() {
		return 0
	}
	return h.prefix[i+1] - h.prefix[i]
}

// Set changes the height of item i. Out-of-range indexes are ignored.
func (h *Heights) Set(i, height int) {
	if i < 0 || i >= h.Len() {
		return
	}
	delta := max(height, 0) - h.Height(i)
	for j := i + 1; j < len(h.prefix); j++ {
		h.prefix[j] += delta
	}
}

// IndexAt returns the item covering offset y, clamped to valid indexes.
func (h *Heights) IndexAt(y int) int {
	n := h.Len()
	if n == 0 {
		return 0
	}
	// First item whose bottom edge is past y.
	i := sort.Search(n, func(i int) bool { return h.prefix[i+1] > y })
	return min(i, n-1)
}

// Compute returns the window for a variable-height list. The visible items are
// found by binary search over the prefix sums and padded by the same overscan
// budget as the uniform formula, so with equal heights and an item-aligned
// non-negative offset up to Total it returns exactly what Compute does. Like Compute, the
// offset is not clamped; an offset at or past Total anchors on Len().
func (h *Heights) Compute(viewportHeight, scrollOffset, overscan int) Range {
	n := h.Len()
	if n == 0 || h.Total() == 0 {
		return Range{}
	}
	viewportHeight = max(viewportHeight, 0)
	overscan = max(overscan, 0)

	// Items whose bottom edge is at or above the offset; Len() past the end.
	first := sort.Search(n, func(i int) bool { return h.prefix[i+1] > scrollOffset })
	bottom := scrollOffset + viewportHeight
	// First item whose top edge is at or past the viewport bottom.
	last := sort.Search(n, func(i int) bool { return h.prefix[i] >= bottom })

	start := max(0, first-overscan)
	visible := last - first + 1
	end := min(n, start+visible+2*overscan)
	return Range{Start: start, End: end}
}
