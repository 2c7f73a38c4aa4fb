package indexer

import (
	"container/heap"
	"sync"
)

// heightHeap is a min-heap of block heights that still have uncommitted
// events.
type heightHeap []uint64

func (h heightHeap) Len() int           { return len(h) }
func (h heightHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h heightHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *heightHeap) Push(x any) { *h = append(*h, x.(uint64)) }

func (h *heightHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// cursorGate tracks which live-event heights still have a store mutation in
// flight. Shard workers commit events for different heights in arbitrary
// order, but the persisted cursor may only land on a height once every event
// at or below it has committed; otherwise a crash between the cursor write
// and the slower shard's commit would lose that event for good, since
// catch-up resumes above the cursor.
type cursorGate struct {
	mu      sync.Mutex
	pending map[uint64]int
	heights heightHeap
	maxSeen uint64
}

func newCursorGate() *cursorGate {
	return &cursorGate{pending: make(map[uint64]int)}
}

// begin registers an event at height before it is handed to a shard.
func (g *cursorGate) begin(height uint64) {
	g.mu.Lock()
	if g.pending[height] == 0 {
		heap.Push(&g.heights, height)
	}
	g.pending[height]++
	if height > g.maxSeen {
		g.maxSeen = height
	}
	g.mu.Unlock()
}

// finish marks one event at height as committed (or dropped as
// unprocessable) and returns the watermark: the highest height with nothing
// uncommitted at or below it. Zero means no height is safe yet.
func (g *cursorGate) finish(height uint64) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n := g.pending[height]; n > 1 {
		g.pending[height] = n - 1
	} else {
		delete(g.pending, height)
	}
	for g.heights.Len() > 0 {
		if _, inFlight := g.pending[g.heights[0]]; inFlight {
			break
		}
		heap.Pop(&g.heights)
	}

	if g.heights.Len() == 0 {
		return g.maxSeen
	}
	return g.heights[0] - 1
}
