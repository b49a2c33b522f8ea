package scheduler

import (
	"container/heap"
	"time"
)

// fireEntry is one active policy waiting for its next fire time.
type fireEntry struct {
	policyID string
	next     time.Time
	index    int
}

// fireHeap orders entries by next fire time, then policy id.
type fireHeap []*fireEntry

var _ heap.Interface = (*fireHeap)(nil)

func (h fireHeap) Len() int { return len(h) }

func (h fireHeap) Less(i, j int) bool {
	if h[i].next.Equal(h[j].next) {
		return h[i].policyID < h[j].policyID
	}
	return h[i].next.Before(h[j].next)
}

func (h fireHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *fireHeap) Push(x any) {
	e := x.(*fireEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func (h fireHeap) peek() *fireEntry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
