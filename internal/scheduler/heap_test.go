package scheduler

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFireHeap_OrdersByTimeThenID(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := &fireHeap{}
	entries := map[string]*fireEntry{
		"c": {policyID: "c", next: base.Add(time.Minute)},
		"b": {policyID: "b", next: base},
		"a": {policyID: "a", next: base},
		"d": {policyID: "d", next: base.Add(time.Hour)},
	}
	for _, id := range []string{"c", "b", "a", "d"} {
		heap.Push(h, entries[id])
	}

	// Moving d to the front and removing c must keep indexes consistent.
	entries["d"].next = base.Add(-time.Minute)
	heap.Fix(h, entries["d"].index)
	heap.Remove(h, entries["c"].index)

	var order []string
	for h.Len() > 0 {
		order = append(order, heap.Pop(h).(*fireEntry).policyID)
	}
	assert.Equal(t, []string{"d", "a", "b"}, order)
	assert.Equal(t, -1, entries["a"].index)
}
