package syncqueue

import (
	"container/heap"
	"time"

	"github.com/ValentinKolb/dSync/lib/model"
)

// deadlineItem is a pending target ordered by its deadline.
type deadlineItem struct {
	target   model.SyncTarget
	deadline time.Time
	index    int
}

// deadlineHeap is a min-heap of deadlines with O(1) lookup by target.
// It is not thread-safe; the queue guards it with its mutex.
type deadlineHeap struct {
	items    []*deadlineItem
	byTarget map[model.SyncTarget]*deadlineItem
}

func newDeadlineHeap() *deadlineHeap {
	return &deadlineHeap{
		items:    make([]*deadlineItem, 0, 4),
		byTarget: make(map[model.SyncTarget]*deadlineItem),
	}
}

func (h *deadlineHeap) Len() int { return len(h.items) }

func (h *deadlineHeap) Less(i, j int) bool {
	return h.items[i].deadline.Before(h.items[j].deadline)
}

func (h *deadlineHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	it := x.(*deadlineItem)
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.byTarget[it.target] = it
}

func (h *deadlineHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.byTarget, it.target)
	return it
}

// set adds a target or moves its deadline.
func (h *deadlineHeap) set(target model.SyncTarget, deadline time.Time) {
	if it, ok := h.byTarget[target]; ok {
		it.deadline = deadline
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &deadlineItem{target: target, deadline: deadline})
}

// remove drops a target if present.
func (h *deadlineHeap) remove(target model.SyncTarget) bool {
	it, ok := h.byTarget[target]
	if !ok {
		return false
	}
	heap.Remove(h, it.index)
	return true
}

// peek returns the earliest deadline without removing it.
func (h *deadlineHeap) peek() (*deadlineItem, bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0], true
}

// popDue removes and returns the earliest target if its deadline is not after now.
func (h *deadlineHeap) popDue(now time.Time) (model.SyncTarget, bool) {
	it, ok := h.peek()
	if !ok || it.deadline.After(now) {
		return 0, false
	}
	heap.Pop(h)
	return it.target, true
}
