package queue

import (
	"container/heap"
	"sync"
	"time"
)

// Item represents a scheduled queue entry
type Item struct {
	Value    interface{} // The scheduled callback or value
	Priority int         // Priority among entries due at the same instant (higher first)
	NextRun  time.Time   // When this item becomes due
	Index    int         // Index in the heap, -1 once removed
	seq      uint64
}

// PriorityQueue orders items by due time, then priority, then insertion order
type PriorityQueue struct {
	items itemHeap
	seq   uint64
	mu    sync.Mutex
}

// NewPriorityQueue creates a new priority queue
func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{
		items: make(itemHeap, 0),
	}
	heap.Init(&pq.items)
	return pq
}

// Push adds an item to the queue and returns it so it can later be removed
func (pq *PriorityQueue) Push(value interface{}, priority int, nextRun time.Time) *Item {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	pq.seq++
	item := &Item{
		Value:    value,
		Priority: priority,
		NextRun:  nextRun,
		seq:      pq.seq,
	}
	heap.Push(&pq.items, item)
	return item
}

// Remove takes item out of the queue. It reports false if the item was
// already popped or removed.
func (pq *PriorityQueue) Remove(item *Item) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if item == nil || item.Index < 0 || item.Index >= len(pq.items) || pq.items[item.Index] != item {
		return false
	}
	heap.Remove(&pq.items, item.Index)
	return true
}

// Pop removes and returns the earliest item
func (pq *PriorityQueue) Pop() interface{} {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.items.Len() == 0 {
		return nil
	}

	item := heap.Pop(&pq.items).(*Item)
	return item.Value
}

// Peek returns the earliest item without removing it
func (pq *PriorityQueue) Peek() *Item {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.items.Len() == 0 {
		return nil
	}

	return pq.items[0]
}

// NextReady removes and returns the earliest item due at or before now
func (pq *PriorityQueue) NextReady(now time.Time) interface{} {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.items.Len() == 0 {
		return nil
	}

	item := pq.items[0]
	if now.Before(item.NextRun) {
		return nil
	}

	item = heap.Pop(&pq.items).(*Item)
	return item.Value
}

// Len returns the number of items in the queue
func (pq *PriorityQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.items.Len()
}

// Clear removes all items
func (pq *PriorityQueue) Clear() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	for _, it := range pq.items {
		it.Index = -1
	}
	pq.items = make(itemHeap, 0)
	heap.Init(&pq.items)
}

// itemHeap implements heap.Interface
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].NextRun.Before(h[j].NextRun) {
		return true
	}
	if h[j].NextRun.Before(h[i].NextRun) {
		return false
	}
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].Index = i
	h[j].Index = j
}

func (h *itemHeap) Push(x interface{}) {
	item := x.(*Item)
	item.Index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	*h = old[0 : n-1]
	return item
}
