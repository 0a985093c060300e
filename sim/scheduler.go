package sim

import "container/heap"

// Scheduler is the pluggable local event queue consumed by Kernel.
// Implementations must order events by timestamp, then by ascending uid.
type Scheduler interface {
	Insert(ev *Event)
	// RemoveNext removes and returns the earliest event, or nil when empty.
	RemoveNext() *Event
	// PeekNext returns the earliest event without removing it, or nil when empty.
	PeekNext() *Event
	// Remove deletes ev from the queue, reporting whether it was queued.
	Remove(ev *Event) bool
	IsEmpty() bool
}

// HeapScheduler implements Scheduler with a binary heap.
// See canonical Golang example here: https://pkg.go.dev/container/heap#example-package-PriorityQueue
type HeapScheduler struct {
	events []*Event
}

// NewHeapScheduler creates an empty heap scheduler.
func NewHeapScheduler() *HeapScheduler {
	h := &HeapScheduler{
		events: make([]*Event, 0),
	}
	heap.Init(h)
	return h
}

// Len implements heap.Interface
func (h *HeapScheduler) Len() int {
	return len(h.events)
}

// Less implements heap.Interface with deterministic ordering
// Order by: timestamp → uid
func (h *HeapScheduler) Less(i, j int) bool {
	ei, ej := h.events[i], h.events[j]
	if ei.ts != ej.ts {
		return ei.ts < ej.ts
	}
	return ei.uid < ej.uid
}

// Swap implements heap.Interface
func (h *HeapScheduler) Swap(i, j int) {
	h.events[i], h.events[j] = h.events[j], h.events[i]
	h.events[i].index = i
	h.events[j].index = j
}

// Push implements heap.Interface
func (h *HeapScheduler) Push(x any) {
	ev := x.(*Event)
	ev.index = len(h.events)
	h.events = append(h.events, ev)
}

// Pop implements heap.Interface
func (h *HeapScheduler) Pop() any {
	old := h.events
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.events = old[0 : n-1]
	return item
}

// Insert adds an event to the heap.
func (h *HeapScheduler) Insert(ev *Event) {
	heap.Push(h, ev)
}

// RemoveNext removes and returns the next event.
func (h *HeapScheduler) RemoveNext() *Event {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*Event)
}

// PeekNext returns the next event without removing it.
func (h *HeapScheduler) PeekNext() *Event {
	if h.Len() == 0 {
		return nil
	}
	return h.events[0]
}

// Remove deletes ev if it is currently held by this heap.
func (h *HeapScheduler) Remove(ev *Event) bool {
	if ev == nil || ev.index < 0 || ev.index >= len(h.events) || h.events[ev.index] != ev {
		return false
	}
	heap.Remove(h, ev.index)
	return true
}

// IsEmpty reports whether no events are queued.
func (h *HeapScheduler) IsEmpty() bool {
	return h.Len() == 0
}
