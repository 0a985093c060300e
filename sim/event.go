package sim

import "math"

const (
	// MaxTime is the largest representable simulation time (in ticks).
	MaxTime int64 = math.MaxInt64

	// NoContext marks an event that is not attributed to any simulated node.
	NoContext uint32 = 0xffffffff
)

// Event is a single unit of scheduled work in the local event queue.
// Events are ordered by timestamp, ties broken by ascending uid.
type Event struct {
	ts        int64  // Simulation time of execution (in ticks)
	context   uint32 // Node the event is attributed to, or NoContext
	uid       uint64 // Per-kernel sequence number, tie-breaker at equal timestamp
	fn        func() // Payload invoked when the event executes
	cancelled bool
	destroy   bool
	index     int // position in the owning HeapScheduler, -1 when not queued
}

// NewEvent creates an event. Kernels assign uids; NewEvent is exported so that
// Scheduler implementations can be tested in isolation.
func NewEvent(ts int64, context uint32, uid uint64, fn func()) *Event {
	return &Event{ts: ts, context: context, uid: uid, fn: fn, index: -1}
}

// Timestamp returns the scheduled time of the event.
func (e *Event) Timestamp() int64 {
	return e.ts
}

// Context returns the execution context of the event.
func (e *Event) Context() uint32 {
	return e.context
}

// UID returns the event's tie-breaking sequence id.
func (e *Event) UID() uint64 {
	return e.uid
}

// IsCancelled reports whether Cancel or Remove was called on the event.
func (e *Event) IsCancelled() bool {
	return e.cancelled
}

func (e *Event) invoke() {
	if e.cancelled || e.fn == nil {
		return
	}
	e.fn()
}

// EventID is the handle returned by the Schedule family.
// The zero value refers to no event and is always expired.
type EventID struct {
	ev *Event
}

// IsZero reports whether the id refers to no event.
func (id EventID) IsZero() bool {
	return id.ev == nil
}

// Timestamp returns the scheduled time of the referenced event, or 0 for the zero id.
func (id EventID) Timestamp() int64 {
	if id.ev == nil {
		return 0
	}
	return id.ev.ts
}

// UID returns the uid of the referenced event, or 0 for the zero id.
func (id EventID) UID() uint64 {
	if id.ev == nil {
		return 0
	}
	return id.ev.uid
}
