package sim

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Kernel holds the rank-local clock and event queue shared by every SimulatorImpl
// variant. It is not safe for concurrent use: all calls must come from the goroutine
// driving the run loop.
type Kernel struct {
	scheduler Scheduler
	clock     int64
	nextUID   uint64

	// Context and uid of the event currently executing.
	currentContext uint32
	currentUID     uint64

	destroyEvents []*Event
	stop          bool
	eventCount    uint64
}

// NewKernel creates a kernel on top of the given scheduler.
// A nil scheduler selects a HeapScheduler.
func NewKernel(scheduler Scheduler) *Kernel {
	if scheduler == nil {
		scheduler = NewHeapScheduler()
	}
	return &Kernel{
		scheduler:      scheduler,
		nextUID:        1,
		currentContext: NoContext,
	}
}

// Now returns the current simulation time (in ticks).
func (k *Kernel) Now() int64 {
	return k.clock
}

// GetContext returns the context of the currently executing event.
func (k *Kernel) GetContext() uint32 {
	return k.currentContext
}

// EventCount returns the number of events executed so far.
func (k *Kernel) EventCount() uint64 {
	return k.eventCount
}

// Schedule queues fn to run delay ticks from now, in the current context.
func (k *Kernel) Schedule(delay int64, fn func()) EventID {
	if delay < 0 {
		panic(fmt.Sprintf("Kernel: negative delay %d", delay))
	}
	return k.ScheduleAt(k.currentContext, SaturatingAdd(k.clock, delay), fn)
}

// ScheduleWithContext queues fn to run delay ticks from now, attributed to context.
func (k *Kernel) ScheduleWithContext(context uint32, delay int64, fn func()) EventID {
	if delay < 0 {
		panic(fmt.Sprintf("Kernel: negative delay %d", delay))
	}
	return k.ScheduleAt(context, SaturatingAdd(k.clock, delay), fn)
}

// ScheduleNow queues fn at the current time, after every event already queued for now.
func (k *Kernel) ScheduleNow(fn func()) EventID {
	return k.ScheduleAt(k.currentContext, k.clock, fn)
}

// ScheduleAt queues fn at absolute time ts. Scheduling into the past panics:
// it would reorder events that have already executed.
func (k *Kernel) ScheduleAt(context uint32, ts int64, fn func()) EventID {
	if ts < k.clock {
		panic(fmt.Sprintf("Kernel: event at %d scheduled before current time %d", ts, k.clock))
	}
	ev := NewEvent(ts, context, k.nextUID, fn)
	k.nextUID++
	k.scheduler.Insert(ev)
	return EventID{ev: ev}
}

// ScheduleDestroy registers fn to run from Destroy, in registration order.
func (k *Kernel) ScheduleDestroy(fn func()) EventID {
	ev := NewEvent(k.clock, k.currentContext, k.nextUID, fn)
	ev.destroy = true
	k.nextUID++
	k.destroyEvents = append(k.destroyEvents, ev)
	return EventID{ev: ev}
}

// Remove takes an event out of the queue. Expired ids are ignored.
func (k *Kernel) Remove(id EventID) {
	ev := id.ev
	if ev == nil {
		return
	}
	if ev.destroy {
		for i, d := range k.destroyEvents {
			if d == ev {
				k.destroyEvents = append(k.destroyEvents[:i], k.destroyEvents[i+1:]...)
				break
			}
		}
		ev.cancelled = true
		return
	}
	if k.IsExpired(id) {
		return
	}
	k.scheduler.Remove(ev)
	ev.cancelled = true
}

// Cancel marks an event so it is skipped when dequeued. The event stays in the
// queue until its timestamp is reached.
func (k *Kernel) Cancel(id EventID) {
	if !k.IsExpired(id) {
		id.ev.cancelled = true
	}
}

// IsExpired reports whether the event has executed, been cancelled or removed.
func (k *Kernel) IsExpired(id EventID) bool {
	ev := id.ev
	if ev == nil || ev.cancelled {
		return true
	}
	if ev.destroy {
		for _, d := range k.destroyEvents {
			if d == ev {
				return false
			}
		}
		return true
	}
	if ev.ts < k.clock || (ev.ts == k.clock && ev.uid <= k.currentUID) {
		return true
	}
	return false
}

// Next returns the timestamp of the next queued event, or MaxTime if the queue is empty.
func (k *Kernel) Next() int64 {
	ev := k.scheduler.PeekNext()
	if ev == nil {
		return MaxTime
	}
	return ev.ts
}

// NextContext returns the context of the next queued event, or NoContext.
func (k *Kernel) NextContext() uint32 {
	ev := k.scheduler.PeekNext()
	if ev == nil {
		return NoContext
	}
	return ev.context
}

// IsEmpty reports whether the local event queue is empty.
func (k *Kernel) IsEmpty() bool {
	return k.scheduler.IsEmpty()
}

// IsFinished reports whether the run loop should exit.
func (k *Kernel) IsFinished() bool {
	return k.scheduler.IsEmpty() || k.stop
}

// Stop requests the run loop to exit before the next iteration.
func (k *Kernel) Stop() {
	k.stop = true
}

// StopAfter schedules Stop delay ticks from now.
func (k *Kernel) StopAfter(delay int64) EventID {
	return k.Schedule(delay, k.Stop)
}

// Stopped reports whether Stop has been called.
func (k *Kernel) Stopped() bool {
	return k.stop
}

// ProcessOneEvent dequeues the earliest event, advances the clock and invokes it.
func (k *Kernel) ProcessOneEvent() *Event {
	ev := k.scheduler.RemoveNext()
	if ev == nil {
		return nil
	}
	// Clock monotonicity
	if ev.ts < k.clock {
		panic(fmt.Sprintf("Kernel: clock went backwards: %d < %d", ev.ts, k.clock))
	}
	k.clock = ev.ts
	k.currentContext = ev.context
	k.currentUID = ev.uid
	if !ev.cancelled {
		k.eventCount++
		logrus.Debugf("[tick %07d] Executing event uid=%d context=%d", k.clock, ev.uid, ev.context)
	}
	ev.invoke()
	return ev
}

// Destroy runs the destroy events in registration order and empties the list.
func (k *Kernel) Destroy() {
	for len(k.destroyEvents) > 0 {
		ev := k.destroyEvents[0]
		k.destroyEvents = k.destroyEvents[1:]
		ev.invoke()
		ev.cancelled = true
	}
}

// SaturatingAdd adds two tick values, clamping at MaxTime.
func SaturatingAdd(a, b int64) int64 {
	if b > 0 && a > MaxTime-b {
		return MaxTime
	}
	return a + b
}
