package distributed

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/distsim/sim"
	"github.com/inference-sim/distsim/sim/trace"
)

// EngineState is the run state of an Engine.
type EngineState int

const (
	StateIdle EngineState = iota
	StateRunning
	StateStopped
)

func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("EngineState(%d)", int(s))
	}
}

// Engine is the conservative (null-message) SimulatorImpl for one rank.
// A rank executes its next local event only when the event's timestamp is not
// later than the safe time, the minimum guarantee over all neighbor ranks;
// otherwise it blocks until a neighbor's message raises the safe time.
type Engine struct {
	*sim.Kernel
	dctx *Context

	state    EngineState
	safeTime int64
	// executing is set while an event runs; the running event is then the
	// rank's next local activity and bounds every guarantee it sends.
	executing     bool
	blockingWaits uint64
}

var _ sim.SimulatorImpl = (*Engine)(nil)

func newEngine(dctx *Context, scheduler sim.Scheduler) *Engine {
	return &Engine{
		Kernel: sim.NewKernel(scheduler),
		dctx:   dctx,
	}
}

// State returns the current run state.
func (e *Engine) State() EngineState {
	return e.state
}

// SafeTime returns the last computed safe time.
func (e *Engine) SafeTime() int64 {
	return e.safeTime
}

// BlockingWaits returns how many times the loop blocked for messages.
func (e *Engine) BlockingWaits() uint64 {
	return e.blockingWaits
}

// GetSystemId returns the local rank.
func (e *Engine) GetSystemId() uint32 {
	return uint32(e.dctx.Messenger.Rank())
}

// CalculateSafeTime recomputes the safe time from the registry.
func (e *Engine) CalculateSafeTime() {
	e.safeTime = e.dctx.Registry.SafeTime()
	if e.safeTime < e.Now() {
		panic(fmt.Sprintf("Engine: safe time %d is earlier than current time %d", e.safeTime, e.Now()))
	}
}

// nextActivity is the time of the next local event, counting the event that
// is currently executing.
func (e *Engine) nextActivity() int64 {
	if e.executing {
		return e.Now()
	}
	return e.Next()
}

// CalculateGuaranteeTime returns the guarantee to embed in a message to rank:
// min(next local event, safe time) + lookahead of the bundle to rank.
func (e *Engine) CalculateGuaranteeTime(rank int) int64 {
	bundle := e.dctx.Registry.Find(rank)
	if bundle == nil {
		panic(fmt.Sprintf("Engine: no channel bundle for rank %d", rank))
	}
	return sim.SaturatingAdd(min(e.nextActivity(), e.safeTime), bundle.Lookahead())
}

func (e *Engine) nullMessageInterval(bundle *ChannelBundle) int64 {
	interval := int64(float64(bundle.Lookahead()) * e.dctx.Config.SchedulerTune)
	return max(interval, 1)
}

// ScheduleNullMessageEvent arms the bundle's null-message timer.
func (e *Engine) ScheduleNullMessageEvent(bundle *ChannelBundle) {
	ts := sim.SaturatingAdd(e.Now(), e.nullMessageInterval(bundle))
	bundle.SetNullEvent(e.ScheduleAt(sim.NoContext, ts, func() {
		e.nullMessageEventHandler(bundle)
	}))
}

// RescheduleNullMessageEvent removes the pending timer and arms a new one.
func (e *Engine) RescheduleNullMessageEvent(bundle *ChannelBundle) {
	e.Remove(bundle.NullEvent())
	e.ScheduleNullMessageEvent(bundle)
}

func (e *Engine) nullMessageEventHandler(bundle *ChannelBundle) {
	e.dctx.Messenger.SendNullMessage(e.CalculateGuaranteeTime(bundle.RemoteRank()), bundle)
	e.ScheduleNullMessageEvent(bundle)
}

// InitializeNullMessageEvents arms every bundle's timer and sends the first
// null message, guaranteeing one lookahead from time zero.
func (e *Engine) InitializeNullMessageEvents() {
	for _, bundle := range e.dctx.Registry.Bundles() {
		e.ScheduleNullMessageEvent(bundle)
		e.dctx.Messenger.SendNullMessage(sim.SaturatingAdd(e.Now(), bundle.Lookahead()), bundle)
	}
}

// ScheduleWithContext queues fn for node context; used for events arriving
// from other ranks. An event earlier than the current time is fatal.
func (e *Engine) ScheduleWithContext(context uint32, delay int64, fn func()) sim.EventID {
	ts := sim.SaturatingAdd(e.Now(), delay)
	if delay < 0 || ts < e.Now() {
		panic(fmt.Sprintf("Engine: event for context %d at %d is earlier than current time %d", context, ts, e.Now()))
	}
	return e.ScheduleAt(context, ts, fn)
}

// Run discovers the channel bundles, posts receive buffers, sends the initial
// null messages and then executes events while they are safe, blocking for
// messages when they are not. It returns when the queue drains, Stop is
// called, or ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if e.state != StateIdle {
		panic(fmt.Sprintf("Engine: Run called in state %s", e.state))
	}
	dc := e.dctx
	if !dc.Messenger.Enabled() {
		panic("Engine: Run called before Messenger.Enable")
	}
	if dc.resolver == nil {
		panic("Engine: Run called before Context.Bind")
	}
	e.state = StateRunning

	dc.Registry.Discover(dc.links)
	dc.Registry.Freeze()
	dc.Messenger.InitializeReceiveBuffers()
	e.InitializeNullMessageEvents()
	e.CalculateSafeTime()
	logrus.Infof("rank %d running with %d neighbor ranks", dc.Messenger.Rank(), dc.Registry.Size())

	for !e.IsFinished() {
		if err := ctx.Err(); err != nil {
			e.state = StateStopped
			return fmt.Errorf("rank %d interrupted at tick %d: %w", dc.Messenger.Rank(), e.Now(), err)
		}
		next := e.Next()
		if next < e.Now() {
			panic(fmt.Sprintf("Engine: next event %d is earlier than current time %d", next, e.Now()))
		}
		if next <= e.safeTime {
			if tr := dc.Trace; tr != nil {
				tr.RecordExecution(trace.ExecutionRecord{Clock: next, SafeTime: e.safeTime, Context: e.NextContext()})
			}
			e.executing = true
			e.ProcessOneEvent()
			e.executing = false
			dc.Messenger.ReceiveNonBlocking()
		} else {
			e.blockingWaits++
			logrus.Debugf("rank %d blocked: next=%d safe=%d", dc.Messenger.Rank(), next, e.safeTime)
			if err := dc.Messenger.ReceiveBlocking(ctx); err != nil {
				e.state = StateStopped
				return fmt.Errorf("rank %d waiting for messages: %w", dc.Messenger.Rank(), err)
			}
		}
		dc.Messenger.TestSendComplete()
	}

	e.state = StateStopped
	logrus.Infof("[tick %07d] rank %d simulation ended", e.Now(), dc.Messenger.Rank())
	return nil
}

// Destroy runs the destroy events, then leaves the process group and clears
// the registry.
func (e *Engine) Destroy() {
	e.Kernel.Destroy()
	e.dctx.Messenger.Disable()
	e.dctx.Registry.Clear()
}
