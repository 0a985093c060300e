// sim/simulator.go
package sim

import (
	"context"

	"github.com/sirupsen/logrus"
)

// SimulatorImpl is the discrete-event simulator surface seen by models.
// Exactly one implementation is chosen per process (see EngineKind) and injected.
type SimulatorImpl interface {
	Schedule(delay int64, fn func()) EventID
	ScheduleWithContext(context uint32, delay int64, fn func()) EventID
	ScheduleNow(fn func()) EventID
	ScheduleDestroy(fn func()) EventID
	Remove(id EventID)
	Cancel(id EventID)
	IsExpired(id EventID) bool
	Now() int64
	Run(ctx context.Context) error
	Stop()
	StopAfter(delay int64) EventID
	GetSystemId() uint32
	GetContext() uint32
	Destroy()
}

// DefaultSimulator is the single-process SimulatorImpl: it executes every queued
// event in timestamp order with no synchronization.
type DefaultSimulator struct {
	*Kernel
}

var _ SimulatorImpl = (*DefaultSimulator)(nil)

// NewDefaultSimulator creates a single-process simulator. A nil scheduler selects a HeapScheduler.
func NewDefaultSimulator(scheduler Scheduler) *DefaultSimulator {
	return &DefaultSimulator{Kernel: NewKernel(scheduler)}
}

// GetSystemId always returns 0: a single-process run has one rank.
func (s *DefaultSimulator) GetSystemId() uint32 {
	return 0
}

// Run executes events until the queue drains, Stop is called, or ctx is cancelled.
func (s *DefaultSimulator) Run(ctx context.Context) error {
	for !s.IsFinished() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.ProcessOneEvent()
	}
	logrus.Infof("[tick %07d] Simulation ended", s.Now())
	return nil
}
