// Package sim provides the rank-local discrete-event kernel for distsim.
//
// # Reading Guide
//
// Start with these files to understand the kernel:
//   - event.go: Event and EventID, the unit of scheduled work and its handle
//   - scheduler.go: the pluggable Scheduler queue and its heap implementation
//   - kernel.go: clock, Schedule/Cancel/Remove bookkeeping, ProcessOneEvent
//   - simulator.go: the SimulatorImpl surface and the single-process DefaultSimulator
//
// # Architecture
//
// The sim package defines the kernel and the SimulatorImpl strategy interface;
// the variants and collaborators live in sub-packages:
//   - sim/distributed/: the conservative (null-message) multi-rank engine
//   - sim/transport/: rank-addressed message passing (in-process and TCP)
//   - sim/network/: topology, devices, links and the ping/echo application
//   - sim/trace/: synchronization trace recording
//   - sim/cluster/: runs a topology on either variant, one rank or all ranks in-process
//
// The variant is selected once per process with EngineKind and injected into the
// network model; nothing registers itself globally.
package sim
