// Package transport provides the rank-addressed, point-to-point message passing
// substrate used by the distributed engine.
//
// The model follows non-blocking message passing: Isend and Irecv return a
// *Request immediately, completion is observed by polling (Request.Test, TestAny)
// or waiting (WaitAny). A send buffer belongs to the transport until its request
// completes; a receive buffer is written by the transport and may be read only
// after completion.
//
// Two implementations are provided:
//   - LocalWorld: every rank lives in the current process (goroutines); used by
//     tests and single-host runs.
//   - TCPConfig: one process per rank connected by a full TCP mesh.
//
// Other transports implement Comm by issuing requests from NewRequest and
// resolving them with Request.Complete.
//
// Messages between a given pair of ranks are delivered in send order.
package transport
