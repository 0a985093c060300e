package transport

import (
	"context"
	"errors"
	"reflect"
	"sync"
)

// ErrClosed is reported by operations on a closed Comm.
var ErrClosed = errors.New("transport: comm closed")

// ErrNoActiveRequests is returned by WaitAny when every request is nil.
var ErrNoActiveRequests = errors.New("transport: no active requests")

// Connector joins a process group and returns this process's Comm.
type Connector interface {
	Connect(ctx context.Context) (Comm, error)
}

// Comm is one rank's view of the process group.
type Comm interface {
	// Rank returns the local rank id, in [0, Size()).
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int
	// Isend starts sending buf to dest. buf must not be modified until the
	// returned request completes.
	Isend(buf []byte, dest int) (*Request, error)
	// Irecv posts buf to receive the next message from src.
	Irecv(buf []byte, src int) (*Request, error)
	// Close cancels outstanding requests and releases the group.
	Close() error
}

// Status describes a completed request.
type Status struct {
	Source    int   // sending rank (receives) or destination rank (sends)
	Count     int   // bytes transferred
	Cancelled bool  // the request was cancelled before matching
	Err       error // transfer failure, e.g. truncation or a broken connection
}

// Request is the completion handle of one Isend or Irecv.
type Request struct {
	done   chan struct{}
	once   sync.Once
	status Status
	cancel func()
}

// NewRequest returns a pending request. Comm implementations outside this
// package create their requests here and resolve them with Complete.
func NewRequest() *Request {
	return &Request{done: make(chan struct{})}
}

// OnCancel sets the function Cancel invokes. It must be set before the
// request is handed to a caller.
func (r *Request) OnCancel(fn func()) {
	r.cancel = fn
}

// Complete resolves the request; only the first call has any effect. It
// reports whether this call resolved it.
func (r *Request) Complete(st Status) bool {
	fired := false
	r.once.Do(func() {
		r.status = st
		close(r.done)
		fired = true
	})
	return fired
}

// Done returns a channel closed when the request completes.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Test reports whether the request has completed, without blocking.
func (r *Request) Test() (Status, bool) {
	select {
	case <-r.done:
		return r.status, true
	default:
		return Status{}, false
	}
}

// Wait blocks until the request completes or ctx is done.
func (r *Request) Wait(ctx context.Context) (Status, error) {
	select {
	case <-r.done:
		return r.status, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Cancel asks the transport to abandon the request. A request that already
// matched a message completes normally.
func (r *Request) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

// TestAny returns the index and status of a completed request, preferring the
// lowest index. Nil entries are skipped. ok is false when none has completed.
func TestAny(reqs []*Request) (index int, st Status, ok bool) {
	for i, r := range reqs {
		if r == nil {
			continue
		}
		if st, done := r.Test(); done {
			return i, st, true
		}
	}
	return -1, Status{}, false
}

// WaitAny blocks until one of reqs completes or ctx is done.
func WaitAny(ctx context.Context, reqs []*Request) (int, Status, error) {
	if i, st, ok := TestAny(reqs); ok {
		return i, st, nil
	}
	cases := make([]reflect.SelectCase, 0, len(reqs)+1)
	indexes := make([]int, 0, len(reqs))
	for i, r := range reqs {
		if r == nil {
			continue
		}
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.done)})
		indexes = append(indexes, i)
	}
	if len(cases) == 0 {
		return -1, Status{}, ErrNoActiveRequests
	}
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	chosen, _, _ := reflect.Select(cases)
	if chosen == len(cases)-1 {
		return -1, Status{}, ctx.Err()
	}
	i := indexes[chosen]
	return i, reqs[i].status, nil
}
