package transport

import (
	"fmt"
	"sync"
)

// envelope is one message in flight. req is the sender's request when the
// sender is waiting on delivery (TCP writer queue), nil otherwise.
type envelope struct {
	data []byte
	req  *Request
}

// mailbox is an unbounded FIFO with a single-slot wakeup channel.
type mailbox struct {
	mu     sync.Mutex
	queue  []*envelope
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) put(env *envelope) {
	m.mu.Lock()
	m.queue = append(m.queue, env)
	m.mu.Unlock()
	m.signal()
}

// take pops the oldest envelope, or returns nil when empty.
func (m *mailbox) take() *envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil
	}
	env := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	if len(m.queue) > 0 {
		// another waiter may be parked on notify
		m.signal()
	}
	return env
}

func (m *mailbox) remove(env *envelope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.queue {
		if e == env {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

// drain empties the mailbox and returns what it held.
func (m *mailbox) drain() []*envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out
}

// endpoint implements the receive side shared by every Comm: one inbound
// mailbox per source rank, matched against posted receive buffers.
type endpoint struct {
	rank   int
	size   int
	inbox  []*mailbox
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newEndpoint(rank, size int) *endpoint {
	e := &endpoint{
		rank:   rank,
		size:   size,
		inbox:  make([]*mailbox, size),
		closed: make(chan struct{}),
	}
	for i := range e.inbox {
		e.inbox[i] = newMailbox()
	}
	return e
}

func (e *endpoint) Rank() int {
	return e.rank
}

func (e *endpoint) Size() int {
	return e.size
}

func (e *endpoint) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

func (e *endpoint) checkPeer(peer int) error {
	if peer < 0 || peer >= e.size {
		return fmt.Errorf("transport: rank %d out of range [0, %d)", peer, e.size)
	}
	if peer == e.rank {
		return fmt.Errorf("transport: rank %d cannot address itself", peer)
	}
	if e.isClosed() {
		return ErrClosed
	}
	return nil
}

// deliver queues an inbound message from src.
func (e *endpoint) deliver(src int, data []byte) {
	e.inbox[src].put(&envelope{data: data})
}

// Irecv posts buf for the next message from src. A message longer than buf is
// truncated and reported through Status.Err.
func (e *endpoint) Irecv(buf []byte, src int) (*Request, error) {
	if err := e.checkPeer(src); err != nil {
		return nil, err
	}
	req := NewRequest()
	cancel := make(chan struct{})
	var cancelOnce sync.Once
	req.cancel = func() { cancelOnce.Do(func() { close(cancel) }) }

	mb := e.inbox[src]
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			if env := mb.take(); env != nil {
				n := copy(buf, env.data)
				st := Status{Source: src, Count: n}
				if len(env.data) > len(buf) {
					st.Err = fmt.Errorf("transport: %d-byte message from rank %d truncated to %d bytes", len(env.data), src, len(buf))
				}
				req.Complete(st)
				return
			}
			select {
			case <-mb.notify:
			case <-cancel:
				req.Complete(Status{Source: src, Cancelled: true})
				return
			case <-e.closed:
				req.Complete(Status{Source: src, Cancelled: true})
				return
			}
		}
	}()
	return req, nil
}

// shutdown cancels posted receives and waits for their goroutines.
func (e *endpoint) shutdown() {
	e.once.Do(func() { close(e.closed) })
	e.wg.Wait()
}
