package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// LocalWorld is an in-process process group: each rank is a Comm backed by
// in-memory mailboxes. Sends are buffered (the payload is copied on Isend and
// the request completes immediately), mirroring an eager message protocol.
type LocalWorld struct {
	mu        sync.Mutex
	endpoints []*endpoint
	joined    []bool
}

// NewLocalWorld creates a group of size ranks.
func NewLocalWorld(size int) *LocalWorld {
	if size <= 0 {
		panic(fmt.Sprintf("LocalWorld: size must be > 0, got %d", size))
	}
	w := &LocalWorld{
		endpoints: make([]*endpoint, size),
		joined:    make([]bool, size),
	}
	for r := range w.endpoints {
		w.endpoints[r] = newEndpoint(r, size)
	}
	return w
}

// Size returns the number of ranks.
func (w *LocalWorld) Size() int {
	return len(w.endpoints)
}

// Connector returns the Connector for rank.
func (w *LocalWorld) Connector(rank int) Connector {
	return localConnector{world: w, rank: rank}
}

type localConnector struct {
	world *LocalWorld
	rank  int
}

// Connect joins rank to the world. Each rank may join once.
func (c localConnector) Connect(ctx context.Context) (Comm, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := c.world
	if c.rank < 0 || c.rank >= len(w.endpoints) {
		return nil, fmt.Errorf("transport: rank %d out of range [0, %d)", c.rank, len(w.endpoints))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.joined[c.rank] {
		return nil, fmt.Errorf("transport: rank %d already joined", c.rank)
	}
	w.joined[c.rank] = true
	return &localComm{endpoint: w.endpoints[c.rank], world: w}, nil
}

type localComm struct {
	*endpoint
	world *LocalWorld
}

func (c *localComm) Isend(buf []byte, dest int) (*Request, error) {
	if err := c.checkPeer(dest); err != nil {
		return nil, err
	}
	req := NewRequest()
	peer := c.world.endpoints[dest]
	if peer.isClosed() {
		req.Complete(Status{Source: dest, Err: ErrClosed})
		return req, nil
	}
	peer.deliver(c.rank, bytes.Clone(buf))
	req.Complete(Status{Source: dest, Count: len(buf)})
	return req, nil
}

func (c *localComm) Close() error {
	c.shutdown()
	return nil
}
