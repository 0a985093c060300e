package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxFrameSize bounds inbound frames so a corrupt length prefix cannot
// trigger a huge allocation.
const maxFrameSize = 1 << 20

// TCPConfig connects one rank to a full TCP mesh. Rank r dials every lower
// rank and accepts a connection from every higher rank; the dialer announces
// its rank in a 4-byte little-endian handshake.
type TCPConfig struct {
	Rank  int      // local rank
	Addrs []string // listen address of every rank, indexed by rank

	// Listener, when set, is used instead of listening on Addrs[Rank].
	Listener net.Listener

	ConnectTimeout time.Duration // overall mesh setup deadline (default 30s)
	RetryInterval  time.Duration // delay between dial attempts (default 100ms)
}

// Validate checks the rank/address table.
func (c TCPConfig) Validate() error {
	if len(c.Addrs) == 0 {
		return fmt.Errorf("tcp transport: no rank addresses")
	}
	if c.Rank < 0 || c.Rank >= len(c.Addrs) {
		return fmt.Errorf("tcp transport: rank %d out of range [0, %d)", c.Rank, len(c.Addrs))
	}
	for r, a := range c.Addrs {
		if a == "" && r < c.Rank {
			return fmt.Errorf("tcp transport: empty address for rank %d", r)
		}
	}
	return nil
}

// Connect builds the mesh and returns the local Comm.
func (c TCPConfig) Connect(ctx context.Context) (Comm, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retry := c.RetryInterval
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}

	ln := c.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", c.Addrs[c.Rank])
		if err != nil {
			return nil, fmt.Errorf("tcp transport: listen on %s: %w", c.Addrs[c.Rank], err)
		}
	}
	defer ln.Close()

	size := len(c.Addrs)
	conns := make([]net.Conn, size)
	var mu sync.Mutex

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	stopAccept := make(chan struct{})
	defer close(stopAccept)
	go func() {
		select {
		case <-gctx.Done():
			ln.Close()
		case <-stopAccept:
		}
	}()

	inbound := size - 1 - c.Rank
	g.Go(func() error {
		for accepted := 0; accepted < inbound; accepted++ {
			conn, err := ln.Accept()
			if err != nil {
				return fmt.Errorf("tcp transport: accept: %w", err)
			}
			var hdr [4]byte
			if _, err := io.ReadFull(conn, hdr[:]); err != nil {
				conn.Close()
				return fmt.Errorf("tcp transport: handshake: %w", err)
			}
			peer := int(binary.LittleEndian.Uint32(hdr[:]))
			mu.Lock()
			if peer <= c.Rank || peer >= size || conns[peer] != nil {
				mu.Unlock()
				conn.Close()
				return fmt.Errorf("tcp transport: unexpected handshake from rank %d", peer)
			}
			conns[peer] = conn
			mu.Unlock()
		}
		return nil
	})

	for peer := 0; peer < c.Rank; peer++ {
		addr := c.Addrs[peer]
		g.Go(func() error {
			conn, err := dialWithRetry(gctx, addr, retry)
			if err != nil {
				return fmt.Errorf("tcp transport: dial rank %d at %s: %w", peer, addr, err)
			}
			var hdr [4]byte
			binary.LittleEndian.PutUint32(hdr[:], uint32(c.Rank))
			if _, err := conn.Write(hdr[:]); err != nil {
				conn.Close()
				return fmt.Errorf("tcp transport: handshake with rank %d: %w", peer, err)
			}
			mu.Lock()
			conns[peer] = conn
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			if conn != nil {
				conn.Close()
			}
		}
		return nil, err
	}
	logrus.Debugf("tcp transport: rank %d connected to %d peers", c.Rank, size-1)
	return newTCPComm(c.Rank, conns), nil
}

func dialWithRetry(ctx context.Context, addr string, retry time.Duration) (net.Conn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), err)
		case <-time.After(retry):
		}
	}
}

type tcpComm struct {
	*endpoint
	conns  []net.Conn
	outbox []*mailbox
	io     sync.WaitGroup
}

func newTCPComm(rank int, conns []net.Conn) *tcpComm {
	c := &tcpComm{
		endpoint: newEndpoint(rank, len(conns)),
		conns:    conns,
		outbox:   make([]*mailbox, len(conns)),
	}
	for peer, conn := range conns {
		if conn == nil {
			continue
		}
		c.outbox[peer] = newMailbox()
		c.io.Add(2)
		go c.readLoop(peer, conn)
		go c.writeLoop(peer, conn)
	}
	return c
}

func (c *tcpComm) readLoop(peer int, conn net.Conn) {
	defer c.io.Done()
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			c.readFailed(peer, err)
			return
		}
		n := binary.LittleEndian.Uint32(hdr[:])
		if n > maxFrameSize {
			logrus.Errorf("tcp transport: rank %d sent a %d-byte frame, dropping connection", peer, n)
			return
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(conn, data); err != nil {
			c.readFailed(peer, err)
			return
		}
		c.deliver(peer, data)
	}
}

func (c *tcpComm) readFailed(peer int, err error) {
	if c.isClosed() {
		return
	}
	if errors.Is(err, io.EOF) {
		// The peer finished and closed its side; receives from it stay pending.
		logrus.Debugf("tcp transport: rank %d closed the connection", peer)
		return
	}
	logrus.Warnf("tcp transport: read from rank %d: %v", peer, err)
}

func (c *tcpComm) writeLoop(peer int, conn net.Conn) {
	defer c.io.Done()
	mb := c.outbox[peer]
	for {
		env := mb.take()
		if env == nil {
			select {
			case <-mb.notify:
				continue
			case <-c.closed:
				return
			}
		}
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], uint32(len(env.data)))
		bufs := net.Buffers{hdr[:], env.data}
		_, err := bufs.WriteTo(conn)
		st := Status{Source: peer, Count: len(env.data)}
		if err != nil {
			st.Err = fmt.Errorf("tcp transport: write to rank %d: %w", peer, err)
			st.Count = 0
		}
		env.req.Complete(st)
	}
}

func (c *tcpComm) Isend(buf []byte, dest int) (*Request, error) {
	if err := c.checkPeer(dest); err != nil {
		return nil, err
	}
	req := NewRequest()
	env := &envelope{data: buf, req: req}
	mb := c.outbox[dest]
	req.cancel = func() {
		if mb.remove(env) {
			req.Complete(Status{Source: dest, Cancelled: true})
		}
	}
	mb.put(env)
	return req, nil
}

func (c *tcpComm) Close() error {
	c.shutdown()
	var errs []error
	for _, conn := range c.conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.io.Wait()
	for peer, mb := range c.outbox {
		if mb == nil {
			continue
		}
		for _, env := range mb.drain() {
			env.req.Complete(Status{Source: peer, Cancelled: true})
		}
	}
	return errors.Join(errs...)
}
