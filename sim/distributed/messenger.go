package distributed

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/distsim/sim/trace"
	"github.com/inference-sim/distsim/sim/transport"
)

// MessageStats counts traffic handled by a Messenger.
type MessageStats struct {
	EventsSent       uint64 `json:"events_sent"`
	EventsReceived   uint64 `json:"events_received"`
	NullSent         uint64 `json:"null_sent"`
	NullReceived     uint64 `json:"null_received"`
	SendsCompleted   uint64 `json:"sends_completed"`
	SendsCancelled   uint64 `json:"sends_cancelled"`
	MaxPendingSends  int    `json:"max_pending_sends"`
	ReceiveBatches   uint64 `json:"receive_batches"`
	BlockingReceives uint64 `json:"blocking_receives"`
}

// sendBuffer is an in-flight send: a pooled buffer owned by the transport
// until req completes, then returned to the pool exactly once.
type sendBuffer struct {
	buf      *[]byte
	frame    []byte
	req      *transport.Request
	released bool
}

// Messenger is the transport-facing message pump of one rank: it encodes and
// sends event and null messages, keeps one persistent receive buffer posted
// per neighbor rank, and applies arriving messages to the bundles and the
// local event queue.
type Messenger struct {
	dctx *Context
	comm transport.Comm

	rank    int
	size    int
	enabled bool
	joined  bool

	pool         sync.Pool
	pendingSends []*sendBuffer

	recvRanks []int
	recvBufs  [][]byte
	recvReqs  []*transport.Request

	stats MessageStats
}

func newMessenger(dctx *Context) *Messenger {
	m := &Messenger{dctx: dctx}
	size := dctx.Config.BufferSize
	m.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return m
}

// Enable joins the process group through connector and records the local
// rank and world size. Enabling twice, or a failed join, is fatal.
func (m *Messenger) Enable(ctx context.Context, connector transport.Connector) {
	if m.joined {
		panic("Messenger: Enable called twice")
	}
	comm, err := connector.Connect(ctx)
	if err != nil {
		panic(fmt.Sprintf("Messenger: cannot join process group: %v", err))
	}
	m.joined = true
	m.enabled = true
	m.comm = comm
	m.rank = comm.Rank()
	m.size = comm.Size()
	logrus.Infof("rank %d of %d joined the process group", m.rank, m.size)
}

// Enabled reports whether the messenger is connected.
func (m *Messenger) Enabled() bool {
	return m.enabled
}

// Rank returns the local rank id.
func (m *Messenger) Rank() int {
	return m.rank
}

// Size returns the number of ranks.
func (m *Messenger) Size() int {
	return m.size
}

// Stats returns the traffic counters.
func (m *Messenger) Stats() MessageStats {
	return m.stats
}

// PendingSends returns the number of sends not yet reaped.
func (m *Messenger) PendingSends() int {
	return len(m.pendingSends)
}

func (m *Messenger) mustBeEnabled(op string) {
	if !m.enabled {
		panic(fmt.Sprintf("Messenger: %s called while not enabled", op))
	}
}

// InitializeReceiveBuffers posts one fixed-capacity receive buffer per rank in
// the registry. Call once, after discovery and before the run loop.
func (m *Messenger) InitializeReceiveBuffers() {
	m.mustBeEnabled("InitializeReceiveBuffers")
	if m.recvReqs != nil {
		panic("Messenger: receive buffers already initialized")
	}
	ranks := m.dctx.Registry.Ranks()
	m.recvRanks = ranks
	m.recvBufs = make([][]byte, len(ranks))
	m.recvReqs = make([]*transport.Request, len(ranks))
	for i, src := range ranks {
		m.recvBufs[i] = make([]byte, m.dctx.Config.BufferSize)
		m.post(i)
		logrus.Debugf("rank %d posted receive buffer for rank %d", m.rank, src)
	}
}

func (m *Messenger) post(i int) {
	req, err := m.comm.Irecv(m.recvBufs[i], m.recvRanks[i])
	if err != nil {
		panic(fmt.Sprintf("Messenger: cannot post receive for rank %d: %v", m.recvRanks[i], err))
	}
	m.recvReqs[i] = req
}

// SendEvent ships payload to a device on another rank for delivery at
// deliveryTime. A real message makes the bundle's next null message
// redundant, so its timer is re-armed.
func (m *Messenger) SendEvent(dest Destination, deliveryTime int64, payload []byte) {
	m.mustBeEnabled("SendEvent")
	bundle := m.dctx.Registry.Find(dest.Rank)
	if bundle == nil {
		panic(fmt.Sprintf("Messenger: no channel bundle for rank %d", dest.Rank))
	}
	if deliveryTime <= 0 {
		panic(fmt.Sprintf("Messenger: delivery time must be > 0, got %d", deliveryTime))
	}
	if n := HeaderSize + len(payload); n > m.dctx.Config.BufferSize {
		panic(fmt.Sprintf("Messenger: frame of %d bytes exceeds buffer capacity %d", n, m.dctx.Config.BufferSize))
	}

	engine := m.dctx.Engine
	engine.RescheduleNullMessageEvent(bundle)
	guarantee := engine.CalculateGuaranteeTime(dest.Rank)
	m.send(dest.Rank, WireMessage{
		DeliveryTime:        uint64(deliveryTime),
		GuaranteeUpdateTime: uint64(guarantee),
		DestNode:            dest.Node,
		DestDevice:          dest.Device,
		Payload:             payload,
	})
	m.stats.EventsSent++
}

// SendNullMessage sends a keep-alive carrying guarantee to the bundle's rank.
func (m *Messenger) SendNullMessage(guarantee int64, bundle *ChannelBundle) {
	m.mustBeEnabled("SendNullMessage")
	m.send(bundle.RemoteRank(), WireMessage{
		DeliveryTime:        NullDeliveryTime,
		GuaranteeUpdateTime: uint64(guarantee),
	})
	m.stats.NullSent++
}

func (m *Messenger) send(dest int, msg WireMessage) {
	sb := &sendBuffer{buf: m.pool.Get().(*[]byte)}
	n, err := EncodeWireMessage(*sb.buf, msg)
	if err != nil {
		panic(fmt.Sprintf("Messenger: %v", err))
	}
	sb.frame = (*sb.buf)[:n]
	req, err := m.comm.Isend(sb.frame, dest)
	if err != nil {
		panic(fmt.Sprintf("Messenger: send to rank %d failed: %v", dest, err))
	}
	sb.req = req
	m.pendingSends = append(m.pendingSends, sb)
	m.stats.MaxPendingSends = max(m.stats.MaxPendingSends, len(m.pendingSends))

	if tr := m.dctx.Trace; tr != nil {
		tr.RecordMessage(trace.MessageRecord{
			Peer:         dest,
			Clock:        m.dctx.Engine.Now(),
			DeliveryTime: int64(msg.DeliveryTime),
			Guarantee:    int64(msg.GuaranteeUpdateTime),
			Outbound:     true,
		})
	}
}

func (m *Messenger) release(sb *sendBuffer) {
	if sb.released {
		return
	}
	sb.released = true
	sb.frame = nil
	m.pool.Put(sb.buf)
	sb.buf = nil
}

// TestSendComplete reaps completed sends and returns how many were released.
// A failed send is reaped like a successful one.
func (m *Messenger) TestSendComplete() int {
	kept := m.pendingSends[:0]
	reaped := 0
	for _, sb := range m.pendingSends {
		st, done := sb.req.Test()
		if !done {
			kept = append(kept, sb)
			continue
		}
		if st.Cancelled {
			m.stats.SendsCancelled++
		} else {
			m.stats.SendsCompleted++
		}
		m.release(sb)
		reaped++
	}
	for i := len(kept); i < len(m.pendingSends); i++ {
		m.pendingSends[i] = nil
	}
	m.pendingSends = kept
	return reaped
}

// ReceiveBlocking waits for at least one message, then drains whatever else
// has arrived. It returns an error only if ctx ends the wait.
func (m *Messenger) ReceiveBlocking(ctx context.Context) error {
	m.mustBeEnabled("ReceiveBlocking")
	m.stats.BlockingReceives++
	return m.receiveMessages(ctx, true)
}

// ReceiveNonBlocking applies every message that has already arrived.
func (m *Messenger) ReceiveNonBlocking() {
	m.mustBeEnabled("ReceiveNonBlocking")
	_ = m.receiveMessages(context.Background(), false)
}

func (m *Messenger) receiveMessages(ctx context.Context, blocking bool) error {
	received := 0
	for {
		var (
			idx int
			st  transport.Status
		)
		if blocking {
			i, s, err := transport.WaitAny(ctx, m.recvReqs)
			if err != nil {
				return err
			}
			idx, st = i, s
			blocking = false
		} else {
			i, s, ok := transport.TestAny(m.recvReqs)
			if !ok {
				break
			}
			idx, st = i, s
		}
		m.handleReceived(idx, st)
		received++
	}
	if received > 0 {
		m.stats.ReceiveBatches++
	}
	m.dctx.Engine.CalculateSafeTime()
	return nil
}

func (m *Messenger) handleReceived(idx int, st transport.Status) {
	src := m.recvRanks[idx]
	if st.Cancelled {
		panic(fmt.Sprintf("Messenger: receive from rank %d cancelled while running", src))
	}
	if st.Err != nil {
		panic(fmt.Sprintf("Messenger: receive from rank %d failed: %v", src, st.Err))
	}
	msg, err := DecodeWireMessage(m.recvBufs[idx][:st.Count])
	if err != nil {
		panic(fmt.Sprintf("Messenger: malformed message from rank %d: %v", src, err))
	}
	bundle := m.dctx.Registry.Find(src)
	if bundle == nil {
		panic(fmt.Sprintf("Messenger: message from rank %d without a channel bundle", src))
	}

	engine := m.dctx.Engine
	now := engine.Now()
	delivery := int64(msg.DeliveryTime)
	guarantee := int64(msg.GuaranteeUpdateTime)

	if !msg.IsNull() && delivery < bundle.GuaranteeTime() {
		panic(fmt.Sprintf("Messenger: event from rank %d for time %d is earlier than its guarantee %d",
			src, delivery, bundle.GuaranteeTime()))
	}
	bundle.SetGuaranteeTime(guarantee)

	if msg.IsNull() {
		m.stats.NullReceived++
	} else {
		rx, ok := m.dctx.resolver.Resolve(msg.DestNode, msg.DestDevice)
		if !ok {
			panic(fmt.Sprintf("Messenger: no device %d on node %d for message from rank %d", msg.DestDevice, msg.DestNode, src))
		}
		// The receive buffer is re-posted below; the payload must not alias it.
		payload := bytes.Clone(msg.Payload)
		engine.ScheduleWithContext(msg.DestNode, delivery-now, func() {
			rx.Receive(payload)
		})
		m.stats.EventsReceived++
	}

	if tr := m.dctx.Trace; tr != nil {
		tr.RecordGuarantee(trace.GuaranteeRecord{Peer: src, Clock: now, Guarantee: guarantee})
		tr.RecordMessage(trace.MessageRecord{Peer: src, Clock: now, DeliveryTime: delivery, Guarantee: guarantee})
	}
	m.post(idx)
}

// Disable gives pending sends up to Config.DrainTimeout to complete, cancels
// everything still outstanding, releases all buffers and leaves the group.
func (m *Messenger) Disable() {
	if !m.enabled {
		return
	}
	deadline := time.Now().Add(m.dctx.Config.DrainTimeout)
	for m.TestSendComplete(); len(m.pendingSends) > 0; m.TestSendComplete() {
		wait := time.Until(deadline)
		if wait <= 0 {
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		_, _ = m.pendingSends[0].req.Wait(ctx)
		cancel()
	}
	for _, sb := range m.pendingSends {
		sb.req.Cancel()
	}
	for _, req := range m.recvReqs {
		if req != nil {
			req.Cancel()
		}
	}
	if err := m.comm.Close(); err != nil {
		panic(fmt.Sprintf("Messenger: cannot leave process group: %v", err))
	}
	// Close resolves every outstanding request.
	m.TestSendComplete()
	for _, sb := range m.pendingSends {
		m.release(sb)
	}
	m.pendingSends = nil
	m.recvReqs = nil
	m.recvBufs = nil
	m.recvRanks = nil
	m.enabled = false
	logrus.Infof("rank %d left the process group", m.rank)
}
