package network

import (
	"strings"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/inference-sim/distsim/sim"
)

// PingApp sends count pings from its node to a peer, one every interval, and
// records the round-trip time of each pong. Every node answers pings.
type PingApp struct {
	node     *Node
	id       int
	peer     uint32
	count    int
	interval int64
	offset   int64
	jitter   int64
	pad      string

	startedAt int64
	sent      int
	rtts      []int64
}

// AppReport summarizes one PingApp run. Times are in ticks.
type AppReport struct {
	Node     uint32  `json:"node"`
	Peer     uint32  `json:"peer"`
	Sent     int     `json:"sent"`
	Received int     `json:"received"`
	StartAt  int64   `json:"start_at"`
	MinRTT   int64   `json:"min_rtt"`
	MaxRTT   int64   `json:"max_rtt"`
	MeanRTT  float64 `json:"mean_rtt"`
	StdRTT   float64 `json:"std_rtt"`
}

func newPingApp(node *Node, id int, spec AppSpec) *PingApp {
	interval, _ := ParseTicks(spec.Interval)
	start, _ := ParseTicks(spec.Start)
	jitter, _ := ParseTicks(spec.Jitter)
	return &PingApp{
		node:     node,
		id:       id,
		peer:     spec.Peer,
		count:    spec.Count,
		interval: interval,
		offset:   start,
		jitter:   jitter,
		pad:      strings.Repeat("x", spec.PayloadSize),
	}
}

// start schedules the first ping. The jitter draw comes from the node's own
// RNG stream, so it does not depend on how nodes are spread over ranks.
func (a *PingApp) start(rng *sim.PartitionedRNG) {
	at := a.offset
	if a.jitter > 0 {
		at += rng.ForSubsystem(sim.SubsystemNode(a.node.ID)).Int63n(a.jitter + 1)
	}
	a.startedAt = at
	a.node.net.sim.ScheduleWithContext(a.node.ID, at, a.ping)
}

func (a *PingApp) ping() {
	s := a.node.net.sim
	a.sent++
	a.node.net.stats.PacketsSent++
	logrus.Debugf("[tick %07d] node %d ping #%d -> node %d", s.Now(), a.node.ID, a.sent, a.peer)
	a.node.send(Packet{
		Kind:   KindPing,
		Src:    a.node.ID,
		Dst:    a.peer,
		App:    a.id,
		Seq:    a.sent,
		SentAt: s.Now(),
		Pad:    a.pad,
	})
	if a.sent < a.count {
		s.Schedule(a.interval, a.ping)
	}
}

func (a *PingApp) onPong(p Packet) {
	rtt := a.node.net.sim.Now() - p.SentAt
	a.rtts = append(a.rtts, rtt)
	logrus.Debugf("[tick %07d] node %d pong #%d from node %d rtt=%d hops=%d",
		a.node.net.sim.Now(), a.node.ID, p.Seq, p.Src, rtt, p.Hops)
}

// RTTs returns the recorded round-trip times in arrival order.
func (a *PingApp) RTTs() []int64 {
	return a.rtts
}

// Report summarizes the app.
func (a *PingApp) Report() AppReport {
	r := AppReport{
		Node:     a.node.ID,
		Peer:     a.peer,
		Sent:     a.sent,
		Received: len(a.rtts),
		StartAt:  a.startedAt,
	}
	if len(a.rtts) == 0 {
		return r
	}
	r.MinRTT, r.MaxRTT = a.rtts[0], a.rtts[0]
	samples := make([]float64, len(a.rtts))
	for i, v := range a.rtts {
		r.MinRTT = min(r.MinRTT, v)
		r.MaxRTT = max(r.MaxRTT, v)
		samples[i] = float64(v)
	}
	r.MeanRTT = stat.Mean(samples, nil)
	if len(samples) > 1 {
		r.StdRTT = stat.StdDev(samples, nil)
	}
	return r
}
