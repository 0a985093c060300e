package network

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/distsim/sim"
	"github.com/inference-sim/distsim/sim/distributed"
)

// AllRanks builds a network whose nodes are all local, for single-process runs.
const AllRanks = -1

// RemoteSender ships a link delivery to a device owned by another rank.
// *distributed.Messenger implements it.
type RemoteSender interface {
	SendEvent(dest distributed.Destination, deliveryTime int64, payload []byte)
}

// Stats counts packet activity on the local nodes.
type Stats struct {
	PacketsSent      uint64 `json:"packets_sent"`
	PacketsForwarded uint64 `json:"packets_forwarded"`
	PacketsDelivered uint64 `json:"packets_delivered"`
	LocalDeliveries  uint64 `json:"local_deliveries"`
	RemoteDeliveries uint64 `json:"remote_deliveries"`
	Dropped          uint64 `json:"dropped"`
}

// Link is a point-to-point link. Its channel id is its index in the topology.
type Link struct {
	Channel uint32
	Delay   int64
	Ends    [2]*Device
}

// Device is one end of a link, attached to a node.
type Device struct {
	Node  *Node
	Index uint32
	Link  *Link
	peer  *Device
}

// Peer returns the device at the other end of the link.
func (d *Device) Peer() *Device {
	return d.peer
}

// Node is a simulated host. Remote nodes exist only as routing metadata.
type Node struct {
	ID      uint32
	Rank    int
	Devices []*Device

	net    *Network
	routes map[uint32]*Device
	apps   []*PingApp
}

// Network is the rank-local view of a topology: every node and link, with
// devices and routes materialized for the nodes owned by the rank.
type Network struct {
	rank   int
	sim    sim.SimulatorImpl
	remote RemoteSender
	rng    *sim.PartitionedRNG

	nodes map[uint32]*Node
	ids   []uint32
	links []*Link
	apps  []*PingApp
	stats Stats
}

var (
	_ distributed.LinkSource = (*Network)(nil)
	_ distributed.Resolver   = (*Network)(nil)
	_ distributed.Receiver   = (*Device)(nil)
)

// Build materializes topo for rank. remote may be nil only when no link
// crosses a rank boundary, which is always the case for AllRanks.
func Build(topo *Topology, rank int, simulator sim.SimulatorImpl, remote RemoteSender) (*Network, error) {
	if err := topo.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	if rank != AllRanks && (rank < 0 || rank >= topo.Ranks) {
		return nil, fmt.Errorf("rank %d out of range [0, %d)", rank, topo.Ranks)
	}
	n := &Network{
		rank:   rank,
		sim:    simulator,
		remote: remote,
		rng:    sim.NewPartitionedRNG(sim.NewSimulationKey(topo.Seed)),
		nodes:  make(map[uint32]*Node, len(topo.Nodes)),
	}
	for _, spec := range topo.Nodes {
		n.nodes[spec.ID] = &Node{ID: spec.ID, Rank: spec.Rank, net: n}
		n.ids = append(n.ids, spec.ID)
	}
	sort.Slice(n.ids, func(i, j int) bool { return n.ids[i] < n.ids[j] })

	for i, spec := range topo.Links {
		delay, _ := ParseTicks(spec.Delay)
		l := &Link{Channel: uint32(i), Delay: delay}
		a, b := n.nodes[spec.A], n.nodes[spec.B]
		l.Ends[0] = a.attach(l)
		l.Ends[1] = b.attach(l)
		l.Ends[0].peer, l.Ends[1].peer = l.Ends[1], l.Ends[0]
		if n.isLocal(a) != n.isLocal(b) && remote == nil {
			return nil, fmt.Errorf("link %d (%d-%d) crosses ranks but no remote sender is configured", i, spec.A, spec.B)
		}
		n.links = append(n.links, l)
	}

	for _, id := range n.ids {
		if node := n.nodes[id]; n.isLocal(node) {
			node.computeRoutes()
		}
	}

	for i, spec := range topo.Apps {
		node := n.nodes[spec.Node]
		if !n.isLocal(node) {
			continue
		}
		if node.routes[spec.Peer] == nil {
			return nil, fmt.Errorf("apps[%d]: node %d cannot reach node %d", i, spec.Node, spec.Peer)
		}
		app := newPingApp(node, len(node.apps), spec)
		node.apps = append(node.apps, app)
		n.apps = append(n.apps, app)
	}
	logrus.Debugf("rank %d built network: %d local nodes, %d links, %d apps",
		rank, len(n.LocalNodes()), len(n.links), len(n.apps))
	return n, nil
}

func (n *Network) isLocal(node *Node) bool {
	return n.rank == AllRanks || node.Rank == n.rank
}

func (nd *Node) attach(l *Link) *Device {
	d := &Device{Node: nd, Index: uint32(len(nd.Devices)), Link: l}
	nd.Devices = append(nd.Devices, d)
	return d
}

// computeRoutes fills the next-hop table with a breadth-first search. Among
// equally short paths the one leaving through the lowest device index wins.
func (nd *Node) computeRoutes() {
	nd.routes = make(map[uint32]*Device)
	visited := map[uint32]bool{nd.ID: true}
	var queue []*Node
	for _, d := range nd.Devices {
		next := d.peer.Node
		if visited[next.ID] {
			continue
		}
		visited[next.ID] = true
		nd.routes[next.ID] = d
		queue = append(queue, next)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		first := nd.routes[cur.ID]
		for _, d := range cur.Devices {
			next := d.peer.Node
			if visited[next.ID] {
				continue
			}
			visited[next.ID] = true
			nd.routes[next.ID] = first
			queue = append(queue, next)
		}
	}
}

// NextHop returns the device a packet for dst leaves through, or nil.
func (nd *Node) NextHop(dst uint32) *Device {
	return nd.routes[dst]
}

// Node returns the node with id, or nil.
func (n *Network) Node(id uint32) *Node {
	return n.nodes[id]
}

// LocalNodes returns the nodes owned by the rank, ordered by id.
func (n *Network) LocalNodes() []*Node {
	var out []*Node
	for _, id := range n.ids {
		if node := n.nodes[id]; n.isLocal(node) {
			out = append(out, node)
		}
	}
	return out
}

// Links returns every link in channel order.
func (n *Network) Links() []*Link {
	return n.links
}

// Apps returns the applications hosted on local nodes.
func (n *Network) Apps() []*PingApp {
	return n.apps
}

// Stats returns the packet counters.
func (n *Network) Stats() Stats {
	return n.stats
}

// RemoteLinks reports every link with exactly one local end.
func (n *Network) RemoteLinks() []distributed.RemoteLink {
	var out []distributed.RemoteLink
	for _, l := range n.links {
		a, b := l.Ends[0].Node, l.Ends[1].Node
		switch {
		case n.isLocal(a) && !n.isLocal(b):
			out = append(out, distributed.RemoteLink{RemoteRank: b.Rank, Channel: l.Channel, Delay: l.Delay})
		case !n.isLocal(a) && n.isLocal(b):
			out = append(out, distributed.RemoteLink{RemoteRank: a.Rank, Channel: l.Channel, Delay: l.Delay})
		}
	}
	return out
}

// Resolve maps a (node, device) pair on this rank to its device.
func (n *Network) Resolve(node, device uint32) (distributed.Receiver, bool) {
	nd := n.nodes[node]
	if nd == nil || !n.isLocal(nd) || int(device) >= len(nd.Devices) {
		return nil, false
	}
	return nd.Devices[device], true
}

// Start schedules every local application.
func (n *Network) Start() {
	for _, app := range n.apps {
		app.start(n.rng)
	}
}

// send routes p out of nd, or delivers it if nd is the destination.
func (nd *Node) send(p Packet) {
	if p.Dst == nd.ID {
		nd.deliver(p)
		return
	}
	dev := nd.routes[p.Dst]
	if dev == nil {
		nd.net.stats.Dropped++
		logrus.Warnf("[tick %07d] node %d has no route to node %d, dropping %s", nd.net.sim.Now(), nd.ID, p.Dst, p.Kind)
		return
	}
	data, err := EncodePacket(p)
	if err != nil {
		panic(fmt.Sprintf("Network: %v", err))
	}
	dev.transmit(data)
}

func (nd *Node) deliver(p Packet) {
	nd.net.stats.PacketsDelivered++
	switch p.Kind {
	case KindPing:
		nd.send(Packet{Kind: KindPong, Src: nd.ID, Dst: p.Src, App: p.App, Seq: p.Seq, SentAt: p.SentAt, Pad: p.Pad})
	case KindPong:
		if p.App < 0 || p.App >= len(nd.apps) {
			panic(fmt.Sprintf("Network: pong for unknown app %d on node %d", p.App, nd.ID))
		}
		nd.apps[p.App].onPong(p)
	default:
		panic(fmt.Sprintf("Network: unknown packet kind %q", p.Kind))
	}
}

// transmit puts data on the link towards the peer device.
func (d *Device) transmit(data []byte) {
	net := d.Node.net
	peer := d.peer
	if net.isLocal(peer.Node) {
		net.stats.LocalDeliveries++
		net.sim.ScheduleWithContext(peer.Node.ID, d.Link.Delay, func() {
			peer.Receive(data)
		})
		return
	}
	net.stats.RemoteDeliveries++
	net.remote.SendEvent(distributed.Destination{
		Rank:   peer.Node.Rank,
		Node:   peer.Node.ID,
		Device: peer.Index,
	}, sim.SaturatingAdd(net.sim.Now(), d.Link.Delay), data)
}

// Receive handles a link delivery: the packet is either for this node or
// forwarded one hop closer to its destination.
func (d *Device) Receive(payload []byte) {
	p, err := DecodePacket(payload)
	if err != nil {
		panic(fmt.Sprintf("Network: node %d device %d: %v", d.Node.ID, d.Index, err))
	}
	nd := d.Node
	if p.Dst != nd.ID {
		nd.net.stats.PacketsForwarded++
		p.Hops++
	}
	nd.send(p)
}
