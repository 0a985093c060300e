package network

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/distsim/sim"
	"github.com/inference-sim/distsim/sim/distributed"
)

// Topology is the YAML description of a simulated network and its traffic.
//
//	ranks: 2
//	seed: 42
//	stop_time: 10ms
//	nodes:
//	  - {id: 0, rank: 0}
//	  - {id: 1, rank: 1}
//	links:
//	  - {a: 0, b: 1, delay: 100us}
//	apps:
//	  - {kind: ping, node: 0, peer: 1, count: 5, interval: 1ms}
type Topology struct {
	Ranks    int                `yaml:"ranks"`
	Seed     int64              `yaml:"seed"`
	StopTime string             `yaml:"stop_time"`
	Engine   distributed.Config `yaml:"engine"`
	Nodes    []NodeSpec         `yaml:"nodes"`
	Links    []LinkSpec         `yaml:"links"`
	Apps     []AppSpec          `yaml:"apps"`
}

// NodeSpec places a node on a rank.
type NodeSpec struct {
	ID   uint32 `yaml:"id"`
	Rank int    `yaml:"rank"`
}

// LinkSpec is a point-to-point link between two nodes. Its index in
// Topology.Links is its channel id.
type LinkSpec struct {
	A     uint32 `yaml:"a"`
	B     uint32 `yaml:"b"`
	Delay string `yaml:"delay"`
}

// AppSpec configures a traffic application.
type AppSpec struct {
	Kind     string `yaml:"kind"`
	Node     uint32 `yaml:"node"`
	Peer     uint32 `yaml:"peer"`
	Count    int    `yaml:"count"`
	Interval string `yaml:"interval"`
	Start    string `yaml:"start"`
	Jitter   string `yaml:"jitter"`
	// PayloadSize pads every packet with this many bytes.
	PayloadSize int `yaml:"payload_size"`
}

// ValidAppKinds is the set of recognized application kinds.
var ValidAppKinds = map[string]bool{"ping": true}

// maxPadding keeps a padded ping packet, JSON header included, inside one
// default-sized wire buffer.
const maxPadding = 1024

// LoadTopology reads and parses a YAML topology file.
// Uses strict parsing: unrecognized keys are rejected.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology: %w", err)
	}
	return ParseTopology(data)
}

// ParseTopology parses YAML topology data. Engine settings not present in the
// data keep their distributed.DefaultConfig values.
func ParseTopology(data []byte) (*Topology, error) {
	topo := Topology{Engine: distributed.DefaultConfig()}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&topo); err != nil {
		return nil, fmt.Errorf("parsing topology: %w", err)
	}
	return &topo, nil
}

// ParseTicks converts a duration string such as "250us" or "3ms" to ticks.
// An empty string is zero.
func ParseTicks(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d%time.Microsecond != 0 {
		return 0, fmt.Errorf("duration %q is finer than one tick (1us)", s)
	}
	return d.Microseconds() * sim.Microsecond, nil
}

// StopTicks returns the stop time in ticks.
func (t *Topology) StopTicks() int64 {
	ticks, _ := ParseTicks(t.StopTime)
	return ticks
}

// Validate checks ranges and references. It does not check reachability;
// Build does.
func (t *Topology) Validate() error {
	if t.Ranks <= 0 {
		return fmt.Errorf("ranks must be positive, got %d", t.Ranks)
	}
	stop, err := ParseTicks(t.StopTime)
	if err != nil {
		return fmt.Errorf("stop_time: %w", err)
	}
	if stop <= 0 {
		return fmt.Errorf("stop_time must be positive, got %q", t.StopTime)
	}
	if err := t.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if len(t.Nodes) == 0 {
		return fmt.Errorf("at least one node required")
	}

	nodes := make(map[uint32]bool, len(t.Nodes))
	for i, n := range t.Nodes {
		if nodes[n.ID] {
			return fmt.Errorf("nodes[%d]: duplicate node id %d", i, n.ID)
		}
		if n.ID == sim.NoContext {
			return fmt.Errorf("nodes[%d]: node id %d is reserved", i, n.ID)
		}
		if n.Rank < 0 || n.Rank >= t.Ranks {
			return fmt.Errorf("nodes[%d]: rank %d out of range [0, %d)", i, n.Rank, t.Ranks)
		}
		nodes[n.ID] = true
	}

	for i, l := range t.Links {
		if !nodes[l.A] || !nodes[l.B] {
			return fmt.Errorf("links[%d]: unknown node in link %d-%d", i, l.A, l.B)
		}
		if l.A == l.B {
			return fmt.Errorf("links[%d]: link from node %d to itself", i, l.A)
		}
		delay, err := ParseTicks(l.Delay)
		if err != nil {
			return fmt.Errorf("links[%d]: delay: %w", i, err)
		}
		if delay <= 0 {
			return fmt.Errorf("links[%d]: delay must be positive, got %q", i, l.Delay)
		}
	}

	for i, a := range t.Apps {
		if err := a.validate(nodes); err != nil {
			return fmt.Errorf("apps[%d]: %w", i, err)
		}
		frame := distributed.HeaderSize + t.maxPacketSize(i)
		if frame > t.Engine.BufferSize {
			return fmt.Errorf("apps[%d]: largest frame is %d bytes, exceeds engine buffer_size %d",
				i, frame, t.Engine.BufferSize)
		}
	}
	return nil
}

// maxPacketSize is the encoded size of the largest packet app i can put on a
// link: a fully padded pong with every counter at its bound.
func (t *Topology) maxPacketSize(i int) int {
	a := t.Apps[i]
	data, err := EncodePacket(Packet{
		Kind:   KindPong,
		Src:    max(a.Node, a.Peer),
		Dst:    max(a.Node, a.Peer),
		App:    i,
		Seq:    a.Count,
		SentAt: sim.MaxTime,
		Hops:   len(t.Nodes),
		Pad:    strings.Repeat("x", a.PayloadSize),
	})
	if err != nil {
		panic(fmt.Sprintf("Topology: cannot size packet of apps[%d]: %v", i, err))
	}
	return len(data)
}

func (a *AppSpec) validate(nodes map[uint32]bool) error {
	if !ValidAppKinds[a.Kind] {
		return fmt.Errorf("unknown kind %q; valid: ping", a.Kind)
	}
	if !nodes[a.Node] || !nodes[a.Peer] {
		return fmt.Errorf("unknown node in app %d -> %d", a.Node, a.Peer)
	}
	if a.Node == a.Peer {
		return fmt.Errorf("node %d pings itself", a.Node)
	}
	if a.Count <= 0 {
		return fmt.Errorf("count must be positive, got %d", a.Count)
	}
	if a.PayloadSize < 0 || a.PayloadSize > maxPadding {
		return fmt.Errorf("payload_size must be in [0, %d], got %d", maxPadding, a.PayloadSize)
	}
	interval, err := ParseTicks(a.Interval)
	if err != nil {
		return fmt.Errorf("interval: %w", err)
	}
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %q", a.Interval)
	}
	for _, f := range []struct{ name, value string }{{"start", a.Start}, {"jitter", a.Jitter}} {
		v, err := ParseTicks(f.value)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %q", f.name, f.value)
		}
	}
	return nil
}

// RanksInUse returns, per rank, the number of nodes placed on it.
func (t *Topology) RanksInUse() []int {
	counts := make([]int, t.Ranks)
	for _, n := range t.Nodes {
		if n.Rank >= 0 && n.Rank < t.Ranks {
			counts[n.Rank]++
		}
	}
	return counts
}
