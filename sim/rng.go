package sim

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// SimulationKey seeds every random stream of a run. All ranks of a
// distributed run share one key.
type SimulationKey int64

// NewSimulationKey creates a SimulationKey from a seed value.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

// SubsystemNode names the random stream owned by node id. Draws for a node
// come only from its own stream, so they do not depend on which rank hosts it.
func SubsystemNode(id uint32) string {
	return fmt.Sprintf("node_%d", id)
}

// PartitionedRNG hands out one generator per named stream, seeded with
// key XOR fnv1a64(name). Not safe for concurrent use.
type PartitionedRNG struct {
	key     SimulationKey
	streams map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a SimulationKey.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{key: key, streams: make(map[string]*rand.Rand)}
}

// ForSubsystem returns the generator of the named stream, creating it on
// first use. Later calls return the same instance.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	rng, ok := p.streams[name]
	if !ok {
		rng = rand.New(rand.NewSource(p.seed(name)))
		p.streams[name] = rng
	}
	return rng
}

func (p *PartitionedRNG) seed(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(p.key) ^ int64(h.Sum64())
}
