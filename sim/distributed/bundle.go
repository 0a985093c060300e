package distributed

import (
	"fmt"
	"sort"

	"github.com/inference-sim/distsim/sim"
)

// TimeTeller reports the local simulation time.
type TimeTeller interface {
	Now() int64
}

// ChannelBundle aggregates every simulated link between the local rank and one
// remote rank. Its lookahead is the smallest link delay; its guarantee time is
// the latest time the remote rank has certified it will not send anything earlier.
type ChannelBundle struct {
	remoteRank    int
	lookahead     int64
	guaranteeTime int64
	nullEvent     sim.EventID
	channels      map[uint32]int64
	registry      *BundleRegistry
}

func newChannelBundle(remoteRank int, registry *BundleRegistry) *ChannelBundle {
	return &ChannelBundle{
		remoteRank: remoteRank,
		lookahead:  sim.MaxTime,
		channels:   make(map[uint32]int64),
		registry:   registry,
	}
}

// RemoteRank returns the rank on the other side of the bundle.
func (b *ChannelBundle) RemoteRank() int {
	return b.remoteRank
}

// Lookahead returns the minimum link delay to the remote rank.
func (b *ChannelBundle) Lookahead() int64 {
	return b.lookahead
}

// ChannelCount returns the number of distinct links folded into the bundle.
func (b *ChannelBundle) ChannelCount() int {
	return len(b.channels)
}

// Channels returns the folded channel ids in ascending order.
func (b *ChannelBundle) Channels() []uint32 {
	ids := make([]uint32, 0, len(b.channels))
	for id := range b.channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AddChannel folds a link into the bundle: lookahead = min(lookahead, delay).
// Re-adding a known channel is a no-op apart from the min fold.
func (b *ChannelBundle) AddChannel(channel uint32, delay int64) {
	if b.registry != nil && b.registry.frozen {
		panic(fmt.Sprintf("ChannelBundle: channel %d added to rank %d after synchronization started", channel, b.remoteRank))
	}
	if delay <= 0 {
		panic(fmt.Sprintf("ChannelBundle: channel %d to rank %d has non-positive delay %d", channel, b.remoteRank, delay))
	}
	if prev, ok := b.channels[channel]; !ok || delay < prev {
		b.channels[channel] = delay
	}
	b.lookahead = min(b.lookahead, delay)
}

// GuaranteeTime returns the last guarantee received from the remote rank.
func (b *ChannelBundle) GuaranteeTime() int64 {
	return b.guaranteeTime
}

// SetGuaranteeTime records a guarantee received from the remote rank.
// A guarantee earlier than the local clock, or earlier than a previous
// guarantee, means the protocol has already been violated.
func (b *ChannelBundle) SetGuaranteeTime(t int64) {
	if b.registry != nil && b.registry.clock != nil {
		if now := b.registry.clock.Now(); t < now {
			panic(fmt.Sprintf("ChannelBundle: guarantee time %d from rank %d is earlier than current time %d", t, b.remoteRank, now))
		}
	}
	if t < b.guaranteeTime {
		panic(fmt.Sprintf("ChannelBundle: guarantee time from rank %d went backwards: %d < %d", b.remoteRank, t, b.guaranteeTime))
	}
	b.guaranteeTime = t
}

// NullEvent returns the pending null-message timer.
func (b *ChannelBundle) NullEvent() sim.EventID {
	return b.nullEvent
}

// SetNullEvent replaces the pending null-message timer handle.
func (b *ChannelBundle) SetNullEvent(id sim.EventID) {
	b.nullEvent = id
}

func (b *ChannelBundle) String() string {
	return fmt.Sprintf("bundle(rank=%d lookahead=%d guarantee=%d channels=%d)",
		b.remoteRank, b.lookahead, b.guaranteeTime, len(b.channels))
}
