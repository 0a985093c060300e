package distributed

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/distsim/sim"
)

// BundleRegistry holds one ChannelBundle per remote rank the local rank shares
// a link with. It is populated during discovery and frozen once
// synchronization starts.
type BundleRegistry struct {
	bundles map[int]*ChannelBundle
	frozen  bool
	clock   TimeTeller
}

// NewBundleRegistry creates an empty registry. clock supplies the local time
// checked by SetGuaranteeTime; it may be nil in isolated tests.
func NewBundleRegistry(clock TimeTeller) *BundleRegistry {
	return &BundleRegistry{
		bundles: make(map[int]*ChannelBundle),
		clock:   clock,
	}
}

// Find returns the bundle for rank, or nil if none exists.
func (r *BundleRegistry) Find(rank int) *ChannelBundle {
	return r.bundles[rank]
}

// Add creates the bundle for rank.
func (r *BundleRegistry) Add(rank int) *ChannelBundle {
	if r.frozen {
		panic(fmt.Sprintf("BundleRegistry: bundle for rank %d added after synchronization started", rank))
	}
	if _, exists := r.bundles[rank]; exists {
		panic(fmt.Sprintf("BundleRegistry: bundle for rank %d already exists", rank))
	}
	b := newChannelBundle(rank, r)
	r.bundles[rank] = b
	return b
}

// Discover folds every remote link reported by links into the registry,
// creating bundles on first sight of a rank. Running it again creates no
// duplicates.
func (r *BundleRegistry) Discover(links LinkSource) {
	if links == nil {
		return
	}
	for _, l := range links.RemoteLinks() {
		b := r.Find(l.RemoteRank)
		if b == nil {
			b = r.Add(l.RemoteRank)
		}
		b.AddChannel(l.Channel, l.Delay)
	}
	for _, b := range r.Bundles() {
		logrus.Debugf("discovered %s", b)
	}
}

// Freeze forbids further bundle creation and channel folding.
func (r *BundleRegistry) Freeze() {
	r.frozen = true
}

// Frozen reports whether Freeze has been called.
func (r *BundleRegistry) Frozen() bool {
	return r.frozen
}

// Size returns the number of bundles.
func (r *BundleRegistry) Size() int {
	return len(r.bundles)
}

// Ranks returns the remote ranks in ascending order.
func (r *BundleRegistry) Ranks() []int {
	ranks := make([]int, 0, len(r.bundles))
	for rank := range r.bundles {
		ranks = append(ranks, rank)
	}
	sort.Ints(ranks)
	return ranks
}

// Bundles returns the bundles ordered by remote rank.
func (r *BundleRegistry) Bundles() []*ChannelBundle {
	out := make([]*ChannelBundle, 0, len(r.bundles))
	for _, rank := range r.Ranks() {
		out = append(out, r.bundles[rank])
	}
	return out
}

// SafeTime returns the minimum guarantee time over all bundles, or sim.MaxTime
// when the local rank has no remote neighbors.
func (r *BundleRegistry) SafeTime() int64 {
	safe := sim.MaxTime
	for _, b := range r.bundles {
		safe = min(safe, b.guaranteeTime)
	}
	return safe
}

// Clear drops every bundle and unfreezes the registry.
func (r *BundleRegistry) Clear() {
	r.bundles = make(map[int]*ChannelBundle)
	r.frozen = false
}
