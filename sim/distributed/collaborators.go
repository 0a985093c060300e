package distributed

// RemoteLink is one simulated link between a locally-owned device and a device
// owned by another rank, as reported by the network model during discovery.
type RemoteLink struct {
	RemoteRank int
	Channel    uint32 // channel id, unique within the topology
	Delay      int64  // one-way propagation delay (in ticks)
}

// LinkSource enumerates the remote links of the local rank.
type LinkSource interface {
	RemoteLinks() []RemoteLink
}

// Receiver accepts a payload delivered from another rank.
type Receiver interface {
	Receive(payload []byte)
}

// Resolver maps a receiver-local (node, device) pair to its device.
type Resolver interface {
	Resolve(node, device uint32) (Receiver, bool)
}

// Destination addresses a device on another rank.
type Destination struct {
	Rank   int
	Node   uint32
	Device uint32
}
