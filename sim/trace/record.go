// Package trace provides synchronization-trace recording for distributed runs.
// This package has no dependencies on sim/ or its sub-packages: it stores pure data types.
package trace

// ExecutionRecord captures one executed event and the safe horizon it ran under.
type ExecutionRecord struct {
	Clock    int64
	SafeTime int64
	Context  uint32
}

// GuaranteeRecord captures a guarantee-time update received from a peer rank.
type GuaranteeRecord struct {
	Peer      int
	Clock     int64 // local time when the update was applied
	Guarantee int64
}

// MessageRecord captures one message exchanged with a peer rank.
type MessageRecord struct {
	Peer         int
	Clock        int64
	DeliveryTime int64 // 0 for null messages
	Guarantee    int64
	Outbound     bool
}

// IsNull reports whether the record describes a null (keep-alive) message.
func (r MessageRecord) IsNull() bool {
	return r.DeliveryTime == 0
}
