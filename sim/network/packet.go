package network

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Packet kinds.
const (
	KindPing = "ping"
	KindPong = "pong"
)

// Packet is the unit carried over links. It travels as JSON in the payload of
// a link delivery.
type Packet struct {
	Kind   string `json:"kind"`
	Src    uint32 `json:"src"`
	Dst    uint32 `json:"dst"`
	App    int    `json:"app"`
	Seq    int    `json:"seq"`
	SentAt int64  `json:"sent_at"`
	Hops   int    `json:"hops"`
	Pad    string `json:"pad,omitempty"`
}

// EncodePacket marshals p.
func EncodePacket(p Packet) ([]byte, error) {
	data, err := jsoniter.ConfigFastest.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding packet: %w", err)
	}
	return data, nil
}

// DecodePacket unmarshals a payload produced by EncodePacket.
func DecodePacket(data []byte) (Packet, error) {
	var p Packet
	if err := jsoniter.ConfigFastest.Unmarshal(data, &p); err != nil {
		return Packet{}, fmt.Errorf("decoding packet: %w", err)
	}
	return p, nil
}
