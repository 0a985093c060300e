package distributed

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout, little-endian:
//
//	offset 0  deliveryTime        8 bytes (0 ⇒ null message)
//	offset 8  guaranteeUpdateTime 8 bytes
//	offset 16 destNode            4 bytes
//	offset 20 destDevice          4 bytes
//	offset 24 payload             variable
const (
	HeaderSize = 24

	// NullDeliveryTime marks a keep-alive message.
	NullDeliveryTime uint64 = 0

	// DefaultBufferSize is the fixed capacity of every send and receive buffer.
	DefaultBufferSize = 2000
)

var (
	// ErrShortFrame is returned when a frame is smaller than the header.
	ErrShortFrame = errors.New("wire message shorter than header")
	// ErrFrameTooLarge is returned when a message does not fit the destination buffer.
	ErrFrameTooLarge = errors.New("wire message exceeds buffer capacity")
)

// WireMessage is the single frame exchanged between ranks, carrying either an
// event delivery (DeliveryTime > 0) or a null message (DeliveryTime == 0).
type WireMessage struct {
	DeliveryTime        uint64
	GuaranteeUpdateTime uint64
	DestNode            uint32
	DestDevice          uint32
	Payload             []byte
}

// IsNull reports whether m is a keep-alive message.
func (m WireMessage) IsNull() bool {
	return m.DeliveryTime == NullDeliveryTime
}

// Size returns the encoded frame length.
func (m WireMessage) Size() int {
	return HeaderSize + len(m.Payload)
}

// EncodeWireMessage writes m into dst and returns the number of bytes written.
func EncodeWireMessage(dst []byte, m WireMessage) (int, error) {
	n := m.Size()
	if n > len(dst) {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, len(dst))
	}
	binary.LittleEndian.PutUint64(dst[0:8], m.DeliveryTime)
	binary.LittleEndian.PutUint64(dst[8:16], m.GuaranteeUpdateTime)
	binary.LittleEndian.PutUint32(dst[16:20], m.DestNode)
	binary.LittleEndian.PutUint32(dst[20:24], m.DestDevice)
	copy(dst[HeaderSize:n], m.Payload)
	return n, nil
}

// DecodeWireMessage parses a frame. The returned Payload aliases b.
func DecodeWireMessage(b []byte) (WireMessage, error) {
	if len(b) < HeaderSize {
		return WireMessage{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	return WireMessage{
		DeliveryTime:        binary.LittleEndian.Uint64(b[0:8]),
		GuaranteeUpdateTime: binary.LittleEndian.Uint64(b[8:16]),
		DestNode:            binary.LittleEndian.Uint32(b[16:20]),
		DestDevice:          binary.LittleEndian.Uint32(b[20:24]),
		Payload:             b[HeaderSize:],
	}, nil
}
