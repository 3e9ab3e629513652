package modbus

import (
	"encoding/binary"
	"math"
)

// decodeFloat32 reinterprets a 4-byte register pair as an IEEE-754
// float32, reordering bytes per the channel's configured word/byte
// order before decoding. Modbus has no canonical 32-bit layout, so
// device vendors pick one of the four below.
func decodeFloat32(raw []byte, order string) float64 {
	if len(raw) < 4 {
		return 0
	}
	b := reorder4(raw[:4], order)
	bits := binary.BigEndian.Uint32(b)
	return float64(math.Float32frombits(bits))
}

// decodeUint16 reads a single register as an unsigned 16-bit value.
func decodeUint16(raw []byte) uint16 {
	if len(raw) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(raw)
}

// decodeInt16 reads a single register as a signed 16-bit value.
func decodeInt16(raw []byte) int16 {
	return int16(decodeUint16(raw))
}

func reorder4(b []byte, order string) []byte {
	switch order {
	case "CDAB":
		return []byte{b[2], b[3], b[0], b[1]}
	case "BADC":
		return []byte{b[1], b[0], b[3], b[2]}
	case "DCBA", "little": // legacy "little" is fully byte-reversed
		return []byte{b[3], b[2], b[1], b[0]}
	default: // "ABCD" or legacy "big", the big-endian default
		return []byte{b[0], b[1], b[2], b[3]}
	}
}
