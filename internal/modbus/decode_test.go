package modbus

import "testing"

func TestDecodeFloat32_ByteOrders(t *testing.T) {
	// 3.14 as IEEE-754 big-endian bytes: 40 48 F5 C3
	abcd := []byte{0x40, 0x48, 0xF5, 0xC3}
	cdab := []byte{0xF5, 0xC3, 0x40, 0x48}
	badc := []byte{0x48, 0x40, 0xC3, 0xF5}
	dcba := []byte{0xC3, 0xF5, 0x48, 0x40}

	want := decodeFloat32(abcd, "ABCD")
	if got := decodeFloat32(cdab, "CDAB"); got != want {
		t.Errorf("CDAB mismatch: got %v want %v", got, want)
	}
	if got := decodeFloat32(badc, "BADC"); got != want {
		t.Errorf("BADC mismatch: got %v want %v", got, want)
	}
	if got := decodeFloat32(dcba, "DCBA"); got != want {
		t.Errorf("DCBA mismatch: got %v want %v", got, want)
	}
}

func TestDecodeUint16(t *testing.T) {
	if got := decodeUint16([]byte{0x01, 0x02}); got != 0x0102 {
		t.Errorf("got %d, want %d", got, 0x0102)
	}
}

func TestDecodeInt16_Negative(t *testing.T) {
	if got := decodeInt16([]byte{0xFF, 0xFF}); got != -1 {
		t.Errorf("got %d, want -1", got)
	}
}
