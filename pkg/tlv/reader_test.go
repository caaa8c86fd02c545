package tlv

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestReaderSequential(t *testing.T) {
	raw := Hex("80 01 05", "81 02 12 34", "5F11 03 AA BB CC")
	r := NewReader(raw)

	b, ok := r.ReadByte(0x80)
	if !ok || b != 0x05 {
		t.Errorf("ReadByte = %02X, ok=%v; want 05", b, ok)
	}

	v, ok := r.ReadUint16(0x81, binary.BigEndian)
	if !ok || v != 0x1234 {
		t.Errorf("ReadUint16 = %04X, ok=%v; want 1234", v, ok)
	}

	raw2, ok := r.ReadValue(0x5F11)
	if !ok || !bytes.Equal(raw2, Hex("AABBCC")) {
		t.Errorf("ReadValue = % X, ok=%v; want AA BB CC", raw2, ok)
	}

	if r.More() {
		t.Error("reader should be exhausted")
	}
}

func TestReaderMismatchRewinds(t *testing.T) {
	raw := Hex("80 01 05")
	r := NewReader(raw)

	// Probe for the wrong tag first: this must not consume anything.
	if _, ok := r.ReadValue(0x81); ok {
		t.Fatal("ReadValue(0x81) should not match")
	}

	b, ok := r.ReadByte(0x80)
	if !ok || b != 0x05 {
		t.Errorf("element no longer readable after failed probe: %02X, ok=%v", b, ok)
	}
}

func TestReaderTypedWidthMismatchRewinds(t *testing.T) {
	raw := Hex("80 02 12 34")
	r := NewReader(raw)

	if _, ok := r.ReadByte(0x80); ok {
		t.Fatal("ReadByte should reject a two-byte value")
	}
	if _, ok := r.ReadInt32(0x80, binary.BigEndian); ok {
		t.Fatal("ReadInt32 should reject a two-byte value")
	}

	v, ok := r.ReadUint16(0x80, binary.BigEndian)
	if !ok || v != 0x1234 {
		t.Errorf("ReadUint16 after failed probes = %04X, ok=%v", v, ok)
	}
}

func TestReaderTruncatedIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"Declared length exceeds remainder", Hex("80 05 01 02")},
		{"Length prefix cut off", Hex("80 82 01")},
		{"Bare tag", Hex("80")},
		{"Unsupported length prefix", Hex("80 84 00 00 00 00 01")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(tt.raw)
			if _, ok := r.ReadValue(0x80); ok {
				t.Error("truncated element must read as not-found")
			}
			// The cursor must not move on failure.
			if r.off != 0 {
				t.Errorf("cursor moved to %d on failed read", r.off)
			}
		})
	}
}

func TestReaderLittleEndian(t *testing.T) {
	raw := Hex("01 04 78 56 34 12")
	r := NewReader(raw)

	v, ok := r.ReadInt32(0x01, binary.LittleEndian)
	if !ok || v != 0x12345678 {
		t.Errorf("ReadInt32 LE = %08X, ok=%v; want 12345678", v, ok)
	}
}

func TestReaderNestedMissing(t *testing.T) {
	r := NewReader(Hex("80 00"))
	if _, ok := r.ReadNested(0xA1); ok {
		t.Fatal("ReadNested should not match tag 0x80")
	}

	// Original element still consumable.
	if _, ok := r.ReadValue(0x80); !ok {
		t.Error("element lost after failed nested probe")
	}
}
