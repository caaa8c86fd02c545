package bits

import "testing"

func TestBit(t *testing.T) {
	tests := []struct {
		n    uint
		want byte
	}{
		{1, 0b0000_0001},
		{5, 0b0001_0000},
		{8, 0b1000_0000},
		{0, 0},
		{9, 0},
	}

	for _, tt := range tests {
		if got := Bit(tt.n); got != tt.want {
			t.Errorf("Bit(%d) = %08b, want %08b", tt.n, got, tt.want)
		}
	}
}

func TestSetClear(t *testing.T) {
	b := Set(0x00, 5)
	if b != 0x10 {
		t.Fatalf("Set(0, 5) = %02X, want 10", b)
	}
	if !IsSet(b, 5) {
		t.Error("IsSet should report bit 5 set")
	}
	if got := Clear(b, 5); got != 0x00 {
		t.Errorf("Clear = %02X, want 00", got)
	}
}

func TestGetRange(t *testing.T) {
	tests := []struct {
		name      string
		b         byte
		high, low uint
		want      byte
	}{
		{"Bits 4-3", 0b0000_1100, 4, 3, 0b11},
		{"Bits 2-1", 0b0000_0010, 2, 1, 0b10},
		{"Full byte", 0xA5, 8, 1, 0xA5},
		{"Inverted range", 0xFF, 2, 4, 0},
		{"Out of range", 0xFF, 9, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetRange(tt.b, tt.high, tt.low); got != tt.want {
				t.Errorf("GetRange(%08b, %d, %d) = %d, want %d", tt.b, tt.high, tt.low, got, tt.want)
			}
		})
	}
}
