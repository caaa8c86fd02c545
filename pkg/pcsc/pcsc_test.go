package pcsc

import (
	"errors"
	"testing"
)

func TestMatchReader(t *testing.T) {
	readers := []string{
		"Yubico YubiKey OTP+FIDO+CCID 00 00",
		"Generic Smart Card Reader Interface 01 00",
	}

	tests := []struct {
		name    string
		readers []string
		filter  string
		want    string
		wantErr bool
	}{
		{"empty filter takes first", readers, "", readers[0], false},
		{"case insensitive match", readers, "yubikey", readers[0], false},
		{"match second reader", readers, "generic", readers[1], false},
		{"no match", readers, "acr122", "", true},
		{"no readers at all", nil, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := matchReader(tt.readers, tt.filter)
			if tt.wantErr {
				if !errors.Is(err, ErrNoReader) {
					t.Fatalf("err = %v, want ErrNoReader", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("matchReader failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("matchReader = %q, want %q", got, tt.want)
			}
		})
	}
}
