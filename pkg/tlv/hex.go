package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Hex constructs a byte slice from a series of hex strings.
// Spaces are ignored, so inputs like "7F 49 00" are accepted.
// It panics on malformed input and is intended for literals in tests and
// protocol constants.
func Hex(parts ...string) []byte {
	fullHex := strings.Join(parts, "")
	cleanHex := strings.ReplaceAll(fullHex, " ", "")

	data, err := hex.DecodeString(cleanHex)
	if err != nil {
		panic(fmt.Sprintf("invalid input '%s': %v", cleanHex, err))
	}
	return data
}
