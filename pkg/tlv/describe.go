package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/moov-io/bertlv"
)

// Describe renders an arbitrary BER-TLV payload as an indented, human
// readable tree. It is meant for traces and diagnostics: card responses often
// contain proprietary templates that the typed codec does not model, and the
// full BER parser underneath handles constructed tags and multi-byte
// identifiers beyond the compact wire profile.
func Describe(data []byte) (string, error) {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return "", fmt.Errorf("bertlv decode failed: %w", err)
	}

	var sb strings.Builder
	describePackets(&sb, packets, 0)
	return sb.String(), nil
}

func describePackets(sb *strings.Builder, packets []bertlv.TLV, depth int) {
	indent := strings.Repeat("  ", depth)

	for _, p := range packets {
		if len(p.TLVs) > 0 {
			fmt.Fprintf(sb, "%s%s (constructed)\n", indent, strings.ToUpper(p.Tag))
			describePackets(sb, p.TLVs, depth+1)
			continue
		}

		fmt.Fprintf(sb, "%s%s [%d] %s\n",
			indent, strings.ToUpper(p.Tag), len(p.Value),
			strings.ToUpper(hex.EncodeToString(p.Value)))
	}
}
