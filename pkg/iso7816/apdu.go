package iso7816

import (
	"bytes"
	"fmt"
)

// APDU (Application Protocol Data Unit) encoding according to ISO/IEC 7816-3
// and 7816-4.
//
// COMMAND (C-APDU): CLA INS P1 P2 [Lc Data] [Le]
//
// Encoding cases:
//   - Case 1: header only.
//   - Case 2: header + Le.
//   - Case 3: header + Lc + Data.
//   - Case 4: header + Lc + Data + Le.
//
// Length modes:
//   - Short: Lc/Le on 1 byte (max 255 / 256, with 0x00 encoding 256).
//   - Extended: Lc/Le on multiple bytes (max 65535 / 65536), selected
//     automatically when either field exceeds the short range.
//
// RESPONSE (R-APDU): Data SW1 SW2

// APDU limits according to ISO 7816-3.
const (
	// MaxShortLc is the maximum data length (Nc) encodable in short mode.
	MaxShortLc = 255

	// MaxShortLe is the maximum expected response length (Ne) encodable in
	// short mode; 0x00 encodes 256.
	MaxShortLe = 256

	// MaxExtendedLc is the limit for Lc in extended mode.
	MaxExtendedLc = 65535

	// MaxExtendedLe is the maximum Ne encodable in extended mode; 0x0000
	// encodes 65536.
	MaxExtendedLe = 65536
)

// CommandAPDU represents a command sent to the token.
type CommandAPDU struct {
	Class       Class
	Instruction Instruction
	P1, P2      byte
	Data        []byte
	Ne          int // expected response length (0 means none)
}

// NewCommandAPDU creates a basic command.
func NewCommandAPDU(cla Class, ins Instruction, p1, p2 byte, data []byte, ne int) *CommandAPDU {
	return &CommandAPDU{
		Class:       cla,
		Instruction: ins,
		P1:          p1,
		P2:          p2,
		Data:        data,
		Ne:          ne,
	}
}

// Clone returns a copy of the command with its own data buffer. Transforms
// that rewrite the header or payload work on clones so the caller's command
// is never mutated.
func (c *CommandAPDU) Clone() *CommandAPDU {
	dup := *c
	if c.Data != nil {
		dup.Data = make([]byte, len(c.Data))
		copy(dup.Data, c.Data)
	}
	return &dup
}

// Bytes encodes the command into its wire representation, selecting short or
// extended encoding from the length of Data (Nc) and the expected response
// length (Ne).
func (c *CommandAPDU) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	buf.WriteByte(c.Class.Encode())
	buf.WriteByte(byte(c.Instruction))
	buf.WriteByte(c.P1)
	buf.WriteByte(c.P2)

	nc := len(c.Data)
	ne := c.Ne

	if nc > MaxExtendedLc {
		return nil, fmt.Errorf("command data too long: %d > %d", nc, MaxExtendedLc)
	}
	if ne < 0 || ne > MaxExtendedLe {
		return nil, fmt.Errorf("expected length out of range: %d", ne)
	}

	isExtended := nc > MaxShortLc || ne > MaxShortLe

	// Lc field and data
	if nc > 0 {
		if !isExtended {
			buf.WriteByte(byte(nc))
		} else {
			// Extended Lc: 00 flag + 2 bytes big-endian
			buf.WriteByte(0x00)
			buf.WriteByte(byte(nc >> 8))
			buf.WriteByte(byte(nc))
		}
		buf.Write(c.Data)
	}

	// Le field
	if ne > 0 {
		if !isExtended {
			if ne == MaxShortLe {
				buf.WriteByte(0x00)
			} else {
				buf.WriteByte(byte(ne))
			}
		} else {
			// Case 2 extended needs a leading 00 to distinguish Le from Lc.
			if nc == 0 {
				buf.WriteByte(0x00)
			}

			if ne == MaxExtendedLe {
				buf.WriteByte(0x00)
				buf.WriteByte(0x00)
			} else {
				buf.WriteByte(byte(ne >> 8))
				buf.WriteByte(byte(ne))
			}
		}
	}

	return buf.Bytes(), nil
}

// String returns a readable summary of the command meta-data.
func (c *CommandAPDU) String() string {
	return fmt.Sprintf("CLA: %02X | INS: %02X | P1: %02X, P2: %02X | Lc: %d | Le: %d",
		c.Class.Encode(), byte(c.Instruction), c.P1, c.P2, len(c.Data), c.Ne)
}

// ResponseAPDU represents the reply from the token (R-APDU).
type ResponseAPDU struct {
	Data   []byte
	Status StatusWord
}

// ParseResponseAPDU parses raw bytes received from the token.
// The input must contain at least the two trailer bytes.
func ParseResponseAPDU(raw []byte) (*ResponseAPDU, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("response too short: length %d", len(raw))
	}

	trailer := len(raw) - 2
	return &ResponseAPDU{
		Data:   raw[:trailer],
		Status: NewStatusWord(raw[trailer], raw[trailer+1]),
	}, nil
}

// Bytes encodes the response back to its wire representation.
func (r *ResponseAPDU) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.Status.SW1(), r.Status.SW2())
}

// String returns a readable summary of the response.
func (r *ResponseAPDU) String() string {
	return fmt.Sprintf("Data (%d bytes) | Status: %s", len(r.Data), r.Status.Verbose())
}
