package iso7816

import (
	"fmt"

	"github.com/gregLibert/secure-token/pkg/bits"
)

// Class Byte (CLA) structure according to ISO/IEC 7816-4, first interindustry
// range (00xx xxxx):
//
//	Bit 8: Proprietary (1) or Interindustry (0).
//	Bit 5: Command chaining (0 = last/only, 1 = more command data follows).
//	Bits 4-3: Secure messaging indication.
//	Bits 2-1: Logical channel number (0-3).
//
// The chaining bit is owned exclusively by the command-chaining transform:
// commands handed to the pipeline must carry IsChained=false, and the
// transform sets it frame by frame.

// SecureMessaging defines the security indication carried in the CLA.
type SecureMessaging byte

const (
	// SMNone indicates no secure messaging.
	SMNone SecureMessaging = 0
	// SMProprietary indicates a proprietary secure messaging format. The
	// GlobalPlatform secure channel signals its C-MAC this way.
	SMProprietary SecureMessaging = 1
	// SMHeaderNoProc indicates ISO secure messaging, header not processed.
	SMHeaderNoProc SecureMessaging = 2
	// SMHeaderAuth indicates ISO secure messaging, header authenticated.
	SMHeaderAuth SecureMessaging = 3
)

// Class represents the parsed CLA byte.
type Class struct {
	// Proprietary carries the raw byte unmodified for proprietary classes
	// (bit 8 set), e.g. the GlobalPlatform 0x80 class.
	Proprietary bool
	Raw         byte

	IsChained       bool
	SecureMessaging SecureMessaging
	Channel         uint8 // logical channel number (0-3)
}

// NewClass decodes a raw CLA byte.
func NewClass(cla byte) (Class, error) {
	if cla == 0xFF {
		return Class{}, fmt.Errorf("invalid CLA value: 0xFF is reserved")
	}

	c := Class{Raw: cla}

	if bits.IsSet(cla, 8) {
		c.Proprietary = true
		c.IsChained = bits.IsSet(cla, 5)
		return c, nil
	}

	c.IsChained = bits.IsSet(cla, 5)
	c.SecureMessaging = SecureMessaging(bits.GetRange(cla, 4, 3))
	c.Channel = bits.GetRange(cla, 2, 1)

	return c, nil
}

// Encode converts the Class back to its byte representation.
func (c Class) Encode() byte {
	if c.Proprietary {
		raw := c.Raw
		if c.IsChained {
			raw = bits.Set(raw, 5)
		} else {
			raw = bits.Clear(raw, 5)
		}
		return raw
	}

	var res byte
	if c.IsChained {
		res = bits.Set(res, 5)
	}
	res |= byte(c.SecureMessaging) << 2
	res |= c.Channel & 0x03
	return res
}

// WithChaining returns a copy of the class with the chaining bit set as
// requested.
func (c Class) WithChaining(chained bool) Class {
	c.IsChained = chained
	return c
}

// Verbose returns a readable description of the CLA configuration.
func (c Class) Verbose() string {
	if c.Proprietary {
		return fmt.Sprintf("Class: Proprietary (0x%02X)", c.Encode())
	}

	smDesc := "None"
	switch c.SecureMessaging {
	case SMProprietary:
		smDesc = "Proprietary"
	case SMHeaderNoProc:
		smDesc = "ISO (header not processed)"
	case SMHeaderAuth:
		smDesc = "ISO (header authenticated)"
	}

	chaining := "Last or only command"
	if c.IsChained {
		chaining = "More command data follows"
	}

	return fmt.Sprintf("Chaining: %s | Secure Messaging: %s | Channel: %d",
		chaining, smDesc, c.Channel)
}
