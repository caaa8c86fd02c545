package iso7816

import "fmt"

// Instruction Byte (INS) according to ISO/IEC 7816-4.
//
// Values whose upper nibble is '6' or '9' are reserved for status words and
// transport control procedures and are invalid as instructions.

// Instruction is a typed representation of the instruction byte.
type Instruction byte

// Instruction codes used by this module: the interindustry subset consumed by
// the transforms plus the proprietary codes of the token's applets.
const (
	InsVerify               Instruction = 0x20
	InsChangeReferenceData  Instruction = 0x24
	InsResetRetryCounter    Instruction = 0x2C
	InsInitializeUpdate     Instruction = 0x50
	InsManageChannel        Instruction = 0x70
	InsExternalAuthenticate Instruction = 0x82
	InsGetChallenge         Instruction = 0x84
	InsGeneralAuthenticate  Instruction = 0x86
	InsInternalAuthenticate Instruction = 0x88
	InsSelect               Instruction = 0xA4
	InsGetResponse          Instruction = 0xC0
	InsGetData              Instruction = 0xCA
	InsPutData              Instruction = 0xDA

	// Proprietary continuation instruction of the OATH applet, used in
	// place of GET RESPONSE when reassembling long credential listings.
	InsSendRemaining Instruction = 0xA5

	// Proprietary slot configuration instruction of the OTP applet.
	InsSlotConfigure Instruction = 0x01
)

// Valid reports whether the byte is usable as an instruction: '6X' and '9X'
// values are reserved by ISO 7816-3.
func (i Instruction) Valid() bool {
	high := byte(i) & 0xF0
	return high != 0x60 && high != 0x90
}

// String renders the instruction byte in hex.
func (i Instruction) String() string {
	return fmt.Sprintf("INS 0x%02X", byte(i))
}
