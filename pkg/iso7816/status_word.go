package iso7816

import (
	"fmt"

	"github.com/gregLibert/secure-token/pkg/bits"
)

// Status Word (SW1 SW2) analysis according to ISO/IEC 7816-4.
//
// Most status words are static two-byte values (0x9000), but several ranges
// carry contextual information:
//
//  1. '61XX': process completed, XX more response bytes available
//     (XX = 0 means an unknown amount). Retrieved with GET RESPONSE.
//  2. '6CXX': wrong length, XX is the correct Le for a re-issue.
//  3. '63CX': verification failed, the low nibble is the retry counter.

// StatusWord represents the two-byte status trailer returned by the token.
type StatusWord uint16

// NewStatusWord creates a StatusWord from its two bytes.
func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(uint16(sw1)<<8 | uint16(sw2))
}

// SW1 returns the high byte of the status word.
func (sw StatusWord) SW1() byte {
	return byte(sw >> 8)
}

// SW2 returns the low byte of the status word.
func (sw StatusWord) SW2() byte {
	return byte(sw)
}

// IsSuccess reports whether the command was processed successfully: 0x9000,
// or 0x61XX with response data still pending.
func (sw StatusWord) IsSuccess() bool {
	return sw == SWNoError || sw.HasMoreData()
}

// HasMoreData reports whether response bytes remain to be fetched (0x61XX).
// PendingBytes gives the amount the token announced.
func (sw StatusWord) HasMoreData() bool {
	return sw.SW1() == 0x61
}

// PendingBytes returns the number of response bytes announced by a 0x61XX
// status; 0 means the amount is unknown.
func (sw StatusWord) PendingBytes() int {
	if !sw.HasMoreData() {
		return 0
	}
	return int(sw.SW2())
}

// IsWrongLength reports a 0x6CXX status; CorrectLength gives the Le the
// token expects on re-issue.
func (sw StatusWord) IsWrongLength() bool {
	return sw.SW1() == 0x6C
}

// CorrectLength returns the Le suggested by a 0x6CXX status.
func (sw StatusWord) CorrectLength() int {
	if !sw.IsWrongLength() {
		return 0
	}
	return int(sw.SW2())
}

// Retries extracts the remaining attempt count from a 0x63CX verification
// failure. ok is false for any other status.
func (sw StatusWord) Retries() (retries int, ok bool) {
	if sw.SW1() != 0x63 || bits.GetRange(sw.SW2(), 8, 5) != 0x0C {
		return 0, false
	}
	return int(bits.GetRange(sw.SW2(), 4, 1)), true
}

// Classification is the closed outcome taxonomy consumed by callers that do
// not need the raw status word.
type Classification int

const (
	// Success covers 0x9000 and 0x61XX.
	Success Classification = iota
	// NoData covers 0x6984 and 0x6A82/0x6A88: the referenced object is
	// absent or the relevant authentication is not enabled.
	NoData
	// AuthRequired covers 0x6982 and 0x63CX: the security status is not
	// satisfied or verification failed.
	AuthRequired
	// Failed covers everything else.
	Failed
)

func (c Classification) String() string {
	switch c {
	case Success:
		return "success"
	case NoData:
		return "no data"
	case AuthRequired:
		return "authentication required"
	default:
		return "failed"
	}
}

// Classify maps the status word onto the closed Classification set.
func (sw StatusWord) Classify() Classification {
	if sw.IsSuccess() {
		return Success
	}
	if _, ok := sw.Retries(); ok {
		return AuthRequired
	}

	switch sw {
	case SWRefDataNotUsable, SWFileNotFound, SWRefDataNotFound:
		return NoData
	case SWSecurityStatusNotSatisfied, SWAuthMethodBlocked:
		return AuthRequired
	default:
		return Failed
	}
}

// Verbose returns a human-readable description of the status word,
// prioritising the dynamic ranges over the static table.
func (sw StatusWord) Verbose() string {
	switch {
	case sw.HasMoreData():
		return fmt.Sprintf("Process completed, %d bytes available", sw.SW2())
	case sw.IsWrongLength():
		return fmt.Sprintf("Wrong length, correct Le is %d", sw.SW2())
	}

	if retries, ok := sw.Retries(); ok {
		return fmt.Sprintf("Verification failed, %d retries remaining", retries)
	}

	if desc, ok := statusDescriptions[sw]; ok {
		return fmt.Sprintf("[%04X] %s", uint16(sw), desc)
	}
	return fmt.Sprintf("[%04X] %s", uint16(sw), sw.categoryDescription())
}

func (sw StatusWord) categoryDescription() string {
	switch sw.SW1() {
	case 0x62:
		return "Warning: NV memory unchanged"
	case 0x63:
		return "Warning: NV memory changed"
	case 0x64:
		return "Execution error: NV memory unchanged"
	case 0x65:
		return "Execution error: NV memory changed"
	case 0x66:
		return "Execution error: security issue"
	case 0x68:
		return "Checking error: function not supported"
	case 0x69:
		return "Checking error: command not allowed"
	case 0x6A:
		return "Checking error: wrong parameters"
	default:
		return "Unknown status"
	}
}

// Status word codes consumed by this module.
const (
	SWNoError StatusWord = 0x9000

	SWWrongLength                StatusWord = 0x6700
	SWSecureMessagingNotSupp     StatusWord = 0x6882
	SWSecureMessagingIncorrect   StatusWord = 0x6988
	SWSecurityStatusNotSatisfied StatusWord = 0x6982
	SWAuthMethodBlocked          StatusWord = 0x6983
	SWRefDataNotUsable           StatusWord = 0x6984
	SWConditionsNotSatisfied     StatusWord = 0x6985
	SWIncorrectParamsData        StatusWord = 0x6A80
	SWFileNotFound               StatusWord = 0x6A82
	SWRefDataNotFound            StatusWord = 0x6A88
	SWWrongP1P2                  StatusWord = 0x6B00
	SWInsInvalid                 StatusWord = 0x6D00
	SWClaNotSupported            StatusWord = 0x6E00
	SWUnknown                    StatusWord = 0x6F00
)

var statusDescriptions = map[StatusWord]string{
	SWNoError:                    "No error",
	SWWrongLength:                "Wrong length",
	SWSecureMessagingNotSupp:     "Secure messaging not supported",
	SWSecureMessagingIncorrect:   "Secure messaging data objects incorrect",
	SWSecurityStatusNotSatisfied: "Security status not satisfied",
	SWAuthMethodBlocked:          "Authentication method blocked",
	SWRefDataNotUsable:           "Referenced data not usable",
	SWConditionsNotSatisfied:     "Conditions of use not satisfied",
	SWIncorrectParamsData:        "Incorrect parameters in data field",
	SWFileNotFound:               "File or application not found",
	SWRefDataNotFound:            "Referenced data not found",
	SWWrongP1P2:                  "Wrong parameters P1-P2",
	SWInsInvalid:                 "Instruction not supported or invalid",
	SWClaNotSupported:            "Class not supported",
	SWUnknown:                    "No precise diagnosis",
}
