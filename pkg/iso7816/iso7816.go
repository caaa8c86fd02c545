/*
Package iso7816 implements the APDU framing layer shared by every protocol
transform in this module: Command and Response structures with short and
extended length encoding, Class (CLA) and Instruction (INS) byte handling,
Status Word analysis, and the Transaction/Trace history types used for
diagnostics.

# Fundamentals

Communication with a security token is strictly synchronous:
 1. The host sends a Command APDU (4-byte header + optional body).
 2. The token returns a Response APDU (optional body + 2-byte trailer).

# Status Words

Every response ends with a Status Word (SW1 SW2):
  - 0x9000: success.
  - 0x61XX: success, XX more response bytes pending (0 means unknown).
  - 0x6CXX: wrong length expectation, XX is the correct Le.
  - 0x63CX: verification failed, X retries remaining.
  - Other values: warnings and errors, see Classify.

Transforms above this package own all multi-frame behaviour: command
chaining, response reassembly and secure messaging never appear here.
*/
package iso7816

// Transmitter abstracts the physical token connection. Implementations
// perform exactly one blocking exchange per call, with no retry or chunking
// logic of their own.
type Transmitter interface {
	Transmit(cmd []byte) ([]byte, error)
}

// Well-known application identifiers.
var (
	// AidSecurityDomain selects the GlobalPlatform issuer security domain,
	// the application terminating secure channel handshakes.
	AidSecurityDomain = []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00}

	// AidOATH selects the OATH applet, whose oversized responses use the
	// proprietary SEND REMAINING continuation instruction.
	AidOATH = []byte{0xA0, 0x00, 0x00, 0x05, 0x27, 0x21, 0x01}

	// AidOTP selects the one-time-password applet with the slot
	// configuration interface.
	AidOTP = []byte{0xA0, 0x00, 0x00, 0x05, 0x27, 0x20, 0x01}
)
