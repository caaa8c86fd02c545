/*
Package pipeline implements the composable APDU transform chain that turns
one logical command into however many wire-level frames the protocol
requires, and reassembles the answer into one logical response.

Each layer implements the same three-operation Transform contract and wraps
an owned inner Transform, forming a linear chain:

	session → secure channel → command chaining → response chaining → terminal

A caller issues one command at the top; each layer may invoke the next layer
down zero or more times before returning a single response upward. The chain
is synchronous and single-threaded per logical session: every Invoke blocks
until the full transport round trip completes, and no layer is safe for
concurrent use from multiple goroutines.
*/
package pipeline

import (
	"errors"

	"github.com/gregLibert/secure-token/pkg/iso7816"
)

// Transform is the contract every pipeline layer implements.
//
// Setup prepares the layer (and, transitively, the layers below it) for use;
// for a secure channel this is where the handshake runs. Invoke performs one
// logical command. Cleanup releases per-session state; it must be idempotent
// and is expected to cascade to the inner transform.
type Transform interface {
	Setup() error
	Invoke(cmd *Command) (*iso7816.ResponseAPDU, error)
	Cleanup() error
}

// CommandType identifies the few command identities the pipeline treats
// specially. Matching is by identity, never by inspecting command bytes:
// a caller that wants the secure-channel exemption or the sequence-integrity
// check must say so when building the command.
type CommandType int

const (
	// TypeGeneric is an ordinary command with no special handling.
	TypeGeneric CommandType = iota

	// TypeSelectApplication marks an application-selection command. It is
	// exempt from secure messaging: selection bootstraps the channel and
	// must travel in the clear.
	TypeSelectApplication

	// TypeResetChannel marks a logical-channel reset. Like selection it is
	// exempt from secure messaging, since it tears the channel down.
	TypeResetChannel

	// TypeSlotConfigure marks an OTP slot configuration write, subject to
	// the sequence-integrity check.
	TypeSlotConfigure
)

// Command is one logical command travelling down the chain.
type Command struct {
	APDU *iso7816.CommandAPDU
	Type CommandType
}

// NewCommand wraps an APDU as a generic command.
func NewCommand(apdu *iso7816.CommandAPDU) *Command {
	return &Command{APDU: apdu, Type: TypeGeneric}
}

// SelectApplication builds the application-selection command for aid.
func SelectApplication(cla iso7816.Class, aid []byte) *Command {
	return &Command{
		APDU: iso7816.SelectByAID(cla, aid),
		Type: TypeSelectApplication,
	}
}

// ErrChainingBitSet is returned when a command hands the pipeline a class
// byte with the chaining bit already set. That bit is owned exclusively by
// the command-chaining transform.
var ErrChainingBitSet = errors.New("chaining bit must not be pre-set by the caller")
