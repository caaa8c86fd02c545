package pipeline

import (
	"fmt"

	"github.com/gregLibert/secure-token/pkg/iso7816"
)

// CommandChaining splits an oversized command payload into a sequence of
// chained frames (ISO 7816-4 command chaining).
//
// Every frame except the last carries the chaining bit in its class byte,
// signalling "more command data follows"; INS, P1 and P2 are identical on
// every frame, and only the final frame carries the expected response
// length. The response to an intermediate frame is inspected only for
// failure: a non-success status aborts the sequence immediately and is
// returned as-is, without sending the remaining frames.
type CommandChaining struct {
	inner    Transform
	maxChunk int
}

// NewCommandChaining wraps inner with command chaining at the short-APDU
// payload limit.
func NewCommandChaining(inner Transform) *CommandChaining {
	return NewCommandChainingSize(inner, iso7816.MaxShortLc)
}

// NewCommandChainingSize wraps inner with command chaining at an explicit
// chunk size.
func NewCommandChainingSize(inner Transform, maxChunk int) *CommandChaining {
	if maxChunk < 1 {
		maxChunk = iso7816.MaxShortLc
	}
	return &CommandChaining{inner: inner, maxChunk: maxChunk}
}

// Setup delegates to the inner transform.
func (c *CommandChaining) Setup() error {
	return c.inner.Setup()
}

// Invoke forwards small commands unchanged and splits larger ones.
func (c *CommandChaining) Invoke(cmd *Command) (*iso7816.ResponseAPDU, error) {
	if cmd.APDU.Class.IsChained {
		return nil, fmt.Errorf("%s: %w", cmd.APDU.Instruction, ErrChainingBitSet)
	}

	data := cmd.APDU.Data
	if len(data) <= c.maxChunk {
		return c.inner.Invoke(cmd)
	}

	for offset := 0; ; offset += c.maxChunk {
		last := offset+c.maxChunk >= len(data)

		end := offset + c.maxChunk
		if end > len(data) {
			end = len(data)
		}

		frame := cmd.APDU.Clone()
		frame.Data = data[offset:end]
		frame.Class = cmd.APDU.Class.WithChaining(!last)
		if !last {
			frame.Ne = 0
		}

		resp, err := c.inner.Invoke(&Command{APDU: frame, Type: cmd.Type})
		if err != nil {
			return nil, err
		}

		if last || !resp.Status.IsSuccess() {
			return resp, nil
		}
	}
}

// Cleanup delegates to the inner transform.
func (c *CommandChaining) Cleanup() error {
	return c.inner.Cleanup()
}
