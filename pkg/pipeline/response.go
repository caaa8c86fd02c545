package pipeline

import (
	"github.com/gregLibert/secure-token/pkg/iso7816"
)

// ResponseChaining reassembles a response delivered across multiple frames.
//
// While the returned status is 0x61XX ("XX more bytes available, 0 meaning
// an unknown amount"), a continuation command is issued and its data appended
// to the accumulation buffer. The loop stops on any terminal status, success
// or failure alike; a failure status is surfaced with whatever data arrived
// before it. The continuation instruction is GET RESPONSE by default; the
// OATH applet substitutes its proprietary SEND REMAINING instruction.
type ResponseChaining struct {
	inner Transform
	ins   iso7816.Instruction
}

// NewResponseChaining wraps inner with standard GET RESPONSE continuation.
func NewResponseChaining(inner Transform) *ResponseChaining {
	return NewResponseChainingIns(inner, iso7816.InsGetResponse)
}

// NewResponseChainingIns wraps inner with an application-specific
// continuation instruction.
func NewResponseChainingIns(inner Transform, ins iso7816.Instruction) *ResponseChaining {
	return &ResponseChaining{inner: inner, ins: ins}
}

// Setup delegates to the inner transform.
func (r *ResponseChaining) Setup() error {
	return r.inner.Setup()
}

// Invoke performs the command and collects all pending response data.
func (r *ResponseChaining) Invoke(cmd *Command) (*iso7816.ResponseAPDU, error) {
	resp, err := r.inner.Invoke(cmd)
	if err != nil {
		return nil, err
	}

	if !resp.Status.HasMoreData() {
		return resp, nil
	}

	buf := append([]byte(nil), resp.Data...)

	for resp.Status.HasMoreData() {
		ne := resp.Status.PendingBytes()
		if ne == 0 {
			ne = iso7816.MaxShortLe
		}

		cont := &Command{
			APDU: iso7816.NewCommandAPDU(
				cmd.APDU.Class.WithChaining(false), r.ins, 0x00, 0x00, nil, ne),
			Type: cmd.Type,
		}

		if resp, err = r.inner.Invoke(cont); err != nil {
			return nil, err
		}
		buf = append(buf, resp.Data...)
	}

	return &iso7816.ResponseAPDU{Data: buf, Status: resp.Status}, nil
}

// Cleanup delegates to the inner transform.
func (r *ResponseChaining) Cleanup() error {
	return r.inner.Cleanup()
}
