package pipeline

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gregLibert/secure-token/pkg/iso7816"
)

// Terminal is the leaf of the chain: it encodes one command frame, performs
// exactly one blocking exchange on the underlying Transmitter per frame, and
// parses the reply. All chunking and session logic lives in the layers above.
//
// The single transport-level behaviour the terminal does own is the 6CXX
// correction: when the token rejects the expected length and suggests the
// right one, the same frame is re-issued with the corrected Le. This is a
// T=0 transport artefact, not error recovery.
type Terminal struct {
	card   iso7816.Transmitter
	logger zerolog.Logger
	trace  iso7816.Trace
}

// NewTerminal wraps a Transmitter as the terminal transform. Logging is
// disabled until SetLogger is called.
func NewTerminal(card iso7816.Transmitter) *Terminal {
	return &Terminal{
		card:   card,
		logger: zerolog.Nop(),
	}
}

// SetLogger routes per-frame traces to l at debug level.
func (t *Terminal) SetLogger(l zerolog.Logger) {
	t.logger = l
}

// Trace returns the transactions performed by the most recent Invoke.
func (t *Terminal) Trace() iso7816.Trace {
	return t.trace
}

// Setup verifies the terminal is usable.
func (t *Terminal) Setup() error {
	if t.card == nil {
		return errors.New("terminal has no transport")
	}
	return nil
}

// Invoke transmits one frame and parses the reply, re-issuing once per 6CXX
// length correction. Transport I/O failures propagate unchanged.
func (t *Terminal) Invoke(cmd *Command) (*iso7816.ResponseAPDU, error) {
	t.trace = nil
	return t.exchange(cmd.APDU)
}

func (t *Terminal) exchange(apdu *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error) {
	raw, err := apdu.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding error: %w", err)
	}

	rawResp, err := t.card.Transmit(raw)
	if err != nil {
		return nil, fmt.Errorf("transmission error: %w", err)
	}

	resp, err := iso7816.ParseResponseAPDU(rawResp)
	if err != nil {
		return nil, err
	}

	t.trace = append(t.trace, iso7816.Transaction{Command: apdu, Response: resp})

	t.logger.Debug().
		Str("command", apdu.String()).
		Str("status", resp.Status.Verbose()).
		Int("response_len", len(resp.Data)).
		Msg("apdu exchange")

	// 6CXX: wrong length, re-issue with the Le the token suggested.
	if resp.Status.IsWrongLength() {
		corrected := apdu.Clone()
		corrected.Ne = resp.Status.CorrectLength()
		return t.exchange(corrected)
	}

	return resp, nil
}

// Cleanup releases nothing: the transport's lifecycle belongs to whoever
// opened it.
func (t *Terminal) Cleanup() error {
	return nil
}
