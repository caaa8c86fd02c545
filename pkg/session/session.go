/*
Package session assembles the full transform chain over one connected token
and offers the high-level operations built on it: application selection,
PIN verification and change, slot configuration and raw command exchange.

The chain, top to bottom:

	sequence integrity → secure channel (optional) → command chaining →
	response chaining → terminal

The sequence-integrity layer sits above the secure channel so it observes
plaintext status blocks. A session is single-threaded: it owns every layer
below it exclusively.
*/
package session

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gregLibert/secure-token/pkg/iso7816"
	"github.com/gregLibert/secure-token/pkg/keyentry"
	"github.com/gregLibert/secure-token/pkg/otp"
	"github.com/gregLibert/secure-token/pkg/pipeline"
	"github.com/gregLibert/secure-token/pkg/scp"
)

// pinLength is the fixed verification field size; shorter PINs are padded
// with 0xFF.
const pinLength = 8

// ErrKeyEntryRefused is returned when the collector declines to supply the
// requested material.
var ErrKeyEntryRefused = errors.New("key entry refused")

// AuthError reports an exhausted or blocked verification method.
type AuthError struct {
	Retries int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed, %d retries remaining", e.Retries)
}

type config struct {
	logger       zerolog.Logger
	handshake    scp.Handshake
	continuation iso7816.Instruction
	chunkSize    int
}

// Option customises session construction.
type Option func(*config)

// WithLogger attaches a logger; the default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithSecureChannel adds a secure channel to the chain. The handshake runs
// in Establish, after the target application has been selected.
func WithSecureChannel(handshake scp.Handshake) Option {
	return func(c *config) { c.handshake = handshake }
}

// WithContinuation overrides the response-chaining continuation
// instruction, e.g. SEND REMAINING for the OATH application.
func WithContinuation(ins iso7816.Instruction) Option {
	return func(c *config) { c.continuation = ins }
}

// WithChunkSize overrides the command-chaining chunk size.
func WithChunkSize(size int) Option {
	return func(c *config) { c.chunkSize = size }
}

// Session is one logical connection to a token application.
type Session struct {
	logger   zerolog.Logger
	class    iso7816.Class
	terminal *pipeline.Terminal
	sequence *otp.SequenceIntegrity
	channel  *scp.Channel
	chain    pipeline.Transform
}

// New builds the chain over card and prepares it. The transport's lifecycle
// stays with the caller; Close tears down the chain but not the card.
func New(card iso7816.Transmitter, opts ...Option) (*Session, error) {
	cfg := config{
		logger:       zerolog.Nop(),
		continuation: iso7816.InsGetResponse,
		chunkSize:    iso7816.MaxShortLc,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	cls, err := iso7816.NewClass(0x00)
	if err != nil {
		return nil, err
	}

	terminal := pipeline.NewTerminal(card)
	terminal.SetLogger(cfg.logger)

	var chain pipeline.Transform = pipeline.NewResponseChainingIns(terminal, cfg.continuation)
	chain = pipeline.NewCommandChainingSize(chain, cfg.chunkSize)
	if err := chain.Setup(); err != nil {
		return nil, fmt.Errorf("session setup failed: %w", err)
	}

	var channel *scp.Channel
	if cfg.handshake != nil {
		channel = scp.NewChannel(chain, cfg.handshake)
		chain = channel
	}

	sequence := otp.NewSequenceIntegrity(chain)

	return &Session{
		logger:   cfg.logger,
		class:    cls,
		terminal: terminal,
		sequence: sequence,
		channel:  channel,
		chain:    sequence,
	}, nil
}

// Establish runs the secure channel handshake. The target application must
// already be selected. It is a no-op for sessions without a secure channel.
func (s *Session) Establish() error {
	if s.channel == nil {
		return nil
	}
	return s.channel.Setup()
}

// Select selects the application identified by aid. For the OTP application
// the returned status block primes the sequence-integrity tracker.
func (s *Session) Select(aid []byte) (*iso7816.ResponseAPDU, error) {
	resp, err := s.chain.Invoke(pipeline.SelectApplication(s.class, aid))
	if err != nil {
		return nil, err
	}
	if !resp.Status.IsSuccess() {
		return resp, fmt.Errorf("application selection failed: %s", resp.Status.Verbose())
	}

	if bytes.Equal(aid, iso7816.AidOTP) {
		if status, err := otp.ParseStatus(resp.Data); err == nil {
			s.sequence.Observe(status.ConfigState())
			s.logger.Debug().Stringer("version", status.Version).
				Uint8("sequence", status.Sequence).Msg("application status observed")
		}
	}
	return resp, nil
}

// Send performs one generic command through the full chain.
func (s *Session) Send(apdu *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error) {
	return s.chain.Invoke(pipeline.NewCommand(apdu))
}

// Do performs a command with an explicit pipeline identity.
func (s *Session) Do(cmd *pipeline.Command) (*iso7816.ResponseAPDU, error) {
	return s.chain.Invoke(cmd)
}

// ConfigureSlot writes a slot configuration, verified by the
// sequence-integrity layer.
func (s *Session) ConfigureSlot(slot byte, payload []byte) (*iso7816.ResponseAPDU, error) {
	return s.chain.Invoke(&pipeline.Command{
		APDU: iso7816.NewCommandAPDU(s.class, iso7816.InsSlotConfigure, slot, 0x00, payload, 0),
		Type: pipeline.TypeSlotConfigure,
	})
}

// VerifyPIN verifies the PIN referenced by ref, obtaining it from the
// collector. On a wrong PIN the collector is asked again with the retry
// counter until it refuses, the token blocks, or verification succeeds.
func (s *Session) VerifyPIN(ref byte, collector keyentry.Collector) error {
	req := keyentry.Request{Kind: keyentry.KindVerifyPassword, RetriesRemaining: -1}
	for {
		material, ok := collector(req)
		if !ok {
			return ErrKeyEntryRefused
		}

		payload, err := padPIN(material.Primary)
		material.Zeroize()
		if err != nil {
			return err
		}

		resp, err := s.Send(iso7816.NewCommandAPDU(s.class, iso7816.InsVerify, 0x00, ref, payload, 0))
		wipe(payload)
		if err != nil {
			return err
		}

		next, err := s.authOutcome(resp.Status, collector)
		if err != nil || next == nil {
			return err
		}
		req = *next
	}
}

// ChangePIN replaces the PIN referenced by ref. The collector answers a
// set-password request with the current value in Primary and the new value
// in Secondary.
func (s *Session) ChangePIN(ref byte, collector keyentry.Collector) error {
	req := keyentry.Request{Kind: keyentry.KindSetPassword, RetriesRemaining: -1}
	for {
		material, ok := collector(req)
		if !ok {
			return ErrKeyEntryRefused
		}

		current, err := padPIN(material.Primary)
		if err != nil {
			material.Zeroize()
			return err
		}
		updated, err := padPIN(material.Secondary)
		material.Zeroize()
		if err != nil {
			wipe(current)
			return err
		}

		payload := append(current, updated...)
		resp, err := s.Send(iso7816.NewCommandAPDU(
			s.class, iso7816.InsChangeReferenceData, 0x00, ref, payload, 0))
		wipe(payload)
		wipe(updated)
		if err != nil {
			return err
		}

		next, err := s.authOutcome(resp.Status, collector)
		if err != nil || next == nil {
			return err
		}
		next.Kind = keyentry.KindSetPassword
		req = *next
	}
}

// authOutcome interprets a verification status. A nil request with nil
// error means success; a non-nil request means ask the collector again.
func (s *Session) authOutcome(sw iso7816.StatusWord, collector keyentry.Collector) (*keyentry.Request, error) {
	if sw.IsSuccess() {
		collector(keyentry.Request{Kind: keyentry.KindRelease})
		return nil, nil
	}

	if retries, ok := sw.Retries(); ok {
		if retries == 0 {
			return nil, &AuthError{Retries: 0}
		}
		s.logger.Warn().Int("retries", retries).Msg("verification failed")
		return &keyentry.Request{
			Kind:             keyentry.KindVerifyPassword,
			IsRetry:          true,
			RetriesRemaining: retries,
		}, nil
	}

	if sw == iso7816.SWAuthMethodBlocked {
		return nil, &AuthError{Retries: 0}
	}
	return nil, fmt.Errorf("verification rejected: %s", sw.Verbose())
}

// Trace returns the wire-level transaction history of the terminal.
func (s *Session) Trace() iso7816.Trace {
	return s.terminal.Trace()
}

// Channel exposes the secure channel, nil for cleartext sessions.
func (s *Session) Channel() *scp.Channel {
	return s.channel
}

// Close tears down the chain. The card handle itself stays open.
func (s *Session) Close() error {
	return s.chain.Cleanup()
}

func padPIN(pin []byte) ([]byte, error) {
	if len(pin) == 0 || len(pin) > pinLength {
		return nil, fmt.Errorf("PIN length must be 1-%d bytes, got %d", pinLength, len(pin))
	}

	padded := bytes.Repeat([]byte{0xFF}, pinLength)
	copy(padded, pin)
	return padded, nil
}

func wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
