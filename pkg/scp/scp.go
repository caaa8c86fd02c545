/*
Package scp implements the secure channel transform: an authenticated,
encrypted session layered over the APDU pipeline.

Two handshake variants are provided. SCP03 authenticates with long-term
symmetric AES keys and a mutual challenge/cryptogram exchange; SCP11
authenticates with an ephemeral ECDH key agreement against the token's
static public key. Both produce the same session state: an encryption key,
a command MAC key, a response MAC key, and a rolling MAC chaining value
that links every exchange to the complete history of the session.

The channel is a strict state machine:

	Unestablished → Handshaking → Established → Terminated

Once Established, every command except the exempt identities (application
selection, channel reset — which must travel in the clear to bootstrap or
tear down the channel) is encrypted and authenticated. A response MAC
mismatch or command counter exhaustion is fatal: the channel cannot
resynchronise, the session keys are wiped, and every further Invoke fails
without contacting the transport. The caller must discard the session and
handshake a fresh one.
*/
package scp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"errors"
	"fmt"

	"github.com/gregLibert/secure-token/pkg/iso7816"
	"github.com/gregLibert/secure-token/pkg/pipeline"
)

// State identifies where the channel is in its lifecycle.
type State int

const (
	StateUnestablished State = iota
	StateHandshaking
	StateEstablished
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnestablished:
		return "unestablished"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IntegrityError is the fatal channel failure: the session it occurred on is
// permanently unusable and must be discarded. It is distinct from ordinary
// failure status words, which leave the session intact.
type IntegrityError struct {
	reason string
}

func (e *IntegrityError) Error() string {
	return "secure channel integrity failure: " + e.reason
}

var (
	// ErrMACMismatch reports a response whose MAC did not verify.
	ErrMACMismatch error = &IntegrityError{reason: "response MAC mismatch"}

	// ErrCounterExhausted reports that the command counter space is spent.
	ErrCounterExhausted error = &IntegrityError{reason: "command counter exhausted"}

	// ErrBadPadding reports a decrypted response without valid padding.
	ErrBadPadding error = &IntegrityError{reason: "malformed response padding"}

	// ErrChannelTerminated is returned by every Invoke after the channel
	// has been torn down.
	ErrChannelTerminated = errors.New("secure channel terminated")

	// ErrNotEstablished is returned when a non-exempt command is invoked
	// before the handshake has completed.
	ErrNotEstablished = errors.New("secure channel not established")
)

const (
	blockSize  = 16
	macLength  = 8
	keyLength  = 16
	maxCounter = 0xFFFFFF
)

// SessionKeys holds the derived key material of one established session.
type SessionKeys struct {
	ENC  [keyLength]byte
	MAC  [keyLength]byte
	RMAC [keyLength]byte
}

// Zeroize wipes the key material in place.
func (k *SessionKeys) Zeroize() {
	for i := range k.ENC {
		k.ENC[i] = 0
		k.MAC[i] = 0
		k.RMAC[i] = 0
	}
}

// sendFunc performs one cleartext exchange through the layers below the
// channel. Handshakes use it before any session state exists.
type sendFunc func(*iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error)

// Handshake establishes a session: it authenticates both ends through send
// and returns the derived session keys together with the initial MAC
// chaining value.
type Handshake interface {
	Authenticate(send sendFunc) (*SessionKeys, [blockSize]byte, error)
}

// Channel is the secure channel transform. It owns the mutable session
// state (keys, chaining MAC, command counter) exclusively and is not safe
// for concurrent use.
type Channel struct {
	inner     pipeline.Transform
	handshake Handshake

	state       State
	keys        *SessionKeys
	chainingMAC [blockSize]byte
	counter     uint32
}

// NewChannel wraps inner with a secure channel using the given handshake.
// The channel stays Unestablished until Setup runs the handshake.
func NewChannel(inner pipeline.Transform, handshake Handshake) *Channel {
	return &Channel{inner: inner, handshake: handshake}
}

// State returns the channel's lifecycle state.
func (c *Channel) State() State {
	return c.state
}

// Setup prepares the inner chain and runs the handshake.
func (c *Channel) Setup() error {
	if c.state == StateTerminated {
		return ErrChannelTerminated
	}
	if err := c.inner.Setup(); err != nil {
		return err
	}

	c.state = StateHandshaking
	keys, chain, err := c.handshake.Authenticate(c.send)
	if err != nil {
		c.state = StateUnestablished
		return fmt.Errorf("secure channel handshake failed: %w", err)
	}

	c.keys = keys
	c.chainingMAC = chain
	c.counter = 0
	c.state = StateEstablished
	return nil
}

func (c *Channel) send(apdu *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error) {
	return c.inner.Invoke(pipeline.NewCommand(apdu))
}

// Invoke encodes the command through the session unless its identity is
// exempt, and decodes the response symmetrically.
func (c *Channel) Invoke(cmd *pipeline.Command) (*iso7816.ResponseAPDU, error) {
	if c.state == StateTerminated {
		return nil, ErrChannelTerminated
	}

	// Exemption is by command identity, never by inspecting bytes.
	if cmd.Type == pipeline.TypeSelectApplication || cmd.Type == pipeline.TypeResetChannel {
		resp, err := c.inner.Invoke(cmd)
		if err == nil && cmd.Type == pipeline.TypeResetChannel {
			c.reset()
		}
		return resp, err
	}

	if c.state != StateEstablished {
		return nil, ErrNotEstablished
	}

	wrapped, err := c.wrap(cmd.APDU)
	if err != nil {
		c.terminate()
		return nil, err
	}

	resp, err := c.inner.Invoke(&pipeline.Command{APDU: wrapped, Type: cmd.Type})
	if err != nil {
		// Transport failures propagate unchanged and do not consume
		// the session.
		return nil, err
	}

	out, err := c.unwrap(resp)
	if err != nil {
		c.terminate()
		return nil, err
	}
	return out, nil
}

// Cleanup tears the channel down, wiping the session keys, and cascades to
// the inner chain. It is idempotent.
func (c *Channel) Cleanup() error {
	c.terminate()
	return c.inner.Cleanup()
}

// wrap encrypts and authenticates one command under the session state.
func (c *Channel) wrap(apdu *iso7816.CommandAPDU) (*iso7816.CommandAPDU, error) {
	if c.counter >= maxCounter {
		return nil, ErrCounterExhausted
	}
	c.counter++

	var ciphertext []byte
	if len(apdu.Data) > 0 {
		icv, err := encryptBlock(c.keys.ENC[:], counterBlock(0x00, c.counter))
		if err != nil {
			return nil, err
		}

		block, err := aes.NewCipher(c.keys.ENC[:])
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}

		padded := pad80(apdu.Data)
		ciphertext = make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, icv).CryptBlocks(ciphertext, padded)
	}

	cls := secureClass(apdu.Class)
	lc := len(ciphertext) + macLength

	macInput := make([]byte, 0, blockSize+4+3+len(ciphertext))
	macInput = append(macInput, c.chainingMAC[:]...)
	macInput = append(macInput, cls.Encode(), byte(apdu.Instruction), apdu.P1, apdu.P2)
	macInput = appendLc(macInput, lc)
	macInput = append(macInput, ciphertext...)

	full, err := aesCMAC(c.keys.MAC[:], macInput)
	if err != nil {
		return nil, err
	}
	copy(c.chainingMAC[:], full)

	data := make([]byte, 0, lc)
	data = append(data, ciphertext...)
	data = append(data, full[:macLength]...)

	return &iso7816.CommandAPDU{
		Class:       cls,
		Instruction: apdu.Instruction,
		P1:          apdu.P1,
		P2:          apdu.P2,
		Data:        data,
		Ne:          iso7816.MaxShortLe,
	}, nil
}

// unwrap verifies and decrypts one response. Data-less responses carry no
// response MAC and pass through untouched.
func (c *Channel) unwrap(resp *iso7816.ResponseAPDU) (*iso7816.ResponseAPDU, error) {
	if len(resp.Data) == 0 {
		return resp, nil
	}
	if len(resp.Data) < macLength {
		return nil, ErrMACMismatch
	}

	body := resp.Data[:len(resp.Data)-macLength]
	mac := resp.Data[len(resp.Data)-macLength:]

	macInput := make([]byte, 0, blockSize+len(body)+2)
	macInput = append(macInput, c.chainingMAC[:]...)
	macInput = append(macInput, body...)
	macInput = append(macInput, resp.Status.SW1(), resp.Status.SW2())

	full, err := aesCMAC(c.keys.RMAC[:], macInput)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(full[:macLength], mac) {
		return nil, ErrMACMismatch
	}

	plaintext := body
	if len(body) > 0 {
		if len(body)%blockSize != 0 {
			return nil, ErrBadPadding
		}

		icv, err := encryptBlock(c.keys.ENC[:], counterBlock(0x80, c.counter))
		if err != nil {
			return nil, err
		}

		block, err := aes.NewCipher(c.keys.ENC[:])
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}

		decrypted := make([]byte, len(body))
		cipher.NewCBCDecrypter(block, icv).CryptBlocks(decrypted, body)

		if plaintext, err = unpad80(decrypted); err != nil {
			return nil, err
		}
	}

	return &iso7816.ResponseAPDU{Data: plaintext, Status: resp.Status}, nil
}

func (c *Channel) terminate() {
	if c.keys != nil {
		c.keys.Zeroize()
		c.keys = nil
	}
	c.chainingMAC = [blockSize]byte{}
	c.state = StateTerminated
}

// reset returns the channel to Unestablished after a cleartext channel
// reset, wiping the old session. A new Setup may establish a fresh session.
func (c *Channel) reset() {
	if c.keys != nil {
		c.keys.Zeroize()
		c.keys = nil
	}
	c.chainingMAC = [blockSize]byte{}
	c.counter = 0
	c.state = StateUnestablished
}

// secureClass marks the class byte as secure-messaging.
func secureClass(cls iso7816.Class) iso7816.Class {
	if cls.Proprietary {
		cls.Raw |= 0x04
		return cls
	}
	cls.SecureMessaging = iso7816.SMProprietary
	return cls
}

// counterBlock builds the IV derivation block: a direction prefix (0x00 for
// commands, 0x80 for responses) and the big-endian command counter.
func counterBlock(prefix byte, counter uint32) []byte {
	block := make([]byte, blockSize)
	block[0] = prefix
	block[blockSize-4] = byte(counter >> 24)
	block[blockSize-3] = byte(counter >> 16)
	block[blockSize-2] = byte(counter >> 8)
	block[blockSize-1] = byte(counter)
	return block
}

// encryptBlock encrypts one AES block, yielding the session IV.
func encryptBlock(key, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	out := make([]byte, blockSize)
	block.Encrypt(out, in)
	return out, nil
}

// appendLc appends the Lc field in short or extended form, matching the
// encoding the terminal will put on the wire.
func appendLc(dst []byte, lc int) []byte {
	if lc <= iso7816.MaxShortLc {
		return append(dst, byte(lc))
	}
	return append(dst, 0x00, byte(lc>>8), byte(lc))
}

// pad80 appends the 0x80 marker and zero-fills to the cipher block size.
func pad80(data []byte) []byte {
	padded := make([]byte, 0, len(data)+blockSize)
	padded = append(padded, data...)
	padded = append(padded, 0x80)
	for len(padded)%blockSize != 0 {
		padded = append(padded, 0x00)
	}
	return padded
}

// unpad80 strips the zero fill and the 0x80 marker.
func unpad80(data []byte) ([]byte, error) {
	i := len(data) - 1
	for i >= 0 && data[i] == 0x00 {
		i--
	}
	if i < 0 || data[i] != 0x80 {
		return nil, ErrBadPadding
	}
	return data[:i], nil
}
