package scp

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"testing"

	"github.com/gregLibert/secure-token/pkg/iso7816"
	"github.com/gregLibert/secure-token/pkg/pipeline"
)

// cardSession is the token's side of an established channel, shared by the
// fake cards of both handshake variants.
type cardSession struct {
	keys    *SessionKeys
	chain   [blockSize]byte
	counter uint32
}

// handleWrapped verifies and decrypts one wrapped command, then answers
// with reply encrypted and authenticated under the same session.
func (s *cardSession) handleWrapped(t *testing.T, raw, reply []byte) []byte {
	t.Helper()
	s.counter++

	lc := int(raw[4])
	body := raw[5 : 5+lc]
	if len(body) < macLength {
		t.Fatal("wrapped command without MAC")
	}
	ciphertext := body[:len(body)-macLength]
	mac := body[len(body)-macLength:]

	macInput := append(append([]byte{}, s.chain[:]...), raw[0], raw[1], raw[2], raw[3], byte(lc))
	macInput = append(macInput, ciphertext...)
	full, err := aesCMAC(s.keys.MAC[:], macInput)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(full[:macLength], mac) {
		return []byte{0x69, 0x82}
	}
	copy(s.chain[:], full)

	if len(ciphertext) > 0 {
		icv, err := encryptBlock(s.keys.ENC[:], counterBlock(0x00, s.counter))
		if err != nil {
			t.Fatal(err)
		}
		block, _ := aes.NewCipher(s.keys.ENC[:])
		plain := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, icv).CryptBlocks(plain, ciphertext)
		if _, err := unpad80(plain); err != nil {
			t.Fatalf("command payload padding: %v", err)
		}
	}

	var respCT []byte
	if len(reply) > 0 {
		icv, err := encryptBlock(s.keys.ENC[:], counterBlock(0x80, s.counter))
		if err != nil {
			t.Fatal(err)
		}
		block, _ := aes.NewCipher(s.keys.ENC[:])
		padded := pad80(reply)
		respCT = make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, icv).CryptBlocks(respCT, padded)
	}

	rmacInput := append(append([]byte{}, s.chain[:]...), respCT...)
	rmacInput = append(rmacInput, 0x90, 0x00)
	rfull, err := aesCMAC(s.keys.RMAC[:], rmacInput)
	if err != nil {
		t.Fatal(err)
	}

	out := append(append([]byte{}, respCT...), rfull[:macLength]...)
	return append(out, 0x90, 0x00)
}

// symmetricCard emulates the token side of the symmetric handshake.
type symmetricCard struct {
	t      *testing.T
	static StaticKeys

	session        cardSession
	established    bool
	hostCryptogram []byte
	reply          []byte
	tamperMAC      bool

	transmits  int
	clearSent  [][]byte
	plainReply []byte
}

func newSymmetricCard(t *testing.T) *symmetricCard {
	return &symmetricCard{t: t, static: DefaultKeys(), plainReply: []byte{0x90, 0x00}}
}

func (c *symmetricCard) Transmit(raw []byte) ([]byte, error) {
	c.transmits++

	var data []byte
	if len(raw) > 5 {
		data = raw[5 : 5+int(raw[4])]
	}

	switch {
	case raw[1] == byte(iso7816.InsInitializeUpdate):
		cardChallenge := []byte{0xC0, 0xC1, 0xC2, 0xC3, 0xC4, 0xC5, 0xC6, 0xC7}
		context := append(append([]byte{}, data...), cardChallenge...)

		c.session.keys = new(SessionKeys)
		if err := deriveSymmetricSession(c.session.keys, &c.static, context); err != nil {
			c.t.Fatal(err)
		}
		cardCryptogram, err := kdf108(c.session.keys.MAC[:], deriveCardCryptogram, context, 8*cryptogramLength)
		if err != nil {
			c.t.Fatal(err)
		}
		c.hostCryptogram, err = kdf108(c.session.keys.MAC[:], deriveHostCryptogram, context, 8*cryptogramLength)
		if err != nil {
			c.t.Fatal(err)
		}

		resp := make([]byte, 13) // diversification data and key information
		resp = append(resp, cardChallenge...)
		resp = append(resp, cardCryptogram...)
		return append(resp, 0x90, 0x00), nil

	case raw[1] == byte(iso7816.InsExternalAuthenticate):
		macInput := make([]byte, blockSize) // zero chaining value
		macInput = append(macInput, raw[0], raw[1], raw[2], raw[3], raw[4])
		macInput = append(macInput, data[:cryptogramLength]...)
		full, err := aesCMAC(c.session.keys.MAC[:], macInput)
		if err != nil {
			c.t.Fatal(err)
		}

		if !bytes.Equal(data[:cryptogramLength], c.hostCryptogram) {
			return []byte{0x69, 0x82}, nil
		}
		if !bytes.Equal(data[cryptogramLength:], full[:macLength]) {
			return []byte{0x69, 0x82}, nil
		}

		copy(c.session.chain[:], full)
		c.session.counter = 0
		c.established = true
		return []byte{0x90, 0x00}, nil

	case c.established && raw[0]&0x04 != 0:
		out := c.session.handleWrapped(c.t, raw, c.reply)
		if c.tamperMAC {
			out[len(out)-3] ^= 0x01
		}
		return out, nil

	default:
		c.clearSent = append(c.clearSent, append([]byte(nil), raw...))
		return c.plainReply, nil
	}
}

func established(t *testing.T, card *symmetricCard) *Channel {
	t.Helper()
	ch := NewChannel(pipeline.NewTerminal(card), NewSCP03(DefaultKeys(), 0))
	if err := ch.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if ch.State() != StateEstablished {
		t.Fatalf("state = %s, want established", ch.State())
	}
	return ch
}

func genericCommand(t *testing.T, data []byte) *pipeline.Command {
	t.Helper()
	cls, err := iso7816.NewClass(0x00)
	if err != nil {
		t.Fatal(err)
	}
	return pipeline.NewCommand(iso7816.NewCommandAPDU(cls, iso7816.InsPutData, 0x01, 0x02, data, 0))
}

func TestChannel_SymmetricHandshakeAndExchange(t *testing.T) {
	card := newSymmetricCard(t)
	card.reply = []byte{0xDE, 0xAD, 0xBE, 0xEF}
	ch := established(t, card)

	resp, err := ch.Invoke(genericCommand(t, []byte{1, 2, 3}))
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if resp.Status != iso7816.SWNoError {
		t.Fatalf("status = %04X", uint16(resp.Status))
	}
	if !bytes.Equal(resp.Data, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("decrypted reply = % X", resp.Data)
	}

	// A second exchange must chain from the first.
	card.reply = []byte{0x42}
	resp, err = ch.Invoke(genericCommand(t, nil))
	if err != nil {
		t.Fatalf("second Invoke failed: %v", err)
	}
	if !bytes.Equal(resp.Data, []byte{0x42}) {
		t.Errorf("second reply = % X", resp.Data)
	}
}

func TestChannel_WrongStaticKeys(t *testing.T) {
	card := newSymmetricCard(t)

	badKeys := DefaultKeys()
	badKeys.MAC[0] ^= 0xFF
	ch := NewChannel(pipeline.NewTerminal(card), NewSCP03(badKeys, 0))

	err := ch.Setup()
	if !errors.Is(err, ErrCardCryptogram) {
		t.Fatalf("err = %v, want ErrCardCryptogram", err)
	}
	if ch.State() != StateUnestablished {
		t.Errorf("state = %s, failed handshake must leave the channel unestablished", ch.State())
	}
}

func TestChannel_TamperedResponseIsFatal(t *testing.T) {
	card := newSymmetricCard(t)
	card.reply = []byte{0x01}
	ch := established(t, card)

	card.tamperMAC = true
	if _, err := ch.Invoke(genericCommand(t, []byte{9})); !errors.Is(err, ErrMACMismatch) {
		t.Fatalf("err = %v, want ErrMACMismatch", err)
	}
	if ch.State() != StateTerminated {
		t.Fatalf("state = %s, want terminated", ch.State())
	}

	// A dead channel must fail without touching the transport.
	before := card.transmits
	if _, err := ch.Invoke(genericCommand(t, nil)); !errors.Is(err, ErrChannelTerminated) {
		t.Fatalf("err = %v, want ErrChannelTerminated", err)
	}
	if card.transmits != before {
		t.Error("terminated channel contacted the transport")
	}

	var integrity *IntegrityError
	if !errors.As(ErrMACMismatch, &integrity) {
		t.Error("ErrMACMismatch must be an IntegrityError")
	}
}

func TestChannel_CounterExhaustion(t *testing.T) {
	card := newSymmetricCard(t)
	ch := established(t, card)

	ch.counter = maxCounter
	before := card.transmits

	if _, err := ch.Invoke(genericCommand(t, []byte{1})); !errors.Is(err, ErrCounterExhausted) {
		t.Fatalf("err = %v, want ErrCounterExhausted", err)
	}
	if card.transmits != before {
		t.Error("exhausted counter still contacted the transport")
	}
	if ch.State() != StateTerminated {
		t.Errorf("state = %s, want terminated", ch.State())
	}
}

func TestChannel_SelectionBypassesEncryption(t *testing.T) {
	card := newSymmetricCard(t)
	ch := established(t, card)

	aid := []byte{0xA0, 0x00, 0x00, 0x05, 0x27}
	cls, err := iso7816.NewClass(0x00)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ch.Invoke(pipeline.SelectApplication(cls, aid)); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if len(card.clearSent) != 1 {
		t.Fatalf("cleartext frames = %d, want 1", len(card.clearSent))
	}
	frame := card.clearSent[0]
	if frame[0] != 0x00 || !bytes.Contains(frame, aid) {
		t.Errorf("selection frame = % X, must carry the AID in the clear", frame)
	}
	if ch.State() != StateEstablished {
		t.Errorf("state = %s, selection must not consume the session", ch.State())
	}
}

func TestChannel_ResetReturnsToUnestablished(t *testing.T) {
	card := newSymmetricCard(t)
	ch := established(t, card)

	cls, err := iso7816.NewClass(0x00)
	if err != nil {
		t.Fatal(err)
	}
	reset := &pipeline.Command{
		APDU: iso7816.NewCommandAPDU(cls, iso7816.InsManageChannel, 0x00, 0x00, nil, 0),
		Type: pipeline.TypeResetChannel,
	}
	if _, err := ch.Invoke(reset); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	if ch.State() != StateUnestablished {
		t.Fatalf("state = %s, want unestablished", ch.State())
	}
	if _, err := ch.Invoke(genericCommand(t, nil)); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("err = %v, want ErrNotEstablished", err)
	}

	// The channel can be re-established after a reset.
	if err := ch.Setup(); err != nil {
		t.Fatalf("re-setup failed: %v", err)
	}
	if ch.State() != StateEstablished {
		t.Errorf("state after re-setup = %s", ch.State())
	}
}

func TestChannel_CleanupTerminates(t *testing.T) {
	card := newSymmetricCard(t)
	ch := established(t, card)

	if err := ch.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if ch.State() != StateTerminated {
		t.Errorf("state = %s, want terminated", ch.State())
	}
	if err := ch.Cleanup(); err != nil {
		t.Errorf("Cleanup must be idempotent, got %v", err)
	}
}

func TestPadding(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want int
	}{
		{"empty", nil, blockSize},
		{"short", []byte{1, 2, 3}, blockSize},
		{"block aligned", make([]byte, blockSize), 2 * blockSize},
		{"one under", make([]byte, blockSize-1), blockSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			padded := pad80(tt.in)
			if len(padded) != tt.want {
				t.Fatalf("padded length = %d, want %d", len(padded), tt.want)
			}

			out, err := unpad80(padded)
			if err != nil {
				t.Fatalf("unpad80 failed: %v", err)
			}
			if !bytes.Equal(out, tt.in) && len(tt.in) > 0 {
				t.Errorf("roundtrip = % X, want % X", out, tt.in)
			}
		})
	}

	if _, err := unpad80(make([]byte, blockSize)); !errors.Is(err, ErrBadPadding) {
		t.Errorf("all-zero block: err = %v, want ErrBadPadding", err)
	}
	if _, err := unpad80(nil); !errors.Is(err, ErrBadPadding) {
		t.Errorf("empty input: err = %v, want ErrBadPadding", err)
	}
}

func TestSessionKeysZeroize(t *testing.T) {
	keys := new(SessionKeys)
	keys.ENC[0], keys.MAC[0], keys.RMAC[0] = 1, 2, 3

	keys.Zeroize()

	if keys.ENC[0] != 0 || keys.MAC[0] != 0 || keys.RMAC[0] != 0 {
		t.Error("Zeroize left key material behind")
	}
}
