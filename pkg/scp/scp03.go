package scp

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/gregLibert/secure-token/pkg/iso7816"
)

// SCP03: symmetric mutual authentication.
//
// INITIALIZE UPDATE (CLA 80 INS 50) carries an 8-byte host challenge and
// returns key diversification data, key information, an 8-byte card
// challenge and the card cryptogram. Session keys are derived from the
// static keys with the SP 800-108 KDF over the concatenated challenges;
// both cryptograms are derived from the session MAC key the same way.
// EXTERNAL AUTHENTICATE (CLA 84 INS 82 P1 33) proves possession of the
// static keys back to the token and seeds the MAC chain: its own C-MAC,
// computed over a zero chaining value, becomes the first chaining value of
// the session.

const (
	challengeLength  = 8
	cryptogramLength = 8

	// EXTERNAL AUTHENTICATE security level: C-DECRYPTION, R-ENCRYPTION,
	// C-MAC and R-MAC.
	securityLevelFull = 0x33
)

// ErrCardCryptogram reports that the token failed to prove possession of
// the static keys. The usual cause is a key mismatch between host and token.
var ErrCardCryptogram = errors.New("card cryptogram verification failed")

// StaticKeys holds the long-term symmetric key set shared with the token.
type StaticKeys struct {
	ENC [keyLength]byte
	MAC [keyLength]byte
	DEK [keyLength]byte
}

// DefaultKeys returns the transport key set tokens ship with
// (0x40..0x4F for all three keys). Production tokens must be rekeyed.
func DefaultKeys() StaticKeys {
	var k StaticKeys
	for i := 0; i < keyLength; i++ {
		b := byte(0x40 + i)
		k.ENC[i] = b
		k.MAC[i] = b
		k.DEK[i] = b
	}
	return k
}

// Zeroize wipes the key material in place.
func (k *StaticKeys) Zeroize() {
	for i := range k.ENC {
		k.ENC[i] = 0
		k.MAC[i] = 0
		k.DEK[i] = 0
	}
}

// SCP03 performs the symmetric handshake.
type SCP03 struct {
	keys       StaticKeys
	keyVersion byte
	rand       io.Reader
}

// NewSCP03 builds a handshake for the given static key set and key version
// reference (0 lets the token pick its default set).
func NewSCP03(keys StaticKeys, keyVersion byte) *SCP03 {
	return &SCP03{keys: keys, keyVersion: keyVersion, rand: rand.Reader}
}

// Authenticate runs the two-command mutual authentication and derives the
// session keys.
func (s *SCP03) Authenticate(send sendFunc) (*SessionKeys, [blockSize]byte, error) {
	var chain [blockSize]byte

	hostChallenge := make([]byte, challengeLength)
	if _, err := io.ReadFull(s.rand, hostChallenge); err != nil {
		return nil, chain, fmt.Errorf("failed to generate host challenge: %w", err)
	}

	gpClass, err := iso7816.NewClass(0x80)
	if err != nil {
		return nil, chain, err
	}

	resp, err := send(iso7816.NewCommandAPDU(
		gpClass, iso7816.InsInitializeUpdate, s.keyVersion, 0x00,
		hostChallenge, iso7816.MaxShortLe))
	if err != nil {
		return nil, chain, err
	}
	if !resp.Status.IsSuccess() {
		return nil, chain, fmt.Errorf("initialize update rejected: %s", resp.Status.Verbose())
	}

	// Key diversification data (10), key information (3), card challenge
	// (8), card cryptogram (8). A trailing sequence counter may follow.
	if len(resp.Data) < 10+3+challengeLength+cryptogramLength {
		return nil, chain, fmt.Errorf("initialize update response too short: %d bytes", len(resp.Data))
	}
	cardChallenge := resp.Data[13 : 13+challengeLength]
	cardCryptogram := resp.Data[13+challengeLength : 13+challengeLength+cryptogramLength]

	context := make([]byte, 0, 2*challengeLength)
	context = append(context, hostChallenge...)
	context = append(context, cardChallenge...)

	keys := new(SessionKeys)
	if err := deriveSymmetricSession(keys, &s.keys, context); err != nil {
		return nil, chain, err
	}

	wantCard, err := kdf108(keys.MAC[:], deriveCardCryptogram, context, 8*cryptogramLength)
	if err != nil {
		return nil, chain, err
	}
	if !bytes.Equal(wantCard, cardCryptogram) {
		keys.Zeroize()
		return nil, chain, ErrCardCryptogram
	}

	hostCryptogram, err := kdf108(keys.MAC[:], deriveHostCryptogram, context, 8*cryptogramLength)
	if err != nil {
		return nil, chain, err
	}

	authClass := secureClass(gpClass)
	macInput := make([]byte, 0, blockSize+5+cryptogramLength)
	macInput = append(macInput, chain[:]...) // zero chaining value
	macInput = append(macInput, authClass.Encode(), byte(iso7816.InsExternalAuthenticate),
		securityLevelFull, 0x00, byte(cryptogramLength+macLength))
	macInput = append(macInput, hostCryptogram...)

	full, err := aesCMAC(keys.MAC[:], macInput)
	if err != nil {
		return nil, chain, err
	}

	data := make([]byte, 0, cryptogramLength+macLength)
	data = append(data, hostCryptogram...)
	data = append(data, full[:macLength]...)

	resp, err = send(iso7816.NewCommandAPDU(
		authClass, iso7816.InsExternalAuthenticate, securityLevelFull, 0x00, data, 0))
	if err != nil {
		keys.Zeroize()
		return nil, chain, err
	}
	if !resp.Status.IsSuccess() {
		keys.Zeroize()
		return nil, chain, fmt.Errorf("external authenticate rejected: %s", resp.Status.Verbose())
	}

	copy(chain[:], full)
	return keys, chain, nil
}

// deriveSymmetricSession fills keys from the static set and the challenge
// context: S-ENC from the static ENC key, S-MAC and S-RMAC from the static
// MAC key.
func deriveSymmetricSession(keys *SessionKeys, static *StaticKeys, context []byte) error {
	enc, err := kdf108(static.ENC[:], deriveSessionENC, context, 8*keyLength)
	if err != nil {
		return err
	}
	mac, err := kdf108(static.MAC[:], deriveSessionMAC, context, 8*keyLength)
	if err != nil {
		return err
	}
	rmac, err := kdf108(static.MAC[:], deriveSessionRMAC, context, 8*keyLength)
	if err != nil {
		return err
	}

	copy(keys.ENC[:], enc)
	copy(keys.MAC[:], mac)
	copy(keys.RMAC[:], rmac)
	return nil
}
