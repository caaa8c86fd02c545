package scp

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/gregLibert/secure-token/pkg/iso7816"
	"github.com/gregLibert/secure-token/pkg/tlv"
)

// SCP11b: asymmetric key agreement against the token's static P-256 key.
//
// The host generates an ephemeral keypair and sends INTERNAL AUTHENTICATE
// (CLA 80 INS 88) with a control reference template naming the protocol and
// the session key parameters, plus the ephemeral public point. The token
// answers with its own ephemeral point and a receipt. Two ECDH agreements
// (ephemeral-ephemeral, then ephemeral-static) are concatenated and run
// through the X9.63 KDF to produce the receipt verification key, the
// session keys and the DEK. The receipt authenticates the token: it is the
// CMAC of both ephemeral points under the derived receipt key, and on
// success it becomes the initial MAC chaining value, binding the session
// to this key agreement.
//
// Only the "b" variant is implemented: the token is authenticated through
// its static key, the host is not authenticated.

// Control reference template tags for the key agreement.
const (
	tagControlTemplate  tlv.Tag = 0xA6
	tagProtocolID       tlv.Tag = 0x90
	tagKeyUsage         tlv.Tag = 0x95
	tagKeyType          tlv.Tag = 0x80
	tagKeyLen           tlv.Tag = 0x81
	tagEphemeralKey     tlv.Tag = 0x5F49
	tagReceipt          tlv.Tag = 0x86
	keyUsageSecureChan  byte    = 0x3C
	keyTypeAES          byte    = 0x88
	scp11ProtocolID     byte    = 0x11
	scp11VariantBParams byte    = 0x00
)

// ErrReceiptMismatch reports that the token's receipt did not verify
// against the derived receipt key, meaning the key agreement cannot be
// trusted.
var ErrReceiptMismatch = errors.New("key agreement receipt verification failed")

// SCP11 performs the asymmetric handshake against a known static public
// key.
type SCP11 struct {
	cardKey    *ecdh.PublicKey
	keyVersion byte
	keyID      byte
	rand       io.Reader
}

// NewSCP11 builds a handshake against the token's static P-256 public key,
// identified on the token by key version and key identifier.
func NewSCP11(cardKey *ecdh.PublicKey, keyVersion, keyID byte) *SCP11 {
	return &SCP11{cardKey: cardKey, keyVersion: keyVersion, keyID: keyID, rand: rand.Reader}
}

// ParseCardKey decodes an uncompressed P-256 public point.
func ParseCardKey(point []byte) (*ecdh.PublicKey, error) {
	key, err := ecdh.P256().NewPublicKey(point)
	if err != nil {
		return nil, fmt.Errorf("invalid token public key: %w", err)
	}
	return key, nil
}

// Authenticate runs the key agreement and derives the session keys.
func (s *SCP11) Authenticate(send sendFunc) (*SessionKeys, [blockSize]byte, error) {
	var chain [blockSize]byte

	ephemeral, err := ecdh.P256().GenerateKey(s.rand)
	if err != nil {
		return nil, chain, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	w := tlv.NewWriter()
	w.Begin(tagControlTemplate)
	w.WriteValue(tagProtocolID, []byte{scp11ProtocolID, scp11VariantBParams})
	w.WriteByte(tagKeyUsage, keyUsageSecureChan)
	w.WriteByte(tagKeyType, keyTypeAES)
	w.WriteByte(tagKeyLen, keyLength)
	w.End()
	w.WriteValue(tagEphemeralKey, ephemeral.PublicKey().Bytes())
	payload, err := w.Encode()
	if err != nil {
		return nil, chain, err
	}

	gpClass, err := iso7816.NewClass(0x80)
	if err != nil {
		return nil, chain, err
	}

	resp, err := send(iso7816.NewCommandAPDU(
		gpClass, iso7816.InsInternalAuthenticate, s.keyVersion, s.keyID,
		payload, iso7816.MaxShortLe))
	if err != nil {
		return nil, chain, err
	}
	if !resp.Status.IsSuccess() {
		return nil, chain, fmt.Errorf("internal authenticate rejected: %s", resp.Status.Verbose())
	}

	r := tlv.NewReader(resp.Data)
	cardPoint, ok := r.ReadValue(tagEphemeralKey)
	if !ok {
		return nil, chain, fmt.Errorf("internal authenticate response lacks ephemeral key")
	}
	receipt, ok := r.ReadValue(tagReceipt)
	if !ok || len(receipt) != blockSize {
		return nil, chain, fmt.Errorf("internal authenticate response lacks receipt")
	}

	cardEphemeral, err := ecdh.P256().NewPublicKey(cardPoint)
	if err != nil {
		return nil, chain, fmt.Errorf("invalid token ephemeral key: %w", err)
	}

	keys, receiptKey, err := deriveAgreementSession(ephemeral, cardEphemeral, s.cardKey)
	if err != nil {
		return nil, chain, err
	}

	wantReceipt, err := receiptMAC(receiptKey, ephemeral.PublicKey().Bytes(), cardPoint)
	if err != nil {
		keys.Zeroize()
		return nil, chain, err
	}
	if !bytes.Equal(wantReceipt, receipt) {
		keys.Zeroize()
		return nil, chain, ErrReceiptMismatch
	}

	copy(chain[:], receipt)
	return keys, chain, nil
}

// deriveAgreementSession derives the receipt key and session keys from the
// concatenated ECDH secrets: ephemeral-ephemeral first, ephemeral-static
// second.
func deriveAgreementSession(host *ecdh.PrivateKey, cardEphemeral, cardStatic *ecdh.PublicKey) (*SessionKeys, []byte, error) {
	ses, err := host.ECDH(cardEphemeral)
	if err != nil {
		return nil, nil, fmt.Errorf("key agreement failed: %w", err)
	}
	see, err := host.ECDH(cardStatic)
	if err != nil {
		return nil, nil, fmt.Errorf("key agreement failed: %w", err)
	}

	secret := make([]byte, 0, len(ses)+len(see))
	secret = append(secret, ses...)
	secret = append(secret, see...)

	sharedInfo := []byte{keyUsageSecureChan, keyTypeAES, keyLength}

	// Receipt key, S-ENC, S-MAC, S-RMAC, DEK.
	material := kdfX963(secret, sharedInfo, 5*keyLength)
	for i := range secret {
		secret[i] = 0
	}

	keys := new(SessionKeys)
	receiptKey := append([]byte(nil), material[:keyLength]...)
	copy(keys.ENC[:], material[keyLength:2*keyLength])
	copy(keys.MAC[:], material[2*keyLength:3*keyLength])
	copy(keys.RMAC[:], material[3*keyLength:4*keyLength])
	for i := range material {
		material[i] = 0
	}

	return keys, receiptKey, nil
}

// receiptMAC computes the expected receipt: the CMAC of both ephemeral
// public points, each in its key-agreement TLV form, host first.
func receiptMAC(receiptKey, hostPoint, cardPoint []byte) ([]byte, error) {
	w := tlv.NewWriter()
	w.WriteValue(tagEphemeralKey, hostPoint)
	w.WriteValue(tagEphemeralKey, cardPoint)
	msg, err := w.Encode()
	if err != nil {
		return nil, err
	}
	return aesCMAC(receiptKey, msg)
}
