package scp

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/aead/cmac"
)

// Key derivation for both channel variants.
//
// The symmetric channel derives its session keys and cryptograms with the
// NIST SP 800-108 KDF in counter mode, using AES-CMAC as the PRF. The
// asymmetric channel derives its key block from the ECDH shared secrets with
// the ANSI X9.63 KDF over SHA-256.

// Derivation constants for the SP 800-108 KDF.
const (
	deriveCardCryptogram = 0x00
	deriveHostCryptogram = 0x01
	deriveSessionENC     = 0x04
	deriveSessionMAC     = 0x06
	deriveSessionRMAC    = 0x07
)

// aesCMAC computes the full-width AES-CMAC of msg under key.
func aesCMAC(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	mac, err := cmac.Sum(msg, block, block.BlockSize())
	if err != nil {
		return nil, fmt.Errorf("failed to compute CMAC: %w", err)
	}
	return mac, nil
}

// kdf108 derives outBits bits from key using the SP 800-108 counter-mode KDF
// with AES-CMAC, the label form used by the symmetric channel: eleven zero
// bytes, the derivation constant, a zero separator, the output length and a
// one-byte iteration counter, followed by the challenge context.
func kdf108(key []byte, constant byte, context []byte, outBits int) ([]byte, error) {
	if outBits%8 != 0 {
		return nil, fmt.Errorf("derivation size must be whole bytes: %d bits", outBits)
	}
	outLen := outBits / 8

	var out []byte
	for i := byte(1); len(out) < outLen; i++ {
		msg := make([]byte, 0, 16+len(context))
		msg = append(msg, make([]byte, 11)...) // label padding
		msg = append(msg, constant)
		msg = append(msg, 0x00) // separator
		msg = binary.BigEndian.AppendUint16(msg, uint16(outBits))
		msg = append(msg, i)
		msg = append(msg, context...)

		block, err := aesCMAC(key, msg)
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}

	return out[:outLen], nil
}

// kdfX963 derives outLen bytes from the concatenated ECDH shared secrets
// using the X9.63 KDF over SHA-256.
func kdfX963(secret, sharedInfo []byte, outLen int) []byte {
	var out []byte
	for counter := uint32(1); len(out) < outLen; counter++ {
		h := sha256.New()
		h.Write(secret)
		h.Write(binary.BigEndian.AppendUint32(nil, counter))
		h.Write(sharedInfo)
		out = h.Sum(out)
	}
	return out[:outLen]
}
