// Package aessha2 implements the AES-CBC + HMAC-SHA256 cipher used by olm
// and megolm. The AES key, HMAC key and IV are derived from the input key
// material with HKDF-SHA256.
package aessha2

import (
	"crypto/hmac"
	"io"

	"go.mau.fi/e2ee/olm/crypto"
)

// AESSHA2 is an AES-CBC + HMAC-SHA256 cipher with keys derived from a single
// input key.
type AESSHA2 struct {
	key     []byte
	hmacKey []byte
	iv      []byte
}

// NewAESSHA2 derives the cipher keys from the input key material and the key
// derivation info.
func NewAESSHA2(key, kdfInfo []byte) (AESSHA2, error) {
	c := AESSHA2{
		key:     make([]byte, 32),
		hmacKey: make([]byte, 32),
		iv:      make([]byte, 16),
	}
	kdf := crypto.HKDFSHA256(key, nil, kdfInfo)
	for _, target := range [][]byte{c.key, c.hmacKey, c.iv} {
		if _, err := io.ReadFull(kdf, target); err != nil {
			return AESSHA2{}, err
		}
	}
	return c, nil
}

// Encrypt encrypts the plaintext.
func (c AESSHA2) Encrypt(plaintext []byte) ([]byte, error) {
	return crypto.AESCBCEncrypt(c.key, c.iv, plaintext)
}

// Decrypt decrypts the ciphertext.
func (c AESSHA2) Decrypt(ciphertext []byte) ([]byte, error) {
	return crypto.AESCBCDecrypt(c.key, c.iv, ciphertext)
}

// MAC returns the full HMAC-SHA256 of the message. Callers truncate it to the
// length their wire format expects.
func (c AESSHA2) MAC(message []byte) ([]byte, error) {
	return crypto.HMACSHA256(c.hmacKey, message), nil
}

// VerifyMAC checks the (possibly truncated) givenMAC against the calculated
// MAC of the message.
func (c AESSHA2) VerifyMAC(message, givenMAC []byte) (bool, error) {
	mac, err := c.MAC(message)
	if err != nil {
		return false, err
	}
	return hmac.Equal(givenMAC, mac[:len(givenMAC)]), nil
}
