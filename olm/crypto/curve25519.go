// Package crypto provides the raw cryptographic primitives used by the olm
// and megolm constructions.
package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/curve25519"

	"go.mau.fi/e2ee/id"
)

const (
	// Curve25519KeyLength is the length of a curve25519 key in bytes.
	Curve25519KeyLength = curve25519.ScalarSize
)

// Curve25519GenerateKey creates a new curve25519 key pair. If reader is nil,
// the random data is taken from crypto/rand.
func Curve25519GenerateKey(reader io.Reader) (Curve25519KeyPair, error) {
	if reader == nil {
		reader = rand.Reader
	}
	privateKey := make(Curve25519PrivateKey, Curve25519KeyLength)
	if _, err := io.ReadFull(reader, privateKey); err != nil {
		return Curve25519KeyPair{}, err
	}
	return Curve25519GenerateFromPrivate(privateKey)
}

// Curve25519GenerateFromPrivate creates a new curve25519 key pair with the given private key.
func Curve25519GenerateFromPrivate(private Curve25519PrivateKey) (Curve25519KeyPair, error) {
	publicKey, err := private.PubKey()
	if err != nil {
		return Curve25519KeyPair{}, err
	}
	return Curve25519KeyPair{
		PrivateKey: private,
		PublicKey:  publicKey,
	}, nil
}

// Curve25519KeyPair stores both parts of a curve25519 key.
type Curve25519KeyPair struct {
	PrivateKey Curve25519PrivateKey `json:"private,omitempty"`
	PublicKey  Curve25519PublicKey  `json:"public,omitempty"`
}

// B64Encoded returns a base64 encoded string of the public key.
func (c Curve25519KeyPair) B64Encoded() id.Curve25519 {
	return c.PublicKey.B64Encoded()
}

// SharedSecret returns the shared secret between the key pair and the given public key.
func (c Curve25519KeyPair) SharedSecret(pubKey Curve25519PublicKey) ([]byte, error) {
	return c.PrivateKey.SharedSecret(pubKey)
}

// Curve25519PrivateKey represents the private part of a curve25519 key.
type Curve25519PrivateKey []byte

// Equal compares the private key to the given private key.
func (c Curve25519PrivateKey) Equal(x Curve25519PrivateKey) bool {
	return bytes.Equal(c, x)
}

// PubKey returns the public key derived from the private key.
func (c Curve25519PrivateKey) PubKey() (Curve25519PublicKey, error) {
	return curve25519.X25519(c, curve25519.Basepoint)
}

// SharedSecret returns the shared secret between the private key and the given public key.
func (c Curve25519PrivateKey) SharedSecret(pubKey Curve25519PublicKey) ([]byte, error) {
	return curve25519.X25519(c, pubKey)
}

// Curve25519PublicKey represents the public part of a curve25519 key.
type Curve25519PublicKey []byte

// Equal compares the public key to the given public key.
func (c Curve25519PublicKey) Equal(x Curve25519PublicKey) bool {
	return bytes.Equal(c, x)
}

// B64Encoded returns a base64 encoded string of the public key.
func (c Curve25519PublicKey) B64Encoded() id.Curve25519 {
	return id.Curve25519(base64.RawStdEncoding.EncodeToString(c))
}
