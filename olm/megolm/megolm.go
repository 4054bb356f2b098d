// Package megolm provides the group ratchet used by the megolm protocol.
package megolm

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"go.mau.fi/e2ee/olm"
	"go.mau.fi/e2ee/olm/aessha2"
	"go.mau.fi/e2ee/olm/crypto"
	"go.mau.fi/e2ee/olm/message"
)

const (
	protocolVersion   = 3
	RatchetParts      = 4       // number of ratchet parts
	RatchetPartLength = 256 / 8 // length of each ratchet part in bytes
)

var megolmKeysKDFInfo = []byte("MEGOLM_KEYS")

// hashKeySeeds are the seeds for the different ratchet parts.
var hashKeySeeds = [RatchetParts][]byte{
	{0x00},
	{0x01},
	{0x02},
	{0x03},
}

// Ratchet represents the megolm hash ratchet: four 32 byte parts, where part
// i is rehashed every 256^(3-i) steps.
type Ratchet struct {
	Data    [RatchetParts * RatchetPartLength]byte `json:"data"`
	Counter uint32                                 `json:"counter"`
}

// New creates a new ratchet with the counter and ratchet data set.
func New(counter uint32, data [RatchetParts * RatchetPartLength]byte) *Ratchet {
	return &Ratchet{
		Counter: counter,
		Data:    data,
	}
}

// NewWithRandom creates a new ratchet with the data filled with random values.
func NewWithRandom(counter uint32) (*Ratchet, error) {
	var data [RatchetParts * RatchetPartLength]byte
	if _, err := rand.Read(data[:]); err != nil {
		return nil, err
	}
	return New(counter, data), nil
}

// rehashPart rehashes the part of the ratchet data with the base defined as
// from, storing into the part to.
func (m *Ratchet) rehashPart(from, to int) {
	hash := hmac.New(sha256.New, m.Data[from*RatchetPartLength:from*RatchetPartLength+RatchetPartLength])
	hash.Write(hashKeySeeds[to])
	copy(m.Data[to*RatchetPartLength:], hash.Sum(nil))
}

// Advance advances the ratchet one step.
func (m *Ratchet) Advance() {
	var mask uint32 = 0x00FFFFFF
	var h int
	m.Counter++

	// figure out how much we need to rekey
	for h < RatchetParts {
		if (m.Counter & mask) == 0 {
			break
		}
		h++
		mask >>= 8
	}

	// now update R(h)...R(3) based on R(h)
	for i := RatchetParts - 1; i >= h; i-- {
		m.rehashPart(h, i)
	}
}

// AdvanceTo advances the ratchet so that the ratchet counter = target.
func (m *Ratchet) AdvanceTo(target uint32) {
	// starting with R0, see if we need to update each part of the hash
	for j := 0; j < RatchetParts; j++ {
		shift := uint32((RatchetParts - j - 1) * 8)
		mask := (^uint32(0)) << shift

		// how many times do we need to rehash this part?
		// '& 0xff' ensures we handle integer wraparound correctly
		steps := ((target >> shift) - m.Counter>>shift) & uint32(0xff)

		if steps == 0 {
			// deal with the edge case where m.Counter is slightly larger
			// than target. This should only happen for R(0), and implies
			// that target has wrapped around and we need to advance R(0)
			// 256 times.
			if target < m.Counter {
				steps = 0x100
			} else {
				continue
			}
		}
		// for all but the last step, we can just bump R(j) without regard
		// to R(j+1)...R(3).
		for steps > 1 {
			m.rehashPart(j, j)
			steps--
		}
		// on the last step we also need to bump R(j+1)...R(3).
		for k := RatchetParts - 1; k >= j; k-- {
			m.rehashPart(j, k)
		}
		m.Counter = target & mask
	}
}

// Encrypt encrypts the plaintext into a group message with MAC and signature.
func (m *Ratchet) Encrypt(plaintext []byte, key crypto.Ed25519KeyPair) ([]byte, error) {
	cipher, err := aessha2.NewAESSHA2(m.Data[:], megolmKeysKDFInfo)
	if err != nil {
		return nil, err
	}

	msg := &message.GroupMessage{
		Version:      protocolVersion,
		MessageIndex: m.Counter,
	}
	msg.Ciphertext, err = cipher.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("cipher encrypt: %w", err)
	}
	// creating the MAC and signing is done in encode
	output, err := msg.EncodeAndMACAndSign(cipher, key)
	if err != nil {
		return nil, err
	}
	m.Advance()
	return output, nil
}

// Decrypt decrypts the ciphertext and verifies the MAC but not the signature.
func (m Ratchet) Decrypt(rawMessage []byte, msg *message.GroupMessage) ([]byte, error) {
	cipher, err := aessha2.NewAESSHA2(m.Data[:], megolmKeysKDFInfo)
	if err != nil {
		return nil, err
	}
	if verified, err := msg.VerifyMACInline(cipher, rawMessage); err != nil {
		return nil, err
	} else if !verified {
		return nil, fmt.Errorf("decrypt: %w", olm.ErrBadMAC)
	}
	return cipher.Decrypt(msg.Ciphertext)
}

// SessionSharingMessage creates a message in the signed session sharing format.
func (m Ratchet) SessionSharingMessage(key crypto.Ed25519KeyPair) ([]byte, error) {
	msg := message.MegolmSessionSharing{
		Counter:     m.Counter,
		RatchetData: m.Data,
	}
	return olm.Base64Encode(msg.EncodeAndSign(key)), nil
}

// SessionExportMessage creates a message in the unsigned session export format.
func (m Ratchet) SessionExportMessage(key crypto.Ed25519PublicKey) ([]byte, error) {
	msg := message.MegolmSessionExport{
		Counter:     m.Counter,
		RatchetData: m.Data,
		PublicKey:   key,
	}
	return olm.Base64Encode(msg.Encode()), nil
}
