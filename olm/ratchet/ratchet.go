// Package ratchet provides the double ratchet used by the olm protocol.
package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"go.mau.fi/e2ee/olm"
	"go.mau.fi/e2ee/olm/aessha2"
	"go.mau.fi/e2ee/olm/crypto"
	"go.mau.fi/e2ee/olm/message"
)

const (
	protocolVersion = 3
	messageKeySeed  = 0x01

	maxMessageGap   = 2000
	sharedKeyLength = 32
)

var olmKeysKDFInfo = []byte("OLM_KEYS")

// KdfInfo has the info strings used for the key derivation functions.
var KdfInfo = struct {
	Root    []byte
	Ratchet []byte
}{
	Root:    []byte("OLM_ROOT"),
	Ratchet: []byte("OLM_RATCHET"),
}

// Ratchet represents the olm double ratchet.
type Ratchet struct {
	// The root key is used to generate chain keys from the ephemeral keys.
	// A new root key is derived each time a new chain is started.
	RootKey crypto.Curve25519PublicKey `json:"root_key"`

	// The sender chain is used to send messages. Each time a new ephemeral
	// key is received from the remote server we generate a new sender chain
	// with a new ephemeral key when we next send a message.
	SenderChains senderChain `json:"sender_chain"`

	// The receiver chains are used to decrypt received messages. We store the
	// last few chains so we can decrypt any out of order messages we haven't
	// received yet. New chains are prepended for easier access.
	ReceiverChains []receiverChain `json:"receiver_chains"`

	// Message keys of messages skipped over, stored for future use.
	// The order of the elements is not important.
	SkippedMessageKeys []skippedMessageKey `json:"skipped_message_keys"`
}

// New creates a new empty ratchet.
func New() *Ratchet {
	return &Ratchet{}
}

// InitializeAsBob initializes this ratchet from the receiving point of view
// (only first message).
func (r *Ratchet) InitializeAsBob(sharedSecret []byte, theirRatchetKey crypto.Curve25519PublicKey) error {
	derivedSecretsReader := hkdf.New(sha256.New, sharedSecret, nil, KdfInfo.Root)
	derivedSecrets := make([]byte, 2*sharedKeyLength)
	if _, err := io.ReadFull(derivedSecretsReader, derivedSecrets); err != nil {
		return err
	}
	r.RootKey = derivedSecrets[:sharedKeyLength]
	newChain := newReceiverChain(derivedSecrets[sharedKeyLength:], theirRatchetKey)
	r.ReceiverChains = append([]receiverChain{*newChain}, r.ReceiverChains...)
	return nil
}

// InitializeAsAlice initializes this ratchet from the sending point of view
// (only first message).
func (r *Ratchet) InitializeAsAlice(sharedSecret []byte, ourRatchetKey crypto.Curve25519KeyPair) error {
	derivedSecretsReader := hkdf.New(sha256.New, sharedSecret, nil, KdfInfo.Root)
	derivedSecrets := make([]byte, 2*sharedKeyLength)
	if _, err := io.ReadFull(derivedSecretsReader, derivedSecrets); err != nil {
		return err
	}
	r.RootKey = derivedSecrets[:sharedKeyLength]
	r.SenderChains = *newSenderChain(derivedSecrets[sharedKeyLength:], ourRatchetKey)
	return nil
}

// Encrypt encrypts the plaintext into an olm message with MAC.
func (r *Ratchet) Encrypt(plaintext []byte) ([]byte, error) {
	if !r.SenderChains.IsSet {
		newRatchetKey, err := crypto.Curve25519GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		newChainKey, err := r.advanceRootKey(newRatchetKey, r.ReceiverChains[0].ratchetKey())
		if err != nil {
			return nil, err
		}
		r.SenderChains = *newSenderChain(newChainKey, newRatchetKey)
	}

	messageKey := r.createMessageKeys(r.SenderChains.chainKey())
	r.SenderChains.advance()

	cipher, err := aessha2.NewAESSHA2(messageKey.Key, olmKeysKDFInfo)
	if err != nil {
		return nil, err
	}
	encrypted, err := cipher.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("cipher encrypt: %w", err)
	}

	msg := &message.Message{
		Version:    protocolVersion,
		Counter:    messageKey.Index,
		RatchetKey: r.SenderChains.ratchetKey().PublicKey,
		Ciphertext: encrypted,
	}
	// creating the MAC is done in encode
	return msg.EncodeAndMAC(cipher)
}

// Decrypt decrypts the ciphertext and verifies the MAC.
func (r *Ratchet) Decrypt(input []byte) ([]byte, error) {
	msg := &message.Message{}
	// The MAC is not verified here, as we do not know the key yet
	if err := msg.Decode(input); err != nil {
		return nil, err
	}
	if msg.Version != protocolVersion {
		return nil, fmt.Errorf("decrypt: %w", olm.ErrWrongProtocolVersion)
	}
	if !msg.HasCounter || len(msg.RatchetKey) == 0 || len(msg.Ciphertext) == 0 {
		return nil, fmt.Errorf("decrypt: %w", olm.ErrBadMessageFormat)
	}
	var chainFromMessage *receiverChain
	for i := range r.ReceiverChains {
		if r.ReceiverChains[i].ratchetKey().Equal(msg.RatchetKey) {
			chainFromMessage = &r.ReceiverChains[i]
			break
		}
	}
	if chainFromMessage == nil {
		// Advancing the chain is done in this method
		return r.decryptForNewChain(msg, input)
	} else if chainFromMessage.chainKey().Index > msg.Counter {
		// Chain already advanced beyond the key for this message.
		// Check if the message keys are in the skipped key list.
		for i := range r.SkippedMessageKeys {
			if msg.Counter != r.SkippedMessageKeys[i].MKey.Index {
				continue
			}

			// Found the key for this message. Check the MAC.
			if cipher, err := aessha2.NewAESSHA2(r.SkippedMessageKeys[i].MKey.Key, olmKeysKDFInfo); err != nil {
				return nil, err
			} else if verified, err := msg.VerifyMACInline(cipher, input); err != nil {
				return nil, err
			} else if !verified {
				return nil, fmt.Errorf("decrypt from skipped message keys: %w", olm.ErrBadMAC)
			} else if result, err := cipher.Decrypt(msg.Ciphertext); err != nil {
				return nil, fmt.Errorf("cipher decrypt: %w", err)
			} else {
				// Remove the key from the skipped keys now that we've
				// decoded the message it corresponds to.
				r.SkippedMessageKeys[i] = r.SkippedMessageKeys[len(r.SkippedMessageKeys)-1]
				r.SkippedMessageKeys = r.SkippedMessageKeys[:len(r.SkippedMessageKeys)-1]
				return result, nil
			}
		}
		return nil, fmt.Errorf("decrypt: %w", olm.ErrMessageKeyNotFound)
	} else {
		// Advancing the chain is done in this method
		return r.decryptForExistingChain(chainFromMessage, msg, input)
	}
}

// advanceRootKey creates the next root key and returns the next chain key.
func (r *Ratchet) advanceRootKey(newRatchetKey crypto.Curve25519KeyPair, oldRatchetKey crypto.Curve25519PublicKey) (crypto.Curve25519PublicKey, error) {
	sharedSecret, err := newRatchetKey.SharedSecret(oldRatchetKey)
	if err != nil {
		return nil, err
	}
	derivedSecretsReader := hkdf.New(sha256.New, sharedSecret, r.RootKey, KdfInfo.Ratchet)
	derivedSecrets := make([]byte, 2*sharedKeyLength)
	if _, err = io.ReadFull(derivedSecretsReader, derivedSecrets); err != nil {
		return nil, err
	}
	r.RootKey = derivedSecrets[:sharedKeyLength]
	return derivedSecrets[sharedKeyLength:], nil
}

// createMessageKeys returns the message key derived from the chain key.
func (r *Ratchet) createMessageKeys(chainKey chainKey) messageKey {
	hash := hmac.New(sha256.New, chainKey.Key)
	hash.Write([]byte{messageKeySeed})
	return messageKey{
		Key:   hash.Sum(nil),
		Index: chainKey.Index,
	}
}

// decryptForExistingChain returns the decrypted message by using the chain.
// The MAC of the rawMessage is verified.
func (r *Ratchet) decryptForExistingChain(chain *receiverChain, msg *message.Message, rawMessage []byte) ([]byte, error) {
	if msg.Counter < chain.CKey.Index {
		return nil, fmt.Errorf("decrypt: %w", olm.ErrChainTooHigh)
	}
	// Limit the number of hashes we're prepared to compute
	if msg.Counter-chain.CKey.Index > maxMessageGap {
		return nil, fmt.Errorf("decrypt from existing chain: %w", olm.ErrMsgIndexTooHigh)
	}
	for chain.CKey.Index < msg.Counter {
		r.SkippedMessageKeys = append(r.SkippedMessageKeys, skippedMessageKey{
			MKey: r.createMessageKeys(chain.chainKey()),
			RKey: chain.ratchetKey(),
		})
		chain.advance()
	}
	messageKey := r.createMessageKeys(chain.chainKey())
	chain.advance()
	cipher, err := aessha2.NewAESSHA2(messageKey.Key, olmKeysKDFInfo)
	if err != nil {
		return nil, err
	}
	if verified, err := msg.VerifyMACInline(cipher, rawMessage); err != nil {
		return nil, err
	} else if !verified {
		return nil, fmt.Errorf("decrypt from existing chain: %w", olm.ErrBadMAC)
	}
	return cipher.Decrypt(msg.Ciphertext)
}

// decryptForNewChain returns the decrypted message by creating a new chain
// and advancing the root key.
func (r *Ratchet) decryptForNewChain(msg *message.Message, rawMessage []byte) ([]byte, error) {
	// They shouldn't move to a new chain until we've sent them a message
	// acknowledging the last one
	if !r.SenderChains.IsSet {
		return nil, fmt.Errorf("decrypt for new chain: %w", olm.ErrProtocolViolation)
	}
	// Limit the number of hashes we're prepared to compute
	if msg.Counter > maxMessageGap {
		return nil, fmt.Errorf("decrypt for new chain: %w", olm.ErrMsgIndexTooHigh)
	}

	newChainKey, err := r.advanceRootKey(r.SenderChains.ratchetKey(), msg.RatchetKey)
	if err != nil {
		return nil, err
	}
	newChain := newReceiverChain(newChainKey, msg.RatchetKey)
	r.ReceiverChains = append([]receiverChain{*newChain}, r.ReceiverChains...)
	// They have started using a new ephemeral ratchet key. We can discard our
	// previous one and will generate a new key when we send the next message.
	r.SenderChains = senderChain{}

	return r.decryptForExistingChain(&r.ReceiverChains[0], msg, rawMessage)
}
