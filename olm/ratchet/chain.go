package ratchet

import (
	"go.mau.fi/e2ee/olm/crypto"
)

const (
	chainKeySeed     = 0x02
	messageKeyLength = 32
)

// chainKey wraps the index and the key of a hash chain.
type chainKey struct {
	Index uint32                     `json:"index"`
	Key   crypto.Curve25519PublicKey `json:"key"`
}

// advance advances the chain.
func (c *chainKey) advance() {
	c.Key = crypto.HMACSHA256(c.Key, []byte{chainKeySeed})
	c.Index++
}

// senderChain is the chain for sending messages.
type senderChain struct {
	RKey  crypto.Curve25519KeyPair `json:"ratchet_key"`
	CKey  chainKey                 `json:"chain_key"`
	IsSet bool                     `json:"set"`
}

// newSenderChain returns a sender chain initialized with the chain key and
// ratchet key pair.
func newSenderChain(key crypto.Curve25519PublicKey, ratchet crypto.Curve25519KeyPair) *senderChain {
	return &senderChain{
		RKey: ratchet,
		CKey: chainKey{
			Index: 0,
			Key:   key,
		},
		IsSet: true,
	}
}

func (s *senderChain) advance() {
	s.CKey.advance()
}

func (s senderChain) ratchetKey() crypto.Curve25519KeyPair {
	return s.RKey
}

func (s senderChain) chainKey() chainKey {
	return s.CKey
}

// receiverChain is a chain for receiving messages.
type receiverChain struct {
	RKey crypto.Curve25519PublicKey `json:"ratchet_key"`
	CKey chainKey                   `json:"chain_key"`
}

// newReceiverChain returns a receiver chain initialized with the chain key and
// ratchet public key.
func newReceiverChain(chain crypto.Curve25519PublicKey, ratchet crypto.Curve25519PublicKey) *receiverChain {
	return &receiverChain{
		RKey: ratchet,
		CKey: chainKey{
			Index: 0,
			Key:   chain,
		},
	}
}

func (s *receiverChain) advance() {
	s.CKey.advance()
}

func (s receiverChain) ratchetKey() crypto.Curve25519PublicKey {
	return s.RKey
}

func (s receiverChain) chainKey() chainKey {
	return s.CKey
}

// messageKey wraps the index and the key of a single message.
type messageKey struct {
	Index uint32 `json:"index"`
	Key   []byte `json:"key"`
}

// skippedMessageKey stores a message key that was skipped over while
// advancing a receiver chain, so out-of-order messages stay decryptable.
type skippedMessageKey struct {
	RKey crypto.Curve25519PublicKey `json:"ratchet_key"`
	MKey messageKey                 `json:"message_key"`
}
