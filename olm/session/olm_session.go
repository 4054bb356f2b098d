// Package session contains the stateful olm and megolm session objects.
package session

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"go.mau.fi/e2ee/id"
	"go.mau.fi/e2ee/olm"
	"go.mau.fi/e2ee/olm/crypto"
	"go.mau.fi/e2ee/olm/message"
	"go.mau.fi/e2ee/olm/pickle"
	"go.mau.fi/e2ee/olm/ratchet"
)

const (
	olmSessionPickleVersion byte = 1
	protocolVersion              = 0x3
)

// OlmSession stores all information for one olm pairwise channel.
type OlmSession struct {
	ReceivedMessage  bool                       `json:"received_message"`
	AliceIdentityKey crypto.Curve25519PublicKey `json:"alice_id_key"`
	AliceBaseKey     crypto.Curve25519PublicKey `json:"alice_base_key"`
	BobOneTimeKey    crypto.Curve25519PublicKey `json:"bob_one_time_key"`
	Ratchet          ratchet.Ratchet            `json:"ratchet"`
}

// SearchOTKFunc is used to retrieve a crypto.OneTimeKey from a public key.
type SearchOTKFunc = func(crypto.Curve25519PublicKey) *crypto.OneTimeKey

// NewOlmSession creates a new blank session.
func NewOlmSession() *OlmSession {
	return &OlmSession{
		Ratchet: *ratchet.New(),
	}
}

// OlmSessionFromPickled loads an OlmSession from a pickled base64 string,
// decrypting it with the supplied key.
func OlmSessionFromPickled(pickled, key []byte) (*OlmSession, error) {
	if len(pickled) == 0 {
		return nil, fmt.Errorf("olm session from pickled: %w", olm.ErrEmptyInput)
	}
	s := &OlmSession{}
	if err := s.Unpickle(pickled, key); err != nil {
		return nil, err
	}
	return s, nil
}

// NewOutboundOlmSession creates a new outbound session for sending the first
// message to a given curve25519 identity key and one time key.
func NewOutboundOlmSession(identityKeyAlice crypto.Curve25519KeyPair, identityKeyBob crypto.Curve25519PublicKey, oneTimeKeyBob crypto.Curve25519PublicKey) (*OlmSession, error) {
	s := NewOlmSession()
	// generate E_A
	baseKey, err := crypto.Curve25519GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	// generate T_0
	ratchetKey, err := crypto.Curve25519GenerateKey(nil)
	if err != nil {
		return nil, err
	}

	// Calculate the shared secret via triple Diffie-Hellman
	var secret []byte
	// ECDH(I_A,E_B)
	idSecret, err := identityKeyAlice.SharedSecret(oneTimeKeyBob)
	if err != nil {
		return nil, err
	}
	// ECDH(E_A,I_B)
	baseIdSecret, err := baseKey.SharedSecret(identityKeyBob)
	if err != nil {
		return nil, err
	}
	// ECDH(E_A,E_B)
	baseOneTimeSecret, err := baseKey.SharedSecret(oneTimeKeyBob)
	if err != nil {
		return nil, err
	}
	secret = append(secret, idSecret...)
	secret = append(secret, baseIdSecret...)
	secret = append(secret, baseOneTimeSecret...)

	if err = s.Ratchet.InitializeAsAlice(secret, ratchetKey); err != nil {
		return nil, err
	}
	s.AliceIdentityKey = identityKeyAlice.PublicKey
	s.AliceBaseKey = baseKey.PublicKey
	s.BobOneTimeKey = oneTimeKeyBob
	return s, nil
}

// NewInboundOlmSession creates a new inbound session from receiving the first
// message.
func NewInboundOlmSession(identityKeyAlice *crypto.Curve25519PublicKey, receivedOTKMsg []byte, searchBobOTK SearchOTKFunc, identityKeyBob crypto.Curve25519KeyPair) (*OlmSession, error) {
	decodedOTKMsg, err := olm.Base64Decode(receivedOTKMsg)
	if err != nil {
		return nil, err
	}
	s := NewOlmSession()

	oneTimeMsg := message.PreKeyMessage{}
	if err = oneTimeMsg.Decode(decodedOTKMsg); err != nil {
		return nil, fmt.Errorf("prekey message decode: %w", err)
	}
	if !oneTimeMsg.CheckFields(identityKeyAlice) {
		return nil, fmt.Errorf("prekey message check fields: %w", olm.ErrBadMessageFormat)
	}

	// Either identityKeyAlice or oneTimeMsg.IdentityKey is set, which is
	// checked by CheckFields. If both are set, compare them.
	if identityKeyAlice != nil && len(oneTimeMsg.IdentityKey) != 0 {
		if !identityKeyAlice.Equal(oneTimeMsg.IdentityKey) {
			return nil, fmt.Errorf("prekey message identity keys: %w", olm.ErrBadMessageKeyID)
		}
	}

	oneTimeKeyBob := searchBobOTK(oneTimeMsg.OneTimeKey)
	if oneTimeKeyBob == nil {
		return nil, fmt.Errorf("our one time key: %w", olm.ErrBadMessageKeyID)
	}

	// Calculate the shared secret via triple Diffie-Hellman
	var secret []byte
	// ECDH(E_B,I_A)
	idSecret, err := oneTimeKeyBob.Key.SharedSecret(oneTimeMsg.IdentityKey)
	if err != nil {
		return nil, err
	}
	// ECDH(I_B,E_A)
	baseIdSecret, err := identityKeyBob.SharedSecret(oneTimeMsg.BaseKey)
	if err != nil {
		return nil, err
	}
	// ECDH(E_B,E_A)
	baseOneTimeSecret, err := oneTimeKeyBob.Key.SharedSecret(oneTimeMsg.BaseKey)
	if err != nil {
		return nil, err
	}
	secret = append(secret, idSecret...)
	secret = append(secret, baseIdSecret...)
	secret = append(secret, baseOneTimeSecret...)

	msg := message.Message{}
	if err = msg.Decode(oneTimeMsg.Message); err != nil {
		return nil, fmt.Errorf("message decode: %w", err)
	}
	if len(msg.RatchetKey) == 0 {
		return nil, fmt.Errorf("message missing ratchet key: %w", olm.ErrBadMessageFormat)
	}

	if err = s.Ratchet.InitializeAsBob(secret, msg.RatchetKey); err != nil {
		return nil, err
	}
	s.AliceBaseKey = oneTimeMsg.BaseKey
	s.AliceIdentityKey = oneTimeMsg.IdentityKey
	s.BobOneTimeKey = oneTimeKeyBob.Key.PublicKey

	// The one time key must be removed from the account after this, which is
	// done by the account owning it.
	return s, nil
}

// ID returns an identifier for this session. It will be the same for both
// ends of the conversation. Generated by hashing the public keys used to
// create the session.
func (s *OlmSession) ID() id.SessionID {
	data := make([]byte, 3*crypto.Curve25519KeyLength)
	copy(data, s.AliceIdentityKey)
	copy(data[crypto.Curve25519KeyLength:], s.AliceBaseKey)
	copy(data[2*crypto.Curve25519KeyLength:], s.BobOneTimeKey)
	return id.SessionID(olm.Base64Encode(crypto.SHA256(data)))
}

// HasReceivedMessage returns true if this session has received any message.
func (s *OlmSession) HasReceivedMessage() bool {
	return s.ReceivedMessage
}

// MatchesInboundSessionFrom checks if the given pre-key message was created
// for this inbound session. This can happen if multiple messages are sent to
// this account before this account sends a message in reply.
func (s *OlmSession) MatchesInboundSessionFrom(theirIdentityKeyEncoded *id.Curve25519, receivedOTKMsg []byte) (bool, error) {
	if len(receivedOTKMsg) == 0 {
		return false, fmt.Errorf("inbound match: %w", olm.ErrEmptyInput)
	}
	decodedOTKMsg, err := olm.Base64Decode(receivedOTKMsg)
	if err != nil {
		return false, err
	}

	var theirIdentityKey *crypto.Curve25519PublicKey
	if theirIdentityKeyEncoded != nil {
		decodedKey, err := base64.RawStdEncoding.DecodeString(string(*theirIdentityKeyEncoded))
		if err != nil {
			return false, err
		}
		theirIdentityKeyByte := crypto.Curve25519PublicKey(decodedKey)
		theirIdentityKey = &theirIdentityKeyByte
	}

	msg := message.PreKeyMessage{}
	if err = msg.Decode(decodedOTKMsg); err != nil {
		return false, err
	}
	if !msg.CheckFields(theirIdentityKey) {
		return false, nil
	}

	same := true
	if msg.IdentityKey != nil {
		same = same && msg.IdentityKey.Equal(s.AliceIdentityKey)
	}
	if theirIdentityKey != nil {
		same = same && theirIdentityKey.Equal(s.AliceIdentityKey)
	}
	same = same && bytes.Equal(msg.BaseKey, s.AliceBaseKey)
	same = same && bytes.Equal(msg.OneTimeKey, s.BobOneTimeKey)
	return same, nil
}

// EncryptMsgType returns the type of the next message that Encrypt will
// return. Returns OlmMsgTypePreKey while the other side hasn't responded yet,
// OlmMsgTypeMsg afterwards.
func (s *OlmSession) EncryptMsgType() id.OlmMsgType {
	if s.ReceivedMessage {
		return id.OlmMsgTypeMsg
	}
	return id.OlmMsgTypePreKey
}

// Encrypt encrypts a message using the session. Returns the encrypted message
// base64 encoded.
func (s *OlmSession) Encrypt(plaintext []byte) (id.OlmMsgType, []byte, error) {
	if len(plaintext) == 0 {
		return 0, nil, fmt.Errorf("encrypt: %w", olm.ErrEmptyInput)
	}
	messageType := s.EncryptMsgType()
	encrypted, err := s.Ratchet.Encrypt(plaintext)
	if err != nil {
		return 0, nil, err
	}
	result := encrypted
	if !s.ReceivedMessage {
		msg := message.PreKeyMessage{
			Version:     protocolVersion,
			OneTimeKey:  s.BobOneTimeKey,
			IdentityKey: s.AliceIdentityKey,
			BaseKey:     s.AliceBaseKey,
			Message:     encrypted,
		}
		result, err = msg.Encode()
		if err != nil {
			return 0, nil, err
		}
	}
	return messageType, olm.Base64Encode(result), nil
}

// Decrypt decrypts a base64 encoded message using the session.
func (s *OlmSession) Decrypt(crypttext []byte, msgType id.OlmMsgType) ([]byte, error) {
	if len(crypttext) == 0 {
		return nil, fmt.Errorf("decrypt: %w", olm.ErrEmptyInput)
	}
	decodedCrypttext, err := olm.Base64Decode(crypttext)
	if err != nil {
		return nil, err
	}
	msgBody := decodedCrypttext
	if msgType == id.OlmMsgTypePreKey {
		msg := message.PreKeyMessage{}
		if err = msg.Decode(decodedCrypttext); err != nil {
			return nil, err
		}
		msgBody = msg.Message
	}
	plaintext, err := s.Ratchet.Decrypt(msgBody)
	if err != nil {
		return nil, err
	}
	s.ReceivedMessage = true
	return plaintext, nil
}

// Pickle returns the session as a base64 string encrypted using the supplied
// key.
func (s *OlmSession) Pickle(key []byte) ([]byte, error) {
	return pickle.AsJSON(s, olmSessionPickleVersion, key)
}

// Unpickle updates the session from a base64 encrypted string using the
// supplied key.
func (s *OlmSession) Unpickle(pickled, key []byte) error {
	return pickle.FromJSON(s, pickled, key, olmSessionPickleVersion)
}

// Describe returns a string describing the current state of the session for
// debugging.
func (s *OlmSession) Describe() string {
	var res string
	if s.Ratchet.SenderChains.IsSet {
		res += fmt.Sprintf("sender chain index: %d ", s.Ratchet.SenderChains.CKey.Index)
	} else {
		res += "sender chain index: "
	}
	res += "receiver chain indices:"
	for _, curChain := range s.Ratchet.ReceiverChains {
		res += fmt.Sprintf(" %d", curChain.CKey.Index)
	}
	res += " skipped message keys:"
	for _, curSkip := range s.Ratchet.SkippedMessageKeys {
		res += fmt.Sprintf(" %d", curSkip.MKey.Index)
	}
	return res
}
