package session

import (
	"fmt"

	"go.mau.fi/e2ee/id"
	"go.mau.fi/e2ee/olm"
	"go.mau.fi/e2ee/olm/crypto"
	"go.mau.fi/e2ee/olm/megolm"
	"go.mau.fi/e2ee/olm/pickle"
)

const megolmOutboundSessionPickleVersion byte = 1

// MegolmOutboundSession stores an outbound megolm session, used to encrypt
// group messages for a room.
type MegolmOutboundSession struct {
	Ratchet    megolm.Ratchet        `json:"ratchet"`
	SigningKey crypto.Ed25519KeyPair `json:"signing_key"`
}

// NewMegolmOutboundSession creates a new outbound group session with random
// ratchet data and signing key.
func NewMegolmOutboundSession() (*MegolmOutboundSession, error) {
	signingKey, err := crypto.Ed25519GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	ratchet, err := megolm.NewWithRandom(0)
	if err != nil {
		return nil, err
	}
	return &MegolmOutboundSession{
		SigningKey: signingKey,
		Ratchet:    *ratchet,
	}, nil
}

// MegolmOutboundSessionFromPickled loads a MegolmOutboundSession from a
// pickled base64 string, decrypting it with the supplied key.
func MegolmOutboundSessionFromPickled(pickled, key []byte) (*MegolmOutboundSession, error) {
	if len(pickled) == 0 {
		return nil, fmt.Errorf("outbound group session from pickled: %w", olm.ErrEmptyInput)
	}
	s := &MegolmOutboundSession{}
	if err := s.Unpickle(pickled, key); err != nil {
		return nil, err
	}
	return s, nil
}

// Encrypt encrypts the plaintext into a base64 encoded group message,
// advancing the ratchet.
func (s *MegolmOutboundSession) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("encrypt: %w", olm.ErrEmptyInput)
	}
	encrypted, err := s.Ratchet.Encrypt(plaintext, s.SigningKey)
	if err != nil {
		return nil, err
	}
	return olm.Base64Encode(encrypted), nil
}

// ID returns the base64 encoded public signing key, which identifies this
// session.
func (s *MegolmOutboundSession) ID() id.SessionID {
	return id.SessionID(olm.Base64Encode(s.SigningKey.PublicKey))
}

// MessageIndex returns the message index for this session. Each message is
// sent with an increasing index; this returns the index for the next message.
func (s *MegolmOutboundSession) MessageIndex() uint32 {
	return s.Ratchet.Counter
}

// Key returns the session key in the signed session sharing format, which an
// inbound session can be created from.
func (s *MegolmOutboundSession) Key() ([]byte, error) {
	return s.Ratchet.SessionSharingMessage(s.SigningKey)
}

// Pickle returns the session as a base64 string encrypted using the supplied
// key.
func (s *MegolmOutboundSession) Pickle(key []byte) ([]byte, error) {
	return pickle.AsJSON(s, megolmOutboundSessionPickleVersion, key)
}

// Unpickle updates the session from a base64 encrypted string using the
// supplied key.
func (s *MegolmOutboundSession) Unpickle(pickled, key []byte) error {
	return pickle.FromJSON(s, pickled, key, megolmOutboundSessionPickleVersion)
}
