package session

import (
	"fmt"

	"go.mau.fi/e2ee/id"
	"go.mau.fi/e2ee/olm"
	"go.mau.fi/e2ee/olm/crypto"
	"go.mau.fi/e2ee/olm/megolm"
	"go.mau.fi/e2ee/olm/message"
	"go.mau.fi/e2ee/olm/pickle"
)

const megolmInboundSessionPickleVersion byte = 1

// MegolmInboundSession stores an inbound megolm session, used to decrypt
// group messages from a single sender.
type MegolmInboundSession struct {
	Ratchet            megolm.Ratchet          `json:"ratchet"`
	SigningKey         crypto.Ed25519PublicKey `json:"signing_key"`
	InitialRatchet     megolm.Ratchet          `json:"initial_ratchet"`
	SigningKeyVerified bool                    `json:"signing_key_verified"`
}

// NewMegolmInboundSession creates a new inbound group session from a signed
// session sharing message.
func NewMegolmInboundSession(input []byte) (*MegolmInboundSession, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("init inbound group session: %w", olm.ErrEmptyInput)
	}
	decoded, err := olm.Base64Decode(input)
	if err != nil {
		return nil, err
	}
	msg := message.MegolmSessionSharing{}
	if err = msg.VerifyAndDecode(decoded); err != nil {
		return nil, err
	}
	ratchet := megolm.New(msg.Counter, msg.RatchetData)
	return &MegolmInboundSession{
		SigningKey:         msg.PublicKey,
		SigningKeyVerified: true,
		Ratchet:            *ratchet,
		InitialRatchet:     *ratchet,
	}, nil
}

// ImportMegolmInboundSession creates a new inbound group session from an
// unsigned session export message.
func ImportMegolmInboundSession(input []byte) (*MegolmInboundSession, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("import inbound group session: %w", olm.ErrEmptyInput)
	}
	decoded, err := olm.Base64Decode(input)
	if err != nil {
		return nil, err
	}
	msg := message.MegolmSessionExport{}
	if err = msg.Decode(decoded); err != nil {
		return nil, err
	}
	ratchet := megolm.New(msg.Counter, msg.RatchetData)
	return &MegolmInboundSession{
		SigningKey:         msg.PublicKey,
		SigningKeyVerified: false,
		Ratchet:            *ratchet,
		InitialRatchet:     *ratchet,
	}, nil
}

// MegolmInboundSessionFromPickled loads a MegolmInboundSession from a pickled
// base64 string, decrypting it with the supplied key.
func MegolmInboundSessionFromPickled(pickled, key []byte) (*MegolmInboundSession, error) {
	if len(pickled) == 0 {
		return nil, fmt.Errorf("inbound group session from pickled: %w", olm.ErrEmptyInput)
	}
	s := &MegolmInboundSession{}
	if err := s.Unpickle(pickled, key); err != nil {
		return nil, err
	}
	return s, nil
}

// getRatchet returns the ratchet that can decrypt messages at the given
// index, advancing or copying from the initial ratchet as needed.
func (s *MegolmInboundSession) getRatchet(messageIndex uint32) (*megolm.Ratchet, error) {
	// The Ratchet counter is before the messageIndex
	if (messageIndex - s.Ratchet.Counter) < (1 << 31) {
		s.Ratchet.AdvanceTo(messageIndex)
		return &s.Ratchet, nil
	}
	// The message is before our earliest known ratchet value
	if (messageIndex - s.InitialRatchet.Counter) >= (1 << 31) {
		return nil, fmt.Errorf("get ratchet: %w", olm.ErrRatchetNotAvailable)
	}
	// The InitialRatchet is before the messageIndex, take a copy
	newRatchet := s.InitialRatchet
	newRatchet.AdvanceTo(messageIndex)
	return &newRatchet, nil
}

// Decrypt decrypts a base64 encoded group message. Returns the plaintext and
// the message index.
func (s *MegolmInboundSession) Decrypt(ciphertext []byte) ([]byte, uint32, error) {
	if len(ciphertext) == 0 {
		return nil, 0, fmt.Errorf("decrypt: %w", olm.ErrEmptyInput)
	}
	if len(s.SigningKey) == 0 {
		return nil, 0, fmt.Errorf("decrypt: %w", olm.ErrNoKeyProvided)
	}
	decoded, err := olm.Base64Decode(ciphertext)
	if err != nil {
		return nil, 0, err
	}

	msg := &message.GroupMessage{}
	if err = msg.Decode(decoded); err != nil {
		return nil, 0, err
	}
	if msg.Version != protocolVersion {
		return nil, 0, fmt.Errorf("decrypt: %w", olm.ErrWrongProtocolVersion)
	}
	if !msg.HasMessageIndex || len(msg.Ciphertext) == 0 {
		return nil, 0, fmt.Errorf("decrypt: %w", olm.ErrBadMessageFormat)
	}

	// Verify the signature before anything else
	if !msg.VerifySignatureInline(s.SigningKey, decoded) {
		return nil, 0, fmt.Errorf("decrypt: %w", olm.ErrBadSignature)
	}

	targetRatchet, err := s.getRatchet(msg.MessageIndex)
	if err != nil {
		return nil, 0, err
	}
	plaintext, err := targetRatchet.Decrypt(decoded, msg)
	if err != nil {
		return nil, 0, err
	}
	return plaintext, msg.MessageIndex, nil
}

// ID returns the base64 encoded signing key, which identifies this session.
func (s *MegolmInboundSession) ID() id.SessionID {
	return id.SessionID(olm.Base64Encode(s.SigningKey))
}

// FirstKnownIndex returns the first message index we know how to decrypt.
func (s *MegolmInboundSession) FirstKnownIndex() uint32 {
	return s.InitialRatchet.Counter
}

// IsVerified returns true if the session has been verified as a valid
// session: the messages are from a device with the signing key.
func (s *MegolmInboundSession) IsVerified() bool {
	return s.SigningKeyVerified
}

// Export returns the session in the unsigned session export format, with the
// ratchet advanced to the given message index.
func (s *MegolmInboundSession) Export(messageIndex uint32) ([]byte, error) {
	ratchet, err := s.getRatchet(messageIndex)
	if err != nil {
		return nil, err
	}
	return ratchet.SessionExportMessage(s.SigningKey)
}

// Pickle returns the session as a base64 string encrypted using the supplied
// key.
func (s *MegolmInboundSession) Pickle(key []byte) ([]byte, error) {
	return pickle.AsJSON(s, megolmInboundSessionPickleVersion, key)
}

// Unpickle updates the session from a base64 encrypted string using the
// supplied key.
func (s *MegolmInboundSession) Unpickle(pickled, key []byte) error {
	return pickle.FromJSON(s, pickled, key, megolmInboundSessionPickleVersion)
}
