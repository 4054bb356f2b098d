// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"errors"
	"fmt"
	"time"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
	"go.mau.fi/e2ee/olm/session"
)

var (
	ErrSessionExpired   = errors.New("group session has expired")
	ErrSessionNotShared = errors.New("group session has not been shared")
)

// OlmSession is an olm pairwise session wrapped with the timestamps the store
// keeps for session selection and cleanup.
type OlmSession struct {
	Internal session.OlmSession

	CreationTime      time.Time
	LastEncryptedTime time.Time
	LastDecryptedTime time.Time
}

func wrapSession(sess *session.OlmSession) *OlmSession {
	now := time.Now().UTC()
	return &OlmSession{
		Internal:          *sess,
		CreationTime:      now,
		LastEncryptedTime: now,
		LastDecryptedTime: now,
	}
}

// OlmSessionList is a list of olm sessions. The store returns sessions sorted
// by recency of use, most recently used first.
type OlmSessionList []*OlmSession

func (session *OlmSession) ID() id.SessionID {
	return session.Internal.ID()
}

func (session *OlmSession) Describe() string {
	return session.Internal.Describe()
}

// Encrypt encrypts the plaintext with this session and updates the use time.
func (session *OlmSession) Encrypt(plaintext []byte) (id.OlmMsgType, []byte, error) {
	session.LastEncryptedTime = time.Now().UTC()
	return session.Internal.Encrypt(plaintext)
}

// Decrypt decrypts the ciphertext with this session and updates the use time.
func (session *OlmSession) Decrypt(ciphertext string, msgType id.OlmMsgType) ([]byte, error) {
	plaintext, err := session.Internal.Decrypt([]byte(ciphertext), msgType)
	if err == nil {
		session.LastDecryptedTime = time.Now().UTC()
	}
	return plaintext, err
}

// InboundGroupSession is a megolm decryption session along with the metadata
// needed to decide how much to trust it.
type InboundGroupSession struct {
	Internal session.MegolmInboundSession

	SigningKey id.Ed25519
	SenderKey  id.SenderKey
	RoomID     id.RoomID

	// ForwardingChains is the list of curve25519 keys the session passed
	// through before reaching us. Empty for sessions received directly from
	// the claimed sender over a verified olm channel.
	ForwardingChains []string

	ReceivedAt  time.Time
	MaxAge      int64
	MaxMessages int

	id id.SessionID
}

// NewInboundGroupSession creates a new inbound group session from a signed
// session sharing export received directly from the sending device.
func NewInboundGroupSession(senderKey id.SenderKey, signingKey id.Ed25519, roomID id.RoomID, sessionKey string, maxAge time.Duration, maxMessages int) (*InboundGroupSession, error) {
	igs, err := session.NewMegolmInboundSession([]byte(sessionKey))
	if err != nil {
		return nil, err
	}
	return &InboundGroupSession{
		Internal:         *igs,
		SigningKey:       signingKey,
		SenderKey:        senderKey,
		RoomID:           roomID,
		ForwardingChains: nil,
		ReceivedAt:       time.Now().UTC(),
		MaxAge:           maxAge.Milliseconds(),
		MaxMessages:      maxMessages,
	}, nil
}

func (igs *InboundGroupSession) ID() id.SessionID {
	if igs.id == "" {
		igs.id = igs.Internal.ID()
	}
	return igs.id
}

// IsTrusted returns whether the session was received through a direct,
// authenticated channel. Forwarded and file-imported sessions are untrusted.
func (igs *InboundGroupSession) IsTrusted() bool {
	return len(igs.ForwardingChains) == 0 && igs.Internal.IsVerified()
}

type SenderClaimedKeys struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}

// ExportedSession is a single session in a key export file.
type ExportedSession struct {
	Algorithm         event.Algorithm   `json:"algorithm"`
	ForwardingChains  []string          `json:"forwarding_curve25519_key_chain"`
	RoomID            id.RoomID         `json:"room_id"`
	SenderKey         id.SenderKey      `json:"sender_key"`
	SenderClaimedKeys SenderClaimedKeys `json:"sender_claimed_keys"`
	SessionID         id.SessionID      `json:"session_id"`
	SessionKey        string            `json:"session_key"`
}

func (igs *InboundGroupSession) export() (*ExportedSession, error) {
	key, err := igs.Internal.Export(igs.Internal.FirstKnownIndex())
	if err != nil {
		return nil, fmt.Errorf("failed to export session: %w", err)
	}
	return &ExportedSession{
		Algorithm:         event.AlgorithmMegolmV1,
		ForwardingChains:  igs.ForwardingChains,
		RoomID:            igs.RoomID,
		SenderKey:         igs.SenderKey,
		SenderClaimedKeys: SenderClaimedKeys{Ed25519: igs.SigningKey},
		SessionID:         igs.ID(),
		SessionKey:        string(key),
	}, nil
}

// OGSState is the sharing state of an outbound group session for a single
// device.
type OGSState int

const (
	// OGSNotShared means the session has not been shared with the device yet.
	OGSNotShared OGSState = iota
	// OGSAlreadyShared means the session key was queued for the device.
	OGSAlreadyShared
	// OGSIgnored means the device will never receive the session key, either
	// because it's our own device or because a withheld notice was sent.
	OGSIgnored
)

// OutboundGroupSession is the megolm encryption session for a single room,
// with the sharing state for each recipient device.
type OutboundGroupSession struct {
	Internal session.MegolmOutboundSession

	RoomID id.RoomID

	Users  map[id.UserDeviceKey]OGSState
	Shared bool

	MaxAge       time.Duration
	MaxMessages  int
	MessageCount int

	CreationTime      time.Time
	LastEncryptedTime time.Time
}

// NewOutboundGroupSession creates a new outbound group session for a room.
// The rotation config comes from the room's encryption state event, falling
// back to a week and 100 messages.
func NewOutboundGroupSession(roomID id.RoomID, encryptionContent *event.EncryptionEventContent) (*OutboundGroupSession, error) {
	internal, err := session.NewMegolmOutboundSession()
	if err != nil {
		return nil, err
	}
	ogs := &OutboundGroupSession{
		Internal:     *internal,
		RoomID:       roomID,
		Users:        make(map[id.UserDeviceKey]OGSState),
		MaxAge:       7 * 24 * time.Hour,
		MaxMessages:  100,
		CreationTime: time.Now().UTC(),
	}
	if encryptionContent != nil {
		if encryptionContent.RotationPeriodMillis != 0 {
			ogs.MaxAge = time.Duration(encryptionContent.RotationPeriodMillis) * time.Millisecond
		}
		if encryptionContent.RotationPeriodMessages != 0 {
			ogs.MaxMessages = encryptionContent.RotationPeriodMessages
		}
	}
	return ogs, nil
}

func (ogs *OutboundGroupSession) ID() id.SessionID {
	return ogs.Internal.ID()
}

// Expired returns whether the session has hit its message count or age limit
// and must be rotated before the next encryption.
func (ogs *OutboundGroupSession) Expired() bool {
	return ogs.MessageCount >= ogs.MaxMessages || ogs.CreationTime.Add(ogs.MaxAge).Before(time.Now())
}

// Encrypt encrypts the plaintext and advances the message counter. The
// session must have been shared first.
func (ogs *OutboundGroupSession) Encrypt(plaintext []byte) ([]byte, error) {
	if !ogs.Shared {
		return nil, ErrSessionNotShared
	} else if ogs.Expired() {
		return nil, ErrSessionExpired
	}
	ciphertext, err := ogs.Internal.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	ogs.MessageCount++
	ogs.LastEncryptedTime = time.Now().UTC()
	return ciphertext, nil
}

// ShareContent returns the m.room_key event content for sharing this session.
func (ogs *OutboundGroupSession) ShareContent() (*event.RoomKeyEventContent, error) {
	sessionKey, err := ogs.Internal.Key()
	if err != nil {
		return nil, fmt.Errorf("failed to export session key: %w", err)
	}
	return &event.RoomKeyEventContent{
		Algorithm:  event.AlgorithmMegolmV1,
		RoomID:     ogs.RoomID,
		SessionID:  ogs.ID(),
		SessionKey: string(sessionKey),

		MaxAge:      ogs.MaxAge.Milliseconds(),
		MaxMessages: ogs.MaxMessages,
	}, nil
}
