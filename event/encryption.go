// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"go.mau.fi/e2ee/id"
)

// Algorithm is a message encryption algorithm identifier.
type Algorithm string

const (
	AlgorithmOlmV1    Algorithm = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolmV1 Algorithm = "m.megolm.v1.aes-sha2"
)

var unpaddedBase64 = base64.StdEncoding.WithPadding(base64.NoPadding)

// UnpaddedBase64 is a byte array that implements the JSON Marshaler and
// Unmarshaler interfaces to encode and decode the byte array as unpadded
// base64.
type UnpaddedBase64 []byte

func (ub64 *UnpaddedBase64) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("failed to decode data into bytes: input doesn't look like a JSON string")
	}
	*ub64 = make([]byte, unpaddedBase64.DecodedLen(len(data)-2))
	_, err := unpaddedBase64.Decode(*ub64, data[1:len(data)-1])
	return err
}

func (ub64 UnpaddedBase64) MarshalJSON() ([]byte, error) {
	data := make([]byte, unpaddedBase64.EncodedLen(len(ub64))+2)
	data[0] = '"'
	data[len(data)-1] = '"'
	unpaddedBase64.Encode(data[1:len(data)-1], ub64)
	return data, nil
}

// EncryptionEventContent represents the content of a m.room.encryption state event.
type EncryptionEventContent struct {
	// The encryption algorithm to be used to encrypt messages sent in this room. Must be 'm.megolm.v1.aes-sha2'.
	Algorithm Algorithm `json:"algorithm"`
	// How long the session should be used before changing it. 604800000 (a week) is the recommended default.
	RotationPeriodMillis int64 `json:"rotation_period_ms,omitempty"`
	// How many messages should be sent before changing the session. 100 is the recommended default.
	RotationPeriodMessages int `json:"rotation_period_messages,omitempty"`
}

// OlmCiphertext is the ciphertext map of an olm-encrypted event, keyed by the
// recipient device's curve25519 identity key.
type OlmCiphertext map[id.Curve25519]struct {
	Body string        `json:"body"`
	Type id.OlmMsgType `json:"type"`
}

// EncryptedEventContent represents the content of a m.room.encrypted event.
//
// The ciphertext field differs between olm and megolm: olm events carry a
// per-device ciphertext map, megolm events carry a single base64 string.
type EncryptedEventContent struct {
	Algorithm Algorithm    `json:"algorithm"`
	SenderKey id.SenderKey `json:"sender_key,omitempty"`

	// Olm only
	OlmCiphertext OlmCiphertext `json:"-"`

	// Megolm only
	DeviceID         id.DeviceID    `json:"device_id,omitempty"`
	SessionID        id.SessionID   `json:"session_id,omitempty"`
	MegolmCiphertext UnpaddedBase64 `json:"-"`

	// RelatesTo is passed through unencrypted so servers can aggregate relations.
	RelatesTo json.RawMessage `json:"m.relates_to,omitempty"`
}

type serializableEncryptedEventContent struct {
	Algorithm Algorithm    `json:"algorithm"`
	SenderKey id.SenderKey `json:"sender_key,omitempty"`

	Ciphertext json.RawMessage `json:"ciphertext"`

	DeviceID  id.DeviceID  `json:"device_id,omitempty"`
	SessionID id.SessionID `json:"session_id,omitempty"`

	RelatesTo json.RawMessage `json:"m.relates_to,omitempty"`
}

func (content *EncryptedEventContent) UnmarshalJSON(data []byte) error {
	var parsed serializableEncryptedEventContent
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	content.Algorithm = parsed.Algorithm
	content.SenderKey = parsed.SenderKey
	content.DeviceID = parsed.DeviceID
	content.SessionID = parsed.SessionID
	content.RelatesTo = parsed.RelatesTo
	switch parsed.Algorithm {
	case AlgorithmOlmV1:
		return json.Unmarshal(parsed.Ciphertext, &content.OlmCiphertext)
	case AlgorithmMegolmV1:
		return json.Unmarshal(parsed.Ciphertext, &content.MegolmCiphertext)
	default:
		return nil
	}
}

func (content EncryptedEventContent) MarshalJSON() ([]byte, error) {
	var ciphertext json.RawMessage
	var err error
	switch content.Algorithm {
	case AlgorithmOlmV1:
		ciphertext, err = json.Marshal(content.OlmCiphertext)
	case AlgorithmMegolmV1:
		ciphertext, err = json.Marshal(content.MegolmCiphertext)
	default:
		return nil, errors.New("unknown encryption algorithm")
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(&serializableEncryptedEventContent{
		Algorithm:  content.Algorithm,
		SenderKey:  content.SenderKey,
		Ciphertext: ciphertext,
		DeviceID:   content.DeviceID,
		SessionID:  content.SessionID,
		RelatesTo:  content.RelatesTo,
	})
}

// RoomKeyEventContent represents the content of a m.room_key to_device event.
type RoomKeyEventContent struct {
	Algorithm  Algorithm    `json:"algorithm"`
	RoomID     id.RoomID    `json:"room_id"`
	SessionID  id.SessionID `json:"session_id"`
	SessionKey string       `json:"session_key"`

	MaxAge      int64 `json:"fi.mau.max_age_ms,omitempty"`
	MaxMessages int   `json:"fi.mau.max_messages,omitempty"`
}

// ForwardedRoomKeyEventContent represents the content of a m.forwarded_room_key to_device event.
type ForwardedRoomKeyEventContent struct {
	RoomKeyEventContent
	SenderKey          id.SenderKey `json:"sender_key"`
	SenderClaimedKey   id.Ed25519   `json:"sender_claimed_ed25519_key"`
	ForwardingKeyChain []string     `json:"forwarding_curve25519_key_chain"`
}

type KeyRequestAction string

const (
	KeyRequestActionRequest KeyRequestAction = "request"
	KeyRequestActionCancel  KeyRequestAction = "request_cancellation"
)

// RoomKeyRequestEventContent represents the content of a m.room_key_request to_device event.
type RoomKeyRequestEventContent struct {
	Body               RequestedKeyInfo `json:"body"`
	Action             KeyRequestAction `json:"action"`
	RequestingDeviceID id.DeviceID      `json:"requesting_device_id"`
	RequestID          string           `json:"request_id"`
}

type RequestedKeyInfo struct {
	Algorithm Algorithm    `json:"algorithm"`
	RoomID    id.RoomID    `json:"room_id"`
	SenderKey id.SenderKey `json:"sender_key"`
	SessionID id.SessionID `json:"session_id"`
}

// RoomKeyWithheldCode is a machine-readable code explaining why a room key
// was not shared.
type RoomKeyWithheldCode string

const (
	RoomKeyWithheldBlacklisted  RoomKeyWithheldCode = "m.blacklisted"
	RoomKeyWithheldUnverified   RoomKeyWithheldCode = "m.unverified"
	RoomKeyWithheldUnauthorized RoomKeyWithheldCode = "m.unauthorised"
	RoomKeyWithheldUnavailable  RoomKeyWithheldCode = "m.unavailable"
	RoomKeyWithheldNoOlmSession RoomKeyWithheldCode = "m.no_olm"
)

// RoomKeyWithheldEventContent represents the content of a m.room_key.withheld to_device event.
type RoomKeyWithheldEventContent struct {
	RoomID    id.RoomID           `json:"room_id,omitempty"`
	Algorithm Algorithm           `json:"algorithm"`
	SessionID id.SessionID        `json:"session_id,omitempty"`
	SenderKey id.SenderKey        `json:"sender_key"`
	Code      RoomKeyWithheldCode `json:"code"`
	Reason    string              `json:"reason,omitempty"`
}

// Error implements the error interface so that stores can return a withheld
// notice in place of a missing group session.
func (content *RoomKeyWithheldEventContent) Error() string {
	if content.Reason != "" {
		return fmt.Sprintf("group session withheld: %s (%s)", content.Code, content.Reason)
	}
	return fmt.Sprintf("group session withheld: %s", content.Code)
}

func (content *RoomKeyWithheldEventContent) Is(other error) bool {
	otherContent, ok := other.(*RoomKeyWithheldEventContent)
	if !ok {
		return false
	}
	return otherContent.Code == "" || otherContent.Code == content.Code
}

// DummyEventContent represents the content of a m.dummy to_device event,
// which is sent to establish new olm sessions when unwedging.
type DummyEventContent struct{}
