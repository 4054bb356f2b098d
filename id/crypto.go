// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

// Ed25519 is the base64 representation of an ed25519 public key.
type Ed25519 string
type SigningKey = Ed25519

// Curve25519 is the base64 representation of a curve25519 public key.
type Curve25519 string
type SenderKey = Curve25519
type IdentityKey = Curve25519

func (ed25519 Ed25519) String() string {
	return string(ed25519)
}

func (curve25519 Curve25519) String() string {
	return string(curve25519)
}

// A SessionID is the unique identifier of an olm or megolm session.
//
// For olm, it's generated by hashing the public keys that were used to
// establish the session. For megolm, it's the base64 of the session's
// public ed25519 signing key.
type SessionID string

func (sessionID SessionID) String() string {
	return string(sessionID)
}

// OlmMsgType is an int identifying the type of an olm message.
type OlmMsgType int

const (
	// OlmMsgTypePreKey is the message type of the first messages in an olm
	// session, which embed the handshake material.
	OlmMsgTypePreKey OlmMsgType = 0
	// OlmMsgTypeMsg is the message type of messages after the handshake.
	OlmMsgTypeMsg OlmMsgType = 1
)

// Device contains the identity details of a single remote device.
type Device struct {
	UserID   UserID
	DeviceID DeviceID

	IdentityKey Curve25519
	SigningKey  Ed25519

	Trust   TrustState
	Deleted bool
	Name    string
}

// UserDeviceKey returns the composite map key for this device.
func (device *Device) UserDeviceKey() UserDeviceKey {
	return UserDeviceKey{UserID: device.UserID, DeviceID: device.DeviceID}
}

// Fingerprint returns the signing key in groups of four characters, the way
// clients render key fingerprints for manual verification.
func (device *Device) Fingerprint() string {
	return Fingerprint(device.SigningKey)
}

func Fingerprint(signingKey SigningKey) string {
	spacedSigningKey := make([]byte, len(signingKey)+(len(signingKey)-1)/4)
	var ptr = 0
	for i, chr := range signingKey {
		spacedSigningKey[ptr] = byte(chr)
		ptr++
		if i%4 == 3 {
			spacedSigningKey[ptr] = ' '
			ptr++
		}
	}
	return string(spacedSigningKey)
}
