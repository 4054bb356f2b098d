// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package id contains the identifier and key types used throughout the
// encryption core.
package id

import (
	"fmt"
	"strings"
)

// A UserID is a string starting with @ that references a specific user.
type UserID string

// A RoomID is a string starting with ! that references a specific room.
type RoomID string

// An EventID is a string starting with $ that references a specific event.
type EventID string

// A DeviceID is an arbitrary string that references a specific device.
type DeviceID string

func (userID UserID) String() string {
	return string(userID)
}

func (roomID RoomID) String() string {
	return string(roomID)
}

func (eventID EventID) String() string {
	return string(eventID)
}

func (deviceID DeviceID) String() string {
	return string(deviceID)
}

// UserDeviceKey is a composite key referencing a specific device of a specific user.
type UserDeviceKey struct {
	UserID   UserID
	DeviceID DeviceID
}

func (udk UserDeviceKey) String() string {
	return fmt.Sprintf("%s/%s", udk.UserID, udk.DeviceID)
}

// KeyAlgorithm is the identifier of a key algorithm in device key uploads and claims.
type KeyAlgorithm string

func (ka KeyAlgorithm) String() string {
	return string(ka)
}

const (
	KeyAlgorithmCurve25519       KeyAlgorithm = "curve25519"
	KeyAlgorithmEd25519          KeyAlgorithm = "ed25519"
	KeyAlgorithmSignedCurve25519 KeyAlgorithm = "signed_curve25519"
)

// A KeyID is a string formatted as <algorithm>:<key ID> that is used as the
// key in one-time-key and cross-device key mappings.
type KeyID string

func NewKeyID(algorithm KeyAlgorithm, keyID string) KeyID {
	return KeyID(fmt.Sprintf("%s:%s", algorithm, keyID))
}

func (keyID KeyID) Parse() (KeyAlgorithm, string) {
	algorithm, id, _ := strings.Cut(string(keyID), ":")
	return KeyAlgorithm(algorithm), id
}

func (keyID KeyID) String() string {
	return string(keyID)
}

// A DeviceKeyID is a string formatted as <algorithm>:<device ID> that is used
// as the key in device key objects.
type DeviceKeyID string

func NewDeviceKeyID(algorithm KeyAlgorithm, deviceID DeviceID) DeviceKeyID {
	return DeviceKeyID(fmt.Sprintf("%s:%s", algorithm, deviceID))
}

func (deviceKeyID DeviceKeyID) Parse() (KeyAlgorithm, DeviceID) {
	algorithm, id, _ := strings.Cut(string(deviceKeyID), ":")
	return KeyAlgorithm(algorithm), DeviceID(id)
}

func (deviceKeyID DeviceKeyID) String() string {
	return string(deviceKeyID)
}
