// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"encoding/json"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
	"go.mau.fi/e2ee/signatures"
)

// KeyMap is the key map of a device key object, keyed by <algorithm>:<device ID>.
type KeyMap map[id.DeviceKeyID]string

func (km KeyMap) GetEd25519(deviceID id.DeviceID) id.Ed25519 {
	val, ok := km[id.NewDeviceKeyID(id.KeyAlgorithmEd25519, deviceID)]
	if !ok {
		return ""
	}
	return id.Ed25519(val)
}

func (km KeyMap) GetCurve25519(deviceID id.DeviceID) id.Curve25519 {
	val, ok := km[id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, deviceID)]
	if !ok {
		return ""
	}
	return id.Curve25519(val)
}

// DeviceKeys is the signed device key object uploaded to and returned from
// the key directory.
type DeviceKeys struct {
	UserID     id.UserID             `json:"user_id"`
	DeviceID   id.DeviceID           `json:"device_id"`
	Algorithms []event.Algorithm     `json:"algorithms"`
	Keys       KeyMap                `json:"keys"`
	Signatures signatures.Signatures `json:"signatures"`
	Unsigned   map[string]any        `json:"unsigned,omitempty"`
}

// OneTimeKey is a single signed one-time or fallback key.
type OneTimeKey struct {
	Key        id.Curve25519         `json:"key"`
	Fallback   bool                  `json:"fallback,omitempty"`
	Signatures signatures.Signatures `json:"signatures,omitempty"`
	Unsigned   map[string]any        `json:"unsigned,omitempty"`

	// IsSigned is set when the key was parsed from a signed_curve25519 object
	// rather than a plain base64 string.
	IsSigned bool `json:"-"`
}

type serializableOneTimeKey struct {
	Key        id.Curve25519         `json:"key"`
	Fallback   bool                  `json:"fallback,omitempty"`
	Signatures signatures.Signatures `json:"signatures,omitempty"`
	Unsigned   map[string]any        `json:"unsigned,omitempty"`
}

func (otk *OneTimeKey) UnmarshalJSON(data []byte) (err error) {
	if len(data) > 0 && data[0] == '"' && data[len(data)-1] == '"' {
		err = json.Unmarshal(data, &otk.Key)
		otk.Signatures = nil
		otk.Unsigned = nil
		otk.IsSigned = false
	} else {
		var content serializableOneTimeKey
		err = json.Unmarshal(data, &content)
		otk.Key = content.Key
		otk.Fallback = content.Fallback
		otk.Signatures = content.Signatures
		otk.Unsigned = content.Unsigned
		otk.IsSigned = true
	}
	return err
}

func (otk *OneTimeKey) MarshalJSON() ([]byte, error) {
	if !otk.IsSigned {
		return json.Marshal(otk.Key)
	}
	return json.Marshal(serializableOneTimeKey{
		Key:        otk.Key,
		Fallback:   otk.Fallback,
		Signatures: otk.Signatures,
		Unsigned:   otk.Unsigned,
	})
}

// OneTimeKeysRequest maps each requested device to the key algorithm to claim.
type OneTimeKeysRequest map[id.UserID]map[id.DeviceID]id.KeyAlgorithm

// OTKCount holds the number of unclaimed one-time keys the server has for
// this device, as reported in sync responses.
type OTKCount struct {
	Curve25519       int `json:"curve25519,omitempty"`
	SignedCurve25519 int `json:"signed_curve25519,omitempty"`
}
