// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package event contains the event model consumed and produced by the
// encryption core. Only the event types relevant to encryption are defined,
// the rest of the event zoo lives in the client layer.
package event

// Type is the type identifier of an event, e.g. m.room.encrypted.
type Type string

func (et Type) String() string {
	return string(et)
}

// Room events.
const (
	EventEncrypted  Type = "m.room.encrypted"
	EventMessage    Type = "m.room.message"
	EventEncryption Type = "m.room.encryption"
	EventMember     Type = "m.room.member"
)

// To-device events.
const (
	ToDeviceRoomKey          Type = "m.room_key"
	ToDeviceForwardedRoomKey Type = "m.forwarded_room_key"
	ToDeviceRoomKeyRequest   Type = "m.room_key_request"
	ToDeviceRoomKeyWithheld  Type = "m.room_key.withheld"
	ToDeviceEncrypted        Type = "m.room.encrypted"
	ToDeviceDummy            Type = "m.dummy"
)
