// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/json"
	"errors"

	"go.mau.fi/e2ee/id"
)

// Event represents a single room or to-device event. The outer sync envelope
// is assumed to have been decoded by the client layer already.
type Event struct {
	Type      Type       `json:"type"`
	ID        id.EventID `json:"event_id,omitempty"`
	Sender    id.UserID  `json:"sender"`
	RoomID    id.RoomID  `json:"room_id,omitempty"`
	StateKey  *string    `json:"state_key,omitempty"`
	Timestamp int64      `json:"origin_server_ts,omitempty"`
	Content   Content    `json:"content"`
	Unsigned  Unsigned   `json:"unsigned,omitempty"`

	E2EE E2EEInfo `json:"-"`
}

// E2EEInfo contains metadata the encryption layer attaches to events it has
// decrypted. It is never serialized.
type E2EEInfo struct {
	WasEncrypted  bool
	TrustState    id.TrustState
	ForwardedKeys bool
}

// GetStateKey returns the state key of the event, or an empty string if the
// event is not a state event.
func (evt *Event) GetStateKey() string {
	if evt.StateKey != nil {
		return *evt.StateKey
	}
	return ""
}

// Unsigned contains the server-added metadata the encryption core uses.
type Unsigned struct {
	PrevContent *Content `json:"prev_content,omitempty"`
}

// Content stores the content of an event as both the raw JSON and, after
// ParseRaw, a typed struct.
type Content struct {
	VeryRaw json.RawMessage
	Parsed  any
}

var ErrContentAlreadyParsed = errors.New("content is already parsed")
var ErrUnknownEventType = errors.New("unknown event type")

func (content *Content) UnmarshalJSON(data []byte) error {
	content.VeryRaw = make(json.RawMessage, len(data))
	copy(content.VeryRaw, data)
	return nil
}

func (content Content) MarshalJSON() ([]byte, error) {
	if content.Parsed != nil {
		return json.Marshal(content.Parsed)
	} else if content.VeryRaw != nil {
		return content.VeryRaw, nil
	}
	return []byte("{}"), nil
}

// ParseRaw unmarshals the raw content into the struct matching the given
// event type and stores it in Parsed.
func (content *Content) ParseRaw(evtType Type) error {
	if content.Parsed != nil {
		return ErrContentAlreadyParsed
	}
	switch evtType {
	case EventEncrypted:
		content.Parsed = &EncryptedEventContent{}
	case EventEncryption:
		content.Parsed = &EncryptionEventContent{}
	case ToDeviceRoomKey:
		content.Parsed = &RoomKeyEventContent{}
	case ToDeviceForwardedRoomKey:
		content.Parsed = &ForwardedRoomKeyEventContent{}
	case ToDeviceRoomKeyRequest:
		content.Parsed = &RoomKeyRequestEventContent{}
	case ToDeviceRoomKeyWithheld:
		content.Parsed = &RoomKeyWithheldEventContent{}
	case EventMember:
		content.Parsed = &MemberEventContent{}
	case ToDeviceDummy:
		content.Parsed = &DummyEventContent{}
	default:
		return ErrUnknownEventType
	}
	return json.Unmarshal(content.VeryRaw, content.Parsed)
}

// Helpers to cast the parsed content. They return nil if the content wasn't
// parsed or is of a different type.

func (content *Content) AsEncrypted() *EncryptedEventContent {
	casted, _ := content.Parsed.(*EncryptedEventContent)
	return casted
}

func (content *Content) AsRoomKey() *RoomKeyEventContent {
	casted, _ := content.Parsed.(*RoomKeyEventContent)
	return casted
}

func (content *Content) AsForwardedRoomKey() *ForwardedRoomKeyEventContent {
	casted, _ := content.Parsed.(*ForwardedRoomKeyEventContent)
	return casted
}

func (content *Content) AsRoomKeyRequest() *RoomKeyRequestEventContent {
	casted, _ := content.Parsed.(*RoomKeyRequestEventContent)
	return casted
}

func (content *Content) AsRoomKeyWithheld() *RoomKeyWithheldEventContent {
	casted, _ := content.Parsed.(*RoomKeyWithheldEventContent)
	return casted
}

func (content *Content) AsMember() *MemberEventContent {
	casted, _ := content.Parsed.(*MemberEventContent)
	return casted
}
