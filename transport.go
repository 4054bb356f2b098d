// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"context"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

// ReqUploadKeys is the request to publish device and one-time keys.
type ReqUploadKeys struct {
	DeviceKeys  *DeviceKeys             `json:"device_keys,omitempty"`
	OneTimeKeys map[id.KeyID]OneTimeKey `json:"one_time_keys,omitempty"`
	FallbackKey map[id.KeyID]OneTimeKey `json:"fallback_keys,omitempty"`
}

// RespUploadKeys is the response to uploading keys.
type RespUploadKeys struct {
	OneTimeKeyCounts OTKCount `json:"one_time_key_counts"`
}

// ReqQueryKeys is the request to query device keys of other users.
type ReqQueryKeys struct {
	DeviceKeys map[id.UserID][]id.DeviceID `json:"device_keys"`
	Timeout    int64                       `json:"timeout,omitempty"`
}

// RespQueryKeys is the response to querying device keys.
type RespQueryKeys struct {
	Failures   map[string]any                           `json:"failures,omitempty"`
	DeviceKeys map[id.UserID]map[id.DeviceID]DeviceKeys `json:"device_keys"`
}

// ReqClaimKeys is the request to claim one-time keys of other devices.
type ReqClaimKeys struct {
	OneTimeKeys OneTimeKeysRequest `json:"one_time_keys"`
	Timeout     int64              `json:"timeout,omitempty"`
}

// RespClaimKeys is the response to claiming one-time keys.
type RespClaimKeys struct {
	Failures    map[string]any                                        `json:"failures,omitempty"`
	OneTimeKeys map[id.UserID]map[id.DeviceID]map[id.KeyID]OneTimeKey `json:"one_time_keys"`
}

// ReqSendToDevice is a batch of to-device messages of a single event type.
type ReqSendToDevice struct {
	Messages map[id.UserID]map[id.DeviceID]*event.Content `json:"messages"`
}

// Transport is the delivery and key-directory channel the encryption core
// uses. Retries and backoff are the implementation's concern, the core only
// distinguishes success from failure.
type Transport interface {
	// SendToDevice sends the given to-device messages. Delivery is
	// at-least-once, the core tolerates duplicates.
	SendToDevice(ctx context.Context, eventType event.Type, req *ReqSendToDevice) error
	// UploadKeys publishes device keys and one-time keys to the directory.
	UploadKeys(ctx context.Context, req *ReqUploadKeys) (*RespUploadKeys, error)
	// QueryKeys fetches the current device key blobs of the given users.
	QueryKeys(ctx context.Context, req *ReqQueryKeys) (*RespQueryKeys, error)
	// ClaimKeys claims one one-time key per requested device.
	ClaimKeys(ctx context.Context, req *ReqClaimKeys) (*RespClaimKeys, error)
}

// StateStore provides the room state the encryption core needs for deciding
// how to encrypt. It's implemented by the client layer.
type StateStore interface {
	// IsEncrypted returns whether a room is encrypted.
	IsEncrypted(ctx context.Context, roomID id.RoomID) (bool, error)
	// GetEncryptionEvent returns the encryption event content for an encrypted room.
	GetEncryptionEvent(ctx context.Context, roomID id.RoomID) (*event.EncryptionEventContent, error)
	// FindSharedRooms returns the encrypted rooms that another user is in.
	FindSharedRooms(ctx context.Context, userID id.UserID) ([]id.RoomID, error)
}
