// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

var (
	ErrIncorrectEncryptedContentType = errors.New("event content is not instance of *event.EncryptedEventContent")
	ErrNoGroupSession                = errors.New("no group session created")
)

// UnknownDeviceError is returned by ShareGroupSession when
// ErrorOnUnknownDevices is enabled and some recipient devices haven't been
// marked as known. The caller must mark the listed devices as known,
// verified or blacklisted and retry.
type UnknownDeviceError struct {
	Devices map[id.UserID][]id.DeviceID
}

func (ude *UnknownDeviceError) Error() string {
	deviceCount := 0
	for _, devices := range ude.Devices {
		deviceCount += len(devices)
	}
	return fmt.Sprintf("%d unknown devices of %d users in room", deviceCount, len(ude.Devices))
}

// megolmEvent is the plaintext payload of a megolm-encrypted room event. The
// room ID is embedded so that decryption can reject cross-room replays.
type megolmEvent struct {
	RoomID  id.RoomID     `json:"room_id"`
	Type    event.Type    `json:"type"`
	Content event.Content `json:"content"`
}

// EncryptMegolmEvent encrypts data with the m.megolm.v1.aes-sha2 algorithm
// for the given room. The group session must have been shared with
// ShareGroupSession first.
func (mach *OlmMachine) EncryptMegolmEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, content event.Content) (*event.EncryptedEventContent, error) {
	mach.megolmEncryptLock.Lock()
	defer mach.megolmEncryptLock.Unlock()
	session, err := mach.CryptoStore.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get outbound group session: %w", err)
	} else if session == nil {
		return nil, ErrNoGroupSession
	}
	plaintext, err := json.Marshal(&megolmEvent{
		RoomID:  roomID,
		Type:    evtType,
		Content: content,
	})
	if err != nil {
		return nil, err
	}
	ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	err = mach.CryptoStore.UpdateOutboundGroupSession(ctx, session)
	if err != nil {
		mach.machOrContextLog(ctx).Warn().Err(err).Msg("Failed to update outbound group session in crypto store")
	}
	return &event.EncryptedEventContent{
		Algorithm:        event.AlgorithmMegolmV1,
		SenderKey:        mach.account.IdentityKey(),
		DeviceID:         mach.DeviceID,
		SessionID:        session.ID(),
		MegolmCiphertext: ciphertext,
	}, nil
}

func (mach *OlmMachine) newOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*OutboundGroupSession, error) {
	encryptionContent, err := mach.StateStore.GetEncryptionEvent(ctx, roomID)
	if err != nil {
		mach.machOrContextLog(ctx).Warn().Err(err).
			Str("room_id", roomID.String()).
			Msg("Failed to get encryption event, using default rotation settings")
	}
	session, err := NewOutboundGroupSession(roomID, encryptionContent)
	if err != nil {
		return nil, fmt.Errorf("failed to create outbound group session: %w", err)
	}
	// Store our own inbound copy so we can decrypt our own messages.
	sessionKey, err := session.Internal.Key()
	if err != nil {
		return nil, fmt.Errorf("failed to export new group session key: %w", err)
	}
	mach.createGroupSession(
		ctx, mach.account.IdentityKey(), mach.account.SigningKey(),
		roomID, session.ID(), string(sessionKey),
		session.MaxAge, session.MaxMessages,
	)
	return session, nil
}

// sessionNeedsRotation returns whether a device that previously received the
// session is no longer eligible, which requires rotating the session to stop
// it from decrypting future messages.
func (mach *OlmMachine) sessionNeedsRotation(ctx context.Context, session *OutboundGroupSession) bool {
	for userKey, state := range session.Users {
		if state != OGSAlreadyShared {
			continue
		}
		device, err := mach.CryptoStore.GetDevice(ctx, userKey.UserID, userKey.DeviceID)
		if err != nil {
			mach.machOrContextLog(ctx).Warn().Err(err).
				Str("user_id", userKey.UserID.String()).
				Str("device_id", userKey.DeviceID.String()).
				Msg("Failed to get previously shared device for rotation check")
			continue
		}
		if device == nil || device.Deleted || device.Trust == id.TrustStateBlacklisted || device.Trust < mach.SendKeysMinTrust {
			return true
		}
	}
	return false
}

// ShareGroupSession makes sure the current outbound group session of the room
// is distributed to all eligible devices of the given users. A new session is
// created if there is none, the existing one has expired, or a previously
// shared device has since become ineligible.
func (mach *OlmMachine) ShareGroupSession(ctx context.Context, roomID id.RoomID, users []id.UserID) error {
	mach.megolmEncryptLock.Lock()
	defer mach.megolmEncryptLock.Unlock()

	log := mach.machOrContextLog(ctx).With().
		Str("room_id", roomID.String()).
		Logger()
	ctx = log.WithContext(ctx)

	session, err := mach.CryptoStore.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to get previous outbound group session: %w", err)
	}
	if session != nil {
		if session.Expired() {
			log.Debug().Str("session_id", session.ID().String()).Msg("Outbound group session has expired, rotating")
			session = nil
		} else if mach.sessionNeedsRotation(ctx, session) {
			log.Debug().Str("session_id", session.ID().String()).Msg("Previously shared device is no longer eligible, rotating group session")
			session = nil
		}
	}
	if session == nil {
		session, err = mach.newOutboundGroupSession(ctx, roomID)
		if err != nil {
			return err
		}
	}
	log = log.With().Str("session_id", session.ID().String()).Logger()
	ctx = log.WithContext(ctx)

	deviceLists := make(map[id.UserID]map[id.DeviceID]*id.Device)
	var fetchUsers []id.UserID
	for _, userID := range users {
		devices, err := mach.CryptoStore.GetDevices(ctx, userID)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID.String()).Msg("Failed to get devices of user")
		} else if devices == nil {
			log.Debug().Str("user_id", userID.String()).Msg("User's device list is not tracked, fetching keys")
			fetchUsers = append(fetchUsers, userID)
		} else {
			deviceLists[userID] = devices
		}
	}
	if len(fetchUsers) > 0 {
		for userID, devices := range mach.FetchKeys(ctx, fetchUsers, true) {
			deviceLists[userID] = devices
		}
	}

	if mach.ErrorOnUnknownDevices {
		unknown := make(map[id.UserID][]id.DeviceID)
		for userID, devices := range deviceLists {
			for deviceID, device := range devices {
				if userID == mach.UserID && deviceID == mach.DeviceID {
					continue
				}
				if device.Trust == id.TrustStateUnset {
					unknown[userID] = append(unknown[userID], deviceID)
				}
			}
		}
		if len(unknown) > 0 {
			return &UnknownDeviceError{Devices: unknown}
		}
	}

	toDevice := &ReqSendToDevice{Messages: make(map[id.UserID]map[id.DeviceID]*event.Content)}
	withheld := &ReqSendToDevice{Messages: make(map[id.UserID]map[id.DeviceID]*event.Content)}
	missingSessions := make(map[id.UserID]map[id.DeviceID]*id.Device)

	for userID, devices := range deviceLists {
		toDevice.Messages[userID], missingSessions[userID] = mach.encryptGroupSessionForUser(ctx, session, userID, devices, withheld)
	}

	err = mach.createOutboundSessions(ctx, missingSessions)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create missing outbound olm sessions")
	}

	for userID, devices := range missingSessions {
		msgs, stillMissing := mach.encryptGroupSessionForUser(ctx, session, userID, devices, withheld)
		for deviceID, content := range msgs {
			if toDevice.Messages[userID] == nil {
				toDevice.Messages[userID] = make(map[id.DeviceID]*event.Content)
			}
			toDevice.Messages[userID][deviceID] = content
		}
		for deviceID, device := range stillMissing {
			// There's no olm channel to this device even after claiming keys,
			// tell it why it won't get the session.
			log.Warn().
				Str("user_id", userID.String()).
				Str("device_id", deviceID.String()).
				Msg("Didn't get one-time key for device, sending m.no_olm withheld notice")
			mach.queueWithheld(withheld, session, device, event.RoomKeyWithheldNoOlmSession, "Unable to establish a secure channel.")
			session.Users[device.UserDeviceKey()] = OGSIgnored
		}
	}

	err = mach.sendNonEmptyToDevice(ctx, event.ToDeviceEncrypted, toDevice)
	if err != nil {
		return fmt.Errorf("failed to share group session: %w", err)
	}
	err = mach.sendNonEmptyToDevice(ctx, event.ToDeviceRoomKeyWithheld, withheld)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to send withheld notices")
	}

	log.Debug().Msg("Group session successfully shared")
	session.Shared = true
	return mach.CryptoStore.AddOutboundGroupSession(ctx, session)
}

func (mach *OlmMachine) sendNonEmptyToDevice(ctx context.Context, evtType event.Type, req *ReqSendToDevice) error {
	for userID, messages := range req.Messages {
		if len(messages) == 0 {
			delete(req.Messages, userID)
		}
	}
	if len(req.Messages) == 0 {
		return nil
	}
	return mach.Transport.SendToDevice(ctx, evtType, req)
}

func (mach *OlmMachine) queueWithheld(req *ReqSendToDevice, session *OutboundGroupSession, device *id.Device, code event.RoomKeyWithheldCode, reason string) {
	if req.Messages[device.UserID] == nil {
		req.Messages[device.UserID] = make(map[id.DeviceID]*event.Content)
	}
	req.Messages[device.UserID][device.DeviceID] = &event.Content{Parsed: &event.RoomKeyWithheldEventContent{
		RoomID:    session.RoomID,
		Algorithm: event.AlgorithmMegolmV1,
		SessionID: session.ID(),
		SenderKey: mach.account.IdentityKey(),
		Code:      code,
		Reason:    reason,
	}}
}

func (mach *OlmMachine) encryptGroupSessionForUser(ctx context.Context, session *OutboundGroupSession, userID id.UserID, devices map[id.DeviceID]*id.Device, withheld *ReqSendToDevice) (map[id.DeviceID]*event.Content, map[id.DeviceID]*id.Device) {
	log := zerolog.Ctx(ctx)
	toDeviceMessages := make(map[id.DeviceID]*event.Content)
	missingSessions := make(map[id.DeviceID]*id.Device)

	for deviceID, device := range devices {
		userKey := device.UserDeviceKey()
		if userID == mach.UserID && deviceID == mach.DeviceID {
			session.Users[userKey] = OGSIgnored
		} else if device.Trust == id.TrustStateBlacklisted {
			if session.Users[userKey] == OGSNotShared {
				log.Debug().
					Str("user_id", userID.String()).
					Str("device_id", deviceID.String()).
					Msg("Not sharing group session to blacklisted device")
				mach.queueWithheld(withheld, session, device, event.RoomKeyWithheldBlacklisted, "Device is blacklisted.")
				session.Users[userKey] = OGSIgnored
			}
		} else if device.Trust < mach.SendKeysMinTrust {
			if session.Users[userKey] == OGSNotShared {
				log.Debug().
					Str("user_id", userID.String()).
					Str("device_id", deviceID.String()).
					Str("trust_state", device.Trust.String()).
					Msg("Not sharing group session to unverified device")
				mach.queueWithheld(withheld, session, device, event.RoomKeyWithheldUnverified, "This message was sent when we were not verified.")
				session.Users[userKey] = OGSIgnored
			}
		}

		if state := session.Users[userKey]; state != OGSNotShared {
			continue
		}

		deviceSession, err := mach.CryptoStore.GetLatestSession(ctx, device.IdentityKey)
		if err != nil {
			log.Error().Err(err).
				Str("user_id", userID.String()).
				Str("device_id", deviceID.String()).
				Msg("Failed to get olm session for device")
		} else if deviceSession == nil {
			missingSessions[deviceID] = device
		} else {
			shareContent, err := session.ShareContent()
			if err != nil {
				log.Error().Err(err).Msg("Failed to export group session key for sharing")
				continue
			}
			content, err := mach.encryptOlmEvent(ctx, deviceSession, device, event.ToDeviceRoomKey, event.Content{Parsed: shareContent})
			if err != nil {
				log.Error().Err(err).
					Str("user_id", userID.String()).
					Str("device_id", deviceID.String()).
					Msg("Failed to encrypt group session for device")
				continue
			}
			toDeviceMessages[deviceID] = &event.Content{Parsed: content}
			session.Users[userKey] = OGSAlreadyShared
		}
	}

	return toDeviceMessages, missingSessions
}
