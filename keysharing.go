// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"context"
	"errors"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
	"go.mau.fi/e2ee/olm/session"
)

// KeyShareRejection is the response of an AllowKeyShare callback when the
// key share is rejected. An empty code means rejecting without telling the
// requester anything.
type KeyShareRejection struct {
	Code   event.RoomKeyWithheldCode
	Reason string
}

var (
	// Reject a key request without responding
	KeyShareRejectNoResponse = KeyShareRejection{}

	KeyShareRejectBlacklisted   = KeyShareRejection{event.RoomKeyWithheldBlacklisted, "This device has blacklisted your device"}
	KeyShareRejectUnverified    = KeyShareRejection{event.RoomKeyWithheldUnverified, "This device only shares keys with verified devices"}
	KeyShareRejectOtherUser     = KeyShareRejection{event.RoomKeyWithheldUnauthorized, "This device only shares keys with its own user"}
	KeyShareRejectUnavailable   = KeyShareRejection{event.RoomKeyWithheldUnavailable, "This device does not have the requested session"}
	KeyShareRejectInternalError = KeyShareRejection{event.RoomKeyWithheldUnavailable, "Sharing the requested session failed due to an internal error"}
)

// DefaultAllowKeyShare is the default policy for incoming room key requests:
// requests from other users are rejected, requests from our own verified
// devices are allowed, everything else is rejected as unverified.
func (mach *OlmMachine) DefaultAllowKeyShare(ctx context.Context, device *id.Device, _ event.RequestedKeyInfo) *KeyShareRejection {
	log := mach.machOrContextLog(ctx)
	if mach.UserID != device.UserID {
		log.Debug().Msg("Rejecting key request, requester is a different user")
		return &KeyShareRejectOtherUser
	} else if mach.DeviceID == device.DeviceID {
		log.Debug().Msg("Ignoring key request from ourselves")
		return &KeyShareRejectNoResponse
	} else if device.Trust == id.TrustStateBlacklisted {
		log.Debug().Msg("Rejecting key request, requesting device is blacklisted")
		return &KeyShareRejectBlacklisted
	} else if device.Trust >= id.TrustStateVerified {
		log.Debug().Msg("Allowing key request from verified device")
		return nil
	} else {
		log.Debug().
			Str("device_trust", device.Trust.String()).
			Msg("Rejecting key request, requesting device is not verified")
		return &KeyShareRejectUnverified
	}
}

func (mach *OlmMachine) sendToOneDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID, evtType event.Type, content any) error {
	return mach.Transport.SendToDevice(ctx, evtType, &ReqSendToDevice{
		Messages: map[id.UserID]map[id.DeviceID]*event.Content{
			userID: {
				deviceID: {Parsed: content},
			},
		},
	})
}

func (mach *OlmMachine) rejectKeyRequest(ctx context.Context, rejection KeyShareRejection, device *id.Device, request event.RequestedKeyInfo) {
	if rejection.Code == "" {
		// Don't share keys, but also don't tell the requester.
		return
	}
	content := &event.RoomKeyWithheldEventContent{
		RoomID:    request.RoomID,
		Algorithm: request.Algorithm,
		SessionID: request.SessionID,
		SenderKey: request.SenderKey,
		Code:      rejection.Code,
		Reason:    rejection.Reason,
	}
	err := mach.sendToOneDevice(ctx, device.UserID, device.DeviceID, event.ToDeviceRoomKeyWithheld, content)
	if err != nil {
		mach.machOrContextLog(ctx).Warn().Err(err).
			Str("code", string(rejection.Code)).
			Str("user_id", device.UserID.String()).
			Str("device_id", device.DeviceID.String()).
			Msg("Sending key share rejection failed")
	}
}

func (mach *OlmMachine) handleRoomKeyRequest(ctx context.Context, sender id.UserID, content *event.RoomKeyRequestEventContent) {
	log := zerolog.Ctx(ctx).With().
		Str("request_id", content.RequestID).
		Str("device_id", content.RequestingDeviceID.String()).
		Str("room_id", content.Body.RoomID.String()).
		Str("session_id", content.Body.SessionID.String()).
		Logger()
	ctx = log.WithContext(ctx)
	if content.Action != event.KeyRequestActionRequest {
		return
	} else if content.RequestingDeviceID == mach.DeviceID && sender == mach.UserID {
		log.Debug().Msg("Ignoring key request from ourselves")
		return
	}

	log.Debug().Msg("Handling room key request")

	device, err := mach.GetOrFetchDevice(ctx, sender, content.RequestingDeviceID)
	if err != nil {
		log.Error().Err(err).Msg("Fetching the requesting device failed")
		return
	}

	rejection := mach.AllowKeyShare(ctx, device, content.Body)
	if rejection != nil {
		mach.rejectKeyRequest(ctx, *rejection, device, content.Body)
		return
	}

	igs, err := mach.CryptoStore.GetGroupSession(ctx, content.Body.RoomID, content.Body.SessionID)
	if err != nil {
		if errors.Is(err, ErrGroupSessionWithheld) {
			log.Debug().Err(err).Msg("Requested group session is withheld")
			mach.rejectKeyRequest(ctx, KeyShareRejectUnavailable, device, content.Body)
		} else {
			log.Error().Err(err).Msg("Group session lookup for forwarding failed")
			mach.rejectKeyRequest(ctx, KeyShareRejectInternalError, device, content.Body)
		}
		return
	} else if igs == nil {
		log.Debug().Msg("Requested group session is not in the store")
		mach.rejectKeyRequest(ctx, KeyShareRejectUnavailable, device, content.Body)
		return
	}

	firstKnownIndex := igs.Internal.FirstKnownIndex()
	log = log.With().Uint32("first_known_index", firstKnownIndex).Logger()
	exportedKey, err := igs.Internal.Export(firstKnownIndex)
	if err != nil {
		log.Error().Err(err).Msg("Exporting group session for forwarding failed")
		mach.rejectKeyRequest(ctx, KeyShareRejectInternalError, device, content.Body)
		return
	}

	forwardedRoomKey := event.Content{
		Parsed: &event.ForwardedRoomKeyEventContent{
			RoomKeyEventContent: event.RoomKeyEventContent{
				Algorithm:  event.AlgorithmMegolmV1,
				RoomID:     igs.RoomID,
				SessionID:  igs.ID(),
				SessionKey: string(exportedKey),
			},
			SenderKey:          igs.SenderKey,
			ForwardingKeyChain: igs.ForwardingChains,
			SenderClaimedKey:   igs.SigningKey,
		},
	}

	if err = mach.SendEncryptedToDevice(ctx, device, event.ToDeviceForwardedRoomKey, forwardedRoomKey); err != nil {
		log.Error().Err(err).Msg("Encrypting and sending the forwarded session failed")
	} else {
		log.Debug().Msg("Forwarded group session to requester")
	}
}

// SendRoomKeyRequest sends a key request for the given session to the given
// devices.
//
// The request ID parameter is optional, a random ID is generated if it's
// empty. This function does not wait for the keys to arrive: use
// WaitForSession to wait for the session to arrive in any way, not just as a
// reply to this request.
func (mach *OlmMachine) SendRoomKeyRequest(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID, requestID string, users map[id.UserID][]id.DeviceID) error {
	if len(requestID) == 0 {
		requestID = xid.New().String()
	}
	requestEvent := &event.Content{
		Parsed: &event.RoomKeyRequestEventContent{
			Action: event.KeyRequestActionRequest,
			Body: event.RequestedKeyInfo{
				Algorithm: event.AlgorithmMegolmV1,
				RoomID:    roomID,
				SenderKey: senderKey,
				SessionID: sessionID,
			},
			RequestID:          requestID,
			RequestingDeviceID: mach.DeviceID,
		},
	}

	toDeviceReq := &ReqSendToDevice{
		Messages: make(map[id.UserID]map[id.DeviceID]*event.Content, len(users)),
	}
	for user, devices := range users {
		toDeviceReq.Messages[user] = make(map[id.DeviceID]*event.Content, len(devices))
		for _, device := range devices {
			toDeviceReq.Messages[user][device] = requestEvent
		}
	}
	return mach.Transport.SendToDevice(ctx, event.ToDeviceRoomKeyRequest, toDeviceReq)
}

// RequestRoomKey sends a key request for a session to the given device and
// waits for the response. The returned channel gets true when the key
// arrives, or false when the context is cancelled. Cancellation also sends a
// request cancellation to the target device.
func (mach *OlmMachine) RequestRoomKey(ctx context.Context, toUser id.UserID, toDevice id.DeviceID, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) (chan bool, error) {
	requestID := xid.New().String()
	keyResponseReceived := make(chan struct{})
	mach.roomKeyRequestFilled.Store(sessionID, keyResponseReceived)

	err := mach.SendRoomKeyRequest(ctx, roomID, senderKey, sessionID, requestID, map[id.UserID][]id.DeviceID{toUser: {toDevice}})
	if err != nil {
		mach.roomKeyRequestFilled.Delete(sessionID)
		return nil, err
	}

	log := mach.machOrContextLog(ctx).With().
		Str("session_id", sessionID.String()).
		Str("request_id", requestID).
		Logger()
	resChan := make(chan bool, 1)
	go func() {
		select {
		case <-keyResponseReceived:
			log.Debug().Msg("Requested session arrived")
			resChan <- true
		case <-ctx.Done():
			log.Debug().Err(ctx.Err()).Msg("Giving up on key request, cancelling it")
			resChan <- false
		}

		mach.roomKeyRequestFilled.Delete(sessionID)

		err := mach.sendToOneDevice(mach.backgroundCtx, toUser, toDevice, event.ToDeviceRoomKeyRequest, &event.RoomKeyRequestEventContent{
			Action:             event.KeyRequestActionCancel,
			RequestID:          requestID,
			RequestingDeviceID: mach.DeviceID,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Sending key request cancellation failed")
		}
	}()
	return resChan, nil
}

func (mach *OlmMachine) importForwardedRoomKey(ctx context.Context, evt *DecryptedOlmEvent, content *event.ForwardedRoomKeyEventContent) bool {
	log := zerolog.Ctx(ctx).With().
		Str("session_id", content.SessionID.String()).
		Str("room_id", content.RoomID.String()).
		Logger()
	if content.Algorithm != event.AlgorithmMegolmV1 || evt.Keys.Ed25519 == "" {
		log.Debug().
			Str("algorithm", string(content.Algorithm)).
			Msg("Ignoring forwarded room key with unexpected algorithm or missing keys")
		return false
	}

	igsInternal, err := session.ImportMegolmInboundSession([]byte(content.SessionKey))
	if err != nil {
		log.Error().Err(err).Msg("Importing forwarded group session failed")
		return false
	} else if igsInternal.ID() != content.SessionID {
		log.Warn().
			Str("actual_session_id", igsInternal.ID().String()).
			Msg("Forwarded session key does not match the claimed session ID")
		return false
	}
	config, err := mach.StateStore.GetEncryptionEvent(ctx, content.RoomID)
	if err != nil {
		log.Error().Err(err).Msg("Encryption event lookup failed while importing forwarded key")
	}
	var maxAge time.Duration
	var maxMessages int
	if config != nil {
		maxAge = time.Duration(config.RotationPeriodMillis) * time.Millisecond
		maxMessages = config.RotationPeriodMessages
	}
	if content.MaxAge != 0 {
		maxAge = time.Duration(content.MaxAge) * time.Millisecond
	}
	if content.MaxMessages != 0 {
		maxMessages = content.MaxMessages
	}
	igs := &InboundGroupSession{
		Internal:   *igsInternal,
		SigningKey: content.SenderClaimedKey,
		SenderKey:  content.SenderKey,
		RoomID:     content.RoomID,
		// The olm sender is the last hop of the chain, not the original
		// creator of the session.
		ForwardingChains: append(content.ForwardingKeyChain, evt.SenderKey.String()),
		id:               content.SessionID,

		ReceivedAt:  time.Now().UTC(),
		MaxAge:      maxAge.Milliseconds(),
		MaxMessages: maxMessages,
	}
	if !mach.shouldStoreGroupSession(ctx, igs) {
		log.Debug().Msg("Not storing forwarded room key: an equal or better copy of the session exists already")
		return false
	}
	err = mach.CryptoStore.PutGroupSession(ctx, igs)
	if err != nil {
		log.Error().Err(err).Msg("Storing forwarded group session failed")
		return false
	}
	mach.markSessionReceived(ctx, content.RoomID, content.SessionID, igs.Internal.FirstKnownIndex())
	log.Debug().Msg("Stored forwarded group session")
	return true
}
