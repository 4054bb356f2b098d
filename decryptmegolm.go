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

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

var (
	ErrNoSessionFound        = errors.New("failed to decrypt megolm event: no session with given ID found")
	ErrDuplicateMessageIndex = errors.New("duplicate megolm message index")
	ErrWrongRoom             = errors.New("encrypted megolm event is not intended for this room")
	ErrDeviceKeyMismatch     = errors.New("device keys in event and verified device info do not match")
	ErrMegolmDecryptFailed   = errors.New("failed to decrypt megolm event")
)

const relatesToPath = `m\.relates_to`

// DecryptMegolmEvent decrypts an m.room.encrypted event where the algorithm
// is m.megolm.v1.aes-sha2 and returns the plaintext event.
//
// If the group session is missing, the event is registered as a pending
// decryption failure, a key request is sent out, and the returned error wraps
// ErrNoSessionFound (plus the stored withheld notice if there is one).
func (mach *OlmMachine) DecryptMegolmEvent(ctx context.Context, evt *event.Event) (*event.Event, error) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return nil, ErrIncorrectEncryptedContentType
	} else if content.Algorithm != event.AlgorithmMegolmV1 {
		return nil, ErrUnsupportedAlgorithm
	}
	log := mach.machOrContextLog(ctx).With().
		Str("room_id", evt.RoomID.String()).
		Str("event_id", evt.ID.String()).
		Str("session_id", content.SessionID.String()).
		Logger()
	ctx = log.WithContext(ctx)

	sess, err := mach.CryptoStore.GetGroupSession(ctx, evt.RoomID, content.SessionID)
	if err != nil {
		if isWithheldError(err) {
			mach.registerSessionFailure(ctx, evt, content)
			return nil, fmt.Errorf("%w: %w", ErrNoSessionFound, err)
		}
		return nil, fmt.Errorf("failed to get group session: %w", err)
	} else if sess == nil {
		mach.registerSessionFailure(ctx, evt, content)
		return nil, ErrNoSessionFound
	}

	plaintext, messageIndex, err := sess.Internal.Decrypt(content.MegolmCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMegolmDecryptFailed, err)
	}
	ok, err = mach.CryptoStore.ValidateMessageIndex(ctx, sess.SenderKey, content.SessionID, evt.ID, messageIndex, evt.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to check message index: %w", err)
	} else if !ok {
		return nil, ErrDuplicateMessageIndex
	}

	trustState, err := mach.megolmEventTrustState(ctx, evt, content, sess)
	if err != nil {
		return nil, err
	}

	megolmEvt := &megolmEvent{}
	err = json.Unmarshal(plaintext, megolmEvt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse megolm payload: %w", err)
	} else if megolmEvt.RoomID != evt.RoomID {
		return nil, ErrWrongRoom
	}
	// The relation is stripped before encryption so the server can aggregate
	// it, merge it back into the plaintext content.
	if content.RelatesTo != nil && !gjson.GetBytes(megolmEvt.Content.VeryRaw, relatesToPath).Exists() {
		megolmEvt.Content.VeryRaw, err = sjson.SetRawBytes(megolmEvt.Content.VeryRaw, relatesToPath, content.RelatesTo)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to inject relation into decrypted event content")
		}
	}
	err = megolmEvt.Content.ParseRaw(megolmEvt.Type)
	if err != nil && !errors.Is(err, event.ErrUnknownEventType) {
		return nil, fmt.Errorf("failed to parse content of megolm payload event: %w", err)
	}
	return &event.Event{
		Type:      megolmEvt.Type,
		ID:        evt.ID,
		Sender:    evt.Sender,
		RoomID:    evt.RoomID,
		Timestamp: evt.Timestamp,
		Content:   megolmEvt.Content,
		Unsigned:  evt.Unsigned,
		E2EE: event.E2EEInfo{
			WasEncrypted:  true,
			TrustState:    trustState,
			ForwardedKeys: len(sess.ForwardingChains) > 0,
		},
	}, nil
}

// megolmEventTrustState determines how much the decrypted event can be
// trusted to come from the sender it claims. Messages from our own device are
// always verified, everything else inherits the trust state of the sending
// device if its keys match the session.
func (mach *OlmMachine) megolmEventTrustState(ctx context.Context, evt *event.Event, content *event.EncryptedEventContent, sess *InboundGroupSession) (id.TrustState, error) {
	if content.DeviceID == mach.DeviceID && sess.SigningKey == mach.account.SigningKey() && content.SenderKey == mach.account.IdentityKey() {
		return id.TrustStateVerified, nil
	}
	if len(sess.ForwardingChains) > 0 {
		return id.TrustStateUnset, nil
	}
	device, err := mach.GetOrFetchDevice(ctx, evt.Sender, content.DeviceID)
	if err != nil {
		// The message can still be decrypted, the sender identity just stays
		// unverified.
		mach.machOrContextLog(ctx).Debug().Err(err).
			Str("device_id", content.DeviceID.String()).
			Msg("Failed to get sender device to verify session")
		return id.TrustStateUnset, nil
	}
	if device.SigningKey != sess.SigningKey || (content.SenderKey != "" && device.IdentityKey != content.SenderKey) {
		return id.TrustStateUnset, ErrDeviceKeyMismatch
	}
	return device.Trust, nil
}
