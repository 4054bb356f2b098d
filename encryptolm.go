// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"context"
	"encoding/json"
	"fmt"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
	"go.mau.fi/e2ee/signatures"
)

func (mach *OlmMachine) encryptOlmEvent(ctx context.Context, olmSess *OlmSession, recipient *id.Device, evtType event.Type, content event.Content) (*event.EncryptedEventContent, error) {
	evt := &DecryptedOlmEvent{
		Sender:        mach.UserID,
		SenderDevice:  mach.DeviceID,
		Keys:          OlmEventKeys{Ed25519: mach.account.SigningKey()},
		Recipient:     recipient.UserID,
		RecipientKeys: OlmEventKeys{Ed25519: recipient.SigningKey},
		Type:          evtType,
		Content:       content,
	}
	plaintext, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal olm payload: %w", err)
	}
	msgType, ciphertext, err := olmSess.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt olm payload: %w", err)
	}
	err = mach.CryptoStore.UpdateSession(ctx, recipient.IdentityKey, olmSess)
	if err != nil {
		mach.machOrContextLog(ctx).Warn().Err(err).Msg("Failed to update olm session in crypto store after encrypting")
	}
	return &event.EncryptedEventContent{
		Algorithm: event.AlgorithmOlmV1,
		SenderKey: mach.account.IdentityKey(),
		OlmCiphertext: event.OlmCiphertext{
			recipient.IdentityKey: {
				Type: msgType,
				Body: string(ciphertext),
			},
		},
	}, nil
}

// createOutboundSessions claims one-time keys for the given devices that
// don't have an olm session yet (or are flagged for unwedging) and creates
// new outbound sessions with them.
func (mach *OlmMachine) createOutboundSessions(ctx context.Context, input map[id.UserID]map[id.DeviceID]*id.Device) error {
	log := mach.machOrContextLog(ctx)
	request := make(OneTimeKeysRequest)
	for userID, devices := range input {
		request[userID] = make(map[id.DeviceID]id.KeyAlgorithm)
		for deviceID, identity := range devices {
			mach.devicesToUnwedgeLock.Lock()
			unwedge := mach.devicesToUnwedge[identity.IdentityKey]
			delete(mach.devicesToUnwedge, identity.IdentityKey)
			mach.devicesToUnwedgeLock.Unlock()
			if unwedge || !mach.CryptoStore.HasSession(ctx, identity.IdentityKey) {
				request[userID][deviceID] = id.KeyAlgorithmSignedCurve25519
			}
		}
		if len(request[userID]) == 0 {
			delete(request, userID)
		}
	}
	if len(request) == 0 {
		return nil
	}
	resp, err := mach.Transport.ClaimKeys(ctx, &ReqClaimKeys{
		OneTimeKeys: request,
		Timeout:     10 * 1000,
	})
	if err != nil {
		return fmt.Errorf("failed to claim keys: %w", err)
	}
	for userID, user := range resp.OneTimeKeys {
		for deviceID, oneTimeKeys := range user {
			var oneTimeKey OneTimeKey
			var keyID id.KeyID
			for keyID, oneTimeKey = range oneTimeKeys {
				break
			}
			keyAlg, _ := keyID.Parse()
			deviceLog := log.With().
				Str("user_id", userID.String()).
				Str("device_id", deviceID.String()).
				Logger()
			if keyAlg != id.KeyAlgorithmSignedCurve25519 {
				deviceLog.Warn().
					Str("key_id", string(keyID)).
					Msg("Unexpected key ID algorithm in one-time key response")
				continue
			}
			identity := input[userID][deviceID]
			if ok, err := signatures.VerifySignatureJSON(oneTimeKey, userID, deviceID.String(), identity.SigningKey); err != nil {
				deviceLog.Error().Err(err).Msg("Failed to verify one-time key signature")
			} else if !ok {
				deviceLog.Warn().Msg("Invalid one-time key signature")
			} else if sess, err := mach.account.NewOutboundSession(identity.IdentityKey, oneTimeKey.Key); err != nil {
				deviceLog.Error().Err(err).Msg("Failed to create outbound olm session")
			} else {
				err = mach.CryptoStore.AddSession(ctx, identity.IdentityKey, sess)
				if err != nil {
					deviceLog.Error().Err(err).Msg("Failed to store created outbound olm session")
				} else {
					deviceLog.Debug().
						Str("olm_session_id", sess.ID().String()).
						Msg("Created new outbound olm session")
				}
			}
		}
	}
	return nil
}

// SendEncryptedToDevice sends an olm-encrypted event to a single device,
// creating a new olm session with it if necessary.
func (mach *OlmMachine) SendEncryptedToDevice(ctx context.Context, device *id.Device, evtType event.Type, content event.Content) error {
	err := mach.createOutboundSessions(ctx, map[id.UserID]map[id.DeviceID]*id.Device{
		device.UserID: {
			device.DeviceID: device,
		},
	})
	if err != nil {
		return err
	}

	mach.olmLock.Lock()
	defer mach.olmLock.Unlock()

	olmSess, err := mach.CryptoStore.GetLatestSession(ctx, device.IdentityKey)
	if err != nil {
		return err
	} else if olmSess == nil {
		return fmt.Errorf("didn't find olm session to encrypt %s event to %s of %s", evtType, device.DeviceID, device.UserID)
	}

	encrypted, err := mach.encryptOlmEvent(ctx, olmSess, device, evtType, content)
	if err != nil {
		return err
	}

	return mach.Transport.SendToDevice(ctx, event.ToDeviceEncrypted, &ReqSendToDevice{
		Messages: map[id.UserID]map[id.DeviceID]*event.Content{
			device.UserID: {
				device.DeviceID: {
					Parsed: encrypted,
				},
			},
		},
	})
}
