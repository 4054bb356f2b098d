// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

var (
	ErrUnsupportedAlgorithm                = errors.New("unsupported event encryption algorithm")
	ErrNotEncryptedForMe                   = errors.New("olm event doesn't contain ciphertext for this device")
	ErrUnsupportedOlmMessageType           = errors.New("unsupported olm message type")
	ErrDecryptionFailedWithMatchingSession = errors.New("decryption failed with matching session")
	ErrDecryptionFailedForNormalMessage    = errors.New("decryption failed for normal message")
	ErrSenderMismatch                      = errors.New("mismatched sender in olm payload")
	ErrRecipientMismatch                   = errors.New("mismatched recipient in olm payload")
	ErrRecipientKeyMismatch                = errors.New("mismatched recipient key in olm payload")
	ErrDuplicateMessage                    = errors.New("duplicate olm message")
)

// DecryptedOlmEvent represents an event that was decrypted from an event
// encrypted with the m.olm.v1.curve25519-aes-sha2 algorithm.
type DecryptedOlmEvent struct {
	Source *event.Event `json:"-"`

	SenderKey id.SenderKey `json:"-"`

	Sender        id.UserID    `json:"sender"`
	SenderDevice  id.DeviceID  `json:"sender_device"`
	Keys          OlmEventKeys `json:"keys"`
	Recipient     id.UserID    `json:"recipient"`
	RecipientKeys OlmEventKeys `json:"recipient_keys"`

	Type    event.Type    `json:"type"`
	Content event.Content `json:"content"`
}

// OlmEventKeys is the keys object embedded in the olm payload, carrying the
// sender's claimed ed25519 signing key.
type OlmEventKeys struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}

func (mach *OlmMachine) decryptOlmEvent(ctx context.Context, evt *event.Event) (*DecryptedOlmEvent, error) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return nil, ErrIncorrectEncryptedContentType
	} else if content.Algorithm != event.AlgorithmOlmV1 {
		return nil, ErrUnsupportedAlgorithm
	}
	ownContent, ok := content.OlmCiphertext[mach.account.IdentityKey()]
	if !ok {
		return nil, ErrNotEncryptedForMe
	}
	decrypted, err := mach.decryptAndParseOlmCiphertext(ctx, evt, content.SenderKey, ownContent.Type, ownContent.Body)
	if err != nil {
		return nil, err
	}
	decrypted.Source = evt
	return decrypted, nil
}

func (mach *OlmMachine) decryptAndParseOlmCiphertext(ctx context.Context, evt *event.Event, senderKey id.SenderKey, olmType id.OlmMsgType, ciphertext string) (*DecryptedOlmEvent, error) {
	if olmType != id.OlmMsgTypePreKey && olmType != id.OlmMsgTypeMsg {
		return nil, ErrUnsupportedOlmMessageType
	}

	log := mach.machOrContextLog(ctx).With().
		Str("sender_key", senderKey.String()).
		Int("olm_msg_type", int(olmType)).
		Logger()
	ctx = log.WithContext(ctx)
	plaintext, err := mach.tryDecryptOlmCiphertext(ctx, evt.Sender, senderKey, olmType, ciphertext)
	if err != nil {
		return nil, err
	}

	var olmEvt DecryptedOlmEvent
	err = json.Unmarshal(plaintext, &olmEvt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse olm payload: %w", err)
	}
	// The embedded identity fields must match what the outer event claims,
	// otherwise the ciphertext may have been substituted.
	if evt.Sender != olmEvt.Sender {
		return nil, ErrSenderMismatch
	} else if mach.UserID != olmEvt.Recipient {
		return nil, ErrRecipientMismatch
	} else if mach.account.SigningKey() != olmEvt.RecipientKeys.Ed25519 {
		return nil, ErrRecipientKeyMismatch
	}

	if len(olmEvt.Content.VeryRaw) > 0 {
		err = olmEvt.Content.ParseRaw(olmEvt.Type)
		if err != nil && !errors.Is(err, event.ErrUnknownEventType) {
			return nil, fmt.Errorf("failed to parse content of olm payload event: %w", err)
		}
	}

	olmEvt.SenderKey = senderKey

	return &olmEvt, nil
}

func olmMessageHash(ciphertext string) ([32]byte, error) {
	ciphertextBytes, err := base64.RawStdEncoding.DecodeString(ciphertext)
	return sha256.Sum256(ciphertextBytes), err
}

func (mach *OlmMachine) tryDecryptOlmCiphertext(ctx context.Context, sender id.UserID, senderKey id.SenderKey, olmType id.OlmMsgType, ciphertext string) ([]byte, error) {
	ciphertextHash, err := olmMessageHash(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to hash olm ciphertext: %w", err)
	}

	log := *zerolog.Ctx(ctx)
	mach.olmLock.Lock()
	defer mach.olmLock.Unlock()

	duplicateTS, err := mach.CryptoStore.GetOlmHash(ctx, ciphertextHash)
	if err != nil {
		log.Warn().Err(err).Msg("Olm message hash lookup failed")
	} else if !duplicateTS.IsZero() {
		log.Warn().
			Hex("ciphertext_hash", ciphertextHash[:]).
			Time("first_seen_at", duplicateTS).
			Msg("Dropping olm message that was already decrypted earlier")
		return nil, ErrDuplicateMessage
	}

	plaintext, err := mach.tryDecryptOlmCiphertextWithExistingSession(ctx, senderKey, olmType, ciphertext, ciphertextHash)
	if err != nil {
		if errors.Is(err, ErrDecryptionFailedWithMatchingSession) {
			log.Warn().Msg("The session that created this message can't decrypt it anymore")
			go mach.unwedgeDevice(log, sender, senderKey)
		}
		return nil, fmt.Errorf("failed to decrypt olm event: %w", err)
	} else if plaintext != nil {
		return plaintext, nil
	}

	// No existing session could decrypt the message. A new inbound session
	// can only be built from a pre-key message.
	if olmType != id.OlmMsgTypePreKey {
		go mach.unwedgeDevice(log, sender, senderKey)
		return nil, ErrDecryptionFailedForNormalMessage
	}

	log.Trace().Msg("Creating inbound session from pre-key message")
	session, err := mach.createInboundSession(ctx, senderKey, ciphertext)
	if err != nil {
		go mach.unwedgeDevice(log, sender, senderKey)
		return nil, fmt.Errorf("failed to create new session from prekey message: %w", err)
	}
	log = log.With().Str("new_olm_session_id", session.ID().String()).Logger()
	log.Debug().
		Str("olm_session_description", session.Describe()).
		Msg("Inbound olm session created")
	ctx = log.WithContext(ctx)

	plaintext, err = session.Decrypt(ciphertext, olmType)
	if err != nil {
		go mach.unwedgeDevice(log, sender, senderKey)
		return nil, fmt.Errorf("failed to decrypt olm event with session created from prekey message: %w", err)
	}

	if err = mach.CryptoStore.PutOlmHash(ctx, ciphertextHash, time.Now()); err != nil {
		log.Warn().Err(err).Msg("Saving olm message hash failed")
	}
	if err = mach.CryptoStore.UpdateSession(ctx, senderKey, session); err != nil {
		log.Warn().Err(err).Msg("Saving new olm session failed")
	}
	return plaintext, nil
}

// MaxOlmSessionsPerDevice is the maximum number of olm sessions kept per
// sender key. Older sessions are pruned when the limit is exceeded.
const MaxOlmSessionsPerDevice = 5

func (mach *OlmMachine) tryDecryptOlmCiphertextWithExistingSession(
	ctx context.Context, senderKey id.SenderKey, olmType id.OlmMsgType, ciphertext string, ciphertextHash [32]byte,
) ([]byte, error) {
	log := *zerolog.Ctx(ctx)
	sessions, err := mach.CryptoStore.GetSessions(ctx, senderKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get session for %s: %w", senderKey, err)
	}
	if len(sessions) > MaxOlmSessionsPerDevice*2 {
		// The slice should come back in recency order, but re-sort to be safe
		// before pruning from the tail.
		slices.SortFunc(sessions, func(a, b *OlmSession) int {
			return b.LastDecryptedTime.Compare(a.LastDecryptedTime)
		})
		log.Warn().
			Int("session_count", len(sessions)).
			Time("newest_last_decrypted_at", sessions[0].LastDecryptedTime).
			Time("oldest_last_decrypted_at", sessions[len(sessions)-1].LastDecryptedTime).
			Msg("Pruning excess olm sessions for sender key")
		for _, old := range sessions[MaxOlmSessionsPerDevice:] {
			err = mach.CryptoStore.DeleteSession(ctx, senderKey, old)
			if err != nil {
				log.Warn().Err(err).
					Str("olm_session_id", old.ID().String()).
					Time("last_decrypt", old.LastDecryptedTime).
					Msg("Pruning olm session failed")
			} else {
				log.Debug().
					Str("olm_session_id", old.ID().String()).
					Time("last_decrypt", old.LastDecryptedTime).
					Msg("Pruned olm session")
			}
		}
		sessions = sessions[:MaxOlmSessionsPerDevice]
	}

	for _, sess := range sessions {
		log := log.With().Str("olm_session_id", sess.ID().String()).Logger()
		ctx := log.WithContext(ctx)
		if olmType == id.OlmMsgTypePreKey {
			matches, err := sess.Internal.MatchesInboundSessionFrom(nil, []byte(ciphertext))
			if err != nil {
				return nil, fmt.Errorf("failed to check if ciphertext matches inbound session: %w", err)
			} else if !matches {
				continue
			}
		}
		plaintext, err := sess.Decrypt(ciphertext, olmType)
		if err != nil {
			log.Warn().Err(err).
				Hex("ciphertext_hash", ciphertextHash[:]).
				Str("session_description", sess.Describe()).
				Msg("Olm decryption failed")
			// A pre-key message that matched this session should have been
			// decryptable, so the session is wedged.
			if olmType == id.OlmMsgTypePreKey {
				return nil, ErrDecryptionFailedWithMatchingSession
			}
		} else {
			if err = mach.CryptoStore.PutOlmHash(ctx, ciphertextHash, time.Now()); err != nil {
				log.Warn().Err(err).Msg("Saving olm message hash failed")
			}
			if err = mach.CryptoStore.UpdateSession(ctx, senderKey, sess); err != nil {
				log.Warn().Err(err).Msg("Saving ratcheted olm session failed")
			}
			log.Debug().
				Hex("ciphertext_hash", ciphertextHash[:]).
				Str("session_description", sess.Describe()).
				Msg("Olm message decrypted")
			return plaintext, nil
		}
	}
	return nil, nil
}

func (mach *OlmMachine) createInboundSession(ctx context.Context, senderKey id.SenderKey, ciphertext string) (*OlmSession, error) {
	session, err := mach.account.NewInboundSessionFrom(&senderKey, ciphertext)
	if err != nil {
		return nil, err
	}
	mach.saveAccount(ctx)
	err = mach.CryptoStore.AddSession(ctx, senderKey, session)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Storing new inbound olm session failed")
	}
	return session, nil
}

// MinUnwedgeInterval is the minimum interval between two attempts to recreate
// a wedged olm session with the same device.
const MinUnwedgeInterval = 1 * time.Hour

func (mach *OlmMachine) unwedgeDevice(log zerolog.Logger, sender id.UserID, senderKey id.SenderKey) {
	log = log.With().Str("action", "unwedge olm session").Logger()
	ctx := log.WithContext(mach.backgroundCtx)
	mach.recentlyUnwedgedLock.Lock()
	prevUnwedge, ok := mach.recentlyUnwedged[senderKey]
	delta := time.Since(prevUnwedge)
	if ok && delta < MinUnwedgeInterval {
		log.Debug().
			Str("previous_recreation", delta.String()).
			Msg("Skipping unwedge, session was recreated recently")
		mach.recentlyUnwedgedLock.Unlock()
		return
	}
	mach.recentlyUnwedged[senderKey] = time.Now()
	mach.recentlyUnwedgedLock.Unlock()

	lastCreatedAt, err := mach.CryptoStore.GetNewestSessionCreationTS(ctx, senderKey)
	if err != nil {
		log.Warn().Err(err).Msg("Newest session creation timestamp lookup failed")
		return
	} else if time.Since(lastCreatedAt) < MinUnwedgeInterval {
		log.Debug().
			Time("last_created_at", lastCreatedAt).
			Msg("Skipping unwedge, session was recreated recently")
		return
	}

	deviceIdentity, err := mach.GetOrFetchDeviceByKey(ctx, sender, senderKey)
	if err != nil {
		log.Error().Err(err).Msg("Device lookup by identity key failed")
		return
	} else if deviceIdentity == nil {
		log.Warn().Msg("No device found for sender key, can't unwedge")
		return
	}

	log.Debug().
		Time("last_created", lastCreatedAt).
		Str("device_id", deviceIdentity.DeviceID.String()).
		Msg("Recreating olm session with dummy event")
	mach.devicesToUnwedgeLock.Lock()
	mach.devicesToUnwedge[senderKey] = true
	mach.devicesToUnwedgeLock.Unlock()
	err = mach.SendEncryptedToDevice(ctx, deviceIdentity, event.ToDeviceDummy, event.Content{
		Parsed: &event.DummyEventContent{},
	})
	if err != nil {
		log.Error().Err(err).Msg("Sending dummy event to unwedge session failed")
	}
}
