// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/olm/session"
)

var (
	ErrMissingExportPrefix          = errors.New("invalid key export: missing prefix")
	ErrMissingExportSuffix          = errors.New("invalid key export: missing suffix")
	ErrUnsupportedExportVersion     = errors.New("unsupported key export format version")
	ErrMismatchingExportHash        = errors.New("mismatching hash; incorrect passphrase?")
	ErrInvalidExportedAlgorithm     = errors.New("session has unknown algorithm")
	ErrMismatchingExportedSessionID = errors.New("imported session has different ID than expected")
)

// unarmorExport strips the megolm session data markers and base64-decodes the
// payload between them.
func unarmorExport(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(exportPrefix)) {
		return nil, ErrMissingExportPrefix
	}
	if !bytes.HasSuffix(data, []byte(exportSuffix)) {
		return nil, ErrMissingExportSuffix
	}
	encoded := data[len(exportPrefix) : len(data)-len(exportSuffix)]
	encoded = bytes.ReplaceAll(encoded, []byte{'\n'}, nil)
	payload := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(payload, encoded)
	if err != nil {
		return nil, err
	}
	return payload[:n], nil
}

func decryptKeyExport(passphrase string, payload []byte) ([]ExportedSession, error) {
	if len(payload) < exportHeaderLength+exportHashLength || payload[0] != exportVersion1 {
		return nil, ErrUnsupportedExportVersion
	}
	hashedLength := len(payload) - exportHashLength

	salt := payload[1:17]
	iv := payload[17:33]
	rounds := binary.BigEndian.Uint32(payload[33:37])
	encryptionKey, hashKey := deriveExportKeys(passphrase, salt, int(rounds))

	// A wrong passphrase produces a wrong HMAC key, so a mismatch here
	// usually means the passphrase was incorrect rather than corruption.
	mac := hmac.New(sha256.New, hashKey)
	mac.Write(payload[:hashedLength])
	if !hmac.Equal(payload[hashedLength:], mac.Sum(nil)) {
		return nil, ErrMismatchingExportHash
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, hashedLength-exportHeaderLength)
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, payload[exportHeaderLength:hashedLength])

	var sessions []ExportedSession
	if err = json.Unmarshal(plaintext, &sessions); err != nil {
		return nil, fmt.Errorf("invalid export json: %w", err)
	}
	return sessions, nil
}

func (mach *OlmMachine) importExportedRoomKey(ctx context.Context, exported ExportedSession) (bool, error) {
	if exported.Algorithm != event.AlgorithmMegolmV1 {
		return false, ErrInvalidExportedAlgorithm
	}

	igsInternal, err := session.ImportMegolmInboundSession([]byte(exported.SessionKey))
	if err != nil {
		return false, fmt.Errorf("failed to import session: %w", err)
	} else if igsInternal.ID() != exported.SessionID {
		return false, ErrMismatchingExportedSessionID
	}
	igs := &InboundGroupSession{
		Internal:         *igsInternal,
		SigningKey:       exported.SenderClaimedKeys.Ed25519,
		SenderKey:        exported.SenderKey,
		RoomID:           exported.RoomID,
		ForwardingChains: exported.ForwardingChains,

		ReceivedAt: time.Now().UTC(),
	}
	if !mach.shouldStoreGroupSession(ctx, igs) {
		// The stored copy is trusted or already covers at least as much of
		// the ratchet, don't override it.
		return false, nil
	}
	err = mach.CryptoStore.PutGroupSession(ctx, igs)
	if err != nil {
		return false, fmt.Errorf("failed to store imported session: %w", err)
	}
	mach.markSessionReceived(ctx, igs.RoomID, igs.ID(), igs.Internal.FirstKnownIndex())
	return true, nil
}

// ImportKeys imports megolm sessions from an encrypted key export. It returns
// the number of sessions that were imported and the total number of sessions
// in the export.
func (mach *OlmMachine) ImportKeys(ctx context.Context, passphrase string, data []byte) (int, int, error) {
	payload, err := unarmorExport(data)
	if err != nil {
		return 0, 0, err
	}
	sessions, err := decryptKeyExport(passphrase, payload)
	if err != nil {
		return 0, 0, err
	}

	count := 0
	for _, exported := range sessions {
		log := mach.machOrContextLog(ctx).With().
			Str("room_id", exported.RoomID.String()).
			Str("session_id", exported.SessionID.String()).
			Logger()
		imported, err := mach.importExportedRoomKey(ctx, exported)
		if err != nil {
			if ctx.Err() != nil {
				return count, len(sessions), ctx.Err()
			}
			log.Error().Err(err).Msg("Failed to import megolm session from export")
		} else if imported {
			log.Debug().Msg("Imported megolm session from export")
			count++
		} else {
			log.Debug().Msg("Skipped megolm session which is already in the store")
		}
	}
	return count, len(sessions), nil
}
