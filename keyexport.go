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
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"go.mau.fi/util/random"
	"golang.org/x/crypto/pbkdf2"

	"go.mau.fi/e2ee/id"
)

var ErrNoSessionsForExport = errors.New("no sessions provided for export")

const (
	exportPrefix = "-----BEGIN MEGOLM SESSION DATA-----\n"
	exportSuffix = "-----END MEGOLM SESSION DATA-----\n"

	// Version 0x01 is the only version of the export format that exists.
	exportVersion1 = 0x01

	// Armored lines are wrapped at 76 characters like in PEM.
	exportLineLength = 76

	exportPBKDF2Rounds = 100000

	// version byte, 16 byte salt, 16 byte IV, 4 byte round count
	exportHeaderLength = 1 + 16 + 16 + 4
	exportHashLength   = sha256.Size
)

// deriveExportKeys stretches the passphrase into an AES-256 key and an HMAC
// key using PBKDF2-SHA512.
func deriveExportKeys(passphrase string, salt []byte, rounds int) (encryptionKey, hashKey []byte) {
	stretched := pbkdf2.Key([]byte(passphrase), salt, rounds, 64, sha512.New)
	return stretched[:32], stretched[32:]
}

func newExportIV() []byte {
	iv := random.Bytes(16)
	// Bit 63 must be zeroed to avoid overflowing the CTR counter.
	iv[7] &= 0b11111110
	return iv
}

func marshalSessionsForExport(sessions []*InboundGroupSession) (json.RawMessage, error) {
	exported := make([]*ExportedSession, 0, len(sessions))
	for _, sess := range sessions {
		exportedSession, err := sess.export()
		if err != nil {
			return nil, fmt.Errorf("failed to export session %s: %w", sess.ID(), err)
		}
		exported = append(exported, exportedSession)
	}
	return json.Marshal(exported)
}

// armorExport base64-encodes the payload, wraps it to 76-character lines and
// surrounds it with the megolm session data markers.
func armorExport(payload []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(payload)
	var out bytes.Buffer
	out.Grow(len(exportPrefix) + len(encoded) + len(encoded)/exportLineLength + 1 + len(exportSuffix))
	out.WriteString(exportPrefix)
	for len(encoded) > exportLineLength {
		out.WriteString(encoded[:exportLineLength])
		out.WriteByte('\n')
		encoded = encoded[exportLineLength:]
	}
	if len(encoded) > 0 {
		out.WriteString(encoded)
		out.WriteByte('\n')
	}
	out.WriteString(exportSuffix)
	return out.Bytes()
}

// EncryptKeyExport encrypts an already serialized list of exported sessions
// with the given passphrase and wraps the result in the armor format.
//
// The binary layout before armoring is the version byte, the PBKDF2 salt, the
// AES IV, the big-endian round count, the AES-256-CTR encrypted session list
// and finally an HMAC-SHA256 over everything before it.
func EncryptKeyExport(passphrase string, plaintext json.RawMessage) ([]byte, error) {
	salt := random.Bytes(16)
	iv := newExportIV()
	encryptionKey, hashKey := deriveExportKeys(passphrase, salt, exportPBKDF2Rounds)

	payload := make([]byte, exportHeaderLength+len(plaintext)+exportHashLength)
	hashedLength := len(payload) - exportHashLength

	payload[0] = exportVersion1
	copy(payload[1:17], salt)
	copy(payload[17:33], iv)
	binary.BigEndian.PutUint32(payload[33:37], exportPBKDF2Rounds)

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, err
	}
	cipher.NewCTR(block, iv).XORKeyStream(payload[exportHeaderLength:hashedLength], plaintext)

	mac := hmac.New(sha256.New, hashKey)
	mac.Write(payload[:hashedLength])
	mac.Sum(payload[:hashedLength])

	return armorExport(payload), nil
}

// ExportKeys exports the given megolm sessions in the encrypted, armored key
// export format.
func ExportKeys(passphrase string, sessions []*InboundGroupSession) ([]byte, error) {
	if len(sessions) == 0 {
		return nil, ErrNoSessionsForExport
	}
	plaintext, err := marshalSessionsForExport(sessions)
	if err != nil {
		return nil, err
	}
	return EncryptKeyExport(passphrase, plaintext)
}

// ExportRoomKeys exports all the megolm sessions of a single room.
func (mach *OlmMachine) ExportRoomKeys(ctx context.Context, passphrase string, roomID id.RoomID) ([]byte, error) {
	sessions, err := mach.CryptoStore.GetGroupSessionsForRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get group sessions: %w", err)
	}
	return ExportKeys(passphrase, sessions)
}

// ExportAllKeys exports all the megolm sessions in the store.
func (mach *OlmMachine) ExportAllKeys(ctx context.Context, passphrase string) ([]byte, error) {
	sessions, err := mach.CryptoStore.GetAllGroupSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get group sessions: %w", err)
	}
	return ExportKeys(passphrase, sessions)
}
