// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/e2ee/id"
)

func newExportTestMachine(t *testing.T) *OlmMachine {
	t.Helper()
	log := zerolog.Nop()
	mach := NewOlmMachine("@alice:example.org", "ALICEDEV", nil, &log, NewMemoryStore(nil), nil)
	require.NoError(t, mach.Load(context.TODO()))
	return mach
}

func addExportTestSession(t *testing.T, mach *OlmMachine, roomID id.RoomID) *InboundGroupSession {
	t.Helper()
	igs := newTestGroupSession(t, mach.Account(), roomID)
	require.NoError(t, mach.CryptoStore.PutGroupSession(context.TODO(), igs))
	return igs
}

func TestExportKeys_Empty(t *testing.T) {
	mach := newExportTestMachine(t)
	_, err := mach.ExportAllKeys(context.TODO(), "hunter2")
	assert.ErrorIs(t, err, ErrNoSessionsForExport)
}

func TestExportImportKeys_Roundtrip(t *testing.T) {
	source := newExportTestMachine(t)
	sess1 := addExportTestSession(t, source, "!room1:example.org")
	sess2 := addExportTestSession(t, source, "!room2:example.org")

	export, err := source.ExportAllKeys(context.TODO(), "hunter2")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(export, []byte(exportPrefix)))
	assert.True(t, bytes.HasSuffix(export, []byte(exportSuffix)))
	for _, line := range bytes.Split(export, []byte{'\n'}) {
		assert.LessOrEqual(t, len(line), exportLineLength)
	}

	target := newExportTestMachine(t)
	imported, total, err := target.ImportKeys(context.TODO(), "hunter2", export)
	require.NoError(t, err)
	assert.Equal(t, 2, imported)
	assert.Equal(t, 2, total)

	for _, sess := range []*InboundGroupSession{sess1, sess2} {
		retrieved, err := target.CryptoStore.GetGroupSession(context.TODO(), sess.RoomID, sess.ID())
		require.NoError(t, err)
		require.NotNil(t, retrieved, "session %s missing after import", sess.ID())
		assert.Equal(t, sess.SenderKey, retrieved.SenderKey)
		assert.Equal(t, sess.SigningKey, retrieved.SigningKey)
		// Imported sessions never count as trusted.
		assert.False(t, retrieved.IsTrusted())
	}

	// Importing the same file again is a no-op.
	imported, total, err = target.ImportKeys(context.TODO(), "hunter2", export)
	require.NoError(t, err)
	assert.Equal(t, 0, imported)
	assert.Equal(t, 2, total)
}

func TestExportRoomKeys_SingleRoom(t *testing.T) {
	source := newExportTestMachine(t)
	addExportTestSession(t, source, "!room1:example.org")
	addExportTestSession(t, source, "!room2:example.org")

	export, err := source.ExportRoomKeys(context.TODO(), "hunter2", "!room1:example.org")
	require.NoError(t, err)

	target := newExportTestMachine(t)
	imported, total, err := target.ImportKeys(context.TODO(), "hunter2", export)
	require.NoError(t, err)
	assert.Equal(t, 1, imported)
	assert.Equal(t, 1, total)
}

func TestImportKeys_WrongPassphrase(t *testing.T) {
	source := newExportTestMachine(t)
	addExportTestSession(t, source, "!room1:example.org")

	export, err := source.ExportAllKeys(context.TODO(), "hunter2")
	require.NoError(t, err)

	target := newExportTestMachine(t)
	_, _, err = target.ImportKeys(context.TODO(), "hunter3", export)
	assert.ErrorIs(t, err, ErrMismatchingExportHash)
}

func TestImportKeys_InvalidData(t *testing.T) {
	mach := newExportTestMachine(t)

	_, _, err := mach.ImportKeys(context.TODO(), "hunter2", []byte("not a key export"))
	assert.ErrorIs(t, err, ErrMissingExportPrefix)

	_, _, err = mach.ImportKeys(context.TODO(), "hunter2", []byte(exportPrefix+"dGVzdA==\n"))
	assert.ErrorIs(t, err, ErrMissingExportSuffix)

	_, _, err = mach.ImportKeys(context.TODO(), "hunter2", []byte(exportPrefix+"dGVzdA==\n"+exportSuffix))
	assert.ErrorIs(t, err, ErrUnsupportedExportVersion)
}
