// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package helper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/event"
)

func TestNew_RequiresPickleKey(t *testing.T) {
	_, err := New("@alice:example.org", "ALICEDEV", nil, nil, nil, nil, e2ee.NewMemoryStore(nil))
	assert.Error(t, err)
}

func TestNew_RejectsUnknownStoreType(t *testing.T) {
	_, err := New("@alice:example.org", "ALICEDEV", nil, nil, nil, []byte("test"), 42)
	assert.Error(t, err)
}

func TestInit_UnmanagedStore(t *testing.T) {
	helper, err := New("@alice:example.org", "ALICEDEV", nil, nil, nil, []byte("test"), e2ee.NewMemoryStore(nil))
	require.NoError(t, err)
	require.NoError(t, helper.Init(context.TODO()))
	require.NotNil(t, helper.Machine)
	assert.NotEmpty(t, helper.Machine.Account().IdentityKey())
	assert.NoError(t, helper.Close())
}

func TestInit_ManagedSQLiteStore(t *testing.T) {
	helper, err := New("@alice:example.org", "ALICEDEV", nil, nil, nil, []byte("test"), ":memory:?_busy_timeout=5000")
	require.NoError(t, err)
	require.NoError(t, helper.Init(context.TODO()))
	require.NotNil(t, helper.Machine)

	// The account is persisted so a second Init sees the stored device ID.
	require.NoError(t, helper.Machine.CryptoStore.PutAccount(context.TODO(), helper.Machine.Account()))
	store := helper.Machine.CryptoStore.(*e2ee.SQLCryptoStore)
	deviceID, err := store.FindDeviceID(context.TODO())
	require.NoError(t, err)
	assert.EqualValues(t, "ALICEDEV", deviceID)

	assert.NoError(t, helper.Close())
}

func TestEncrypt_RequiresMemberCallback(t *testing.T) {
	helper, err := New("@alice:example.org", "ALICEDEV", nil, nil, nil, []byte("test"), e2ee.NewMemoryStore(nil))
	require.NoError(t, err)
	require.NoError(t, helper.Init(context.TODO()))

	_, err = helper.Encrypt(context.TODO(), "!room:example.org", event.EventMessage, event.Content{
		Parsed: map[string]string{"body": "hi"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, e2ee.ErrNoGroupSession)
}
