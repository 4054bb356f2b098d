// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"context"
	"database/sql"
	"strconv"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

func getCryptoStores(t *testing.T) map[string]Store {
	rawDB, err := sql.Open("sqlite3", ":memory:?_busy_timeout=5000")
	require.NoError(t, err, "Error opening raw database")
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	require.NoError(t, err, "Error creating database wrapper")
	sqlStore := NewSQLCryptoStore(db, nil, "accid", id.DeviceID("dev"), []byte("test"))
	err = sqlStore.DB.Upgrade(context.TODO())
	require.NoError(t, err, "Error upgrading database")

	return map[string]Store{
		"sql":    sqlStore,
		"memory": NewMemoryStore(nil),
	}
}

func newTestAccount(t *testing.T) *OlmAccount {
	t.Helper()
	acc, err := NewOlmAccount()
	require.NoError(t, err, "Error creating account")
	return acc
}

// newTestOlmSession creates a real outbound olm session between two fresh
// accounts and returns it along with the receiver's identity key.
func newTestOlmSession(t *testing.T) (*OlmSession, id.SenderKey) {
	t.Helper()
	alice := newTestAccount(t)
	bob := newTestAccount(t)
	require.NoError(t, bob.Internal.GenOneTimeKeys(1))
	var oneTimeKey id.Curve25519
	for _, key := range bob.Internal.OneTimeKeys() {
		oneTimeKey = key
	}
	sess, err := alice.NewOutboundSession(bob.IdentityKey(), oneTimeKey)
	require.NoError(t, err, "Error creating outbound olm session")
	return sess, bob.IdentityKey()
}

func newTestGroupSession(t *testing.T, acc *OlmAccount, roomID id.RoomID) *InboundGroupSession {
	t.Helper()
	outbound, err := NewOutboundGroupSession(roomID, nil)
	require.NoError(t, err)
	sessionKey, err := outbound.Internal.Key()
	require.NoError(t, err)
	igs, err := NewInboundGroupSession(acc.IdentityKey(), acc.SigningKey(), roomID, string(sessionKey), 0, 0)
	require.NoError(t, err, "Error creating inbound group session")
	return igs
}

func TestFindDeviceID(t *testing.T) {
	stores := getCryptoStores(t)
	store := stores["sql"].(*SQLCryptoStore)

	deviceID, err := store.FindDeviceID(context.TODO())
	require.NoError(t, err, "Error finding device ID before storing account")
	assert.Empty(t, deviceID)

	err = store.PutAccount(context.TODO(), newTestAccount(t))
	require.NoError(t, err, "Error storing account")
	deviceID, err = store.FindDeviceID(context.TODO())
	require.NoError(t, err, "Error finding device ID")
	assert.Equal(t, id.DeviceID("dev"), deviceID)
}

func TestPutAccount(t *testing.T) {
	stores := getCryptoStores(t)
	for storeName, store := range stores {
		t.Run(storeName, func(t *testing.T) {
			acc := newTestAccount(t)
			acc.Shared = true
			err := store.PutAccount(context.TODO(), acc)
			require.NoError(t, err, "Error storing account")
			retrieved, err := store.GetAccount(context.TODO())
			require.NoError(t, err, "Error retrieving account")
			assert.Equal(t, acc.IdentityKey(), retrieved.IdentityKey(), "Identity key does not match")
			assert.Equal(t, acc.SigningKey(), retrieved.SigningKey(), "Signing key does not match")
			assert.True(t, retrieved.Shared)
		})
	}
}

func TestValidateMessageIndex(t *testing.T) {
	stores := getCryptoStores(t)
	for storeName, store := range stores {
		t.Run(storeName, func(t *testing.T) {
			acc := newTestAccount(t)

			// First message should validate successfully
			ok, err := store.ValidateMessageIndex(context.TODO(), acc.IdentityKey(), "sess1", "event1", 0, 1000)
			require.NoError(t, err, "Error validating message index")
			assert.True(t, ok, "First message validation should be valid")

			// Edit the timestamp and ensure validate fails
			ok, err = store.ValidateMessageIndex(context.TODO(), acc.IdentityKey(), "sess1", "event1", 0, 1001)
			require.NoError(t, err, "Error validating message index after timestamp change")
			assert.False(t, ok, "First message validation should fail after timestamp change")

			// Edit the event ID and ensure validate fails
			ok, err = store.ValidateMessageIndex(context.TODO(), acc.IdentityKey(), "sess1", "event2", 0, 1000)
			require.NoError(t, err, "Error validating message index after event ID change")
			assert.False(t, ok, "First message validation should fail after event ID change")

			// Validate again with the original parameters and ensure that it still passes
			ok, err = store.ValidateMessageIndex(context.TODO(), acc.IdentityKey(), "sess1", "event1", 0, 1000)
			require.NoError(t, err, "Error validating message index")
			assert.True(t, ok, "First message validation should be valid")

			// A different index of the same session is independent
			ok, err = store.ValidateMessageIndex(context.TODO(), acc.IdentityKey(), "sess1", "event3", 1, 2000)
			require.NoError(t, err, "Error validating message index")
			assert.True(t, ok, "Second message validation should be valid")
		})
	}
}

func TestStoreOlmSession(t *testing.T) {
	stores := getCryptoStores(t)
	for storeName, store := range stores {
		t.Run(storeName, func(t *testing.T) {
			olmSess, senderKey := newTestOlmSession(t)
			require.False(t, store.HasSession(context.TODO(), senderKey), "Found olm session before inserting it")

			err := store.AddSession(context.TODO(), senderKey, olmSess)
			require.NoError(t, err, "Error storing olm session")
			assert.True(t, store.HasSession(context.TODO(), senderKey), "Olm session not found after inserting it")

			retrieved, err := store.GetLatestSession(context.TODO(), senderKey)
			require.NoError(t, err, "Error retrieving olm session")
			require.NotNil(t, retrieved)
			assert.Equal(t, olmSess.ID(), retrieved.ID())

			sessions, err := store.GetSessions(context.TODO(), senderKey)
			require.NoError(t, err, "Error retrieving olm session list")
			require.Len(t, sessions, 1)
			assert.Equal(t, olmSess.ID(), sessions[0].ID())

			err = store.DeleteSession(context.TODO(), senderKey, retrieved)
			require.NoError(t, err, "Error deleting olm session")
			assert.False(t, store.HasSession(context.TODO(), senderKey), "Found olm session after deleting it")
		})
	}
}

func TestStoreMegolmSession(t *testing.T) {
	stores := getCryptoStores(t)
	for storeName, store := range stores {
		t.Run(storeName, func(t *testing.T) {
			acc := newTestAccount(t)
			igs := newTestGroupSession(t, acc, "room1")

			err := store.PutGroupSession(context.TODO(), igs)
			require.NoError(t, err, "Error storing inbound group session")

			retrieved, err := store.GetGroupSession(context.TODO(), "room1", igs.ID())
			require.NoError(t, err, "Error retrieving inbound group session")
			require.NotNil(t, retrieved)
			assert.Equal(t, igs.ID(), retrieved.ID())
			assert.Equal(t, igs.SenderKey, retrieved.SenderKey)
			assert.Equal(t, igs.SigningKey, retrieved.SigningKey)
			assert.True(t, retrieved.IsTrusted())

			roomSessions, err := store.GetGroupSessionsForRoom(context.TODO(), "room1")
			require.NoError(t, err, "Error retrieving group sessions for room")
			require.Len(t, roomSessions, 1)

			allSessions, err := store.GetAllGroupSessions(context.TODO())
			require.NoError(t, err, "Error retrieving all group sessions")
			require.Len(t, allSessions, 1)
		})
	}
}

func TestStoreWithheldSession(t *testing.T) {
	stores := getCryptoStores(t)
	for storeName, store := range stores {
		t.Run(storeName, func(t *testing.T) {
			acc := newTestAccount(t)
			igs := newTestGroupSession(t, acc, "room1")
			withheld := event.RoomKeyWithheldEventContent{
				RoomID:    "room1",
				Algorithm: event.AlgorithmMegolmV1,
				SessionID: igs.ID(),
				SenderKey: acc.IdentityKey(),
				Code:      event.RoomKeyWithheldBlacklisted,
				Reason:    "Device is blacklisted",
			}
			err := store.PutWithheldGroupSession(context.TODO(), withheld)
			require.NoError(t, err, "Error storing withheld notice")

			// A second notice for the same session is not an error.
			err = store.PutWithheldGroupSession(context.TODO(), withheld)
			require.NoError(t, err, "Error storing duplicate withheld notice")

			retrievedWithheld, err := store.GetWithheldGroupSession(context.TODO(), "room1", igs.ID())
			require.NoError(t, err, "Error retrieving withheld notice")
			require.NotNil(t, retrievedWithheld)
			assert.Equal(t, event.RoomKeyWithheldBlacklisted, retrievedWithheld.Code)

			// GetGroupSession returns the withheld notice as an error
			sess, err := store.GetGroupSession(context.TODO(), "room1", igs.ID())
			assert.Nil(t, sess)
			require.ErrorIs(t, err, ErrGroupSessionWithheld)
			var content *event.RoomKeyWithheldEventContent
			require.ErrorAs(t, err, &content)
			assert.Equal(t, event.RoomKeyWithheldBlacklisted, content.Code)

			// Storing the actual session clears the withheld notice
			err = store.PutGroupSession(context.TODO(), igs)
			require.NoError(t, err, "Error storing inbound group session")
			sess, err = store.GetGroupSession(context.TODO(), "room1", igs.ID())
			require.NoError(t, err, "Error retrieving group session after storing it")
			assert.NotNil(t, sess)
		})
	}
}

func TestStoreOutboundMegolmSession(t *testing.T) {
	stores := getCryptoStores(t)
	for storeName, store := range stores {
		t.Run(storeName, func(t *testing.T) {
			sess, err := store.GetOutboundGroupSession(context.TODO(), "room1")
			require.NoError(t, err, "Error retrieving outbound session")
			require.Nil(t, sess, "Got outbound session before inserting")

			outbound, err := NewOutboundGroupSession("room1", nil)
			require.NoError(t, err)
			outbound.Shared = true
			err = store.AddOutboundGroupSession(context.TODO(), outbound)
			require.NoError(t, err, "Error inserting outbound session")

			sess, err = store.GetOutboundGroupSession(context.TODO(), "room1")
			require.NoError(t, err, "Error retrieving outbound session")
			require.NotNil(t, sess, "Did not get outbound session after inserting")
			assert.Equal(t, outbound.ID(), sess.ID())
			assert.True(t, sess.Shared)

			err = store.RemoveOutboundGroupSession(context.TODO(), "room1")
			require.NoError(t, err, "Error deleting outbound session")

			sess, err = store.GetOutboundGroupSession(context.TODO(), "room1")
			require.NoError(t, err, "Error retrieving outbound session after deletion")
			assert.Nil(t, sess, "Got outbound session after deleting")
		})
	}
}

func TestStoreDevices(t *testing.T) {
	devicesToCreate := 17
	stores := getCryptoStores(t)
	for storeName, store := range stores {
		t.Run(storeName, func(t *testing.T) {
			devs, err := store.GetDevices(context.TODO(), "user1")
			require.NoError(t, err, "Error getting devices")
			assert.Nil(t, devs, "Expected nil device map for untracked user")

			deviceMap := make(map[id.DeviceID]*id.Device)
			for i := 0; i < devicesToCreate; i++ {
				iStr := strconv.Itoa(i)
				acc := newTestAccount(t)
				deviceMap[id.DeviceID("dev"+iStr)] = &id.Device{
					UserID:      "user1",
					DeviceID:    id.DeviceID("dev" + iStr),
					IdentityKey: acc.IdentityKey(),
					SigningKey:  acc.SigningKey(),
				}
			}
			err = store.PutDevices(context.TODO(), "user1", deviceMap)
			require.NoError(t, err, "Error storing devices")
			devs, err = store.GetDevices(context.TODO(), "user1")
			require.NoError(t, err, "Error getting devices")
			assert.Len(t, devs, devicesToCreate, "Expected to get %d devices back", devicesToCreate)
			assert.Equal(t, deviceMap, devs, "Stored devices do not match retrieved devices")

			device, err := store.GetDevice(context.TODO(), "user1", "dev0")
			require.NoError(t, err, "Error getting single device")
			require.NotNil(t, device)
			assert.Equal(t, deviceMap["dev0"].IdentityKey, device.IdentityKey)

			byKey, err := store.FindDeviceByKey(context.TODO(), "user1", deviceMap["dev1"].IdentityKey)
			require.NoError(t, err, "Error finding device by key")
			require.NotNil(t, byKey)
			assert.Equal(t, id.DeviceID("dev1"), byKey.DeviceID)

			filtered, err := store.FilterTrackedUsers(context.TODO(), []id.UserID{"user0", "user1", "user2"})
			require.NoError(t, err, "Error filtering tracked users")
			assert.Equal(t, []id.UserID{"user1"}, filtered, "Expected to get 'user1' from filter")

			outdated, err := store.GetOutdatedTrackedUsers(context.TODO())
			require.NoError(t, err, "Error filtering tracked users")
			assert.Empty(t, outdated, "Expected no outdated tracked users after initial storage")

			err = store.MarkTrackedUsersOutdated(context.TODO(), []id.UserID{"user0", "user1"})
			require.NoError(t, err, "Error marking tracked users outdated")

			outdated, err = store.GetOutdatedTrackedUsers(context.TODO())
			require.NoError(t, err, "Error filtering tracked users")
			assert.Equal(t, []id.UserID{"user1"}, outdated, "Expected 'user1' to be marked as outdated")

			err = store.PutDevices(context.TODO(), "user1", deviceMap)
			require.NoError(t, err, "Error storing devices again")

			outdated, err = store.GetOutdatedTrackedUsers(context.TODO())
			require.NoError(t, err, "Error filtering tracked users")
			assert.Empty(t, outdated, "Expected no outdated tracked users after re-storing devices")
		})
	}
}

func TestStoreOlmHashes(t *testing.T) {
	stores := getCryptoStores(t)
	for storeName, store := range stores {
		t.Run(storeName, func(t *testing.T) {
			var hash [32]byte
			copy(hash[:], "this is a fake olm message hash.")
			receivedAt, err := store.GetOlmHash(context.TODO(), hash)
			require.NoError(t, err, "Error getting unknown olm hash")
			assert.True(t, receivedAt.IsZero(), "Expected zero time for unknown hash")

			now := time.Now().UTC().Truncate(time.Millisecond)
			err = store.PutOlmHash(context.TODO(), hash, now)
			require.NoError(t, err, "Error storing olm hash")

			receivedAt, err = store.GetOlmHash(context.TODO(), hash)
			require.NoError(t, err, "Error getting olm hash")
			assert.True(t, now.Equal(receivedAt), "Expected stored receive time %s, got %s", now, receivedAt)

			err = store.DeleteOldOlmHashes(context.TODO(), now.Add(time.Minute))
			require.NoError(t, err, "Error deleting old olm hashes")
			receivedAt, err = store.GetOlmHash(context.TODO(), hash)
			require.NoError(t, err, "Error getting olm hash after deletion")
			assert.True(t, receivedAt.IsZero(), "Expected hash to be deleted")
		})
	}
}
