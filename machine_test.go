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
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

type mockStateStore struct {
	rooms map[id.RoomID][]id.UserID
}

func (store *mockStateStore) IsEncrypted(_ context.Context, _ id.RoomID) (bool, error) {
	return true, nil
}

func (store *mockStateStore) GetEncryptionEvent(_ context.Context, _ id.RoomID) (*event.EncryptionEventContent, error) {
	return &event.EncryptionEventContent{
		Algorithm:              event.AlgorithmMegolmV1,
		RotationPeriodMessages: 100,
	}, nil
}

func (store *mockStateStore) FindSharedRooms(_ context.Context, userID id.UserID) ([]id.RoomID, error) {
	var rooms []id.RoomID
	for roomID, members := range store.rooms {
		if slices.Contains(members, userID) {
			rooms = append(rooms, roomID)
		}
	}
	return rooms, nil
}

type queuedToDevice struct {
	sender  id.UserID
	evtType event.Type
	content json.RawMessage
}

// mockServer implements a tiny in-memory homeserver: a key directory, a
// one-time key pool and to-device message queues for a set of machines.
type mockServer struct {
	lock sync.Mutex

	stateStore  *mockStateStore
	machines    map[id.UserID]map[id.DeviceID]*OlmMachine
	deviceKeys  map[id.UserID]map[id.DeviceID]DeviceKeys
	oneTimeKeys map[id.UserID]map[id.DeviceID]map[id.KeyID]OneTimeKey
	queues      map[id.UserID]map[id.DeviceID][]queuedToDevice
}

func newMockServer() *mockServer {
	return &mockServer{
		stateStore:  &mockStateStore{rooms: make(map[id.RoomID][]id.UserID)},
		machines:    make(map[id.UserID]map[id.DeviceID]*OlmMachine),
		deviceKeys:  make(map[id.UserID]map[id.DeviceID]DeviceKeys),
		oneTimeKeys: make(map[id.UserID]map[id.DeviceID]map[id.KeyID]OneTimeKey),
		queues:      make(map[id.UserID]map[id.DeviceID][]queuedToDevice),
	}
}

func (ms *mockServer) addMachine(t *testing.T, userID id.UserID, deviceID id.DeviceID) *OlmMachine {
	t.Helper()
	log := zerolog.Nop()
	mach := NewOlmMachine(userID, deviceID, &mockTransport{server: ms, userID: userID}, &log, NewMemoryStore(nil), ms.stateStore)
	require.NoError(t, mach.Load(context.TODO()))
	require.NoError(t, mach.ShareKeys(context.TODO(), 0))
	ms.lock.Lock()
	if ms.machines[userID] == nil {
		ms.machines[userID] = make(map[id.DeviceID]*OlmMachine)
	}
	ms.machines[userID][deviceID] = mach
	ms.lock.Unlock()
	return mach
}

// flush delivers queued to-device messages until all queues are empty,
// including messages queued while handling earlier ones.
func (ms *mockServer) flush(t *testing.T) {
	t.Helper()
	for {
		ms.lock.Lock()
		queues := ms.queues
		ms.queues = make(map[id.UserID]map[id.DeviceID][]queuedToDevice)
		ms.lock.Unlock()
		if len(queues) == 0 {
			return
		}
		for userID, devices := range queues {
			for deviceID, msgs := range devices {
				mach := ms.machines[userID][deviceID]
				if mach == nil {
					continue
				}
				for _, msg := range msgs {
					evt := &event.Event{
						Type:    msg.evtType,
						Sender:  msg.sender,
						Content: event.Content{VeryRaw: msg.content},
					}
					err := evt.Content.ParseRaw(msg.evtType)
					if err != nil && !errors.Is(err, event.ErrUnknownEventType) {
						t.Fatalf("failed to parse %s to-device event: %v", msg.evtType, err)
					}
					mach.HandleToDeviceEvent(context.TODO(), evt)
				}
			}
		}
	}
}

func (ms *mockServer) enqueue(userID id.UserID, deviceID id.DeviceID, msg queuedToDevice) {
	if deviceID == "*" {
		for targetDevice := range ms.machines[userID] {
			ms.enqueue(userID, targetDevice, msg)
		}
		return
	}
	if ms.queues[userID] == nil {
		ms.queues[userID] = make(map[id.DeviceID][]queuedToDevice)
	}
	ms.queues[userID][deviceID] = append(ms.queues[userID][deviceID], msg)
}

type mockTransport struct {
	server *mockServer
	userID id.UserID
}

var _ Transport = (*mockTransport)(nil)

func (mt *mockTransport) SendToDevice(_ context.Context, evtType event.Type, req *ReqSendToDevice) error {
	mt.server.lock.Lock()
	defer mt.server.lock.Unlock()
	for userID, devices := range req.Messages {
		for deviceID, content := range devices {
			raw, err := json.Marshal(content)
			if err != nil {
				return err
			}
			mt.server.enqueue(userID, deviceID, queuedToDevice{
				sender:  mt.userID,
				evtType: evtType,
				content: raw,
			})
		}
	}
	return nil
}

func (mt *mockTransport) UploadKeys(_ context.Context, req *ReqUploadKeys) (*RespUploadKeys, error) {
	mt.server.lock.Lock()
	defer mt.server.lock.Unlock()
	if req.DeviceKeys != nil {
		if mt.server.deviceKeys[req.DeviceKeys.UserID] == nil {
			mt.server.deviceKeys[req.DeviceKeys.UserID] = make(map[id.DeviceID]DeviceKeys)
		}
		mt.server.deviceKeys[req.DeviceKeys.UserID][req.DeviceKeys.DeviceID] = *req.DeviceKeys
	}
	var deviceID id.DeviceID
	if req.DeviceKeys != nil {
		deviceID = req.DeviceKeys.DeviceID
	} else {
		// One-time key top-ups don't include the device keys, find the
		// uploader by user ID instead.
		for knownDevice := range mt.server.deviceKeys[mt.userID] {
			deviceID = knownDevice
		}
	}
	if mt.server.oneTimeKeys[mt.userID] == nil {
		mt.server.oneTimeKeys[mt.userID] = make(map[id.DeviceID]map[id.KeyID]OneTimeKey)
	}
	if mt.server.oneTimeKeys[mt.userID][deviceID] == nil {
		mt.server.oneTimeKeys[mt.userID][deviceID] = make(map[id.KeyID]OneTimeKey)
	}
	for keyID, key := range req.OneTimeKeys {
		mt.server.oneTimeKeys[mt.userID][deviceID][keyID] = key
	}
	return &RespUploadKeys{OneTimeKeyCounts: OTKCount{
		SignedCurve25519: len(mt.server.oneTimeKeys[mt.userID][deviceID]),
	}}, nil
}

func (mt *mockTransport) QueryKeys(_ context.Context, req *ReqQueryKeys) (*RespQueryKeys, error) {
	mt.server.lock.Lock()
	defer mt.server.lock.Unlock()
	resp := &RespQueryKeys{DeviceKeys: make(map[id.UserID]map[id.DeviceID]DeviceKeys)}
	for userID := range req.DeviceKeys {
		devices, ok := mt.server.deviceKeys[userID]
		if !ok {
			continue
		}
		resp.DeviceKeys[userID] = make(map[id.DeviceID]DeviceKeys, len(devices))
		for deviceID, keys := range devices {
			resp.DeviceKeys[userID][deviceID] = keys
		}
	}
	return resp, nil
}

func (mt *mockTransport) ClaimKeys(_ context.Context, req *ReqClaimKeys) (*RespClaimKeys, error) {
	mt.server.lock.Lock()
	defer mt.server.lock.Unlock()
	resp := &RespClaimKeys{OneTimeKeys: make(map[id.UserID]map[id.DeviceID]map[id.KeyID]OneTimeKey)}
	for userID, devices := range req.OneTimeKeys {
		resp.OneTimeKeys[userID] = make(map[id.DeviceID]map[id.KeyID]OneTimeKey)
		for deviceID := range devices {
			pool := mt.server.oneTimeKeys[userID][deviceID]
			for keyID, key := range pool {
				resp.OneTimeKeys[userID][deviceID] = map[id.KeyID]OneTimeKey{keyID: key}
				delete(pool, keyID)
				break
			}
		}
	}
	return resp, nil
}

const testRoomID = id.RoomID("!test:example.org")

func setupAliceAndBob(t *testing.T) (*mockServer, *OlmMachine, *OlmMachine) {
	t.Helper()
	server := newMockServer()
	alice := server.addMachine(t, "@alice:example.org", "ALICEDEV")
	bob := server.addMachine(t, "@bob:example.org", "BOBDEV")
	server.stateStore.rooms[testRoomID] = []id.UserID{alice.UserID, bob.UserID}
	return server, alice, bob
}

func encryptTestMessage(t *testing.T, mach *OlmMachine, eventID id.EventID, body string) *event.Event {
	t.Helper()
	content, err := mach.EncryptMegolmEvent(context.TODO(), testRoomID, event.EventMessage, event.Content{
		Parsed: map[string]string{"msgtype": "m.text", "body": body},
	})
	require.NoError(t, err)
	return &event.Event{
		Type:      event.EventEncrypted,
		ID:        eventID,
		Sender:    mach.UserID,
		RoomID:    testRoomID,
		Timestamp: time.Now().UnixMilli(),
		Content:   event.Content{Parsed: content},
	}
}

func TestShareKeys(t *testing.T) {
	server := newMockServer()
	alice := server.addMachine(t, "@alice:example.org", "ALICEDEV")

	keys, ok := server.deviceKeys[alice.UserID]["ALICEDEV"]
	require.True(t, ok, "device keys should have been uploaded")
	assert.Equal(t, string(alice.Account().IdentityKey()), keys.Keys[id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, "ALICEDEV")])
	assert.Equal(t, string(alice.Account().SigningKey()), keys.Keys[id.NewDeviceKeyID(id.KeyAlgorithmEd25519, "ALICEDEV")])
	assert.NotEmpty(t, server.oneTimeKeys[alice.UserID]["ALICEDEV"], "one-time keys should have been uploaded")
	assert.True(t, alice.Account().Shared)
}

func TestEncryptMegolmEvent_NoSession(t *testing.T) {
	server := newMockServer()
	alice := server.addMachine(t, "@alice:example.org", "ALICEDEV")

	_, err := alice.EncryptMegolmEvent(context.TODO(), testRoomID, event.EventMessage, event.Content{
		Parsed: map[string]string{"body": "no session yet"},
	})
	assert.ErrorIs(t, err, ErrNoGroupSession)
}

func TestGroupSessionSharingAndDecryption(t *testing.T) {
	server, alice, bob := setupAliceAndBob(t)

	err := alice.ShareGroupSession(context.TODO(), testRoomID, []id.UserID{alice.UserID, bob.UserID})
	require.NoError(t, err)
	server.flush(t)

	evt := encryptTestMessage(t, alice, "$event1", "42")

	decrypted, err := bob.DecryptMegolmEvent(context.TODO(), evt)
	require.NoError(t, err)
	assert.Equal(t, event.EventMessage, decrypted.Type)
	assert.Equal(t, alice.UserID, decrypted.Sender)
	assert.Equal(t, "42", gjson.GetBytes(decrypted.Content.VeryRaw, "body").Str)
	assert.True(t, decrypted.E2EE.WasEncrypted)
	assert.False(t, decrypted.E2EE.ForwardedKeys)

	// The sender keeps an inbound copy of its own session.
	ownDecrypted, err := alice.DecryptMegolmEvent(context.TODO(), evt)
	require.NoError(t, err)
	assert.Equal(t, "42", gjson.GetBytes(ownDecrypted.Content.VeryRaw, "body").Str)
	assert.Equal(t, id.TrustStateVerified, ownDecrypted.E2EE.TrustState)
}

func TestDecryptMegolmEvent_Replay(t *testing.T) {
	server, alice, bob := setupAliceAndBob(t)

	require.NoError(t, alice.ShareGroupSession(context.TODO(), testRoomID, []id.UserID{alice.UserID, bob.UserID}))
	server.flush(t)
	evt := encryptTestMessage(t, alice, "$event1", "original")

	_, err := bob.DecryptMegolmEvent(context.TODO(), evt)
	require.NoError(t, err)

	// Same event decrypted again is fine, it's the same event ID and timestamp.
	_, err = bob.DecryptMegolmEvent(context.TODO(), evt)
	require.NoError(t, err)

	// The same ciphertext under a different event ID is a replay.
	replay := *evt
	replay.ID = "$replayed"
	_, err = bob.DecryptMegolmEvent(context.TODO(), &replay)
	assert.ErrorIs(t, err, ErrDuplicateMessageIndex)
}

func TestDecryptMegolmEvent_WrongRoom(t *testing.T) {
	server, alice, bob := setupAliceAndBob(t)

	require.NoError(t, alice.ShareGroupSession(context.TODO(), testRoomID, []id.UserID{alice.UserID, bob.UserID}))
	server.flush(t)
	evt := encryptTestMessage(t, alice, "$event1", "hello")
	evt.RoomID = "!other:example.org"

	// The session is only known under the original room ID.
	_, err := bob.DecryptMegolmEvent(context.TODO(), evt)
	assert.ErrorIs(t, err, ErrNoSessionFound)
}

func TestShareGroupSession_SharedIncrementally(t *testing.T) {
	server, alice, bob := setupAliceAndBob(t)
	users := []id.UserID{alice.UserID, bob.UserID}

	require.NoError(t, alice.ShareGroupSession(context.TODO(), testRoomID, users))
	server.flush(t)
	firstSession, err := alice.CryptoStore.GetOutboundGroupSession(context.TODO(), testRoomID)
	require.NoError(t, err)
	require.NotNil(t, firstSession)

	// Sharing again without any membership or trust changes reuses the session.
	require.NoError(t, alice.ShareGroupSession(context.TODO(), testRoomID, users))
	secondSession, err := alice.CryptoStore.GetOutboundGroupSession(context.TODO(), testRoomID)
	require.NoError(t, err)
	assert.Equal(t, firstSession.ID(), secondSession.ID())
}

func TestShareGroupSession_RotatesWhenDeviceBlacklisted(t *testing.T) {
	server, alice, bob := setupAliceAndBob(t)
	users := []id.UserID{alice.UserID, bob.UserID}

	require.NoError(t, alice.ShareGroupSession(context.TODO(), testRoomID, users))
	server.flush(t)
	firstSession, err := alice.CryptoStore.GetOutboundGroupSession(context.TODO(), testRoomID)
	require.NoError(t, err)

	require.NoError(t, alice.SetDeviceTrust(context.TODO(), bob.UserID, bob.DeviceID, id.TrustStateBlacklisted))
	require.NoError(t, alice.ShareGroupSession(context.TODO(), testRoomID, users))
	server.flush(t)
	rotatedSession, err := alice.CryptoStore.GetOutboundGroupSession(context.TODO(), testRoomID)
	require.NoError(t, err)
	assert.NotEqual(t, firstSession.ID(), rotatedSession.ID(), "session should have been rotated after blacklisting")

	// Bob can't decrypt messages sent with the rotated session, but he gets a
	// withheld notice explaining why.
	evt := encryptTestMessage(t, alice, "$blocked", "secret")
	_, err = bob.DecryptMegolmEvent(context.TODO(), evt)
	assert.ErrorIs(t, err, ErrNoSessionFound)
	var withheld *event.RoomKeyWithheldEventContent
	require.ErrorAs(t, err, &withheld)
	assert.Equal(t, event.RoomKeyWithheldBlacklisted, withheld.Code)
}

func TestShareGroupSession_WithheldThenKey(t *testing.T) {
	server, alice, bob := setupAliceAndBob(t)
	users := []id.UserID{alice.UserID, bob.UserID}

	require.NoError(t, alice.SetDeviceTrust(context.TODO(), bob.UserID, bob.DeviceID, id.TrustStateBlacklisted))
	require.NoError(t, alice.ShareGroupSession(context.TODO(), testRoomID, users))
	server.flush(t)

	evt := encryptTestMessage(t, alice, "$event1", "blocked")
	_, err := bob.DecryptMegolmEvent(context.TODO(), evt)
	var withheld *event.RoomKeyWithheldEventContent
	require.ErrorAs(t, err, &withheld)
	assert.Equal(t, event.RoomKeyWithheldBlacklisted, withheld.Code)

	// After unblacklisting and invalidating the session, the next share gives
	// bob the new key, which overrides the old withheld notice for it.
	require.NoError(t, alice.SetDeviceTrust(context.TODO(), bob.UserID, bob.DeviceID, id.TrustStateUnset))
	require.NoError(t, alice.CryptoStore.RemoveOutboundGroupSession(context.TODO(), testRoomID))
	require.NoError(t, alice.ShareGroupSession(context.TODO(), testRoomID, users))
	server.flush(t)

	evt = encryptTestMessage(t, alice, "$event2", "welcome back")
	decrypted, err := bob.DecryptMegolmEvent(context.TODO(), evt)
	require.NoError(t, err)
	assert.Equal(t, "welcome back", gjson.GetBytes(decrypted.Content.VeryRaw, "body").Str)
}

func TestShareGroupSession_UnverifiedWithheld(t *testing.T) {
	server, alice, bob := setupAliceAndBob(t)
	alice.SendKeysMinTrust = id.TrustStateVerified

	require.NoError(t, alice.ShareGroupSession(context.TODO(), testRoomID, []id.UserID{alice.UserID, bob.UserID}))
	server.flush(t)

	evt := encryptTestMessage(t, alice, "$event1", "for verified eyes only")
	_, err := bob.DecryptMegolmEvent(context.TODO(), evt)
	var withheld *event.RoomKeyWithheldEventContent
	require.ErrorAs(t, err, &withheld)
	assert.Equal(t, event.RoomKeyWithheldUnverified, withheld.Code)
}

func TestShareGroupSession_UnknownDevices(t *testing.T) {
	server, alice, bob := setupAliceAndBob(t)
	alice.ErrorOnUnknownDevices = true
	users := []id.UserID{alice.UserID, bob.UserID}

	err := alice.ShareGroupSession(context.TODO(), testRoomID, users)
	var unknownErr *UnknownDeviceError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, map[id.UserID][]id.DeviceID{bob.UserID: {bob.DeviceID}}, unknownErr.Devices)

	// Marking the device as known is enough to retry.
	require.NoError(t, alice.SetDeviceTrust(context.TODO(), bob.UserID, bob.DeviceID, id.TrustStateKnown))
	require.NoError(t, alice.ShareGroupSession(context.TODO(), testRoomID, users))
	server.flush(t)

	evt := encryptTestMessage(t, alice, "$event1", "hi")
	_, err = bob.DecryptMegolmEvent(context.TODO(), evt)
	require.NoError(t, err)
}

func TestHandleMemberEvent_InvalidatesSession(t *testing.T) {
	server, alice, bob := setupAliceAndBob(t)
	users := []id.UserID{alice.UserID, bob.UserID}

	require.NoError(t, alice.ShareGroupSession(context.TODO(), testRoomID, users))
	server.flush(t)
	firstSession, err := alice.CryptoStore.GetOutboundGroupSession(context.TODO(), testRoomID)
	require.NoError(t, err)
	require.NotNil(t, firstSession)

	stateKey := bob.UserID.String()
	prevContent := event.Content{VeryRaw: json.RawMessage(`{"membership":"join"}`)}
	alice.HandleMemberEvent(context.TODO(), &event.Event{
		Type:     event.EventMember,
		RoomID:   testRoomID,
		Sender:   bob.UserID,
		StateKey: &stateKey,
		Content:  event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipLeave}},
		Unsigned: event.Unsigned{PrevContent: &prevContent},
	})

	session, err := alice.CryptoStore.GetOutboundGroupSession(context.TODO(), testRoomID)
	require.NoError(t, err)
	assert.Nil(t, session, "outbound session should be invalidated on membership change")
}

func TestOnDevicesChanged_InvalidatesSharedRoomSessions(t *testing.T) {
	server, alice, bob := setupAliceAndBob(t)

	require.NoError(t, alice.ShareGroupSession(context.TODO(), testRoomID, []id.UserID{alice.UserID, bob.UserID}))
	server.flush(t)

	alice.OnDevicesChanged(context.TODO(), bob.UserID)
	session, err := alice.CryptoStore.GetOutboundGroupSession(context.TODO(), testRoomID)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestSendEncryptedToDevice(t *testing.T) {
	server, alice, bob := setupAliceAndBob(t)

	device, err := alice.GetOrFetchDevice(context.TODO(), bob.UserID, bob.DeviceID)
	require.NoError(t, err)

	err = alice.SendEncryptedToDevice(context.TODO(), device, event.ToDeviceDummy, event.Content{
		Parsed: &event.DummyEventContent{},
	})
	require.NoError(t, err)
	server.flush(t)

	// Bob decrypted the prekey message, so he now has an olm session with alice.
	assert.True(t, bob.CryptoStore.HasSession(context.TODO(), alice.Account().IdentityKey()))
}

func TestWaitForSession(t *testing.T) {
	server, alice, bob := setupAliceAndBob(t)

	sessionArrived := make(chan bool, 1)
	go func() {
		sessionArrived <- bob.WaitForSession(context.TODO(), testRoomID, waitForOutboundSessionID(t, alice), 5*time.Second)
	}()

	require.NoError(t, alice.ShareGroupSession(context.TODO(), testRoomID, []id.UserID{alice.UserID, bob.UserID}))
	server.flush(t)

	select {
	case ok := <-sessionArrived:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for WaitForSession")
	}

	assert.False(t, bob.WaitForSession(context.TODO(), testRoomID, "unknown session", 10*time.Millisecond))
}

// waitForOutboundSessionID blocks until alice has created her outbound group
// session and returns its ID.
func waitForOutboundSessionID(t *testing.T, alice *OlmMachine) id.SessionID {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		session, err := alice.CryptoStore.GetOutboundGroupSession(context.TODO(), testRoomID)
		require.NoError(t, err)
		if session != nil {
			return session.ID()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for outbound group session")
	return ""
}

func TestShouldStoreGroupSession(t *testing.T) {
	log := zerolog.Nop()
	mach := NewOlmMachine("@alice:example.org", "ALICEDEV", nil, &log, NewMemoryStore(nil), nil)
	require.NoError(t, mach.Load(context.TODO()))

	outbound, err := NewOutboundGroupSession(testRoomID, nil)
	require.NoError(t, err)
	sessionKey, err := outbound.Internal.Key()
	require.NoError(t, err)

	trusted, err := NewInboundGroupSession(mach.Account().IdentityKey(), mach.Account().SigningKey(), testRoomID, string(sessionKey), 0, 0)
	require.NoError(t, err)
	require.True(t, trusted.IsTrusted())

	exportedKey, err := trusted.Internal.Export(trusted.Internal.FirstKnownIndex())
	require.NoError(t, err)
	untrustedExport := ExportedSession{
		Algorithm:         event.AlgorithmMegolmV1,
		RoomID:            testRoomID,
		SenderKey:         mach.Account().IdentityKey(),
		SenderClaimedKeys: SenderClaimedKeys{Ed25519: mach.Account().SigningKey()},
		SessionID:         trusted.ID(),
		SessionKey:        string(exportedKey),
	}
	imported, err := mach.importExportedRoomKey(context.TODO(), untrustedExport)
	require.NoError(t, err)
	require.True(t, imported)

	stored, err := mach.CryptoStore.GetGroupSession(context.TODO(), testRoomID, trusted.ID())
	require.NoError(t, err)
	require.False(t, stored.IsTrusted())

	// A trusted copy upgrades the stored untrusted one.
	assert.True(t, mach.shouldStoreGroupSession(context.TODO(), trusted))
	require.NoError(t, mach.CryptoStore.PutGroupSession(context.TODO(), trusted))

	// An untrusted copy never replaces a trusted one.
	imported, err = mach.importExportedRoomKey(context.TODO(), untrustedExport)
	require.NoError(t, err)
	assert.False(t, imported)
	stored, err = mach.CryptoStore.GetGroupSession(context.TODO(), testRoomID, trusted.ID())
	require.NoError(t, err)
	assert.True(t, stored.IsTrusted())
}

func TestImportExportedRoomKey_KeepsTrustedSession(t *testing.T) {
	log := zerolog.Nop()
	mach := NewOlmMachine("@alice:example.org", "ALICEDEV", nil, &log, NewMemoryStore(nil), nil)
	require.NoError(t, mach.Load(context.TODO()))

	outbound, err := NewOutboundGroupSession(testRoomID, nil)
	require.NoError(t, err)
	keyAtZero, err := outbound.Internal.Key()
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = outbound.Internal.Encrypt([]byte("advance"))
		require.NoError(t, err)
	}
	keyAtTwo, err := outbound.Internal.Key()
	require.NoError(t, err)

	trusted, err := NewInboundGroupSession(mach.Account().IdentityKey(), mach.Account().SigningKey(), testRoomID, string(keyAtTwo), 0, 0)
	require.NoError(t, err)
	require.True(t, trusted.IsTrusted())
	require.EqualValues(t, 2, trusted.Internal.FirstKnownIndex())
	require.NoError(t, mach.CryptoStore.PutGroupSession(context.TODO(), trusted))

	early, err := NewInboundGroupSession(mach.Account().IdentityKey(), mach.Account().SigningKey(), testRoomID, string(keyAtZero), 0, 0)
	require.NoError(t, err)
	require.Equal(t, trusted.ID(), early.ID())
	exportedKey, err := early.Internal.Export(0)
	require.NoError(t, err)

	// An unsigned import that reaches further back in the ratchet must not
	// displace the trusted copy.
	imported, err := mach.importExportedRoomKey(context.TODO(), ExportedSession{
		Algorithm:         event.AlgorithmMegolmV1,
		RoomID:            testRoomID,
		SenderKey:         mach.Account().IdentityKey(),
		SenderClaimedKeys: SenderClaimedKeys{Ed25519: mach.Account().SigningKey()},
		SessionID:         trusted.ID(),
		SessionKey:        string(exportedKey),
	})
	require.NoError(t, err)
	assert.False(t, imported)

	stored, err := mach.CryptoStore.GetGroupSession(context.TODO(), testRoomID, trusted.ID())
	require.NoError(t, err)
	assert.True(t, stored.IsTrusted())
	assert.EqualValues(t, 2, stored.Internal.FirstKnownIndex())
}
