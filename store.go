// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"context"
	"sync"
	"time"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

// ErrGroupSessionWithheld is returned by Store.GetGroupSession when the
// session was explicitly withheld by the sender. Use errors.As to get the
// withheld content with the exact code.
var ErrGroupSessionWithheld error = &event.RoomKeyWithheldEventContent{}

// Store is used by OlmMachine to persist all cryptographic material.
//
// Implementations do their own internal synchronization: individual calls are
// safe to make concurrently. Callers are responsible for serializing
// read-modify-write cycles on the same session.
type Store interface {
	// Flush ensures that everything in the store is persisted.
	Flush(ctx context.Context) error

	// PutAccount updates the stored olm account.
	PutAccount(ctx context.Context, account *OlmAccount) error
	// GetAccount returns the stored olm account, or nil if there is none.
	GetAccount(ctx context.Context) (*OlmAccount, error)

	// HasSession returns whether there is at least one olm session for the
	// given sender key.
	HasSession(ctx context.Context, key id.SenderKey) bool
	// GetSessions returns all olm sessions with the given sender key, most
	// recently used first.
	GetSessions(ctx context.Context, key id.SenderKey) (OlmSessionList, error)
	// GetLatestSession returns the most recently used olm session for the
	// given sender key, or nil if there are none.
	GetLatestSession(ctx context.Context, key id.SenderKey) (*OlmSession, error)
	// GetNewestSessionCreationTS returns the creation timestamp of the most
	// recently created session for the given sender key.
	GetNewestSessionCreationTS(ctx context.Context, key id.SenderKey) (time.Time, error)
	// AddSession inserts an olm session for the given sender key.
	AddSession(ctx context.Context, key id.SenderKey, session *OlmSession) error
	// UpdateSession replaces the stored copy of an existing olm session.
	UpdateSession(ctx context.Context, key id.SenderKey, session *OlmSession) error
	// DeleteSession removes an olm session for the given sender key.
	DeleteSession(ctx context.Context, key id.SenderKey, session *OlmSession) error

	// PutOlmHash records the hash of a decrypted olm message for dedup.
	PutOlmHash(ctx context.Context, messageHash [32]byte, receivedAt time.Time) error
	// GetOlmHash returns the receive time of a previously recorded olm
	// message hash, or the zero time if the hash is unknown.
	GetOlmHash(ctx context.Context, messageHash [32]byte) (time.Time, error)
	// DeleteOldOlmHashes deletes hashes received before the given time.
	DeleteOldOlmHashes(ctx context.Context, beforeTS time.Time) error

	// PutGroupSession stores an inbound megolm session. Storing a session
	// clears any withheld record with the same session ID.
	PutGroupSession(ctx context.Context, session *InboundGroupSession) error
	// GetGroupSession returns the inbound megolm session with the given ID,
	// nil if it doesn't exist, or ErrGroupSessionWithheld if a withheld
	// notice was recorded instead.
	GetGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*InboundGroupSession, error)
	// GetGroupSessionsForRoom returns all inbound megolm sessions for a room.
	GetGroupSessionsForRoom(ctx context.Context, roomID id.RoomID) ([]*InboundGroupSession, error)
	// GetAllGroupSessions returns all inbound megolm sessions in the store.
	GetAllGroupSessions(ctx context.Context) ([]*InboundGroupSession, error)

	// PutWithheldGroupSession records a withheld notice for a session that
	// has not been received.
	PutWithheldGroupSession(ctx context.Context, content event.RoomKeyWithheldEventContent) error
	// GetWithheldGroupSession returns the stored withheld notice for the
	// given session, or nil if there is none.
	GetWithheldGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*event.RoomKeyWithheldEventContent, error)

	// AddOutboundGroupSession inserts the outbound megolm session for a
	// room, replacing any existing one.
	AddOutboundGroupSession(ctx context.Context, session *OutboundGroupSession) error
	// UpdateOutboundGroupSession replaces the stored copy of the session
	// after its ratchet has advanced.
	UpdateOutboundGroupSession(ctx context.Context, session *OutboundGroupSession) error
	// GetOutboundGroupSession returns the outbound megolm session for the
	// given room, or nil if there is none.
	GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*OutboundGroupSession, error)
	// RemoveOutboundGroupSession removes the outbound megolm session for
	// the given room, forcing the next send to create a new one.
	RemoveOutboundGroupSession(ctx context.Context, roomID id.RoomID) error

	// ValidateMessageIndex returns whether the given event info matches what
	// was previously stored for the given message index. The first call for
	// an index stores the event info and returns true; later calls with a
	// different event ID or timestamp return false.
	ValidateMessageIndex(ctx context.Context, senderKey id.SenderKey, sessionID id.SessionID, eventID id.EventID, index uint32, timestamp int64) (bool, error)

	// GetDevices returns all non-deleted devices of a user, or nil if the
	// user's device list has never been fetched.
	GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*id.Device, error)
	// GetDevice returns a specific device of a user.
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error)
	// PutDevice stores a single device, replacing any existing copy.
	PutDevice(ctx context.Context, userID id.UserID, device *id.Device) error
	// PutDevices replaces the stored device list of a user and marks the
	// user as tracked.
	PutDevices(ctx context.Context, userID id.UserID, devices map[id.DeviceID]*id.Device) error
	// FindDeviceByKey finds a device of a user by its curve25519 identity key.
	FindDeviceByKey(ctx context.Context, userID id.UserID, identityKey id.IdentityKey) (*id.Device, error)
	// FilterTrackedUsers returns the subset of the given users whose device
	// lists are tracked in the store.
	FilterTrackedUsers(ctx context.Context, users []id.UserID) ([]id.UserID, error)
	// MarkTrackedUsersOutdated flags the device lists of the given users as
	// stale so they get re-fetched before the next use.
	MarkTrackedUsersOutdated(ctx context.Context, users []id.UserID) error
	// GetOutdatedTrackedUsers returns all tracked users with stale device
	// lists.
	GetOutdatedTrackedUsers(ctx context.Context) ([]id.UserID, error)
}

type messageIndexKey struct {
	SenderKey id.SenderKey
	SessionID id.SessionID
	Index     uint32
}

type messageIndexValue struct {
	EventID   id.EventID
	Timestamp int64
}

// MemoryStore is a simple in-memory Store implementation. A save callback can
// be provided to persist the data somewhere else.
type MemoryStore struct {
	lock sync.RWMutex

	Account               *OlmAccount
	Sessions              map[id.SenderKey]OlmSessionList
	GroupSessions         map[id.RoomID]map[id.SessionID]*InboundGroupSession
	WithheldGroupSessions map[id.RoomID]map[id.SessionID]*event.RoomKeyWithheldEventContent
	OutGroupSessions      map[id.RoomID]*OutboundGroupSession
	MessageIndices        map[messageIndexKey]messageIndexValue
	Devices               map[id.UserID]map[id.DeviceID]*id.Device
	OutdatedUsers         map[id.UserID]struct{}
	OlmHashes             map[[32]byte]time.Time

	save func() error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new MemoryStore. The save callback may be nil.
func NewMemoryStore(saveCallback func() error) *MemoryStore {
	if saveCallback == nil {
		saveCallback = func() error { return nil }
	}
	return &MemoryStore{
		Sessions:              make(map[id.SenderKey]OlmSessionList),
		GroupSessions:         make(map[id.RoomID]map[id.SessionID]*InboundGroupSession),
		WithheldGroupSessions: make(map[id.RoomID]map[id.SessionID]*event.RoomKeyWithheldEventContent),
		OutGroupSessions:      make(map[id.RoomID]*OutboundGroupSession),
		MessageIndices:        make(map[messageIndexKey]messageIndexValue),
		Devices:               make(map[id.UserID]map[id.DeviceID]*id.Device),
		OutdatedUsers:         make(map[id.UserID]struct{}),
		OlmHashes:             make(map[[32]byte]time.Time),

		save: saveCallback,
	}
}

func (gs *MemoryStore) Flush(_ context.Context) error {
	gs.lock.Lock()
	defer gs.lock.Unlock()
	return gs.save()
}

func (gs *MemoryStore) GetAccount(_ context.Context) (*OlmAccount, error) {
	return gs.Account, nil
}

func (gs *MemoryStore) PutAccount(_ context.Context, account *OlmAccount) error {
	gs.lock.Lock()
	gs.Account = account
	err := gs.save()
	gs.lock.Unlock()
	return err
}

func (gs *MemoryStore) HasSession(_ context.Context, senderKey id.SenderKey) bool {
	gs.lock.RLock()
	sessions, ok := gs.Sessions[senderKey]
	gs.lock.RUnlock()
	return ok && len(sessions) > 0
}

func (gs *MemoryStore) GetSessions(_ context.Context, senderKey id.SenderKey) (OlmSessionList, error) {
	gs.lock.Lock()
	sessions, ok := gs.Sessions[senderKey]
	if !ok {
		sessions = []*OlmSession{}
		gs.Sessions[senderKey] = sessions
	}
	gs.lock.Unlock()
	return sessions, nil
}

func (gs *MemoryStore) GetLatestSession(_ context.Context, senderKey id.SenderKey) (*OlmSession, error) {
	gs.lock.Lock()
	defer gs.lock.Unlock()
	sessions, ok := gs.Sessions[senderKey]
	if !ok || len(sessions) == 0 {
		return nil, nil
	}
	return sessions[0], nil
}

func (gs *MemoryStore) GetNewestSessionCreationTS(_ context.Context, senderKey id.SenderKey) (newest time.Time, err error) {
	gs.lock.RLock()
	for _, sess := range gs.Sessions[senderKey] {
		if sess.CreationTime.After(newest) {
			newest = sess.CreationTime
		}
	}
	gs.lock.RUnlock()
	return
}

func (gs *MemoryStore) AddSession(_ context.Context, senderKey id.SenderKey, session *OlmSession) error {
	gs.lock.Lock()
	sessions := gs.Sessions[senderKey]
	gs.Sessions[senderKey] = append(OlmSessionList{session}, sessions...)
	err := gs.save()
	gs.lock.Unlock()
	return err
}

func (gs *MemoryStore) UpdateSession(_ context.Context, _ id.SenderKey, _ *OlmSession) error {
	// Sessions are pointers and already stored, so no-op, just save the data.
	gs.lock.Lock()
	err := gs.save()
	gs.lock.Unlock()
	return err
}

func (gs *MemoryStore) DeleteSession(_ context.Context, senderKey id.SenderKey, target *OlmSession) error {
	gs.lock.Lock()
	defer gs.lock.Unlock()
	sessions := gs.Sessions[senderKey]
	for i, sess := range sessions {
		if sess == target {
			gs.Sessions[senderKey] = append(sessions[:i], sessions[i+1:]...)
			break
		}
	}
	return gs.save()
}

func (gs *MemoryStore) PutOlmHash(_ context.Context, messageHash [32]byte, receivedAt time.Time) error {
	gs.lock.Lock()
	gs.OlmHashes[messageHash] = receivedAt
	err := gs.save()
	gs.lock.Unlock()
	return err
}

func (gs *MemoryStore) GetOlmHash(_ context.Context, messageHash [32]byte) (time.Time, error) {
	gs.lock.RLock()
	defer gs.lock.RUnlock()
	return gs.OlmHashes[messageHash], nil
}

func (gs *MemoryStore) DeleteOldOlmHashes(_ context.Context, beforeTS time.Time) error {
	gs.lock.Lock()
	defer gs.lock.Unlock()
	for hash, receivedAt := range gs.OlmHashes {
		if receivedAt.Before(beforeTS) {
			delete(gs.OlmHashes, hash)
		}
	}
	return gs.save()
}

func (gs *MemoryStore) getGroupSessions(roomID id.RoomID) map[id.SessionID]*InboundGroupSession {
	room, ok := gs.GroupSessions[roomID]
	if !ok {
		room = make(map[id.SessionID]*InboundGroupSession)
		gs.GroupSessions[roomID] = room
	}
	return room
}

func (gs *MemoryStore) PutGroupSession(_ context.Context, igs *InboundGroupSession) error {
	gs.lock.Lock()
	gs.getGroupSessions(igs.RoomID)[igs.ID()] = igs
	if withheld, ok := gs.WithheldGroupSessions[igs.RoomID]; ok {
		delete(withheld, igs.ID())
	}
	err := gs.save()
	gs.lock.Unlock()
	return err
}

func (gs *MemoryStore) GetGroupSession(_ context.Context, roomID id.RoomID, sessionID id.SessionID) (*InboundGroupSession, error) {
	gs.lock.Lock()
	defer gs.lock.Unlock()
	session, ok := gs.getGroupSessions(roomID)[sessionID]
	if !ok {
		withheld, ok := gs.getWithheldGroupSessions(roomID)[sessionID]
		if ok {
			return nil, withheld
		}
		return nil, nil
	}
	return session, nil
}

func (gs *MemoryStore) GetGroupSessionsForRoom(_ context.Context, roomID id.RoomID) ([]*InboundGroupSession, error) {
	gs.lock.Lock()
	defer gs.lock.Unlock()
	sessions := make([]*InboundGroupSession, 0, len(gs.getGroupSessions(roomID)))
	for _, session := range gs.getGroupSessions(roomID) {
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (gs *MemoryStore) GetAllGroupSessions(_ context.Context) ([]*InboundGroupSession, error) {
	gs.lock.Lock()
	defer gs.lock.Unlock()
	var sessions []*InboundGroupSession
	for _, room := range gs.GroupSessions {
		for _, session := range room {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

func (gs *MemoryStore) getWithheldGroupSessions(roomID id.RoomID) map[id.SessionID]*event.RoomKeyWithheldEventContent {
	room, ok := gs.WithheldGroupSessions[roomID]
	if !ok {
		room = make(map[id.SessionID]*event.RoomKeyWithheldEventContent)
		gs.WithheldGroupSessions[roomID] = room
	}
	return room
}

func (gs *MemoryStore) PutWithheldGroupSession(_ context.Context, content event.RoomKeyWithheldEventContent) error {
	gs.lock.Lock()
	gs.getWithheldGroupSessions(content.RoomID)[content.SessionID] = &content
	err := gs.save()
	gs.lock.Unlock()
	return err
}

func (gs *MemoryStore) GetWithheldGroupSession(_ context.Context, roomID id.RoomID, sessionID id.SessionID) (*event.RoomKeyWithheldEventContent, error) {
	gs.lock.Lock()
	defer gs.lock.Unlock()
	return gs.getWithheldGroupSessions(roomID)[sessionID], nil
}

func (gs *MemoryStore) AddOutboundGroupSession(_ context.Context, session *OutboundGroupSession) error {
	gs.lock.Lock()
	gs.OutGroupSessions[session.RoomID] = session
	err := gs.save()
	gs.lock.Unlock()
	return err
}

func (gs *MemoryStore) UpdateOutboundGroupSession(_ context.Context, _ *OutboundGroupSession) error {
	// Sessions are pointers and already stored, so no-op, just save the data.
	gs.lock.Lock()
	err := gs.save()
	gs.lock.Unlock()
	return err
}

func (gs *MemoryStore) GetOutboundGroupSession(_ context.Context, roomID id.RoomID) (*OutboundGroupSession, error) {
	gs.lock.RLock()
	session := gs.OutGroupSessions[roomID]
	gs.lock.RUnlock()
	return session, nil
}

func (gs *MemoryStore) RemoveOutboundGroupSession(_ context.Context, roomID id.RoomID) error {
	gs.lock.Lock()
	delete(gs.OutGroupSessions, roomID)
	err := gs.save()
	gs.lock.Unlock()
	return err
}

func (gs *MemoryStore) ValidateMessageIndex(_ context.Context, senderKey id.SenderKey, sessionID id.SessionID, eventID id.EventID, index uint32, timestamp int64) (bool, error) {
	gs.lock.Lock()
	defer gs.lock.Unlock()
	key := messageIndexKey{
		SenderKey: senderKey,
		SessionID: sessionID,
		Index:     index,
	}
	val, ok := gs.MessageIndices[key]
	if !ok {
		gs.MessageIndices[key] = messageIndexValue{
			EventID:   eventID,
			Timestamp: timestamp,
		}
		if err := gs.save(); err != nil {
			return false, err
		}
		return true, nil
	}
	if val.EventID != eventID || val.Timestamp != timestamp {
		return false, nil
	}
	return true, nil
}

func (gs *MemoryStore) GetDevices(_ context.Context, userID id.UserID) (map[id.DeviceID]*id.Device, error) {
	gs.lock.RLock()
	devices, ok := gs.Devices[userID]
	if !ok {
		devices = nil
	}
	gs.lock.RUnlock()
	return devices, nil
}

func (gs *MemoryStore) GetDevice(_ context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error) {
	gs.lock.RLock()
	defer gs.lock.RUnlock()
	devices, ok := gs.Devices[userID]
	if !ok {
		return nil, nil
	}
	device, ok := devices[deviceID]
	if !ok {
		return nil, nil
	}
	return device, nil
}

func (gs *MemoryStore) FindDeviceByKey(_ context.Context, userID id.UserID, identityKey id.IdentityKey) (*id.Device, error) {
	gs.lock.RLock()
	defer gs.lock.RUnlock()
	devices, ok := gs.Devices[userID]
	if !ok {
		return nil, nil
	}
	for _, device := range devices {
		if device.IdentityKey == identityKey {
			return device, nil
		}
	}
	return nil, nil
}

func (gs *MemoryStore) PutDevice(_ context.Context, userID id.UserID, device *id.Device) error {
	gs.lock.Lock()
	devices, ok := gs.Devices[userID]
	if !ok {
		devices = make(map[id.DeviceID]*id.Device)
		gs.Devices[userID] = devices
	}
	devices[device.DeviceID] = device
	err := gs.save()
	gs.lock.Unlock()
	return err
}

func (gs *MemoryStore) PutDevices(_ context.Context, userID id.UserID, devices map[id.DeviceID]*id.Device) error {
	gs.lock.Lock()
	gs.Devices[userID] = devices
	delete(gs.OutdatedUsers, userID)
	err := gs.save()
	gs.lock.Unlock()
	return err
}

func (gs *MemoryStore) FilterTrackedUsers(_ context.Context, users []id.UserID) ([]id.UserID, error) {
	gs.lock.RLock()
	var ptr int
	for _, userID := range users {
		_, ok := gs.Devices[userID]
		if ok {
			users[ptr] = userID
			ptr++
		}
	}
	gs.lock.RUnlock()
	return users[:ptr], nil
}

func (gs *MemoryStore) MarkTrackedUsersOutdated(_ context.Context, users []id.UserID) error {
	gs.lock.Lock()
	for _, userID := range users {
		if _, ok := gs.Devices[userID]; ok {
			gs.OutdatedUsers[userID] = struct{}{}
		}
	}
	gs.lock.Unlock()
	return nil
}

func (gs *MemoryStore) GetOutdatedTrackedUsers(_ context.Context) ([]id.UserID, error) {
	gs.lock.RLock()
	users := make([]id.UserID, 0, len(gs.OutdatedUsers))
	for userID := range gs.OutdatedUsers {
		users = append(users, userID)
	}
	gs.lock.RUnlock()
	return users, nil
}
