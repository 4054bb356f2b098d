// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"context"
	"time"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

type sessionFailureKey struct {
	RoomID    id.RoomID
	SessionID id.SessionID
}

// registerSessionFailure records an event that couldn't be decrypted because
// its group session is missing. The first failure for a session also sends a
// key request to our own devices.
func (mach *OlmMachine) registerSessionFailure(ctx context.Context, evt *event.Event, content *event.EncryptedEventContent) {
	key := sessionFailureKey{RoomID: evt.RoomID, SessionID: content.SessionID}
	mach.pendingFailuresLock.Lock()
	events, alreadyRequested := mach.pendingFailures[key]
	if events == nil {
		events = make(map[id.EventID]struct{})
		mach.pendingFailures[key] = events
	}
	events[evt.ID] = struct{}{}
	mach.pendingFailuresLock.Unlock()
	if alreadyRequested {
		return
	}
	log := mach.machOrContextLog(ctx)
	log.Debug().
		Str("room_id", evt.RoomID.String()).
		Str("session_id", content.SessionID.String()).
		Msg("Requesting missing group session from own devices")
	err := mach.SendRoomKeyRequest(ctx, evt.RoomID, content.SenderKey, content.SessionID, "", map[id.UserID][]id.DeviceID{
		mach.UserID: {"*"},
	})
	if err != nil {
		log.Warn().Err(err).
			Str("session_id", content.SessionID.String()).
			Msg("Failed to send room key request")
	}
}

// markSessionReceived wakes up everything waiting for the given group
// session: WaitForSession calls, RequestRoomKey calls and the
// SessionReceived callback for retrying pending decryption failures.
func (mach *OlmMachine) markSessionReceived(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, firstKnownIndex uint32) {
	mach.keyWaitersLock.Lock()
	if waiter, ok := mach.keyWaiters[sessionID]; ok {
		close(waiter)
		delete(mach.keyWaiters, sessionID)
	}
	mach.keyWaitersLock.Unlock()

	if filled, ok := mach.roomKeyRequestFilled.LoadAndDelete(sessionID); ok {
		close(filled.(chan struct{}))
	}

	key := sessionFailureKey{RoomID: roomID, SessionID: sessionID}
	mach.pendingFailuresLock.Lock()
	events := mach.pendingFailures[key]
	delete(mach.pendingFailures, key)
	mach.pendingFailuresLock.Unlock()
	if len(events) > 0 {
		mach.machOrContextLog(ctx).Debug().
			Str("session_id", sessionID.String()).
			Int("pending_event_count", len(events)).
			Msg("Received group session with pending decryption failures")
	}
	if mach.SessionReceived != nil {
		mach.SessionReceived(ctx, roomID, sessionID, firstKnownIndex)
	}
}

// WaitForSession waits for the given group session to arrive, through any
// channel. Returns immediately if the session is already in the store.
func (mach *OlmMachine) WaitForSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, timeout time.Duration) bool {
	mach.keyWaitersLock.Lock()
	waiter, ok := mach.keyWaiters[sessionID]
	if !ok {
		waiter = make(chan struct{})
		mach.keyWaiters[sessionID] = waiter
	}
	mach.keyWaitersLock.Unlock()
	// The session might have arrived before the waiter was registered.
	session, err := mach.CryptoStore.GetGroupSession(ctx, roomID, sessionID)
	if session != nil && err == nil {
		return true
	}
	select {
	case <-waiter:
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}
