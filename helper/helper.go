// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package helper wraps an OlmMachine with a managed SQL store and the retry
// logic most clients want around encryption and decryption.
package helper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

func init() {
	e2ee.PostgresArrayWrapper = pq.Array
}

const initialSessionWaitTimeout = 3 * time.Second
const extendedSessionWaitTimeout = 22 * time.Second

// Helper owns an OlmMachine and its crypto store.
//
// The GetRoomMembers callback is used to find the recipients when a group
// session needs to be (re-)shared. It must be set before calling Encrypt.
type Helper struct {
	Machine *e2ee.OlmMachine

	GetRoomMembers func(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)

	log       *zerolog.Logger
	lock      sync.RWMutex
	pickleKey []byte

	userID     id.UserID
	deviceID   id.DeviceID
	transport  e2ee.Transport
	stateStore e2ee.StateStore

	unmanagedCryptoStore e2ee.Store
	dbForManagedStore    *dbutil.Database

	// DBAccountID is the account ID to use in the managed crypto store.
	// Defaults to the user ID.
	DBAccountID string
}

// New creates a Helper for the given device. The pickle key is always
// required. The store parameter must be one of:
//   - an e2ee.Store to use as-is,
//   - a *dbutil.Database to create a managed SQL store in, or
//   - a string to use as the path of a SQLite database.
//
// When sharing a database between multiple devices, the pickle key must be
// the same for all of them.
func New(userID id.UserID, deviceID id.DeviceID, transport e2ee.Transport, stateStore e2ee.StateStore, log *zerolog.Logger, pickleKey []byte, store any) (*Helper, error) {
	if len(pickleKey) == 0 {
		return nil, fmt.Errorf("pickle key must be provided")
	}
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	helper := &Helper{
		log:       log,
		pickleKey: pickleKey,

		userID:     userID,
		deviceID:   deviceID,
		transport:  transport,
		stateStore: stateStore,
	}
	switch typedStore := store.(type) {
	case e2ee.Store:
		helper.unmanagedCryptoStore = typedStore
	case *dbutil.Database:
		helper.dbForManagedStore = typedStore
	case string:
		db, err := dbutil.NewWithDialect(typedStore, "sqlite3")
		if err != nil {
			return nil, err
		}
		helper.dbForManagedStore = db
	default:
		return nil, fmt.Errorf("store must be an e2ee.Store, a *dbutil.Database or a SQLite path")
	}
	return helper, nil
}

// Init prepares the crypto store and loads the olm account. It must be called
// once before using the helper.
func (helper *Helper) Init(ctx context.Context) error {
	cryptoStore := helper.unmanagedCryptoStore
	if cryptoStore == nil {
		accountID := helper.DBAccountID
		if accountID == "" {
			accountID = helper.userID.String()
		}
		managedStore := e2ee.NewSQLCryptoStore(helper.dbForManagedStore, nil, accountID, helper.deviceID, helper.pickleKey)
		err := managedStore.Upgrade(ctx)
		if err != nil {
			return fmt.Errorf("failed to upgrade crypto store: %w", err)
		}
		storedDeviceID, err := managedStore.FindDeviceID(ctx)
		if err != nil {
			return fmt.Errorf("failed to find stored device ID: %w", err)
		} else if storedDeviceID != "" && storedDeviceID != helper.deviceID {
			return fmt.Errorf("mismatching device ID in crypto store (%q != %q)", storedDeviceID, helper.deviceID)
		}
		cryptoStore = managedStore
	}
	helper.Machine = e2ee.NewOlmMachine(helper.userID, helper.deviceID, helper.transport, helper.log, cryptoStore, helper.stateStore)
	err := helper.Machine.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load olm account: %w", err)
	}
	return nil
}

// Close closes the managed database, if there is one.
func (helper *Helper) Close() error {
	if helper.dbForManagedStore != nil {
		return helper.dbForManagedStore.RawDB.Close()
	}
	return nil
}

// RequestSession sends a key request for the given session to the given user.
// An empty device ID means all of the user's devices.
func (helper *Helper) RequestSession(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID, userID id.UserID, deviceID id.DeviceID) {
	if deviceID == "" {
		deviceID = "*"
	}
	err := helper.Machine.SendRoomKeyRequest(ctx, roomID, senderKey, sessionID, "", map[id.UserID][]id.DeviceID{userID: {deviceID}})
	if err != nil {
		helper.log.Warn().Err(err).
			Str("user_id", userID.String()).
			Str("session_id", sessionID.String()).
			Msg("Failed to send room key request")
	}
}

// Decrypt decrypts an m.room.encrypted event. If the group session isn't
// available yet, it waits a few seconds for it to arrive before giving up, and
// requests the key from the sender in the background.
func (helper *Helper) Decrypt(ctx context.Context, evt *event.Event) (*event.Event, error) {
	decrypted, err := helper.Machine.DecryptMegolmEvent(ctx, evt)
	if !errors.Is(err, e2ee.ErrNoSessionFound) {
		return decrypted, err
	}
	content := evt.Content.AsEncrypted()
	helper.log.Debug().
		Str("event_id", evt.ID.String()).
		Str("session_id", content.SessionID.String()).
		Msg("Couldn't find session to decrypt event, waiting for it to arrive")
	if !helper.Machine.WaitForSession(ctx, evt.RoomID, content.SessionID, initialSessionWaitTimeout) {
		helper.RequestSession(ctx, evt.RoomID, content.SenderKey, content.SessionID, evt.Sender, content.DeviceID)
		if !helper.Machine.WaitForSession(ctx, evt.RoomID, content.SessionID, extendedSessionWaitTimeout) {
			return nil, err
		}
	}
	return helper.Machine.DecryptMegolmEvent(ctx, evt)
}

// Encrypt encrypts an event for a room, sharing a new group session with the
// room members when there is no usable one.
func (helper *Helper) Encrypt(ctx context.Context, roomID id.RoomID, evtType event.Type, content event.Content) (*event.EncryptedEventContent, error) {
	helper.lock.Lock()
	defer helper.lock.Unlock()
	encrypted, err := helper.Machine.EncryptMegolmEvent(ctx, roomID, evtType, content)
	if !errors.Is(err, e2ee.ErrNoGroupSession) && !errors.Is(err, e2ee.ErrSessionExpired) && !errors.Is(err, e2ee.ErrSessionNotShared) {
		return encrypted, err
	}
	if helper.GetRoomMembers == nil {
		return nil, fmt.Errorf("no group session and no GetRoomMembers callback set: %w", err)
	}
	helper.log.Debug().Err(err).
		Str("room_id", roomID.String()).
		Msg("Sharing group session and retrying encryption")
	users, err := helper.GetRoomMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get room member list: %w", err)
	} else if err = helper.Machine.ShareGroupSession(ctx, roomID, users); err != nil {
		return nil, fmt.Errorf("failed to share group session: %w", err)
	} else if encrypted, err = helper.Machine.EncryptMegolmEvent(ctx, roomID, evtType, content); err != nil {
		return nil, fmt.Errorf("failed to encrypt event after sharing group session: %w", err)
	}
	return encrypted, nil
}
