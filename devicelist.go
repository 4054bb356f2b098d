// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/e2ee/id"
	"go.mau.fi/e2ee/signatures"
)

var (
	MismatchingDeviceID   = errors.New("mismatching device ID in parameter and keys object")
	MismatchingUserID     = errors.New("mismatching user ID in parameter and keys object")
	MismatchingSigningKey = errors.New("received update for device with different signing key")
	NoSigningKeyFound     = errors.New("didn't find ed25519 signing key")
	NoIdentityKeyFound    = errors.New("didn't find curve25519 identity key")
	InvalidKeySignature   = errors.New("invalid signature on device keys")

	ErrDeviceNotFound = errors.New("device not found")
)

type keyFetchWaiter struct {
	done   chan struct{}
	result map[id.DeviceID]*id.Device
}

// LoadDevices fetches the device list of a single user from the key directory
// and returns the valid devices.
func (mach *OlmMachine) LoadDevices(ctx context.Context, user id.UserID) map[id.DeviceID]*id.Device {
	return mach.FetchKeys(ctx, []id.UserID{user}, true)[user]
}

// FetchKeys downloads the device keys of the given users, validates them and
// stores the new device lists. Only one download per user is in flight at a
// time: concurrent calls for the same user await the existing download.
func (mach *OlmMachine) FetchKeys(ctx context.Context, users []id.UserID, includeUntracked bool) map[id.UserID]map[id.DeviceID]*id.Device {
	log := mach.machOrContextLog(ctx)
	if !includeUntracked {
		var err error
		users, err = mach.CryptoStore.FilterTrackedUsers(ctx, users)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to filter tracked user list")
		}
	}
	if len(users) == 0 {
		return nil
	}

	data := make(map[id.UserID]map[id.DeviceID]*id.Device)
	var toFetch []id.UserID
	ownWaiters := make(map[id.UserID]*keyFetchWaiter)
	otherWaiters := make(map[id.UserID]*keyFetchWaiter)
	mach.keyFetchersLock.Lock()
	for _, userID := range users {
		if waiter, ok := mach.keyFetchers[userID]; ok {
			otherWaiters[userID] = waiter
		} else {
			waiter = &keyFetchWaiter{done: make(chan struct{})}
			mach.keyFetchers[userID] = waiter
			ownWaiters[userID] = waiter
			toFetch = append(toFetch, userID)
		}
	}
	mach.keyFetchersLock.Unlock()

	if len(toFetch) > 0 {
		fetched := mach.fetchKeys(ctx, toFetch)
		mach.keyFetchersLock.Lock()
		for userID, waiter := range ownWaiters {
			waiter.result = fetched[userID]
			delete(mach.keyFetchers, userID)
			close(waiter.done)
		}
		mach.keyFetchersLock.Unlock()
		for userID, waiter := range ownWaiters {
			if waiter.result != nil {
				data[userID] = waiter.result
			}
		}
	}
	for userID, waiter := range otherWaiters {
		select {
		case <-waiter.done:
			if waiter.result != nil {
				data[userID] = waiter.result
			}
		case <-ctx.Done():
			return data
		}
	}
	return data
}

func (mach *OlmMachine) fetchKeys(ctx context.Context, users []id.UserID) (data map[id.UserID]map[id.DeviceID]*id.Device) {
	log := mach.machOrContextLog(ctx)
	req := &ReqQueryKeys{
		DeviceKeys: make(map[id.UserID][]id.DeviceID),
		Timeout:    10 * 1000,
	}
	for _, userID := range users {
		req.DeviceKeys[userID] = []id.DeviceID{}
	}
	log.Debug().Any("users", users).Msg("Querying keys")
	resp, err := mach.Transport.QueryKeys(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to query keys")
		return
	}
	for server, failure := range resp.Failures {
		log.Warn().Str("server", server).Any("failure", failure).Msg("Query keys failure")
	}
	log.Debug().Int("user_count", len(resp.DeviceKeys)).Msg("Query key result received")
	data = make(map[id.UserID]map[id.DeviceID]*id.Device)
	for userID, devices := range resp.DeviceKeys {
		delete(req.DeviceKeys, userID)

		newDevices := make(map[id.DeviceID]*id.Device)
		existingDevices, err := mach.CryptoStore.GetDevices(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID.String()).Msg("Failed to get existing devices")
			existingDevices = make(map[id.DeviceID]*id.Device)
		}
		changed := false
		for deviceID, deviceKeys := range devices {
			existing, ok := existingDevices[deviceID]
			if !ok {
				// New device
				changed = true
			}
			newDevice, err := mach.validateDevice(userID, deviceID, deviceKeys, existing)
			if err != nil {
				// Invalid devices are dropped silently from the list, the
				// error is only logged for auditability.
				log.Error().Err(err).
					Str("user_id", userID.String()).
					Str("device_id", deviceID.String()).
					Msg("Failed to validate device")
			} else if newDevice != nil {
				newDevices[deviceID] = newDevice
			}
		}
		log.Debug().
			Str("user_id", userID.String()).
			Int("new_device_count", len(newDevices)).
			Int("old_device_count", len(existingDevices)).
			Msg("Storing new device list")
		err = mach.CryptoStore.PutDevices(ctx, userID, newDevices)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID.String()).Msg("Failed to update device list")
		}
		data[userID] = newDevices

		changed = changed || len(newDevices) != len(existingDevices)
		if changed {
			mach.OnDevicesChanged(ctx, userID)
		}
	}
	for userID := range req.DeviceKeys {
		log.Warn().Str("user_id", userID.String()).Msg("Didn't get any keys for user")
	}
	return data
}

// OnDevicesChanged finds all shared rooms with the given user and invalidates
// outbound group sessions in those rooms, so that the next send distributes a
// fresh session to the new device list.
func (mach *OlmMachine) OnDevicesChanged(ctx context.Context, userID id.UserID) {
	log := mach.machOrContextLog(ctx)
	rooms, err := mach.StateStore.FindSharedRooms(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("Failed to find shared rooms")
		return
	}
	for _, roomID := range rooms {
		log.Debug().
			Str("user_id", userID.String()).
			Str("room_id", roomID.String()).
			Msg("Devices of user changed, invalidating group session in room")
		err = mach.CryptoStore.RemoveOutboundGroupSession(ctx, roomID)
		if err != nil {
			log.Warn().Err(err).
				Str("room_id", roomID.String()).
				Msg("Failed to invalidate outbound group session on device change")
		}
	}
}

// GetOrFetchDevice returns a single device of a user, fetching the user's
// device list from the key directory if it's not tracked yet.
func (mach *OlmMachine) GetOrFetchDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error) {
	device, err := mach.CryptoStore.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sender device from store: %w", err)
	} else if device != nil {
		return device, nil
	}
	usersToDevices := mach.LoadDevices(ctx, userID)
	if devices, ok := usersToDevices[deviceID]; ok {
		return devices, nil
	}
	return nil, fmt.Errorf("%w: didn't get device info for %s of %s", ErrDeviceNotFound, deviceID, userID)
}

// GetOrFetchDeviceByKey returns a device of a user by its curve25519 identity
// key, fetching the device list if no match is found in the store.
func (mach *OlmMachine) GetOrFetchDeviceByKey(ctx context.Context, userID id.UserID, identityKey id.IdentityKey) (*id.Device, error) {
	deviceIdentity, err := mach.CryptoStore.FindDeviceByKey(ctx, userID, identityKey)
	if err != nil || deviceIdentity != nil {
		return deviceIdentity, err
	}
	mach.machOrContextLog(ctx).Debug().
		Str("user_id", userID.String()).
		Str("identity_key", identityKey.String()).
		Msg("Didn't find identity in crypto store, fetching from server")
	devices := mach.LoadDevices(ctx, userID)
	for _, device := range devices {
		if device.IdentityKey == identityKey {
			return device, nil
		}
	}
	return nil, nil
}

func (mach *OlmMachine) validateDevice(userID id.UserID, deviceID id.DeviceID, deviceKeys DeviceKeys, existing *id.Device) (*id.Device, error) {
	if deviceID != deviceKeys.DeviceID {
		return nil, fmt.Errorf("%w (expected %s, got %s)", MismatchingDeviceID, deviceID, deviceKeys.DeviceID)
	} else if userID != deviceKeys.UserID {
		return nil, fmt.Errorf("%w (expected %s, got %s)", MismatchingUserID, userID, deviceKeys.UserID)
	}

	signingKey := deviceKeys.Keys.GetEd25519(deviceID)
	identityKey := deviceKeys.Keys.GetCurve25519(deviceID)
	if signingKey == "" {
		return nil, NoSigningKeyFound
	} else if identityKey == "" {
		return nil, NoIdentityKeyFound
	}

	if existing != nil && existing.SigningKey != signingKey {
		return existing, fmt.Errorf("%w (expected %s, got %s)", MismatchingSigningKey, existing.SigningKey, signingKey)
	}

	ok, err := signatures.VerifySignatureJSON(deviceKeys, userID, deviceID.String(), signingKey)
	if err != nil {
		return existing, fmt.Errorf("failed to verify signature: %w", err)
	} else if !ok {
		return existing, InvalidKeySignature
	}

	name, ok := deviceKeys.Unsigned["device_display_name"].(string)
	if !ok {
		name = string(deviceID)
	}

	trust := id.TrustStateUnset
	if existing != nil {
		trust = existing.Trust
	}

	return &id.Device{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: identityKey,
		SigningKey:  signingKey,
		Trust:       trust,
		Name:        name,
		Deleted:     false,
	}, nil
}

// GetDeviceTrust returns the trust state of a device, or TrustStateUnset for
// unknown devices.
func (mach *OlmMachine) GetDeviceTrust(ctx context.Context, userID id.UserID, deviceID id.DeviceID) id.TrustState {
	device, err := mach.CryptoStore.GetDevice(ctx, userID, deviceID)
	if err != nil || device == nil {
		return id.TrustStateUnset
	}
	return device.Trust
}

// SetDeviceTrust sets the trust state of a device. This is a local decision
// with no network side effect, but blocking a device that previously received
// a group session causes the session to be rotated on the next send.
func (mach *OlmMachine) SetDeviceTrust(ctx context.Context, userID id.UserID, deviceID id.DeviceID, trust id.TrustState) error {
	device, err := mach.GetOrFetchDevice(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	device.Trust = trust
	return mach.CryptoStore.PutDevice(ctx, userID, device)
}

// InjectDevice stores a device identity directly without a key-directory
// round trip. Mainly useful as a seam in tests and for bridging setups where
// the identity is obtained out of band.
func (mach *OlmMachine) InjectDevice(ctx context.Context, device *id.Device) error {
	return mach.CryptoStore.PutDevice(ctx, device.UserID, device)
}
