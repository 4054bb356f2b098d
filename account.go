// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"fmt"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
	"go.mau.fi/e2ee/olm/account"
	"go.mau.fi/e2ee/signatures"
)

// OlmAccount is the local device's olm account along with the upload state.
type OlmAccount struct {
	Internal account.Account

	// Shared is set after the device keys have been uploaded once.
	Shared bool

	signingKey  id.Ed25519
	identityKey id.Curve25519
}

func NewOlmAccount() (*OlmAccount, error) {
	internal, err := account.NewAccount()
	if err != nil {
		return nil, fmt.Errorf("failed to create olm account: %w", err)
	}
	return &OlmAccount{Internal: *internal}, nil
}

func (account *OlmAccount) Keys() (id.Ed25519, id.Curve25519) {
	if len(account.signingKey) == 0 || len(account.identityKey) == 0 {
		account.signingKey, account.identityKey, _ = account.Internal.IdentityKeys()
	}
	return account.signingKey, account.identityKey
}

// SigningKey returns the public ed25519 identity key of the olm account.
func (account *OlmAccount) SigningKey() id.Ed25519 {
	signingKey, _ := account.Keys()
	return signingKey
}

// IdentityKey returns the public curve25519 identity key of the olm account.
func (account *OlmAccount) IdentityKey() id.Curve25519 {
	_, identityKey := account.Keys()
	return identityKey
}

// getInitialKeys returns the signed device keys object for the first key
// upload of this device.
func (account *OlmAccount) getInitialKeys(userID id.UserID, deviceID id.DeviceID) (*DeviceKeys, error) {
	signingKey, identityKey := account.Keys()
	deviceKeys := &DeviceKeys{
		UserID:   userID,
		DeviceID: deviceID,
		Algorithms: []event.Algorithm{
			event.AlgorithmOlmV1,
			event.AlgorithmMegolmV1,
		},
		Keys: KeyMap{
			id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, deviceID): string(identityKey),
			id.NewDeviceKeyID(id.KeyAlgorithmEd25519, deviceID):    string(signingKey),
		},
	}

	signature, err := account.Internal.SignJSON(deviceKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to sign initial device keys: %w", err)
	}
	deviceKeys.Signatures = signatures.NewSingleSignature(userID, id.KeyAlgorithmEd25519, string(deviceID), signature)
	return deviceKeys, nil
}

// getOneTimeKeys makes sure the account has enough one-time keys generated,
// then returns the unpublished ones as signed upload objects.
func (account *OlmAccount) getOneTimeKeys(userID id.UserID, deviceID id.DeviceID, currentOTKCount int) (map[id.KeyID]OneTimeKey, error) {
	newCount := int(account.Internal.MaxNumberOfOneTimeKeys()/2) - currentOTKCount
	if newCount > 0 {
		if err := account.Internal.GenOneTimeKeys(uint(newCount)); err != nil {
			return nil, fmt.Errorf("failed to generate one-time keys: %w", err)
		}
	}
	oneTimeKeys := make(map[id.KeyID]OneTimeKey)
	for keyID, key := range account.Internal.OneTimeKeys() {
		key := OneTimeKey{Key: key, IsSigned: true}
		signature, err := account.Internal.SignJSON(key)
		if err != nil {
			return nil, fmt.Errorf("failed to sign one-time key: %w", err)
		}
		key.Signatures = signatures.NewSingleSignature(userID, id.KeyAlgorithmEd25519, string(deviceID), signature)
		oneTimeKeys[id.NewKeyID(id.KeyAlgorithmSignedCurve25519, keyID)] = key
	}
	account.Internal.MarkKeysAsPublished()
	return oneTimeKeys, nil
}

// NewInboundSessionFrom creates a new inbound olm session from a received
// pre-key message and removes the used one-time key from the account.
func (account *OlmAccount) NewInboundSessionFrom(senderKey *id.SenderKey, ciphertext string) (*OlmSession, error) {
	sess, err := account.Internal.NewInboundSession(senderKey, ciphertext)
	if err != nil {
		return nil, err
	}
	return wrapSession(sess), nil
}

// NewOutboundSession creates a new outbound olm session to the device with
// the given identity key, consuming the given claimed one-time key.
func (account *OlmAccount) NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (*OlmSession, error) {
	sess, err := account.Internal.NewOutboundSession(theirIdentityKey, theirOneTimeKey)
	if err != nil {
		return nil, err
	}
	return wrapSession(sess), nil
}
