// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package signatures

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/e2ee/id"
)

type signableObject struct {
	UserID     id.UserID      `json:"user_id"`
	DeviceID   id.DeviceID    `json:"device_id"`
	Keys       map[string]any `json:"keys,omitempty"`
	Unsigned   map[string]any `json:"unsigned,omitempty"`
	Signatures Signatures     `json:"signatures,omitempty"`
}

func generateTestKey(t *testing.T) (id.Ed25519, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return id.Ed25519(base64.RawStdEncoding.EncodeToString(pub)), priv
}

func TestSignAndVerifyJSON(t *testing.T) {
	signingKey, privateKey := generateTestKey(t)
	obj := &signableObject{
		UserID:   "@alice:example.org",
		DeviceID: "ALICEDEV",
		Keys:     map[string]any{"curve25519:ALICEDEV": "fakekey"},
	}
	signature, err := SignJSON(privateKey, obj)
	require.NoError(t, err)
	obj.Signatures = NewSingleSignature("@alice:example.org", id.KeyAlgorithmEd25519, "ALICEDEV", signature)

	ok, err := VerifySignatureJSON(obj, "@alice:example.org", "ALICEDEV", signingKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifySignatureJSON_IgnoresUnsigned(t *testing.T) {
	signingKey, privateKey := generateTestKey(t)
	obj := &signableObject{
		UserID:   "@alice:example.org",
		DeviceID: "ALICEDEV",
	}
	signature, err := SignJSON(privateKey, obj)
	require.NoError(t, err)
	obj.Signatures = NewSingleSignature("@alice:example.org", id.KeyAlgorithmEd25519, "ALICEDEV", signature)

	// The unsigned field may be added or changed without breaking the signature.
	obj.Unsigned = map[string]any{"device_display_name": "Alice's phone"}
	ok, err := VerifySignatureJSON(obj, "@alice:example.org", "ALICEDEV", signingKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifySignatureJSON_ModifiedContent(t *testing.T) {
	signingKey, privateKey := generateTestKey(t)
	obj := &signableObject{
		UserID:   "@alice:example.org",
		DeviceID: "ALICEDEV",
	}
	signature, err := SignJSON(privateKey, obj)
	require.NoError(t, err)
	obj.Signatures = NewSingleSignature("@alice:example.org", id.KeyAlgorithmEd25519, "ALICEDEV", signature)

	obj.DeviceID = "EVILDEV"
	ok, err := VerifySignatureJSON(obj, "@alice:example.org", "ALICEDEV", signingKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifySignatureJSON_WrongKey(t *testing.T) {
	_, privateKey := generateTestKey(t)
	otherKey, _ := generateTestKey(t)
	obj := &signableObject{
		UserID:   "@alice:example.org",
		DeviceID: "ALICEDEV",
	}
	signature, err := SignJSON(privateKey, obj)
	require.NoError(t, err)
	obj.Signatures = NewSingleSignature("@alice:example.org", id.KeyAlgorithmEd25519, "ALICEDEV", signature)

	ok, err := VerifySignatureJSON(obj, "@alice:example.org", "ALICEDEV", otherKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifySignatureJSON_MissingSignature(t *testing.T) {
	signingKey, _ := generateTestKey(t)
	obj := &signableObject{
		UserID:   "@alice:example.org",
		DeviceID: "ALICEDEV",
	}
	_, err := VerifySignatureJSON(obj, "@alice:example.org", "ALICEDEV", signingKey)
	assert.ErrorIs(t, err, ErrSignatureNotFound)
}
