// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package signatures

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"go.mau.fi/e2ee/canonicaljson"
	"go.mau.fi/e2ee/id"
)

var (
	ErrSignatureNotFound     = errors.New("input JSON doesn't contain signature from specified device")
	ErrInvalidSignatureBytes = errors.New("signature isn't valid base64")
	ErrInvalidKeyBytes       = errors.New("signing key isn't valid base64")
)

// SignJSON marshals the given object, strips the unsigned and signatures
// fields, canonicalizes the result and returns the base64 of the ed25519
// signature over it.
func SignJSON(key ed25519.PrivateKey, obj any) (string, error) {
	objJSON, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("failed to marshal object: %w", err)
	}
	objJSON, _ = sjson.DeleteBytes(objJSON, "unsigned")
	objJSON, _ = sjson.DeleteBytes(objJSON, "signatures")
	signature := ed25519.Sign(key, canonicaljson.CanonicalJSONAssumeValid(objJSON))
	return base64.RawStdEncoding.EncodeToString(signature), nil
}

// VerifySignatureJSON verifies the signature of the given userID and keyName
// inside the object against the given ed25519 signing key. The unsigned and
// signatures fields are stripped before canonicalization, matching SignJSON.
func VerifySignatureJSON(obj any, userID id.UserID, keyName string, key id.Ed25519) (bool, error) {
	var err error
	objJSON, err := json.Marshal(obj)
	if err != nil {
		return false, fmt.Errorf("failed to marshal object: %w", err)
	}
	sigPath := fmt.Sprintf("signatures.%s.%s", escapeGJSONPath(userID.String()), escapeGJSONPath(fmt.Sprintf("ed25519:%s", keyName)))
	signature := gjson.GetBytes(objJSON, sigPath)
	if !signature.Exists() {
		return false, ErrSignatureNotFound
	}
	signatureBytes, err := base64.RawStdEncoding.DecodeString(signature.Str)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidSignatureBytes, err)
	}
	keyBytes, err := base64.RawStdEncoding.DecodeString(key.String())
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidKeyBytes, err)
	}
	objJSON, _ = sjson.DeleteBytes(objJSON, "unsigned")
	objJSON, _ = sjson.DeleteBytes(objJSON, "signatures")
	return ed25519.Verify(keyBytes, canonicaljson.CanonicalJSONAssumeValid(objJSON), signatureBytes), nil
}

func escapeGJSONPath(path string) string {
	return strings.ReplaceAll(strings.ReplaceAll(path, ".", `\.`), "*", `\*`)
}
