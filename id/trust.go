// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"fmt"
	"strings"
)

// TrustState determines how trusted a device is.
type TrustState int

const (
	TrustStateBlacklisted TrustState = -100
	TrustStateUnset       TrustState = 0
	// TrustStateKnown means the user has acknowledged the device's existence
	// without verifying its keys.
	TrustStateKnown    TrustState = 100
	TrustStateVerified TrustState = 300
	TrustStateInvalid  TrustState = (2 << 31) - 1
)

func (ts *TrustState) UnmarshalText(data []byte) error {
	strData := string(data)
	state := ParseTrustState(strData)
	if state == TrustStateInvalid {
		return fmt.Errorf("invalid trust state %q", strData)
	}
	*ts = state
	return nil
}

func (ts *TrustState) MarshalText() ([]byte, error) {
	return []byte(ts.String()), nil
}

func ParseTrustState(val string) TrustState {
	switch strings.ToLower(val) {
	case "blacklisted":
		return TrustStateBlacklisted
	case "unverified":
		return TrustStateUnset
	case "known":
		return TrustStateKnown
	case "verified":
		return TrustStateVerified
	default:
		return TrustStateInvalid
	}
}

func (ts TrustState) String() string {
	switch ts {
	case TrustStateBlacklisted:
		return "blacklisted"
	case TrustStateUnset:
		return "unverified"
	case TrustStateKnown:
		return "known"
	case TrustStateVerified:
		return "verified"
	default:
		return "invalid"
	}
}
