// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

// Membership is an enum for the membership field of a m.room.member event.
type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipLeave  Membership = "leave"
	MembershipInvite Membership = "invite"
	MembershipBan    Membership = "ban"
	MembershipKnock  Membership = "knock"
)

// MemberEventContent represents the content of a m.room.member state event.
// Only the fields the encryption core cares about are included.
type MemberEventContent struct {
	Membership  Membership `json:"membership"`
	Displayname string     `json:"displayname,omitempty"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
}
