// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

// OlmMachine is the main struct for handling encryption. It orchestrates the
// olm and megolm layers, the device directory and the stores.
type OlmMachine struct {
	UserID   id.UserID
	DeviceID id.DeviceID

	Transport Transport
	Log       *zerolog.Logger

	CryptoStore Store
	StateStore  StateStore

	// SendKeysMinTrust is the minimum trust state for devices to receive
	// group session keys. Devices below it get a withheld notice instead.
	SendKeysMinTrust id.TrustState
	// ErrorOnUnknownDevices makes encryption fail when there are recipient
	// devices the user hasn't interacted with before. The caller must mark
	// the devices as known (or verified/blacklisted) to retry.
	ErrorOnUnknownDevices bool

	// AllowKeyShare is the policy callback for incoming room key requests.
	// Returning nil allows the share. Defaults to DefaultAllowKeyShare.
	AllowKeyShare func(ctx context.Context, device *id.Device, info event.RequestedKeyInfo) *KeyShareRejection

	// SessionReceived is called whenever a usable inbound group session is
	// added to the store, so that pending decryption failures can be retried.
	SessionReceived func(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, firstKnownIndex uint32)

	account     *OlmAccount
	accountLock sync.Mutex

	roomKeyRequestFilled sync.Map

	keyWaiters     map[id.SessionID]chan struct{}
	keyWaitersLock sync.Mutex

	pendingFailures     map[sessionFailureKey]map[id.EventID]struct{}
	pendingFailuresLock sync.Mutex

	devicesToUnwedge     map[id.IdentityKey]bool
	devicesToUnwedgeLock sync.Mutex
	recentlyUnwedged     map[id.IdentityKey]time.Time
	recentlyUnwedgedLock sync.Mutex

	keyFetchers     map[id.UserID]*keyFetchWaiter
	keyFetchersLock sync.Mutex

	olmLock           sync.Mutex
	megolmEncryptLock sync.Mutex

	backgroundCtx context.Context
}

// NewOlmMachine creates a new OlmMachine for the given local device, using
// the given transport and stores.
func NewOlmMachine(userID id.UserID, deviceID id.DeviceID, transport Transport, log *zerolog.Logger, cryptoStore Store, stateStore StateStore) *OlmMachine {
	if log == nil {
		log = zerolog.DefaultContextLogger
		if log == nil {
			nop := zerolog.Nop()
			log = &nop
		}
	}
	mach := &OlmMachine{
		UserID:   userID,
		DeviceID: deviceID,

		Transport: transport,
		Log:       log,

		CryptoStore: cryptoStore,
		StateStore:  stateStore,

		SendKeysMinTrust: id.TrustStateUnset,

		keyWaiters:       make(map[id.SessionID]chan struct{}),
		pendingFailures:  make(map[sessionFailureKey]map[id.EventID]struct{}),
		devicesToUnwedge: make(map[id.IdentityKey]bool),
		recentlyUnwedged: make(map[id.IdentityKey]time.Time),
		keyFetchers:      make(map[id.UserID]*keyFetchWaiter),
	}
	mach.AllowKeyShare = mach.DefaultAllowKeyShare
	mach.backgroundCtx = log.WithContext(context.Background())
	return mach
}

func (mach *OlmMachine) machOrContextLog(ctx context.Context) *zerolog.Logger {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled || log == zerolog.DefaultContextLogger {
		return mach.Log
	}
	return log
}

// Load loads the account information from the crypto store. If there's no
// account, a new one is created. This must be called before using the machine.
func (mach *OlmMachine) Load(ctx context.Context) (err error) {
	mach.account, err = mach.CryptoStore.GetAccount(ctx)
	if err != nil {
		return
	}
	if mach.account == nil {
		mach.account, err = NewOlmAccount()
	}
	return
}

func (mach *OlmMachine) saveAccount(ctx context.Context) {
	err := mach.CryptoStore.PutAccount(ctx, mach.account)
	if err != nil {
		mach.machOrContextLog(ctx).Error().Err(err).Msg("Failed to save account")
	}
}

// FlushStore calls the Flush method of the CryptoStore.
func (mach *OlmMachine) FlushStore(ctx context.Context) error {
	return mach.CryptoStore.Flush(ctx)
}

// Account returns the local olm account. Load must have been called first.
func (mach *OlmMachine) Account() *OlmAccount {
	return mach.account
}

// OwnIdentity returns this device's id.Device struct.
func (mach *OlmMachine) OwnIdentity() *id.Device {
	return &id.Device{
		UserID:      mach.UserID,
		DeviceID:    mach.DeviceID,
		IdentityKey: mach.account.IdentityKey(),
		SigningKey:  mach.account.SigningKey(),
		Trust:       id.TrustStateVerified,
		Deleted:     false,
	}
}

// HandleMemberEvent invalidates the outbound group session of the room when
// a membership state actually changes (not just profile updates).
func (mach *OlmMachine) HandleMemberEvent(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMember()
	if content == nil {
		return
	}
	var prevContent *event.MemberEventContent
	if evt.Unsigned.PrevContent != nil {
		_ = evt.Unsigned.PrevContent.ParseRaw(evt.Type)
		prevContent = evt.Unsigned.PrevContent.AsMember()
	}
	if prevContent == nil {
		prevContent = &event.MemberEventContent{Membership: "unknown"}
	}
	if prevContent.Membership == content.Membership ||
		(prevContent.Membership == event.MembershipInvite && content.Membership == event.MembershipJoin) ||
		(prevContent.Membership == event.MembershipBan && content.Membership == event.MembershipLeave) ||
		(prevContent.Membership == event.MembershipLeave && content.Membership == event.MembershipBan) {
		return
	}
	mach.machOrContextLog(ctx).Trace().
		Str("room_id", evt.RoomID.String()).
		Str("user_id", evt.GetStateKey()).
		Str("prev_membership", string(prevContent.Membership)).
		Str("new_membership", string(content.Membership)).
		Msg("Got membership state change, invalidating group session in room")
	err := mach.CryptoStore.RemoveOutboundGroupSession(ctx, evt.RoomID)
	if err != nil {
		mach.machOrContextLog(ctx).Warn().Err(err).
			Str("room_id", evt.RoomID.String()).
			Msg("Failed to invalidate outbound group session")
	}
}

// HandleToDeviceEvent dispatches an incoming to-device event to the right
// handler. The event content must have been parsed already.
func (mach *OlmMachine) HandleToDeviceEvent(ctx context.Context, evt *event.Event) {
	log := mach.machOrContextLog(ctx).With().
		Str("sender", evt.Sender.String()).
		Str("type", evt.Type.String()).
		Logger()
	ctx = log.WithContext(ctx)
	switch content := evt.Content.Parsed.(type) {
	case *event.EncryptedEventContent:
		log.Debug().
			Str("sender_key", content.SenderKey.String()).
			Msg("Handling encrypted to-device event")
		decryptedEvt, err := mach.decryptOlmEvent(ctx, evt)
		if err != nil {
			log.Error().Err(err).Msg("Failed to decrypt to-device event")
			return
		}
		log = log.With().
			Str("decrypted_type", decryptedEvt.Type.String()).
			Str("sender_device", decryptedEvt.SenderDevice.String()).
			Str("sender_key", decryptedEvt.SenderKey.String()).
			Logger()
		ctx = log.WithContext(ctx)
		switch decryptedContent := decryptedEvt.Content.Parsed.(type) {
		case *event.RoomKeyEventContent:
			mach.receiveRoomKey(ctx, decryptedEvt, decryptedContent)
		case *event.ForwardedRoomKeyEventContent:
			mach.importForwardedRoomKey(ctx, decryptedEvt, decryptedContent)
		case *event.DummyEventContent:
			// The dummy event is only used to trigger creating a new olm session.
		default:
			log.Debug().Msg("Unhandled encrypted to-device event")
		}
	case *event.RoomKeyRequestEventContent:
		mach.handleRoomKeyRequest(ctx, evt.Sender, content)
	case *event.RoomKeyWithheldEventContent:
		mach.HandleRoomKeyWithheld(ctx, content)
	default:
		log.Debug().Msg("Unhandled to-device event")
	}
}

// HandleRoomKeyWithheld records a withheld notice so that decryption failures
// for the session can be annotated. It never blocks the real key from being
// accepted later.
func (mach *OlmMachine) HandleRoomKeyWithheld(ctx context.Context, content *event.RoomKeyWithheldEventContent) {
	if content.Algorithm != event.AlgorithmMegolmV1 {
		return
	}
	log := mach.machOrContextLog(ctx)
	log.Debug().
		Str("room_id", content.RoomID.String()).
		Str("session_id", content.SessionID.String()).
		Str("code", string(content.Code)).
		Str("reason", content.Reason).
		Msg("Received withheld notice for megolm session")
	// If we already have the session, the notice is stale and gets dropped.
	existing, err := mach.CryptoStore.GetGroupSession(ctx, content.RoomID, content.SessionID)
	if existing != nil {
		return
	} else if err != nil && !isWithheldError(err) {
		log.Warn().Err(err).Msg("Failed to check for existing group session before storing withheld notice")
		return
	}
	err = mach.CryptoStore.PutWithheldGroupSession(ctx, *content)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to save room key withheld event")
	}
}

func isWithheldError(err error) bool {
	_, ok := err.(*event.RoomKeyWithheldEventContent)
	return ok
}

func (mach *OlmMachine) createGroupSession(ctx context.Context, senderKey id.SenderKey, signingKey id.Ed25519, roomID id.RoomID, sessionID id.SessionID, sessionKey string, maxAge time.Duration, maxMessages int) {
	log := mach.machOrContextLog(ctx)
	igs, err := NewInboundGroupSession(senderKey, signingKey, roomID, sessionKey, maxAge, maxMessages)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create inbound group session")
		return
	} else if igs.ID() != sessionID {
		log.Warn().
			Str("expected_session_id", sessionID.String()).
			Str("actual_session_id", igs.ID().String()).
			Msg("Mismatched session ID while creating inbound group session")
		return
	}
	if !mach.shouldStoreGroupSession(ctx, igs) {
		log.Debug().
			Str("session_id", sessionID.String()).
			Msg("Not storing room key: an equal or better copy of the session exists already")
		return
	}
	err = mach.CryptoStore.PutGroupSession(ctx, igs)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Failed to store new inbound group session")
		return
	}
	mach.markSessionReceived(ctx, roomID, sessionID, igs.Internal.FirstKnownIndex())
	log.Debug().
		Str("room_id", roomID.String()).
		Str("session_id", sessionID.String()).
		Str("sender_key", senderKey.String()).
		Msg("Received inbound group session")
}

// shouldStoreGroupSession decides whether an incoming copy of a group session
// replaces what's already in the store. A copy is kept if it extends the
// decryptable range backward or upgrades an untrusted session to trusted.
// Trusted sessions are never replaced by untrusted copies.
func (mach *OlmMachine) shouldStoreGroupSession(ctx context.Context, igs *InboundGroupSession) bool {
	existing, err := mach.CryptoStore.GetGroupSession(ctx, igs.RoomID, igs.ID())
	if existing == nil || err != nil {
		// Withheld notices also land here: a real key always overrides one.
		return true
	}
	if existing.IsTrusted() && !igs.IsTrusted() {
		return false
	}
	if !existing.IsTrusted() && igs.IsTrusted() {
		return true
	}
	return igs.Internal.FirstKnownIndex() < existing.Internal.FirstKnownIndex()
}

func (mach *OlmMachine) receiveRoomKey(ctx context.Context, evt *DecryptedOlmEvent, content *event.RoomKeyEventContent) {
	if content.Algorithm != event.AlgorithmMegolmV1 || evt.Keys.Ed25519 == "" {
		mach.machOrContextLog(ctx).Debug().
			Str("algorithm", string(content.Algorithm)).
			Bool("has_ed25519_key", evt.Keys.Ed25519 != "").
			Msg("Ignoring room key with unsupported algorithm or missing signing key")
		return
	}
	mach.createGroupSession(ctx, evt.SenderKey, evt.Keys.Ed25519, content.RoomID, content.SessionID, content.SessionKey, time.Duration(content.MaxAge)*time.Millisecond, content.MaxMessages)
}

// HandleOTKCounts makes sure the server-side one-time key pool is full enough
// whenever a sync response reports the current counts.
func (mach *OlmMachine) HandleOTKCounts(ctx context.Context, otkCount *OTKCount) error {
	minCount := mach.account.Internal.MaxNumberOfOneTimeKeys() / 2
	if otkCount.SignedCurve25519 < int(minCount) {
		return mach.ShareKeys(ctx, otkCount.SignedCurve25519)
	}
	return nil
}

// HandleDeviceLists marks the given users' device lists as outdated and
// re-fetches the ones we share encrypted rooms with.
func (mach *OlmMachine) HandleDeviceLists(ctx context.Context, changed []id.UserID) {
	if len(changed) == 0 {
		return
	}
	tracked, err := mach.CryptoStore.FilterTrackedUsers(ctx, changed)
	if err != nil {
		mach.machOrContextLog(ctx).Warn().Err(err).Msg("Failed to filter tracked users for device list changes")
		return
	}
	if len(tracked) == 0 {
		return
	}
	err = mach.CryptoStore.MarkTrackedUsersOutdated(ctx, tracked)
	if err != nil {
		mach.machOrContextLog(ctx).Warn().Err(err).Msg("Failed to mark changed users as outdated")
	}
	mach.machOrContextLog(ctx).Debug().
		Int("user_count", len(tracked)).
		Msg("Fetching changed device lists")
	mach.FetchKeys(ctx, tracked, false)
}

// ShareKeys uploads the local device keys (on first call) and enough one-time
// keys to refill the server-side pool.
func (mach *OlmMachine) ShareKeys(ctx context.Context, currentOTKCount int) error {
	log := mach.machOrContextLog(ctx)
	mach.accountLock.Lock()
	defer mach.accountLock.Unlock()
	var deviceKeys *DeviceKeys
	if !mach.account.Shared {
		var err error
		deviceKeys, err = mach.account.getInitialKeys(mach.UserID, mach.DeviceID)
		if err != nil {
			return fmt.Errorf("failed to prepare initial device keys: %w", err)
		}
		log.Debug().Msg("Going to upload initial account keys")
	}
	oneTimeKeys, err := mach.account.getOneTimeKeys(mach.UserID, mach.DeviceID, currentOTKCount)
	if err != nil {
		return fmt.Errorf("failed to prepare one-time keys: %w", err)
	}
	if len(oneTimeKeys) == 0 && deviceKeys == nil {
		log.Debug().Msg("No one-time keys nor device keys got when trying to share keys")
		return nil
	}
	req := &ReqUploadKeys{
		DeviceKeys:  deviceKeys,
		OneTimeKeys: oneTimeKeys,
	}
	log.Debug().Int("one_time_key_count", len(oneTimeKeys)).Msg("Uploading keys")
	_, err = mach.Transport.UploadKeys(ctx, req)
	if err != nil {
		return err
	}
	mach.account.Shared = true
	mach.saveAccount(ctx)
	log.Debug().Msg("Shared keys and saved account")
	return nil
}
