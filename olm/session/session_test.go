package session_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/e2ee/id"
	"go.mau.fi/e2ee/olm/account"
	"go.mau.fi/e2ee/olm/session"
)

func claimOneTimeKey(t *testing.T, acc *account.Account) id.Curve25519 {
	t.Helper()
	require.NoError(t, acc.GenOneTimeKeys(1))
	for _, key := range acc.OneTimeKeys() {
		return key
	}
	t.Fatal("no one-time key generated")
	return ""
}

func TestOlmSessionHandshake(t *testing.T) {
	alice, err := account.NewAccount()
	require.NoError(t, err)
	bob, err := account.NewAccount()
	require.NoError(t, err)
	_, aliceIdentityKey, err := alice.IdentityKeys()
	require.NoError(t, err)
	_, bobIdentityKey, err := bob.IdentityKeys()
	require.NoError(t, err)

	aliceSession, err := alice.NewOutboundSession(bobIdentityKey, claimOneTimeKey(t, bob))
	require.NoError(t, err)

	msgType, ciphertext, err := aliceSession.Encrypt([]byte("hello bob"))
	require.NoError(t, err)
	assert.Equal(t, id.OlmMsgTypePreKey, msgType)

	bobSession, err := bob.NewInboundSession(&aliceIdentityKey, string(ciphertext))
	require.NoError(t, err)
	assert.Equal(t, aliceSession.ID(), bobSession.ID())

	plaintext, err := bobSession.Decrypt(ciphertext, msgType)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello bob"), plaintext)
	assert.True(t, bobSession.HasReceivedMessage())

	// Messages after the handshake use the normal message type.
	msgType, reply, err := bobSession.Encrypt([]byte("hello alice"))
	require.NoError(t, err)
	assert.Equal(t, id.OlmMsgTypeMsg, msgType)

	plaintext, err = aliceSession.Decrypt(reply, msgType)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello alice"), plaintext)
}

func TestOlmSessionMatchesInbound(t *testing.T) {
	alice, err := account.NewAccount()
	require.NoError(t, err)
	bob, err := account.NewAccount()
	require.NoError(t, err)
	_, aliceIdentityKey, err := alice.IdentityKeys()
	require.NoError(t, err)
	_, bobIdentityKey, err := bob.IdentityKeys()
	require.NoError(t, err)

	aliceSession, err := alice.NewOutboundSession(bobIdentityKey, claimOneTimeKey(t, bob))
	require.NoError(t, err)
	_, ciphertext, err := aliceSession.Encrypt([]byte("first"))
	require.NoError(t, err)

	bobSession, err := bob.NewInboundSession(&aliceIdentityKey, string(ciphertext))
	require.NoError(t, err)

	matches, err := bobSession.MatchesInboundSessionFrom(&aliceIdentityKey, ciphertext)
	require.NoError(t, err)
	assert.True(t, matches)

	// A pre-key message from a different session doesn't match.
	otherSession, err := alice.NewOutboundSession(bobIdentityKey, claimOneTimeKey(t, bob))
	require.NoError(t, err)
	_, otherCiphertext, err := otherSession.Encrypt([]byte("other"))
	require.NoError(t, err)
	matches, err = bobSession.MatchesInboundSessionFrom(&aliceIdentityKey, otherCiphertext)
	require.NoError(t, err)
	assert.False(t, matches)
}

func TestOlmSessionPickle(t *testing.T) {
	alice, err := account.NewAccount()
	require.NoError(t, err)
	bob, err := account.NewAccount()
	require.NoError(t, err)
	_, bobIdentityKey, err := bob.IdentityKeys()
	require.NoError(t, err)

	aliceSession, err := alice.NewOutboundSession(bobIdentityKey, claimOneTimeKey(t, bob))
	require.NoError(t, err)

	pickled, err := aliceSession.Pickle([]byte("secret"))
	require.NoError(t, err)

	restored, err := session.OlmSessionFromPickled(pickled, []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, aliceSession.ID(), restored.ID())

	_, err = session.OlmSessionFromPickled(pickled, []byte("wrong key"))
	assert.Error(t, err)
}

func TestMegolmSessionRoundtrip(t *testing.T) {
	outbound, err := session.NewMegolmOutboundSession()
	require.NoError(t, err)
	assert.EqualValues(t, 0, outbound.MessageIndex())

	sessionKey, err := outbound.Key()
	require.NoError(t, err)
	inbound, err := session.NewMegolmInboundSession(sessionKey)
	require.NoError(t, err)
	assert.Equal(t, outbound.ID(), inbound.ID())
	assert.True(t, inbound.IsVerified())
	assert.EqualValues(t, 0, inbound.FirstKnownIndex())

	ciphertext, err := outbound.Encrypt([]byte("group message"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, outbound.MessageIndex())

	plaintext, index, err := inbound.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("group message"), plaintext)
	assert.EqualValues(t, 0, index)
}

func TestMegolmSessionExportImport(t *testing.T) {
	outbound, err := session.NewMegolmOutboundSession()
	require.NoError(t, err)

	// Advance the ratchet a bit before sharing.
	for i := 0; i < 3; i++ {
		_, err = outbound.Encrypt([]byte("skipped"))
		require.NoError(t, err)
	}
	sessionKey, err := outbound.Key()
	require.NoError(t, err)
	inbound, err := session.NewMegolmInboundSession(sessionKey)
	require.NoError(t, err)
	assert.EqualValues(t, 3, inbound.FirstKnownIndex())

	exported, err := inbound.Export(inbound.FirstKnownIndex())
	require.NoError(t, err)
	imported, err := session.ImportMegolmInboundSession(exported)
	require.NoError(t, err)
	assert.Equal(t, inbound.ID(), imported.ID())
	assert.EqualValues(t, 3, imported.FirstKnownIndex())
	// Exported sessions lose the signature and are no longer verified.
	assert.False(t, imported.IsVerified())

	ciphertext, err := outbound.Encrypt([]byte("after export"))
	require.NoError(t, err)
	plaintext, index, err := imported.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("after export"), plaintext)
	assert.EqualValues(t, 3, index)
}

func TestMegolmInboundSessionPickle(t *testing.T) {
	outbound, err := session.NewMegolmOutboundSession()
	require.NoError(t, err)
	sessionKey, err := outbound.Key()
	require.NoError(t, err)
	inbound, err := session.NewMegolmInboundSession(sessionKey)
	require.NoError(t, err)

	pickled, err := inbound.Pickle([]byte("secret"))
	require.NoError(t, err)
	restored, err := session.MegolmInboundSessionFromPickled(pickled, []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, inbound.ID(), restored.ID())
	assert.Equal(t, inbound.IsVerified(), restored.IsVerified())

	ciphertext, err := outbound.Encrypt([]byte("pickled session"))
	require.NoError(t, err)
	plaintext, _, err := restored.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("pickled session"), plaintext)
}
