// Package account implements the olm account, which holds the long term
// identity keys and the one time keys of a device.
package account

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"go.mau.fi/e2ee/canonicaljson"
	"go.mau.fi/e2ee/id"
	"go.mau.fi/e2ee/olm"
	"go.mau.fi/e2ee/olm/crypto"
	"go.mau.fi/e2ee/olm/pickle"
	"go.mau.fi/e2ee/olm/session"
)

const accountPickleVersion byte = 1

// MaxOneTimeKeys is the maximum number of one time keys an account stores.
const MaxOneTimeKeys = 100

// Account stores an olm account: the identity key pairs, the one time keys
// and the fallback keys.
type Account struct {
	IdKeys struct {
		Ed25519    crypto.Ed25519KeyPair    `json:"ed25519,omitempty"`
		Curve25519 crypto.Curve25519KeyPair `json:"curve25519,omitempty"`
	} `json:"identity_keys"`
	OTKeys             []crypto.OneTimeKey `json:"one_time_keys"`
	CurrentFallbackKey crypto.OneTimeKey   `json:"current_fallback_key,omitempty"`
	PrevFallbackKey    crypto.OneTimeKey   `json:"prev_fallback_key,omitempty"`
	NumFallbackKeys    uint8               `json:"number_fallback_keys"`
	NextOneTimeKeyID   uint32              `json:"next_one_time_key_id,omitempty"`
}

// NewAccount creates a new Account with new identity keys.
func NewAccount() (*Account, error) {
	a := &Account{}
	kPEd25519, err := crypto.Ed25519GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	a.IdKeys.Ed25519 = kPEd25519
	kPCurve25519, err := crypto.Curve25519GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	a.IdKeys.Curve25519 = kPCurve25519
	return a, nil
}

// AccountFromPickled loads an Account from a pickled base64 string,
// decrypting it with the supplied key.
func AccountFromPickled(pickled, key []byte) (*Account, error) {
	if len(pickled) == 0 {
		return nil, fmt.Errorf("account from pickled: %w", olm.ErrEmptyInput)
	}
	a := &Account{}
	if err := a.Unpickle(pickled, key); err != nil {
		return nil, err
	}
	return a, nil
}

// IdentityKeysJSON returns the public parts of the identity keys as JSON.
func (a *Account) IdentityKeysJSON() ([]byte, error) {
	res := struct {
		Ed25519    string `json:"ed25519"`
		Curve25519 string `json:"curve25519"`
	}{
		Ed25519:    string(a.IdKeys.Ed25519.PublicKey.B64Encoded()),
		Curve25519: string(a.IdKeys.Curve25519.B64Encoded()),
	}
	return json.Marshal(res)
}

// IdentityKeys returns the public parts of the ed25519 and curve25519
// identity keys.
func (a *Account) IdentityKeys() (id.Ed25519, id.Curve25519, error) {
	return id.Ed25519(a.IdKeys.Ed25519.PublicKey.B64Encoded()),
		id.Curve25519(a.IdKeys.Curve25519.B64Encoded()),
		nil
}

// Sign returns the base64 encoded signature of the message by the ed25519
// identity key.
func (a *Account) Sign(message []byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, fmt.Errorf("sign: %w", olm.ErrEmptyInput)
	}
	return []byte(base64.RawStdEncoding.EncodeToString(a.IdKeys.Ed25519.Sign(message))), nil
}

// SignJSON canonicalizes the JSON object and signs it with the ed25519
// identity key. The unsigned and signatures properties are stripped first.
func (a *Account) SignJSON(obj any) (string, error) {
	objJSON, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	objJSON, _ = sjson.DeleteBytes(objJSON, "unsigned")
	objJSON, _ = sjson.DeleteBytes(objJSON, "signatures")
	signature, err := a.Sign(canonicaljson.CanonicalJSONAssumeValid(objJSON))
	if err != nil {
		return "", err
	}
	return string(signature), nil
}

// OneTimeKeys returns the public parts of the unpublished one time keys of
// the account, keyed by the base64 encoded key id.
func (a *Account) OneTimeKeys() map[string]id.Curve25519 {
	oneTimeKeys := make(map[string]id.Curve25519)
	for _, curKey := range a.OTKeys {
		if !curKey.Published {
			oneTimeKeys[curKey.KeyIDEncoded()] = id.Curve25519(curKey.PublicKeyEncoded())
		}
	}
	return oneTimeKeys
}

// MarkKeysAsPublished marks the current set of one time keys and the fallback
// key as published.
func (a *Account) MarkKeysAsPublished() {
	for keyIndex := range a.OTKeys {
		a.OTKeys[keyIndex].Published = true
	}
	a.CurrentFallbackKey.Published = true
}

// MaxNumberOfOneTimeKeys returns the largest number of one time keys this
// account can store.
func (a *Account) MaxNumberOfOneTimeKeys() uint {
	return MaxOneTimeKeys
}

// GenOneTimeKeys generates a number of new one time keys. If the total number
// of keys stored by this account exceeds MaxNumberOfOneTimeKeys, the oldest
// keys are discarded.
func (a *Account) GenOneTimeKeys(num uint) error {
	for i := uint(0); i < num; i++ {
		key := crypto.OneTimeKey{
			Published: false,
			ID:        a.NextOneTimeKeyID,
		}
		newKP, err := crypto.Curve25519GenerateKey(nil)
		if err != nil {
			return err
		}
		key.Key = newKP
		a.NextOneTimeKeyID++
		a.OTKeys = append([]crypto.OneTimeKey{key}, a.OTKeys...)
	}
	if len(a.OTKeys) > MaxOneTimeKeys {
		a.OTKeys = a.OTKeys[:MaxOneTimeKeys]
	}
	return nil
}

// GenFallbackKey generates a new fallback key. The old fallback key is stored
// in PrevFallbackKey, overwriting any previous PrevFallbackKey.
func (a *Account) GenFallbackKey() error {
	a.PrevFallbackKey = a.CurrentFallbackKey
	key := crypto.OneTimeKey{
		Published: false,
		ID:        a.NextOneTimeKeyID,
	}
	newKP, err := crypto.Curve25519GenerateKey(nil)
	if err != nil {
		return err
	}
	key.Key = newKP
	a.NextOneTimeKeyID++
	if a.NumFallbackKeys < 2 {
		a.NumFallbackKeys++
	}
	a.CurrentFallbackKey = key
	return nil
}

// FallbackKey returns the public part of the current fallback key of the
// account, keyed by the base64 encoded key id.
func (a *Account) FallbackKey() map[string]id.Curve25519 {
	keys := make(map[string]id.Curve25519)
	if a.NumFallbackKeys >= 1 {
		keys[a.CurrentFallbackKey.KeyIDEncoded()] = id.Curve25519(a.CurrentFallbackKey.PublicKeyEncoded())
	}
	return keys
}

// FallbackKeyUnpublished returns the public part of the current fallback key
// if it has not been published yet.
func (a *Account) FallbackKeyUnpublished() map[string]id.Curve25519 {
	keys := make(map[string]id.Curve25519)
	if a.NumFallbackKeys >= 1 && !a.CurrentFallbackKey.Published {
		keys[a.CurrentFallbackKey.KeyIDEncoded()] = id.Curve25519(a.CurrentFallbackKey.PublicKeyEncoded())
	}
	return keys
}

// ForgetOldFallbackKey resets the previous fallback key of the account.
func (a *Account) ForgetOldFallbackKey() {
	if a.NumFallbackKeys >= 2 {
		a.NumFallbackKeys = 1
		a.PrevFallbackKey = crypto.OneTimeKey{}
	}
}

// NewOutboundSession creates a new outbound session to a device with the
// given curve25519 identity key and one time key.
func (a *Account) NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (*session.OlmSession, error) {
	if len(theirIdentityKey) == 0 || len(theirOneTimeKey) == 0 {
		return nil, fmt.Errorf("outbound session: %w", olm.ErrEmptyInput)
	}
	theirIdentityKeyDecoded, err := base64.RawStdEncoding.DecodeString(string(theirIdentityKey))
	if err != nil {
		return nil, err
	}
	theirOneTimeKeyDecoded, err := base64.RawStdEncoding.DecodeString(string(theirOneTimeKey))
	if err != nil {
		return nil, err
	}
	return session.NewOutboundOlmSession(a.IdKeys.Curve25519, theirIdentityKeyDecoded, theirOneTimeKeyDecoded)
}

// NewInboundSession creates a new inbound session from a received pre-key
// message. The one time key used to create the session is removed from the
// account.
func (a *Account) NewInboundSession(theirIdentityKey *id.Curve25519, ciphertext string) (*session.OlmSession, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("inbound session: %w", olm.ErrEmptyInput)
	}
	var theirIdentityKeyDecoded *crypto.Curve25519PublicKey
	if theirIdentityKey != nil {
		decoded, err := base64.RawStdEncoding.DecodeString(string(*theirIdentityKey))
		if err != nil {
			return nil, err
		}
		decodedKey := crypto.Curve25519PublicKey(decoded)
		theirIdentityKeyDecoded = &decodedKey
	}
	newSession, err := session.NewInboundOlmSession(theirIdentityKeyDecoded, []byte(ciphertext), a.searchOTKForOur, a.IdKeys.Curve25519)
	if err != nil {
		return nil, err
	}
	a.RemoveOneTimeKeys(newSession)
	return newSession, nil
}

// searchOTKForOur returns the one time key on this account whose public key
// matches toFind. The fallback keys are searched as well.
func (a *Account) searchOTKForOur(toFind crypto.Curve25519PublicKey) *crypto.OneTimeKey {
	for keyIndex := range a.OTKeys {
		if a.OTKeys[keyIndex].Key.PublicKey.Equal(toFind) {
			return &a.OTKeys[keyIndex]
		}
	}
	if a.NumFallbackKeys >= 1 && a.CurrentFallbackKey.Key.PublicKey.Equal(toFind) {
		return &a.CurrentFallbackKey
	}
	if a.NumFallbackKeys >= 2 && a.PrevFallbackKey.Key.PublicKey.Equal(toFind) {
		return &a.PrevFallbackKey
	}
	return nil
}

// RemoveOneTimeKeys removes the one time key used to create the session.
// Fallback keys are not removed.
func (a *Account) RemoveOneTimeKeys(s *session.OlmSession) {
	for curKeyIdx := range a.OTKeys {
		if a.OTKeys[curKeyIdx].Key.PublicKey.Equal(s.BobOneTimeKey) {
			a.OTKeys[curKeyIdx] = a.OTKeys[len(a.OTKeys)-1]
			a.OTKeys = a.OTKeys[:len(a.OTKeys)-1]
			return
		}
	}
}

// Pickle returns the account as a base64 string encrypted using the supplied
// key.
func (a *Account) Pickle(key []byte) ([]byte, error) {
	return pickle.AsJSON(a, accountPickleVersion, key)
}

// Unpickle updates the account from a base64 encrypted string using the
// supplied key.
func (a *Account) Unpickle(pickled, key []byte) error {
	return pickle.FromJSON(a, pickled, key, accountPickleVersion)
}
