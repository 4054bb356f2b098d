package crypto

import (
	"encoding/base64"
	"encoding/binary"

	"go.mau.fi/e2ee/id"
)

// OneTimeKey stores the information about a one time key.
type OneTimeKey struct {
	ID        uint32            `json:"id"`
	Published bool              `json:"published"`
	Key       Curve25519KeyPair `json:"key,omitempty"`
}

// Equal compares the one time key to the given one.
func (otk OneTimeKey) Equal(s OneTimeKey) bool {
	return otk.ID == s.ID &&
		otk.Published == s.Published &&
		otk.Key.PrivateKey.Equal(s.Key.PrivateKey) &&
		otk.Key.PublicKey.Equal(s.Key.PublicKey)
}

// KeyIDEncoded returns the base64 encoded ID of the key.
func (otk OneTimeKey) KeyIDEncoded() string {
	resSlice := make([]byte, 4)
	binary.BigEndian.PutUint32(resSlice, otk.ID)
	return base64.RawStdEncoding.EncodeToString(resSlice)
}

// PublicKeyEncoded returns the base64 encoded public key.
func (otk OneTimeKey) PublicKeyEncoded() id.Curve25519 {
	return otk.Key.PublicKey.B64Encoded()
}
