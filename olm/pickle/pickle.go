// Package pickle implements the encrypted at-rest serialization used for
// accounts and sessions. The serialized form is versioned JSON, encrypted
// with AES-CBC + HMAC-SHA256 keyed from the pickle key and base64 encoded.
package pickle

import (
	"crypto/aes"
	"encoding/json"
	"fmt"

	"go.mau.fi/e2ee/olm"
	"go.mau.fi/e2ee/olm/aessha2"
)

const (
	kdfPickle       = "Pickle"
	pickleMACLength = 8
)

// Pickle encrypts the input with the key and appends a truncated MAC. The
// result is base64 encoded.
func Pickle(key, input []byte) ([]byte, error) {
	cipher, err := aessha2.NewAESSHA2(key, []byte(kdfPickle))
	if err != nil {
		return nil, err
	}
	ciphertext, err := cipher.Encrypt(input)
	if err != nil {
		return nil, err
	}
	mac, err := cipher.MAC(ciphertext)
	if err != nil {
		return nil, err
	}
	return olm.Base64Encode(append(ciphertext, mac[:pickleMACLength]...)), nil
}

// Unpickle decodes the base64 input, verifies the MAC and decrypts the rest.
func Unpickle(key, input []byte) ([]byte, error) {
	cipher, err := aessha2.NewAESSHA2(key, []byte(kdfPickle))
	if err != nil {
		return nil, err
	}
	ciphertext, err := olm.Base64Decode(input)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < pickleMACLength+aes.BlockSize {
		return nil, fmt.Errorf("unpickle: %w", olm.ErrInputToSmall)
	}
	mac := ciphertext[len(ciphertext)-pickleMACLength:]
	ciphertext = ciphertext[:len(ciphertext)-pickleMACLength]
	if verified, err := cipher.VerifyMAC(ciphertext, mac); err != nil {
		return nil, err
	} else if !verified {
		return nil, fmt.Errorf("unpickle: %w", olm.ErrBadMAC)
	}
	return cipher.Decrypt(ciphertext)
}

// AsJSON marshals the object, prepends the version byte and encrypts the
// result with the key.
func AsJSON(object any, version byte, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("pickle: %w", olm.ErrNoKeyProvided)
	}
	marshaled, err := json.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("pickle marshal: %w", err)
	}
	return Pickle(key, append([]byte{version}, marshaled...))
}

// FromJSON decrypts the pickled input with the key, checks the version byte
// and unmarshals the rest into the object.
func FromJSON(object any, pickled, key []byte, version byte) error {
	if len(key) == 0 {
		return fmt.Errorf("unpickle: %w", olm.ErrNoKeyProvided)
	}
	decrypted, err := Unpickle(key, pickled)
	if err != nil {
		return fmt.Errorf("unpickle decrypt: %w", err)
	}
	if len(decrypted) == 0 {
		return fmt.Errorf("unpickle: %w", olm.ErrEmptyInput)
	}
	if decrypted[0] != version {
		return fmt.Errorf("unpickle: %w", olm.ErrWrongPickleVersion)
	}
	return json.Unmarshal(decrypted[1:], object)
}
