package message

import (
	"io"

	"go.mau.fi/e2ee/olm/aessha2"
	"go.mau.fi/e2ee/olm/crypto"
)

const (
	messageIndexTag           = 0x08
	cipherTextTag             = 0x12
	countMACBytesGroupMessage = 8
)

// GroupMessage represents a message in the megolm group message format. The
// encoded form carries a truncated MAC and an ed25519 signature trailer.
type GroupMessage struct {
	Version         byte   `json:"version"`
	MessageIndex    uint32 `json:"index"`
	HasMessageIndex bool   `json:"has_index"`
	Ciphertext      []byte `json:"ciphertext"`
}

// Decode decodes the input and populates the corresponding fields. MAC and
// signature are ignored here but have to be present.
func (r *GroupMessage) Decode(input []byte) (err error) {
	r.Version = 0
	r.MessageIndex = 0
	r.HasMessageIndex = false
	r.Ciphertext = nil
	trailerLen := countMACBytesGroupMessage + crypto.ED25519SignatureSize
	if len(input) <= trailerLen {
		return nil
	}

	decoder := NewDecoder(input[:len(input)-trailerLen])
	r.Version, err = decoder.ReadByte() // first byte is always version
	if err != nil {
		return
	}

	for {
		if curKey, err := decoder.ReadVarInt(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		} else if (curKey & 0b111) == 0 {
			// The value is of type varint
			if value, err := decoder.ReadVarInt(); err != nil {
				return err
			} else if curKey == messageIndexTag {
				r.MessageIndex = uint32(value)
				r.HasMessageIndex = true
			}
		} else if (curKey & 0b111) == 2 {
			// The value is of type string
			if value, err := decoder.ReadVarBytes(); err != nil {
				return err
			} else if curKey == cipherTextTag {
				r.Ciphertext = value
			}
		}
	}
}

// EncodeAndMACAndSign encodes the message, appends the truncated MAC
// calculated with the cipher and signs the whole thing with the key.
func (r *GroupMessage) EncodeAndMACAndSign(cipher aessha2.AESSHA2, key crypto.Ed25519KeyPair) ([]byte, error) {
	var encoder Encoder
	encoder.PutByte(r.Version)
	encoder.PutVarInt(messageIndexTag)
	encoder.PutVarInt(uint64(r.MessageIndex))
	encoder.PutVarInt(cipherTextTag)
	encoder.PutVarBytes(r.Ciphertext)
	mac, err := cipher.MAC(encoder.Bytes())
	if err != nil {
		return nil, err
	}
	out := append(encoder.Bytes(), mac[:countMACBytesGroupMessage]...)
	return append(out, key.Sign(out)...), nil
}

// VerifySignatureInline verifies the signature at the end of the raw message.
func (r *GroupMessage) VerifySignatureInline(key crypto.Ed25519PublicKey, message []byte) bool {
	signature := message[len(message)-crypto.ED25519SignatureSize:]
	return key.Verify(message[:len(message)-crypto.ED25519SignatureSize], signature)
}

// VerifyMACInline verifies the MAC before the signature trailer against the
// MAC calculated with the cipher.
func (r *GroupMessage) VerifyMACInline(cipher aessha2.AESSHA2, message []byte) (bool, error) {
	startMAC := len(message) - countMACBytesGroupMessage - crypto.ED25519SignatureSize
	endMAC := startMAC + countMACBytesGroupMessage
	return cipher.VerifyMAC(message[:startMAC], message[startMAC:endMAC])
}
