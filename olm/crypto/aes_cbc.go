package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"go.mau.fi/e2ee/olm"
)

// AESCBCBlocksize returns the block size of AES-CBC.
func AESCBCBlocksize() int {
	return aes.BlockSize
}

// AESCBCEncrypt encrypts the plaintext with the key and iv. len(iv) must be
// equal to the block size. The plaintext is padded with PKCS#7.
func AESCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("aes-cbc encrypt: %w", olm.ErrNoKeyProvided)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv: %w", olm.ErrNotBlocksize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plaintext = pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)
	return ciphertext, nil
}

// AESCBCDecrypt decrypts the ciphertext with the key and iv. len(iv) must be
// equal to the block size.
func AESCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("aes-cbc decrypt: %w", olm.ErrNoKeyProvided)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv: %w", olm.ErrNotBlocksize)
	}
	if len(ciphertext) < aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext: %w", olm.ErrNotBlocksize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext), nil
}

func pkcs7Pad(plaintext []byte, blockSize int) []byte {
	padding := blockSize - len(plaintext)%blockSize
	return append(plaintext, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(plaintext []byte) []byte {
	length := len(plaintext)
	unpadding := int(plaintext[length-1])
	if unpadding > length {
		return plaintext
	}
	return plaintext[:length-unpadding]
}
