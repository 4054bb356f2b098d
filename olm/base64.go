package olm

import "encoding/base64"

// Base64Encode encodes the input as unpadded base64.
func Base64Encode(input []byte) []byte {
	output := make([]byte, base64.RawStdEncoding.EncodedLen(len(input)))
	base64.RawStdEncoding.Encode(output, input)
	return output
}

// Base64Decode decodes the unpadded base64 input.
func Base64Decode(input []byte) ([]byte, error) {
	output := make([]byte, base64.RawStdEncoding.DecodedLen(len(input)))
	_, err := base64.RawStdEncoding.Decode(output, input)
	if err != nil {
		return nil, err
	}
	return output, nil
}
