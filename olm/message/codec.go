// Package message implements the binary wire formats of olm and megolm
// messages. The formats use protobuf-style varint tag encoding.
package message

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"go.mau.fi/e2ee/olm"
)

type Encoder struct {
	buf []byte
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) PutByte(val byte) {
	e.buf = append(e.buf, val)
}

func (e *Encoder) PutVarInt(val uint64) {
	e.buf = binary.AppendUvarint(e.buf, val)
}

func (e *Encoder) PutVarBytes(data []byte) {
	e.PutVarInt(uint64(len(data)))
	e.buf = append(e.buf, data...)
}

type Decoder struct {
	*bytes.Buffer
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{bytes.NewBuffer(buf)}
}

func (d *Decoder) ReadVarInt() (uint64, error) {
	return binary.ReadUvarint(d)
}

func (d *Decoder) ReadVarBytes() ([]byte, error) {
	if n, err := d.ReadVarInt(); err != nil {
		return nil, err
	} else if n > uint64(d.Len()) {
		return nil, fmt.Errorf("%w: var bytes length says %d, but only %d bytes left", olm.ErrInputToSmall, n, d.Len())
	} else {
		out := make([]byte, n)
		_, err = d.Read(out)
		return out, err
	}
}
