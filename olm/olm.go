// Package olm implements the olm double ratchet and the megolm group ratchet
// in pure Go, along with the account and session types wrapping them.
//
// The subpackages are layered bottom-up: crypto holds the raw primitives,
// message the wire codecs, ratchet and megolm the ratchet constructions, and
// session and account the stateful objects used by the machine layer.
package olm

import "errors"

// Errors shared by the olm subpackages.
var (
	ErrEmptyInput           = errors.New("empty input")
	ErrNoKeyProvided        = errors.New("no key")
	ErrBadMAC               = errors.New("invalid MAC")
	ErrBadSignature         = errors.New("invalid signature")
	ErrBadMessageFormat     = errors.New("bad message format")
	ErrBadMessageKeyID      = errors.New("bad message key ID")
	ErrBadVersion           = errors.New("unsupported version")
	ErrWrongProtocolVersion = errors.New("wrong protocol version")
	ErrInputToSmall         = errors.New("input too small (truncated?)")
	ErrMsgIndexTooHigh      = errors.New("message index too high")
	ErrChainTooHigh         = errors.New("chain index too high")
	ErrMessageKeyNotFound   = errors.New("message key not found")
	ErrProtocolViolation    = errors.New("protocol violation")
	ErrRatchetNotAvailable  = errors.New("ratchet not available: attempt to decode a message whose index is earlier than our earliest known session key")
	ErrNotBlocksize         = errors.New("length is not a multiple of the block size")
	ErrWrongPickleVersion   = errors.New("wrong pickle version")
)
