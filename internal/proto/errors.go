package proto

import "errors"

var (
	ErrInvalidMagic        = errors.New("proto: invalid magic")
	ErrUnsupportedVersion  = errors.New("proto: unsupported version")
	ErrPayloadTooLarge     = errors.New("proto: payload too large")
	ErrTruncated           = errors.New("proto: truncated data")
	ErrInvalidLength       = errors.New("proto: invalid length")
	ErrFieldTypeMismatch   = errors.New("proto: field type mismatch")
	ErrMessageTypeMismatch = errors.New("proto: message type mismatch")
	ErrMissingField        = errors.New("proto: missing required field")
	ErrInvalidMessage      = errors.New("proto: invalid message")
)
