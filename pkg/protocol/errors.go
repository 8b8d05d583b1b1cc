package protocol

import "errors"

var (
	ErrMalformedConfig    = errors.New("malformed sensor configuration")
	ErrNegotiationRetries = errors.New("negotiation checksum retries exhausted")
	ErrPacketSize         = errors.New("packet length does not match negotiated size")
	ErrOutOfRange         = errors.New("channel value out of range")
	ErrBadQuaternion      = errors.New("invalid quaternion")
)
