package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound          = errors.New("domain: not found")
	ErrNoTask            = errors.New("domain: no task selected")
	ErrInvalidTransition = errors.New("domain: invalid connection state transition")
	ErrHeartbeatTimeout  = errors.New("domain: heartbeat timeout")
	ErrStreamClosed      = errors.New("domain: stream closed before first byte")
	ErrUnexpectedStatus  = errors.New("domain: unexpected response status")
	ErrRetriesExhausted  = errors.New("domain: reconnect attempts exhausted")
	ErrMalformedFrame    = errors.New("domain: malformed frame")
)
