package stream

import (
	"fmt"

	"github.com/gosuda/auditwatch/internal/domain"
)

// Trigger is an input to the connection state machine.
type Trigger int

const (
	TriggerConnect   Trigger = iota // caller asked to connect
	TriggerFirstByte                // first byte of a stream body arrived
	TriggerFailure                  // open/read error or heartbeat timeout, retries left
	TriggerExhausted                // failure with no retries left
	TriggerClosed                   // server closed an established stream
	TriggerCancel                   // caller disconnected
)

func (t Trigger) String() string {
	switch t {
	case TriggerConnect:
		return "connect"
	case TriggerFirstByte:
		return "first_byte"
	case TriggerFailure:
		return "failure"
	case TriggerExhausted:
		return "exhausted"
	case TriggerClosed:
		return "closed"
	case TriggerCancel:
		return "cancel"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

var transitions = map[domain.ConnectionState]map[Trigger]domain.ConnectionState{ //nolint:gochecknoglobals // transition table
	domain.ConnDisconnected: {
		TriggerConnect: domain.ConnConnecting,
		TriggerCancel:  domain.ConnDisconnected,
	},
	domain.ConnConnecting: {
		TriggerFirstByte: domain.ConnConnected,
		TriggerFailure:   domain.ConnReconnecting,
		TriggerExhausted: domain.ConnFailed,
		TriggerCancel:    domain.ConnDisconnected,
	},
	domain.ConnConnected: {
		TriggerFailure:   domain.ConnReconnecting,
		TriggerExhausted: domain.ConnFailed,
		TriggerClosed:    domain.ConnDisconnected,
		TriggerCancel:    domain.ConnDisconnected,
	},
	domain.ConnReconnecting: {
		TriggerFirstByte: domain.ConnConnected,
		TriggerFailure:   domain.ConnReconnecting,
		TriggerExhausted: domain.ConnFailed,
		TriggerCancel:    domain.ConnDisconnected,
	},
	domain.ConnFailed: {
		TriggerCancel: domain.ConnDisconnected,
	},
}

// Next returns the state reached from s on t.
func Next(s domain.ConnectionState, t Trigger) (domain.ConnectionState, error) {
	if to, ok := transitions[s][t]; ok {
		return to, nil
	}
	return s, fmt.Errorf("stream.Next: %s on %s: %w", s, t, domain.ErrInvalidTransition)
}
