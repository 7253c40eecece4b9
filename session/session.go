// Package session owns the call lifecycle. All call state lives in one
// CallSession value mutated only by the state machine's transition function;
// every other component sees snapshot copies.
package session

import "time"

// State is the call lifecycle position.
type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateConnecting
	StateActive
	StateEnding
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reason explains a transition into StateFailed. It is terminal for the
// session instance; the machine returns to Idle and accepts new calls.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNoAnswer
	ReasonDeclined
	ReasonNegotiationFailed
	ReasonConnectionLost
	ReasonInternal
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonNoAnswer:
		return "no answer"
	case ReasonDeclined:
		return "declined"
	case ReasonNegotiationFailed:
		return "negotiation failed"
	case ReasonConnectionLost:
		return "connection lost"
	case ReasonInternal:
		return "internal error"
	default:
		return "unknown"
	}
}

// CallSession is the authoritative record of the one call this process may
// hold. Mute flags here are the single source of truth for whether captured
// frames are transmitted; capture itself always keeps running for the local
// preview.
type CallSession struct {
	ID           string
	LocalPeerID  string
	RemotePeerID string
	RemoteName   string
	State        State
	Reason       Reason
	StartedAt    time.Time
	AudioMuted   bool
	VideoMuted   bool
}

// Duration reports how long the call has been active, zero before connect.
func (s CallSession) Duration(now time.Time) time.Duration {
	if s.StartedAt.IsZero() || s.State != StateActive {
		return 0
	}
	return now.Sub(s.StartedAt)
}
