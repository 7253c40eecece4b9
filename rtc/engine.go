// Package rtc owns peer-connection negotiation and lifecycle. The media
// engine itself sits behind the Engine/Connection capability interfaces so
// the call logic can be exercised against a fake without a live network.
package rtc

import (
	"context"
	"fmt"

	"termcall/media"
)

// ConnectionState mirrors the engine's connection lifecycle.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config selects the engine's connectivity servers.
type Config struct {
	STUNServers []string
}

// DefaultConfig returns the stock public STUN configuration.
func DefaultConfig() Config {
	return Config{STUNServers: []string{"stun:stun.l.google.com:19302"}}
}

// Engine creates peer connections. The production implementation wraps pion;
// tests use a scripted fake.
type Engine interface {
	CreateConnection(cfg Config) (Connection, error)
}

// Connection is one peer connection as exposed by the media engine: SDP
// negotiation, trickle ICE, raw frame I/O and state callbacks. Codec and
// jitter internals stay behind this boundary.
type Connection interface {
	// CreateOffer produces a local offer and installs it as the local
	// description. iceRestart requests fresh ICE credentials for a restart.
	CreateOffer(ctx context.Context, iceRestart bool) (string, error)

	// CreateAnswer answers a previously applied remote offer.
	CreateAnswer(ctx context.Context) (string, error)

	SetRemoteOffer(ctx context.Context, sdp string) error
	SetRemoteAnswer(ctx context.Context, sdp string) error
	AddICECandidate(candidate string) error

	// OnICECandidate registers the trickle callback; it fires once per local
	// candidate and once with the empty string when gathering completes.
	OnICECandidate(fn func(candidate string))
	OnStateChange(fn func(ConnectionState))

	OnVideoFrame(fn func(*media.Frame))
	OnAudioFrame(fn func(pcm []byte))
	SendVideoFrame(f *media.Frame) error
	SendAudioFrame(pcm []byte) error

	Close() error
}

// NegotiationError marks an SDP or ICE failure; the session transitions the
// call to Failed when it sees one.
type NegotiationError struct {
	Stage string
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
