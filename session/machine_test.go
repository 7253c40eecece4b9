package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termcall/presence"
	"termcall/signal"
)

// hookRecorder captures every hook invocation so tests can assert on the
// machine's side effects.
type hookRecorder struct {
	mu         sync.Mutex
	published  []signal.Message
	negotiated []string
	asCaller   []bool
	teardowns  int
	presences  []presence.Status
	audioOn    []bool
	videoOn    []bool
	publishErr error
}

func (r *hookRecorder) hooks() Hooks {
	return Hooks{
		Negotiate: func(remoteID string, asCaller bool) {
			r.mu.Lock()
			r.negotiated = append(r.negotiated, remoteID)
			r.asCaller = append(r.asCaller, asCaller)
			r.mu.Unlock()
		},
		Teardown: func() {
			r.mu.Lock()
			r.teardowns++
			r.mu.Unlock()
		},
		Publish: func(ctx context.Context, msg signal.Message) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.publishErr != nil {
				return r.publishErr
			}
			r.published = append(r.published, msg)
			return nil
		},
		Presence: func(s presence.Status) {
			r.mu.Lock()
			r.presences = append(r.presences, s)
			r.mu.Unlock()
		},
		SetAudioEnabled: func(enabled bool) {
			r.mu.Lock()
			r.audioOn = append(r.audioOn, enabled)
			r.mu.Unlock()
		},
		SetVideoEnabled: func(enabled bool) {
			r.mu.Lock()
			r.videoOn = append(r.videoOn, enabled)
			r.mu.Unlock()
		},
	}
}

func (r *hookRecorder) publishedTypes() []signal.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]signal.Type, 0, len(r.published))
	for _, m := range r.published {
		out = append(out, m.Type)
	}
	return out
}

func (r *hookRecorder) lastPresence() presence.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.presences) == 0 {
		return ""
	}
	return r.presences[len(r.presences)-1]
}

func inviteFrom(peer string) signal.Message {
	m := signal.NewMessage(signal.TypeCallInvite, peer, "local")
	m.DisplayName = peer
	return m
}

func TestPlaceCallOnlyWhileIdle(t *testing.T) {
	rec := &hookRecorder{}
	m := NewMachine("local", rec.hooks())
	ctx := context.Background()

	require.NoError(t, m.PlaceCall(ctx, "peer-1", "Peer One"))
	assert.Equal(t, StateOutgoing, m.Snapshot().State)
	assert.Equal(t, []signal.Type{signal.TypeCallInvite}, rec.publishedTypes())

	err := m.PlaceCall(ctx, "peer-2", "Peer Two")
	require.Error(t, err)
	assert.Equal(t, "peer-1", m.Snapshot().RemotePeerID)
}

func TestInviteWhileBusyGetsDeclined(t *testing.T) {
	rec := &hookRecorder{}
	m := NewMachine("local", rec.hooks())
	ctx := context.Background()

	require.NoError(t, m.PlaceCall(ctx, "peer-1", "Peer One"))
	m.HandleMessage(ctx, inviteFrom("peer-2"))

	assert.Equal(t, StateOutgoing, m.Snapshot().State)
	types := rec.publishedTypes()
	require.Len(t, types, 2)
	assert.Equal(t, signal.TypeCallDecline, types[1])

	rec.mu.Lock()
	assert.Equal(t, "busy", rec.published[1].Reason)
	assert.Equal(t, "peer-2", rec.published[1].To)
	rec.mu.Unlock()
}

func TestRedeliveredInviteFromCurrentPeerIgnored(t *testing.T) {
	rec := &hookRecorder{}
	m := NewMachine("local", rec.hooks())
	ctx := context.Background()

	m.HandleMessage(ctx, inviteFrom("caller"))
	assert.Equal(t, StateIncoming, m.Snapshot().State)

	// the store redelivers the same invite; it must not be declined, or the
	// caller would see its own live call rejected
	m.HandleMessage(ctx, inviteFrom("caller"))
	assert.Equal(t, StateIncoming, m.Snapshot().State)
	assert.Empty(t, rec.publishedTypes())

	// and again once the call is up
	require.NoError(t, m.Accept(ctx))
	m.OnConnected()
	m.HandleMessage(ctx, inviteFrom("caller"))
	assert.Equal(t, StateActive, m.Snapshot().State)
	for _, typ := range rec.publishedTypes() {
		assert.NotEqual(t, signal.TypeCallDecline, typ)
	}
}

func TestIncomingAcceptToActive(t *testing.T) {
	rec := &hookRecorder{}
	m := NewMachine("local", rec.hooks())
	ctx := context.Background()

	m.HandleMessage(ctx, inviteFrom("caller"))
	s := m.Snapshot()
	assert.Equal(t, StateIncoming, s.State)
	assert.Equal(t, "caller", s.RemotePeerID)

	require.NoError(t, m.Accept(ctx))
	assert.Equal(t, StateConnecting, m.Snapshot().State)
	rec.mu.Lock()
	require.Equal(t, []string{"caller"}, rec.negotiated)
	assert.Equal(t, []bool{false}, rec.asCaller)
	rec.mu.Unlock()

	m.OnConnected()
	s = m.Snapshot()
	assert.Equal(t, StateActive, s.State)
	assert.False(t, s.StartedAt.IsZero())
	assert.Equal(t, presence.StatusInCall, rec.lastPresence())
}

func TestDeclineReturnsToIdle(t *testing.T) {
	rec := &hookRecorder{}
	m := NewMachine("local", rec.hooks())
	ctx := context.Background()

	m.HandleMessage(ctx, inviteFrom("caller"))
	require.NoError(t, m.Decline(ctx))

	assert.Equal(t, StateIdle, m.Snapshot().State)
	types := rec.publishedTypes()
	require.Len(t, types, 1)
	assert.Equal(t, signal.TypeCallDecline, types[0])
	rec.mu.Lock()
	assert.Equal(t, 1, rec.teardowns)
	rec.mu.Unlock()
}

func TestCallAcceptStartsNegotiationAsCaller(t *testing.T) {
	rec := &hookRecorder{}
	m := NewMachine("local", rec.hooks())
	ctx := context.Background()

	require.NoError(t, m.PlaceCall(ctx, "callee", "Callee"))
	m.HandleMessage(ctx, signal.NewMessage(signal.TypeCallAccept, "callee", "local"))

	assert.Equal(t, StateConnecting, m.Snapshot().State)
	rec.mu.Lock()
	require.Equal(t, []string{"callee"}, rec.negotiated)
	assert.Equal(t, []bool{true}, rec.asCaller)
	rec.mu.Unlock()
}

func TestNoAnswerTimeout(t *testing.T) {
	rec := &hookRecorder{}
	m := NewMachine("local", rec.hooks())
	m.inviteTimeout = 20 * time.Millisecond
	ctx := context.Background()

	var mu sync.Mutex
	var states []State
	var reasons []Reason
	unsub := m.Subscribe(func(s CallSession) {
		mu.Lock()
		states = append(states, s.State)
		reasons = append(reasons, s.Reason)
		mu.Unlock()
	})
	defer unsub()

	require.NoError(t, m.PlaceCall(ctx, "peer", "Peer"))

	require.Eventually(t, func() bool {
		return m.Snapshot().State == StateIdle
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	sawFailed := false
	for i, s := range states {
		if s == StateFailed {
			sawFailed = true
			assert.Equal(t, ReasonNoAnswer, reasons[i])
		}
	}
	mu.Unlock()
	assert.True(t, sawFailed, "Failed state should be observable before Idle")
	assert.Equal(t, ReasonNoAnswer, m.Snapshot().Reason)
	assert.Equal(t, presence.StatusAvailable, rec.lastPresence())
}

func TestAnswerBeforeTimeoutDisarmsTimer(t *testing.T) {
	rec := &hookRecorder{}
	m := NewMachine("local", rec.hooks())
	m.inviteTimeout = 30 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, m.PlaceCall(ctx, "peer", "Peer"))
	m.HandleMessage(ctx, signal.NewMessage(signal.TypeCallAccept, "peer", "local"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateConnecting, m.Snapshot().State)
}

func TestGlareLowerIDKeepsItsCall(t *testing.T) {
	rec := &hookRecorder{}
	m := NewMachine("aaa", rec.hooks())
	ctx := context.Background()

	require.NoError(t, m.PlaceCall(ctx, "bbb", "B"))
	m.HandleMessage(ctx, inviteFrom("bbb"))

	// lower id ignores the colliding invite and keeps ringing
	assert.Equal(t, StateOutgoing, m.Snapshot().State)
	assert.Equal(t, []signal.Type{signal.TypeCallInvite}, rec.publishedTypes())
}

func TestGlareHigherIDYields(t *testing.T) {
	rec := &hookRecorder{}
	m := NewMachine("zzz", rec.hooks())
	ctx := context.Background()

	require.NoError(t, m.PlaceCall(ctx, "bbb", "B"))
	m.HandleMessage(ctx, inviteFrom("bbb"))

	assert.Equal(t, StateConnecting, m.Snapshot().State)
	types := rec.publishedTypes()
	require.Len(t, types, 2)
	assert.Equal(t, signal.TypeCallAccept, types[1])
	rec.mu.Lock()
	require.Equal(t, []string{"bbb"}, rec.negotiated)
	assert.Equal(t, []bool{false}, rec.asCaller, "yielding side answers, not offers")
	rec.mu.Unlock()
}

func TestInvitePublishFailureFailsNegotiation(t *testing.T) {
	rec := &hookRecorder{publishErr: &signal.TransportError{Op: "publish"}}
	m := NewMachine("local", rec.hooks())
	ctx := context.Background()

	require.NoError(t, m.PlaceCall(ctx, "peer", "Peer"))

	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.State == StateIdle && s.Reason == ReasonNegotiationFailed
	}, time.Second, 5*time.Millisecond)

	// no state leaks: the next call starts clean
	rec.mu.Lock()
	rec.publishErr = nil
	rec.mu.Unlock()
	require.NoError(t, m.PlaceCall(ctx, "peer-2", "Peer Two"))
	s := m.Snapshot()
	assert.Equal(t, StateOutgoing, s.State)
	assert.Equal(t, "peer-2", s.RemotePeerID)
	assert.False(t, s.AudioMuted)
	assert.False(t, s.VideoMuted)
}

func TestRemoteEndTearsDown(t *testing.T) {
	rec := &hookRecorder{}
	m := NewMachine("local", rec.hooks())
	ctx := context.Background()

	m.HandleMessage(ctx, inviteFrom("caller"))
	require.NoError(t, m.Accept(ctx))
	m.OnConnected()

	m.HandleMessage(ctx, signal.NewMessage(signal.TypeCallEnd, "caller", "local"))
	assert.Equal(t, StateIdle, m.Snapshot().State)
	rec.mu.Lock()
	assert.Equal(t, 1, rec.teardowns)
	rec.mu.Unlock()
	assert.Equal(t, presence.StatusAvailable, rec.lastPresence())
}

func TestMuteTogglesGateTransmission(t *testing.T) {
	rec := &hookRecorder{}
	m := NewMachine("local", rec.hooks())

	assert.True(t, m.ToggleAudioMuted())
	assert.False(t, m.ToggleAudioMuted())
	assert.True(t, m.ToggleVideoMuted())

	rec.mu.Lock()
	assert.Equal(t, []bool{false, true}, rec.audioOn)
	assert.Equal(t, []bool{false}, rec.videoOn)
	rec.mu.Unlock()
}

func TestCameraLostImpliesVideoMuted(t *testing.T) {
	rec := &hookRecorder{}
	m := NewMachine("local", rec.hooks())

	m.CameraLost()
	assert.True(t, m.VideoMuted())
	rec.mu.Lock()
	assert.Equal(t, []bool{false}, rec.videoOn)
	rec.mu.Unlock()

	// repeated loss reports are idempotent
	m.CameraLost()
	rec.mu.Lock()
	assert.Equal(t, []bool{false}, rec.videoOn)
	rec.mu.Unlock()
}

func TestSignalForwardingOnlyMidCall(t *testing.T) {
	var forwarded []signal.Message
	var mu sync.Mutex
	hooks := Hooks{
		ForwardSignal: func(msg signal.Message) {
			mu.Lock()
			forwarded = append(forwarded, msg)
			mu.Unlock()
		},
	}
	m := NewMachine("local", hooks)
	ctx := context.Background()

	offer := signal.NewMessage(signal.TypeSDPOffer, "caller", "local")
	offer.SDP = "v=0"
	m.HandleMessage(ctx, offer)
	mu.Lock()
	assert.Empty(t, forwarded, "no forwarding while idle")
	mu.Unlock()

	m.HandleMessage(ctx, inviteFrom("caller"))
	require.NoError(t, m.Accept(ctx))
	m.HandleMessage(ctx, offer)

	stranger := signal.NewMessage(signal.TypeICECandidate, "other", "local")
	m.HandleMessage(ctx, stranger)

	mu.Lock()
	require.Len(t, forwarded, 1)
	assert.Equal(t, signal.TypeSDPOffer, forwarded[0].Type)
	mu.Unlock()
}
