package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"termcall/presence"
	"termcall/signal"
)

// InviteTimeout bounds how long an unanswered outgoing call rings before the
// machine gives up with ReasonNoAnswer.
const InviteTimeout = 30 * time.Second

// Hooks connect the machine to its collaborators. The machine calls them
// while NOT holding its lock, so they may call back into the machine.
// Any nil hook is skipped.
type Hooks struct {
	// Negotiate is invoked on entering Connecting. asCaller is true when we
	// placed the call and therefore create the offer.
	Negotiate func(remoteID string, asCaller bool)

	// ForwardSignal delivers SDP and ICE messages to the active negotiator.
	ForwardSignal func(msg signal.Message)

	// Teardown releases the connection and media pipelines. Called on every
	// path back to Idle; must be prompt and idempotent.
	Teardown func()

	// Publish sends a call-control message through the signaling channel.
	Publish func(ctx context.Context, msg signal.Message) error

	// Presence republishes the local availability.
	Presence func(status presence.Status)

	// Mute gates on the connection manager.
	SetAudioEnabled func(enabled bool)
	SetVideoEnabled func(enabled bool)
}

// Machine is the call session state machine. Events arrive from the
// signaling inbox, the connection manager, the key controller and the menu;
// the machine serializes them under one lock and is the only writer of the
// CallSession.
type Machine struct {
	localID string
	hooks   Hooks
	log     *logrus.Entry
	clock   func() time.Time

	inviteTimeout time.Duration

	mu          sync.Mutex
	session     CallSession
	inviteTimer *time.Timer

	listenerMu sync.Mutex
	listeners  map[int]func(CallSession)
	nextID     int
}

// NewMachine creates an idle machine for the local peer.
func NewMachine(localID string, hooks Hooks) *Machine {
	return &Machine{
		localID:       localID,
		hooks:         hooks,
		log:           logrus.WithField("comp", "session"),
		clock:         time.Now,
		inviteTimeout: InviteTimeout,
		session:       CallSession{LocalPeerID: localID, State: StateIdle},
		listeners:     make(map[int]func(CallSession)),
	}
}

// Snapshot returns a copy of the current session.
func (m *Machine) Snapshot() CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Subscribe registers a callback fired after every transition with a session
// snapshot. It returns a function removing the listener.
func (m *Machine) Subscribe(fn func(CallSession)) func() {
	if fn == nil {
		return func() {}
	}
	m.listenerMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenerMu.Unlock()
	return func() {
		m.listenerMu.Lock()
		delete(m.listeners, id)
		m.listenerMu.Unlock()
	}
}

// PlaceCall rings the remote peer. Only legal while Idle.
func (m *Machine) PlaceCall(ctx context.Context, remoteID, remoteName string) error {
	m.mu.Lock()
	if m.session.State != StateIdle {
		state := m.session.State
		m.mu.Unlock()
		return fmt.Errorf("cannot place call while %s", state)
	}
	m.session = CallSession{
		ID:           uuid.NewString(),
		LocalPeerID:  m.localID,
		RemotePeerID: remoteID,
		RemoteName:   remoteName,
		State:        StateOutgoing,
	}
	m.armInviteTimerLocked()
	m.mu.Unlock()

	m.notify()
	m.publishControl(ctx, signal.TypeCallInvite, remoteID, "")
	return nil
}

// Accept answers an incoming call.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.session.State != StateIncoming {
		state := m.session.State
		m.mu.Unlock()
		return fmt.Errorf("no incoming call to accept while %s", state)
	}
	remote := m.session.RemotePeerID
	m.session.State = StateConnecting
	m.mu.Unlock()

	m.notify()
	m.setPresence(presence.StatusInCall)
	m.publishControl(ctx, signal.TypeCallAccept, remote, "")
	if m.hooks.Negotiate != nil {
		m.hooks.Negotiate(remote, false)
	}
	return nil
}

// Decline rejects an incoming call and returns to Idle.
func (m *Machine) Decline(ctx context.Context) error {
	m.mu.Lock()
	if m.session.State != StateIncoming {
		state := m.session.State
		m.mu.Unlock()
		return fmt.Errorf("no incoming call to decline while %s", state)
	}
	remote := m.session.RemotePeerID
	m.resetLocked(ReasonNone)
	m.mu.Unlock()

	m.publishControl(ctx, signal.TypeCallDecline, remote, "")
	m.finishTeardown()
	return nil
}

// Quit ends the call from the local side, from any in-call state.
func (m *Machine) Quit(ctx context.Context) {
	m.mu.Lock()
	state := m.session.State
	if state == StateIdle || state == StateEnding {
		m.mu.Unlock()
		return
	}
	remote := m.session.RemotePeerID
	m.session.State = StateEnding
	m.stopInviteTimerLocked()
	m.mu.Unlock()

	m.notify()
	m.publishControl(ctx, signal.TypeCallEnd, remote, "")
	m.completeEnding()
}

// HandleMessage consumes one signaling message from the inbox.
func (m *Machine) HandleMessage(ctx context.Context, msg signal.Message) {
	switch msg.Type {
	case signal.TypeCallInvite:
		m.handleInvite(ctx, msg)
	case signal.TypeCallAccept:
		m.handleAccept(msg)
	case signal.TypeCallDecline:
		m.handleDecline(msg)
	case signal.TypeCallEnd:
		m.handleEnd(msg)
	case signal.TypeSDPOffer, signal.TypeSDPAnswer, signal.TypeICECandidate:
		m.mu.Lock()
		inCall := msg.From == m.session.RemotePeerID &&
			(m.session.State == StateConnecting || m.session.State == StateActive)
		m.mu.Unlock()
		if inCall && m.hooks.ForwardSignal != nil {
			m.hooks.ForwardSignal(msg)
		}
	}
}

// OnConnected is reported by the connection manager once media flows both
// ways.
func (m *Machine) OnConnected() {
	m.mu.Lock()
	if m.session.State != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.session.State = StateActive
	m.session.StartedAt = m.clock()
	m.mu.Unlock()

	m.notify()
	m.setPresence(presence.StatusInCall)
}

// Fail moves the session to Failed with the given reason and back to Idle.
// Legal from any non-idle state; terminal for this session instance.
func (m *Machine) Fail(reason Reason) {
	m.mu.Lock()
	if m.session.State == StateIdle {
		m.mu.Unlock()
		return
	}
	m.session.State = StateFailed
	m.session.Reason = reason
	m.stopInviteTimerLocked()
	snapshot := m.session
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"peer":   snapshot.RemotePeerID,
		"reason": reason.String(),
	}).Warn("call failed")
	m.notifySnapshot(snapshot)

	m.mu.Lock()
	m.resetLocked(reason)
	m.mu.Unlock()
	m.finishTeardown()
}

// ToggleAudioMuted flips the audio mute flag and returns the new value.
func (m *Machine) ToggleAudioMuted() bool {
	m.mu.Lock()
	m.session.AudioMuted = !m.session.AudioMuted
	muted := m.session.AudioMuted
	m.mu.Unlock()
	if m.hooks.SetAudioEnabled != nil {
		m.hooks.SetAudioEnabled(!muted)
	}
	m.notify()
	return muted
}

// ToggleVideoMuted flips the video mute flag and returns the new value. The
// capture pipeline keeps running either way; only transmission stops.
func (m *Machine) ToggleVideoMuted() bool {
	m.mu.Lock()
	m.session.VideoMuted = !m.session.VideoMuted
	muted := m.session.VideoMuted
	m.mu.Unlock()
	if m.hooks.SetVideoEnabled != nil {
		m.hooks.SetVideoEnabled(!muted)
	}
	m.notify()
	return muted
}

// CameraLost marks video muted after a capture device failure. The call
// continues on audio; the overlay reflects the unavailable camera.
func (m *Machine) CameraLost() {
	m.mu.Lock()
	already := m.session.VideoMuted
	m.session.VideoMuted = true
	m.mu.Unlock()
	if already {
		return
	}
	m.log.Warn("camera unavailable, video muted")
	if m.hooks.SetVideoEnabled != nil {
		m.hooks.SetVideoEnabled(false)
	}
	m.notify()
}

// AudioMuted reports the current outbound audio gate.
func (m *Machine) AudioMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.AudioMuted
}

// VideoMuted reports the current outbound video gate.
func (m *Machine) VideoMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.VideoMuted
}

func (m *Machine) handleInvite(ctx context.Context, msg signal.Message) {
	m.mu.Lock()
	switch m.session.State {
	case StateIdle:
		m.session = CallSession{
			ID:           uuid.NewString(),
			LocalPeerID:  m.localID,
			RemotePeerID: msg.From,
			RemoteName:   msg.DisplayName,
			State:        StateIncoming,
		}
		m.mu.Unlock()
		m.notify()
		return

	case StateOutgoing:
		if msg.From == m.session.RemotePeerID {
			// Glare: both sides called each other. The lower peer id's
			// invite wins; the higher side folds its attempt into an accept.
			if m.localID < msg.From {
				m.mu.Unlock()
				return
			}
			m.session.State = StateConnecting
			m.stopInviteTimerLocked()
			remote := m.session.RemotePeerID
			m.mu.Unlock()

			m.log.WithField("peer", remote).Info("glare resolved, yielding to peer's call")
			m.notify()
			m.setPresence(presence.StatusInCall)
			m.publishControl(ctx, signal.TypeCallAccept, remote, "")
			if m.hooks.Negotiate != nil {
				m.hooks.Negotiate(remote, false)
			}
			return
		}
		fallthrough

	default:
		// The store delivers at least once: a redelivered invite from the
		// peer we are already in a call with is not a new call, so declining
		// it would tell our own caller we hung up. Drop it silently.
		if msg.From == m.session.RemotePeerID {
			m.mu.Unlock()
			return
		}
		// one call per process: anyone else gets an immediate decline
		m.mu.Unlock()
		m.publishControl(ctx, signal.TypeCallDecline, msg.From, "busy")
	}
}

func (m *Machine) handleAccept(msg signal.Message) {
	m.mu.Lock()
	if m.session.State != StateOutgoing || msg.From != m.session.RemotePeerID {
		m.mu.Unlock()
		return
	}
	m.session.State = StateConnecting
	m.stopInviteTimerLocked()
	remote := m.session.RemotePeerID
	m.mu.Unlock()

	m.notify()
	m.setPresence(presence.StatusInCall)
	if m.hooks.Negotiate != nil {
		m.hooks.Negotiate(remote, true)
	}
}

func (m *Machine) handleDecline(msg signal.Message) {
	m.mu.Lock()
	declined := m.session.State == StateOutgoing && msg.From == m.session.RemotePeerID
	m.mu.Unlock()
	if declined {
		m.Fail(ReasonDeclined)
	}
}

func (m *Machine) handleEnd(msg signal.Message) {
	m.mu.Lock()
	state := m.session.State
	if msg.From != m.session.RemotePeerID || state == StateIdle || state == StateEnding {
		m.mu.Unlock()
		return
	}
	m.session.State = StateEnding
	m.stopInviteTimerLocked()
	m.mu.Unlock()

	m.notify()
	m.completeEnding()
}

// completeEnding runs teardown and finishes the Ending → Idle transition.
func (m *Machine) completeEnding() {
	if m.hooks.Teardown != nil {
		m.hooks.Teardown()
	}
	m.mu.Lock()
	m.resetLocked(ReasonNone)
	m.mu.Unlock()
	m.notify()
	m.setPresence(presence.StatusAvailable)
}

// finishTeardown is the tail shared by Decline and Fail, after resetLocked
// already ran.
func (m *Machine) finishTeardown() {
	if m.hooks.Teardown != nil {
		m.hooks.Teardown()
	}
	m.notify()
	m.setPresence(presence.StatusAvailable)
}

// resetLocked clears the session back to Idle. The caller holds mu.
func (m *Machine) resetLocked(reason Reason) {
	m.stopInviteTimerLocked()
	m.session = CallSession{
		LocalPeerID: m.localID,
		State:       StateIdle,
		Reason:      reason,
	}
}

func (m *Machine) armInviteTimerLocked() {
	m.stopInviteTimerLocked()
	id := m.session.ID
	m.inviteTimer = time.AfterFunc(m.inviteTimeout, func() {
		m.mu.Lock()
		expired := m.session.State == StateOutgoing && m.session.ID == id
		m.mu.Unlock()
		if expired {
			m.Fail(ReasonNoAnswer)
		}
	})
}

func (m *Machine) stopInviteTimerLocked() {
	if m.inviteTimer != nil {
		m.inviteTimer.Stop()
		m.inviteTimer = nil
	}
}

func (m *Machine) publishControl(ctx context.Context, t signal.Type, to, reason string) {
	if m.hooks.Publish == nil {
		return
	}
	msg := signal.NewMessage(t, m.localID, to)
	msg.Reason = reason
	if err := m.hooks.Publish(ctx, msg); err != nil {
		m.log.WithError(err).WithField("type", t).Warn("control publish failed")
		if t == signal.TypeCallInvite {
			m.Fail(ReasonNegotiationFailed)
		}
	}
}

func (m *Machine) setPresence(status presence.Status) {
	if m.hooks.Presence != nil {
		m.hooks.Presence(status)
	}
}

func (m *Machine) notify() {
	m.notifySnapshot(m.Snapshot())
}

func (m *Machine) notifySnapshot(snapshot CallSession) {
	m.listenerMu.Lock()
	fns := make([]func(CallSession), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenerMu.Unlock()
	for _, fn := range fns {
		fn(snapshot)
	}
}
