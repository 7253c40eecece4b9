package rtc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"termcall/media"
	"termcall/signal"
)

const (
	negotiationTimeout = 20 * time.Second
	reconnectTimeout   = 10 * time.Second
	publishAttempts    = 5
)

// FailReason tells the session why the connection gave up.
type FailReason int

const (
	FailNegotiation FailReason = iota
	FailConnectionLost
)

// Events are the manager's outbound notifications. OnConnected fires when
// both media directions are flowing; OnFailed is terminal for the
// connection. Handlers run on manager goroutines and must not block.
type Events struct {
	OnConnected   func()
	OnFailed      func(reason FailReason)
	OnRemoteVideo func(f *media.Frame)
	OnRemoteAudio func(pcm []byte)
}

// Manager drives one peer connection through negotiation and keeps it alive:
// offer/answer, trickle ICE via the signaling channel, one automatic ICE
// restart on disconnect before declaring failure. Outbound transmission is
// gated by the audio/video enabled flags without touching the connection.
type Manager struct {
	engine Engine
	cfg    Config
	ch     *signal.Channel
	remote string
	events Events
	log    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      Connection
	offerer   bool
	restarted bool
	negTimer  *time.Timer

	audioEnabled atomic.Bool
	videoEnabled atomic.Bool
	connected    atomic.Bool
	done         atomic.Bool
}

// NewManager prepares a manager for a call with the given remote peer.
func NewManager(engine Engine, cfg Config, ch *signal.Channel, remoteID string, events Events) *Manager {
	return newManager(engine, cfg, ch, remoteID, events, negotiationTimeout)
}

func newManager(engine Engine, cfg Config, ch *signal.Channel, remoteID string, events Events, negTimeout time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		engine: engine,
		cfg:    cfg,
		ch:     ch,
		remote: remoteID,
		events: events,
		log:    logrus.WithField("comp", "rtc").WithField("peer", remoteID),
		ctx:    ctx,
		cancel: cancel,
	}
	m.audioEnabled.Store(true)
	m.videoEnabled.Store(true)
	// The timer starts at construction, not at first signaling activity: the
	// answerer has no connection yet while it waits for the offer, and that
	// wait must be bounded too.
	m.negTimer = time.AfterFunc(negTimeout, func() {
		if !m.connected.Load() {
			m.fail(FailNegotiation, nil)
		}
	})
	return m
}

// StartOffer begins negotiation as the offerer: create the connection, send
// our offer through signaling, then trickle candidates.
func (m *Manager) StartOffer() error {
	conn, err := m.setup(true)
	if err != nil {
		return err
	}
	sdp, err := conn.CreateOffer(m.ctx, false)
	if err != nil {
		m.fail(FailNegotiation, err)
		return err
	}
	return m.publishSDP(signal.TypeSDPOffer, sdp)
}

// StartAnswer begins negotiation as the answerer from a received offer.
func (m *Manager) StartAnswer(offerSDP string) error {
	conn, err := m.setup(false)
	if err != nil {
		return err
	}
	if err := conn.SetRemoteOffer(m.ctx, offerSDP); err != nil {
		m.fail(FailNegotiation, err)
		return err
	}
	sdp, err := conn.CreateAnswer(m.ctx)
	if err != nil {
		m.fail(FailNegotiation, err)
		return err
	}
	return m.publishSDP(signal.TypeSDPAnswer, sdp)
}

// HandleSignal feeds negotiation messages from the remote peer in. Unrelated
// message types are ignored, so the session can forward its whole inbox.
func (m *Manager) HandleSignal(msg signal.Message) {
	if msg.From != m.remote || m.done.Load() {
		return
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}

	switch msg.Type {
	case signal.TypeSDPAnswer:
		if err := conn.SetRemoteAnswer(m.ctx, msg.SDP); err != nil {
			m.fail(FailNegotiation, err)
		}
	case signal.TypeSDPOffer:
		// A renegotiation offer mid-call means the peer is restarting ICE.
		if err := conn.SetRemoteOffer(m.ctx, msg.SDP); err != nil {
			m.fail(FailNegotiation, err)
			return
		}
		sdp, err := conn.CreateAnswer(m.ctx)
		if err != nil {
			m.fail(FailNegotiation, err)
			return
		}
		if err := m.publishSDP(signal.TypeSDPAnswer, sdp); err != nil {
			m.log.WithError(err).Warn("restart answer publish failed")
		}
	case signal.TypeICECandidate:
		// Duplicates are harmless; the engine dedupes candidate pairs.
		if err := conn.AddICECandidate(msg.Candidate); err != nil {
			m.log.WithError(err).Debug("candidate rejected")
		}
	}
}

// SetAudioEnabled gates outbound audio without tearing the connection down.
func (m *Manager) SetAudioEnabled(enabled bool) { m.audioEnabled.Store(enabled) }

// SetVideoEnabled gates outbound video without tearing the connection down.
func (m *Manager) SetVideoEnabled(enabled bool) { m.videoEnabled.Store(enabled) }

// SendVideoFrame forwards a captured frame to the peer unless video is muted.
func (m *Manager) SendVideoFrame(f *media.Frame) {
	if m.done.Load() || !m.videoEnabled.Load() {
		return
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.SendVideoFrame(f); err != nil {
		m.log.WithError(err).Debug("video send failed")
	}
}

// SendAudioFrame forwards an encoded audio frame unless audio is muted.
func (m *Manager) SendAudioFrame(pcm []byte) {
	if m.done.Load() || !m.audioEnabled.Load() {
		return
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.SendAudioFrame(pcm); err != nil {
		m.log.WithError(err).Debug("audio send failed")
	}
}

// Connected reports whether the connection has reached the connected state.
func (m *Manager) Connected() bool { return m.connected.Load() }

// Close tears the connection down and cancels all in-flight timers. It is
// idempotent and never blocks on network I/O.
func (m *Manager) Close() {
	if !m.done.CompareAndSwap(false, true) {
		return
	}
	m.cancel()
	m.mu.Lock()
	if m.negTimer != nil {
		m.negTimer.Stop()
		m.negTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.WithError(err).Debug("connection close")
		}
	}
}

func (m *Manager) setup(offerer bool) (Connection, error) {
	conn, err := m.engine.CreateConnection(m.cfg)
	if err != nil {
		return nil, &NegotiationError{Stage: "create connection", Err: err}
	}

	conn.OnICECandidate(func(candidate string) {
		if candidate == "" || m.done.Load() {
			return
		}
		msg := signal.NewMessage(signal.TypeICECandidate, m.ch.LocalID(), m.remote)
		msg.Candidate = candidate
		if err := m.ch.PublishRetry(m.ctx, msg, publishAttempts); err != nil {
			m.log.WithError(err).Warn("candidate publish failed")
		}
	})
	conn.OnStateChange(m.handleState)
	conn.OnVideoFrame(func(f *media.Frame) {
		if fn := m.events.OnRemoteVideo; fn != nil && !m.done.Load() {
			fn(f)
		}
	})
	conn.OnAudioFrame(func(pcm []byte) {
		if fn := m.events.OnRemoteAudio; fn != nil && !m.done.Load() {
			fn(pcm)
		}
	})

	m.mu.Lock()
	m.conn = conn
	m.offerer = offerer
	m.mu.Unlock()
	return conn, nil
}

func (m *Manager) handleState(s ConnectionState) {
	if m.done.Load() {
		return
	}
	switch s {
	case StateConnected:
		first := !m.connected.Swap(true)
		m.mu.Lock()
		if m.negTimer != nil {
			m.negTimer.Stop()
			m.negTimer = nil
		}
		m.mu.Unlock()
		if first {
			if fn := m.events.OnConnected; fn != nil {
				fn()
			}
		}
	case StateDisconnected:
		m.tryRestart()
	case StateFailed:
		if m.connected.Load() {
			m.fail(FailConnectionLost, nil)
		} else {
			m.fail(FailNegotiation, nil)
		}
	}
}

// tryRestart performs the single automatic ICE restart the manager allows.
// Only the original offerer initiates; the answerer responds to the restart
// offer arriving through signaling.
func (m *Manager) tryRestart() {
	m.mu.Lock()
	conn := m.conn
	offerer := m.offerer
	already := m.restarted
	m.restarted = true
	m.mu.Unlock()

	if conn == nil {
		return
	}
	if already {
		m.fail(FailConnectionLost, nil)
		return
	}
	if !offerer {
		// give the offerer's restart a chance before giving up
		time.AfterFunc(reconnectTimeout, func() {
			if !m.done.Load() && !m.Connected() {
				m.fail(FailConnectionLost, nil)
			}
		})
		return
	}

	m.connected.Store(false)
	m.log.Info("attempting ICE restart")
	sdp, err := conn.CreateOffer(m.ctx, true)
	if err != nil {
		m.fail(FailConnectionLost, err)
		return
	}
	if err := m.publishSDP(signal.TypeSDPOffer, sdp); err != nil {
		m.fail(FailConnectionLost, err)
		return
	}
	time.AfterFunc(reconnectTimeout, func() {
		if !m.done.Load() && !m.Connected() {
			m.fail(FailConnectionLost, nil)
		}
	})
}

func (m *Manager) publishSDP(t signal.Type, sdp string) error {
	msg := signal.NewMessage(t, m.ch.LocalID(), m.remote)
	msg.SDP = sdp
	if err := m.ch.PublishRetry(m.ctx, msg, publishAttempts); err != nil {
		m.fail(FailNegotiation, err)
		return err
	}
	return nil
}

// fail reports the terminal reason exactly once and closes the connection.
func (m *Manager) fail(reason FailReason, err error) {
	if m.done.Load() {
		return
	}
	if err != nil {
		m.log.WithError(err).Warn("connection failed")
	} else {
		m.log.WithField("reason", reason).Warn("connection failed")
	}
	fn := m.events.OnFailed
	m.Close()
	if fn != nil {
		fn(reason)
	}
}
