package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"termcall/media"
)

const (
	videoChannelLabel = "video"
	audioChannelLabel = "audio"
)

// PionEngine is the production media engine backed by pion/webrtc. Frames
// travel over two data channels: "video" is unordered and lossy so a stalled
// link drops frames instead of queuing them, "audio" is ordered.
type PionEngine struct{}

// NewPionEngine returns the pion-backed engine.
func NewPionEngine() *PionEngine { return &PionEngine{} }

// CreateConnection implements Engine.
func (e *PionEngine) CreateConnection(cfg Config) (Connection, error) {
	urls := cfg.STUNServers
	if len(urls) == 0 {
		urls = DefaultConfig().STUNServers
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	conn := &pionConn{
		pc:  pc,
		log: logrus.WithField("comp", "rtc"),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		fn := conn.onCandidate.Load()
		if fn == nil {
			return
		}
		if c == nil {
			(*fn)("")
			return
		}
		(*fn)(c.ToJSON().Candidate)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		conn.log.WithField("state", s.String()).Debug("connection state changed")
		if fn := conn.onState.Load(); fn != nil {
			(*fn)(mapPionState(s))
		}
	})

	// The answerer side learns its channels from the offerer.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		conn.adoptChannel(dc)
	})

	return conn, nil
}

type pionConn struct {
	pc  *webrtc.PeerConnection
	log *logrus.Entry

	mu      sync.Mutex
	videoDC *webrtc.DataChannel
	audioDC *webrtc.DataChannel

	videoOpen atomic.Bool
	audioOpen atomic.Bool

	onCandidate atomic.Pointer[func(string)]
	onState     atomic.Pointer[func(ConnectionState)]
	onVideo     atomic.Pointer[func(*media.Frame)]
	onAudio     atomic.Pointer[func([]byte)]
}

func (c *pionConn) CreateOffer(ctx context.Context, iceRestart bool) (string, error) {
	if err := c.ensureChannels(); err != nil {
		return "", &NegotiationError{Stage: "channels", Err: err}
	}
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return "", &NegotiationError{Stage: "create offer", Err: err}
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", &NegotiationError{Stage: "set local offer", Err: err}
	}
	return offer.SDP, nil
}

func (c *pionConn) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", &NegotiationError{Stage: "create answer", Err: err}
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", &NegotiationError{Stage: "set local answer", Err: err}
	}
	return answer.SDP, nil
}

func (c *pionConn) SetRemoteOffer(ctx context.Context, sdp string) error {
	err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return &NegotiationError{Stage: "set remote offer", Err: err}
	}
	return nil
}

func (c *pionConn) SetRemoteAnswer(ctx context.Context, sdp string) error {
	err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return &NegotiationError{Stage: "set remote answer", Err: err}
	}
	return nil
}

func (c *pionConn) AddICECandidate(candidate string) error {
	if candidate == "" {
		return nil
	}
	if err := c.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		return &NegotiationError{Stage: "add candidate", Err: err}
	}
	return nil
}

func (c *pionConn) OnICECandidate(fn func(string)) { c.onCandidate.Store(&fn) }

func (c *pionConn) OnStateChange(fn func(ConnectionState)) { c.onState.Store(&fn) }

func (c *pionConn) OnVideoFrame(fn func(*media.Frame)) { c.onVideo.Store(&fn) }

func (c *pionConn) OnAudioFrame(fn func([]byte)) { c.onAudio.Store(&fn) }

func (c *pionConn) SendVideoFrame(f *media.Frame) error {
	if !c.videoOpen.Load() {
		return nil // channel not open yet; real-time frames are not worth queuing
	}
	payload, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	dc := c.videoDC
	c.mu.Unlock()
	if dc == nil {
		return nil
	}
	return dc.Send(payload)
}

func (c *pionConn) SendAudioFrame(pcm []byte) error {
	if !c.audioOpen.Load() {
		return nil
	}
	c.mu.Lock()
	dc := c.audioDC
	c.mu.Unlock()
	if dc == nil {
		return nil
	}
	return dc.Send(pcm)
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

// ensureChannels creates the offerer-side data channels once.
func (c *pionConn) ensureChannels() error {
	c.mu.Lock()
	have := c.videoDC != nil
	c.mu.Unlock()
	if have {
		return nil
	}

	unordered := false
	var zeroRetransmits uint16
	videoDC, err := c.pc.CreateDataChannel(videoChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &zeroRetransmits,
	})
	if err != nil {
		return err
	}
	audioDC, err := c.pc.CreateDataChannel(audioChannelLabel, nil)
	if err != nil {
		return err
	}
	c.adoptChannel(videoDC)
	c.adoptChannel(audioDC)
	return nil
}

// adoptChannel wires a data channel, whether locally created or announced by
// the remote peer, into the frame callbacks.
func (c *pionConn) adoptChannel(dc *webrtc.DataChannel) {
	switch dc.Label() {
	case videoChannelLabel:
		c.mu.Lock()
		c.videoDC = dc
		c.mu.Unlock()
		dc.OnOpen(func() { c.videoOpen.Store(true) })
		dc.OnClose(func() { c.videoOpen.Store(false) })
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			fn := c.onVideo.Load()
			if fn == nil {
				return
			}
			frame, err := DecodeFrame(msg.Data)
			if err != nil {
				c.log.WithError(err).Debug("dropping inbound video payload")
				return
			}
			(*fn)(frame)
		})
	case audioChannelLabel:
		c.mu.Lock()
		c.audioDC = dc
		c.mu.Unlock()
		dc.OnOpen(func() { c.audioOpen.Store(true) })
		dc.OnClose(func() { c.audioOpen.Store(false) })
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if fn := c.onAudio.Load(); fn != nil {
				(*fn)(msg.Data)
			}
		})
	default:
		c.log.WithField("label", dc.Label()).Debug("ignoring unknown data channel")
	}
}

func mapPionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}
