package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"termcall/conf"
	"termcall/input"
	"termcall/logs"
	"termcall/media"
	"termcall/presence"
	"termcall/render"
	"termcall/rtc"
	"termcall/session"
	"termcall/signal"
	"termcall/term"
)

const (
	presenceInterval = 5 * time.Second

	// frameFreezeThreshold marks a pane stale once frames stop arriving.
	frameFreezeThreshold = 1200 * time.Millisecond

	listSettleTime = 3 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	opts, err := conf.ParseCLI()
	if err != nil {
		fmt.Fprintln(os.Stderr, "termcall:", err)
		return 2
	}

	closeLogs, err := logs.Setup(opts.ConfigPath, opts.Verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "termcall:", err)
		return 1
	}
	defer closeLogs()

	store := signal.NewWSStore(opts.StoreURL)
	defer store.Close()
	ch := signal.NewChannel(store, opts.PeerID)
	tracker := presence.NewTracker(ch, opts.DisplayName, presenceInterval)

	if opts.Mode == conf.ModeList {
		return runList(opts, tracker)
	}

	if !term.IsTerminal() {
		fmt.Fprintln(os.Stderr, "termcall: stdout is not a terminal")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := &app{
		opts:      opts,
		ch:        ch,
		tracker:   tracker,
		engine:    rtc.NewPionEngine(),
		rtcCfg:    rtc.DefaultConfig(),
		codec:     media.NewAudioCodec(),
		remote:    media.NewFrameSlot(),
		speakerCh: make(chan []int16, 16),
		log:       logrus.WithField("comp", "main"),
	}
	app.machine = session.NewMachine(opts.PeerID, session.Hooks{
		Negotiate:       app.negotiate,
		ForwardSignal:   app.forwardSignal,
		Teardown:        app.teardown,
		Publish:         app.publishControl,
		Presence:        func(s presence.Status) { tracker.SetLocalStatus(ctx, s) },
		SetAudioEnabled: app.setAudioEnabled,
		SetVideoEnabled: app.setVideoEnabled,
	})

	return app.run(ctx, cancel)
}

// runList connects briefly, collects presence and prints the peer table.
func runList(opts *conf.AppOptions, tracker *presence.Tracker) int {
	ctx, cancel := context.WithTimeout(context.Background(), listSettleTime)
	defer cancel()
	go func() { _ = tracker.Run(ctx) }()
	<-ctx.Done()

	contacts, err := conf.LoadContacts(opts.ContactsDir)
	if err != nil {
		logrus.WithError(err).Warn("contacts unavailable")
	}
	nameByID := make(map[string]string, len(contacts))
	for _, c := range contacts {
		nameByID[c.PeerID] = c.Name
	}

	peers := tracker.Snapshot()
	if len(peers) == 0 {
		fmt.Println("no peers online")
		return 0
	}
	for _, p := range peers {
		name := p.DisplayName
		if n, ok := nameByID[p.ID]; ok {
			name = n
		}
		fmt.Printf("%-36s  %-20s  %s\n", p.ID, name, p.Status)
	}
	return 0
}

// app owns the wiring between the session machine, the connection manager
// and the media/render pipelines for the lifetime of the process.
type app struct {
	opts    *conf.AppOptions
	ch      *signal.Channel
	tracker *presence.Tracker
	machine *session.Machine
	engine  rtc.Engine
	rtcCfg  rtc.Config
	codec   *media.AudioCodec
	log     *logrus.Entry

	capture *media.CapturePipeline
	comp    *term.Compositor

	remote    *media.FrameSlot
	speakerCh chan []int16

	// lastRemoteAt feeds the frozen-feed overlay label.
	lastRemoteAt atomic.Int64

	localFPS  fpsCounter
	remoteFPS fpsCounter

	mu            sync.Mutex
	manager       *rtc.Manager
	answerPending bool
}

func (a *app) run(ctx context.Context, cancel context.CancelFunc) int {
	a.comp = term.NewCompositor(os.Stdout, term.Size, term.DetectColorMode())

	a.capture = media.NewCapturePipeline(a.machine.CameraLost)
	camFrames, err := media.StartCamera(ctx)
	if err != nil {
		// audio-only operation: the call proceeds without local video
		a.log.WithError(err).Warn("camera unavailable")
		a.machine.CameraLost()
	} else {
		go a.capture.Run(ctx, camFrames)
	}

	micCh, err := media.StartMicrophone(ctx)
	if err != nil {
		a.log.WithError(err).Warn("microphone unavailable")
	}
	speaker, err := media.StartSpeaker(a.speakerCh)
	if err != nil {
		a.log.WithError(err).Warn("speaker unavailable")
	} else {
		defer speaker.Close()
	}

	inbox, err := a.ch.Subscribe(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "termcall: signaling store unreachable:", err)
		return 1
	}
	go func() {
		for m := range inbox {
			a.machine.HandleMessage(ctx, m)
		}
	}()
	go func() { _ = a.tracker.Run(ctx) }()

	keys := input.NewController()
	if err := keys.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "termcall: terminal setup failed:", err)
		return 1
	}
	defer keys.Restore()

	term.EnterAltScreen(os.Stdout)
	defer term.ExitAltScreen(os.Stdout)

	unsub := a.machine.Subscribe(func(s session.CallSession) { a.refreshOverlay(s) })
	defer unsub()

	go a.comp.Run(ctx)
	go a.videoSendLoop(ctx)
	if micCh != nil {
		go a.audioSendLoop(ctx, micCh)
	}
	go a.previewLoop(ctx)
	go a.remoteRenderLoop(ctx)
	go a.overlayTicker(ctx)

	if a.opts.Mode == conf.ModeCall {
		peerID, name, err := a.opts.ResolveTarget()
		if err != nil {
			term.ExitAltScreen(os.Stdout)
			keys.Restore()
			fmt.Fprintln(os.Stderr, "termcall:", err)
			return 2
		}
		if err := a.machine.PlaceCall(ctx, peerID, name); err != nil {
			a.log.WithError(err).Error("place call")
		}
	} else {
		a.comp.SetOverlay(term.Overlay{Status: "Waiting for calls as " + a.opts.DisplayName})
	}

	for {
		select {
		case <-ctx.Done():
			return 0
		case ev := <-keys.Events():
			if done := a.handleKey(ctx, cancel, ev); done {
				return 0
			}
		}
	}
}

func (a *app) handleKey(ctx context.Context, cancel context.CancelFunc, ev input.Event) bool {
	s := a.machine.Snapshot()
	logs.LogV("key %s in state %s", ev, s.State)
	switch ev {
	case input.EventToggleAudio:
		if s.State == session.StateActive || s.State == session.StateConnecting {
			a.machine.ToggleAudioMuted()
		}
	case input.EventToggleVideo:
		if s.State == session.StateActive || s.State == session.StateConnecting {
			a.machine.ToggleVideoMuted()
		}
	case input.EventAccept:
		if s.State == session.StateIncoming {
			if err := a.machine.Accept(ctx); err != nil {
				a.log.WithError(err).Warn("accept")
			}
		}
	case input.EventDecline:
		if s.State == session.StateIncoming {
			if err := a.machine.Decline(ctx); err != nil {
				a.log.WithError(err).Warn("decline")
			}
		}
	case input.EventQuit:
		if s.State != session.StateIdle {
			a.machine.Quit(ctx)
		}
		cancel()
		return true
	}
	return false
}

// negotiate is the machine's Connecting hook: build a connection manager for
// the call and, as caller, send the first offer.
func (a *app) negotiate(remoteID string, asCaller bool) {
	logs.LogV("negotiating with %s, caller=%v", remoteID, asCaller)
	events := rtc.Events{
		OnConnected: a.machine.OnConnected,
		OnFailed: func(reason rtc.FailReason) {
			switch reason {
			case rtc.FailConnectionLost:
				a.machine.Fail(session.ReasonConnectionLost)
			default:
				a.machine.Fail(session.ReasonNegotiationFailed)
			}
		},
		OnRemoteVideo: func(f *media.Frame) {
			a.lastRemoteAt.Store(time.Now().UnixNano())
			a.remoteFPS.tick()
			a.remote.Put(f)
		},
		OnRemoteAudio: func(data []byte) {
			pcm := a.codec.Decode(data)
			if pcm == nil {
				return
			}
			select {
			case a.speakerCh <- pcm:
			default:
			}
		},
	}

	mgr := rtc.NewManager(a.engine, a.rtcCfg, a.ch, remoteID, events)
	mgr.SetAudioEnabled(!a.machine.AudioMuted())
	mgr.SetVideoEnabled(!a.machine.VideoMuted())

	a.mu.Lock()
	old := a.manager
	a.manager = mgr
	a.answerPending = !asCaller
	a.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if asCaller {
		go func() {
			if err := mgr.StartOffer(); err != nil {
				a.log.WithError(err).Warn("offer failed")
			}
		}()
	}
}

// forwardSignal routes SDP/ICE from the inbox: the first offer on the callee
// side starts the answer, everything else goes to the live manager.
func (a *app) forwardSignal(msg signal.Message) {
	a.mu.Lock()
	mgr := a.manager
	answerFirst := a.answerPending && msg.Type == signal.TypeSDPOffer
	if answerFirst {
		a.answerPending = false
	}
	a.mu.Unlock()
	if mgr == nil {
		return
	}
	if answerFirst {
		logs.LogV("first offer from %s, answering", msg.From)
		go func() {
			if err := mgr.StartAnswer(msg.SDP); err != nil {
				a.log.WithError(err).Warn("answer failed")
			}
		}()
		return
	}
	mgr.HandleSignal(msg)
}

func (a *app) teardown() {
	a.mu.Lock()
	mgr := a.manager
	a.manager = nil
	a.answerPending = false
	a.mu.Unlock()
	if mgr != nil {
		mgr.Close()
	}
	a.remote.Take()
	a.lastRemoteAt.Store(0)
	a.comp.SetRemote(nil)
}

func (a *app) publishControl(ctx context.Context, msg signal.Message) error {
	if msg.Type == signal.TypeCallInvite {
		msg.DisplayName = a.opts.DisplayName
	}
	return a.ch.PublishRetry(ctx, msg, 5)
}

func (a *app) setAudioEnabled(enabled bool) {
	if mgr := a.currentManager(); mgr != nil {
		mgr.SetAudioEnabled(enabled)
	}
}

func (a *app) setVideoEnabled(enabled bool) {
	if mgr := a.currentManager(); mgr != nil {
		mgr.SetVideoEnabled(enabled)
	}
}

func (a *app) currentManager() *rtc.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manager
}

// videoSendLoop ships the freshest captured frame to whichever call is live.
func (a *app) videoSendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.capture.Outbound.Ready():
			f := a.capture.Outbound.Take()
			if f == nil {
				continue
			}
			if mgr := a.currentManager(); mgr != nil {
				mgr.SendVideoFrame(f)
			}
		}
	}
}

func (a *app) audioSendLoop(ctx context.Context, mic <-chan []int16) {
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-mic:
			if !ok {
				return
			}
			mgr := a.currentManager()
			if mgr == nil {
				continue
			}
			if data := a.codec.Encode(pcm); data != nil {
				mgr.SendAudioFrame(data)
			}
		}
	}
}

// previewLoop renders the local camera feed into the corner preview.
func (a *app) previewLoop(ctx context.Context) {
	mode := term.DetectColorMode()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.capture.Preview.Ready():
			f := a.capture.Preview.Take()
			if f == nil {
				continue
			}
			a.localFPS.tick()
			maxCols, maxRows, ok := a.comp.PreviewGridSize()
			if !ok {
				continue
			}
			cols, rows := render.FitSize(f.Width, f.Height, maxCols, maxRows)
			a.comp.SetPreview(render.Preview(f, cols, rows, mode))
		}
	}
}

// remoteRenderLoop turns inbound frames into the main pane.
func (a *app) remoteRenderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.remote.Ready():
			f := a.remote.Take()
			if f == nil {
				continue
			}
			maxCols, maxRows, ok := a.comp.RemoteGridSize()
			if !ok {
				continue
			}
			cols, rows := render.FitSize(f.Width, f.Height, maxCols, maxRows)
			a.comp.SetRemote(render.Ascii(f, cols, rows))
		}
	}
}

// overlayTicker refreshes duration, FPS and frozen-feed labels once a second.
func (a *app) overlayTicker(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			a.refreshOverlay(a.machine.Snapshot())
		}
	}
}

func (a *app) refreshOverlay(s session.CallSession) {
	o := term.Overlay{
		PeerName:   s.RemoteName,
		AudioMuted: s.AudioMuted,
		VideoMuted: s.VideoMuted,
	}

	switch s.State {
	case session.StateIdle:
		if s.Reason != session.ReasonNone {
			o.Status = "Call ended: " + s.Reason.String() + "\nWaiting for calls"
		} else {
			o.Status = "Waiting for calls as " + a.opts.DisplayName
		}
	case session.StateOutgoing:
		o.Status = "Calling " + s.RemoteName + "..."
	case session.StateIncoming:
		o.Status = "Incoming call from " + s.RemoteName + "\n[a]ccept  [d]ecline"
	case session.StateConnecting:
		o.Status = "Connecting to " + s.RemoteName + "..."
	case session.StateEnding:
		o.Status = "Ending call..."
	case session.StateActive:
		o.StateLabel = a.activeLabel()
		o.Duration = s.Duration(time.Now())
	}
	a.comp.SetOverlay(o)
}

func (a *app) activeLabel() string {
	now := time.Now().UnixNano()
	remoteAt := a.lastRemoteAt.Load()
	if remoteAt != 0 && now-remoteAt > int64(frameFreezeThreshold) {
		return "NO SIGNAL"
	}
	return fmt.Sprintf("RX %d FPS · TX %d FPS", a.remoteFPS.value(), a.localFPS.value())
}

// fpsCounter counts frames per rolling second.
type fpsCounter struct {
	mu       sync.Mutex
	lastTick time.Time
	frames   int
	display  int
}

func (fc *fpsCounter) tick() {
	now := time.Now()
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.lastTick.IsZero() {
		fc.lastTick = now
	}
	fc.frames++
	if elapsed := now.Sub(fc.lastTick); elapsed >= time.Second {
		fc.display = int(float64(fc.frames) / elapsed.Seconds())
		fc.frames = 0
		fc.lastTick = now
	}
}

func (fc *fpsCounter) value() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.display
}
