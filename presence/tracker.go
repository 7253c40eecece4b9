// Package presence keeps track of which peers are reachable, based on the
// heartbeat records every client publishes through the signaling store.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"termcall/signal"
)

// Status is a peer's published availability.
type Status string

const (
	StatusAvailable Status = "available"
	StatusInCall    Status = "in-call"
	StatusOffline   Status = "offline"
)

// Peer is a read-only snapshot of one remote peer.
type Peer struct {
	ID          string
	DisplayName string
	Status      Status
	LastSeenAt  time.Time
}

// Tracker maintains the peer map from heartbeats and publishes the local
// peer's own heartbeat. It is the sole mutator of the map; readers get
// snapshot copies.
type Tracker struct {
	ch          *signal.Channel
	localName   string
	interval    time.Duration
	log         *logrus.Entry
	clock       func() time.Time

	mu    sync.Mutex
	peers map[string]*Peer
	local Status

	listenerMu sync.Mutex
	listeners  map[int]func([]Peer)
	nextID     int
}

// NewTracker creates a tracker that heartbeats every interval. A peer whose
// last heartbeat is older than three intervals is reported offline.
func NewTracker(ch *signal.Channel, displayName string, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Tracker{
		ch:        ch,
		localName: displayName,
		interval:  interval,
		log:       logrus.WithField("comp", "presence"),
		clock:     time.Now,
		peers:     make(map[string]*Peer),
		local:     StatusAvailable,
		listeners: make(map[int]func([]Peer)),
	}
}

// Run drives the heartbeat publisher, the heartbeat consumer and the
// staleness sweep until ctx is canceled.
func (t *Tracker) Run(ctx context.Context) error {
	beats, err := t.ch.SubscribePresence(ctx)
	if err != nil {
		return err
	}

	t.publishHeartbeat(ctx)

	tick := time.NewTicker(t.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			t.publishHeartbeat(ctx)
			if t.sweepStale() {
				t.notifyListeners()
			}
		case m, ok := <-beats:
			if !ok {
				return nil
			}
			if m.Type != signal.TypePresenceHeartbeat || m.From == t.ch.LocalID() {
				continue
			}
			if t.observeHeartbeat(m) {
				t.notifyListeners()
			}
		}
	}
}

// SetLocalStatus changes the status carried by subsequent heartbeats and
// republishes immediately so peers learn about call state promptly.
func (t *Tracker) SetLocalStatus(ctx context.Context, s Status) {
	t.mu.Lock()
	changed := t.local != s
	t.local = s
	t.mu.Unlock()
	if changed {
		t.publishHeartbeat(ctx)
	}
}

// Snapshot returns a copy of the known peers, sorted by id.
func (t *Tracker) Snapshot() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Subscribe registers a callback invoked after every presence change.
// It returns a function that removes the listener.
func (t *Tracker) Subscribe(fn func([]Peer)) func() {
	if fn == nil {
		return func() {}
	}
	t.listenerMu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.listenerMu.Unlock()
	return func() {
		t.listenerMu.Lock()
		delete(t.listeners, id)
		t.listenerMu.Unlock()
	}
}

// publishHeartbeat is best effort: a store outage must never take the
// tracker down, so failures are only logged.
func (t *Tracker) publishHeartbeat(ctx context.Context) {
	t.mu.Lock()
	status := t.local
	t.mu.Unlock()

	m := signal.NewMessage(signal.TypePresenceHeartbeat, t.ch.LocalID(), "")
	m.DisplayName = t.localName
	m.Reason = string(status)
	if err := t.ch.Publish(ctx, m); err != nil {
		t.log.WithError(err).Debug("heartbeat publish failed")
	}
}

func (t *Tracker) observeHeartbeat(m signal.Message) bool {
	status := Status(m.Reason)
	switch status {
	case StatusAvailable, StatusInCall:
	default:
		status = StatusAvailable
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[m.From]
	if !ok {
		p = &Peer{ID: m.From}
		t.peers[m.From] = p
	}
	changed := !ok || p.Status != status || p.DisplayName != m.DisplayName
	p.DisplayName = m.DisplayName
	p.Status = status
	p.LastSeenAt = t.clock()
	return changed
}

// sweepStale marks peers offline once they miss three heartbeat intervals.
func (t *Tracker) sweepStale() bool {
	cutoff := t.clock().Add(-3 * t.interval)
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for _, p := range t.peers {
		if p.Status != StatusOffline && p.LastSeenAt.Before(cutoff) {
			p.Status = StatusOffline
			changed = true
		}
	}
	return changed
}

func (t *Tracker) snapshotLocked() []Peer {
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tracker) notifyListeners() {
	snapshot := t.Snapshot()
	t.listenerMu.Lock()
	fns := make([]func([]Peer), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.listenerMu.Unlock()
	for _, fn := range fns {
		fn(snapshot)
	}
}
