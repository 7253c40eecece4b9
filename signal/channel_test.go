package signal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store with scriptable publish failures.
type fakeStore struct {
	mu         sync.Mutex
	published  map[string][][]byte
	subs       map[string]chan []byte
	failsLeft  int
	publishErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		published: make(map[string][][]byte),
		subs:      make(map[string]chan []byte),
	}
}

func (s *fakeStore) Publish(ctx context.Context, path string, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failsLeft > 0 {
		s.failsLeft--
		if s.publishErr != nil {
			return s.publishErr
		}
		return &TransportError{Op: "publish " + path, Err: errors.New("store down")}
	}
	cp := append([]byte(nil), record...)
	s.published[path] = append(s.published[path], cp)
	if ch, ok := s.subs[path]; ok {
		ch <- cp
	}
	return nil
}

func (s *fakeStore) Subscribe(ctx context.Context, path string) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan []byte, 32)
	s.subs[path] = ch
	return ch, nil
}

func (s *fakeStore) records(path string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published[path]
}

func TestPublishRoutesByType(t *testing.T) {
	store := newFakeStore()
	c := NewChannel(store, "me")
	ctx := context.Background()

	invite := NewMessage(TypeCallInvite, "me", "them")
	require.NoError(t, c.Publish(ctx, invite))

	beat := NewMessage(TypePresenceHeartbeat, "me", "")
	require.NoError(t, c.Publish(ctx, beat))

	assert.Len(t, store.records("signal/them"), 1)
	assert.Len(t, store.records("presence"), 1)
}

func TestPublishRetryBacksOffThenSucceeds(t *testing.T) {
	store := newFakeStore()
	store.failsLeft = 2
	c := NewChannel(store, "me")
	ctx := context.Background()

	msg := NewMessage(TypeSDPOffer, "me", "them")
	msg.SDP = "v=0"

	start := time.Now()
	require.NoError(t, c.PublishRetry(ctx, msg, 5))
	elapsed := time.Since(start)

	assert.Len(t, store.records("signal/them"), 1)
	// two failures cost 200ms + 400ms of backoff
	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
}

func TestPublishRetryGivesUpAfterAttempts(t *testing.T) {
	store := newFakeStore()
	store.failsLeft = 100
	c := NewChannel(store, "me")
	ctx := context.Background()

	err := c.PublishRetry(ctx, NewMessage(TypeICECandidate, "me", "them"), 2)
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.Empty(t, store.records("signal/them"))
}

func TestPublishRetryDoesNotRetryNonTransport(t *testing.T) {
	store := newFakeStore()
	store.failsLeft = 100
	store.publishErr = errors.New("permanent")
	c := NewChannel(store, "me")

	start := time.Now()
	err := c.PublishRetry(context.Background(), NewMessage(TypeCallEnd, "me", "them"), 5)
	require.Error(t, err)
	assert.False(t, IsTransport(err))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "no backoff for permanent errors")
}

func TestPublishRetryHonorsContext(t *testing.T) {
	store := newFakeStore()
	store.failsLeft = 100
	c := NewChannel(store, "me")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.PublishRetry(ctx, NewMessage(TypeICECandidate, "me", "them"), 10)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeFiltersOwnMessages(t *testing.T) {
	store := newFakeStore()
	me := NewChannel(store, "me")
	them := NewChannel(store, "them")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbox, err := me.Subscribe(ctx)
	require.NoError(t, err)

	// an echo of our own publish must not come back
	echo := NewMessage(TypeCallInvite, "me", "me")
	require.NoError(t, me.Publish(ctx, echo))

	invite := NewMessage(TypeCallInvite, "them", "me")
	require.NoError(t, them.Publish(ctx, invite))

	got := <-inbox
	assert.Equal(t, "them", got.From)
	assert.Equal(t, TypeCallInvite, got.Type)

	select {
	case m := <-inbox:
		t.Fatalf("unexpected second message from %q", m.From)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribePresenceKeepsOwnEcho(t *testing.T) {
	store := newFakeStore()
	c := NewChannel(store, "me")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	beats, err := c.SubscribePresence(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, NewMessage(TypePresenceHeartbeat, "me", "")))

	got := <-beats
	assert.Equal(t, "me", got.From)
}

func TestSubscribeDropsMalformedRecords(t *testing.T) {
	store := newFakeStore()
	c := NewChannel(store, "me")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbox, err := c.Subscribe(ctx)
	require.NoError(t, err)

	store.mu.Lock()
	store.subs["signal/me"] <- []byte("{not json")
	store.mu.Unlock()

	other := NewChannel(store, "them")
	require.NoError(t, other.Publish(ctx, NewMessage(TypeCallEnd, "them", "me")))

	got := <-inbox
	assert.Equal(t, TypeCallEnd, got.Type, "malformed record skipped, stream continues")
}

func TestMessageRoundTrip(t *testing.T) {
	m := NewMessage(TypeSDPAnswer, "a", "b")
	m.SDP = "v=0\r\no=- 0 0 IN IP4 0.0.0.0"
	m.DisplayName = "Alice"

	record, err := m.encode()
	require.NoError(t, err)

	got, err := decodeMessage(record)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Type, got.Type)
	assert.Equal(t, m.SDP, got.SDP)
	assert.Equal(t, m.DisplayName, got.DisplayName)
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	_, err := decodeMessage([]byte(`{}`))
	require.Error(t, err)
	_, err = decodeMessage([]byte(`{"id":"x","type":""}`))
	require.Error(t, err)
}
