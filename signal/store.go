package signal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Store is the capability interface over the external realtime message
// store: small JSON records published to hierarchical paths with
// publish/subscribe semantics. Tests substitute an in-memory fake.
type Store interface {
	// Publish writes one record to path. It returns a *TransportError when
	// the store is unreachable.
	Publish(ctx context.Context, path string, record []byte) error

	// Subscribe streams records appearing under path until ctx is canceled.
	// The stream is infinite and survives transport errors by resubscribing;
	// records may be delivered more than once across a resubscription.
	Subscribe(ctx context.Context, path string) (<-chan []byte, error)
}

const (
	wsWriteTimeout     = 5 * time.Second
	wsReconnectInitial = time.Second
	wsReconnectMax     = 15 * time.Second
)

type wsEnvelope struct {
	Op     string          `json:"op"` // "pub" or "sub"
	Path   string          `json:"path"`
	Record json.RawMessage `json:"record,omitempty"`
}

// WSStore talks to the realtime store over a single websocket connection.
// The connection is dialed lazily and redialed with exponential backoff;
// active subscriptions are replayed after every reconnect, which gives the
// at-least-once delivery the channel layer is documented to tolerate.
type WSStore struct {
	url string
	log *logrus.Entry

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string][]chan []byte

	runOnce sync.Once
	closed  chan struct{}
}

// NewWSStore creates a store client for the given websocket URL.
func NewWSStore(url string) *WSStore {
	return &WSStore{
		url:    url,
		log:    logrus.WithField("comp", "store"),
		subs:   make(map[string][]chan []byte),
		closed: make(chan struct{}),
	}
}

// Publish implements Store.
func (s *WSStore) Publish(ctx context.Context, path string, record []byte) error {
	conn, err := s.ensureConn(ctx)
	if err != nil {
		return &TransportError{Op: "publish " + path, Err: err}
	}
	env := wsEnvelope{Op: "pub", Path: path, Record: record}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		// connection was replaced between ensureConn and the write
		return &TransportError{Op: "publish " + path, Err: errConnReset}
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.dropConnLocked(conn)
		return &TransportError{Op: "publish " + path, Err: err}
	}
	return nil
}

// Subscribe implements Store. The returned channel closes when ctx ends.
func (s *WSStore) Subscribe(ctx context.Context, path string) (<-chan []byte, error) {
	out := make(chan []byte, 16)

	s.mu.Lock()
	s.subs[path] = append(s.subs[path], out)
	s.mu.Unlock()

	if conn, err := s.ensureConn(ctx); err == nil {
		s.sendSub(conn, path)
	}
	// The read loop owns redialing. It must run even when the first dial
	// failed, or a subscription made while the store is down stays dead.
	s.runOnce.Do(func() { go s.readLoop() })

	go func() {
		<-ctx.Done()
		// Closing under the mutex keeps dispatch, which sends under the same
		// mutex, from ever writing to a closed channel.
		s.mu.Lock()
		chans := s.subs[path]
		for i, ch := range chans {
			if ch == out {
				s.subs[path] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(s.subs[path]) == 0 {
			delete(s.subs, path)
		}
		close(out)
		s.mu.Unlock()
	}()

	return out, nil
}

// Close shuts the connection down and stops the redial loop.
func (s *WSStore) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

var errConnReset = &resetError{}

type resetError struct{}

func (*resetError) Error() string { return "connection replaced during write" }

// ensureConn dials the store if needed and starts the read loop once.
func (s *WSStore) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	if s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.conn != nil {
		// lost the race; keep the existing connection
		existing := s.conn
		s.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	s.conn = conn
	paths := make([]string, 0, len(s.subs))
	for p := range s.subs {
		paths = append(paths, p)
	}
	s.mu.Unlock()

	for _, p := range paths {
		s.sendSub(conn, p)
	}

	s.runOnce.Do(func() { go s.readLoop() })
	return conn, nil
}

func (s *WSStore) sendSub(conn *websocket.Conn, path string) {
	payload, err := json.Marshal(wsEnvelope{Op: "sub", Path: path})
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.log.WithError(err).Warn("subscribe write failed")
		s.dropConnLocked(conn)
	}
}

// readLoop pumps records from the store into subscriber channels and redials
// with exponential backoff when the connection breaks.
func (s *WSStore) readLoop() {
	delay := wsReconnectInitial
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			timer := time.NewTimer(delay)
			select {
			case <-s.closed:
				timer.Stop()
				return
			case <-timer.C:
			}
			if delay < wsReconnectMax {
				delay *= 2
				if delay > wsReconnectMax {
					delay = wsReconnectMax
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
			if _, err := s.ensureConn(ctx); err != nil {
				s.log.WithError(err).Debug("store redial failed")
			}
			cancel()
			continue
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.log.WithError(err).Warn("store connection lost")
			s.mu.Lock()
			s.dropConnLocked(conn)
			s.mu.Unlock()
			continue
		}
		delay = wsReconnectInitial

		var env wsEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.log.WithError(err).Debug("skipping malformed store record")
			continue
		}
		s.dispatch(env.Path, env.Record)
	}
}

// dispatch fans a record out to the path's subscribers. Sends happen under
// the mutex; they never block, and holding the lock excludes the unsubscribe
// path that closes channels.
func (s *WSStore) dispatch(path string, record []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[path] {
		select {
		case ch <- record:
		default:
			// slow subscriber: drop the oldest record, keep the newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- record:
			default:
			}
		}
	}
}

func (s *WSStore) dropConnLocked(conn *websocket.Conn) {
	if s.conn == conn && s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
